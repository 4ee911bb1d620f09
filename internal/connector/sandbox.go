package connector

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Sandbox is an in-process connector used in development and tests. It
// accepts every structurally valid request and mints bank references in
// the rail's reference style. Instant rails settle immediately; batch
// rails wait for an external confirmation, same as a real adapter.
type Sandbox struct {
	id      string
	rail    string
	latency time.Duration
	healthy atomic.Bool
}

// NewSandbox creates a sandbox connector for one rail.
func NewSandbox(id, rail string) *Sandbox {
	s := &Sandbox{id: id, rail: rail, latency: 10 * time.Millisecond}
	s.healthy.Store(true)
	return s
}

// SandboxFleet registers a sandbox connector for every supported rail
// under the default connector id.
func SandboxFleet(reg *Registry) {
	for _, rail := range []string{RailACH, RailWire, RailSEPA, RailFPS, RailMobileMoney, RailWallet} {
		reg.Register(NewSandbox(DefaultConnectorID, rail))
	}
}

func (s *Sandbox) ID() string   { return s.id }
func (s *Sandbox) Rail() string { return s.rail }

// SetHealthy flips the health flag (used to exercise health reporting).
func (s *Sandbox) SetHealthy(v bool) { s.healthy.Store(v) }

func (s *Sandbox) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.latency):
	}

	if !s.healthy.Load() {
		return &SubmitResult{
			Success:      false,
			ErrorCode:    CodeTransientUpstream,
			ErrorMessage: "sandbox connector degraded",
		}, nil
	}

	if req.BeneficiaryID == "" {
		return &SubmitResult{
			Success:      false,
			ErrorCode:    CodePermanentInvalidAccount,
			ErrorMessage: "beneficiary is required",
		}, nil
	}

	return &SubmitResult{
		Success:           true,
		BankReference:     s.reference(),
		InstantSettlement: instantRail(s.rail),
		BankFee:           "0.00",
	}, nil
}

func (s *Sandbox) HealthCheck(_ context.Context) HealthStatus {
	if s.healthy.Load() {
		return HealthStatus{Healthy: true}
	}
	return HealthStatus{Healthy: false, Message: "sandbox connector degraded"}
}

func (s *Sandbox) reference() string {
	prefix := map[string]string{
		RailACH:         "ACH",
		RailWire:        "WIR",
		RailSEPA:        "SEP",
		RailFPS:         "FPS",
		RailMobileMoney: "MMO",
		RailWallet:      "WAL",
	}[s.rail]
	if prefix == "" {
		prefix = "PAY"
	}
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:12]
	return fmt.Sprintf("%s-%s", prefix, id)
}

// instantRail reports whether a rail settles at submission time.
func instantRail(rail string) bool {
	return rail == RailFPS || rail == RailWallet || rail == RailMobileMoney
}
