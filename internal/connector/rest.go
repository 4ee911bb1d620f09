package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Molam-git/molam-connect-sub001/internal/circuitbreaker"
)

// REST is a connector adapter for partner gateways that expose an HTTP
// submit/health API. One REST connector serves one (connector, rail)
// pair; the gateway's base URL and credentials come from deployment
// configuration.
type REST struct {
	id      string
	rail    string
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewREST creates an HTTP-backed connector. The submit timeout is the
// rail's bounded timeout from SubmitTimeout. A gateway that fails five
// submits in a row is circuit-broken for thirty seconds; while the
// circuit is open, submits fail fast with a transient code so the
// dispatch worker reschedules instead of burning the timeout.
func NewREST(id, rail, baseURL, apiKey string) *REST {
	return &REST{
		id:      id,
		rail:    rail,
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: SubmitTimeout(rail)},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

func (r *REST) ID() string   { return r.id }
func (r *REST) Rail() string { return r.rail }

func (r *REST) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if !r.breaker.Allow(r.id) {
		return &SubmitResult{
			Success:      false,
			ErrorCode:    CodeTransientUpstream,
			ErrorMessage: "connector circuit open",
		}, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/payouts", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		// Timeouts and connection errors are transient by contract.
		code := CodeTransientNetwork
		if errors.Is(err, context.DeadlineExceeded) {
			code = CodeTransientTimeout
		}
		r.breaker.RecordFailure(r.id)
		return &SubmitResult{
			Success:      false,
			ErrorCode:    code,
			ErrorMessage: err.Error(),
		}, nil
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		r.breaker.RecordFailure(r.id)
		return &SubmitResult{
			Success:      false,
			ErrorCode:    CodeTransientRateLimit,
			ErrorMessage: "gateway rate limited",
		}, nil
	case resp.StatusCode >= 500:
		r.breaker.RecordFailure(r.id)
		return &SubmitResult{
			Success:      false,
			ErrorCode:    CodeTransientUpstream,
			ErrorMessage: fmt.Sprintf("gateway status %d", resp.StatusCode),
		}, nil
	}

	var result SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		r.breaker.RecordFailure(r.id)
		return &SubmitResult{
			Success:      false,
			ErrorCode:    CodeTransientUpstream,
			ErrorMessage: "unreadable gateway response",
		}, nil
	}
	// Permanent rejections are payout-level outcomes, not gateway
	// outages, so they count as breaker successes.
	r.breaker.RecordSuccess(r.id)
	return &result, nil
}

func (r *REST) HealthCheck(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return HealthStatus{Healthy: false, Message: err.Error()}
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return HealthStatus{Healthy: false, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return HealthStatus{Healthy: false, Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}
	return HealthStatus{Healthy: true}
}
