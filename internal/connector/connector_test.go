package connector

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestErrorCodeClassification(t *testing.T) {
	tests := []struct {
		code      string
		permanent bool
	}{
		{CodePermanentInvalidAccount, true},
		{CodePermanentComplianceBlock, true},
		{CodeTransientNetwork, false},
		{CodeTransientRateLimit, false},
		{CodeProcessingError, false},
		{"SOMETHING_NEW", false}, // unknown codes retry
	}
	for _, tt := range tests {
		if IsPermanent(tt.code) != tt.permanent {
			t.Errorf("IsPermanent(%s) = %v, want %v", tt.code, IsPermanent(tt.code), tt.permanent)
		}
		if IsTransient(tt.code) == tt.permanent {
			t.Errorf("IsTransient(%s) should be %v", tt.code, !tt.permanent)
		}
	}
}

func TestSubmitTimeoutPerRail(t *testing.T) {
	if SubmitTimeout(RailWire) != 30*time.Second {
		t.Error("wire should get the longest timeout")
	}
	if SubmitTimeout(RailFPS) != 10*time.Second {
		t.Error("faster payments should get the shortest timeout")
	}
	if SubmitTimeout("unknown_rail") != 10*time.Second {
		t.Error("unknown rails should get the default timeout")
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewSandbox("wise_eu", RailSEPA))

	c, err := reg.Resolve("wise_eu", RailSEPA)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if c.ID() != "wise_eu" {
		t.Errorf("Expected wise_eu, got %s", c.ID())
	}
}

func TestRegistryResolveDefaults(t *testing.T) {
	reg := NewRegistry()
	SandboxFleet(reg)

	// Empty id and rail resolve to the default connector on ACH.
	c, err := reg.Resolve("", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if c.ID() != DefaultConnectorID || c.Rail() != RailACH {
		t.Errorf("Expected default connector on ach, got %s/%s", c.ID(), c.Rail())
	}
}

func TestRegistryResolveFallsBackToDefaultConnector(t *testing.T) {
	reg := NewRegistry()
	SandboxFleet(reg)

	// Unknown connector id falls back to the default on the same rail.
	c, err := reg.Resolve("unknown_bank", RailSEPA)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if c.ID() != DefaultConnectorID || c.Rail() != RailSEPA {
		t.Errorf("Expected default connector on sepa, got %s/%s", c.ID(), c.Rail())
	}
}

func TestRegistryResolveNotFound(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewSandbox("wise_eu", RailSEPA))

	_, err := reg.Resolve("wise_eu", RailWire)
	if !errors.Is(err, ErrConnectorNotFound) {
		t.Errorf("Expected ErrConnectorNotFound, got %v", err)
	}
}

func TestRegistryHealthAll(t *testing.T) {
	reg := NewRegistry()
	healthy := NewSandbox("a_bank", RailACH)
	sick := NewSandbox("b_bank", RailSEPA)
	sick.SetHealthy(false)
	reg.Register(healthy)
	reg.Register(sick)

	reports := reg.HealthAll(context.Background())
	if len(reports) != 2 {
		t.Fatalf("Expected 2 reports, got %d", len(reports))
	}
	// Stable order: sorted by connector id
	if reports[0].ConnectorID != "a_bank" || !reports[0].Healthy {
		t.Errorf("Expected a_bank healthy first, got %+v", reports[0])
	}
	if reports[1].ConnectorID != "b_bank" || reports[1].Healthy {
		t.Errorf("Expected b_bank unhealthy second, got %+v", reports[1])
	}
}

func TestSandboxSubmit(t *testing.T) {
	s := NewSandbox("sandbox", RailSEPA)

	result, err := s.Submit(context.Background(), SubmitRequest{
		PayoutID:      "po_1",
		Amount:        "100.00",
		Currency:      "EUR",
		BeneficiaryID: "seller_1",
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("Expected success, got %s: %s", result.ErrorCode, result.ErrorMessage)
	}
	if !strings.HasPrefix(result.BankReference, "SEP-") {
		t.Errorf("Expected SEP- reference, got %s", result.BankReference)
	}
	// SEPA is a batch rail, settlement comes later
	if result.InstantSettlement {
		t.Error("SEPA should not settle instantly")
	}
}

func TestSandboxInstantRails(t *testing.T) {
	for _, rail := range []string{RailFPS, RailWallet, RailMobileMoney} {
		s := NewSandbox("sandbox", rail)
		result, err := s.Submit(context.Background(), SubmitRequest{BeneficiaryID: "b1"})
		if err != nil {
			t.Fatalf("Submit on %s failed: %v", rail, err)
		}
		if !result.InstantSettlement {
			t.Errorf("Expected %s to settle instantly", rail)
		}
	}
}

func TestSandboxRejectsMissingBeneficiary(t *testing.T) {
	s := NewSandbox("sandbox", RailACH)
	result, err := s.Submit(context.Background(), SubmitRequest{PayoutID: "po_1"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.Success {
		t.Fatal("Expected rejection")
	}
	if result.ErrorCode != CodePermanentInvalidAccount {
		t.Errorf("Expected PERMANENT_INVALID_ACCOUNT, got %s", result.ErrorCode)
	}
}

func TestSandboxDegraded(t *testing.T) {
	s := NewSandbox("sandbox", RailACH)
	s.SetHealthy(false)

	result, err := s.Submit(context.Background(), SubmitRequest{BeneficiaryID: "b1"})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if result.Success {
		t.Fatal("Expected degraded connector to fail submits")
	}
	if !IsTransient(result.ErrorCode) {
		t.Errorf("Degraded connector should fail transiently, got %s", result.ErrorCode)
	}
}

func TestSandboxSubmitHonorsContext(t *testing.T) {
	s := NewSandbox("sandbox", RailACH)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Submit(ctx, SubmitRequest{BeneficiaryID: "b1"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
