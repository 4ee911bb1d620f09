// Package connector defines the bank connector contract and the
// registry the dispatch worker resolves connectors from.
//
// A connector speaks one payment rail on behalf of the engine. The
// contract is deliberately narrow: Submit and HealthCheck. Settlement
// confirmations arrive out of band through the payout service.
package connector

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrConnectorNotFound = errors.New("connector not found")

// Rails supported by the engine.
const (
	RailACH         = "ach"
	RailWire        = "wire"
	RailSEPA        = "sepa"
	RailFPS         = "faster_payments"
	RailMobileMoney = "mobile_money"
	RailWallet      = "wallet_credit"
)

// Error code families surfaced by connectors. Transient codes are
// retried with backoff; permanent codes go straight to the dead-letter
// state.
const (
	CodeTransientNetwork   = "TRANSIENT_NETWORK"
	CodeTransientTimeout   = "TRANSIENT_TIMEOUT"
	CodeTransientRateLimit = "TRANSIENT_RATE_LIMIT"
	CodeTransientUpstream  = "TRANSIENT_UPSTREAM"

	CodePermanentInvalidAccount    = "PERMANENT_INVALID_ACCOUNT"
	CodePermanentCurrencyMismatch  = "PERMANENT_CURRENCY_MISMATCH"
	CodePermanentComplianceBlock   = "PERMANENT_COMPLIANCE_BLOCK"
	CodePermanentInsufficientFunds = "PERMANENT_INSUFFICIENT_FUNDS"

	CodeProcessingError = "PROCESSING_ERROR"
)

// IsPermanent reports whether an error code is in the permanent family.
func IsPermanent(code string) bool {
	return strings.HasPrefix(code, "PERMANENT_")
}

// IsTransient reports whether an error code should be retried. Unknown
// codes are treated as transient so a connector bug cannot strand a
// payout without retries.
func IsTransient(code string) bool {
	return !IsPermanent(code)
}

// SubmitRequest carries everything a connector needs to move money.
type SubmitRequest struct {
	PayoutID         string `json:"payoutId"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Rail             string `json:"rail"`
	Country          string `json:"country"`
	BeneficiaryType  string `json:"beneficiaryType"`
	BeneficiaryID    string `json:"beneficiaryId"`
	BeneficiaryAcct  string `json:"beneficiaryAccount,omitempty"`
	Priority         string `json:"priority"`
	Reference        string `json:"reference"`
	SettlementTarget string `json:"settlementTarget,omitempty"` // YYYY-MM-DD
}

// SubmitResult is a connector's answer to a submission.
type SubmitResult struct {
	Success           bool   `json:"success"`
	BankReference     string `json:"bankReference,omitempty"`
	InstantSettlement bool   `json:"instantSettlement"`
	ErrorCode         string `json:"errorCode,omitempty"`
	ErrorMessage      string `json:"errorMessage,omitempty"`
	BankFee           string `json:"bankFee,omitempty"` // actual fee charged by the bank
}

// HealthStatus reports connector liveness.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// Connector is the contract every rail adapter satisfies.
type Connector interface {
	ID() string
	Rail() string
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
	HealthCheck(ctx context.Context) HealthStatus
}

// SubmitTimeout returns the bounded timeout for a rail's connector
// calls. Timeouts are treated as transient failures.
func SubmitTimeout(rail string) time.Duration {
	switch rail {
	case RailWire:
		return 30 * time.Second
	case RailACH, RailSEPA:
		return 20 * time.Second
	case RailMobileMoney:
		return 15 * time.Second
	default: // faster payments, wallet credit
		return 10 * time.Second
	}
}
