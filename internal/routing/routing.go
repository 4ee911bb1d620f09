// Package routing provides the client for SIRA, the routing advisor
// that scores connector/rail choices for a payout.
//
// The advisor is strictly advisory: every call runs under a short
// timeout and any error leaves the requester-supplied or default
// routing in place.
package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrNoRecommendation = errors.New("no routing recommendation")

// DefaultTimeout bounds advisor calls; creation must not wait on routing.
const DefaultTimeout = 450 * time.Millisecond

// Features describes a payout for the advisor.
type Features struct {
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Method          string `json:"method"`
	Priority        string `json:"priority"`
	Country         string `json:"country"`
	BeneficiaryType string `json:"beneficiaryType"`
	TenantID        string `json:"tenantId"`
}

// Recommendation is the advisor's routing choice.
type Recommendation struct {
	ConnectorID             string `json:"connectorId"`
	Rail                    string `json:"rail"`
	EstimatedSettlementTime string `json:"estimatedSettlementTime,omitempty"`
}

// Prediction is the advisor's full answer.
type Prediction struct {
	Score          float64         `json:"score"` // [0, 1]
	Recommendation *Recommendation `json:"recommendation"`
	Explanation    string          `json:"explanation,omitempty"`
}

// Advisor produces routing predictions.
type Advisor interface {
	Predict(ctx context.Context, f Features) (*Prediction, error)
}

// Client calls a SIRA deployment over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an advisor client. A zero timeout uses DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Predict(ctx context.Context, f Features) (*Prediction, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/predict", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sira status %d", resp.StatusCode)
	}

	var pred Prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return nil, err
	}
	if pred.Recommendation == nil || pred.Recommendation.ConnectorID == "" {
		return nil, ErrNoRecommendation
	}
	return &pred, nil
}

// Noop is an advisor that never recommends anything. Used when SIRA is
// not deployed.
type Noop struct{}

func (Noop) Predict(context.Context, Features) (*Prediction, error) {
	return nil, ErrNoRecommendation
}

// Static always returns a fixed prediction. Used in tests.
type Static struct {
	P   *Prediction
	Err error
}

func (s Static) Predict(context.Context, Features) (*Prediction, error) {
	return s.P, s.Err
}
