package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/Molam-git/molam-connect-sub001/internal/connector"
)

func setupHandlerTestRouter(t *testing.T) (*gin.Engine, *testEnv) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := newTestEnv(t, ServiceConfig{})
	handler := NewHandler(env.service)

	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	// Simulate operator auth middleware
	ops := v1.Group("/ops")
	ops.Use(func(c *gin.Context) {
		c.Set("authUserID", "ops_1")
		c.Next()
	})
	handler.RegisterOpsRoutes(ops)

	return r, env
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerCreatePayout(t *testing.T) {
	router, env := setupHandlerTestRouter(t)
	env.fund(t, "marketplace", "m1", "1000.00")

	w := doJSON(t, router, "POST", "/v1/payouts", validRequest(), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Payout struct {
			ID       string `json:"id"`
			Status   string `json:"status"`
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"payout"`
		Replayed bool `json:"replayed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Payout.ID == "" || resp.Payout.Status != string(StatusPending) {
		t.Errorf("Unexpected payout: %+v", resp.Payout)
	}
	if resp.Payout.Amount != "250.00" || resp.Payout.Currency != "USD" {
		t.Errorf("Unexpected amount: %+v", resp.Payout)
	}
	if resp.Replayed {
		t.Error("First create should not be a replay")
	}
}

func TestHandlerCreatePayoutIdempotentReplay(t *testing.T) {
	router, env := setupHandlerTestRouter(t)
	env.fund(t, "marketplace", "m1", "1000.00")

	headers := map[string]string{"Idempotency-Key": "batch-run-7"}
	first := doJSON(t, router, "POST", "/v1/payouts", validRequest(), headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", first.Code, first.Body.String())
	}
	second := doJSON(t, router, "POST", "/v1/payouts", validRequest(), headers)
	if second.Code != http.StatusOK {
		t.Fatalf("Expected 200 on replay, got %d: %s", second.Code, second.Body.String())
	}

	var a, b struct {
		Payout struct {
			ID string `json:"id"`
		} `json:"payout"`
		Replayed bool `json:"replayed"`
	}
	_ = json.Unmarshal(first.Body.Bytes(), &a)
	_ = json.Unmarshal(second.Body.Bytes(), &b)
	if a.Payout.ID != b.Payout.ID {
		t.Errorf("Replay returned a different payout: %s vs %s", a.Payout.ID, b.Payout.ID)
	}
	if !b.Replayed {
		t.Error("Expected replayed flag on the second response")
	}
}

func TestHandlerCreatePayoutInsufficientBalance(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	w := doJSON(t, router, "POST", "/v1/payouts", validRequest(), nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error != "insufficient_balance" {
		t.Errorf("Expected insufficient_balance, got %s", resp.Error)
	}
}

func TestHandlerCreatePayoutValidation(t *testing.T) {
	router, env := setupHandlerTestRouter(t)
	env.fund(t, "marketplace", "m1", "1000.00")

	req := validRequest()
	req.Amount = "-5.00"
	w := doJSON(t, router, "POST", "/v1/payouts", req, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d: %s", w.Code, w.Body.String())
	}

	// Malformed JSON body
	raw := httptest.NewRequest("POST", "/v1/payouts", bytes.NewBufferString("{not json"))
	raw.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, raw)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestHandlerGetPayout(t *testing.T) {
	router, env := setupHandlerTestRouter(t)
	p := env.createPayout(t)

	w := doJSON(t, router, "GET", "/v1/payouts/"+p.ID, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/v1/payouts/po_missing", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandlerListPayouts(t *testing.T) {
	router, env := setupHandlerTestRouter(t)
	env.createPayout(t)

	w := doJSON(t, router, "GET", "/v1/payouts?tenantId=m1&status=pending", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Payouts []json.RawMessage `json:"payouts"`
		Count   int               `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Count != 1 || len(resp.Payouts) != 1 {
		t.Errorf("Expected 1 payout, got %d", resp.Count)
	}

	// Non-matching tenant filter
	w = doJSON(t, router, "GET", "/v1/payouts?tenantId=other", nil, nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 0 {
		t.Errorf("Expected 0 payouts for other tenant, got %d", resp.Count)
	}
}

func TestHandlerAuditTrail(t *testing.T) {
	router, env := setupHandlerTestRouter(t)
	p := env.createPayout(t)

	w := doJSON(t, router, "GET", "/v1/payouts/"+p.ID+"/audit", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Events []struct {
			EventType string `json:"eventType"`
		} `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].EventType != EventCreated {
		t.Errorf("Expected one created event, got %+v", resp.Events)
	}
}

func TestHandlerCancelPayout(t *testing.T) {
	router, env := setupHandlerTestRouter(t)
	p := env.createPayout(t)

	w := doJSON(t, router, "POST", "/v1/ops/payouts/"+p.ID+"/cancel",
		map[string]string{"reason": "merchant request"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Payout struct {
			Status string `json:"status"`
		} `json:"payout"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Payout.Status != string(StatusCancelled) {
		t.Errorf("Expected cancelled, got %s", resp.Payout.Status)
	}

	// A cancelled payout cannot be cancelled again.
	w = doJSON(t, router, "POST", "/v1/ops/payouts/"+p.ID+"/cancel", nil, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
}

func TestHandlerRetryPayout(t *testing.T) {
	router, env := setupHandlerTestRouter(t)
	p := env.createPayout(t)
	ctx := context.Background()

	if _, err := env.service.UpdateStatus(ctx, p.ID, StatusProcessing, Change{}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if _, err := env.service.ScheduleRetry(ctx, p.ID, connector.CodeTransientUpstream, "gateway down"); err != nil {
		t.Fatalf("ScheduleRetry failed: %v", err)
	}

	w := doJSON(t, router, "POST", "/v1/ops/payouts/"+p.ID+"/retry", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Payout struct {
			Status     string `json:"status"`
			RetryCount int    `json:"retryCount"`
		} `json:"payout"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Payout.Status != string(StatusPending) {
		t.Errorf("Expected pending after retry, got %s", resp.Payout.Status)
	}
	if resp.Payout.RetryCount != 0 {
		t.Errorf("Expected reset retry count, got %d", resp.Payout.RetryCount)
	}
}

func TestHandlerRetryNotRetryable(t *testing.T) {
	router, env := setupHandlerTestRouter(t)
	p := env.createPayout(t)

	w := doJSON(t, router, "POST", "/v1/ops/payouts/"+p.ID+"/retry", nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409 for a pending payout, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/v1/ops/payouts/po_missing/retry", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandlerSettlementWebhook(t *testing.T) {
	router, env := setupHandlerTestRouter(t)
	p := env.createPayout(t)
	ctx := context.Background()

	if _, err := env.service.UpdateStatus(ctx, p.ID, StatusProcessing, Change{}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if _, err := env.service.MarkSent(ctx, p.ID, &connector.SubmitResult{
		Success:       true,
		BankReference: "ACH-900",
	}); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}

	w := doJSON(t, router, "POST", "/v1/webhooks/settlements", map[string]string{
		"bankReference": "ACH-900",
		"outcome":       "settled",
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Payout struct {
			Status string `json:"status"`
		} `json:"payout"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Payout.Status != string(StatusSettled) {
		t.Errorf("Expected settled, got %s", resp.Payout.Status)
	}
}

func TestHandlerSettlementWebhookErrors(t *testing.T) {
	router, _ := setupHandlerTestRouter(t)

	// Missing required fields
	w := doJSON(t, router, "POST", "/v1/webhooks/settlements", map[string]string{}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}

	// Unknown bank reference
	w = doJSON(t, router, "POST", "/v1/webhooks/settlements", map[string]string{
		"bankReference": "ACH-never",
		"outcome":       "settled",
	}, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandlerAlerts(t *testing.T) {
	router, env := setupHandlerTestRouter(t)
	env.service.raiseAlert(context.Background(), &Alert{
		TenantID: "m1",
		Type:     AlertDLQ,
		Severity: SeverityCritical,
		Message:  "payout parked in dlq",
	})

	w := doJSON(t, router, "GET", "/v1/ops/alerts?unresolved=true", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Alerts []struct {
			ID       string `json:"id"`
			Resolved bool   `json:"resolved"`
		} `json:"alerts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if len(resp.Alerts) != 1 {
		t.Fatalf("Expected 1 alert, got %d", len(resp.Alerts))
	}

	id := resp.Alerts[0].ID
	w = doJSON(t, router, "POST", "/v1/ops/alerts/"+id+"/resolve",
		map[string]string{"note": "requeued manually"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resolved struct {
		Alert struct {
			Resolved   bool   `json:"resolved"`
			ResolvedBy string `json:"resolvedBy"`
			Note       string `json:"note"`
		} `json:"alert"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resolved)
	if !resolved.Alert.Resolved || resolved.Alert.ResolvedBy != "ops_1" {
		t.Errorf("Unexpected alert state: %+v", resolved.Alert)
	}

	// Double resolve conflicts
	w = doJSON(t, router, "POST", "/v1/ops/alerts/"+id+"/resolve", nil, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409, got %d", w.Code)
	}
}
