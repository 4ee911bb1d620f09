package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/Molam-git/molam-connect-sub001/internal/auth"
	"github.com/Molam-git/molam-connect-sub001/internal/config"
	"github.com/Molam-git/molam-connect-sub001/internal/hold"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:         "0",
		Env:          "test",
		LogLevel:     "error",
		EnableWorker: false,
	}
}

// newTestServer creates a server with in-memory stores
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

// issueKey generates an API key with the given role
func issueKey(t *testing.T, s *Server, tenantID, role string) string {
	t.Helper()
	rawKey, _, err := s.authMgr.GenerateKey(context.Background(), tenantID, role, "test key")
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return rawKey
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp["status"] != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.router.ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.router.Routes()
	expected := []string{
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/v1/payouts",
		"GET:/v1/payouts",
		"GET:/v1/payouts/:id",
		"GET:/v1/payouts/:id/audit",
		"POST:/v1/webhooks/settlements",
		"POST:/v1/batches",
		"POST:/v1/batches/:id/process",
		"GET:/v1/ledger/balance",
		"GET:/v1/connectors/health",
		"POST:/v1/ops/payouts/:id/cancel",
		"POST:/v1/ops/payouts/:id/retry",
		"GET:/v1/ops/alerts",
		"POST:/v1/ops/sla/rules",
		"POST:/v1/admin/keys",
		"POST:/v1/admin/ledger/fund",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

// ---------------------------------------------------------------------------
// Auth enforcement tests
// ---------------------------------------------------------------------------

func TestPayoutIntakeRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/payouts", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without API key, got %d", w.Code)
	}
}

func TestOpsRoutesRequireOpsRole(t *testing.T) {
	s := newTestServer(t)
	apiKey := issueKey(t, s, "tenant_1", auth.RoleAPI)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/ops/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+apiKey)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for api role on ops route, got %d", w.Code)
	}
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	s := newTestServer(t)
	opsKey := issueKey(t, s, "tenant_1", auth.RoleOps)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/admin/keys?tenantId=tenant_1", nil)
	req.Header.Set("Authorization", "Bearer "+opsKey)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for ops role on admin route, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Payout intake through the full stack
// ---------------------------------------------------------------------------

func TestCreatePayoutEndToEnd(t *testing.T) {
	s := newTestServer(t)
	apiKey := issueKey(t, s, "marketplace_1", auth.RoleAPI)

	// Seed the tenant's available balance
	err := s.ledger.Fund(context.Background(),
		hold.TenantAccount("marketplace", "marketplace_1"), "USD", "1000.00", "seed")
	if err != nil {
		t.Fatalf("Failed to fund account: %v", err)
	}

	body := `{
		"beneficiaryType": "seller",
		"beneficiaryId": "seller_42",
		"amount": "250.00",
		"currency": "USD",
		"tenantType": "marketplace",
		"tenantId": "marketplace_1"
	}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/payouts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Idempotency-Key", "e2e-test-1")
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	p, ok := resp["payout"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected payout object in response: %v", resp)
	}
	if p["status"] != "pending" {
		t.Errorf("Expected status pending, got %v", p["status"])
	}

	// Replay with the same idempotency key returns the original
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("POST", "/v1/payouts", strings.NewReader(body))
	req2.Header.Set("Content-Type", "application/json")
	req2.Header.Set("Authorization", "Bearer "+apiKey)
	req2.Header.Set("Idempotency-Key", "e2e-test-1")
	s.router.ServeHTTP(w2, req2)

	if w2.Code != http.StatusOK {
		t.Errorf("Expected 200 on replay, got %d: %s", w2.Code, w2.Body.String())
	}
}

func TestCreatePayoutInsufficientBalance(t *testing.T) {
	s := newTestServer(t)
	apiKey := issueKey(t, s, "marketplace_2", auth.RoleAPI)

	body := `{
		"beneficiaryType": "seller",
		"beneficiaryId": "seller_1",
		"amount": "50.00",
		"currency": "USD",
		"tenantType": "marketplace",
		"tenantId": "marketplace_2"
	}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/payouts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for unfunded tenant, got %d: %s", w.Code, w.Body.String())
	}
}

// ---------------------------------------------------------------------------
// 404 test
// ---------------------------------------------------------------------------

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/nonexistent", nil)
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
