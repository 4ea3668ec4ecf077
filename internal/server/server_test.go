package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reuni/disputes/internal/auth"
	"github.com/reuni/disputes/internal/config"
	"github.com/reuni/disputes/internal/evidence"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "server-test-secret-with-32-characters"

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                           "0",
		Env:                            "development",
		LogLevel:                       "error",
		LogFormat:                      "json",
		JWTSecret:                      testSecret,
		InternalAPIKey:                 "checkout-key",
		AllowedOrigins:                 []string{"*"},
		RateLimitRPM:                   1000,
		AdminUserIDs:                   []string{"admin-1"},
		StripeCurrency:                 "gbp",
		EvidenceBucket:                 "ticket-evidence",
		EscrowHoldDays:                 7,
		EscrowSweepInterval:            time.Hour,
		RestrictionSweepInterval:       time.Hour,
		EnforceSingleActiveRestriction: true,
		RestrictStatusMode:             config.RestrictStatusLegacy,
		ReconcileInterval:              time.Hour,
		DisputeStaleAfter:              14 * 24 * time.Hour,
	}
}

type testEnv struct {
	srv      *Server
	uploader *evidence.MemoryUploader
	verifier *auth.Verifier
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	uploader := evidence.NewMemoryUploader("https://cdn.test")
	s, err := New(testConfig(),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithUploader(uploader),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		s.reportLimiter.Stop()
	})
	return &testEnv{srv: s, uploader: uploader, verifier: auth.NewVerifier(testSecret)}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		token, err := e.verifier.Issue(user, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

func (e *testEnv) submitReport(t *testing.T, user string, fields map[string]string, image []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if image != nil {
		fw, err := mw.CreateFormFile("evidence", "photo.png")
		require.NoError(t, err)
		_, _ = fw.Write(image)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/v1/reports", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	token, err := e.verifier.Issue(user, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t)

	w := env.do(t, "GET", "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
}

func TestLivenessAndReadiness(t *testing.T) {
	env := newTestServer(t)

	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/health/live", "", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, "GET", "/health/ready", "", nil).Code,
		"not ready before Run")

	env.srv.ready.Store(true)
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/health/ready", "", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestServer(t)
	w := env.do(t, "GET", "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthBoundaries(t *testing.T) {
	env := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, "GET", "/v1/reports/mine", "", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/v1/reports/mine", "buyer-1", nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, "GET", "/v1/admin/reports", "buyer-1", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/v1/admin/reports", "admin-1", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, "POST", "/v1/internal/escrows", "admin-1", map[string]any{}).Code)
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestServer(t)
	w := env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestNotFoundRoute(t *testing.T) {
	env := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/v1/nope", "buyer-1", nil).Code)
}

// Checkout creates the escrow, the buyer reports a fake ticket, the admin
// approves a refund: the escrow ends refunded and both parties are told.
func TestReportToRefundFlow(t *testing.T) {
	env := newTestServer(t)

	req := httptest.NewRequest("POST", "/v1/internal/escrows", bytes.NewBufferString(`{
		"transaction_id": "TXN-1",
		"ticket_id": "ticket-1",
		"buyer_id": "buyer-1",
		"seller_id": "seller-1",
		"stripe_payment_intent_id": "pi_123",
		"buyer_paid": "50.00",
		"seller_payout": "45.00",
		"platform_fee": "5.00"
	}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderInternalKey, "checkout-key")
	w := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
	w = env.submitReport(t, "Buyer-1", map[string]string{
		"ticket_id":      "ticket-1",
		"seller_id":      "seller-1",
		"transaction_id": "txn-1",
		"report_type":    "fake_ticket",
		"title":          "Ticket rejected at the door",
		"description":    "The barcode was flagged as counterfeit.",
	}, png)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var submitted struct {
		Report struct {
			ID           string   `json:"id"`
			Status       string   `json:"status"`
			EvidenceURLs []string `json:"evidence_urls"`
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &submitted))
	assert.Equal(t, "pending", submitted.Report.Status)
	assert.Len(t, submitted.Report.EvidenceURLs, 1)
	assert.Len(t, env.uploader.Keys(), 1)

	w = env.do(t, "GET", "/v1/admin/escrows?status=disputed", "admin-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"disputed"`)

	w = env.do(t, "POST", "/v1/admin/reports/"+submitted.Report.ID+"/approve-refund", "admin-1", map[string]string{
		"resolution": "Refund issued",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var outcome struct {
		Report struct {
			Status     string `json:"status"`
			ResolvedBy string `json:"resolved_by"`
		} `json:"report"`
		Escrow struct {
			Status string `json:"status"`
		} `json:"escrow"`
		RefundID string `json:"refund_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
	assert.Equal(t, "resolved_refund", outcome.Report.Status)
	assert.Equal(t, "admin-1", outcome.Report.ResolvedBy)
	assert.Equal(t, "refunded_to_buyer", outcome.Escrow.Status)
	assert.NotEmpty(t, outcome.RefundID)

	// Terminal reports cannot be resolved again.
	w = env.do(t, "POST", "/v1/admin/reports/"+submitted.Report.ID+"/dismiss", "admin-1", map[string]string{})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, "GET", "/v1/admin/reconciliation", "admin-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"findings":[]`)
}

func TestRestrictSellerFlow(t *testing.T) {
	env := newTestServer(t)

	w := env.submitReport(t, "buyer-1", map[string]string{
		"ticket_id":   "ticket-9",
		"seller_id":   "seller-9",
		"report_type": "no_ticket",
		"title":       "Never received",
		"description": "Seller stopped replying.",
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var submitted struct {
		Report struct {
			ID string `json:"id"`
		} `json:"report"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &submitted))

	w = env.do(t, "POST", "/v1/admin/reports/"+submitted.Report.ID+"/restrict-seller", "admin-1", map[string]string{
		"reason": "Non-delivery",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, "GET", "/v1/restrictions/me", "seller-9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"restricted":true`)

	w = env.do(t, "GET", "/v1/users/seller-9/selling-status", "buyer-1", nil)
	assert.Contains(t, w.Body.String(), `"can_sell":false`)
}
