package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reuni/disputes/internal/apperr"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeRefunds returns one refund per escrow, as an idempotent processor does.
type fakeRefunds struct {
	calls []string
	err   error
}

func (f *fakeRefunds) RefundBuyer(_ context.Context, e *Escrow, _ decimal.Decimal) (string, error) {
	f.calls = append(f.calls, e.ID)
	if f.err != nil {
		return "", f.err
	}
	return "re_" + e.ID, nil
}

func setupHandlerRouter(svc *Service) *gin.Engine {
	r, _ := setupHandlerRouterWithRefunds(svc)
	return r
}

func setupHandlerRouterWithRefunds(svc *Service) (*gin.Engine, *fakeRefunds) {
	r := gin.New()
	refunds := &fakeRefunds{}
	h := NewHandler(svc, refunds)

	admin := r.Group("/v1/admin")
	admin.Use(func(c *gin.Context) {
		c.Set("authUserID", "admin-1")
		c.Next()
	})
	h.RegisterAdminRoutes(admin)
	h.RegisterInternalRoutes(r.Group("/v1/internal"))
	return r, refunds
}

func doJSON(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateAndGet(t *testing.T) {
	svc, _, _ := newTestService()
	r := setupHandlerRouter(svc)

	w := doJSON(r, "POST", "/v1/internal/escrows", map[string]any{
		"transaction_id":           "TX-9",
		"ticket_id":                "ticket-9",
		"buyer_id":                 "buyer-9",
		"seller_id":                "seller-9",
		"stripe_payment_intent_id": "pi_9",
		"buyer_paid":               "22.00",
		"seller_payout":            "20.00",
		"platform_fee":             2,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Escrow Escrow `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "tx-9", created.Escrow.TransactionID)
	assert.Equal(t, StatusHolding, created.Escrow.Status)

	w = doJSON(r, "GET", "/v1/admin/escrows/"+created.Escrow.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, "GET", "/v1/admin/escrows/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), `"error":"not_found"`)
}

func TestHandler_CreateMismatch(t *testing.T) {
	svc, _, _ := newTestService()
	r := setupHandlerRouter(svc)

	w := doJSON(r, "POST", "/v1/internal/escrows", map[string]any{
		"transaction_id":           "tx-1",
		"ticket_id":                "t",
		"buyer_id":                 "b",
		"seller_id":                "s",
		"stripe_payment_intent_id": "pi",
		"buyer_paid":               "10.00",
		"seller_payout":            "9.00",
		"platform_fee":             "0.50",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
}

func TestHandler_RefundThenRelease(t *testing.T) {
	svc, _, _ := newTestService()
	r, refunds := setupHandlerRouterWithRefunds(svc)
	e, err := svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	w := doJSON(r, "POST", "/v1/admin/escrows/"+e.ID+"/refund", map[string]any{
		"amount": "100.00", "reason": "fake",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "exceeds amount held")
	assert.Empty(t, refunds.calls, "no money moves for a rejected refund")

	w = doJSON(r, "POST", "/v1/admin/escrows/"+e.ID+"/refund", map[string]any{
		"amount": "55.00", "reason": "fake",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"processed_by":"admin-1"`)
	assert.Contains(t, w.Body.String(), `"refund_id":"re_`+e.ID+`"`)
	assert.Equal(t, []string{e.ID}, refunds.calls)

	w = doJSON(r, "POST", "/v1/admin/escrows/"+e.ID+"/release", map[string]any{"payout_ref": "tr_1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_state")
}

func TestHandler_RefundProcessorFailureLeavesHold(t *testing.T) {
	svc, _, _ := newTestService()
	r, refunds := setupHandlerRouterWithRefunds(svc)
	refunds.err = apperr.Upstream("stripe refund", errors.New("card_declined"))
	e, err := svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	w := doJSON(r, "POST", "/v1/admin/escrows/"+e.ID+"/refund", map[string]any{
		"amount": "10.00", "reason": "fake",
	})
	assert.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())

	got, err := svc.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusHolding, got.Status)
	assert.False(t, got.RefundAmount.Valid)
}

func TestHandler_List(t *testing.T) {
	svc, _, _ := newTestService()
	r := setupHandlerRouter(svc)
	_, err := svc.Create(context.Background(), validCreate())
	require.NoError(t, err)

	w := doJSON(r, "GET", "/v1/admin/escrows?status=holding&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Escrows, 1)
	assert.False(t, page.HasMore)

	w = doJSON(r, "GET", "/v1/admin/escrows?cursor=bogus!", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
