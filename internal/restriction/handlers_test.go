package restriction

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(svc *Service, caller string) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("authUserID", caller)
		c.Next()
	})
	h := NewHandler(svc)
	h.RegisterProtectedRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1/admin"))
	return r
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
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

func TestHandler_MyStatusAndAppeal(t *testing.T) {
	svc, _, _, _ := newTestService()
	r := setupRouter(svc, "seller-1")

	w := do(r, "GET", "/v1/restrictions/me", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"restricted":false}`, w.Body.String())

	w = do(r, "POST", "/v1/restrictions/me/appeal", map[string]string{"appeal_text": "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	_, err := svc.Restrict(context.Background(), sellingDisabled("seller-1"))
	require.NoError(t, err)

	w = do(r, "GET", "/v1/restrictions/me", nil)
	assert.JSONEq(t, `{"restricted":true,"restriction_type":"selling_disabled"}`, w.Body.String())

	w = do(r, "POST", "/v1/restrictions/me/appeal", map[string]string{"appeal_text": "It was real"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(r, "POST", "/v1/restrictions/me/appeal", map[string]string{"appeal_text": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_SellingStatus(t *testing.T) {
	svc, _, _, _ := newTestService()
	r := setupRouter(svc, "buyer-1")

	req := sellingDisabled("seller-w")
	req.Type = TypeWarning
	_, err := svc.Restrict(context.Background(), req)
	require.NoError(t, err)

	w := do(r, "GET", "/v1/users/seller-w/selling-status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"can_sell":true`)

	_, err = svc.Restrict(context.Background(), sellingDisabled("seller-x"))
	require.NoError(t, err)
	w = do(r, "GET", "/v1/users/SELLER-X/selling-status", nil)
	assert.Contains(t, w.Body.String(), `"can_sell":false`)
}

func TestHandler_AdminRestrictLift(t *testing.T) {
	svc, _, sink, _ := newTestService()
	r := setupRouter(svc, "admin-1")

	w := do(r, "POST", "/v1/admin/users/seller-1/restrict", map[string]string{
		"restriction_type": "full_suspension",
		"reason":           "Repeated fraud",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Len(t, sink.ForUser("seller-1"), 1)

	w = do(r, "POST", "/v1/admin/users/seller-1/restrict", map[string]string{
		"restriction_type": "warning",
		"reason":           "again",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, "GET", "/v1/admin/users/seller-1/restrictions", nil)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = do(r, "POST", "/v1/admin/users/seller-1/lift", map[string]string{"reason": "Appeal by email"})
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(r, "POST", "/v1/admin/users/seller-1/lift", map[string]string{"reason": "Appeal by email"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
