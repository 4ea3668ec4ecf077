package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{409, "4xx"},
		{502, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	ReportsSubmittedTotal.WithLabelValues("fake_ticket").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "reuni_active_websocket_clients"))
	assert.True(t, strings.Contains(body, `reuni_reports_submitted_total{type="fake_ticket"}`))
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/admin/reports/:id", func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	})

	before := counterValue(t, "GET", "/v1/admin/reports/:id", "4xx")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/admin/reports/abc", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	after := counterValue(t, "GET", "/v1/admin/reports/:id", "4xx")
	assert.Equal(t, before+1, after)
}

func counterValue(t *testing.T, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, HTTPRequestsTotal.WithLabelValues(labels...).Write(&m))
	return m.GetCounter().GetValue()
}
