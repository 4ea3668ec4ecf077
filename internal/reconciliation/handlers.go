package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reuni/disputes/internal/logging"
)

// Handler exposes on-demand reconciliation to admins.
type Handler struct {
	runner *Runner
}

// NewHandler creates a new reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterAdminRoutes sets up admin reconciliation routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.Run)
}

// Run handles GET /v1/admin/reconciliation. Partial results are returned
// with a warning when a check fails.
func (h *Handler) Run(c *gin.Context) {
	res, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusOK, gin.H{"result": res, "warning": "check_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}
