package resolution

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/reuni/disputes/internal/httpx"
	"github.com/reuni/disputes/internal/report"
)

// Handler provides the admin resolution endpoints.
type Handler struct {
	workflow *Workflow
}

// NewHandler creates a new resolution handler.
func NewHandler(workflow *Workflow) *Handler {
	return &Handler{workflow: workflow}
}

// RegisterAdminRoutes sets up admin resolution routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/reports/:id/investigate", h.Investigate)
	r.POST("/reports/:id/status", h.UpdateStatus)
	r.POST("/reports/:id/approve-refund", h.ApproveRefund)
	r.POST("/reports/:id/restrict-seller", h.RestrictSeller)
	r.POST("/reports/:id/dismiss", h.Dismiss)
}

type investigateRequest struct {
	Notes string `json:"notes"`
}

// Investigate handles POST /v1/admin/reports/:id/investigate
func (h *Handler) Investigate(c *gin.Context) {
	var req investigateRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		httpx.BadRequest(c, "Invalid request body")
		return
	}
	r, err := h.workflow.Investigate(c.Request.Context(), c.Param("id"), httpx.CallerID(c), req.Notes)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": r})
}

type statusRequest struct {
	Status     report.Status `json:"status" binding:"required"`
	Resolution string        `json:"resolution"`
	AdminNotes string        `json:"admin_notes"`
}

// UpdateStatus handles POST /v1/admin/reports/:id/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "Invalid request body")
		return
	}
	r, err := h.workflow.UpdateStatus(c.Request.Context(), UpdateStatusRequest{
		ReportID:   c.Param("id"),
		Status:     req.Status,
		AdminID:    httpx.CallerID(c),
		Resolution: req.Resolution,
		AdminNotes: req.AdminNotes,
	})
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": r})
}

type approveRefundRequest struct {
	Resolution string           `json:"resolution"`
	AdminNotes string           `json:"admin_notes"`
	Amount     *decimal.Decimal `json:"amount"`
}

// ApproveRefund handles POST /v1/admin/reports/:id/approve-refund
func (h *Handler) ApproveRefund(c *gin.Context) {
	var req approveRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "Invalid request body")
		return
	}

	in := ApproveRefundRequest{
		ReportID:   c.Param("id"),
		AdminID:    httpx.CallerID(c),
		Resolution: req.Resolution,
		AdminNotes: req.AdminNotes,
	}
	if req.Amount != nil {
		in.Amount = decimal.NewNullDecimal(*req.Amount)
	}

	out, err := h.workflow.ApproveRefund(c.Request.Context(), in)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type restrictSellerRequest struct {
	Reason    string     `json:"reason"`
	Notes     string     `json:"notes"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// RestrictSeller handles POST /v1/admin/reports/:id/restrict-seller
func (h *Handler) RestrictSeller(c *gin.Context) {
	var req restrictSellerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "Invalid request body")
		return
	}

	out, err := h.workflow.RestrictSeller(c.Request.Context(), RestrictSellerRequest{
		ReportID:  c.Param("id"),
		AdminID:   httpx.CallerID(c),
		Reason:    req.Reason,
		Notes:     req.Notes,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type dismissRequest struct {
	Resolution string `json:"resolution"`
}

// Dismiss handles POST /v1/admin/reports/:id/dismiss
func (h *Handler) Dismiss(c *gin.Context) {
	var req dismissRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		httpx.BadRequest(c, "Invalid request body")
		return
	}
	r, err := h.workflow.Dismiss(c.Request.Context(), DismissRequest{
		ReportID:   c.Param("id"),
		AdminID:    httpx.CallerID(c),
		Resolution: req.Resolution,
	})
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": r})
}

// bindOptionalJSON binds a request whose fields are all optional, so an
// empty body is accepted.
func bindOptionalJSON(c *gin.Context, obj any) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
