package restriction

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reuni/disputes/internal/apperr"
	"github.com/reuni/disputes/internal/httpx"
)

// Handler provides HTTP endpoints for restrictions.
type Handler struct {
	service *Service
}

// NewHandler creates a new restriction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes for the authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/restrictions/me", h.GetMyStatus)
	r.POST("/restrictions/me/appeal", h.SubmitAppeal)
	r.GET("/users/:id/selling-status", h.GetSellingStatus)
}

// RegisterAdminRoutes sets up admin restriction routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/restrictions", h.ListUserRestrictions)
	r.POST("/users/:id/restrict", h.RestrictUser)
	r.POST("/users/:id/lift", h.LiftRestriction)
	r.POST("/users/:id/appeal/review", h.ReviewAppeal)
}

// GetMyStatus handles GET /v1/restrictions/me
func (h *Handler) GetMyStatus(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), httpx.CallerID(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetSellingStatus handles GET /v1/users/:id/selling-status. The upload
// flow calls it before letting a user list a ticket.
func (h *Handler) GetSellingStatus(c *gin.Context) {
	status, err := h.service.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"can_sell":         !status.Restricted || !status.Type.BlocksSelling(),
		"restricted":       status.Restricted,
		"restriction_type": status.Type,
	})
}

type appealRequest struct {
	AppealText string `json:"appeal_text"`
}

// SubmitAppeal handles POST /v1/restrictions/me/appeal
func (h *Handler) SubmitAppeal(c *gin.Context) {
	var req appealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "Invalid request body")
		return
	}

	r, err := h.service.SubmitAppeal(c.Request.Context(), httpx.CallerID(c), req.AppealText)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restriction": r})
}

// ListUserRestrictions handles GET /v1/admin/users/:id/restrictions
func (h *Handler) ListUserRestrictions(c *gin.Context) {
	rs, err := h.service.ListByUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restrictions": rs, "count": len(rs)})
}

type restrictRequest struct {
	Type            Type       `json:"restriction_type"`
	Reason          string     `json:"reason"`
	RelatedReportID string     `json:"related_report_id"`
	Notes           string     `json:"restriction_notes"`
	ExpiresAt       *time.Time `json:"expires_at"`
}

// RestrictUser handles POST /v1/admin/users/:id/restrict
func (h *Handler) RestrictUser(c *gin.Context) {
	var req restrictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "Invalid request body")
		return
	}

	r, err := h.service.Restrict(c.Request.Context(), RestrictRequest{
		UserID:          c.Param("id"),
		Type:            req.Type,
		Reason:          req.Reason,
		RelatedReportID: req.RelatedReportID,
		RestrictedBy:    httpx.CallerID(c),
		Notes:           req.Notes,
		ExpiresAt:       req.ExpiresAt,
	})
	if err != nil && r == nil {
		httpx.Error(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusAccepted, gin.H{"restriction": r, "warning": apperr.Code(err), "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"restriction": r})
}

type liftRequest struct {
	Reason string `json:"reason"`
}

// LiftRestriction handles POST /v1/admin/users/:id/lift
func (h *Handler) LiftRestriction(c *gin.Context) {
	var req liftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "Invalid request body")
		return
	}

	if err := h.service.Lift(c.Request.Context(), c.Param("id"), httpx.CallerID(c), req.Reason); err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lifted": true})
}

type reviewRequest struct {
	Approve bool   `json:"approve"`
	Notes   string `json:"notes"`
}

// ReviewAppeal handles POST /v1/admin/users/:id/appeal/review
func (h *Handler) ReviewAppeal(c *gin.Context) {
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "Invalid request body")
		return
	}

	r, err := h.service.ReviewAppeal(c.Request.Context(), c.Param("id"), httpx.CallerID(c), req.Approve, req.Notes)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"restriction": r})
}
