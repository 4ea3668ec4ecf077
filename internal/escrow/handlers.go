package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/reuni/disputes/internal/httpx"
	"github.com/reuni/disputes/internal/pagination"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	refunds Refunds
}

// NewHandler creates a new escrow handler. Admin refunds go through refunds.
func NewHandler(service *Service, refunds Refunds) *Handler {
	return &Handler{service: service, refunds: refunds}
}

// RegisterAdminRoutes sets up admin escrow routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/escrows", h.ListEscrows)
	r.GET("/escrows/:id", h.GetEscrow)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
}

// RegisterInternalRoutes sets up routes called by checkout after capture.
func (h *Handler) RegisterInternalRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
}

// CreateEscrow handles POST /v1/internal/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "Invalid request body")
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/admin/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/admin/escrows?status=&user_id=&cursor=&limit=
func (h *Handler) ListEscrows(c *gin.Context) {
	filter := ListFilter{
		Status: Status(c.Query("status")),
		UserID: c.Query("user_id"),
	}
	page, err := h.service.List(c.Request.Context(), filter, c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type releaseRequest struct {
	PayoutRef string `json:"payout_ref"`
}

// ReleaseEscrow handles POST /v1/admin/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "Invalid request body")
		return
	}

	escrow, err := h.service.Release(c.Request.Context(), c.Param("id"), req.PayoutRef, httpx.CallerID(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

// RefundEscrow handles POST /v1/admin/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.BadRequest(c, "Invalid request body")
		return
	}

	escrow, refundID, err := h.service.RefundBuyer(c.Request.Context(), h.refunds, c.Param("id"), req.Amount, req.Reason, httpx.CallerID(c))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": escrow, "refund_id": refundID})
}
