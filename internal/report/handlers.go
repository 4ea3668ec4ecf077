package report

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reuni/disputes/internal/apperr"
	"github.com/reuni/disputes/internal/evidence"
	"github.com/reuni/disputes/internal/httpx"
	"github.com/reuni/disputes/internal/pagination"
	"github.com/reuni/disputes/internal/validation"
)

// Handler provides HTTP endpoints for reports.
type Handler struct {
	intake       *Intake
	submitGuards []gin.HandlerFunc
}

// NewHandler creates a new report handler.
func NewHandler(intake *Intake) *Handler {
	return &Handler{intake: intake}
}

// WithSubmitGuards runs extra middleware (rate limits) before SubmitReport.
func (h *Handler) WithSubmitGuards(guards ...gin.HandlerFunc) *Handler {
	h.submitGuards = append(h.submitGuards, guards...)
	return h
}

// RegisterProtectedRoutes sets up routes for authenticated buyers.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/reports/types", h.ListTypes)
	r.POST("/reports", append(h.submitGuards, h.SubmitReport)...)
	r.GET("/reports/mine", h.ListMine)
}

// RegisterAdminRoutes sets up admin report routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reports", h.ListReports)
	r.GET("/reports/:id", h.GetReport)
}

// ListTypes handles GET /v1/reports/types
func (h *Handler) ListTypes(c *gin.Context) {
	out := make([]gin.H, 0, len(AllTypes))
	for _, t := range AllTypes {
		out = append(out, gin.H{"type": t, "label": t.Label(), "icon": t.Icon()})
	}
	c.JSON(http.StatusOK, gin.H{"types": out})
}

// SubmitReport handles POST /v1/reports (multipart/form-data). Text fields
// carry the report, "evidence" parts carry images.
func (h *Handler) SubmitReport(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, validation.MaxUploadSize)
	form, err := c.MultipartForm()
	if err != nil {
		httpx.BadRequest(c, "Expected a multipart form")
		return
	}

	images, err := readImages(form.File["evidence"])
	if err != nil {
		httpx.Error(c, err)
		return
	}

	r, err := h.intake.Submit(c.Request.Context(), SubmitRequest{
		TicketID:      c.PostForm("ticket_id"),
		BuyerID:       httpx.CallerID(c),
		SellerID:      c.PostForm("seller_id"),
		TransactionID: c.PostForm("transaction_id"),
		Type:          Type(c.PostForm("report_type")),
		Title:         c.PostForm("title"),
		Description:   c.PostForm("description"),
		Evidence:      images,
	})
	if err != nil && r == nil {
		httpx.Error(c, err)
		return
	}
	if err != nil {
		c.JSON(http.StatusAccepted, gin.H{"report": r, "warning": apperr.Code(err), "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"report": r})
}

func readImages(files []*multipart.FileHeader) ([]evidence.Image, error) {
	if len(files) > MaxEvidenceImages {
		return nil, apperr.Validation("evidence", fmt.Sprintf("must not exceed %d images", MaxEvidenceImages))
	}
	images := make([]evidence.Image, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open evidence %q: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read evidence %q: %w", fh.Filename, err)
		}
		contentType := fh.Header.Get("Content-Type")
		if contentType == "" || contentType == "application/octet-stream" {
			contentType = http.DetectContentType(data)
		}
		images = append(images, evidence.Image{Data: data, ContentType: contentType})
	}
	return images, nil
}

// ListMine handles GET /v1/reports/mine
func (h *Handler) ListMine(c *gin.Context) {
	page, err := h.intake.ListByBuyer(c.Request.Context(), httpx.CallerID(c), c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListReports handles GET /v1/admin/reports?status=&seller_id=&cursor=&limit=
func (h *Handler) ListReports(c *gin.Context) {
	filter := ListFilter{
		Status:   Status(c.Query("status")),
		BuyerID:  c.Query("buyer_id"),
		SellerID: c.Query("seller_id"),
	}
	page, err := h.intake.List(c.Request.Context(), filter, c.Query("cursor"), pagination.ParseLimit(c.Query("limit")))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetReport handles GET /v1/admin/reports/:id
func (h *Handler) GetReport(c *gin.Context) {
	r, err := h.intake.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": r})
}
