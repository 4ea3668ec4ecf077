package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reuni/disputes/internal/httpx"
	"github.com/reuni/disputes/internal/notify"
)

// Handler exposes the caller's identity to clients.
type Handler struct {
	admins notify.AdminDirectory
}

// NewHandler creates a new auth handler.
func NewHandler(admins notify.AdminDirectory) *Handler {
	return &Handler{admins: admins}
}

// RegisterProtectedRoutes sets up routes for authenticated users.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me", h.Me)
}

// Me handles GET /v1/me. The app uses is_admin to show the report queue.
func (h *Handler) Me(c *gin.Context) {
	userID := httpx.CallerID(c)
	isAdmin, err := h.admins.IsAdmin(c.Request.Context(), userID)
	if err != nil {
		httpx.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "is_admin": isAdmin})
}
