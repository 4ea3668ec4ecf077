// Package httpx holds the JSON error envelope shared by every handler.
package httpx

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reuni/disputes/internal/apperr"
	"github.com/reuni/disputes/internal/logging"
	"github.com/reuni/disputes/internal/validation"
)

// Error writes {"error": code, "message": text} with the status mapped from
// the error kind. Unclassified errors are logged and reported generically.
func Error(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	code := apperr.Code(err)

	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed",
			"path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{"error": code, "message": "Internal server error"})
		return
	}

	body := gin.H{"error": code, "message": err.Error()}
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		body["details"] = verrs
	}
	c.JSON(status, body)
}

// BadRequest reports a request body or query that could not be parsed.
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": message,
	})
}

// CallerID returns the authenticated user id set by the auth middleware.
func CallerID(c *gin.Context) string {
	return c.GetString("authUserID")
}
