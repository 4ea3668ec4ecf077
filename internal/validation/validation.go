// Package validation provides input validation helpers for the dispute API.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/reuni/disputes/internal/apperr"
)

// MaxRequestSize is the maximum JSON request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxUploadSize bounds multipart report submissions (evidence images included).
const MaxUploadSize = 32 << 20

const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 5000
	MaxNotesLength       = 2000
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, removes null bytes and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Unwrap makes every ValidationErrors match apperr.ErrValidation.
func (e ValidationErrors) Unwrap() error {
	return apperr.ErrValidation
}

// Check runs the validators and returns nil or a ValidationErrors error.
// Unlike Validate it never returns a typed nil wrapped in an interface.
func Check(validators ...func() *ValidationError) error {
	if errs := Validate(validators...); len(errs) > 0 {
		return errs
	}
	return nil
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Distinct checks that two identifiers differ (case-insensitive).
func Distinct(field, a, b string) func() *ValidationError {
	return func() *ValidationError {
		if a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b)) {
			return &ValidationError{Field: field, Message: "must differ from the counterparty"}
		}
		return nil
	}
}

// OneOf checks value against a closed set of allowed values.
func OneOf(field, value string, allowed ...string) func() *ValidationError {
	return func() *ValidationError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &ValidationError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// Positive checks that an amount is strictly greater than zero.
func Positive(field string, d decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if !d.IsPositive() {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

// NonNegative checks that an amount is zero or more.
func NonNegative(field string, d decimal.Decimal) func() *ValidationError {
	return func() *ValidationError {
		if d.IsNegative() {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// MaxDecimalPlaces rejects amounts finer than the currency's minor unit.
func MaxDecimalPlaces(field string, d decimal.Decimal, places int32) func() *ValidationError {
	return func() *ValidationError {
		if !d.Equal(d.Truncate(places)) {
			return &ValidationError{Field: field, Message: "has too many decimal places"}
		}
		return nil
	}
}
