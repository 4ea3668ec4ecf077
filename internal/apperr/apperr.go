// Package apperr defines the error taxonomy shared by every domain package.
//
// Domain packages declare their own sentinels wrapping one of the kinds
// below, so callers can match either the precise sentinel
// (escrow.ErrEscrowNotFound) or the kind (apperr.ErrNotFound).
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds.
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrConflict     = errors.New("conflict")
	ErrUpstream     = errors.New("upstream error")
)

// Validation returns an error of kind ErrValidation naming the offending field.
func Validation(field, message string) error {
	return fmt.Errorf("%w: %s %s", ErrValidation, field, message)
}

type upstreamError struct {
	op  string
	err error
}

func (e *upstreamError) Error() string   { return e.op + ": " + e.err.Error() }
func (e *upstreamError) Unwrap() []error { return []error{ErrUpstream, e.err} }

// Upstream wraps a collaborator failure so it matches ErrUpstream while
// keeping the cause reachable through errors.Is / errors.As.
func Upstream(op string, err error) error {
	if err == nil {
		return nil
	}
	return &upstreamError{op: op, err: err}
}

// Code returns the machine-readable error code used in API responses.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps an error to the status code returned by the API.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
