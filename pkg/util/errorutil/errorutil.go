package errorutil

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5"

	"github.com/opsdesk/tracker-sync/internal/repository"
	"github.com/opsdesk/tracker-sync/internal/service"
	"github.com/opsdesk/tracker-sync/internal/tracker"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError("VALIDATION_FAILED", message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError("UNAUTHORIZED", message, http.StatusUnauthorized, nil)
}

func NewForbidden(message string) error {
	return NewDomainError("FORBIDDEN", message, http.StatusForbidden, nil)
}

func NewConflict(message string, details map[string]any) error {
	return NewDomainError("CONFLICT", message, http.StatusConflict, details)
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       "INTERNAL_ERROR",
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// NewUpstreamError reports a tracker failure that needs an operator.
func NewUpstreamError(err error) error {
	return &DomainError{
		Code:       "TRACKER_ERROR",
		Message:    "tracker request failed",
		HTTPStatus: http.StatusBadGateway,
		Details:    map[string]any{"kind": string(tracker.KindOf(err))},
		Err:        err,
	}
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	var mapped error
	switch {
	case errors.Is(err, pgx.ErrNoRows), errors.Is(err, repository.ErrNotFound):
		mapped = NewNotFound("resource", nil)
	case errors.Is(err, repository.ErrExternalKeyConflict), errors.Is(err, repository.ErrExternalIDConflict):
		mapped = NewConflict(err.Error(), nil)
	case errors.Is(err, service.ErrReadOnlyComment):
		mapped = NewConflict(err.Error(), nil)
	case errors.Is(err, service.ErrInvalidTicket), errors.Is(err, service.ErrInvalidEvent):
		mapped = NewValidationError(err.Error(), nil)
	case tracker.KindOf(err) != "":
		mapped = NewUpstreamError(err)
	default:
		mapped = NewInternalError(err)
	}
	if de, ok := mapped.(*DomainError); ok {
		return de
	}
	return &DomainError{
		Code:       "INTERNAL_ERROR",
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}
