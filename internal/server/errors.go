package server

import (
	"errors"
	"fmt"
	"net/http"
)

// InvalidCredentialsError is returned when a login attempt fails. The
// message is the same for unknown users and wrong passwords.
type InvalidCredentialsError struct{}

func (e *InvalidCredentialsError) Error() string {
	return "invalid username or password"
}

// NotFoundError indicates the requested resource does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ForbiddenError indicates the session lacks the required permission.
type ForbiddenError struct {
	Permission string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("missing permission: %s", e.Permission)
}

// ValidationError indicates a malformed or incomplete request body.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CSRFError indicates a mutating request arrived without a matching
// CSRF token.
type CSRFError struct{}

func (e *CSRFError) Error() string {
	return "CSRF token missing or invalid"
}

// ConflictError indicates the request cannot proceed in the current
// state, such as cancelling a finished job.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// HTTPStatus maps service errors to response codes.
func HTTPStatus(err error) int {
	var invalidCreds *InvalidCredentialsError
	var notFound *NotFoundError
	var forbidden *ForbiddenError
	var validation *ValidationError
	var csrf *CSRFError
	var conflict *ConflictError

	switch {
	case errors.As(err, &invalidCreds):
		return http.StatusUnauthorized
	case errors.As(err, &csrf):
		return http.StatusForbidden
	case errors.As(err, &forbidden):
		return http.StatusForbidden
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
