package rbac

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports an unknown user, role, permission or assignment
	ErrNotFound = errors.New("not found")
	// ErrExpired reports a grant or token past its expiry
	ErrExpired = errors.New("expired")
	// ErrRateLimited reports a throttled request
	ErrRateLimited = errors.New("rate limited")
	// ErrConflict reports a uniqueness or referential conflict
	ErrConflict = errors.New("conflict")
)

// ValidationError is returned when input is rejected before any state change
type ValidationError struct {
	Field   string
	Message string
	// Err optionally classifies the failure, e.g. ErrNotFound for an unknown id.
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// AuthorizationError is returned when the actor may not perform an action.
// The message names the action only.
type AuthorizationError struct {
	ActorID int64
	Action  string
	Reason  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("not authorized to %s", e.Action)
}

// IsValidation reports whether err is or wraps a *ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsAuthorization reports whether err is or wraps an *AuthorizationError
func IsAuthorization(err error) bool {
	var a *AuthorizationError
	return errors.As(err, &a)
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

func unknown(field string, err error) error {
	return &ValidationError{Field: field, Message: "does not exist", Err: err}
}
