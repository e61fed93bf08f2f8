package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrConflict          = errors.New("conflict")
	ErrPlanUnavailable   = errors.New("plan unavailable")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrProvider          = errors.New("provider error")
)

// ProviderError reports a failed call to an external provider.
type ProviderError struct {
	Provider Provider
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	return []error{ErrProvider, e.Err}
}

func NewProviderError(provider Provider, op string, err error) error {
	return &ProviderError{Provider: provider, Op: op, Err: err}
}
