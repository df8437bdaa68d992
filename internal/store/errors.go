package store

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to the API layer. Backing-store I/O failures are
// returned wrapped but unclassified (the caller maps them to 5xx).
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// ValidationError carries a user-facing message for a rejected write.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
