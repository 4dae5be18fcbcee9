package domain

import "errors"

// Error kinds produced by the remote-call boundary. Clients wrap classified failures with
// these sentinels so callers can use errors.Is instead of inspecting driver messages.
var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrConfiguration = errors.New("configuration error")
)

// ValidationError reports a rejected input field. It matches ErrValidation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is lets errors.Is(err, ErrValidation) succeed for any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
