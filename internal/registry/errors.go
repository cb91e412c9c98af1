package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest matches every *InvalidRequestError.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrStorageUnavailable is returned when the store timed out, failed, or
	// kept conflicting past the retry budget.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// InvalidRequestError carries a user-facing message for a request the
// caller can correct.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string {
	return e.Message
}

// Is lets errors.Is(err, ErrInvalidRequest) match.
func (e *InvalidRequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

func invalid(format string, args ...any) error {
	return &InvalidRequestError{Message: fmt.Sprintf(format, args...)}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
