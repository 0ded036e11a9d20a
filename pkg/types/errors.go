package types

import (
	"errors"
	"fmt"
)

// Error kinds raised by the stores and workers. Callers test with
// errors.Is; messages carry the human-readable detail.
var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrIntegrityFailure   = errors.New("integrity failure")
	ErrTimeout            = errors.New("timeout")
	ErrFatal              = errors.New("fatal")
)

// Errorf wraps kind with a formatted detail message so that errors.Is(err,
// kind) still holds on the result.
func Errorf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
