package aiop

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidCapacity = errors.New("reactor capacity must be positive")
	ErrInvalidHandle   = errors.New("invalid handle")
	ErrInvalidCode     = errors.New("invalid interest code")
	ErrCapacity        = errors.New("reactor is full")
	ErrBatchTooLarge   = errors.New("batch exceeds maximum size")
	ErrClosed          = errors.New("reactor is closed")
	ErrNoBackend       = errors.New("no polling backend available")
	ErrUnknownBackend  = errors.New("unknown polling backend")
	ErrEmptyBuffer     = errors.New("empty event buffer")
	ErrUnsupported     = errors.New("unsupported connection type")
	ErrLoopRunning     = errors.New("event loop is already running")
)

// BatchError reports the entries of a Post call the backend could not apply.
// Entries not listed were applied.
type BatchError struct {
	Failed []Handle
	Err    error
}

func (e *BatchError) Error() string {
	fds := make([]string, 0, len(e.Failed))
	for _, h := range e.Failed {
		fds = append(fds, fmt.Sprint(h.Fd()))
	}
	return fmt.Sprintf("batch failed for fds [%s]: %v", strings.Join(fds, ","), e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// failed reports whether h is listed in the error.
func (e *BatchError) failed(h Handle) bool {
	for _, f := range e.Failed {
		if f == h {
			return true
		}
	}
	return false
}
