package proxy

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Every error returned by Service wraps exactly one of
// them, so callers map errors with errors.Is.
var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrUpstreamFetch = errors.New("upstream fetch failed")
	ErrTransform     = errors.New("image transform failed")
	ErrNotFound      = errors.New("image not found")
	ErrTimeout       = errors.New("operation timed out")
	ErrInternal      = errors.New("internal error")
)

var kinds = []error{
	ErrInvalidInput,
	ErrRateLimited,
	ErrUpstreamFetch,
	ErrTransform,
	ErrNotFound,
	ErrTimeout,
	ErrInternal,
}

// Error carries the kind, the operation that failed and the underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf returns the sentinel kind err wraps, or ErrInternal for foreign errors.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInternal
}

// IsRetryable reports whether a later attempt of the same request may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUpstreamFetch)
}
