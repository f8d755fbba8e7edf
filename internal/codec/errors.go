package codec

import "errors"

// ErrUntrusted is matched by every integrity or format failure. Callers outside
// the service boundary only ever learn this, never the specific cause.
var ErrUntrusted = errors.New("untrusted credential")

// Specific causes, retrievable with errors.Is for server-side logging.
var (
	ErrMalformed          = errors.New("malformed blob")
	ErrTagMismatch        = errors.New("integrity tag mismatch")
	ErrUnsupportedVersion = errors.New("unsupported version")
)

// UntrustedError wraps a specific cause. It matches both ErrUntrusted and the cause.
type UntrustedError struct {
	Cause  error
	Detail string
}

func untrusted(cause error, detail string) error {
	return &UntrustedError{Cause: cause, Detail: detail}
}

func (e *UntrustedError) Error() string {
	if e.Detail == "" {
		return ErrUntrusted.Error() + ": " + e.Cause.Error()
	}
	return ErrUntrusted.Error() + ": " + e.Cause.Error() + ": " + e.Detail
}

// Is makes errors.Is(err, ErrUntrusted) succeed.
func (e *UntrustedError) Is(target error) bool {
	return target == ErrUntrusted
}

func (e *UntrustedError) Unwrap() error {
	return e.Cause
}
