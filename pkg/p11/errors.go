package p11

import "fmt"

// TokenError is the unified per-operation error of every backend: unknown
// slot or key, unsupported mechanism, read-only violation, protocol
// mismatch, driver or transport failure.
type TokenError struct {
	Msg   string
	Cause error
}

func (e *TokenError) Error() string {
	if e.Cause == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Cause.Error()
}

func (e *TokenError) Unwrap() error {
	return e.Cause
}

// Errorf builds a TokenError without a cause.
func Errorf(format string, args ...any) *TokenError {
	return &TokenError{Msg: fmt.Sprintf(format, args...)}
}

// WrapError builds a TokenError with a cause.
func WrapError(msg string, cause error) *TokenError {
	return &TokenError{Msg: msg, Cause: cause}
}

// InvalidConfError is raised at module build for malformed configuration:
// missing native library, bad sizes, SO user type, unparseable slot ids.
type InvalidConfError struct {
	Msg   string
	Cause error
}

func (e *InvalidConfError) Error() string {
	if e.Cause == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Cause.Error()
}

func (e *InvalidConfError) Unwrap() error {
	return e.Cause
}
