package lease

import "fmt"

// Error codes surfaced by the lease managers. Each code carries an
// HTTP-style status so the transport adapter can map mechanically.
const (
	CodeInvalidTTL        = "INVALID_TTL"
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeLockHeld          = "LOCK_HELD"
	CodeLeaseNotFound     = "LEASE_NOT_FOUND"
	CodeLeaseNotActive    = "LEASE_NOT_ACTIVE"
	CodeLeaseExpired      = "LEASE_EXPIRED"
	CodeOwnerMismatch     = "OWNER_MISMATCH"
	CodeStaleFencingToken = "STALE_FENCING_TOKEN"
	CodeBusy              = "BUSY"
)

// Error is a domain error with a stable machine code and a suggested
// transport status. Contention (LOCK_HELD) and BUSY are retryable by
// callers; validation and state errors are not.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets errors.Is match on code, so tests and callers can compare
// against the canonical instances below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func newError(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Status: status}
}

func errInvalidTTL(format string, args ...any) *Error {
	return newError(CodeInvalidTTL, 400, format, args...)
}

func errInvalidRequest(format string, args ...any) *Error {
	return newError(CodeInvalidRequest, 400, format, args...)
}

func errLockHeld(format string, args ...any) *Error {
	return newError(CodeLockHeld, 409, format, args...)
}

func errLeaseNotFound(format string, args ...any) *Error {
	return newError(CodeLeaseNotFound, 404, format, args...)
}

func errLeaseNotActive(format string, args ...any) *Error {
	return newError(CodeLeaseNotActive, 409, format, args...)
}

func errLeaseExpired(format string, args ...any) *Error {
	return newError(CodeLeaseExpired, 409, format, args...)
}

func errOwnerMismatch(format string, args ...any) *Error {
	return newError(CodeOwnerMismatch, 409, format, args...)
}

// ErrStaleFencingToken is exported for the fence package, which shares
// the lease error taxonomy.
func ErrStaleFencingToken(format string, args ...any) *Error {
	return newError(CodeStaleFencingToken, 409, format, args...)
}

// ErrInvalidRequest is exported for the fence package.
func ErrInvalidRequest(format string, args ...any) *Error {
	return errInvalidRequest(format, args...)
}

// ErrBusy reports a bounded transaction-lock wait that timed out in the
// persistent backend. The operation was rolled back; callers should retry.
func ErrBusy(format string, args ...any) *Error {
	return newError(CodeBusy, 503, format, args...)
}

// Canonical instances for errors.Is comparisons.
var (
	ErrTTLOutOfRange = &Error{Code: CodeInvalidTTL, Status: 400}
	ErrBadRequest    = &Error{Code: CodeInvalidRequest, Status: 400}
	ErrHeld          = &Error{Code: CodeLockHeld, Status: 409}
	ErrNotFound      = &Error{Code: CodeLeaseNotFound, Status: 404}
	ErrNotActive     = &Error{Code: CodeLeaseNotActive, Status: 409}
	ErrExpired       = &Error{Code: CodeLeaseExpired, Status: 409}
	ErrNotOwner      = &Error{Code: CodeOwnerMismatch, Status: 409}
	ErrStaleToken    = &Error{Code: CodeStaleFencingToken, Status: 409}
	ErrRetryBusy     = &Error{Code: CodeBusy, Status: 503}
)
