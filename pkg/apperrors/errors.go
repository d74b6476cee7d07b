package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrValidation          = errors.New("validation failed")
	ErrDuplicateName       = errors.New("duplicate name")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrLockTimeout         = errors.New("lock acquisition timeout")
	ErrExecution           = errors.New("execution failed")
)

// Stable machine-readable codes carried by Error.
const (
	CodeValidation          = "validation_error"
	CodeDuplicateName       = "duplicate_name"
	CodeNotFound            = "not_found"
	CodeConcurrencyConflict = "concurrency_conflict"
	CodeLockTimeout         = "lock_timeout"
	CodeExecution           = "execution_error"
)

var sentinelByCode = map[string]error{
	CodeValidation:          ErrValidation,
	CodeDuplicateName:       ErrDuplicateName,
	CodeNotFound:            ErrNotFound,
	CodeConcurrencyConflict: ErrConcurrencyConflict,
	CodeLockTimeout:         ErrLockTimeout,
	CodeExecution:           ErrExecution,
}

// Error is a typed engine error. Message is safe to show to callers; Err is the
// underlying cause and is never exposed across the engine boundary.
type Error struct {
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's code, so errors.Is(err, ErrNotFound)
// holds for any not_found Error. DuplicateName and ConcurrencyConflict also match ErrConflict.
func (e *Error) Is(target error) bool {
	if s, ok := sentinelByCode[e.Code]; ok && s == target {
		return true
	}
	if target == ErrConflict {
		return e.Code == CodeDuplicateName || e.Code == CodeConcurrencyConflict
	}
	return false
}

// WithDetail returns e with key set in Details.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Validation reports bad input shape or names.
func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// DuplicateName reports a logical name collision among active siblings.
func DuplicateName(kind, name string) *Error {
	return (&Error{Code: CodeDuplicateName, Message: fmt.Sprintf("%s %q already exists", kind, name)}).
		WithDetail("kind", kind).WithDetail("name", name)
}

// NotFound reports a reference that does not resolve to an active descriptor.
func NotFound(kind, ref string) *Error {
	return (&Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, ref)}).
		WithDetail("kind", kind).WithDetail("ref", ref)
}

// ConcurrencyConflict reports a schema version mismatch.
func ConcurrencyConflict(expected, current int) *Error {
	return (&Error{
		Code:    CodeConcurrencyConflict,
		Message: fmt.Sprintf("schema version mismatch: expected %d, current %d", expected, current),
	}).WithDetail("expected_version", expected).WithDetail("current_version", current)
}

// LockTimeout reports that a structural mutation could not serialize in time.
func LockTimeout(key string, err error) *Error {
	return (&Error{Code: CodeLockTimeout, Message: fmt.Sprintf("timed out acquiring lock %q", key), Err: err}).
		WithDetail("resource", key)
}

// Execution wraps a storage failure. A PostgreSQL error is classified and its
// code attached as the sql_state_code detail.
func Execution(op string, err error) *Error {
	e := &Error{Code: CodeExecution, Message: op + " failed", Err: err}
	if code := SQLStateCode(err); code != "" {
		e.WithDetail("sql_state_code", code)
		if msg := SQLErrorMessage(err); msg != "" {
			e.Message = op + " failed: " + msg
		}
	}
	return e
}

// As returns err as *Error when it is one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the stable code for err. Bare sentinels map to their code and
// anything else is an execution error.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := As(err); ok {
		return e.Code
	}
	for code, sentinel := range sentinelByCode {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	if errors.Is(err, ErrConflict) {
		return CodeDuplicateName
	}
	return CodeExecution
}

// Normalize converts any error into an *Error. Sentinels keep their code,
// unclassified errors become execution errors for op.
func Normalize(op string, err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	switch CodeOf(err) {
	case CodeNotFound:
		return &Error{Code: CodeNotFound, Message: "not found", Err: err}
	case CodeExecution:
		return Execution(op, err)
	default:
		code := CodeOf(err)
		return &Error{Code: code, Message: err.Error(), Err: err}
	}
}
