package errors

import (
	"errors"
	"net/http"
	"strings"
)

type ErrCode string

const (
	ErrCodeUnauthenticated  ErrCode = "Unauthenticated"
	ErrCodeUnauthorized     ErrCode = "Unauthorized"
	ErrCodeNotFound         ErrCode = "NotFound"
	ErrCodeBadRequest       ErrCode = "BadRequest"
	ErrCodeInvalidCondition ErrCode = "InvalidCondition"
	ErrCodeConditionNotMet  ErrCode = "ConditionNotMet"
	ErrCodePermissionDenied ErrCode = "PermissionDenied"
	ErrCodeUploadFailed     ErrCode = "UploadFailed"
	ErrCodeServiceFailure   ErrCode = "ServiceFailure"
)

// Err is the error value passed across locket components. It carries an
// application error code so that callers can branch on failure categories
// without string matching, plus a cause chain for diagnosis.
type Err struct {
	Code  ErrCode
	msg   string
	cause error
}

func (e *Err) Error() string {
	return e.msg
}

// Trace returns the stacktrace associated with the error
func (e *Err) Trace() string {
	b := &strings.Builder{}
	b.WriteString(e.msg)
	err := errors.Unwrap(e)
	for err != nil {
		b.WriteString("\nCaused by: ")
		b.WriteString(err.Error())
		err = errors.Unwrap(err)
	}
	return b.String()
}

func (e *Err) Unwrap() error {
	return e.cause
}

func (e *Err) WithCause(c error) *Err {
	e.cause = c
	return e
}

// prefer appSpecificErr(msg) over appSpecificErr(msg, cause) since the latter's method signature has less
// readability - user needs to look up docs to know the 2nd param is for cause, while the first one can use
// WithCause() to be explicit
func ErrUnauthenticated(m string) *Err {
	return &Err{Code: ErrCodeUnauthenticated, msg: m}
}

func ErrUnauthorized(m string) *Err {
	return &Err{Code: ErrCodeUnauthorized, msg: m}
}

func ErrNotFound(m string) *Err {
	return &Err{Code: ErrCodeNotFound, msg: m}
}

func ErrBadInput(m string) *Err {
	return &Err{Code: ErrCodeBadRequest, msg: m}
}

func ErrInvalidCondition(m string) *Err {
	return &Err{Code: ErrCodeInvalidCondition, msg: m}
}

// ErrConditionNotMet flags an open attempted too early or too far away. It is
// recoverable - the same call may succeed later.
func ErrConditionNotMet(m string) *Err {
	return &Err{Code: ErrCodeConditionNotMet, msg: m}
}

// ErrPermissionDenied flags an OS location permission refusal. Recoverable by
// re-prompting the user.
func ErrPermissionDenied(m string) *Err {
	return &Err{Code: ErrCodePermissionDenied, msg: m}
}

func ErrUploadFailed(m string) *Err {
	return &Err{Code: ErrCodeUploadFailed, msg: m}
}

func ErrServiceFailure(m string) *Err {
	return &Err{Code: ErrCodeServiceFailure, msg: m}
}

// StatusCode returns the http response status code associated with the Err value
func (e *Err) StatusCode() int {
	switch e.Code {
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeUnauthorized, ErrCodePermissionDenied:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeBadRequest, ErrCodeInvalidCondition:
		return http.StatusBadRequest
	case ErrCodeConditionNotMet:
		// the capsule exists and the caller may open it; the unlock
		// condition just isn't satisfied yet
		return http.StatusLocked
	case ErrCodeUploadFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
