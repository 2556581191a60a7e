package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeUnreachable      ErrorCode = "UNREACHABLE"
	CodeProtocol         ErrorCode = "PROTOCOL_ERROR"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeRemote           ErrorCode = "REMOTE_ERROR"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeInternal         ErrorCode = "INTERNAL"
	CodeCanceled         ErrorCode = "CANCELED"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
)

var (
	// ErrUnknownTool is returned when a qualified name does not resolve
	// in the current snapshot.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrNoEndpoints is a startup-time failure: nothing is configured.
	ErrNoEndpoints = errors.New("no endpoints configured")

	// ErrRefreshInFlight is returned when a refresh is rejected because
	// another one is still publishing.
	ErrRefreshInFlight = errors.New("refresh already in flight")
)

// Error is a structured failure with a stable code, in the style used
// across the codebase so callers can branch on Code without string
// matching.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:    existing.Code,
			Op:      op,
			Message: existing.Message,
			Cause:   existing.Cause,
		}
	}
	return E(code, op, "", err)
}

// CodeFrom extracts a stable error code, mapping sentinels for callers
// that only have a plain error value.
func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	switch {
	case errors.Is(err, ErrUnknownTool):
		return CodeNotFound, true
	case errors.Is(err, ErrNoEndpoints):
		return CodeInvalidArgument, true
	case errors.Is(err, ErrRefreshInFlight):
		return CodeUnavailable, true
	default:
		return "", false
	}
}
