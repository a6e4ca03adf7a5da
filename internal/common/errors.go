package common

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrorCode classifies stage failures so they can be persisted and reported verbatim.
type ErrorCode string

const (
	CodeGateway          ErrorCode = "GATEWAY_ERROR"
	CodeParse            ErrorCode = "PARSE_ERROR"
	CodeShape            ErrorCode = "SHAPE_ERROR"
	CodeRepairUnresolved ErrorCode = "REPAIR_UNRESOLVED"
)

// CodedError is a stage-level failure tagged with an ErrorCode.
type CodedError struct {
	Code       ErrorCode
	Message    string
	StatusCode int    // upstream HTTP status for gateway errors, 0 otherwise
	Raw        string // truncated raw content for diagnostics
	Err        error
}

func (e *CodedError) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// NewCodedError builds a CodedError without upstream details.
func NewCodedError(code ErrorCode, message string, cause error) *CodedError {
	return &CodedError{Code: code, Message: message, Err: cause}
}

// CodeOf returns the ErrorCode carried by err, or "" when err is not coded.
func CodeOf(err error) ErrorCode {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// RawOf returns the raw diagnostic snippet carried by err, if any.
func RawOf(err error) string {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Raw
	}
	return ""
}

// Truncate cuts s to at most n runes, appending "..." when something was dropped.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
