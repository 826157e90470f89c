// Package ferrors defines the closed error taxonomy shared by every core
// component. Every failure the core returns carries exactly one Code.
package ferrors

import (
	"errors"
	"fmt"
)

// Code is one of the stable, versioned error codes the core can return.
// Adapters key user-facing behavior off Code, never off Error() text.
type Code string

const (
	CodeValidation        Code = "validation"
	CodeNotFound          Code = "not_found"
	CodePrecondition      Code = "precondition"
	CodeCacheConflict     Code = "cache_conflict"
	CodeDownloadFailed    Code = "download_failed"
	CodeBuildFailed       Code = "build_failed"
	CodeBuildTimeout      Code = "build_timeout"
	CodeCancelled         Code = "cancelled"
	CodeFlashHashMismatch Code = "flash_hash_mismatch"
	CodePermissionDenied  Code = "permission_denied"
	CodeSecurity          Code = "security"
)

// Error is the structured error shape persisted in Build/Flash records and
// returned across every core operation boundary (§7, §6 "structured error").
type Error struct {
	Code    Code
	Message string
	// Details carries code-specific structured data, e.g. an exit code or a
	// mismatched hash pair. Adapters may serialize this verbatim.
	Details map[string]any
	// LogPath is set when a build or flash log file exists for the failure.
	LogPath string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an *Error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Code to an underlying error, preserving it for errors.Is/As.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetails returns a copy of e whose Details is replaced by details; any
// Details already on e are not carried over.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// WithLogPath returns a copy of e with LogPath set.
func (e *Error) WithLogPath(path string) *Error {
	cp := *e
	cp.LogPath = path
	return &cp
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// CodeOf extracts the Code from err, or "" if err is not a *Error.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
