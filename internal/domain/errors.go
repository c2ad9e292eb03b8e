package domain

import (
	"errors"
	"fmt"
)

const (
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
	CodeValidation = "validation"
	CodeStorage    = "storage_unavailable"
)

// DomainError carries a stable code so transports can map it without string matching.
type DomainError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *DomainError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if msg == "" {
		msg = "match service error"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *DomainError) Unwrap() error { return e.Err }

var (
	ErrMatchNotFound = &DomainError{Code: CodeNotFound, Message: "match not found"}
	// ErrDuplicatePly means two moves claimed the same ply of one match.
	ErrDuplicatePly = &DomainError{Code: CodeConflict, Message: "duplicate ply for match"}
)

func NotFound(format string, args ...any) error {
	return &DomainError{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) error {
	return &DomainError{Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

func Invalid(format string, args ...any) error {
	return &DomainError{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Storage wraps a backend failure as a retryable error. Domain errors pass through.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *DomainError
	if errors.As(err, &de) {
		return err
	}
	return &DomainError{Code: CodeStorage, Message: op, Retryable: true, Err: err}
}

// Unavailable marks err as a retryable storage failure even when err is itself
// a domain error, e.g. a ply conflict that kept recurring under contention.
func Unavailable(op string, err error) error {
	return &DomainError{Code: CodeStorage, Message: op, Retryable: true, Err: err}
}

func codeOf(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

func IsNotFound(err error) bool   { return codeOf(err) == CodeNotFound }
func IsConflict(err error) bool   { return codeOf(err) == CodeConflict }
func IsValidation(err error) bool { return codeOf(err) == CodeValidation }
func IsStorage(err error) bool    { return codeOf(err) == CodeStorage }

// Retryable reports whether the caller may safely resubmit the operation.
func Retryable(err error) bool {
	var de *DomainError
	return errors.As(err, &de) && de.Retryable
}
