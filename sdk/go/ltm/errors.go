// Package ltm provides a Go client for the LTM episode server.
package ltm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrExhausted is matched (via errors.Is) by an *Error the server returns
// when it has no episode uids left to issue.
var ErrExhausted = errors.New("ltm: episode uids exhausted")

// Error codes sent by the server in the error envelope.
const (
	CodeExhausted    = "EXHAUSTED"
	CodeNotFound     = "NOT_FOUND"
	CodeConflict     = "CONFLICT"
	CodeInvalidInput = "INVALID_INPUT"
)

// Error represents an error from the LTM API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ltm: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrExhausted) match an exhaustion response.
func (e *Error) Is(target error) bool {
	return target == ErrExhausted && e.Code == CodeExhausted
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// IsInvalid returns true if the server rejected the request itself (400 or
// 413). Resending the same request cannot succeed.
func IsInvalid(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusBadRequest ||
			e.StatusCode == http.StatusRequestEntityTooLarge ||
			e.Code == CodeInvalidInput
	}
	return false
}

// IsExhausted returns true if the server reported that no uids are left.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrExhausted)
}
