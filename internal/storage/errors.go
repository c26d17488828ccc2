package storage

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies storage failures.
type ErrorKind int

const (
	// KindNotFound means the key does not exist.
	KindNotFound ErrorKind = iota
	// KindValidation means the key was rejected before reaching a backend.
	KindValidation
	// KindNetwork means a remote backend request failed.
	KindNetwork
	// KindIO means a local filesystem operation failed.
	KindIO
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not-found"
	case KindValidation:
		return "validation"
	case KindNetwork:
		return "network"
	default:
		return "io"
	}
}

// Error is the error type returned by every storage operation.
type Error struct {
	Kind ErrorKind
	Op   string
	Key  string
	Err  error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage %s %q: %s: %v", e.Op, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %s", e.Op, e.Key, e.Kind)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// IsNotFound reports whether err represents a missing key.
func IsNotFound(err error) bool {
	return kindOf(err) == KindNotFound
}

// IsValidation reports whether err represents a rejected key.
func IsValidation(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == KindValidation
	}
	return false
}

func kindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindIO
}

// HTTPStatus maps a storage error to the status code handlers respond
// with: not-found to 404, validation to 400, everything else to 500.
func HTTPStatus(err error) int {
	switch kindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
