package status

import (
	"errors"
	"fmt"
)

// Code is the status code reported by the backend for a stream or write failure.
type Code int

const (
	OK Code = iota
	Cancelled
	Unknown
	InvalidArgument
	DeadlineExceeded
	NotFound
	AlreadyExists
	PermissionDenied
	ResourceExhausted
	FailedPrecondition
	Aborted
	OutOfRange
	Unimplemented
	Internal
	Unavailable
	DataLoss
	Unauthenticated
)

var codeNames = map[Code]string{
	OK:                 "ok",
	Cancelled:          "cancelled",
	Unknown:            "unknown",
	InvalidArgument:    "invalid-argument",
	DeadlineExceeded:   "deadline-exceeded",
	NotFound:           "not-found",
	AlreadyExists:      "already-exists",
	PermissionDenied:   "permission-denied",
	ResourceExhausted:  "resource-exhausted",
	FailedPrecondition: "failed-precondition",
	Aborted:            "aborted",
	OutOfRange:         "out-of-range",
	Unimplemented:      "unimplemented",
	Internal:           "internal",
	Unavailable:        "unavailable",
	DataLoss:           "data-loss",
	Unauthenticated:    "unauthenticated",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// ParseCode maps a code name back to its Code. Unrecognized names map to Unknown.
func ParseCode(name string) Code {
	for c, s := range codeNames {
		if s == name {
			return c
		}
	}
	return Unknown
}

// Error is a coded failure reported by the backend.
type Error struct {
	Code    Code
	Message string
}

// New returns an *Error with the given code.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the Code from err, returning Unknown for uncoded errors and OK for nil.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	if Is(err, ErrCancelled) {
		return Cancelled
	}
	return Unknown
}

// IsPermanentError reports whether a stream failure with this code should not be retried.
// Unauthenticated is not permanent: it forces a token refresh before reconnecting.
func IsPermanentError(code Code) bool {
	switch code {
	case OK:
		panic("treated status OK as error")
	case Cancelled, Unknown, DeadlineExceeded, ResourceExhausted, Internal, Unavailable, Unauthenticated:
		return false
	case InvalidArgument, NotFound, AlreadyExists, PermissionDenied, FailedPrecondition,
		Aborted, OutOfRange, Unimplemented, DataLoss:
		return true
	default:
		return true
	}
}

// IsPermanentWriteError reports whether a write failure rejects the batch. Aborted writes
// are retried because the backend may abort due to contention.
func IsPermanentWriteError(code Code) bool {
	return IsPermanentError(code) && code != Aborted
}
