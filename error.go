package segstore

import (
	"errors"
	"fmt"
)

// ErrorCode classifies segment engine errors.
type ErrorCode int

const (
	Unknown = iota
	BlockIOError
	ReadBeyondEOF
	GrowFailed
	PlacementError
	UnrecoverableStripe = 77 + iota
	InvalidGeometry
	MisalignedIO
	InspectionFailed
	DescriptorError
	FileIOError
)

// Error is the segment engine custom error. For I/O failures UserData carries the
// worst per-row failure count as an int.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	return fmt.Errorf("error code: %d, user data: %v, details: %w", e.Code, e.UserData, e.Err).Error()
}

// Unwrap exposes the wrapped error to errors.Is and errors.As.
func (e Error) Unwrap() error {
	return e.Err
}

// ErrorCount returns the failure count carried by an Error, 0 for nil and -1 if err
// does not carry one.
func ErrorCount(err error) int {
	if err == nil {
		return 0
	}
	var se Error
	if errors.As(err, &se) {
		if n, ok := se.UserData.(int); ok {
			return n
		}
	}
	return -1
}

// HasCode reports whether err is (or wraps) an Error with the given code.
func HasCode(err error, code ErrorCode) bool {
	var se Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
