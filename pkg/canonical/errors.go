package canonical

import (
	"errors"
	"fmt"
)

// Error reports a value that cannot be canonically encoded. Path is an
// RFC 6901 pointer to the offending node within the input value.
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("canonicalization failed: %s", e.Reason)
	}
	return fmt.Sprintf("canonicalization failed at %s: %s", e.Path, e.Reason)
}

func newError(path, format string, args ...any) *Error {
	return &Error{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// IsError reports whether err (or anything it wraps) is a canonicalization
// failure.
func IsError(err error) bool {
	var cerr *Error
	return errors.As(err, &cerr)
}
