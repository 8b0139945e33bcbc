package appversion

import (
	"errors"
	"fmt"
)

// CriticalError marks a failure that makes a whole version unable to
// serve reliably, as opposed to a miss on a single resource.
type CriticalError struct {
	Msg string
	// Unrecoverable is set when a hashed resource is gone from the server,
	// so clients on this version cannot be repaired and must reload.
	Unrecoverable bool
	Err           error
}

func (e *CriticalError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *CriticalError) Unwrap() error { return e.Err }

func critical(err error, format string, args ...any) error {
	return &CriticalError{Msg: fmt.Sprintf(format, args...), Err: err}
}

func unrecoverable(format string, args ...any) error {
	return &CriticalError{Msg: fmt.Sprintf(format, args...), Unrecoverable: true}
}

// IsCritical reports whether err (or anything it wraps) is a CriticalError.
func IsCritical(err error) bool {
	var ce *CriticalError
	return errors.As(err, &ce)
}

// IsUnrecoverable reports whether err marks an unrecoverable version.
func IsUnrecoverable(err error) bool {
	var ce *CriticalError
	return errors.As(err, &ce) && ce.Unrecoverable
}
