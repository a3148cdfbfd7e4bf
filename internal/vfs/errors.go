package vfs

import (
	"errors"
	"fmt"
)

// Sentinel errors for the I/O failure modes of the store. Callers
// classify with errors.Is.
var (
	ErrInvalidDatabaseVersion = errors.New("invalid database version")
	ErrFileNotFound           = errors.New("file not found")
	ErrFileCreation           = errors.New("file creation failed")
	ErrDirectoryCreation      = errors.New("directory creation failed")
	ErrFileExists             = errors.New("file already exists")
	ErrReading                = errors.New("reading error")
	ErrWriting                = errors.New("writing error")
	ErrOutOfBounds            = errors.New("out of bounds")
	ErrNotImplemented         = errors.New("not implemented")

	// ErrArgument marks a caller contract violation (nil or otherwise
	// invalid input).
	ErrArgument = errors.New("invalid argument")
)

// ErrAborted is the in-band cancellation signal. A chunk callback
// returns it to stop the surrounding operation early. It is not an
// error when a Read callback asks to stop; a Create source that aborts
// mid-file failed to supply the promised bytes and surfaces as
// ErrReading.
var ErrAborted = errors.New("aborted")

// BackendError wraps a non-success status from the relational engine,
// carried verbatim.
type BackendError struct {
	Err error
}

func (e *BackendError) Error() string {
	return "backend: " + e.Err.Error()
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// backendErr wraps err as a BackendError, annotated with the failing
// operation. A nil err maps to nil.
func backendErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Err: fmt.Errorf("%s: %w", op, err)}
}
