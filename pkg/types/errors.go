package types

import (
	"errors"
)

// TransientError marks a failure that is expected to resolve on its own,
// such as a network error or a 5xx response. It is eligible for retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// FatalError marks a failure that retrying cannot fix, such as a malformed
// response, bad credentials or an irreconcilable schema.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// StorageError is returned when the run state could not be persisted.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string {
	return "failed to persist run state: " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Fatal wraps err as a FatalError. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsTransient reports whether err was classified as transient.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsFatal reports whether err was classified as fatal.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
