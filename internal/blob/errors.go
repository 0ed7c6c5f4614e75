// Package blob stores binary attachments apart from the structured state,
// indexed by owning entity, and hands out ephemeral display URLs for them.
package blob

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a StorageError.
type ErrorCode string

const (
	CodeNotInitialized ErrorCode = "not_initialized"
	CodeNotFound       ErrorCode = "not_found"
	CodeTransaction    ErrorCode = "transaction"
)

// StorageError is returned by Repository operations.
type StorageError struct {
	Op   string
	Code ErrorCode
	Err  error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("blob %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("blob %s: %s", e.Op, e.Code)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by code so errors.Is(err, ErrNotFound) works
// on wrapped StorageErrors.
func (e *StorageError) Is(target error) bool {
	var t *StorageError
	if errors.As(target, &t) {
		return t.Op == "" && t.Code == e.Code
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrNotInitialized = &StorageError{Code: CodeNotInitialized}
	ErrNotFound       = &StorageError{Code: CodeNotFound}
)

func notInitialized(op string) error {
	return &StorageError{Op: op, Code: CodeNotInitialized}
}

func notFound(op, id string) error {
	return &StorageError{Op: op, Code: CodeNotFound, Err: fmt.Errorf("attachment %s", id)}
}

func txFailed(op string, err error) error {
	return &StorageError{Op: op, Code: CodeTransaction, Err: err}
}

// IsCode reports whether err is a StorageError with the given code.
func IsCode(err error, code ErrorCode) bool {
	var sErr *StorageError
	if errors.As(err, &sErr) {
		return sErr.Code == code
	}
	return false
}
