package rowstore

import (
	"errors"
	"fmt"
)

var (
	// ErrRowUnavailable is returned when a row is missing or cannot be read
	ErrRowUnavailable = errors.New("row unavailable")

	// ErrStoreUnavailable is returned when an increment is rejected or times out
	ErrStoreUnavailable = errors.New("row store unavailable")

	// ErrDimensionMismatch is returned when a row or delta has the wrong length
	ErrDimensionMismatch = errors.New("row dimension mismatch")

	// ErrClosed is returned by operations on a closed store
	ErrClosed = errors.New("row store closed")
)

// StoreError represents a row store error with context
type StoreError struct {
	Op    string // Operation that failed
	Table string
	Key   int64
	Err   error // Underlying error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s/%d: %v", e.Op, e.Table, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError
func NewStoreError(op, table string, key int64, err error) error {
	return &StoreError{
		Op:    op,
		Table: table,
		Key:   key,
		Err:   err,
	}
}

// IsRowUnavailable checks if an error is a "row unavailable" error
func IsRowUnavailable(err error) bool {
	return errors.Is(err, ErrRowUnavailable)
}

// IsStoreUnavailable checks if an error is a "store unavailable" error
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsDimensionMismatch checks if an error is a "dimension mismatch" error
func IsDimensionMismatch(err error) bool {
	return errors.Is(err, ErrDimensionMismatch)
}
