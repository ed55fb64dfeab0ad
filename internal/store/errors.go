package store

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateInvoice is returned by Create when any record, in any
	// status, already holds the same invoice number.
	ErrDuplicateInvoice = errors.New("invoice already recorded")

	// ErrNotFound is returned when no record has the requested local id.
	ErrNotFound = errors.New("record not found")

	// ErrIllegalTransition is returned by UpdateStatus when the record's
	// current status does not allow the requested change.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// StorageError reports a local read or write that could not complete
// (disk full, quota, corrupted file, closed database).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageFailure reports whether err originates from the storage engine.
func IsStorageFailure(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
