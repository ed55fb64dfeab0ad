// Package remote defines the contract with the authoritative remote store
// and ships an HTTP adapter for a PostgREST-style backend.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/tombolacan/tombola/internal/record"
)

// ErrDuplicateKey means the remote store already holds a record with the
// same invoice number.
var ErrDuplicateKey = errors.New("duplicate key")

// Gateway is the remote store as seen by the sync orchestrator.
type Gateway interface {
	// InsertRecord persists the record remotely and returns the
	// server-assigned identifier.
	InsertRecord(ctx context.Context, rec *record.Record) (serverID string, err error)

	// UploadAttachment stores data under ownerKey/recordKey and returns the
	// storage path.
	UploadAttachment(ctx context.Context, ownerKey, recordKey string, data []byte) (storagePath string, err error)

	// ExistsByInvoice reports whether the remote store already has the invoice.
	ExistsByInvoice(ctx context.Context, invoice string) (bool, error)
}

// Error is a remote failure other than a duplicate key: network errors,
// timeouts, auth and server errors.
type Error struct {
	StatusCode int    // HTTP status, 0 when the request never completed
	Code       string // backend error code when provided
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Code != "":
		return fmt.Sprintf("remote error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("remote error %d: %s", e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("remote request failed: %v", e.Err)
	default:
		return "remote error: " + e.Message
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Kind classifies a remote failure for the status state machine.
type Kind int

const (
	// KindNone is returned for a nil error.
	KindNone Kind = iota
	// KindDuplicate maps to the conflict status.
	KindDuplicate
	// KindTransient maps to the retryable error status.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDuplicate:
		return "duplicate"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Classify maps err onto the two remote failure kinds. Anything that is not
// a duplicate key, including an open circuit breaker, is transient.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrDuplicateKey):
		return KindDuplicate
	default:
		return KindTransient
	}
}
