// Package record defines participation records and their synchronization lifecycle.
package record

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fields holds the participant data captured by the submission form.
// The sync engine never interprets these values; it stores them and hands
// them to the remote gateway.
type Fields struct {
	LastName  string `json:"last_name"`
	FirstName string `json:"first_name"`
	Phone     string `json:"phone"`
	Amount    int64  `json:"amount"`
	SiteID    string `json:"site_id"`
	Operator  string `json:"operator"`
}

// Record is one field-collected participation awaiting or having completed
// remote persistence.
type Record struct {
	// ===== Identity =====
	LocalID       string `json:"local_id"`
	InvoiceNumber string `json:"invoice_number"` // natural key for duplicate detection

	// ===== Payload =====
	Fields     Fields `json:"fields"`
	Attachment []byte `json:"attachment,omitempty"` // cleared once synced

	// ===== Sync state =====
	Status    Status `json:"status"`
	LastError string `json:"last_error,omitempty"`
	ServerID  string `json:"server_id,omitempty"`

	// ===== Timestamps =====
	CreatedAt time.Time  `json:"created_at"`
	SyncedAt  *time.Time `json:"synced_at,omitempty"`
}

// New builds a pending record with a fresh local ID.
//
// Local IDs are UUIDv7 so they sort by creation time and are never reused.
func New(invoiceNumber string, fields Fields, attachment []byte) (*Record, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate local id: %w", err)
	}

	r := &Record{
		LocalID:       id.String(),
		InvoiceNumber: NormalizeInvoice(invoiceNumber),
		Fields:        fields,
		Attachment:    attachment,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// NormalizeInvoice trims surrounding whitespace from an invoice number.
func NormalizeInvoice(invoice string) string {
	return strings.TrimSpace(invoice)
}

// Validate checks structural requirements of the record.
// Business rules (phone formats, minimum amounts) belong to the form layer.
func (r *Record) Validate() error {
	if r.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if r.InvoiceNumber == "" {
		return fmt.Errorf("invoice_number is required")
	}
	if len(r.InvoiceNumber) > 100 {
		return fmt.Errorf("invoice_number must be 100 characters or less (got %d)", len(r.InvoiceNumber))
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// HasAttachment reports whether the record still carries attachment bytes.
func (r *Record) HasAttachment() bool {
	return len(r.Attachment) > 0
}
