// Package store provides the local durable store for participation records.
//
// The store is the system of record until the remote store confirms a
// record. It runs on embedded SQLite (ncruces/go-sqlite3) with WAL so the
// status surface can read counts while the sync orchestrator writes.
//
// Architecture:
//   - Database file: <data dir>/tombola.db
//   - WAL mode: Concurrent readers during writes
//   - Schema: participations (keyed by local_id), sites, settings, leases
//   - Indexes: unique invoice_number, (status, created_at) for syncable scans
//
// Workflow:
//  1. The submission flow calls Create; the record lands as pending
//  2. The sync orchestrator lists syncable records and moves them through
//     the status state machine with UpdateStatus
//  3. Status surfaces read AggregateCounts
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/tombolacan/tombola/internal/record"
)

// timeFormat keeps timestamps fixed-width so lexical order matches time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the SQLite connection with record-specific operations.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new store at the specified path.
//
// The database is opened in WAL mode with a busy timeout applied to every
// pooled connection. Write transactions take the lock immediately so a
// read-then-write status change cannot deadlock against another writer.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open("data/tombola.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	path = strings.TrimPrefix(path, "file:")

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := "file:" + path +
		"?_txlock=immediate" +
		"&_pragma=journal_mode(wal)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(full)"
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &Store{conn: conn, path: path}, nil
}

// OpenAndInit opens the store and creates the schema if needed.
func OpenAndInit(ctx context.Context, path string) (*Store, error) {
	st, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := st.InitSchemaContext(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	return st, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	_, ckErr := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil

	if ckErr != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", ckErr)
	}
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS participations (
		local_id TEXT PRIMARY KEY,
		invoice_number TEXT NOT NULL,
		payload TEXT NOT NULL,  -- JSON record.Fields
		attachment BLOB,
		status TEXT NOT NULL DEFAULT 'pending',
		last_error TEXT,
		server_id TEXT,
		created_at TEXT NOT NULL,
		synced_at TEXT
	);

	-- Permanent local dedup: first-seen invoice wins regardless of status
	CREATE UNIQUE INDEX IF NOT EXISTS idx_participations_invoice
	    ON participations(invoice_number);

	-- Serves ListSyncable and AggregateCounts
	CREATE INDEX IF NOT EXISTS idx_participations_status
	    ON participations(status, created_at);

	-- Reference data used by the setup flow
	CREATE TABLE IF NOT EXISTS sites (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		city TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Cross-process exclusion for sync passes
	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Create persists a new record with status pending.
//
// Returns ErrDuplicateInvoice if any record already holds the invoice number.
// The check-then-insert is backed by a unique index, so a racing writer is
// rejected with the same error rather than a generic constraint failure.
func (s *Store) Create(ctx context.Context, rec *record.Record) error {
	rec.InvoiceNumber = record.NormalizeInvoice(rec.InvoiceNumber)
	if rec.Status == "" {
		rec.Status = record.StatusPending
	}
	if rec.Status != record.StatusPending {
		return fmt.Errorf("new records must be pending (got %s)", rec.Status)
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	exists, err := s.ExistsByInvoice(ctx, rec.InvoiceNumber)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateInvoice, rec.InvoiceNumber)
	}

	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	query := `
	INSERT INTO participations (
		local_id, invoice_number, payload, attachment, status, created_at
	) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = s.conn.ExecContext(ctx, query,
		rec.LocalID,
		rec.InvoiceNumber,
		string(payload),
		nullBytes(rec.Attachment),
		string(record.StatusPending),
		rec.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		if errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) {
			return fmt.Errorf("%w: %s", ErrDuplicateInvoice, rec.InvoiceNumber)
		}
		return storageErr("create", err)
	}

	return nil
}

// ExistsByInvoice reports whether any record, in any status, holds the invoice number.
func (s *Store) ExistsByInvoice(ctx context.Context, invoice string) (bool, error) {
	var exists int
	err := s.conn.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM participations WHERE invoice_number = ?)`,
		record.NormalizeInvoice(invoice),
	).Scan(&exists)
	if err != nil {
		return false, storageErr("exists by invoice", err)
	}
	return exists == 1, nil
}

// ListSyncable returns records a pass may attempt, oldest first.
//
// Pending and error records are always included; conflict records only when
// includeConflicts is set. The query runs fresh on every call.
func (s *Store) ListSyncable(ctx context.Context, includeConflicts bool) ([]*record.Record, error) {
	statuses := []record.Status{record.StatusPending, record.StatusError}
	if includeConflicts {
		statuses = append(statuses, record.StatusConflict)
	}
	return s.List(ctx, Filter{Statuses: statuses, IncludeAttachment: true})
}

// Update carries the fields a status change may set.
type Update struct {
	// LastError is required when moving to error or conflict.
	LastError string
	// ServerID is required when moving to synced.
	ServerID string
	// SyncedAt defaults to now when moving to synced.
	SyncedAt time.Time
}

// UpdateStatus atomically moves a record to a new status.
//
// Only the columns owned by the transition are written:
//   - syncing: status, last_error cleared
//   - synced: status, server_id, synced_at, attachment cleared
//   - error, conflict: status, last_error
//
// Returns ErrNotFound for unknown ids and ErrIllegalTransition when the
// current status forbids the change (including losing a race to another
// writer that changed the status first).
func (s *Store) UpdateStatus(ctx context.Context, localID string, status record.Status, upd Update) error {
	sets, args, err := updateColumns(status, upd)
	if err != nil {
		return err
	}

	// Start transaction
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin update", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM participations WHERE local_id = ?`, localID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, localID)
	}
	if err != nil {
		return storageErr("read status", err)
	}

	if err := record.CheckTransition(record.Status(current), status); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrIllegalTransition, localID, err)
	}

	query := `UPDATE participations SET ` + strings.Join(sets, ", ") +
		` WHERE local_id = ? AND status = ?`
	args = append(args, localID, current)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr("update status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update status", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrIllegalTransition, localID)
	}

	// Commit transaction
	if err := tx.Commit(); err != nil {
		return storageErr("commit update", err)
	}
	return nil
}

// updateColumns returns the SET clauses and arguments for a transition target.
func updateColumns(status record.Status, upd Update) ([]string, []interface{}, error) {
	sets := []string{"status = ?"}
	args := []interface{}{string(status)}

	switch status {
	case record.StatusSyncing:
		sets = append(sets, "last_error = NULL")
	case record.StatusSynced:
		if upd.ServerID == "" {
			return nil, nil, fmt.Errorf("server id is required to mark a record synced")
		}
		syncedAt := upd.SyncedAt
		if syncedAt.IsZero() {
			syncedAt = time.Now()
		}
		sets = append(sets, "server_id = ?", "synced_at = ?", "attachment = NULL", "last_error = NULL")
		args = append(args, upd.ServerID, syncedAt.UTC().Format(timeFormat))
	case record.StatusError, record.StatusConflict:
		if upd.LastError == "" {
			return nil, nil, fmt.Errorf("last error is required for status %s", status)
		}
		sets = append(sets, "last_error = ?")
		args = append(args, upd.LastError)
	default:
		return nil, nil, fmt.Errorf("%w: cannot move a record to %q", ErrIllegalTransition, status)
	}

	return sets, args, nil
}

// RecoverInterrupted moves records stranded in syncing back to error.
//
// A record stays in syncing only while an attempt is in flight; after a
// crash nothing would ever select it again. This should run once at startup
// before the first pass. Returns the number of recovered records.
//
// Returns ErrLeaseHeld without touching any record while a live pass lease
// exists: that pass's syncing records are in flight, not stranded.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin recover interrupted", err)
	}
	defer tx.Rollback()

	holder, expires, err := readLease(ctx, tx, PassLease)
	if err != nil {
		return 0, err
	}
	if holder != "" && time.Now().Before(expires) {
		return 0, fmt.Errorf("%w: %s", ErrLeaseHeld, holder)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE participations SET status = ?, last_error = ? WHERE status = ?`,
		string(record.StatusError), "sync interrupted", string(record.StatusSyncing),
	)
	if err != nil {
		return 0, storageErr("recover interrupted", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("recover interrupted", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit recover interrupted", err)
	}
	return int(n), nil
}

// Stats holds record counts per status.
// Total always equals the sum of the five status counts.
type Stats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Syncing  int `json:"syncing"`
	Synced   int `json:"synced"`
	Error    int `json:"error"`
	Conflict int `json:"conflict"`
}

// Backlog returns the number of records the next automatic pass will attempt.
func (st Stats) Backlog() int {
	return st.Pending + st.Error
}

// HasProblems reports whether any record failed its last attempt.
func (st Stats) HasProblems() bool {
	return st.Error > 0 || st.Conflict > 0
}

// Count returns the count for one status.
func (st Stats) Count(status record.Status) int {
	switch status {
	case record.StatusPending:
		return st.Pending
	case record.StatusSyncing:
		return st.Syncing
	case record.StatusSynced:
		return st.Synced
	case record.StatusError:
		return st.Error
	case record.StatusConflict:
		return st.Conflict
	default:
		return 0
	}
}

// AggregateCounts returns the number of records per status from a single snapshot.
func (s *Store) AggregateCounts(ctx context.Context) (Stats, error) {
	var st Stats

	rows, err := s.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM participations GROUP BY status`)
	if err != nil {
		return st, storageErr("aggregate counts", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, storageErr("aggregate counts", err)
		}
		switch record.Status(status) {
		case record.StatusPending:
			st.Pending = n
		case record.StatusSyncing:
			st.Syncing = n
		case record.StatusSynced:
			st.Synced = n
		case record.StatusError:
			st.Error = n
		case record.StatusConflict:
			st.Conflict = n
		default:
			return st, fmt.Errorf("unknown status %q in store", status)
		}
	}
	if err := rows.Err(); err != nil {
		return st, storageErr("aggregate counts", err)
	}

	st.Total = st.Pending + st.Syncing + st.Synced + st.Error + st.Conflict
	return st, nil
}

// Get retrieves a single record by local id, including its attachment.
func (s *Store) Get(ctx context.Context, localID string) (*record.Record, error) {
	query := `SELECT ` + recordColumns(true) + ` FROM participations WHERE local_id = ?`

	rows, err := s.conn.QueryContext(ctx, query, localID)
	if err != nil {
		return nil, storageErr("get", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows, true)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, localID)
	}
	return recs[0], nil
}

// Filter configures the List query.
type Filter struct {
	// Statuses restricts results to these statuses (empty = all)
	Statuses []record.Status
	// Since restricts results to records created at or after this time (zero = all)
	Since time.Time
	// Limit restricts the number of results (0 = no limit)
	Limit int
	// IncludeAttachment loads attachment bytes
	IncludeAttachment bool
}

// List retrieves records matching the filter in creation order.
func (s *Store) List(ctx context.Context, filter Filter) ([]*record.Record, error) {
	var conditions []string
	var args []interface{}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conditions = append(conditions, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	if !filter.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeFormat))
	}

	query := `SELECT ` + recordColumns(filter.IncludeAttachment) + ` FROM participations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	return scanRecords(rows, filter.IncludeAttachment)
}

func recordColumns(withAttachment bool) string {
	attachment := "NULL"
	if withAttachment {
		attachment = "attachment"
	}
	return `local_id, invoice_number, payload, ` + attachment + `,
	       status, last_error, server_id, created_at, synced_at`
}

// scanRecords is a helper function to scan multiple records from query results.
func scanRecords(rows *sql.Rows, withAttachment bool) ([]*record.Record, error) {
	var recs []*record.Record

	for rows.Next() {
		var rec record.Record
		var payload, status, createdAt string
		var attachment []byte
		var lastError, serverID, syncedAt sql.NullString

		err := rows.Scan(
			&rec.LocalID,
			&rec.InvoiceNumber,
			&payload,
			&attachment,
			&status,
			&lastError,
			&serverID,
			&createdAt,
			&syncedAt,
		)
		if err != nil {
			return nil, storageErr("scan record", err)
		}

		if err := json.Unmarshal([]byte(payload), &rec.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fields of %s: %w", rec.LocalID, err)
		}

		if t, err := time.Parse(timeFormat, createdAt); err == nil {
			rec.CreatedAt = t
		}

		rec.Status = record.Status(status)
		rec.LastError = lastError.String
		rec.ServerID = serverID.String
		rec.SyncedAt = nullStringToTime(syncedAt)
		if withAttachment && len(attachment) > 0 {
			rec.Attachment = attachment
		}

		recs = append(recs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate records", err)
	}

	return recs, nil
}

// nullBytes stores empty attachments as NULL.
func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(timeFormat, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
