package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PassLease is the lease a sync pass holds for its whole run. Every process
// opening the same database file competes for it.
const PassLease = "sync_pass"

// ErrLeaseHeld means another holder owns a live lease.
var ErrLeaseHeld = errors.New("lease held by another holder")

// TryClaimLease claims the named lease for holder until now+ttl.
//
// A holder that already owns a live lease extends it. An expired lease is
// taken over, so a holder that crashed blocks others for at most ttl.
//
// Returns:
//   - (true, nil): lease claimed or extended
//   - (false, nil): another holder owns a live lease
//   - (false, error): database error
func (s *Store) TryClaimLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if holder == "" {
		return false, fmt.Errorf("lease holder cannot be empty")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("lease ttl must be positive (got %s)", ttl)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, storageErr("begin claim lease", err)
	}
	defer tx.Rollback()

	now := time.Now()
	current, expires, err := readLease(ctx, tx, name)
	if err != nil {
		return false, err
	}
	if current != "" && current != holder && now.Before(expires) {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
	ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
	`, name, holder, now.Add(ttl).UTC().Format(timeFormat))
	if err != nil {
		return false, storageErr("claim lease", err)
	}

	if err := tx.Commit(); err != nil {
		return false, storageErr("commit claim lease", err)
	}
	return true, nil
}

// ReleaseLease drops the named lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return storageErr("release lease", err)
	}
	return nil
}

// readLease returns the holder and expiry of the named lease; an empty
// holder means no row.
func readLease(ctx context.Context, tx *sql.Tx, name string) (string, time.Time, error) {
	var holder, expiresAt string
	err := tx.QueryRowContext(ctx,
		`SELECT holder, expires_at FROM leases WHERE name = ?`, name,
	).Scan(&holder, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, storageErr("read lease", err)
	}

	expires, err := time.Parse(timeFormat, expiresAt)
	if err != nil {
		// Unreadable expiry counts as expired
		return holder, time.Time{}, nil
	}
	return holder, expires, nil
}
