package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tombolacan/tombola/internal/record"
)

// openPair opens two stores on one database file, the way two processes
// would.
func openPair(t *testing.T) (*Store, *Store) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "shared.db")
	a, err := OpenAndInit(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to open first store: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	b, err := OpenAndInit(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to open second store: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return a, b
}

func mustClaim(t *testing.T, st *Store, holder string, ttl time.Duration) bool {
	t.Helper()
	ok, err := st.TryClaimLease(context.Background(), PassLease, holder, ttl)
	if err != nil {
		t.Fatalf("TryClaimLease(%s) failed: %v", holder, err)
	}
	return ok
}

func TestTryClaimLease_ExclusiveAcrossHandles(t *testing.T) {
	a, b := openPair(t)

	if !mustClaim(t, a, "daemon", time.Minute) {
		t.Fatal("first claim denied")
	}
	if mustClaim(t, b, "cli", time.Minute) {
		t.Error("second holder claimed a live lease")
	}

	// the owner may extend
	if !mustClaim(t, a, "daemon", time.Minute) {
		t.Error("owner could not extend its lease")
	}

	if err := a.ReleaseLease(context.Background(), PassLease, "daemon"); err != nil {
		t.Fatalf("ReleaseLease() failed: %v", err)
	}
	if !mustClaim(t, b, "cli", time.Minute) {
		t.Error("claim denied after release")
	}
}

func TestTryClaimLease_ExpiredLeaseTakenOver(t *testing.T) {
	a, b := openPair(t)

	if !mustClaim(t, a, "crashed", 20*time.Millisecond) {
		t.Fatal("first claim denied")
	}
	time.Sleep(50 * time.Millisecond)

	if !mustClaim(t, b, "cli", time.Minute) {
		t.Error("expired lease not taken over")
	}
}

func TestReleaseLease_OnlyOwner(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	mustClaim(t, st, "daemon", time.Minute)
	if err := st.ReleaseLease(ctx, PassLease, "cli"); err != nil {
		t.Fatalf("ReleaseLease() failed: %v", err)
	}
	if mustClaim(t, st, "cli", time.Minute) {
		t.Error("non-owner release dropped the lease")
	}
}

func TestTryClaimLease_InvalidArgs(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	if _, err := st.TryClaimLease(ctx, PassLease, "", time.Minute); err == nil {
		t.Error("empty holder accepted")
	}
	if _, err := st.TryClaimLease(ctx, PassLease, "daemon", 0); err == nil {
		t.Error("zero ttl accepted")
	}
}

func TestRecoverInterrupted_RespectsLiveLease(t *testing.T) {
	a, b := openPair(t)
	ctx := context.Background()

	inFlight := newTestRecord(t, "INV-1", time.Time{})
	mustCreate(t, a, inFlight)
	mustClaim(t, a, "cli", time.Minute)
	moveTo(t, a, inFlight.LocalID, record.StatusSyncing)

	n, err := b.RecoverInterrupted(ctx)
	if !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("RecoverInterrupted() = %d, %v; want ErrLeaseHeld", n, err)
	}
	if got := mustGet(t, b, inFlight.LocalID); got.Status != record.StatusSyncing {
		t.Errorf("in-flight record status = %s, want syncing", got.Status)
	}

	if err := a.ReleaseLease(ctx, PassLease, "cli"); err != nil {
		t.Fatalf("ReleaseLease() failed: %v", err)
	}
	n, err = b.RecoverInterrupted(ctx)
	if err != nil {
		t.Fatalf("RecoverInterrupted() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered %d records, want 1", n)
	}
}
