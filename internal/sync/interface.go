package sync

import (
	"context"
	"time"

	"github.com/tombolacan/tombola/internal/record"
	"github.com/tombolacan/tombola/internal/store"
)

// Orchestrator reconciles the local queue with the remote store.
//
// At most one pass runs at a time across every process sharing the store:
// a pass holds the store's pass lease for its whole run. A pass requested
// while another is active is dropped, not queued: it returns immediately
// with zero counts and Skipped set to SkipBusy.
type Orchestrator interface {
	// RunPass processes pending and error records.
	//
	// Once started, a pass runs to completion even if ctx is canceled;
	// each remote call is bounded by the configured timeout instead.
	//
	// Returns an error only if the candidate list cannot be read. Per-record
	// failures are counted in Result.Failed and recorded on the record.
	//
	// Example:
	//   res, err := orch.RunPass(ctx)
	//   fmt.Printf("synced %d, failed %d\n", res.Synced, res.Failed)
	RunPass(ctx context.Context) (Result, error)

	// RunPassWith runs a pass with explicit options, e.g. to retry
	// conflict records on an operator's request.
	RunPassWith(ctx context.Context, opts PassOptions) (Result, error)

	// Running reports whether a pass is in progress in this process.
	Running() bool
}

// Store is the subset of the local store a pass needs.
type Store interface {
	ListSyncable(ctx context.Context, includeConflicts bool) ([]*record.Record, error)
	UpdateStatus(ctx context.Context, localID string, status record.Status, upd store.Update) error
	TryClaimLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Connectivity reports the current online state.
type Connectivity interface {
	Online() bool
}

// Notifier is told about every record mutation.
type Notifier interface {
	Notify()
}

// SkipReason explains why a pass did no work.
type SkipReason string

const (
	// SkipNone means the pass ran.
	SkipNone SkipReason = ""
	// SkipBusy means another pass was already running.
	SkipBusy SkipReason = "busy"
	// SkipOffline means connectivity was down at pass start.
	SkipOffline SkipReason = "offline"
)

// Result summarizes one pass.
type Result struct {
	Synced  int        `json:"synced"`
	Failed  int        `json:"failed"`
	Skipped SkipReason `json:"skipped,omitempty"`
}

// PassOptions adjusts candidate selection for a single pass.
type PassOptions struct {
	// IncludeConflicts also retries records in the conflict status.
	IncludeConflicts bool
}
