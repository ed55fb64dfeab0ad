// Package sync reconciles the local participation queue with the remote store.
//
// Overview
//
// A sync pass reads the syncable records from the local store, oldest first,
// and pushes them to the remote gateway one at a time. Every record goes
// through the status state machine:
//
//	pending ──┐
//	error ────┼──→ syncing ──→ synced    (terminal)
//	conflict ─┘           ├──→ error     (retryable)
//	                      └──→ conflict  (duplicate invoice on server)
//
// Passes
//
//   - At most one pass runs at a time, across every process that opens
//     the same database: a pass holds the store's pass lease, renewed
//     before each record. A concurrent request returns immediately with
//     zero counts (SkipBusy).
//   - A record another writer moved after listing is skipped, not counted
//     as failed.
//   - A pass started while offline is a no-op (SkipOffline).
//   - Records are processed strictly sequentially with a fixed pause
//     between them.
//   - A pass is not transactional. If the process dies mid-pass, records
//     already handled keep their new status and the next pass re-reads the
//     store.
//
// Attachments
//
// After a successful insert the record's attachment is uploaded. The upload
// is best-effort: a failure is logged and the record still becomes synced,
// at which point the local attachment is dropped.
//
// Usage
//
//	st, err := store.OpenAndInit(ctx, "data/tombola.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	orch, err := sync.New(st, gateway, monitor, bus, nil)
//	if err != nil {
//	    return err
//	}
//
//	res, err := orch.RunPass(ctx)
package sync
