package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tombolacan/tombola/internal/metrics"
	"github.com/tombolacan/tombola/internal/record"
	"github.com/tombolacan/tombola/internal/remote"
	"github.com/tombolacan/tombola/internal/store"
)

// ConflictMessage is recorded on records the remote store rejected as
// duplicates.
const ConflictMessage = "invoice already exists on server"

// Config holds orchestrator configuration.
type Config struct {
	// RecordDelay is the fixed pause between records within a pass
	// (default: 300ms)
	RecordDelay time.Duration

	// RemoteTimeout bounds each remote call (default: 15s)
	RemoteTimeout time.Duration

	// LeaseTTL is how long the pass lease outlives its last renewal. The
	// lease is renewed before every record, so it must exceed one record's
	// worst case (default: 2*RemoteTimeout + RecordDelay + 1m)
	LeaseTTL time.Duration

	// Logger for pass activity (default: disabled)
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RecordDelay:   300 * time.Millisecond,
		RemoteTimeout: 15 * time.Second,
		Logger:        zerolog.Nop(),
	}
}

// orchestrator implements the Orchestrator interface.
type orchestrator struct {
	store        Store
	gateway      remote.Gateway
	connectivity Connectivity
	notifier     Notifier

	// slot holds the in-process pass token; the store lease extends it to
	// other processes
	slot   *semaphore.Weighted
	holder string

	recordDelay   time.Duration
	remoteTimeout time.Duration
	leaseTTL      time.Duration
	logger        zerolog.Logger
	now           func() time.Time
}

// New creates an Orchestrator.
//
// notifier may be nil. If config is nil, DefaultConfig is used.
//
// Example:
//
//	st, err := store.OpenAndInit(ctx, "data/tombola.db")
//	if err != nil {
//	    return err
//	}
//	orch, err := sync.New(st, gateway, monitor, bus, nil)
func New(st Store, gateway remote.Gateway, connectivity Connectivity, notifier Notifier, config *Config) (Orchestrator, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if gateway == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if connectivity == nil {
		return nil, fmt.Errorf("connectivity cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}

	remoteTimeout := config.RemoteTimeout
	if remoteTimeout <= 0 {
		remoteTimeout = DefaultConfig().RemoteTimeout
	}
	recordDelay := config.RecordDelay
	if recordDelay < 0 {
		recordDelay = 0
	}
	leaseTTL := config.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 2*remoteTimeout + recordDelay + time.Minute
	}

	return &orchestrator{
		store:         st,
		gateway:       gateway,
		connectivity:  connectivity,
		notifier:      notifier,
		slot:          semaphore.NewWeighted(1),
		holder:        fmt.Sprintf("pass-%s", uuid.New().String()[:8]),
		recordDelay:   recordDelay,
		remoteTimeout: remoteTimeout,
		leaseTTL:      leaseTTL,
		logger:        config.Logger,
		now:           time.Now,
	}, nil
}

// RunPass implements Orchestrator.RunPass.
func (o *orchestrator) RunPass(ctx context.Context) (Result, error) {
	return o.RunPassWith(ctx, PassOptions{})
}

// Running implements Orchestrator.Running.
func (o *orchestrator) Running() bool {
	if o.slot.TryAcquire(1) {
		o.slot.Release(1)
		return false
	}
	return true
}

// RunPassWith implements Orchestrator.RunPassWith.
func (o *orchestrator) RunPassWith(ctx context.Context, opts PassOptions) (Result, error) {
	if !o.slot.TryAcquire(1) {
		o.logger.Debug().Msg("sync pass already running, request dropped")
		metrics.RecordPass(metrics.PassBusy, 0)
		return Result{Skipped: SkipBusy}, nil
	}
	defer o.slot.Release(1)

	if !o.connectivity.Online() {
		o.logger.Debug().Msg("offline, skipping sync pass")
		metrics.RecordPass(metrics.PassOffline, 0)
		return Result{Skipped: SkipOffline}, nil
	}

	// The pass finishes what it started regardless of the caller
	ctx = context.WithoutCancel(ctx)
	start := time.Now()

	claimed, err := o.store.TryClaimLease(ctx, store.PassLease, o.holder, o.leaseTTL)
	if err != nil {
		metrics.RecordPass(metrics.PassFailed, 0)
		return Result{}, fmt.Errorf("failed to claim pass lease: %w", err)
	}
	if !claimed {
		o.logger.Debug().Msg("sync pass running in another process, request dropped")
		metrics.RecordPass(metrics.PassBusy, 0)
		return Result{Skipped: SkipBusy}, nil
	}
	defer func() {
		if err := o.store.ReleaseLease(ctx, store.PassLease, o.holder); err != nil {
			o.logger.Warn().Err(err).Msg("failed to release pass lease")
		}
	}()

	candidates, err := o.store.ListSyncable(ctx, opts.IncludeConflicts)
	if err != nil {
		metrics.RecordPass(metrics.PassFailed, 0)
		return Result{}, fmt.Errorf("failed to list syncable records: %w", err)
	}
	if len(candidates) == 0 {
		metrics.RecordPass(metrics.PassCompleted, time.Since(start))
		return Result{}, nil
	}

	o.logger.Info().
		Int("candidates", len(candidates)).
		Bool("include_conflicts", opts.IncludeConflicts).
		Msg("sync pass started")

	var res Result
	for i, rec := range candidates {
		if i > 0 {
			if o.recordDelay > 0 {
				time.Sleep(o.recordDelay)
			}
			if !o.renewLease(ctx) {
				break
			}
		}

		switch o.syncRecord(ctx, rec) {
		case attemptSynced:
			res.Synced++
		case attemptFailed:
			res.Failed++
		}
	}

	duration := time.Since(start)
	metrics.RecordPass(metrics.PassCompleted, duration)

	o.logger.Info().
		Int("synced", res.Synced).
		Int("failed", res.Failed).
		Dur("duration", duration).
		Msg("sync pass completed")

	return res, nil
}

// attempt is the outcome of one record within a pass.
type attempt int

const (
	attemptSynced attempt = iota
	attemptFailed
	// attemptSkipped means the record left the syncable set before this
	// pass could claim it.
	attemptSkipped
)

// renewLease extends the pass lease and reports whether the pass still
// owns it.
func (o *orchestrator) renewLease(ctx context.Context) bool {
	claimed, err := o.store.TryClaimLease(ctx, store.PassLease, o.holder, o.leaseTTL)
	if err != nil {
		o.logger.Error().Err(err).Msg("failed to renew pass lease, ending pass early")
		return false
	}
	if !claimed {
		o.logger.Warn().Msg("pass lease lost, ending pass early")
		return false
	}
	return true
}

// syncRecord runs one record through Syncing to its outcome status.
func (o *orchestrator) syncRecord(ctx context.Context, rec *record.Record) attempt {
	log := o.logger.With().
		Str("local_id", rec.LocalID).
		Str("invoice", rec.InvoiceNumber).
		Logger()

	if err := o.mark(ctx, rec, record.StatusSyncing, store.Update{}); err != nil {
		if errors.Is(err, store.ErrIllegalTransition) || errors.Is(err, store.ErrNotFound) {
			log.Debug().Err(err).Msg("record changed since listing, skipped")
			metrics.RecordOutcome(metrics.OutcomeSkipped)
			return attemptSkipped
		}
		return attemptFailed
	}

	serverID, err := o.insert(ctx, rec)
	if err != nil {
		switch remote.Classify(err) {
		case remote.KindDuplicate:
			log.Warn().Err(err).Msg("remote rejected duplicate invoice")
			metrics.RecordOutcome(metrics.OutcomeConflict)
			_ = o.mark(ctx, rec, record.StatusConflict, store.Update{LastError: ConflictMessage})
		default:
			log.Warn().Err(err).Msg("remote insert failed")
			metrics.RecordOutcome(metrics.OutcomeError)
			_ = o.mark(ctx, rec, record.StatusError, store.Update{LastError: err.Error()})
		}
		return attemptFailed
	}

	if rec.HasAttachment() {
		o.uploadAttachment(ctx, rec, log)
	}

	if err := o.mark(ctx, rec, record.StatusSynced, store.Update{ServerID: serverID, SyncedAt: o.now().UTC()}); err != nil {
		return attemptFailed
	}

	log.Info().Str("server_id", serverID).Msg("record synced")
	metrics.RecordOutcome(metrics.OutcomeSynced)
	return attemptSynced
}

func (o *orchestrator) insert(ctx context.Context, rec *record.Record) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.remoteTimeout)
	defer cancel()
	return o.gateway.InsertRecord(callCtx, rec)
}

// uploadAttachment is best-effort: failures are logged and never change
// the record's status.
func (o *orchestrator) uploadAttachment(ctx context.Context, rec *record.Record, log zerolog.Logger) {
	callCtx, cancel := context.WithTimeout(ctx, o.remoteTimeout)
	defer cancel()

	path, err := o.gateway.UploadAttachment(callCtx, rec.Fields.SiteID, rec.LocalID, rec.Attachment)
	if err != nil {
		log.Warn().Err(err).Msg("attachment upload failed")
		metrics.RecordAttachmentUpload(false)
		return
	}
	log.Debug().Str("path", path).Msg("attachment uploaded")
	metrics.RecordAttachmentUpload(true)
}

// mark applies a status change and notifies observers. A failed update is
// logged and returned; the pass moves on to the next record.
func (o *orchestrator) mark(ctx context.Context, rec *record.Record, status record.Status, upd store.Update) error {
	if err := o.store.UpdateStatus(ctx, rec.LocalID, status, upd); err != nil {
		lost := errors.Is(err, store.ErrIllegalTransition) || errors.Is(err, store.ErrNotFound)
		if lost && status == record.StatusSyncing {
			return err
		}

		event := o.logger.Error()
		if lost {
			event = o.logger.Warn()
		}
		event.Err(err).
			Str("local_id", rec.LocalID).
			Str("status", string(status)).
			Msg("failed to update record status")
		metrics.RecordOutcome(metrics.OutcomeStorage)
		return err
	}

	rec.Status = status
	if o.notifier != nil {
		o.notifier.Notify()
	}
	return nil
}
