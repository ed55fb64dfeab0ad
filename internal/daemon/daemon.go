// Package daemon provides the trigger layer that decides when sync passes run.
//
// The daemon:
// 1. Recovers records stranded in syncing by a previous crash
// 2. Runs a pass at startup if online
// 3. Runs a pass whenever connectivity goes from offline to online
// 4. Runs a pass on every tick of the sync interval while online
// 5. Handles graceful shutdown, waiting for in-flight passes
package daemon

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tombolacan/tombola/internal/store"
	"github.com/tombolacan/tombola/internal/sync"
)

// Trigger reasons.
const (
	TriggerStartup   = "startup"
	TriggerReconnect = "reconnect"
	TriggerInterval  = "interval"
	TriggerManual    = "manual"
)

// Recoverer resets records stranded in the syncing status.
type Recoverer interface {
	RecoverInterrupted(ctx context.Context) (int, error)
}

// PassFunc observes the outcome of every pass the daemon runs.
type PassFunc func(reason string, res sync.Result, err error)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often to run a pass while online (default: 30s)
	SyncInterval time.Duration

	// OnPass is called after every pass, including skipped ones (optional)
	OnPass PassFunc

	// Logger for daemon activity (default: disabled)
	Logger zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 30 * time.Second,
		Logger:       zerolog.Nop(),
	}
}

// Daemon owns the periodic sync timer and the connectivity subscription.
// Its lifetime is bound to Start and Stop; it may be started again after
// it stops.
type Daemon struct {
	orch      sync.Orchestrator
	monitor   Monitor
	recoverer Recoverer
	config    *Config

	mu      gosync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      gosync.WaitGroup
}

// New creates a new Daemon instance.
//
// The daemon requires:
//   - orch: the sync orchestrator passes are delegated to
//   - monitor: the connectivity source
//   - recoverer: resets interrupted records at startup (may be nil)
//
// Use Start() to begin triggering passes.
func New(orch sync.Orchestrator, monitor Monitor, recoverer Recoverer) (*Daemon, error) {
	return NewWithConfig(orch, monitor, recoverer, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(orch sync.Orchestrator, monitor Monitor, recoverer Recoverer, config *Config) (*Daemon, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.SyncInterval <= 0 {
		return nil, fmt.Errorf("sync interval must be positive")
	}

	return &Daemon{
		orch:      orch,
		monitor:   monitor,
		recoverer: recoverer,
		config:    config,
	}, nil
}

// Start begins the daemon's operation.
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.running = true
	runCtx := d.ctx

	// Start background goroutines
	d.wg.Add(2)
	go d.watchConnectivity(runCtx)
	go d.runTimer(runCtx)
	d.mu.Unlock()

	log := d.config.Logger
	log.Info().Dur("interval", d.config.SyncInterval).Msg("starting daemon")

	if d.recoverer != nil {
		n, err := d.recoverer.RecoverInterrupted(ctx)
		switch {
		case errors.Is(err, store.ErrLeaseHeld):
			log.Info().Err(err).Msg("sync pass active in another process, recovery skipped")
		case err != nil:
			log.Error().Err(err).Msg("failed to recover interrupted records")
		case n > 0:
			log.Warn().Int("records", n).Msg("recovered records interrupted mid-sync")
		}
	}

	if err := d.monitor.Start(runCtx); err != nil {
		_ = d.Stop()
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}

	if d.monitor.Online() {
		d.trigger(TriggerStartup)
	}

	// Wait for shutdown
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		return d.Stop()
	case <-runCtx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. Passes already in flight finish
// before Stop returns.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.config.Logger.Info().Msg("stopping daemon")

	var stopErr error
	if err := d.monitor.Stop(); err != nil {
		stopErr = fmt.Errorf("failed to stop connectivity monitor: %w", err)
	}

	// Wait for goroutines and in-flight passes
	d.wg.Wait()

	d.config.Logger.Info().Msg("daemon stopped")
	return stopErr
}

// Running reports whether the daemon is started.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// SyncNow runs an explicit pass and waits for it. Unlike automatic passes
// it also retries records in the conflict status.
func (d *Daemon) SyncNow(ctx context.Context) (sync.Result, error) {
	res, err := d.orch.RunPassWith(ctx, sync.PassOptions{IncludeConflicts: true})
	d.report(TriggerManual, res, err)
	return res, err
}

// trigger starts an automatic pass without waiting for it.
func (d *Daemon) trigger(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}

	ctx := d.ctx
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		res, err := d.orch.RunPass(ctx)
		d.report(reason, res, err)
	}()
}

func (d *Daemon) report(reason string, res sync.Result, err error) {
	log := d.config.Logger
	switch {
	case err != nil:
		log.Error().Err(err).Str("trigger", reason).Msg("sync pass failed")
	case res.Skipped != sync.SkipNone:
		log.Debug().Str("trigger", reason).Str("skipped", string(res.Skipped)).Msg("sync pass skipped")
	case res.Synced+res.Failed > 0:
		log.Info().Str("trigger", reason).Int("synced", res.Synced).Int("failed", res.Failed).Msg("sync pass finished")
	}

	if d.config.OnPass != nil {
		d.config.OnPass(reason, res, err)
	}
}

// watchConnectivity triggers a pass on every offline to online transition.
func (d *Daemon) watchConnectivity(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case online := <-d.monitor.Changes():
			d.config.Logger.Info().Bool("online", online).Msg("connectivity changed")
			if online {
				d.trigger(TriggerReconnect)
			}
		}
	}
}

// runTimer triggers a pass on every tick while online.
func (d *Daemon) runTimer(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if d.monitor.Online() {
				d.trigger(TriggerInterval)
			}
		}
	}
}
