package daemon

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tombolacan/tombola/internal/store"
	"github.com/tombolacan/tombola/internal/sync"
)

// fakeOrchestrator counts passes and optionally blocks them.
type fakeOrchestrator struct {
	passes    atomic.Int32
	explicit  atomic.Int32
	conflicts atomic.Bool
	release   chan struct{}
	running   atomic.Bool
}

func (f *fakeOrchestrator) RunPass(ctx context.Context) (sync.Result, error) {
	return f.RunPassWith(ctx, sync.PassOptions{})
}

func (f *fakeOrchestrator) RunPassWith(ctx context.Context, opts sync.PassOptions) (sync.Result, error) {
	f.running.Store(true)
	defer f.running.Store(false)

	f.passes.Add(1)
	if opts.IncludeConflicts {
		f.explicit.Add(1)
		f.conflicts.Store(true)
	}
	if f.release != nil {
		<-f.release
	}
	return sync.Result{Synced: 1}, nil
}

func (f *fakeOrchestrator) Running() bool { return f.running.Load() }

type fakeRecoverer struct {
	calls atomic.Int32
	err   error
}

func (r *fakeRecoverer) RecoverInterrupted(ctx context.Context) (int, error) {
	r.calls.Add(1)
	return 2, r.err
}

// startDaemon runs d.Start in the background and stops it on cleanup.
func startDaemon(t *testing.T, d *Daemon) {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- d.Start(context.Background()) }()

	waitFor(t, d.Running, "daemon to start")
	t.Cleanup(func() {
		if err := d.Stop(); err != nil {
			t.Errorf("Stop() failed: %v", err)
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Start() did not return after Stop()")
		}
	})
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewWithConfig_Validation(t *testing.T) {
	orch := &fakeOrchestrator{}
	mon := NewStaticMonitor(true)

	tests := []struct {
		name    string
		orch    sync.Orchestrator
		monitor Monitor
		config  *Config
	}{
		{"nil orchestrator", nil, mon, nil},
		{"nil monitor", orch, nil, nil},
		{"zero interval", orch, mon, &Config{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewWithConfig(tt.orch, tt.monitor, nil, tt.config); err == nil {
				t.Error("NewWithConfig() succeeded, want error")
			}
		})
	}

	if _, err := New(orch, mon, nil); err != nil {
		t.Errorf("New() failed: %v", err)
	}
}

func TestDaemon_StartupPassWhenOnline(t *testing.T) {
	orch := &fakeOrchestrator{}
	rec := &fakeRecoverer{}

	d, err := NewWithConfig(orch, NewStaticMonitor(true), rec, &Config{SyncInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)

	waitFor(t, func() bool { return orch.passes.Load() == 1 }, "startup pass")
	if rec.calls.Load() != 1 {
		t.Errorf("RecoverInterrupted called %d times, want 1", rec.calls.Load())
	}
	if orch.conflicts.Load() {
		t.Error("automatic pass included conflicts")
	}
}

func TestDaemon_ProberStartRunsSinglePass(t *testing.T) {
	orch := &fakeOrchestrator{}
	prober, err := NewProber(func(ctx context.Context) error { return nil }, nil)
	if err != nil {
		t.Fatalf("NewProber() failed: %v", err)
	}

	var mu gosync.Mutex
	var reasons []string
	cfg := &Config{
		SyncInterval: time.Hour,
		OnPass: func(reason string, res sync.Result, err error) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	}

	d, err := NewWithConfig(orch, prober, nil, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)

	waitFor(t, func() bool { return orch.passes.Load() == 1 }, "startup pass")
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != TriggerStartup {
		t.Errorf("passes triggered by %v, want [%s]", reasons, TriggerStartup)
	}
}

func TestDaemon_NoStartupPassWhenOffline(t *testing.T) {
	orch := &fakeOrchestrator{}

	d, err := NewWithConfig(orch, NewStaticMonitor(false), nil, &Config{SyncInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)

	time.Sleep(50 * time.Millisecond)
	if n := orch.passes.Load(); n != 0 {
		t.Errorf("passes = %d while offline, want 0", n)
	}
}

func TestDaemon_ReconnectTriggersPass(t *testing.T) {
	orch := &fakeOrchestrator{}
	mon := NewStaticMonitor(false)

	d, err := NewWithConfig(orch, mon, nil, &Config{SyncInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)

	mon.Set(true)
	waitFor(t, func() bool { return orch.passes.Load() == 1 }, "reconnect pass")

	// online -> offline does not trigger
	mon.Set(false)
	time.Sleep(50 * time.Millisecond)
	if n := orch.passes.Load(); n != 1 {
		t.Errorf("passes = %d after going offline, want 1", n)
	}
}

func TestDaemon_IntervalTriggersWhileOnline(t *testing.T) {
	orch := &fakeOrchestrator{}
	mon := NewStaticMonitor(false)

	var mu gosync.Mutex
	var reasons []string
	cfg := &Config{
		SyncInterval: 20 * time.Millisecond,
		OnPass: func(reason string, res sync.Result, err error) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	}

	d, err := NewWithConfig(orch, mon, nil, cfg)
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)

	time.Sleep(70 * time.Millisecond)
	if n := orch.passes.Load(); n != 0 {
		t.Fatalf("passes = %d while offline, want 0", n)
	}

	mon.Set(true)
	waitFor(t, func() bool { return orch.passes.Load() >= 3 }, "interval passes")

	mu.Lock()
	defer mu.Unlock()
	sawInterval := false
	for _, r := range reasons {
		if r == TriggerInterval {
			sawInterval = true
		}
	}
	if !sawInterval {
		t.Errorf("no interval-triggered pass in %v", reasons)
	}
}

func TestDaemon_StopWaitsForInFlightPass(t *testing.T) {
	orch := &fakeOrchestrator{release: make(chan struct{})}

	d, err := NewWithConfig(orch, NewStaticMonitor(true), nil, &Config{SyncInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Start(context.Background()) }()
	waitFor(t, orch.Running, "pass to start")

	stopped := make(chan struct{})
	go func() {
		_ = d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop() returned while a pass was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(orch.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return after the pass finished")
	}
	<-done

	if d.Running() {
		t.Error("Running() = true after Stop()")
	}
}

func TestDaemon_SyncNowIncludesConflicts(t *testing.T) {
	orch := &fakeOrchestrator{}
	d, err := New(orch, NewStaticMonitor(true), nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	res, err := d.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if res.Synced != 1 {
		t.Errorf("SyncNow() = %+v", res)
	}
	if orch.explicit.Load() != 1 {
		t.Error("SyncNow() did not include conflicts")
	}
}

func TestDaemon_ContextCancelStops(t *testing.T) {
	orch := &fakeOrchestrator{}
	d, err := NewWithConfig(orch, NewStaticMonitor(false), nil, &Config{SyncInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	waitFor(t, d.Running, "daemon to start")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}

	// Stop is idempotent
	if err := d.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

func TestDaemon_RecoverFailureIsNotFatal(t *testing.T) {
	orch := &fakeOrchestrator{}
	rec := &fakeRecoverer{err: errors.New("disk I/O error")}

	d, err := NewWithConfig(orch, NewStaticMonitor(true), rec, &Config{SyncInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)

	waitFor(t, func() bool { return orch.passes.Load() == 1 }, "startup pass")
}

func TestDaemon_RecoveryDefersToActivePass(t *testing.T) {
	orch := &fakeOrchestrator{}
	rec := &fakeRecoverer{err: fmt.Errorf("%w: pass-1a2b", store.ErrLeaseHeld)}

	d, err := NewWithConfig(orch, NewStaticMonitor(true), rec, &Config{SyncInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	startDaemon(t, d)

	waitFor(t, func() bool { return orch.passes.Load() == 1 }, "startup pass")
	if rec.calls.Load() != 1 {
		t.Errorf("RecoverInterrupted called %d times, want 1", rec.calls.Load())
	}
}

func TestService_Serve(t *testing.T) {
	orch := &fakeOrchestrator{}
	d, err := NewWithConfig(orch, NewStaticMonitor(true), nil, &Config{SyncInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewWithConfig() failed: %v", err)
	}
	svc := NewService(d)
	if svc.String() != "sync-daemon" {
		t.Errorf("String() = %q", svc.String())
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	waitFor(t, func() bool { return orch.passes.Load() == 1 }, "startup pass")
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return")
	}
}
