package daemon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Monitor reports the host's connectivity state.
//
// Changes emits the new state on every transition. Only the latest state
// is buffered: a slow reader sees the most recent transition, never a
// stale one.
type Monitor interface {
	Online() bool
	Changes() <-chan bool
	Start(ctx context.Context) error
	Stop() error
}

// state is the shared online flag and transition channel.
type state struct {
	mu      sync.RWMutex
	online  bool
	changes chan bool
}

func newState(online bool) *state {
	return &state{online: online, changes: make(chan bool, 1)}
}

// Online reports the last observed state.
func (s *state) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Changes returns the transition channel.
func (s *state) Changes() <-chan bool {
	return s.changes
}

// set records v and reports whether it was a transition.
func (s *state) set(v bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.online == v {
		return false
	}
	s.online = v

	// Replace any unread transition with the latest one
	select {
	case <-s.changes:
	default:
	}
	s.changes <- v
	return true
}

// reset records v as the baseline without emitting a transition and drops
// any transition still unread.
func (s *state) reset(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.online = v
	select {
	case <-s.changes:
	default:
	}
}

// StaticMonitor is a connectivity flag set by hand.
type StaticMonitor struct {
	*state
}

// NewStaticMonitor creates a monitor with a fixed initial state.
func NewStaticMonitor(online bool) *StaticMonitor {
	return &StaticMonitor{state: newState(online)}
}

// Set changes the state, emitting a transition if it differs.
func (m *StaticMonitor) Set(online bool) {
	m.set(online)
}

func (m *StaticMonitor) Start(ctx context.Context) error { return nil }
func (m *StaticMonitor) Stop() error                     { return nil }

// CheckFunc probes the remote end. A nil error means online.
type CheckFunc func(ctx context.Context) error

// ProberConfig holds prober configuration.
type ProberConfig struct {
	// Interval between probes (default: 10s)
	Interval time.Duration

	// Timeout for a single probe (default: 5s)
	Timeout time.Duration

	// Logger for state changes (default: disabled)
	Logger zerolog.Logger
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() *ProberConfig {
	return &ProberConfig{
		Interval: 10 * time.Second,
		Timeout:  5 * time.Second,
		Logger:   zerolog.Nop(),
	}
}

// Prober derives connectivity from a periodic health check.
type Prober struct {
	*state
	check  CheckFunc
	config *ProberConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewProber creates a prober. The initial state is offline until the first
// probe succeeds.
func NewProber(check CheckFunc, config *ProberConfig) (*Prober, error) {
	if check == nil {
		return nil, fmt.Errorf("check cannot be nil")
	}
	if config == nil {
		config = DefaultProberConfig()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultProberConfig().Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultProberConfig().Timeout
	}
	return &Prober{state: newState(false), check: check, config: config}, nil
}

// Start runs one probe synchronously, then keeps probing in the background.
// The first probe sets the baseline state and emits no transition.
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("prober already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	probeCtx, probeCancel := context.WithTimeout(ctx, p.config.Timeout)
	err := p.check(probeCtx)
	probeCancel()
	p.reset(err == nil)
	p.config.Logger.Info().Bool("online", err == nil).Msg("initial connectivity")

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop halts probing and waits for the probe loop to exit.
func (p *Prober) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	err := p.check(probeCtx)
	cancel()

	// A probe cut short by shutdown says nothing about connectivity
	if ctx.Err() != nil {
		return
	}

	if p.set(err == nil) {
		event := p.config.Logger.Info()
		if err != nil {
			event = event.Err(err)
		}
		event.Bool("online", err == nil).Msg("connectivity changed")
	}
}

// FileSignal derives connectivity from a file the host writes: the content
// "online" means online, anything else or a missing file means offline.
type FileSignal struct {
	*state
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileSignal creates a monitor for the signal file at path.
func NewFileSignal(path string, logger zerolog.Logger) (*FileSignal, error) {
	if path == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve signal path: %w", err)
	}
	return &FileSignal{state: newState(false), path: abs, logger: logger}, nil
}

// Start reads the current signal as the baseline state and watches its
// directory for changes. The directory must exist; the file itself may come
// and go.
func (f *FileSignal) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return fmt.Errorf("file signal already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory so creates and atomic renames are seen
	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	f.watcher = watcher
	f.done = make(chan struct{})
	f.running = true

	online, err := readSignal(f.path)
	if err != nil {
		f.logger.Warn().Err(err).Str("path", f.path).Msg("failed to read connectivity signal")
	}
	f.reset(online)

	f.wg.Add(1)
	go f.processEvents(ctx, watcher)
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (f *FileSignal) Stop() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	close(f.done)
	watcher := f.watcher
	f.mu.Unlock()

	// Close the underlying watcher (this will unblock the event loop)
	err := watcher.Close()
	f.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (f *FileSignal) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer f.wg.Done()

	for {
		select {
		case <-f.done:
			return
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			// Ignore chmod-only events
			if event.Op == fsnotify.Chmod {
				continue
			}
			f.refresh()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.logger.Warn().Err(err).Str("path", f.path).Msg("signal watcher error")
		}
	}
}

// refresh re-reads the signal file.
func (f *FileSignal) refresh() {
	online, err := readSignal(f.path)
	if err != nil {
		f.logger.Warn().Err(err).Str("path", f.path).Msg("failed to read connectivity signal")
	}
	if f.set(online) {
		f.logger.Info().Bool("online", online).Msg("connectivity changed")
	}
}

func readSignal(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.EqualFold(bytes.TrimSpace(data), []byte("online")), nil
}
