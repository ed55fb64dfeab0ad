package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tombolacan/tombola/internal/observer"
	"github.com/tombolacan/tombola/internal/record"
	"github.com/tombolacan/tombola/internal/remote"
	"github.com/tombolacan/tombola/internal/store"
)

// fakeGateway is a scriptable remote.Gateway.
type fakeGateway struct {
	mu gosync.Mutex

	insertErr  map[string]error // by invoice number
	uploadErr  error
	nextID     int
	inserted   []string
	uploaded   []string
	uploadKeys []string

	// block, when set, holds InsertRecord until closed
	block   chan struct{}
	entered chan struct{}
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{insertErr: make(map[string]error), nextID: 41}
}

func (g *fakeGateway) InsertRecord(ctx context.Context, rec *record.Record) (string, error) {
	if g.entered != nil {
		select {
		case g.entered <- struct{}{}:
		default:
		}
	}
	if g.block != nil {
		<-g.block
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.insertErr[rec.InvoiceNumber]; err != nil {
		return "", err
	}
	g.nextID++
	g.inserted = append(g.inserted, rec.InvoiceNumber)
	return fmt.Sprint(g.nextID), nil
}

func (g *fakeGateway) UploadAttachment(ctx context.Context, ownerKey, recordKey string, data []byte) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.uploadKeys = append(g.uploadKeys, ownerKey+"/"+recordKey)
	if g.uploadErr != nil {
		return "", g.uploadErr
	}
	g.uploaded = append(g.uploaded, recordKey)
	return ownerKey + "/" + recordKey + ".jpg", nil
}

func (g *fakeGateway) ExistsByInvoice(ctx context.Context, invoice string) (bool, error) {
	return false, nil
}

// staticConnectivity is a settable online flag.
type staticConnectivity struct{ online atomic.Bool }

func online() *staticConnectivity {
	c := &staticConnectivity{}
	c.online.Store(true)
	return c
}

func (c *staticConnectivity) Online() bool { return c.online.Load() }

// historyStore records every successful status change per record.
type historyStore struct {
	*store.Store

	mu      gosync.Mutex
	history map[string][]record.Status
}

func (h *historyStore) UpdateStatus(ctx context.Context, localID string, status record.Status, upd store.Update) error {
	if err := h.Store.UpdateStatus(ctx, localID, status, upd); err != nil {
		return err
	}
	h.mu.Lock()
	h.history[localID] = append(h.history[localID], status)
	h.mu.Unlock()
	return nil
}

// historyPattern is the only legal shape of a record's status history.
var historyPattern = regexp.MustCompile(`^pending( syncing( synced| error| conflict))*$`)

func (h *historyStore) assertHistories(t *testing.T) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, statuses := range h.history {
		parts := []string{string(record.StatusPending)}
		for _, s := range statuses {
			parts = append(parts, string(s))
		}
		joined := strings.Join(parts, " ")
		if !historyPattern.MatchString(joined) {
			t.Errorf("record %s has illegal history %q", id, joined)
		}
	}
}

type testEnv struct {
	store   *historyStore
	gateway *fakeGateway
	conn    *staticConnectivity
	bus     *observer.Bus
	orch    Orchestrator
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.OpenAndInit(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	env := &testEnv{
		store:   &historyStore{Store: st, history: make(map[string][]record.Status)},
		gateway: newFakeGateway(),
		conn:    online(),
		bus:     observer.New(zerolog.Nop()),
	}

	cfg := DefaultConfig()
	cfg.RecordDelay = 0
	cfg.RemoteTimeout = time.Second
	env.orch, err = New(env.store, env.gateway, env.conn, env.bus, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { env.store.assertHistories(t) })
	return env
}

func (e *testEnv) create(t *testing.T, invoice string, attachment []byte) *record.Record {
	t.Helper()
	rec, err := record.New(invoice, record.Fields{LastName: "Kone", Amount: 50000, SiteID: "site-1"}, attachment)
	if err != nil {
		t.Fatalf("record.New() failed: %v", err)
	}
	if err := e.store.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create(%s) failed: %v", invoice, err)
	}
	return rec
}

func (e *testEnv) get(t *testing.T, localID string) *record.Record {
	t.Helper()
	rec, err := e.store.Get(context.Background(), localID)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	return rec
}

func (e *testEnv) counts(t *testing.T) store.Stats {
	t.Helper()
	stats, err := e.store.AggregateCounts(context.Background())
	if err != nil {
		t.Fatalf("AggregateCounts() failed: %v", err)
	}
	if sum := stats.Pending + stats.Syncing + stats.Synced + stats.Error + stats.Conflict; sum != stats.Total {
		t.Fatalf("counts %+v do not sum to total", stats)
	}
	return stats
}

func TestNew_Validation(t *testing.T) {
	gw := newFakeGateway()
	conn := online()
	st := &historyStore{}

	if _, err := New(nil, gw, conn, nil, nil); err == nil {
		t.Error("New() with nil store succeeded")
	}
	if _, err := New(st, nil, conn, nil, nil); err == nil {
		t.Error("New() with nil gateway succeeded")
	}
	if _, err := New(st, gw, nil, nil, nil); err == nil {
		t.Error("New() with nil connectivity succeeded")
	}
	if _, err := New(st, gw, conn, nil, nil); err != nil {
		t.Errorf("New() with nil notifier failed: %v", err)
	}
}

func TestRunPass_InvoiceScenario(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	a := env.create(t, "INV-001", []byte("photo"))

	b, _ := record.New("INV-001", record.Fields{}, nil)
	if err := env.store.Create(ctx, b); !errors.Is(err, store.ErrDuplicateInvoice) {
		t.Fatalf("Create(B) error = %v, want ErrDuplicateInvoice", err)
	}

	res, err := env.orch.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass() failed: %v", err)
	}
	if res.Synced != 1 || res.Failed != 0 {
		t.Errorf("RunPass() = %+v, want 1 synced", res)
	}

	got := env.get(t, a.LocalID)
	if got.Status != record.StatusSynced {
		t.Errorf("A status = %s, want synced", got.Status)
	}
	if got.ServerID != "42" {
		t.Errorf("A server id = %q, want 42", got.ServerID)
	}
	if got.Attachment != nil {
		t.Error("A attachment not cleared after sync")
	}
	if got.SyncedAt == nil {
		t.Error("A synced_at not set")
	}

	c, _ := record.New("INV-001", record.Fields{}, nil)
	if err := env.store.Create(ctx, c); !errors.Is(err, store.ErrDuplicateInvoice) {
		t.Fatalf("Create(C) error = %v, want ErrDuplicateInvoice", err)
	}
}

func TestRunPass_OfflineIsNoOp(t *testing.T) {
	env := setupTestEnv(t)
	env.conn.online.Store(false)

	rec := env.create(t, "INV-001", nil)
	notified := 0
	env.bus.Subscribe(func() { notified++ })

	res, err := env.orch.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass() failed: %v", err)
	}
	if res != (Result{Skipped: SkipOffline}) {
		t.Errorf("RunPass() = %+v, want offline skip", res)
	}
	if got := env.get(t, rec.LocalID); got.Status != record.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if notified != 0 || len(env.gateway.inserted) != 0 {
		t.Errorf("offline pass had side effects: %d notifications, %d inserts", notified, len(env.gateway.inserted))
	}
}

func TestRunPass_ConcurrentPassDropped(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	env.create(t, "INV-001", nil)
	env.create(t, "INV-002", nil)

	env.gateway.block = make(chan struct{})
	env.gateway.entered = make(chan struct{}, 1)

	first := make(chan Result, 1)
	go func() {
		res, _ := env.orch.RunPass(ctx)
		first <- res
	}()

	select {
	case <-env.gateway.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first pass never reached the gateway")
	}

	if !env.orch.Running() {
		t.Error("Running() = false during a pass")
	}

	before := env.counts(t)
	res, err := env.orch.RunPass(ctx)
	if err != nil {
		t.Fatalf("second RunPass() failed: %v", err)
	}
	if res != (Result{Skipped: SkipBusy}) {
		t.Errorf("second RunPass() = %+v, want busy skip", res)
	}
	if after := env.counts(t); after != before {
		t.Errorf("busy pass changed counts: %+v -> %+v", before, after)
	}

	close(env.gateway.block)

	select {
	case res := <-first:
		if res.Synced != 2 {
			t.Errorf("first RunPass() = %+v, want 2 synced", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first pass did not finish")
	}

	if env.orch.Running() {
		t.Error("Running() = true after pass finished")
	}
}

func TestRunPass_ExclusiveAcrossProcesses(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	env.create(t, "INV-1", nil)
	env.create(t, "INV-2", nil)

	// a second process on the same database file
	other, err := store.OpenAndInit(ctx, env.store.Path())
	if err != nil {
		t.Fatalf("failed to open second store: %v", err)
	}
	t.Cleanup(func() { _ = other.Close() })

	otherGateway := newFakeGateway()
	cfg := DefaultConfig()
	cfg.RecordDelay = 0
	otherOrch, err := New(other, otherGateway, online(), nil, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	env.gateway.block = make(chan struct{})
	env.gateway.entered = make(chan struct{}, 1)

	first := make(chan Result, 1)
	go func() {
		res, _ := env.orch.RunPass(ctx)
		first <- res
	}()

	select {
	case <-env.gateway.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first pass never reached the gateway")
	}

	res, err := otherOrch.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass() in second process failed: %v", err)
	}
	if res != (Result{Skipped: SkipBusy}) {
		t.Errorf("RunPass() in second process = %+v, want busy skip", res)
	}
	if len(otherGateway.inserted) != 0 {
		t.Errorf("second process inserted %v while a pass was running", otherGateway.inserted)
	}

	// the in-flight record must survive a daemon start in the second process
	if _, err := other.RecoverInterrupted(ctx); !errors.Is(err, store.ErrLeaseHeld) {
		t.Errorf("RecoverInterrupted() during a pass = %v, want ErrLeaseHeld", err)
	}

	close(env.gateway.block)

	select {
	case res := <-first:
		if res.Synced != 2 || res.Failed != 0 {
			t.Errorf("first RunPass() = %+v, want 2 synced", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first pass did not finish")
	}

	// the lease is released with the pass
	res, err = otherOrch.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass() after release failed: %v", err)
	}
	if res.Skipped != SkipNone {
		t.Errorf("RunPass() after release = %+v, want a pass", res)
	}
}

func TestRunPass_StaleLeaseTakenOver(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	env.create(t, "INV-1", nil)
	if _, err := env.store.TryClaimLease(ctx, store.PassLease, "crashed", 20*time.Millisecond); err != nil {
		t.Fatalf("TryClaimLease() failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	res, err := env.orch.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass() failed: %v", err)
	}
	if res.Synced != 1 {
		t.Errorf("RunPass() = %+v, want 1 synced", res)
	}
}

// racingStore lets another writer sync one record between listing and the
// pass claiming it.
type racingStore struct {
	*historyStore
	invoice string
}

func (r *racingStore) ListSyncable(ctx context.Context, includeConflicts bool) ([]*record.Record, error) {
	recs, err := r.historyStore.ListSyncable(ctx, includeConflicts)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.InvoiceNumber != r.invoice {
			continue
		}
		if err := r.historyStore.UpdateStatus(ctx, rec.LocalID, record.StatusSyncing, store.Update{}); err != nil {
			return nil, err
		}
		if err := r.historyStore.UpdateStatus(ctx, rec.LocalID, record.StatusSynced, store.Update{ServerID: "elsewhere"}); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func TestRunPass_RecordTakenElsewhereIsSkipped(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	env.create(t, "INV-1", nil)
	taken := env.create(t, "INV-2", nil)

	racing := &racingStore{historyStore: env.store, invoice: "INV-2"}
	cfg := DefaultConfig()
	cfg.RecordDelay = 0
	orch, err := New(racing, env.gateway, env.conn, env.bus, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	res, err := orch.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass() failed: %v", err)
	}
	if res.Synced != 1 || res.Failed != 0 {
		t.Errorf("RunPass() = %+v, want 1 synced and 0 failed", res)
	}
	if got := env.get(t, taken.LocalID); got.Status != record.StatusSynced || got.ServerID != "elsewhere" {
		t.Errorf("taken record = %s/%q, want synced by the other writer", got.Status, got.ServerID)
	}
	if len(env.gateway.inserted) != 1 || env.gateway.inserted[0] != "INV-1" {
		t.Errorf("inserted = %v, want [INV-1]", env.gateway.inserted)
	}
}

func TestRunPass_FailureClassification(t *testing.T) {
	env := setupTestEnv(t)

	dup := env.create(t, "INV-DUP", nil)
	flaky := env.create(t, "INV-NET", nil)
	ok := env.create(t, "INV-OK", nil)

	env.gateway.insertErr["INV-DUP"] = fmt.Errorf("insert: %w", remote.ErrDuplicateKey)
	env.gateway.insertErr["INV-NET"] = &remote.Error{StatusCode: 503, Message: "service unavailable"}

	res, err := env.orch.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass() failed: %v", err)
	}
	if res.Synced != 1 || res.Failed != 2 {
		t.Errorf("RunPass() = %+v, want 1 synced 2 failed", res)
	}

	got := env.get(t, dup.LocalID)
	if got.Status != record.StatusConflict {
		t.Errorf("duplicate status = %s, want conflict", got.Status)
	}
	if got.LastError != ConflictMessage {
		t.Errorf("duplicate last error = %q", got.LastError)
	}
	if got.ServerID != "" {
		t.Errorf("conflict record has server id %q", got.ServerID)
	}

	got = env.get(t, flaky.LocalID)
	if got.Status != record.StatusError {
		t.Errorf("transient status = %s, want error", got.Status)
	}
	if !strings.Contains(got.LastError, "service unavailable") {
		t.Errorf("transient last error = %q", got.LastError)
	}

	if got := env.get(t, ok.LocalID); got.Status != record.StatusSynced {
		t.Errorf("ok status = %s, want synced", got.Status)
	}

	stats := env.counts(t)
	if stats.Synced != 1 || stats.Error != 1 || stats.Conflict != 1 {
		t.Errorf("counts = %+v", stats)
	}
}

func TestRunPass_RetriesErrorsAndOptionallyConflicts(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	dup := env.create(t, "INV-DUP", nil)
	flaky := env.create(t, "INV-NET", nil)
	env.gateway.insertErr["INV-DUP"] = remote.ErrDuplicateKey
	env.gateway.insertErr["INV-NET"] = errors.New("connection reset")

	if _, err := env.orch.RunPass(ctx); err != nil {
		t.Fatalf("RunPass() failed: %v", err)
	}

	// Network recovers; the operator resolved the duplicate server-side
	delete(env.gateway.insertErr, "INV-NET")
	delete(env.gateway.insertErr, "INV-DUP")

	res, err := env.orch.RunPass(ctx)
	if err != nil {
		t.Fatalf("RunPass() failed: %v", err)
	}
	if res.Synced != 1 || res.Failed != 0 {
		t.Errorf("automatic retry = %+v, want only the error record", res)
	}
	if got := env.get(t, flaky.LocalID); got.Status != record.StatusSynced {
		t.Errorf("error record status = %s, want synced", got.Status)
	}
	if got := env.get(t, dup.LocalID); got.Status != record.StatusConflict {
		t.Errorf("conflict record status = %s, want conflict", got.Status)
	}

	res, err = env.orch.RunPassWith(ctx, PassOptions{IncludeConflicts: true})
	if err != nil {
		t.Fatalf("RunPassWith() failed: %v", err)
	}
	if res.Synced != 1 {
		t.Errorf("explicit retry = %+v, want conflict record synced", res)
	}
	got := env.get(t, dup.LocalID)
	if got.Status != record.StatusSynced || got.LastError != "" {
		t.Errorf("conflict record = %s (%q), want synced with no error", got.Status, got.LastError)
	}
}

func TestRunPass_AttachmentFailureStillSynced(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.create(t, "INV-001", []byte("photo"))
	env.gateway.uploadErr = &remote.Error{StatusCode: 413, Message: "too large"}

	res, err := env.orch.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass() failed: %v", err)
	}
	if res.Synced != 1 {
		t.Errorf("RunPass() = %+v, want 1 synced", res)
	}

	got := env.get(t, rec.LocalID)
	if got.Status != record.StatusSynced || got.Attachment != nil {
		t.Errorf("record = %s attachment=%v, want synced and cleared", got.Status, got.Attachment != nil)
	}
	if len(env.gateway.uploadKeys) != 1 || env.gateway.uploadKeys[0] != "site-1/"+rec.LocalID {
		t.Errorf("upload keys = %v", env.gateway.uploadKeys)
	}
}

func TestRunPass_NoAttachmentNoUpload(t *testing.T) {
	env := setupTestEnv(t)
	env.create(t, "INV-001", nil)

	if _, err := env.orch.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass() failed: %v", err)
	}
	if len(env.gateway.uploadKeys) != 0 {
		t.Errorf("uploaded %v for a record without attachment", env.gateway.uploadKeys)
	}
}

func TestRunPass_FIFOOrder(t *testing.T) {
	env := setupTestEnv(t)

	for i := 1; i <= 5; i++ {
		env.create(t, fmt.Sprintf("INV-%d", i), nil)
		time.Sleep(2 * time.Millisecond)
	}

	if _, err := env.orch.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass() failed: %v", err)
	}
	want := []string{"INV-1", "INV-2", "INV-3", "INV-4", "INV-5"}
	if fmt.Sprint(env.gateway.inserted) != fmt.Sprint(want) {
		t.Errorf("insert order = %v, want %v", env.gateway.inserted, want)
	}
}

func TestRunPass_NotifiesEveryMutation(t *testing.T) {
	env := setupTestEnv(t)

	env.create(t, "INV-001", nil)
	env.create(t, "INV-002", nil)
	env.gateway.insertErr["INV-002"] = errors.New("timeout")

	var notified atomic.Int32
	env.bus.Subscribe(func() { notified.Add(1) })

	if _, err := env.orch.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass() failed: %v", err)
	}
	// syncing + outcome for each record
	if got := notified.Load(); got != 4 {
		t.Errorf("notifications = %d, want 4", got)
	}
}

func TestRunPass_FixedRecordDelay(t *testing.T) {
	env := setupTestEnv(t)

	cfg := DefaultConfig()
	cfg.RecordDelay = 30 * time.Millisecond
	orch, err := New(env.store, env.gateway, env.conn, nil, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		env.create(t, fmt.Sprintf("INV-%d", i), nil)
	}

	start := time.Now()
	if _, err := orch.RunPass(context.Background()); err != nil {
		t.Fatalf("RunPass() failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("pass took %v, want at least two record delays", elapsed)
	}
}

func TestRunPass_SurvivesCallerCancellation(t *testing.T) {
	env := setupTestEnv(t)
	rec := env.create(t, "INV-001", nil)

	ctx, cancel := context.WithCancel(context.Background())
	env.gateway.block = make(chan struct{})
	env.gateway.entered = make(chan struct{}, 1)

	done := make(chan Result, 1)
	go func() {
		res, _ := env.orch.RunPass(ctx)
		done <- res
	}()

	<-env.gateway.entered
	cancel()
	close(env.gateway.block)

	res := <-done
	if res.Synced != 1 {
		t.Errorf("RunPass() = %+v, want the started pass to complete", res)
	}
	if got := env.get(t, rec.LocalID); got.Status != record.StatusSynced {
		t.Errorf("status = %s, want synced", got.Status)
	}
}

func TestRunPass_EmptyQueue(t *testing.T) {
	env := setupTestEnv(t)

	res, err := env.orch.RunPass(context.Background())
	if err != nil {
		t.Fatalf("RunPass() failed: %v", err)
	}
	if res != (Result{}) {
		t.Errorf("RunPass() = %+v, want zero result", res)
	}
}

// failingStore fails every listing.
type failingStore struct{ Store }

func (failingStore) ListSyncable(ctx context.Context, includeConflicts bool) ([]*record.Record, error) {
	return nil, &store.StorageError{Op: "list", Err: errors.New("disk I/O error")}
}

func (failingStore) TryClaimLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (failingStore) ReleaseLease(ctx context.Context, name, holder string) error { return nil }

func TestRunPass_ListFailure(t *testing.T) {
	orch, err := New(failingStore{}, newFakeGateway(), online(), nil, nil)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	_, err = orch.RunPass(context.Background())
	if !store.IsStorageFailure(err) {
		t.Errorf("RunPass() error = %v, want storage failure", err)
	}
	if orch.Running() {
		t.Error("token not released after failed pass")
	}
}
