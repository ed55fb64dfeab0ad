// Package loadtest exercises the local store under the access pattern of a
// busy point of sale: operators capturing participations while sync passes
// update statuses and status surfaces re-read aggregate counts.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombolacan/tombola/internal/record"
	"github.com/tombolacan/tombola/internal/store"
)

// Mix is the share of fixture records moved to each final status.
// The remainder stays pending.
type Mix struct {
	Synced   float64
	Error    float64
	Conflict float64
}

// DefaultMix resembles a device that has been offline for a while.
func DefaultMix() Mix {
	return Mix{Synced: 0.6, Error: 0.1, Conflict: 0.05}
}

// Fixture is a populated store for load testing.
type Fixture struct {
	Store    *store.Store
	LocalIDs []string
	Expected store.Stats

	seq atomic.Int64
}

// LatencyStats captures operation latencies.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration
	P95        time.Duration
	P99        time.Duration
	Operations int
	Errors     int
}

// CreateFixture opens a store at path and fills it with n records whose
// final statuses follow mix. Statuses are reached through legal transitions.
func CreateFixture(ctx context.Context, path string, n int, mix Mix) (*Fixture, error) {
	st, err := store.OpenAndInit(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	f := &Fixture{Store: st, LocalIDs: make([]string, 0, n)}
	targets := statusPlan(n, mix)

	for i := 0; i < n; i++ {
		rec, err := f.newRecord()
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		if err := st.Create(ctx, rec); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to create %s: %w", rec.InvoiceNumber, err)
		}
		if err := settle(ctx, st, rec.LocalID, targets[i], i); err != nil {
			_ = st.Close()
			return nil, err
		}
		f.LocalIDs = append(f.LocalIDs, rec.LocalID)
		addCount(&f.Expected, targets[i])
	}

	return f, nil
}

// Close closes the fixture store.
func (f *Fixture) Close() error {
	if f.Store != nil {
		return f.Store.Close()
	}
	return nil
}

// newRecord builds a record with an invoice number unique to this fixture.
func (f *Fixture) newRecord() (*record.Record, error) {
	i := f.seq.Add(1)
	return record.New(fmt.Sprintf("LT-%07d", i), record.Fields{
		LastName:  "Load",
		FirstName: fmt.Sprintf("Test%d", i),
		Phone:     fmt.Sprintf("07%08d", i%100000000),
		Amount:    50000 + (i%50)*5000,
		SiteID:    fmt.Sprintf("site-%d", i%4),
		Operator:  "loadtest",
	}, []byte{0xff, 0xd8, 0xff, 0xe0})
}

// RunConcurrentCaptures has writers capture perWriter records each while
// the same goroutines re-read aggregate counts, as a status surface would
// after every capture. It returns capture latencies.
func (f *Fixture) RunConcurrentCaptures(ctx context.Context, writers, perWriter int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	results := make(chan []time.Duration, writers)
	errs := make(chan error, writers)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, perWriter)
			for j := 0; j < perWriter; j++ {
				rec, err := f.newRecord()
				if err != nil {
					errs <- err
					return
				}

				start := time.Now()
				err = f.Store.Create(ctx, rec)
				durations = append(durations, time.Since(start))
				if err != nil {
					errs <- fmt.Errorf("writer %d capture %d failed: %w", writer, j, err)
					return
				}

				if _, err := f.Store.AggregateCounts(ctx); err != nil {
					errs <- fmt.Errorf("writer %d counts failed: %w", writer, err)
					return
				}
			}
			results <- durations
		}(w)
	}

	wg.Wait()
	close(results)
	close(errs)

	var all []time.Duration
	for d := range results {
		all = append(all, d...)
	}

	var firstErr error
	errorCount := 0
	for err := range errs {
		errorCount++
		if firstErr == nil {
			firstErr = err
		}
	}

	if len(all) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fmt.Errorf("no captures completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats, firstErr
}

// VerifyCountsConsistent runs readers against the store for duration while
// one writer keeps capturing. Every snapshot must satisfy
// pending+syncing+synced+error+conflict == total, and the total seen by a
// reader must never shrink.
func (f *Fixture) VerifyCountsConsistent(ctx context.Context, readers int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, readers+1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			rec, err := f.newRecord()
			if err != nil {
				errs <- err
				return
			}
			if err := f.Store.Create(ctx, rec); err != nil && ctx.Err() == nil {
				errs <- fmt.Errorf("writer failed: %w", err)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			lastTotal := 0
			for ctx.Err() == nil {
				st, err := f.Store.AggregateCounts(ctx)
				if err != nil {
					if ctx.Err() == nil {
						errs <- fmt.Errorf("reader %d failed: %w", reader, err)
					}
					return
				}
				sum := st.Pending + st.Syncing + st.Synced + st.Error + st.Conflict
				if sum != st.Total {
					errs <- fmt.Errorf("reader %d saw inconsistent counts %+v", reader, st)
					return
				}
				if st.Total < lastTotal {
					errs <- fmt.Errorf("reader %d saw total shrink from %d to %d", reader, lastTotal, st.Total)
					return
				}
				lastTotal = st.Total
				time.Sleep(time.Millisecond)
			}
		}(r)
	}

	wg.Wait()
	close(errs)

	// nil when no goroutine reported
	return <-errs
}

// statusPlan spreads final statuses deterministically over n records.
func statusPlan(n int, mix Mix) []record.Status {
	plan := make([]record.Status, n)
	for i := range plan {
		plan[i] = record.StatusPending
	}

	idx := rand.New(rand.NewSource(42)).Perm(n)
	next := 0
	assign := func(share float64, status record.Status) {
		for k := 0; k < int(float64(n)*share) && next < n; k++ {
			plan[idx[next]] = status
			next++
		}
	}
	assign(mix.Synced, record.StatusSynced)
	assign(mix.Error, record.StatusError)
	assign(mix.Conflict, record.StatusConflict)
	return plan
}

// settle walks a pending record to target.
func settle(ctx context.Context, st *store.Store, localID string, target record.Status, i int) error {
	if target == record.StatusPending {
		return nil
	}
	if err := st.UpdateStatus(ctx, localID, record.StatusSyncing, store.Update{}); err != nil {
		return fmt.Errorf("failed to mark %s syncing: %w", localID, err)
	}

	var upd store.Update
	switch target {
	case record.StatusSynced:
		upd = store.Update{ServerID: fmt.Sprint(1000 + i), SyncedAt: time.Now().UTC()}
	case record.StatusError:
		upd = store.Update{LastError: "connection reset by peer"}
	case record.StatusConflict:
		upd = store.Update{LastError: "invoice already exists on server"}
	}
	if err := st.UpdateStatus(ctx, localID, target, upd); err != nil {
		return fmt.Errorf("failed to mark %s %s: %w", localID, target, err)
	}
	return nil
}

func addCount(s *store.Stats, status record.Status) {
	s.Total++
	switch status {
	case record.StatusPending:
		s.Pending++
	case record.StatusSyncing:
		s.Syncing++
	case record.StatusSynced:
		s.Synced++
	case record.StatusError:
		s.Error++
	case record.StatusConflict:
		s.Conflict++
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(sorted)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		Operations: len(sorted),
	}
}

// Fprint writes the statistics in a human-readable form.
func (s *LatencyStats) Fprint(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Operations:    %d\n", s.Operations)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
