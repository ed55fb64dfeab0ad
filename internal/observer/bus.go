// Package observer provides a process-local change notification bus.
//
// The sync engine calls Notify after every record mutation so status
// surfaces (dashboard, CLI spinners, metrics gauges) can re-read aggregate
// counts. Notifications carry no payload.
package observer

import (
	"sync"

	"github.com/rs/zerolog"
)

// Callback is invoked once per notification cycle.
type Callback func()

type subscription struct {
	id uint64
	fn Callback
}

// Bus fans a payload-free change signal out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger zerolog.Logger
}

// New creates an empty bus. Panicking subscribers are reported to logger.
func New(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers fn and returns a function that removes it.
// The returned unsubscribe function is safe to call more than once.
func (b *Bus) Subscribe(fn Callback) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			// Copy so snapshots taken by an in-flight Notify stay intact
			next := make([]subscription, 0, len(b.subs)-1)
			next = append(next, b.subs[:i]...)
			next = append(next, b.subs[i+1:]...)
			b.subs = next
			return
		}
	}
}

// Notify invokes every current subscriber in subscription order.
//
// The subscriber list is snapshotted first and callbacks run outside the
// lock, so subscribing or unsubscribing from inside a callback only affects
// later cycles.
func (b *Bus) Notify() {
	b.mu.RLock()
	snapshot := b.subs
	b.mu.RUnlock()

	for _, s := range snapshot {
		b.invoke(s)
	}
}

func (b *Bus) invoke(s subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Uint64("subscriber", s.id).
				Msg("observer callback panicked")
		}
	}()
	s.fn()
}

// Len returns the number of registered subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
