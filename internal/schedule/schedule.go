// Package schedule provides the coalescing primitives used by the feed
// engine: a debouncer for collapsing bursts of state churn and a batch
// accumulator for size/time-bounded receipt batching.
package schedule

import (
	"sync"
	"time"

	"github.com/bep/debounce"
)

// Debounce returns a debounced function dispatcher with the given quiet
// window. Each call replaces the previously scheduled function.
func Debounce(window time.Duration) func(func()) {
	return debounce.New(window)
}

// Trigger identifies what caused a batch flush.
type Trigger string

const (
	// TriggerSize fires when the batch reaches its maximum size.
	TriggerSize Trigger = "size"
	// TriggerQuiet fires after the quiet period elapses with no arrivals.
	TriggerQuiet Trigger = "quiet"
)

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts timer creation so batching logic is testable with a
// virtual clock.
type Clock interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realClock struct{}

type realTimer struct{ *time.Timer }

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return realTimer{time.AfterFunc(d, fn)}
}

// RealClock returns the wall-clock backed Clock.
func RealClock() Clock { return realClock{} }

// Accumulator collects items into batches bounded by size and quiet time.
// A batch is flushed immediately when it reaches maxSize, otherwise after
// quiet has elapsed since the last Add. The pending slice is detached
// before the flush callback runs, so arrivals during a flush start a fresh
// batch instead of racing the in-flight one.
type Accumulator[T any] struct {
	maxSize int
	quiet   time.Duration
	clock   Clock
	flush   func(batch []T, trigger Trigger)

	mu      sync.Mutex
	pending []T
	timer   Timer
	closed  bool
}

// NewAccumulator creates an accumulator flushing through the given callback.
// A nil clock uses the wall clock.
func NewAccumulator[T any](maxSize int, quiet time.Duration, clock Clock, flush func(batch []T, trigger Trigger)) *Accumulator[T] {
	if clock == nil {
		clock = realClock{}
	}
	return &Accumulator[T]{
		maxSize: maxSize,
		quiet:   quiet,
		clock:   clock,
		flush:   flush,
	}
}

// Add appends an item to the current batch, flushing synchronously if the
// size trigger is hit and restarting the quiet timer otherwise.
func (a *Accumulator[T]) Add(item T) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}

	a.pending = append(a.pending, item)

	if len(a.pending) >= a.maxSize {
		batch := a.detachLocked()
		a.mu.Unlock()
		a.flush(batch, TriggerSize)
		return
	}

	// Restart the quiet timer on every sub-threshold arrival.
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = a.clock.AfterFunc(a.quiet, a.onQuiet)
	a.mu.Unlock()
}

// onQuiet fires when the quiet period elapses. Stale timers that lost the
// race against a size flush find an empty batch and no-op.
func (a *Accumulator[T]) onQuiet() {
	a.mu.Lock()
	if a.closed || len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	batch := a.detachLocked()
	a.mu.Unlock()
	a.flush(batch, TriggerQuiet)
}

// detachLocked hands out the pending batch and resets the accumulator.
// Caller holds a.mu.
func (a *Accumulator[T]) detachLocked() []T {
	batch := a.pending
	a.pending = nil
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	return batch
}

// Pending returns the current number of unflushed items.
func (a *Accumulator[T]) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Close stops the accumulator and discards any unflushed items. Timers
// that fire after Close no-op.
func (a *Accumulator[T]) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.pending = nil
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
