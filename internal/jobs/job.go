// Package jobs provides the control shell around long-running block jobs:
// cancellation, cooperative sleep, progress, speed changes, and completion.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrCancelled is the completion error of a job stopped by cancellation
// before it converged.
var ErrCancelled = errors.New("job cancelled")

// Job states as reported by State.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateCancelled = "cancelled"
	StateFailed    = "failed"
)

// Job is a single long-running block job. The owning engine drives it; the
// caller interacts through Cancel, SetSpeed, Progress, and Wait.
type Job struct {
	id      string
	kind    string
	created time.Time

	offset atomic.Int64
	total  atomic.Int64

	cancelled  atomic.Bool
	cancelWake chan struct{}
	cancelOnce sync.Once

	mu        sync.Mutex
	speedHook func(int64) error
	err       error

	done chan struct{}
}

// New creates a running job of the given kind.
func New(kind string) *Job {
	return &Job{
		id:         uuid.NewString(),
		kind:       kind,
		created:    time.Now(),
		cancelWake: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// ID returns the job's unique identifier.
func (j *Job) ID() string { return j.id }

// Kind returns the job type, e.g. "mirror".
func (j *Job) Kind() string { return j.kind }

// Created returns the job creation time.
func (j *Job) Created() time.Time { return j.created }

// Cancel requests cancellation. Advisory: the engine observes it at its
// defined checkpoints and never interrupts an I/O in flight. A sleeping
// job wakes immediately.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
	j.cancelOnce.Do(func() { close(j.cancelWake) })
}

// Cancelled reports whether cancellation has been requested.
func (j *Job) Cancelled() bool { return j.cancelled.Load() }

// ClearCancel resets the cancellation flag. The engine calls it when a
// cancel lands after the mirror is synced: that stop is a successful
// completion, not an abort.
func (j *Job) ClearCancel() { j.cancelled.Store(false) }

// Sleep suspends the job for d, waking early on cancellation or context
// cancellation. A zero or negative d still yields the processor; the
// engine relies on every loop iteration having a scheduling point even
// when no pacing delay is due.
func (j *Job) Sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		runtime.Gosched()
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-j.cancelWake:
	case <-ctx.Done():
	}
}

// SetProgress publishes the job's progress offset and total.
func (j *Job) SetProgress(offset, total int64) {
	if offset < 0 {
		offset = 0
	}
	j.offset.Store(offset)
	j.total.Store(total)
}

// Progress returns the last published offset and total.
func (j *Job) Progress() (offset, total int64) {
	return j.offset.Load(), j.total.Load()
}

// OnSetSpeed installs the engine's speed-change hook. The hook validates
// and applies the new speed.
func (j *Job) OnSetSpeed(hook func(bytesPerSec int64) error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.speedHook = hook
}

// SetSpeed requests a new speed limit in bytes/sec. Validation errors
// (e.g. negative speed) surface here, at set time.
func (j *Job) SetSpeed(bytesPerSec int64) error {
	j.mu.Lock()
	hook := j.speedHook
	j.mu.Unlock()
	if hook == nil {
		return fmt.Errorf("job %s does not support speed changes", j.kind)
	}
	return hook(bytesPerSec)
}

// Complete records the job's final status and releases waiters. The first
// call wins; later calls are ignored.
func (j *Job) Complete(err error) {
	j.mu.Lock()
	select {
	case <-j.done:
		j.mu.Unlock()
		return
	default:
	}
	j.err = err
	close(j.done)
	j.mu.Unlock()
}

// Done returns a channel closed when the job completes.
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job completes or ctx is cancelled, returning the
// job's completion error.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the completion error: nil for success, ErrCancelled for a
// cancelled job, the first I/O error for a failed one. Nil while running.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// State reports the job's lifecycle state.
func (j *Job) State() string {
	select {
	case <-j.done:
	default:
		return StateRunning
	}
	switch err := j.Err(); {
	case err == nil:
		return StateCompleted
	case errors.Is(err, ErrCancelled):
		return StateCancelled
	default:
		return StateFailed
	}
}
