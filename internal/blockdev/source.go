package blockdev

import (
	"context"
	"fmt"
	"sync"

	"github.com/castlebay/blkmirror/internal/bitmap"
)

// Source wraps the live device being mirrored. Application I/O goes through
// it so that writes are recorded in the dirty bitmap and outstanding
// requests can be drained before the engine declares convergence.
//
// A write marks its chunks dirty after the device write completes but
// before the request is released, so Drain followed by a dirty recount
// cannot miss a write that was in flight.
type Source struct {
	dev       Device
	chunkSize int64

	mu       sync.Mutex
	dirty    *bitmap.Bitmap // nil while tracking is disabled
	inflight int
	idle     chan struct{} // closed when inflight drops to zero
}

// NewSource wraps dev with dirty tracking at the given chunk granularity.
// Tracking starts disabled.
func NewSource(dev Device, chunkSize int64) *Source {
	return &Source{dev: dev, chunkSize: chunkSize}
}

// Device returns the wrapped device.
func (s *Source) Device() Device { return s.dev }

// Backing returns the wrapped device's backing device.
func (s *Source) Backing() Device { return s.dev.Backing() }

// Length returns the wrapped device's length.
func (s *Source) Length() (int64, error) { return s.dev.Length() }

// EnableTracking turns dirty tracking on or off. Enabling allocates a
// fresh, all-clear bitmap sized to the device; disabling drops it.
func (s *Source) EnableTracking(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !on {
		s.dirty = nil
		return nil
	}
	if s.dirty != nil {
		return nil
	}
	length, err := s.dev.Length()
	if err != nil {
		return fmt.Errorf("enable tracking: %w", err)
	}
	b, err := bitmap.New(length, s.chunkSize)
	if err != nil {
		return fmt.Errorf("enable tracking: %w", err)
	}
	s.dirty = b
	return nil
}

// Dirty returns the active dirty bitmap, or nil when tracking is disabled.
func (s *Source) Dirty() *bitmap.Bitmap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// ReadAt performs a tracked read.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	s.begin()
	defer s.end()
	return s.dev.ReadAt(p, off)
}

// WriteAt performs a tracked write and marks the covered chunks dirty.
func (s *Source) WriteAt(p []byte, off int64) (int, error) {
	s.begin()
	defer s.end()
	n, err := s.dev.WriteAt(p, off)
	if n > 0 {
		s.mu.Lock()
		if s.dirty != nil {
			s.dirty.Mark(off, int64(n))
		}
		s.mu.Unlock()
	}
	return n, err
}

// InFlight returns the number of outstanding tracked requests.
func (s *Source) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Drain blocks until no tracked requests are outstanding, or the context
// is cancelled. New requests may start after it returns; callers that need
// a stable quiesce re-check state afterwards.
func (s *Source) Drain(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.inflight == 0 {
			s.mu.Unlock()
			return nil
		}
		idle := s.idle
		s.mu.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Source) begin() {
	s.mu.Lock()
	if s.inflight == 0 {
		s.idle = make(chan struct{})
	}
	s.inflight++
	s.mu.Unlock()
}

func (s *Source) end() {
	s.mu.Lock()
	s.inflight--
	if s.inflight == 0 {
		close(s.idle)
	}
	s.mu.Unlock()
}
