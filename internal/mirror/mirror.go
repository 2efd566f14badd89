// Package mirror implements online block-device mirroring: it copies a
// live, possibly-mutating source device to a target while the source keeps
// serving writes, converges to a synchronized state, and then allows a
// controlled handover to the target.
//
// The engine runs as a single goroutine per job. It seeds a dirty bitmap
// with an initial allocation scan, then drains dirty chunks round-robin
// until none remain. A chunk's dirty bit is cleared before its copy is
// issued, so a write racing with the copy re-dirties the chunk and it is
// copied again on a later pass; the engine may copy stale data once but
// never loses a write.
package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/castlebay/blkmirror/internal/bitmap"
	"github.com/castlebay/blkmirror/internal/blockdev"
	"github.com/castlebay/blkmirror/internal/event"
	"github.com/castlebay/blkmirror/internal/jobs"
	"github.com/castlebay/blkmirror/internal/stats"
)

const (
	// DefaultChunkSize is the granularity of dirty tracking, scan probes,
	// and copy batching. Large enough to batch many storage sectors per
	// I/O.
	DefaultChunkSize = 1 << 20

	// DefaultSlice is the rate-limit enforcement window and the idle
	// poll interval once synced.
	DefaultSlice = 100 * time.Millisecond
)

// Options describe a mirror job.
type Options struct {
	// Source is the live device to mirror. Not owned by the job; the
	// application keeps writing through it while the job runs.
	Source *blockdev.Source

	// TargetPath is created/opened as the copy target: exclusive,
	// write-back cached, no backing chain. Ignored when Target is set.
	TargetPath string

	// Target is a pre-opened target device. Ownership passes to the job,
	// which closes it on any exit path.
	Target blockdev.Device

	// Speed is the initial rate limit in bytes/sec; zero means unlimited.
	Speed int64

	// Full copies every allocated chunk from byte zero regardless of the
	// source's backing chain. Otherwise only regions allocated above the
	// backing image are copied.
	Full bool

	// Slice is the rate-limit window; DefaultSlice when zero.
	Slice time.Duration

	// Events receives engine lifecycle and progress events. The consumer
	// must keep draining the channel until the job's terminal event:
	// ChunkCopied events are dropped when the channel is full, every
	// other event blocks until delivered.
	Events  chan<- event.Event
	Stats   *stats.Collector
	Journal *jobs.Journal
	Logger  *slog.Logger
}

// Mirror is a running mirror job's engine state.
type Mirror struct {
	job       *jobs.Job
	src       *blockdev.Source
	target    blockdev.Device
	dirty     *bitmap.Bitmap
	full      bool
	chunkSize int64
	slice     time.Duration
	limiter   *Limiter

	events  chan<- event.Event
	stats   *stats.Collector
	journal *jobs.Journal
	log     *slog.Logger

	copiedBytes int64
	seen        map[int64]bool // chunk offsets copied at least once
}

// Start validates the options, opens the target, enables dirty tracking on
// the source, and launches the engine. Configuration errors (negative
// speed, target open failure, undersized target) are returned here,
// synchronously, before any job exists. The returned job is controlled
// through the jobs package: poll progress, change speed, request cancel,
// await completion.
func Start(ctx context.Context, opts Options) (*jobs.Job, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("mirror: source is required")
	}
	slice := opts.Slice
	if slice <= 0 {
		slice = DefaultSlice
	}

	length, err := opts.Source.Length()
	if err != nil {
		return nil, fmt.Errorf("mirror: source length: %w", err)
	}

	if err := opts.Source.EnableTracking(true); err != nil {
		return nil, err
	}
	dirty := opts.Source.Dirty()
	chunkSize := dirty.ChunkSize()

	limiter := NewLimiter(slice, chunkSize)
	if err := limiter.SetSpeed(opts.Speed); err != nil {
		_ = opts.Source.EnableTracking(false)
		return nil, err
	}

	target := opts.Target
	if target == nil {
		if opts.TargetPath == "" {
			_ = opts.Source.EnableTracking(false)
			return nil, fmt.Errorf("mirror: target is required")
		}
		target, err = blockdev.OpenTarget(opts.TargetPath, length)
		if err != nil {
			_ = opts.Source.EnableTracking(false)
			return nil, err
		}
	}
	tlen, err := target.Length()
	if err == nil && tlen < length {
		err = fmt.Errorf("mirror: target is %d bytes, source is %d", tlen, length)
	}
	if err != nil {
		_ = target.Close()
		_ = opts.Source.EnableTracking(false)
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	job := jobs.New("mirror")
	m := &Mirror{
		job:       job,
		src:       opts.Source,
		target:    target,
		dirty:     dirty,
		full:      opts.Full,
		chunkSize: chunkSize,
		slice:     slice,
		limiter:   limiter,
		events:    opts.Events,
		stats:     opts.Stats,
		journal:   opts.Journal,
		log:       log,
		seen:      make(map[int64]bool),
	}
	job.OnSetSpeed(func(v int64) error {
		if err := limiter.SetSpeed(v); err != nil {
			return err
		}
		log.Debug("speed changed", "job", job.ID(), "bytes_per_sec", v)
		return nil
	})

	if m.journal != nil {
		if err := m.journal.RecordStart(job, sourceName(opts.Source), targetName(target, opts.TargetPath)); err != nil {
			log.Warn("journal start failed", "error", err)
		}
	}
	m.emit(event.Event{Type: event.JobStarted, JobID: job.ID(), Total: length})
	log.Info("mirror started",
		"job", job.ID(),
		"length", length,
		"chunk_size", chunkSize,
		"full", opts.Full,
		"speed", opts.Speed,
	)

	go m.run(ctx)
	return job, nil
}

// run drives the job through scan, convergence, and teardown. The deferred
// teardown executes exactly once on every exit path: it disables dirty
// tracking on the source, closes the target, and reports completion.
func (m *Mirror) run(ctx context.Context) {
	var ret error

	defer func() {
		_ = m.src.EnableTracking(false)
		_ = m.target.Close()

		if ret == nil && m.job.Cancelled() {
			ret = jobs.ErrCancelled
		}
		m.job.Complete(ret)

		switch {
		case ret == nil:
			m.emit(event.Event{Type: event.JobCompleted, JobID: m.job.ID(), Bytes: m.copiedBytes})
			m.log.Info("mirror completed", "job", m.job.ID(), "bytes", m.copiedBytes)
		case ret == jobs.ErrCancelled:
			m.emit(event.Event{Type: event.JobCancelled, JobID: m.job.ID(), Bytes: m.copiedBytes})
			m.log.Info("mirror cancelled", "job", m.job.ID(), "bytes", m.copiedBytes)
		default:
			m.emit(event.Event{Type: event.JobFailed, JobID: m.job.ID(), Error: ret})
			m.log.Error("mirror failed", "job", m.job.ID(), "error", ret)
		}

		if m.journal != nil {
			if err := m.journal.RecordFinish(m.job, m.copiedBytes); err != nil {
				m.log.Warn("journal finish failed", "error", err)
			}
		}
	}()

	if m.cancelled(ctx) {
		return
	}

	length, err := m.src.Length()
	if err != nil {
		ret = err
		return
	}
	m.job.SetProgress(0, length)

	var base blockdev.Device
	if !m.full {
		base = m.src.Backing()
	}

	if err := m.scan(length, base); err != nil {
		ret = err
		return
	}

	ret = m.converge(ctx, length)
}

// scan partitions [0, length) into chunk-aligned probes and seeds the
// dirty bitmap with every span allocated above base. Unallocated probes
// advance by the full run the allocation query reports, which may be far
// past the probed span on mostly-empty images.
func (m *Mirror) scan(length int64, base blockdev.Device) error {
	m.emit(event.Event{Type: event.ScanStarted, JobID: m.job.ID(), Total: length})

	for off := int64(0); off < length; {
		probe := (off | (m.chunkSize - 1)) + 1
		if probe > length {
			probe = length
		}
		alloc, run, err := blockdev.AllocatedAbove(m.src.Device(), base, off, probe-off)
		if err != nil {
			return fmt.Errorf("scan at %d: %w", off, err)
		}
		if alloc {
			m.dirty.Mark(off, probe-off)
			off = probe
		} else {
			if run <= 0 {
				run = probe - off
			}
			off += run
		}
	}

	seeded := m.dirty.DirtyBytes()
	m.emit(event.Event{Type: event.ScanComplete, JobID: m.job.ID(), Bytes: seeded, Total: length})
	m.log.Debug("scan complete", "job", m.job.ID(), "dirty_bytes", seeded)
	return nil
}

// converge runs the drain loop until the job fails, is cancelled, or is
// cancelled after reaching sync (a successful stop). The synced flag
// switches the loop from bulk catch-up to steady-state mirroring.
func (m *Mirror) converge(ctx context.Context, length int64) error {
	buf := make([]byte, m.chunkSize)
	pos := int64(-1)
	synced := false

	for {
		if m.dirty.DirtyBytes() == 0 {
			// Out of the bulk phase. From now on a cancel completes all
			// pending work and reports success, so the caller can pivot
			// to the target.
			if !synced {
				m.emit(event.Event{Type: event.SyncReached, JobID: m.job.ID(), Total: length})
				m.log.Info("mirror synced", "job", m.job.ID())
			}
			synced = true
			m.job.SetProgress(length, length)
		}

		if m.dirty.DirtyBytes() != 0 {
			pos = m.dirty.NextDirty(pos)
			n := m.chunkSize
			if pos+n > length {
				n = length - pos
			}
			// Clear before copying: a write landing during the copy marks
			// the chunk dirty again rather than being lost.
			m.dirty.Clear(pos, m.chunkSize)
			if err := m.copyChunk(pos, n, buf[:n]); err != nil {
				return err
			}
		}

		if synced && m.job.Cancelled() {
			// Dirty accounting misses requests that are still in flight.
			// Drain before recounting, or the job could stop while the
			// source still has data to copy.
			m.emit(event.Event{Type: event.DrainStarted, JobID: m.job.ID()})
			if err := m.src.Drain(ctx); err != nil {
				return err
			}
			m.emit(event.Event{Type: event.DrainComplete, JobID: m.job.ID()})
			if m.stats != nil {
				m.stats.AddDrainPasses(1)
			}
		}

		cnt := m.dirty.DirtyBytes()
		if m.stats != nil {
			m.stats.SetDirtyBytes(cnt)
		}

		if synced {
			if !m.cancelled(ctx) {
				var delay time.Duration
				if cnt == 0 {
					delay = m.slice
				}
				m.job.Sleep(ctx, delay)
			} else if cnt == 0 {
				if m.src.InFlight() != 0 {
					// A foreground request started after the drain; its
					// write may not be recorded yet. Take another pass.
					continue
				}
				// The two devices are in sync: this stop is a successful
				// completion, not an abort.
				m.job.ClearCancel()
				return nil
			}
			// Cancelled with dirty data left: loop for one more drain
			// pass instead of exiting with uncopied chunks.
		} else {
			// Coarse bulk-phase progress, recomputed from the remaining
			// dirty count. Not strictly monotonic if the source is being
			// written concurrently.
			m.job.SetProgress(length-cnt, length)
			if m.stats != nil {
				m.stats.SetProgress(length-cnt, length)
			}

			delay := m.limiter.Delay(m.chunkSize)
			// Sleep even at zero delay: every iteration must reach a
			// scheduling quiesce point with no I/O pending.
			m.job.Sleep(ctx, delay)
			if m.cancelled(ctx) {
				// Hard cancel during bulk copy: partial work stays on the
				// target, convergence is not claimed.
				return nil
			}
		}
	}
}

func (m *Mirror) copyChunk(off, n int64, buf []byte) error {
	if _, err := m.src.ReadAt(buf, off); err != nil {
		return fmt.Errorf("read source at %d: %w", off, err)
	}
	if _, err := m.target.WriteAt(buf, off); err != nil {
		return fmt.Errorf("write target at %d: %w", off, err)
	}

	m.copiedBytes += n
	if m.stats != nil {
		m.stats.AddChunksCopied(1)
		m.stats.AddBytesCopied(n)
		if m.seen[off] {
			m.stats.AddRewrites(1)
		}
	}
	m.seen[off] = true
	m.emit(event.Event{Type: event.ChunkCopied, JobID: m.job.ID(), Offset: off, Bytes: n})
	return nil
}

// cancelled folds context cancellation into the job's cancel flag and
// reports the combined state. Checked only at the engine's defined
// checkpoints; an I/O in flight is never interrupted.
func (m *Mirror) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		m.job.Cancel()
	}
	return m.job.Cancelled()
}

// emit publishes an event. ChunkCopied is progress-only and is dropped
// when the consumer lags; every other event carries lifecycle state the
// consumer acts on, so it blocks until delivered.
func (m *Mirror) emit(e event.Event) {
	if m.events == nil {
		return
	}
	e.Timestamp = time.Now()
	if e.Type == event.ChunkCopied {
		select {
		case m.events <- e:
		default:
		}
		return
	}
	m.events <- e
}

func sourceName(s *blockdev.Source) string {
	if f, ok := s.Device().(*blockdev.File); ok {
		return f.Path()
	}
	if o, ok := s.Device().(*blockdev.Overlay); ok {
		return o.Path()
	}
	return "device"
}

func targetName(d blockdev.Device, path string) string {
	if path != "" {
		return path
	}
	if f, ok := d.(*blockdev.File); ok {
		return f.Path()
	}
	return "device"
}
