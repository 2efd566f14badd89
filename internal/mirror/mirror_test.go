package mirror

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castlebay/blkmirror/internal/blockdev"
	"github.com/castlebay/blkmirror/internal/event"
	"github.com/castlebay/blkmirror/internal/jobs"
	"github.com/castlebay/blkmirror/internal/stats"
)

const testChunk = 64 * 1024

// recorder consumes engine events so the channel never fills, and lets
// tests wait for specific event types.
type recorder struct {
	ch   chan event.Event
	mu   sync.Mutex
	seen []event.Event
}

func newRecorder() *recorder {
	r := &recorder{ch: make(chan event.Event, 256)}
	go func() {
		for ev := range r.ch {
			r.mu.Lock()
			r.seen = append(r.seen, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) has(t event.Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.seen {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func (r *recorder) waitFor(t *testing.T, typ event.Type) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if r.has(typ) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", typ)
}

func randomData(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func TestMirrorConverges(t *testing.T) {
	t.Parallel()

	const size = 16 * testChunk
	srcDev := blockdev.NewMem(size)
	_, err := srcDev.WriteAt(randomData(t, size), 0)
	require.NoError(t, err)

	src := blockdev.NewSource(srcDev, testChunk)
	target := blockdev.NewMem(size)
	rec := newRecorder()

	job, err := Start(context.Background(), Options{
		Source: src,
		Target: target,
		Events: rec.ch,
	})
	require.NoError(t, err)

	rec.waitFor(t, event.SyncReached)

	// Cancelling a synced job drains and reports success.
	job.Cancel()
	require.NoError(t, job.Wait(context.Background()))
	assert.Equal(t, jobs.StateCompleted, job.State())
	off, total := job.Progress()
	assert.Equal(t, total, off)
	assert.Equal(t, srcDev.Bytes(), target.Bytes())

	// Tracking is disabled on teardown.
	assert.Nil(t, src.Dirty())
}

func TestMirrorUnalignedLength(t *testing.T) {
	t.Parallel()

	// The final chunk's copy is clamped to the device end.
	const size = 4*testChunk + 512
	srcDev := blockdev.NewMem(size)
	_, err := srcDev.WriteAt(randomData(t, size), 0)
	require.NoError(t, err)

	src := blockdev.NewSource(srcDev, testChunk)
	target := blockdev.NewMem(size)
	rec := newRecorder()

	job, err := Start(context.Background(), Options{Source: src, Target: target, Events: rec.ch})
	require.NoError(t, err)

	rec.waitFor(t, event.SyncReached)
	job.Cancel()
	require.NoError(t, job.Wait(context.Background()))
	assert.Equal(t, srcDev.Bytes(), target.Bytes())
}

func TestMirrorIncrementalScan(t *testing.T) {
	t.Parallel()

	// Source with a backing image: only regions written above the backing
	// are seeded dirty in incremental mode.
	const size = 16 * testChunk
	base := blockdev.NewMem(size)
	_, err := base.WriteAt(bytes.Repeat([]byte{0xb0}, size), 0)
	require.NoError(t, err)

	top, err := blockdev.NewMemOverlay(base, size, testChunk)
	require.NoError(t, err)
	modified := randomData(t, 2*testChunk)
	_, err = top.WriteAt(modified, 5*testChunk)
	require.NoError(t, err)

	src := blockdev.NewSource(top, testChunk)
	target := blockdev.NewMem(size)
	collector := stats.NewCollector()
	rec := newRecorder()

	job, err := Start(context.Background(), Options{
		Source: src,
		Target: target,
		Stats:  collector,
		Events: rec.ch,
	})
	require.NoError(t, err)

	rec.waitFor(t, event.SyncReached)
	job.Cancel()
	require.NoError(t, job.Wait(context.Background()))

	// Only the two modified chunks were copied.
	assert.Equal(t, int64(2), collector.Snapshot().ChunksCopied)
	assert.Equal(t, modified, target.Bytes()[5*testChunk:7*testChunk])
	// Regions served by the backing image were not copied.
	assert.Equal(t, make([]byte, testChunk), target.Bytes()[:testChunk])
}

func TestMirrorFullModeCopiesEverything(t *testing.T) {
	t.Parallel()

	// Full mode forces base = nil: the chain walk reaches the raw backing
	// device, so every chunk counts as allocated.
	const size = 8 * testChunk
	base := blockdev.NewMem(size)
	_, err := base.WriteAt(bytes.Repeat([]byte{0xb0}, size), 0)
	require.NoError(t, err)

	top, err := blockdev.NewMemOverlay(base, size, testChunk)
	require.NoError(t, err)
	modified := randomData(t, testChunk)
	_, err = top.WriteAt(modified, 3*testChunk)
	require.NoError(t, err)

	src := blockdev.NewSource(top, testChunk)
	target := blockdev.NewMem(size)
	collector := stats.NewCollector()
	rec := newRecorder()

	job, err := Start(context.Background(), Options{
		Source: src,
		Target: target,
		Full:   true,
		Stats:  collector,
		Events: rec.ch,
	})
	require.NoError(t, err)

	rec.waitFor(t, event.SyncReached)
	job.Cancel()
	require.NoError(t, job.Wait(context.Background()))

	assert.Equal(t, int64(8), collector.Snapshot().ChunksCopied)
	// Target holds the merged view: overlay data plus backing data.
	assert.Equal(t, modified, target.Bytes()[3*testChunk:4*testChunk])
	assert.Equal(t, bytes.Repeat([]byte{0xb0}, testChunk), target.Bytes()[:testChunk])
}

func TestMirrorEmptyOverlaySyncsImmediately(t *testing.T) {
	t.Parallel()

	// Nothing allocated above the backing image: the scan seeds zero
	// chunks and the job is synced at once.
	const size = 8 * testChunk
	base := blockdev.NewMem(size)
	top, err := blockdev.NewMemOverlay(base, size, testChunk)
	require.NoError(t, err)

	src := blockdev.NewSource(top, testChunk)
	collector := stats.NewCollector()
	rec := newRecorder()

	job, err := Start(context.Background(), Options{
		Source: src,
		Target: blockdev.NewMem(size),
		Stats:  collector,
		Events: rec.ch,
	})
	require.NoError(t, err)

	rec.waitFor(t, event.SyncReached)
	job.Cancel()
	require.NoError(t, job.Wait(context.Background()))
	assert.Equal(t, int64(0), collector.Snapshot().ChunksCopied)
}

func TestMirrorNoWriteLoss(t *testing.T) {
	t.Parallel()

	// Foreground writes keep landing while the job converges; after a
	// synced cancel the target must match the source exactly.
	const size = 64 * testChunk
	srcDev := blockdev.NewMem(size)
	_, err := srcDev.WriteAt(randomData(t, size), 0)
	require.NoError(t, err)

	src := blockdev.NewSource(srcDev, testChunk)
	target := blockdev.NewMem(size)
	collector := stats.NewCollector()
	rec := newRecorder()

	job, err := Start(context.Background(), Options{
		Source: src,
		Target: target,
		Stats:  collector,
		Events: rec.ch,
	})
	require.NoError(t, err)

	// Hammer random chunks through the tracked source while the bulk copy
	// runs.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				off := int64((i*7+w*13)%60) * testChunk
				data := bytes.Repeat([]byte{byte(i), byte(w)}, 256)
				if _, err := src.WriteAt(data, off); err != nil {
					return
				}
			}
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(stop)
	wg.Wait()

	rec.waitFor(t, event.SyncReached)
	job.Cancel()
	require.NoError(t, job.Wait(context.Background()))
	assert.Equal(t, srcDev.Bytes(), target.Bytes())
}

// gatedTarget blocks the first write to a chosen offset until released,
// holding the copy in flight so a racing source write can land.
type gatedTarget struct {
	*blockdev.Mem
	gateOff  int64
	entered  chan struct{}
	release  chan struct{}
	onceGate sync.Once
}

func (g *gatedTarget) WriteAt(p []byte, off int64) (int, error) {
	if off == g.gateOff {
		g.onceGate.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.Mem.WriteAt(p, off)
}

func TestMirrorRedirtiesChunkWrittenDuringCopy(t *testing.T) {
	t.Parallel()

	// A write landing after a chunk's dirty bit was cleared for copy, but
	// before the copy's target write completes, must re-dirty the chunk;
	// the final target content is the new data.
	const size = 4 * testChunk
	srcDev := blockdev.NewMem(size)
	_, err := srcDev.WriteAt(randomData(t, size), 0)
	require.NoError(t, err)

	src := blockdev.NewSource(srcDev, testChunk)
	target := &gatedTarget{
		Mem:     blockdev.NewMem(size),
		gateOff: 0,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	collector := stats.NewCollector()
	rec := newRecorder()

	job, err := Start(context.Background(), Options{
		Source: src,
		Target: target,
		Stats:  collector,
		Events: rec.ch,
	})
	require.NoError(t, err)

	// The engine is now mid-copy of chunk 0 with its dirty bit already
	// cleared. Overwrite the chunk through the tracked source.
	<-target.entered
	fresh := bytes.Repeat([]byte{0xfe}, testChunk)
	_, err = src.WriteAt(fresh, 0)
	require.NoError(t, err)
	require.Equal(t, int64(0), src.Dirty().NextDirty(-1))
	close(target.release)

	rec.waitFor(t, event.SyncReached)
	job.Cancel()
	require.NoError(t, job.Wait(context.Background()))

	assert.Equal(t, fresh, target.Bytes()[:testChunk])
	assert.GreaterOrEqual(t, collector.Snapshot().Rewrites, int64(1))
}

func TestMirrorCancelBeforeWork(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := blockdev.NewSource(blockdev.NewMem(4*testChunk), testChunk)
	rec := newRecorder()

	job, err := Start(ctx, Options{Source: src, Target: blockdev.NewMem(4 * testChunk), Events: rec.ch})
	require.NoError(t, err)

	assert.ErrorIs(t, job.Wait(context.Background()), jobs.ErrCancelled)
	assert.Equal(t, jobs.StateCancelled, job.State())
	assert.False(t, rec.has(event.ScanStarted))
}

func TestMirrorCancelDuringBulk(t *testing.T) {
	t.Parallel()

	// A low speed limit keeps the job in the bulk phase; cancelling there
	// aborts without convergence.
	const size = 16 * testChunk
	srcDev := blockdev.NewMem(size)
	_, err := srcDev.WriteAt(randomData(t, size), 0)
	require.NoError(t, err)

	src := blockdev.NewSource(srcDev, testChunk)
	rec := newRecorder()

	job, err := Start(context.Background(), Options{
		Source: src,
		Target: blockdev.NewMem(size),
		Speed:  testChunk, // one chunk per second
		Events: rec.ch,
	})
	require.NoError(t, err)

	rec.waitFor(t, event.ChunkCopied)
	job.Cancel()
	assert.ErrorIs(t, job.Wait(context.Background()), jobs.ErrCancelled)
	assert.Equal(t, jobs.StateCancelled, job.State())
	assert.False(t, rec.has(event.SyncReached))
}

// failingDev fails writes at or past failOff.
type failingDev struct {
	*blockdev.Mem
	failOff int64
	err     error
}

func (f *failingDev) WriteAt(p []byte, off int64) (int, error) {
	if off >= f.failOff {
		return 0, f.err
	}
	return f.Mem.WriteAt(p, off)
}

func TestMirrorTargetWriteErrorFailsJob(t *testing.T) {
	t.Parallel()

	const size = 8 * testChunk
	srcDev := blockdev.NewMem(size)
	_, err := srcDev.WriteAt(randomData(t, size), 0)
	require.NoError(t, err)

	ioErr := errors.New("target write failed")
	src := blockdev.NewSource(srcDev, testChunk)
	target := &failingDev{Mem: blockdev.NewMem(size), failOff: 4 * testChunk, err: ioErr}
	rec := newRecorder()

	job, err := Start(context.Background(), Options{Source: src, Target: target, Events: rec.ch})
	require.NoError(t, err)

	assert.ErrorIs(t, job.Wait(context.Background()), ioErr)
	assert.Equal(t, jobs.StateFailed, job.State())
	rec.waitFor(t, event.JobFailed)
	// Teardown still ran.
	assert.Nil(t, src.Dirty())
}

func TestMirrorStartValidation(t *testing.T) {
	t.Parallel()

	t.Run("negative speed rejected before the job runs", func(t *testing.T) {
		t.Parallel()
		src := blockdev.NewSource(blockdev.NewMem(testChunk), testChunk)
		_, err := Start(context.Background(), Options{
			Source: src,
			Target: blockdev.NewMem(testChunk),
			Speed:  -1,
		})
		assert.ErrorIs(t, err, ErrNegativeSpeed)
		// Tracking was rolled back.
		assert.Nil(t, src.Dirty())
	})

	t.Run("missing source", func(t *testing.T) {
		t.Parallel()
		_, err := Start(context.Background(), Options{Target: blockdev.NewMem(testChunk)})
		assert.Error(t, err)
	})

	t.Run("missing target", func(t *testing.T) {
		t.Parallel()
		src := blockdev.NewSource(blockdev.NewMem(testChunk), testChunk)
		_, err := Start(context.Background(), Options{Source: src})
		assert.Error(t, err)
	})

	t.Run("undersized target", func(t *testing.T) {
		t.Parallel()
		src := blockdev.NewSource(blockdev.NewMem(4*testChunk), testChunk)
		_, err := Start(context.Background(), Options{
			Source: src,
			Target: blockdev.NewMem(testChunk),
		})
		assert.Error(t, err)
		assert.Nil(t, src.Dirty())
	})

	t.Run("target open failure", func(t *testing.T) {
		t.Parallel()
		src := blockdev.NewSource(blockdev.NewMem(testChunk), testChunk)
		_, err := Start(context.Background(), Options{
			Source:     src,
			TargetPath: filepath.Join(t.TempDir(), "missing", "deep", "target.img"),
		})
		assert.Error(t, err)
		assert.Nil(t, src.Dirty())
	})
}

func TestMirrorSpeedChangeWhileRunning(t *testing.T) {
	t.Parallel()

	const size = 8 * testChunk
	srcDev := blockdev.NewMem(size)
	_, err := srcDev.WriteAt(randomData(t, size), 0)
	require.NoError(t, err)

	src := blockdev.NewSource(srcDev, testChunk)
	rec := newRecorder()
	job, err := Start(context.Background(), Options{
		Source: src,
		Target: blockdev.NewMem(size),
		Speed:  testChunk, // slow start
		Events: rec.ch,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, job.SetSpeed(-5), ErrNegativeSpeed)
	require.NoError(t, job.SetSpeed(0)) // lift the limit

	rec.waitFor(t, event.SyncReached)
	job.Cancel()
	require.NoError(t, job.Wait(context.Background()))
}

func TestMirrorSlowConsumerKeepsLifecycleEvents(t *testing.T) {
	t.Parallel()

	// An unbuffered channel with a consumer that lags on every receive:
	// per-chunk progress events may be shed, but every lifecycle event
	// must still arrive. Callers key their control flow off these.
	const size = 2 * testChunk
	srcDev := blockdev.NewMem(size)
	_, err := srcDev.WriteAt(randomData(t, size), 0)
	require.NoError(t, err)

	src := blockdev.NewSource(srcDev, testChunk)
	target := blockdev.NewMem(size)

	events := make(chan event.Event)
	var (
		mu   sync.Mutex
		seen []event.Type
	)
	var consumerWg sync.WaitGroup
	consumerWg.Add(1)
	go func() {
		defer consumerWg.Done()
		for ev := range events {
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			seen = append(seen, ev.Type)
			mu.Unlock()
			switch ev.Type {
			case event.JobCompleted, event.JobCancelled, event.JobFailed:
				return
			}
		}
	}()

	job, err := Start(context.Background(), Options{
		Source: src,
		Target: target,
		Events: events,
	})
	require.NoError(t, err)

	hasType := func(typ event.Type) bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range seen {
			if s == typ {
				return true
			}
		}
		return false
	}

	deadline := time.Now().Add(10 * time.Second)
	for !hasType(event.SyncReached) {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for sync")
		}
		time.Sleep(5 * time.Millisecond)
	}

	job.Cancel()
	require.NoError(t, job.Wait(context.Background()))
	consumerWg.Wait()

	for _, typ := range []event.Type{
		event.JobStarted,
		event.ScanStarted,
		event.ScanComplete,
		event.SyncReached,
		event.DrainStarted,
		event.DrainComplete,
		event.JobCompleted,
	} {
		assert.True(t, hasType(typ), "missing %s", typ)
	}
}

func TestMirrorFileTarget(t *testing.T) {
	t.Parallel()

	const size = 4 * testChunk
	srcDev := blockdev.NewMem(size)
	data := randomData(t, size)
	_, err := srcDev.WriteAt(data, 0)
	require.NoError(t, err)

	src := blockdev.NewSource(srcDev, testChunk)
	targetPath := filepath.Join(t.TempDir(), "target.img")
	rec := newRecorder()

	job, err := Start(context.Background(), Options{
		Source:     src,
		TargetPath: targetPath,
		Events:     rec.ch,
	})
	require.NoError(t, err)

	rec.waitFor(t, event.SyncReached)
	job.Cancel()
	require.NoError(t, job.Wait(context.Background()))

	// The exclusive lock is released on teardown and the bytes match.
	dev, err := blockdev.OpenTarget(targetPath, size)
	require.NoError(t, err)
	defer dev.Close()
	got := make([]byte, size)
	_, err = dev.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}
