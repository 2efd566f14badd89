// Package stats tracks mirror job counters and throughput.
package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks mirror statistics using lock-free atomic counters.
type Collector struct {
	chunksCopied atomic.Int64
	bytesCopied  atomic.Int64
	rewrites     atomic.Int64 // chunks copied more than once (re-dirtied)
	drainPasses  atomic.Int64
	dirtyBytes   atomic.Int64 // gauge: last observed dirty byte count
	offset       atomic.Int64 // gauge: progress offset
	total        atomic.Int64
	startTime    time.Time

	// Ring buffer — written only by the presenter's Tick(), not the engine.
	mu         sync.Mutex
	throughput [ringSize]int64 // bytes delta per second
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

func (c *Collector) AddChunksCopied(n int64) { c.chunksCopied.Add(n) }
func (c *Collector) AddBytesCopied(n int64)  { c.bytesCopied.Add(n) }
func (c *Collector) AddRewrites(n int64)     { c.rewrites.Add(n) }
func (c *Collector) AddDrainPasses(n int64)  { c.drainPasses.Add(n) }
func (c *Collector) SetDirtyBytes(n int64)   { c.dirtyBytes.Store(n) }
func (c *Collector) SetProgress(offset, total int64) {
	c.offset.Store(offset)
	c.total.Store(total)
}

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	ChunksCopied int64
	BytesCopied  int64
	Rewrites     int64
	DrainPasses  int64
	DirtyBytes   int64
	Offset       int64
	Total        int64
	Elapsed      time.Duration
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		ChunksCopied: c.chunksCopied.Load(),
		BytesCopied:  c.bytesCopied.Load(),
		Rewrites:     c.rewrites.Load(),
		DrainPasses:  c.drainPasses.Load(),
		DirtyBytes:   c.dirtyBytes.Load(),
		Offset:       c.offset.Load(),
		Total:        c.total.Load(),
		Elapsed:      c.Elapsed(),
	}
}

// Tick snapshots the bytes-copied delta into the ring buffer. Called once
// per second by the presenter.
func (c *Collector) Tick() {
	currentBytes := c.bytesCopied.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = currentBytes - c.lastBytes
	c.lastBytes = currentBytes
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := seconds
	if count > c.ringCount {
		count = c.ringCount
	}
	if count == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < count; i++ {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// ETA estimates remaining bulk-copy time from rolling speed and the
// remaining dirty bytes. Zero once synced or when speed is unknown.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.dirtyBytes.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"chunks=%d bytes=%d rewrites=%d drains=%d dirty=%d offset=%d/%d",
		s.ChunksCopied, s.BytesCopied, s.Rewrites, s.DrainPasses,
		s.DirtyBytes, s.Offset, s.Total,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
