// Package bitmap provides a chunk-granularity dirty bitmap for block
// devices. Foreground writes mark chunks dirty; the mirror engine drains
// them round-robin and clears each chunk before copying it.
package bitmap

import (
	"fmt"
	"math/bits"
	"sync"
)

// Bitmap records which fixed-size chunks of a byte range have been written
// since they were last cleared. All methods are safe for concurrent use;
// writers and the mirror engine run on separate goroutines.
type Bitmap struct {
	mu        sync.Mutex
	length    int64
	chunkSize int64
	chunks    int64
	words     []uint64
	dirty     int64 // dirty chunk count
}

// New creates a bitmap covering [0, length) at the given chunk granularity.
// chunkSize must be a positive power of two.
func New(length, chunkSize int64) (*Bitmap, error) {
	if length < 0 {
		return nil, fmt.Errorf("bitmap: negative length %d", length)
	}
	if chunkSize <= 0 || chunkSize&(chunkSize-1) != 0 {
		return nil, fmt.Errorf("bitmap: chunk size %d is not a power of two", chunkSize)
	}
	chunks := (length + chunkSize - 1) / chunkSize
	return &Bitmap{
		length:    length,
		chunkSize: chunkSize,
		chunks:    chunks,
		words:     make([]uint64, (chunks+63)/64),
	}, nil
}

// ChunkSize returns the chunk granularity in bytes.
func (b *Bitmap) ChunkSize() int64 { return b.chunkSize }

// Length returns the covered byte range.
func (b *Bitmap) Length() int64 { return b.length }

// Mark sets every chunk overlapping [off, off+n) dirty.
func (b *Bitmap) Mark(off, n int64) {
	first, last, ok := b.chunkSpan(off, n)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := first; c <= last; c++ {
		w, bit := c/64, uint(c%64)
		if b.words[w]&(1<<bit) == 0 {
			b.words[w] |= 1 << bit
			b.dirty++
		}
	}
}

// Clear resets every chunk overlapping [off, off+n). The engine clears a
// chunk before issuing its copy so that a racing write re-marks it.
func (b *Bitmap) Clear(off, n int64) {
	first, last, ok := b.chunkSpan(off, n)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := first; c <= last; c++ {
		w, bit := c/64, uint(c%64)
		if b.words[w]&(1<<bit) != 0 {
			b.words[w] &^= 1 << bit
			b.dirty--
		}
	}
}

// DirtyChunks returns the number of dirty chunks.
func (b *Bitmap) DirtyChunks() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// DirtyBytes returns the dirty byte count at chunk granularity. The final
// chunk of an unaligned device counts at full size, so the result is coarse.
func (b *Bitmap) DirtyBytes() int64 {
	return b.DirtyChunks() * b.chunkSize
}

// NextDirty returns the byte offset of the next dirty chunk strictly after
// the chunk containing pos, scanning forward and wrapping to the start.
// Pass a negative pos to scan from the beginning. Returns -1 when no chunk
// is dirty.
func (b *Bitmap) NextDirty(pos int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dirty == 0 || b.chunks == 0 {
		return -1
	}

	start := int64(0)
	if pos >= 0 {
		start = pos/b.chunkSize + 1
	}
	for i := int64(0); i < b.chunks; i++ {
		c := (start + i) % b.chunks
		w, bit := c/64, uint(c%64)
		if b.words[w]&(1<<bit) != 0 {
			return c * b.chunkSize
		}
		// Skip the rest of an all-clear word when aligned to its start.
		// The final word may cover fewer than 64 chunks; skipping past
		// b.chunks would jump over wrapped positions at the front.
		if bit == 0 && b.words[w] == 0 {
			i += min(63, b.chunks-1-c)
		}
	}
	return -1
}

// Reset clears every chunk.
func (b *Bitmap) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.words)
	b.dirty = 0
}

// Count recomputes the dirty chunk count from the words. Used by tests as a
// cross-check against the incrementally maintained counter.
func (b *Bitmap) Count() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n int64
	for _, w := range b.words {
		n += int64(bits.OnesCount64(w))
	}
	return n
}

// chunkSpan converts a byte range to an inclusive chunk index range,
// clamped to the bitmap bounds.
func (b *Bitmap) chunkSpan(off, n int64) (first, last int64, ok bool) {
	if n <= 0 || off >= b.length || off+n <= 0 {
		return 0, 0, false
	}
	if off < 0 {
		n += off
		off = 0
	}
	end := off + n
	if end > b.length {
		end = b.length
	}
	first = off / b.chunkSize
	last = (end - 1) / b.chunkSize
	if last >= b.chunks {
		last = b.chunks - 1
	}
	return first, last, true
}
