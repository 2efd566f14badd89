package blockdev

import (
	"fmt"
	"sync"
)

// Mem is an in-memory device. A raw Mem (no backing) is allocated
// everywhere; an overlay Mem tracks allocation per unit and reads through
// to its backing device, with copy-on-write for partial-unit writes. Used
// as a scratch target and throughout the engine tests.
type Mem struct {
	mu      sync.RWMutex
	data    []byte
	present []bool // per allocation unit; nil for raw
	unit    int64
	backing Device
	closed  bool
}

// NewMem creates a raw in-memory device of the given length.
func NewMem(length int64) *Mem {
	return &Mem{data: make([]byte, length), unit: 1}
}

// NewMemOverlay creates an unallocated in-memory device of the given length
// over backing (which may be nil; unallocated reads are then zeros).
// Allocation is tracked at unit granularity.
func NewMemOverlay(backing Device, length, unit int64) (*Mem, error) {
	if unit <= 0 {
		return nil, fmt.Errorf("mem: invalid allocation unit %d", unit)
	}
	if backing != nil {
		blen, err := backing.Length()
		if err != nil {
			return nil, err
		}
		if blen < length {
			return nil, fmt.Errorf("mem: backing is %d bytes, need %d", blen, length)
		}
	}
	units := (length + unit - 1) / unit
	return &Mem{
		data:    make([]byte, length),
		present: make([]bool, units),
		unit:    unit,
		backing: backing,
	}, nil
}

func (m *Mem) Length() (int64, error) {
	if m.closed {
		return 0, ErrClosed
	}
	return int64(len(m.data)), nil
}

func (m *Mem) Backing() Device { return m.backing }

func (m *Mem) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, ErrOutOfRange
	}
	if m.present == nil {
		copy(p, m.data[off:])
		return len(p), nil
	}

	read := 0
	for read < len(p) {
		cur := off + int64(read)
		u := cur / m.unit
		runEnd := (u + 1) * m.unit
		if runEnd > off+int64(len(p)) {
			runEnd = off + int64(len(p))
		}
		seg := p[read : read+int(runEnd-cur)]
		switch {
		case m.present[u]:
			copy(seg, m.data[cur:])
		case m.backing != nil:
			if _, err := m.backing.ReadAt(seg, cur); err != nil {
				return read, err
			}
		default:
			clear(seg)
		}
		read += len(seg)
	}
	return read, nil
}

func (m *Mem) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, ErrOutOfRange
	}
	if m.present != nil {
		if err := m.populate(off, int64(len(p))); err != nil {
			return 0, err
		}
	}
	copy(m.data[off:], p)
	return len(p), nil
}

// populate marks the units covering [off, off+n) present, pulling backing
// content first so a partial-unit write doesn't clobber the rest of the
// unit with zeros.
func (m *Mem) populate(off, n int64) error {
	length := int64(len(m.data))
	first := off / m.unit
	last := (off + n - 1) / m.unit
	for u := first; u <= last; u++ {
		if m.present[u] {
			continue
		}
		if m.backing != nil {
			start := u * m.unit
			end := start + m.unit
			if end > length {
				end = length
			}
			if _, err := m.backing.ReadAt(m.data[start:end], start); err != nil {
				return err
			}
		}
		m.present[u] = true
	}
	return nil
}

// Allocated reports the allocation run at off. Unallocated runs are
// reported in full even past the probed window.
func (m *Mem) Allocated(off, n int64) (bool, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, 0, ErrClosed
	}
	length := int64(len(m.data))
	if off < 0 || off >= length {
		return false, 0, ErrOutOfRange
	}
	if m.present == nil {
		if off+n > length {
			n = length - off
		}
		return true, n, nil
	}

	u := off / m.unit
	state := m.present[u]
	run := (u+1)*m.unit - off
	for v := u + 1; v < int64(len(m.present)) && m.present[v] == state; v++ {
		run += m.unit
	}
	if off+run > length {
		run = length - off
	}
	if state && run > n {
		run = n
	}
	return state, run, nil
}

// Bytes returns the raw contents. Test helper; not synchronized with
// concurrent writers.
func (m *Mem) Bytes() []byte { return m.data }

func (m *Mem) Flush() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Mem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
