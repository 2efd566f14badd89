package blockdev

import "fmt"

// Overlay is a device whose data lives in a sparse top file; holes in the
// top file read through to a backing device. Writes always land in the top
// file, so a written region becomes allocated in this layer. This is the
// incremental-mode source shape: only regions written above the backing
// image count as allocated here.
type Overlay struct {
	top     *File
	backing Device
	length  int64
}

// NewOverlay stacks top over backing. The overlay length is the top file's
// length; the backing device must be at least as long.
func NewOverlay(top *File, backing Device) (*Overlay, error) {
	length, err := top.Length()
	if err != nil {
		return nil, err
	}
	if backing != nil {
		blen, err := backing.Length()
		if err != nil {
			return nil, fmt.Errorf("backing length: %w", err)
		}
		if blen < length {
			return nil, fmt.Errorf("backing device is %d bytes, need %d", blen, length)
		}
	}
	return &Overlay{top: top, backing: backing, length: length}, nil
}

func (o *Overlay) Length() (int64, error) { return o.top.Length() }

// Path returns the top file's path.
func (o *Overlay) Path() string { return o.top.Path() }

// Backing returns the device unallocated reads fall through to.
func (o *Overlay) Backing() Device { return o.backing }

// ReadAt serves each extent from the top file where allocated and from the
// backing device elsewhere. Holes with no backing read as zeros.
func (o *Overlay) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > o.length {
		return 0, ErrOutOfRange
	}

	read := 0
	for read < len(p) {
		cur := off + int64(read)
		data, run, err := o.top.dataRun(cur)
		if err != nil {
			return read, err
		}
		if run > int64(len(p)-read) {
			run = int64(len(p) - read)
		}
		seg := p[read : read+int(run)]

		switch {
		case data:
			if _, err := o.top.ReadAt(seg, cur); err != nil {
				return read, err
			}
		case o.backing != nil:
			if _, err := o.backing.ReadAt(seg, cur); err != nil {
				return read, err
			}
		default:
			clear(seg)
		}
		read += int(run)
	}
	return read, nil
}

func (o *Overlay) WriteAt(p []byte, off int64) (int, error) {
	return o.top.WriteAt(p, off)
}

// Allocated reports the top file's extent state at off.
func (o *Overlay) Allocated(off, n int64) (bool, int64, error) {
	if off < 0 || off >= o.length {
		return false, 0, ErrOutOfRange
	}
	data, run, err := o.top.dataRun(off)
	if err != nil {
		return false, 0, err
	}
	if data && run > n {
		run = n
	}
	return data, run, nil
}

func (o *Overlay) Flush() error { return o.top.Flush() }

// Close closes the top file only; the backing device belongs to the caller.
func (o *Overlay) Close() error { return o.top.Close() }
