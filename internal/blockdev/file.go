package blockdev

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// OpenOptions controls how a File device is opened.
type OpenOptions struct {
	ReadOnly  bool
	Exclusive bool  // take a non-blocking flock; fail if another holder exists
	Create    bool  // create the file if missing
	Size      int64 // size to allocate when creating (0 = keep existing)
	WriteBack bool  // cache writes; only Flush persists them
	NoFlush   bool  // ignore Flush entirely (caller manages durability)
}

// File is a raw device backed by a regular file or a block device node.
// Raw devices have no backing chain and count as allocated everywhere.
type File struct {
	f      *os.File
	path   string
	length int64
	opts   OpenOptions
	closed bool
}

// Open opens path as a raw device. The device length is fixed at open time.
func Open(path string, opts OpenOptions) (*File, error) {
	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	if opts.Create {
		flag |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if opts.Exclusive {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
	}

	if opts.Create && opts.Size > 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if info.Mode().IsRegular() && info.Size() < opts.Size {
			if err := f.Truncate(opts.Size); err != nil {
				f.Close()
				return nil, fmt.Errorf("truncate %s: %w", path, err)
			}
			preallocate(f, opts.Size)
		}
	}

	// Seeking to the end sizes both regular files and block device nodes.
	length, err := unix.Seek(int(f.Fd()), 0, unix.SEEK_END)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("size %s: %w", path, err)
	}

	return &File{f: f, path: path, length: length, opts: opts}, nil
}

// OpenTarget opens path as a mirror target: created if missing and sized to
// the source, exclusively locked, write-back cached, with no backing chain
// and flushes suppressed.
func OpenTarget(path string, size int64) (*File, error) {
	return Open(path, OpenOptions{
		Create:    true,
		Size:      size,
		Exclusive: true,
		WriteBack: true,
		NoFlush:   true,
	})
}

// Path returns the path the device was opened from.
func (d *File) Path() string { return d.path }

// Length returns the device size fixed at open time.
func (d *File) Length() (int64, error) {
	if d.closed {
		return 0, ErrClosed
	}
	return d.length, nil
}

func (d *File) ReadAt(p []byte, off int64) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}
	if off < 0 || off+int64(len(p)) > d.length {
		return 0, ErrOutOfRange
	}
	return d.f.ReadAt(p, off)
}

func (d *File) WriteAt(p []byte, off int64) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}
	if off < 0 || off+int64(len(p)) > d.length {
		return 0, ErrOutOfRange
	}
	n, err := d.f.WriteAt(p, off)
	if err != nil {
		return n, err
	}
	if !d.opts.WriteBack && !d.opts.NoFlush {
		if err := d.fdatasync(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Allocated implements the raw-device rule: every byte in range is
// allocated in this layer.
func (d *File) Allocated(off, n int64) (bool, int64, error) {
	if d.closed {
		return false, 0, ErrClosed
	}
	if off < 0 || off >= d.length {
		return false, 0, ErrOutOfRange
	}
	if off+n > d.length {
		n = d.length - off
	}
	return true, n, nil
}

// Backing returns nil: raw devices have no backing chain.
func (d *File) Backing() Device { return nil }

// Flush persists cached writes, unless the device was opened NoFlush.
func (d *File) Flush() error {
	if d.closed {
		return ErrClosed
	}
	if d.opts.NoFlush || d.opts.ReadOnly {
		return nil
	}
	return d.fdatasync()
}

// Close flushes (unless NoFlush), releases the lock, and closes the file.
func (d *File) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	var firstErr error
	if !d.opts.NoFlush && !d.opts.ReadOnly {
		if err := d.fdatasync(); err != nil {
			firstErr = err
		}
	}
	if d.opts.Exclusive {
		_ = unix.Flock(int(d.f.Fd()), unix.LOCK_UN)
	}
	if err := d.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (d *File) fdatasync() error {
	err := unix.Fdatasync(int(d.f.Fd()))
	if err == syscall.EINVAL || err == syscall.ENOTSUP {
		// Not supported on this file type; fall back to Sync.
		return d.f.Sync()
	}
	return err
}

// dataRun walks SEEK_DATA/SEEK_HOLE to classify the extent at off: whether
// it holds data and how far that state extends. Used by Overlay, where a
// hole in the top file reads through to the backing device. Filesystems
// without sparse support report the whole file as data.
func (d *File) dataRun(off int64) (data bool, run int64, err error) {
	if d.closed {
		return false, 0, ErrClosed
	}
	fd := int(d.f.Fd())

	dataStart, err := unix.Seek(fd, off, unix.SEEK_DATA)
	switch {
	case err == syscall.ENXIO:
		// No data at or after off: hole to EOF.
		return false, d.length - off, nil
	case err == syscall.EINVAL || err == syscall.ENOTSUP:
		// Sparse detection unsupported: treat everything as data.
		return true, d.length - off, nil
	case err != nil:
		return false, 0, fmt.Errorf("seek data %s: %w", d.path, err)
	}

	if dataStart > off {
		return false, dataStart - off, nil
	}

	holeStart, err := unix.Seek(fd, off, unix.SEEK_HOLE)
	if err != nil {
		if err == syscall.ENXIO {
			return true, d.length - off, nil
		}
		return false, 0, fmt.Errorf("seek hole %s: %w", d.path, err)
	}
	if holeStart > d.length {
		holeStart = d.length
	}
	return true, holeStart - off, nil
}
