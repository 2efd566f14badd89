// Package blockdev provides the device layer the mirror engine copies
// between: raw file/block devices, sparse overlays with backing devices,
// an in-memory device, and a Source wrapper that adds dirty tracking and
// in-flight request accounting.
package blockdev

import (
	"errors"
	"io"
	"math"
)

var (
	// ErrClosed is returned for operations on a closed device.
	ErrClosed = errors.New("blockdev: device is closed")

	// ErrOutOfRange is returned for I/O beyond the device length.
	ErrOutOfRange = errors.New("blockdev: offset out of range")
)

// Device is a fixed-length random-access block device.
type Device interface {
	io.ReaderAt
	io.WriterAt

	// Length returns the device size in bytes, fixed for the device's
	// lifetime.
	Length() (int64, error)

	// Allocated reports whether the byte at off is present in this layer
	// (as opposed to reading through to a backing device), together with
	// the length of the run in that state starting at off. For an
	// unallocated run the reported length may exceed n; callers use it to
	// skip ahead. Raw devices are allocated everywhere.
	Allocated(off, n int64) (allocated bool, run int64, err error)

	// Backing returns the backing device this layer reads through for
	// unallocated regions, or nil.
	Backing() Device

	// Flush persists cached writes.
	Flush() error

	Close() error
}

// AllocatedAbove reports whether any layer of top's backing chain strictly
// above base holds data at off. The second result is the byte length of the
// run sharing that state: for an allocated run it is clamped to n, for an
// unallocated run it is the minimum unallocated run across the probed
// layers and may exceed n. An initial scan advances by exactly this amount,
// which is what makes scanning large mostly-unallocated images cheap.
func AllocatedAbove(top, base Device, off, n int64) (bool, int64, error) {
	run := int64(math.MaxInt64)
	for d := top; d != nil && d != base; d = d.Backing() {
		alloc, r, err := d.Allocated(off, n)
		if err != nil {
			return false, 0, err
		}
		if alloc {
			if r > n {
				r = n
			}
			return true, r, nil
		}
		if r < run {
			run = r
		}
	}
	if run == math.MaxInt64 {
		// Empty chain walk (top == base); nothing above base by definition.
		run = n
	}
	return false, run, nil
}
