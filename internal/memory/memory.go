// Package memory implements WBOX's physical memory substrate: a single
// contiguous, fixed-size byte array addressed by physical offset, with
// unaligned-safe read/write accessors for the widths the CPU model needs.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// DefaultPhysSize is the default size of guest physical RAM (256 MiB),
// matching spec.md's PHYS_SIZE default.
const DefaultPhysSize = 256 * 1024 * 1024

// PageSize is the granularity physical memory is reasoned about in.
const PageSize = 4096

// ErrOutOfRange is returned when an access falls outside physical memory.
var ErrOutOfRange = errors.New("memory: access out of range")

// RAM is the host-owned backing store for guest physical memory. It is
// mmap'd anonymously rather than allocated as a plain Go slice: the same
// choice the teacher compiler makes on the guest side when it emits
// mmap/munmap for its own arena allocator (see arena.go), applied here one
// level down to back the emulated RAM itself.
type RAM struct {
	bytes []byte
}

// New allocates size bytes of zeroed physical memory.
func New(size int) (*RAM, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memory: invalid size %d", size)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("memory: mmap %d bytes: %w", size, err)
	}
	return &RAM{bytes: b}, nil
}

// Close releases the backing mapping. Safe to call on a nil *RAM.
func (r *RAM) Close() error {
	if r == nil || r.bytes == nil {
		return nil
	}
	err := unix.Munmap(r.bytes)
	r.bytes = nil
	return err
}

// Size returns the total size of physical memory in bytes.
func (r *RAM) Size() int { return len(r.bytes) }

func (r *RAM) bounds(pa uint32, width int) error {
	if int(pa)+width > len(r.bytes) || int(pa) < 0 {
		return fmt.Errorf("%w: pa=0x%x width=%d size=%d", ErrOutOfRange, pa, width, len(r.bytes))
	}
	return nil
}

// Read8 reads a byte at physical address pa.
func (r *RAM) Read8(pa uint32) (uint8, error) {
	if err := r.bounds(pa, 1); err != nil {
		return 0, err
	}
	return r.bytes[pa], nil
}

// Write8 writes a byte at physical address pa.
func (r *RAM) Write8(pa uint32, v uint8) error {
	if err := r.bounds(pa, 1); err != nil {
		return err
	}
	r.bytes[pa] = v
	return nil
}

// Read16 reads a little-endian 16-bit word at physical address pa. Unaligned
// accesses are supported, as x86 permits them.
func (r *RAM) Read16(pa uint32) (uint16, error) {
	if err := r.bounds(pa, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(r.bytes[pa:]), nil
}

// Write16 writes a little-endian 16-bit word at physical address pa.
func (r *RAM) Write16(pa uint32, v uint16) error {
	if err := r.bounds(pa, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(r.bytes[pa:], v)
	return nil
}

// Read32 reads a little-endian 32-bit dword at physical address pa.
func (r *RAM) Read32(pa uint32) (uint32, error) {
	if err := r.bounds(pa, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(r.bytes[pa:]), nil
}

// Write32 writes a little-endian 32-bit dword at physical address pa.
func (r *RAM) Write32(pa uint32, v uint32) error {
	if err := r.bounds(pa, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(r.bytes[pa:], v)
	return nil
}

// Read64 reads a little-endian 64-bit qword at physical address pa.
func (r *RAM) Read64(pa uint32) (uint64, error) {
	if err := r.bounds(pa, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(r.bytes[pa:]), nil
}

// Write64 writes a little-endian 64-bit qword at physical address pa.
func (r *RAM) Write64(pa uint32, v uint64) error {
	if err := r.bounds(pa, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(r.bytes[pa:], v)
	return nil
}

// ReadBytes copies n bytes starting at pa into a new slice.
func (r *RAM) ReadBytes(pa uint32, n int) ([]byte, error) {
	if err := r.bounds(pa, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.bytes[pa:int(pa)+n])
	return out, nil
}

// WriteBytes copies data into physical memory starting at pa.
func (r *RAM) WriteBytes(pa uint32, data []byte) error {
	if err := r.bounds(pa, len(data)); err != nil {
		return err
	}
	copy(r.bytes[pa:], data)
	return nil
}

// Zero fills n bytes starting at pa with zero.
func (r *RAM) Zero(pa uint32, n int) error {
	if err := r.bounds(pa, n); err != nil {
		return err
	}
	clear(r.bytes[pa : int(pa)+n])
	return nil
}
