// Package ntheap implements the intercepted process heap spec.md §4.10
// describes: rather than emulate RtlAllocateHeap's real algorithm, WBOX
// patches its entry point (and RtlFreeHeap/RtlReAllocateHeap/RtlSizeHeap)
// to a syscall stub and services the call here with a bump allocator
// carrying an 8-byte header per block. Grounded on
// original_source/src/nt/heap.c and the teacher's arena.go
// (generateArenaAlloc/generateArenaFree's bump-pointer-with-header shape,
// adapted from guest-generated code to host-side interception).
package ntheap

import (
	"fmt"

	"github.com/noname22/wbox/internal/diag"
	"github.com/noname22/wbox/internal/memory"
	"github.com/noname22/wbox/internal/paging"
)

// DefaultSize is the process heap's default arena size (spec.md §4.6's
// 16 MiB at 0x10000000).
const DefaultSize = 16 * 1024 * 1024

// BaseVA is the fixed guest VA of the process heap region (spec.md §4.6).
const BaseVA = 0x10000000

const (
	headerSize  = 8
	magicLive   = 0x45564948 // "HIVE" as a little-endian dword, distinct from "FREE"
	magicFreed  = 0x45455246 // "FREE"
	alignment   = 8
)

// HEAP_ZERO_MEMORY, the one RtlAllocateHeap flag WBOX's interception
// actually interprets (spec.md §4.10).
const HeapZeroMemory = 0x00000008

// Heap is a bump-allocated region inside guest VA space backing the
// intercepted Rtl*Heap family (spec.md §3's process-heap data model).
type Heap struct {
	ram  *memory.RAM
	pg   *paging.Context
	base uint32
	size uint32
	phys uint32
	ptr  uint32

	doubleFrees int
}

// New allocates and maps size bytes of guest memory at BaseVA to back the
// process heap.
func New(ram *memory.RAM, pg *paging.Context, size uint32) (*Heap, error) {
	phys, err := pg.AllocPhys(size)
	if err != nil {
		return nil, fmt.Errorf("ntheap: allocate %d bytes: %w", size, err)
	}
	if err := pg.MapRange(BaseVA, phys, size, paging.Present|paging.Writable|paging.User); err != nil {
		return nil, fmt.Errorf("ntheap: map heap: %w", err)
	}
	return &Heap{ram: ram, pg: pg, base: BaseVA, size: size, phys: phys}, nil
}

func (h *Heap) translate(va uint32) uint32 { return h.pg.Translate(va) }

// Contains reports whether dataVA (a pointer previously returned by Alloc)
// lies within this heap's arena.
func (h *Heap) Contains(dataVA uint32) bool {
	return dataVA >= h.base+headerSize && dataVA < h.base+h.size
}

func (h *Heap) headerPA(dataVA uint32) (uint32, error) {
	pa := h.translate(dataVA - headerSize)
	if pa == 0 {
		return 0, fmt.Errorf("ntheap: unmapped header at 0x%08x", dataVA-headerSize)
	}
	return pa, nil
}

// Alloc bump-allocates size bytes (plus an 8-byte header), optionally
// zero-filling, and returns the guest VA of the usable region (past the
// header), or 0 on exhaustion.
func (h *Heap) Alloc(size uint32, flags uint32) uint32 {
	aligned := (size + alignment - 1) &^ (alignment - 1)
	need := headerSize + aligned
	if h.ptr+need > h.size {
		diag.Warnf("ntheap: out of memory allocating %d bytes", size)
		return 0
	}
	blockVA := h.base + h.ptr
	h.ptr += need
	dataVA := blockVA + headerSize

	pa := h.translate(blockVA)
	h.ram.Write32(pa, magicLive)
	h.ram.Write32(pa+4, size)

	if flags&HeapZeroMemory != 0 {
		dataPA := h.translate(dataVA)
		h.ram.Zero(dataPA, int(aligned))
	}
	return dataVA
}

// Free validates dataVA's header magic and flips it to the freed state.
// Freed blocks are never reclaimed (spec.md §3); a double free or a
// pointer outside the arena is reported rather than corrupting state.
func (h *Heap) Free(dataVA uint32) bool {
	if !h.Contains(dataVA) {
		diag.Warnf("ntheap: free of out-of-arena pointer 0x%08x", dataVA)
		return false
	}
	pa, err := h.headerPA(dataVA)
	if err != nil {
		diag.Warnf("%s", err)
		return false
	}
	magic, _ := h.ram.Read32(pa)
	switch magic {
	case magicFreed:
		h.doubleFrees++
		diag.Warnf("ntheap: double free detected at 0x%08x", dataVA)
		return false
	case magicLive:
		h.ram.Write32(pa, magicFreed)
		return true
	default:
		diag.Warnf("ntheap: free of corrupt block at 0x%08x (bad magic 0x%08x)", dataVA, magic)
		return false
	}
}

// Size returns the originally-requested size of the live block at dataVA,
// or (0, false) if dataVA is not a live allocation from this heap.
func (h *Heap) Size(dataVA uint32) (uint32, bool) {
	if !h.Contains(dataVA) {
		return 0, false
	}
	pa, err := h.headerPA(dataVA)
	if err != nil {
		return 0, false
	}
	magic, _ := h.ram.Read32(pa)
	if magic != magicLive {
		return 0, false
	}
	size, _ := h.ram.Read32(pa + 4)
	return size, true
}

// Realloc allocates a new block of newSize, copies min(oldSize, newSize)
// bytes forward, and frees the old block (the bump allocator never
// reclaims in place, so every realloc is effectively alloc+copy+free).
func (h *Heap) Realloc(dataVA uint32, newSize uint32, flags uint32) uint32 {
	oldSize, ok := h.Size(dataVA)
	if !ok {
		diag.Warnf("ntheap: realloc of invalid pointer 0x%08x", dataVA)
		return 0
	}
	newVA := h.Alloc(newSize, flags&^HeapZeroMemory)
	if newVA == 0 {
		return 0
	}
	n := oldSize
	if newSize < n {
		n = newSize
	}
	oldPA := h.translate(dataVA)
	newPA := h.translate(newVA)
	data, _ := h.ram.ReadBytes(oldPA, int(n))
	h.ram.WriteBytes(newPA, data)
	if flags&HeapZeroMemory != 0 && newSize > n {
		h.ram.Zero(newPA+n, int(newSize-n))
	}
	h.Free(dataVA)
	return newVA
}

// DoubleFrees reports how many double-free attempts Free has rejected,
// for diagnostics/tests.
func (h *Heap) DoubleFrees() int { return h.doubleFrees }
