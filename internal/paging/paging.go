// Package paging builds and walks a 32-bit two-level x86 page table (4 KiB
// pages, 1024 PDEs x 1024 PTEs) over a host memory.RAM substrate.
package paging

import (
	"errors"
	"fmt"

	"github.com/noname22/wbox/internal/memory"
)

const (
	// PageSize is the page granularity (4 KiB).
	PageSize = 4096
	// EntryCount is the number of entries per page directory/table.
	EntryCount = 1024
)

// PTE/PDE flag bits.
const (
	Present  = 0x001
	Writable = 0x002
	User     = 0x004
	Accessed = 0x020
	Dirty    = 0x040
	Large    = 0x080
)

// DefaultPhysBase is where the page directory and page tables begin, per
// spec.md §4.6 ("0x00100000 — paging structures").
const DefaultPhysBase = 0x00100000

// ErrPageTablesExhausted is returned by MapPage when the reserved
// page-table region has been fully consumed.
var ErrPageTablesExhausted = errors.New("paging: page table region exhausted")

// ErrOutOfMemory is returned by AllocPhys when the general allocation
// region is exhausted.
var ErrOutOfMemory = errors.New("paging: out of physical memory")

// ptRegionSize reserves room for the page directory plus up to 1024 page
// tables: one directory page plus EntryCount table pages.
const ptRegionSize = (1 + EntryCount) * PageSize

// Context owns page-table construction and translation over a RAM.
// FlushMMU, if set, is invoked after every MapPage so an
// external CPU model can drop any cached translations (spec.md §4.1).
type Context struct {
	ram *memory.RAM

	PDPhys uint32 // physical address of the page directory

	nextPT     uint32 // bump pointer within the reserved page-table region
	ptRegionLo uint32
	ptRegionHi uint32

	allocBase uint32 // start of the general physical allocation region
	allocPtr  uint32 // bump pointer for alloc_phys
	physSize  uint32

	FlushMMU func()
}

// New creates a paging context. physBase is where the page directory and
// reserved page-table region begin (spec.md: 0x00100000); physSize is the
// total size of physical RAM. The general allocation region starts
// immediately after the reserved page-table region, satisfying the
// invariant that the page directory and all page tables lie below it.
func New(ram *memory.RAM, physBase, physSize uint32) (*Context, error) {
	if physBase+ptRegionSize > physSize {
		return nil, fmt.Errorf("paging: phys base 0x%x leaves no room for page tables in %d bytes", physBase, physSize)
	}
	ctx := &Context{
		ram:        ram,
		PDPhys:     physBase,
		nextPT:     physBase + PageSize,
		ptRegionLo: physBase,
		ptRegionHi: physBase + ptRegionSize,
		allocBase:  physBase + ptRegionSize,
		allocPtr:   physBase + ptRegionSize,
		physSize:   physSize,
	}
	if err := ram.Zero(ctx.PDPhys, PageSize); err != nil {
		return nil, err
	}
	return ctx, nil
}

// CR3 returns the page directory physical address, suitable for loading
// into the CPU model's CR3 register.
func (c *Context) CR3() uint32 { return c.PDPhys }

func split(va uint32) (pde, pte, off uint32) {
	return (va >> 22) & 0x3FF, (va >> 12) & 0x3FF, va & 0xFFF
}

func (c *Context) pdeAddr(pde uint32) uint32 { return c.PDPhys + pde*4 }

// allocPageTable bumps the reserved page-table pointer and zeroes the new
// table. Returns ErrPageTablesExhausted if the reserved region is full.
func (c *Context) allocPageTable() (uint32, error) {
	if c.nextPT+PageSize > c.ptRegionHi {
		return 0, ErrPageTablesExhausted
	}
	pt := c.nextPT
	c.nextPT += PageSize
	if err := c.ram.Zero(pt, PageSize); err != nil {
		return 0, err
	}
	return pt, nil
}

// MapPage maps one 4 KiB page from va to pa with the given PTE flags.
// Present is implied and always set on the PTE. The PDE is made permissive
// (Writable|User) whenever the PTE carries those bits, because on x86 the
// PTE — not the PDE — is the authoritative access gate; the caller's flags
// are the ones enforced.
func (c *Context) MapPage(va, pa, flags uint32) error {
	pdeIdx, pteIdx, _ := split(va)

	pdeAddr := c.pdeAddr(pdeIdx)
	pdeVal, err := c.ram.Read32(pdeAddr)
	if err != nil {
		return err
	}

	var ptPhys uint32
	if pdeVal&Present == 0 {
		ptPhys, err = c.allocPageTable()
		if err != nil {
			return err
		}
		pdeFlags := uint32(Present)
		if flags&Writable != 0 {
			pdeFlags |= Writable
		}
		if flags&User != 0 {
			pdeFlags |= User
		}
		if err := c.ram.Write32(pdeAddr, (ptPhys&0xFFFFF000)|pdeFlags); err != nil {
			return err
		}
	} else {
		ptPhys = pdeVal & 0xFFFFF000
		// Widen the PDE's permissive bits if this mapping needs more access
		// than previously granted at this PDE.
		newPdeVal := pdeVal
		if flags&Writable != 0 {
			newPdeVal |= Writable
		}
		if flags&User != 0 {
			newPdeVal |= User
		}
		if newPdeVal != pdeVal {
			if err := c.ram.Write32(pdeAddr, newPdeVal); err != nil {
				return err
			}
		}
	}

	pteAddr := ptPhys + pteIdx*4
	pteVal := (pa & 0xFFFFF000) | Present | (flags &^ uint32(Present))
	if err := c.ram.Write32(pteAddr, pteVal); err != nil {
		return err
	}
	if c.FlushMMU != nil {
		c.FlushMMU()
	}
	return nil
}

// MapRange maps a run of pages covering [va, va+size) to physical memory
// starting at pa, rounding size up to a whole number of pages.
func (c *Context) MapRange(va, pa, size, flags uint32) error {
	pages := (size + PageSize - 1) / PageSize
	for i := uint32(0); i < pages; i++ {
		if err := c.MapPage(va+i*PageSize, pa+i*PageSize, flags); err != nil {
			return fmt.Errorf("paging: map_range at page %d: %w", i, err)
		}
	}
	return nil
}

// Translate walks the page tables for va and returns the mapped physical
// address, or 0 if any PDE/PTE on the path is not present.
func (c *Context) Translate(va uint32) uint32 {
	pdeIdx, pteIdx, off := split(va)
	pdeVal, err := c.ram.Read32(c.pdeAddr(pdeIdx))
	if err != nil || pdeVal&Present == 0 {
		return 0
	}
	ptPhys := pdeVal & 0xFFFFF000
	pteVal, err := c.ram.Read32(ptPhys + pteIdx*4)
	if err != nil || pteVal&Present == 0 {
		return 0
	}
	return (pteVal & 0xFFFFF000) | off
}

// AllocPhys bumps the general allocation pointer and returns a zeroed
// physical region of size bytes (rounded up to page size), or 0 if the
// physical memory pool is exhausted.
func (c *Context) AllocPhys(size uint32) (uint32, error) {
	rounded := (size + PageSize - 1) &^ (PageSize - 1)
	if rounded == 0 {
		rounded = PageSize
	}
	if c.allocPtr+rounded > c.physSize {
		return 0, ErrOutOfMemory
	}
	addr := c.allocPtr
	c.allocPtr += rounded
	if err := c.ram.Zero(addr, int(rounded)); err != nil {
		return 0, err
	}
	return addr, nil
}

// IdentityMap maps [0, size) virtual to [0, size) physical with the given
// flags, used to keep descriptor tables accessible once paging is enabled
// (spec.md §4.6 step 3).
func (c *Context) IdentityMap(size, flags uint32) error {
	return c.MapRange(0, 0, size, flags)
}
