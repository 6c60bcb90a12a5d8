package paging

import (
	"testing"

	"github.com/noname22/wbox/internal/memory"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	ram, err := memory.New(16 * 1024 * 1024)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { ram.Close() })

	pg, err := New(ram, DefaultPhysBase, uint32(ram.Size()))
	if err != nil {
		t.Fatalf("paging.New: %v", err)
	}
	return pg
}

func TestMapPageRoundTrip(t *testing.T) {
	cases := []struct {
		va, pa uint32
	}{
		{0x00400000, 0x00300000},
		{0x7FFDF000, 0x00310000},
		{0x10000000, 0x00320000},
	}
	for _, c := range cases {
		pg := newTestContext(t)
		if err := pg.MapPage(c.va, c.pa, Present|Writable|User); err != nil {
			t.Fatalf("MapPage(0x%x, 0x%x): %v", c.va, c.pa, err)
		}
		if got := pg.Translate(c.va); got != c.pa {
			t.Fatalf("Translate(0x%x) = 0x%x, want 0x%x", c.va, got, c.pa)
		}
		// Any offset within the page must translate to pa+offset.
		for _, off := range []uint32{0, 1, 0xFFF} {
			if got := pg.Translate(c.va + off); got != c.pa+off {
				t.Fatalf("Translate(0x%x+%d) = 0x%x, want 0x%x", c.va, off, got, c.pa+off)
			}
		}
	}
}

func TestTranslateUnmappedReturnsZero(t *testing.T) {
	pg := newTestContext(t)
	if got := pg.Translate(0xDEADB000); got != 0 {
		t.Fatalf("Translate of unmapped va = 0x%x, want 0", got)
	}
}

func TestMapRangeCoversEveryPage(t *testing.T) {
	pg := newTestContext(t)
	const va, pa, size = 0x00400000, 0x00500000, 3 * PageSize
	if err := pg.MapRange(va, pa, size, Present|Writable|User); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	for i := uint32(0); i < 3; i++ {
		if got := pg.Translate(va + i*PageSize); got != pa+i*PageSize {
			t.Fatalf("page %d: Translate = 0x%x, want 0x%x", i, got, pa+i*PageSize)
		}
	}
}

func TestAllocPhysZeroedAndBumps(t *testing.T) {
	pg := newTestContext(t)
	a, err := pg.AllocPhys(100)
	if err != nil {
		t.Fatalf("AllocPhys: %v", err)
	}
	b, err := pg.AllocPhys(PageSize)
	if err != nil {
		t.Fatalf("AllocPhys: %v", err)
	}
	if b != a+PageSize {
		t.Fatalf("AllocPhys did not bump by a full page: a=0x%x b=0x%x", a, b)
	}
}

func TestAllocPhysExhaustion(t *testing.T) {
	ram, err := memory.New(DefaultPhysBase + ptRegionSize + PageSize)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer ram.Close()
	pg, err := New(ram, DefaultPhysBase, uint32(ram.Size()))
	if err != nil {
		t.Fatalf("paging.New: %v", err)
	}
	if _, err := pg.AllocPhys(PageSize); err != nil {
		t.Fatalf("first AllocPhys should succeed: %v", err)
	}
	if _, err := pg.AllocPhys(PageSize); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestMapPageExhaustsPageTableRegion(t *testing.T) {
	ram, err := memory.New(16 * 1024 * 1024)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer ram.Close()

	// Construct a Context directly with an artificially small page-table
	// region (room for the directory plus exactly one page table), so
	// exhaustion is reachable without looping across the full 4 GiB space.
	const physBase = DefaultPhysBase
	if err := ram.Zero(physBase, PageSize); err != nil {
		t.Fatalf("Zero: %v", err)
	}
	pg := &Context{
		ram:        ram,
		PDPhys:     physBase,
		nextPT:     physBase + PageSize,
		ptRegionLo: physBase,
		ptRegionHi: physBase + 2*PageSize,
		allocBase:  physBase + 2*PageSize,
		allocPtr:   physBase + 2*PageSize,
		physSize:   uint32(ram.Size()),
	}

	// Every 4 MiB stride lands in a distinct PDE/page-table; the reserved
	// region here only has room for the directory plus one table.
	if err := pg.MapPage(0x00000000, 0x00000000, Present); err != nil {
		t.Fatalf("first MapPage: %v", err)
	}
	if err := pg.MapPage(0x00400000, 0x00000000, Present); err != ErrPageTablesExhausted {
		t.Fatalf("expected ErrPageTablesExhausted, got %v", err)
	}
}
