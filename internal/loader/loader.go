// Package loader tracks loaded PE modules and builds the guest-side
// PEB_LDR_DATA / LDR_DATA_TABLE_ENTRY structures the Windows loader
// convention expects (spec.md §4.3, §6.4), grounded on
// original_source/src/loader/module.c and loader.c. It owns the loader
// heap (a small bump allocator in guest memory for these structures) and
// drives import resolution via internal/imports' classification tables.
package loader

import (
	"fmt"
	"strings"

	"github.com/noname22/wbox/internal/export"
	"github.com/noname22/wbox/internal/memory"
	"github.com/noname22/wbox/internal/paging"
	"github.com/noname22/wbox/internal/pefile"
	"github.com/noname22/wbox/internal/stub"
	"github.com/noname22/wbox/internal/vfs"
)

// Guest memory layout for loader structures, module.h's
// LOADER_HEAP_VA/LOADER_HEAP_SIZE/LOADER_STUB_REGION_VA/_SIZE.
const (
	StubRegionVA   = 0x7F000000
	StubRegionSize = 64 * 1024
	HeapVA         = 0x7F010000
	HeapSize       = 64 * 1024

	// NtdllDefaultBase is the fixed load address for ntdll.dll
	// (loader.c's NTDLL_DEFAULT_BASE); ntdll is never relocated by WBOX.
	NtdllDefaultBase = 0x7C800000
	// DefaultImageBase is used when a PE's own preferred base is 0.
	DefaultImageBase = 0x00400000

	// PebLdrOffset is PEB.Ldr's byte offset (module.c's PEB_LDR macro).
	PebLdrOffset = 0x0C
)

// Module is one loaded PE image, host-side tracking plus its guest LDR
// entry address (module.h's loaded_module_t).
type Module struct {
	Name     string // base filename, e.g. "KERNEL32.DLL"
	Path     string // host path actually opened
	Image    *pefile.Image
	Exports  *export.Table
	BaseVA   uint32
	PhysBase uint32
	Size     uint32
	EntryVA  uint32 // 0 if the image has no entry point

	LdrEntryVA uint32

	IsMainEXE      bool
	DllMainCalled  bool
	ImportsResolved bool
}

// Manager tracks all loaded modules and the loader heap (module_manager_t).
type Manager struct {
	ram   *memory.RAM
	pg    *paging.Context
	stubs *stub.Region
	jail  *vfs.Jail

	ntdllPath string

	modules []*Module
	byName  map[string]*Module // lowercased base name
	byBase  map[uint32]*Module

	heapPhys uint32
	heapPtr  uint32

	ldrDataVA   uint32
	hashTableVA uint32

	mainModule *Module
}

// MainModule returns the module loaded by LoadExecutable, or nil before
// that has run.
func (m *Manager) MainModule() *Module { return m.mainModule }

// New creates a Manager with its loader heap and stub region mapped into
// the guest address space (module_manager_init).
func New(ram *memory.RAM, pg *paging.Context, jail *vfs.Jail, ntdllPath string) (*Manager, error) {
	m := &Manager{
		ram:       ram,
		pg:        pg,
		jail:      jail,
		ntdllPath: ntdllPath,
		byName:    make(map[string]*Module),
		byBase:    make(map[uint32]*Module),
	}

	heapPhys, err := pg.AllocPhys(HeapSize)
	if err != nil {
		return nil, fmt.Errorf("loader: allocate loader heap: %w", err)
	}
	if err := pg.MapRange(HeapVA, heapPhys, HeapSize, paging.Present|paging.Writable|paging.User); err != nil {
		return nil, fmt.Errorf("loader: map loader heap: %w", err)
	}
	m.heapPhys = heapPhys

	stubPhys, err := pg.AllocPhys(StubRegionSize)
	if err != nil {
		return nil, fmt.Errorf("loader: allocate stub region: %w", err)
	}
	if err := pg.MapRange(StubRegionVA, stubPhys, StubRegionSize, paging.Present|paging.User); err != nil {
		return nil, fmt.Errorf("loader: map stub region: %w", err)
	}
	m.stubs = stub.NewRegion(ram, pg, StubRegionVA, StubRegionSize)

	return m, nil
}

// FindByName returns the already-loaded module matching name (by base
// filename, case-insensitively), per module_find_by_name. name may be a
// bare filename or a Windows-style path; only the final path component is
// compared, same as the original's strrchr-on-'/'-or-'\\' extraction.
func (m *Manager) FindByName(name string) (*Module, bool) {
	mod, ok := m.byName[strings.ToLower(baseName(name))]
	return mod, ok
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// FindByBase returns the module loaded at base, if any.
func (m *Manager) FindByBase(base uint32) (*Module, bool) {
	mod, ok := m.byBase[base]
	return mod, ok
}

// Modules returns all loaded modules in load order.
func (m *Manager) Modules() []*Module { return m.modules }
