package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/noname22/wbox/internal/export"
	"github.com/noname22/wbox/internal/paging"
	"github.com/noname22/wbox/internal/pefile"
)

// LDR_DATA_TABLE_ENTRY32 layout (module.h).
const ldrEntrySize = 0x50

// PEB_LDR_DATA32 layout (module.h).
const pebLdrDataSize = 0x28

// LoadPath loads and maps the PE image at hostPath. preferredBase, if
// nonzero, overrides both the PE's own image base and the 0x00400000
// default (load_pe_internal).
func (m *Manager) LoadPath(hostPath string, preferredBase uint32) (*Module, error) {
	return m.loadInternal(hostPath, preferredBase, false)
}

func (m *Manager) loadInternal(hostPath string, preferredBase uint32, isMainEXE bool) (*Module, error) {
	raw, err := os.ReadFile(hostPath)
	if err != nil {
		return nil, fmt.Errorf("loader: read %q: %w", hostPath, err)
	}
	img, err := pefile.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("loader: parse %q: %w", hostPath, err)
	}

	mod := &Module{
		Name:      strings.ToUpper(filepath.Base(hostPath)),
		Path:      hostPath,
		Image:     img,
		IsMainEXE: isMainEXE,
	}

	loadBase := preferredBase
	if loadBase == 0 {
		loadBase = img.Opt.ImageBase
	}
	if loadBase == 0 {
		loadBase = DefaultImageBase
	}
	mod.BaseVA = loadBase
	mod.Size = img.Opt.SizeOfImage
	if img.EntryRVA() != 0 {
		mod.EntryVA = loadBase + img.EntryRVA()
	}

	physBase, err := m.pg.AllocPhys(mod.Size)
	if err != nil {
		return nil, fmt.Errorf("loader: allocate image memory for %s: %w", mod.Name, err)
	}
	mod.PhysBase = physBase

	hdrSize := img.Opt.SizeOfHeaders
	if hdrSize > uint32(len(raw)) {
		hdrSize = uint32(len(raw))
	}
	if err := m.ram.WriteBytes(physBase, raw[:hdrSize]); err != nil {
		return nil, fmt.Errorf("loader: write headers for %s: %w", mod.Name, err)
	}

	for _, sec := range img.Sections {
		secPhys := physBase + sec.VirtualAddress
		copySize := sec.SizeOfRawData
		if sec.VirtualSize < copySize {
			copySize = sec.VirtualSize
		}
		if copySize > 0 {
			end := sec.PointerToRawData + copySize
			if end > uint32(len(raw)) {
				end = uint32(len(raw))
				copySize = end - sec.PointerToRawData
			}
			if err := m.ram.WriteBytes(secPhys, raw[sec.PointerToRawData:end]); err != nil {
				return nil, fmt.Errorf("loader: write section %s of %s: %w", sec.Name8(), mod.Name, err)
			}
		}
		if sec.VirtualSize > copySize {
			if err := m.ram.Zero(secPhys+copySize, int(sec.VirtualSize-copySize)); err != nil {
				return nil, fmt.Errorf("loader: zero-fill section %s of %s: %w", sec.Name8(), mod.Name, err)
			}
		}
	}

	if err := m.applyRelocations(img, physBase, loadBase); err != nil {
		return nil, fmt.Errorf("loader: relocate %s: %w", mod.Name, err)
	}

	if err := m.pg.MapRange(mod.BaseVA, physBase, mod.Size, paging.Present|paging.Writable|paging.User); err != nil {
		return nil, fmt.Errorf("loader: map %s: %w", mod.Name, err)
	}

	exp, err := export.Parse(img)
	if err != nil {
		return nil, fmt.Errorf("loader: parse exports of %s: %w", mod.Name, err)
	}
	mod.Exports = exp

	m.modules = append(m.modules, mod)
	m.byName[strings.ToLower(mod.Name)] = mod
	m.byBase[mod.BaseVA] = mod

	return mod, nil
}

// applyRelocations rewrites every IMAGE_REL_BASED_HIGHLOW fixup by the
// difference between the image's actual load address and its preferred
// base (load_pe_internal's relocation loop).
func (m *Manager) applyRelocations(img *pefile.Image, physBase, loadBase uint32) error {
	delta := int64(loadBase) - int64(img.Opt.ImageBase)
	if delta == 0 {
		return nil
	}
	blocks, err := img.Relocations()
	if err != nil {
		return err
	}
	for _, blk := range blocks {
		for _, raw := range blk.Entries {
			typ := raw >> 12
			off := raw & 0xFFF
			if typ != pefile.RelBasedHighLow {
				continue
			}
			addr := physBase + blk.PageRVA + uint32(off)
			val, err := m.ram.Read32(addr)
			if err != nil {
				return err
			}
			if err := m.ram.Write32(addr, uint32(int64(val)+delta)); err != nil {
				return err
			}
		}
	}
	return nil
}

// InitPEBLdr allocates and zero-initializes PEB_LDR_DATA, sets its three
// module lists to empty self-referential circles, and patches PEB.Ldr at
// pebVA+PebLdrOffset (module_init_peb_ldr).
func (m *Manager) InitPEBLdr(pebVA uint32) error {
	ldrVA := m.heapAlloc(pebLdrDataSize)
	if ldrVA == 0 {
		return fmt.Errorf("loader: out of loader heap initializing PEB_LDR_DATA")
	}
	m.ldrDataVA = ldrVA

	if err := m.writeVirt32(ldrVA+0x00, pebLdrDataSize); err != nil {
		return err
	}
	if err := m.writeVirt32(ldrVA+0x04, 1); err != nil { // Initialized (byte, widened)
		return err
	}
	if err := m.writeVirt32(ldrVA+0x08, 0); err != nil { // SsHandle
		return err
	}

	for _, off := range []uint32{0x0C, 0x14, 0x1C} {
		head := ldrVA + off
		if err := m.writeVirt32(head+0, head); err != nil {
			return err
		}
		if err := m.writeVirt32(head+4, head); err != nil {
			return err
		}
	}
	if err := m.writeVirt32(ldrVA+0x24, 0); err != nil { // EntryInProgress
		return err
	}
	return m.writeVirt32(pebVA+PebLdrOffset, ldrVA)
}

// CreateLdrEntry allocates and fills an LDR_DATA_TABLE_ENTRY for mod,
// links it onto the load-order and memory-order lists, and leaves its
// initialization-order links and hash links self-referential until
// DllMain has run and it is linked into the hash table, respectively
// (module_create_ldr_entry).
func (m *Manager) CreateLdrEntry(mod *Module) error {
	entryVA := m.heapAlloc(ldrEntrySize)
	if entryVA == 0 {
		return fmt.Errorf("loader: out of loader heap creating LDR entry for %s", mod.Name)
	}
	nameVA := m.heapAlloc(uint32(len(mod.Name)+1) * 2)
	if nameVA == 0 {
		return fmt.Errorf("loader: out of loader heap for name of %s", mod.Name)
	}
	nameBytes, err := m.writeWideString(nameVA, mod.Name)
	if err != nil {
		return err
	}

	writes := []struct {
		off uint32
		val uint32
	}{
		{0x18, mod.BaseVA},
		{0x1C, mod.EntryVA},
		{0x20, mod.Size},
		{0x28, nameVA}, // FullDllName.Buffer
		{0x30, nameVA}, // BaseDllName.Buffer
		{0x34, 0x00004000},
		{0x44, 0},
		{0x48, 0},
		{0x4C, 0},
	}
	for _, w := range writes {
		if err := m.writeVirt32(entryVA+w.off, w.val); err != nil {
			return err
		}
	}
	for _, off := range []uint32{0x24, 0x2C} { // FullDllName/BaseDllName Length,MaxLength
		if err := m.writeVirt16(entryVA+off, uint16(nameBytes)); err != nil {
			return err
		}
		if err := m.writeVirt16(entryVA+off+2, uint16(nameBytes+2)); err != nil {
			return err
		}
	}
	if err := m.writeVirt16(entryVA+0x38, 1); err != nil { // LoadCount
		return err
	}
	if err := m.writeVirt16(entryVA+0x3A, 0); err != nil { // TlsIndex
		return err
	}
	// HashLinks self-referential until module_link_to_hash_table runs.
	if err := m.writeVirt32(entryVA+0x3C, entryVA+0x3C); err != nil {
		return err
	}
	if err := m.writeVirt32(entryVA+0x40, entryVA+0x3C); err != nil {
		return err
	}

	if err := m.listInsertTail(m.ldrDataVA+0x0C, entryVA+0x00); err != nil {
		return err
	}
	if err := m.listInsertTail(m.ldrDataVA+0x14, entryVA+0x08); err != nil {
		return err
	}
	// InInitializationOrderLinks stays unlinked until DllMain succeeds.
	if err := m.writeVirt32(entryVA+0x10, entryVA+0x10); err != nil {
		return err
	}
	if err := m.writeVirt32(entryVA+0x14, entryVA+0x10); err != nil {
		return err
	}

	mod.LdrEntryVA = entryVA
	return nil
}

// LinkInitOrder splices mod's InInitializationOrderLinks into the PEB's
// init-order list, called once its DllMain has returned successfully.
func (m *Manager) LinkInitOrder(mod *Module) error {
	return m.listInsertTail(m.ldrDataVA+0x1C, mod.LdrEntryVA+0x10)
}
