package loader

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/noname22/wbox/internal/export"
	"github.com/noname22/wbox/internal/imports"
	"github.com/noname22/wbox/internal/pefile"
	"github.com/noname22/wbox/internal/stub"
)

const ordinalFlag = 0x80000000

// LoadByName finds mod by base name among already-loaded modules, or loads
// it: ntdll.dll from the configured ntdllPath at its fixed base, everything
// else searched for in the VFS jail (module_load_by_name).
func (m *Manager) LoadByName(dllName string) (*Module, error) {
	if existing, ok := m.FindByName(dllName); ok {
		return existing, nil
	}

	lower := strings.ToLower(dllName)
	if lower == "ntdll.dll" || lower == "ntdll" {
		if m.ntdllPath == "" {
			return nil, fmt.Errorf("loader: ntdll.dll requested but no path configured")
		}
		return m.loadInternal(m.ntdllPath, NtdllDefaultBase, false)
	}

	hostPath, err := m.jail.FindDLL(dllName)
	if err != nil {
		return nil, fmt.Errorf("loader: cannot find DLL %q: %w", dllName, err)
	}
	return m.loadInternal(hostPath, 0, false)
}

// ResolveImports walks mod's import directory, patching each IAT slot
// either with a stub VA (for imports in the stub-using set WBOX services
// itself) or with the target DLL's real export address (its base VA plus
// the export RVA), recursively loading
// and resolving forwarder targets (imports_resolve).
func (m *Manager) ResolveImports(mod *Module) (imports.Stats, error) {
	var stats imports.Stats

	dd := mod.Image.DataDir(pefile.DirImport)
	if dd.Size == 0 {
		return stats, nil
	}
	off := mod.Image.RVAToFileOffset(dd.VirtualAddress)
	if off == 0 {
		return stats, fmt.Errorf("loader: cannot locate import directory of %s", mod.Name)
	}

	for descOff := off; ; descOff += 20 {
		hdr, err := mod.Image.ReadAt(descOff, 20)
		if err != nil {
			return stats, fmt.Errorf("loader: read import descriptor of %s: %w", mod.Name, err)
		}
		origFirstThunk := binary.LittleEndian.Uint32(hdr[0:4])
		nameRVA := binary.LittleEndian.Uint32(hdr[12:16])
		firstThunk := binary.LittleEndian.Uint32(hdr[16:20])
		if origFirstThunk == 0 && nameRVA == 0 && firstThunk == 0 {
			break
		}

		dllName, err := mod.Image.ReadCString(mod.Image.RVAToFileOffset(nameRVA))
		if err != nil {
			return stats, fmt.Errorf("loader: read import DLL name of %s: %w", mod.Name, err)
		}

		target, err := m.LoadByName(dllName)
		if err != nil {
			return stats, fmt.Errorf("loader: %s imports from unresolvable %q: %w", mod.Name, dllName, err)
		}

		intRVA := origFirstThunk
		if intRVA == 0 {
			intRVA = firstThunk
		}
		intOff := mod.Image.RVAToFileOffset(intRVA)

		for i := uint32(0); ; i++ {
			thunk, err := mod.Image.ReadAt(intOff+i*4, 4)
			if err != nil {
				return stats, fmt.Errorf("loader: read thunk %d of %s: %w", i, mod.Name, err)
			}
			entry := binary.LittleEndian.Uint32(thunk)
			if entry == 0 {
				break
			}
			stats.Total++

			var importName string
			var ordinal uint16
			var byOrdinal bool
			if entry&ordinalFlag != 0 {
				ordinal = uint16(entry)
				byOrdinal = true
			} else {
				nameOff := mod.Image.RVAToFileOffset(entry)
				nameBytes, err := mod.Image.ReadAt(nameOff+2, 128)
				if err == nil {
					if z := indexZero(nameBytes); z >= 0 {
						importName = string(nameBytes[:z])
					}
				}
			}

			resolvedVA, failed := m.resolveOneImport(target, dllName, importName, ordinal, byOrdinal, &stats)
			if failed {
				stats.Failed++
			}

			if err := m.ram.Write32(mod.PhysBase+firstThunk+i*4, resolvedVA); err != nil {
				return stats, fmt.Errorf("loader: patch IAT slot %d of %s: %w", i, mod.Name, err)
			}
		}
	}

	mod.ImportsResolved = true
	return stats, nil
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// resolveOneImport decides whether one IAT slot gets a stub or a direct
// export address, recursing through forwarder chains. failed is true if
// neither path could produce a usable address. For a missing export va is
// then a KindReturnError stub so the guest still gets something callable;
// for a forwarder that cannot be parsed or whose DLL cannot be loaded, or
// when that stub cannot be created, va is 0.
func (m *Manager) resolveOneImport(target *Module, dllName, name string, ordinal uint16, byOrdinal bool, stats *imports.Stats) (va uint32, failed bool) {
	if !byOrdinal && imports.StubUsingSet(dllName) {
		if num, argBytes, ok := imports.KnownSyscall(dllName, name); ok {
			sva, err := m.stubs.GetOrCreate(dllName+"!"+name, stub.KindSyscall, num, argBytes)
			if err == nil {
				stats.Stubbed++
				return sva, false
			}
		}
	}

	entry, found := m.lookupExport(target, name, ordinal, byOrdinal)
	if !found {
		sva, err := m.stubs.GetOrCreate(dllName+"!"+fallbackName(name, ordinal), stub.KindReturnError, 0xC0000139 /* STATUS_ENTRYPOINT_NOT_FOUND */, 0)
		if err != nil {
			return 0, true
		}
		return sva, true
	}

	if entry.IsForwarder {
		fwdDLL, fwdName, fwdOrd, fwdByOrd, err := export.ParseForwarder(entry.ForwarderTarget)
		if err == nil {
			if fwdTarget, err := m.LoadByName(fwdDLL); err == nil {
				return m.resolveOneImport(fwdTarget, fwdDLL, fwdName, fwdOrd, fwdByOrd, stats)
			}
		}
		return 0, true
	}

	stats.Direct++
	return target.BaseVA + entry.RVA, false
}

func (m *Manager) lookupExport(target *Module, name string, ordinal uint16, byOrdinal bool) (export.Entry, bool) {
	if byOrdinal {
		return target.Exports.LookupByOrdinal(ordinal)
	}
	return target.Exports.LookupByName(name)
}

func fallbackName(name string, ordinal uint16) string {
	if name != "" {
		return name
	}
	return fmt.Sprintf("#%d", ordinal)
}
