package loader

import (
	"fmt"

	"github.com/noname22/wbox/internal/imports"
	"github.com/noname22/wbox/internal/pefile"
)

// ntdllRtlpTimeoutRVA is where RtlpTimeout lives in the ReactOS ntdll.dll
// build loader.c was written against; patching it substitutes for running
// LdrpInitialize's own PEB.CriticalSectionTimeout copy.
const ntdllRtlpTimeoutRVA = 0x60768

// rtlpTimeoutLow/High hold -1,500,000,000 (150 seconds) as a 100ns-unit
// LARGE_INTEGER, matching PEB.CriticalSectionTimeout's default.
const rtlpTimeoutLow uint32 = 0xA697D100
const rtlpTimeoutHigh uint32 = 0xFFFFFFFF

// LoadExecutable loads exePath as the main module, resolves its imports and
// those of every DLL pulled in transitively, wires up the LDR lists and
// hash table, and patches ntdll's RtlpTimeout if ntdll was loaded
// (loader_load_executable).
func (m *Manager) LoadExecutable(exePath string, pebVA uint32) (*Module, imports.Stats, error) {
	var total imports.Stats

	if err := m.InitPEBLdr(pebVA); err != nil {
		return nil, total, fmt.Errorf("loader: %w", err)
	}

	main, err := m.loadInternal(exePath, 0, true)
	if err != nil {
		return nil, total, fmt.Errorf("loader: load main executable: %w", err)
	}
	m.mainModule = main

	if err := m.CreateLdrEntry(main); err != nil {
		return nil, total, fmt.Errorf("loader: %w", err)
	}

	if mainHasImports(main) {
		st, err := m.ResolveImports(main)
		if err != nil {
			return nil, total, fmt.Errorf("loader: resolve imports of main executable: %w", err)
		}
		accumulate(&total, st)
	}

	for {
		resolvedAny := false
		for _, mod := range m.modules {
			if mod.IsMainEXE || mod.ImportsResolved || !mainHasImports(mod) {
				continue
			}
			st, err := m.ResolveImports(mod)
			if err != nil {
				return nil, total, fmt.Errorf("loader: resolve imports of %s: %w", mod.Name, err)
			}
			accumulate(&total, st)
			resolvedAny = true
		}
		if !resolvedAny {
			break
		}
	}

	for _, mod := range m.modules {
		if mod.IsMainEXE || mod.LdrEntryVA != 0 {
			continue
		}
		if err := m.CreateLdrEntry(mod); err != nil {
			return nil, total, fmt.Errorf("loader: create LDR entry for %s: %w", mod.Name, err)
		}
	}

	if ntdll, ok := m.FindByName("ntdll.dll"); ok {
		if err := m.InitLdrpHashTable(); err != nil {
			return nil, total, fmt.Errorf("loader: %w", err)
		}
		for _, mod := range m.modules {
			if mod.LdrEntryVA == 0 {
				continue
			}
			if err := m.LinkToHashTable(mod); err != nil {
				return nil, total, fmt.Errorf("loader: link %s into hash table: %w", mod.Name, err)
			}
		}
		m.patchRtlpTimeout(ntdll)
	}

	return main, total, nil
}

func mainHasImports(mod *Module) bool {
	dd := mod.Image.DataDir(pefile.DirImport)
	return dd.Size > 0
}

func accumulate(dst *imports.Stats, src imports.Stats) {
	dst.Total += src.Total
	dst.Stubbed += src.Stubbed
	dst.Direct += src.Direct
	dst.Failed += src.Failed
}

// patchRtlpTimeout writes rtlpTimeoutLow/High at ntdll's fixed RtlpTimeout
// RVA. Silently a no-op if that RVA isn't mapped for the loaded ntdll
// build (it's specific to one ReactOS layout, not guaranteed for others).
func (m *Manager) patchRtlpTimeout(ntdll *Module) {
	va := ntdll.BaseVA + ntdllRtlpTimeoutRVA
	pa := m.translate(va)
	if pa == 0 {
		return
	}
	_ = m.ram.Write32(pa, rtlpTimeoutLow)
	_ = m.ram.Write32(pa+4, rtlpTimeoutHigh)
}
