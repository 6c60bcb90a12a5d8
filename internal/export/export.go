// Package export parses a PE export directory into the cache spec.md §3/§4.4
// describes: an array indexed by EAT slot, with name/ordinal lookup and
// forwarder detection. It continues the teacher compiler's
// pe_reader.go:GetExports walk (address-of-functions/names/ordinals arrays)
// but adds forwarder handling, which the teacher's DLL-export lister never
// needed since it only ever read exports to list them, never to resolve
// and call through them.
package export

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/noname22/wbox/internal/pefile"
)

// Entry is one export slot.
type Entry struct {
	Ordinal         uint16 // ordinal, already offset by Base
	RVA             uint32
	Name            string // empty if this is an ordinal-only export
	IsForwarder     bool
	ForwarderTarget string // "DLL.Name" or "DLL.#123", valid iff IsForwarder
}

// Table is a module's parsed export directory.
type Table struct {
	Base      uint32 // ordinal base
	Functions []Entry // indexed by ordinal - Base; zero RVA means unused slot
	byName    map[string]int
}

// Parse reads the export directory (data directory index 0) out of img.
// Returns a nil *Table with no error if the image exports nothing.
func Parse(img *pefile.Image) (*Table, error) {
	dd := img.DataDir(pefile.DirExport)
	if dd.Size == 0 {
		return nil, nil
	}
	dirOff := img.RVAToFileOffset(dd.VirtualAddress)
	if dirOff == 0 {
		return nil, fmt.Errorf("export: cannot locate export directory")
	}
	hdr, err := img.ReadAt(dirOff, 40)
	if err != nil {
		return nil, fmt.Errorf("export: read export directory header: %w", err)
	}
	base := binary.LittleEndian.Uint32(hdr[16:20])
	numFunctions := binary.LittleEndian.Uint32(hdr[20:24])
	numNames := binary.LittleEndian.Uint32(hdr[24:28])
	addrFunctions := binary.LittleEndian.Uint32(hdr[28:32])
	addrNames := binary.LittleEndian.Uint32(hdr[32:36])
	addrNameOrdinals := binary.LittleEndian.Uint32(hdr[36:40])

	t := &Table{Base: base, Functions: make([]Entry, numFunctions), byName: make(map[string]int, numNames)}

	funcOff := img.RVAToFileOffset(addrFunctions)
	for i := uint32(0); i < numFunctions; i++ {
		raw, err := img.ReadAt(funcOff+i*4, 4)
		if err != nil {
			return nil, fmt.Errorf("export: read function RVA %d: %w", i, err)
		}
		rva := binary.LittleEndian.Uint32(raw)
		entry := Entry{Ordinal: uint16(base + i), RVA: rva}
		if rva != 0 && rva >= dd.VirtualAddress && rva < dd.VirtualAddress+dd.Size {
			entry.IsForwarder = true
			target, err := img.ReadCString(img.RVAToFileOffset(rva))
			if err == nil {
				entry.ForwarderTarget = target
			}
		}
		t.Functions[i] = entry
	}

	nameOff := img.RVAToFileOffset(addrNames)
	ordOff := img.RVAToFileOffset(addrNameOrdinals)
	for i := uint32(0); i < numNames; i++ {
		rawName, err := img.ReadAt(nameOff+i*4, 4)
		if err != nil {
			continue
		}
		nameRVA := binary.LittleEndian.Uint32(rawName)
		name, err := img.ReadCString(img.RVAToFileOffset(nameRVA))
		if err != nil {
			continue
		}
		rawOrd, err := img.ReadAt(ordOff+i*2, 2)
		if err != nil {
			continue
		}
		slot := binary.LittleEndian.Uint16(rawOrd)
		if uint32(slot) >= numFunctions {
			continue
		}
		t.Functions[slot].Name = name
		t.byName[strings.ToLower(name)] = int(slot)
	}

	return t, nil
}

// LookupByName finds name (case-insensitively) through the name index Parse
// builds, and rejects a zero-RVA slot.
func (t *Table) LookupByName(name string) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	idx, ok := t.byName[strings.ToLower(name)]
	if !ok {
		return Entry{}, false
	}
	e := t.Functions[idx]
	if e.RVA == 0 {
		return Entry{}, false
	}
	return e, true
}

// LookupByOrdinal maps ord to a slot (ord - Base) and rejects out-of-range
// or zero-RVA slots, per spec.md §4.4.
func (t *Table) LookupByOrdinal(ord uint16) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	if uint32(ord) < t.Base {
		return Entry{}, false
	}
	idx := uint32(ord) - t.Base
	if idx >= uint32(len(t.Functions)) {
		return Entry{}, false
	}
	e := t.Functions[idx]
	if e.RVA == 0 {
		return Entry{}, false
	}
	return e, true
}

// ParseForwarder splits a forwarder string into the target DLL base name
// and either a function name or an ordinal (e.g. "KERNEL32.GetCurrentThreadId"
// or "NTDLL.#123").
func ParseForwarder(fwd string) (dll string, name string, ordinal uint16, byOrdinal bool, err error) {
	dot := strings.IndexByte(fwd, '.')
	if dot < 0 {
		return "", "", 0, false, fmt.Errorf("export: malformed forwarder %q", fwd)
	}
	dll = fwd[:dot]
	rest := fwd[dot+1:]
	if strings.HasPrefix(rest, "#") {
		n, perr := strconv.ParseUint(rest[1:], 10, 16)
		if perr != nil {
			return "", "", 0, false, fmt.Errorf("export: malformed forwarder ordinal %q: %w", fwd, perr)
		}
		return dll, "", uint16(n), true, nil
	}
	return dll, rest, 0, false, nil
}
