package pefile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// buildSyntheticPE assembles a minimal, well-formed PE32 image in memory: a
// DOS/PE/COFF/optional header trio, one section, and an export directory
// inside that section with one ordinary export ("Foo", ordinal 1) and one
// forwarder export (ordinal 2, forwarding to "KERNEL32.Bar"). Offsets are
// computed rather than hand-picked magic numbers so the layout stays
// consistent if the header sizes ever change.
func buildSyntheticPE(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer

	write := func(v interface{}) {
		if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
			t.Fatalf("binary.Write: %v", err)
		}
	}
	padTo := func(offset int) {
		for buf.Len() < offset {
			buf.WriteByte(0)
		}
	}

	buf.Write([]byte{0x4D, 0x5A}) // "MZ"
	padTo(0x3C)
	const peOffset = 0x40
	write(uint32(peOffset)) // e_lfanew
	padTo(peOffset)
	write(uint32(0x00004550)) // "PE\0\0"

	coff := COFFHeader{
		Machine:              MachineI386,
		NumberOfSections:     1,
		SizeOfOptionalHeader: 224,
	}
	write(coff)

	const sizeOfHeaders = 0x200
	const sectionVA = 0x1000
	const sectionRawSize = 0x200
	const sectionRawOffset = sizeOfHeaders

	opt := OptionalHeader32{
		Magic:               OptMagicPE32,
		SizeOfHeaders:       sizeOfHeaders,
		NumberOfRvaAndSizes: DirImportCount,
	}
	opt.DataDirectory[DirExport] = DataDirectory{VirtualAddress: sectionVA, Size: 0x100}
	write(opt)

	var name8 [8]byte
	copy(name8[:], ".edata")
	write(SectionHeader{
		Name:             name8,
		VirtualSize:      sectionRawSize,
		VirtualAddress:   sectionVA,
		SizeOfRawData:    sectionRawSize,
		PointerToRawData: sectionRawOffset,
	})

	padTo(sizeOfHeaders)

	// Export directory header at RVA 0x1000 (file offset 0x200).
	padTo(sectionRawOffset)
	write(make([]byte, 16)) // Characteristics/TimeDateStamp/Version/Name, unused by export.Parse
	write(uint32(1))        // Base
	write(uint32(2))        // NumberOfFunctions
	write(uint32(1))        // NumberOfNames
	write(uint32(sectionVA + 0x28)) // AddressOfFunctions
	write(uint32(sectionVA + 0x30)) // AddressOfNames
	write(uint32(sectionVA + 0x34)) // AddressOfNameOrdinals

	padTo(sectionRawOffset + 0x28)
	write(uint32(0x2000))          // Functions[0] ("Foo"): ordinary code RVA, outside the export directory
	write(uint32(sectionVA + 0x3A)) // Functions[1]: forwarder, RVA inside the export directory

	padTo(sectionRawOffset + 0x30)
	write(uint32(sectionVA + 0x36)) // Names[0] -> "Foo"

	padTo(sectionRawOffset + 0x34)
	write(uint16(0)) // NameOrdinals[0] -> slot 0

	padTo(sectionRawOffset + 0x36)
	buf.WriteString("Foo\x00")

	padTo(sectionRawOffset + 0x3A)
	buf.WriteString("KERNEL32.Bar\x00")

	padTo(sectionRawOffset + sectionRawSize)
	return buf.Bytes()
}

func TestParseSyntheticPE(t *testing.T) {
	raw := buildSyntheticPE(t)
	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if img.COFF.Machine != MachineI386 {
		t.Fatalf("Machine = 0x%04x, want 0x%04x", img.COFF.Machine, MachineI386)
	}
	if img.Opt.Magic != OptMagicPE32 {
		t.Fatalf("Opt.Magic = 0x%04x, want 0x%04x", img.Opt.Magic, OptMagicPE32)
	}
	if len(img.Sections) != 1 {
		t.Fatalf("len(Sections) = %d, want 1", len(img.Sections))
	}
	if got := img.Sections[0].Name8(); got != ".edata" {
		t.Fatalf("section name = %q, want \".edata\"", got)
	}
	dd := img.DataDir(DirExport)
	if dd.VirtualAddress != 0x1000 || dd.Size != 0x100 {
		t.Fatalf("export data dir = %+v", dd)
	}
	if off := img.RVAToFileOffset(0x1036); off != 0x236 {
		t.Fatalf("RVAToFileOffset(0x1036) = 0x%x, want 0x236", off)
	}
	if off := img.RVAToFileOffset(0x50); off != 0x50 {
		t.Fatalf("RVAToFileOffset of a header-region RVA should pass through unchanged, got 0x%x", off)
	}
}

func TestParseRejectsBadDOSMagic(t *testing.T) {
	raw := make([]byte, 64)
	raw[0], raw[1] = 'X', 'Y'
	if _, err := Parse(raw); !errors.Is(err, ErrBadDOSMagic) {
		t.Fatalf("Parse = %v, want ErrBadDOSMagic", err)
	}
}

func TestParseRejectsWrongMachine(t *testing.T) {
	raw := buildSyntheticPE(t)
	// COFF header starts right after "MZ\0..padding..e_lfanew..PE\0\0":
	// peOffset(0x40) + 4-byte signature = 0x44.
	binary.LittleEndian.PutUint16(raw[0x44:], 0x8664) // x86-64, not i386
	if _, err := Parse(raw); !errors.Is(err, ErrBadMachine) {
		t.Fatalf("Parse = %v, want ErrBadMachine", err)
	}
}
