package export

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/noname22/wbox/internal/pefile"
)

// buildSyntheticPE mirrors internal/pefile's own test fixture: a minimal
// PE32 image with one section holding an export directory with one
// ordinary export ("Foo", ordinal 1) and one forwarder export (ordinal 2,
// forwarding to "KERNEL32.Bar").
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

	buf.Write([]byte{0x4D, 0x5A})
	padTo(0x3C)
	const peOffset = 0x40
	write(uint32(peOffset))
	padTo(peOffset)
	write(uint32(0x00004550))

	write(pefile.COFFHeader{
		Machine:              pefile.MachineI386,
		NumberOfSections:     1,
		SizeOfOptionalHeader: 224,
	})

	const sizeOfHeaders = 0x200
	const sectionVA = 0x1000
	const sectionRawSize = 0x200
	const sectionRawOffset = sizeOfHeaders

	opt := pefile.OptionalHeader32{
		Magic:               pefile.OptMagicPE32,
		SizeOfHeaders:       sizeOfHeaders,
		NumberOfRvaAndSizes: pefile.DirImportCount,
	}
	opt.DataDirectory[pefile.DirExport] = pefile.DataDirectory{VirtualAddress: sectionVA, Size: 0x100}
	write(opt)

	var name8 [8]byte
	copy(name8[:], ".edata")
	write(pefile.SectionHeader{
		Name:             name8,
		VirtualSize:      sectionRawSize,
		VirtualAddress:   sectionVA,
		SizeOfRawData:    sectionRawSize,
		PointerToRawData: sectionRawOffset,
	})

	padTo(sizeOfHeaders)

	padTo(sectionRawOffset)
	write(make([]byte, 16))
	write(uint32(1)) // Base
	write(uint32(2)) // NumberOfFunctions
	write(uint32(1)) // NumberOfNames
	write(uint32(sectionVA + 0x28))
	write(uint32(sectionVA + 0x30))
	write(uint32(sectionVA + 0x34))

	padTo(sectionRawOffset + 0x28)
	write(uint32(0x2000))
	write(uint32(sectionVA + 0x3A))

	padTo(sectionRawOffset + 0x30)
	write(uint32(sectionVA + 0x36))

	padTo(sectionRawOffset + 0x34)
	write(uint16(0))

	padTo(sectionRawOffset + 0x36)
	buf.WriteString("Foo\x00")

	padTo(sectionRawOffset + 0x3A)
	buf.WriteString("KERNEL32.Bar\x00")

	padTo(sectionRawOffset + sectionRawSize)
	return buf.Bytes()
}

func TestParseExportsOrdinaryAndForwarder(t *testing.T) {
	raw := buildSyntheticPE(t)
	img, err := pefile.Parse(raw)
	if err != nil {
		t.Fatalf("pefile.Parse: %v", err)
	}
	tbl, err := Parse(img)
	if err != nil {
		t.Fatalf("export.Parse: %v", err)
	}
	if tbl.Base != 1 {
		t.Fatalf("Base = %d, want 1", tbl.Base)
	}
	if len(tbl.Functions) != 2 {
		t.Fatalf("len(Functions) = %d, want 2", len(tbl.Functions))
	}

	foo, ok := tbl.LookupByName("foo") // case-insensitive
	if !ok {
		t.Fatalf("LookupByName(foo) failed")
	}
	if foo.IsForwarder {
		t.Fatalf("Foo should not be a forwarder")
	}
	if foo.RVA != 0x2000 {
		t.Fatalf("Foo.RVA = 0x%x, want 0x2000", foo.RVA)
	}
	if foo.Ordinal != 1 {
		t.Fatalf("Foo.Ordinal = %d, want 1", foo.Ordinal)
	}

	fwd, ok := tbl.LookupByOrdinal(2)
	if !ok {
		t.Fatalf("LookupByOrdinal(2) failed")
	}
	if !fwd.IsForwarder {
		t.Fatalf("ordinal 2 should be a forwarder")
	}
	if fwd.ForwarderTarget != "KERNEL32.Bar" {
		t.Fatalf("ForwarderTarget = %q, want \"KERNEL32.Bar\"", fwd.ForwarderTarget)
	}
}

func TestLookupMissesReturnFalse(t *testing.T) {
	raw := buildSyntheticPE(t)
	img, err := pefile.Parse(raw)
	if err != nil {
		t.Fatalf("pefile.Parse: %v", err)
	}
	tbl, err := Parse(img)
	if err != nil {
		t.Fatalf("export.Parse: %v", err)
	}
	if _, ok := tbl.LookupByName("DoesNotExist"); ok {
		t.Fatalf("LookupByName found a nonexistent export")
	}
	if _, ok := tbl.LookupByOrdinal(99); ok {
		t.Fatalf("LookupByOrdinal found an out-of-range ordinal")
	}
	if _, ok := tbl.LookupByOrdinal(0); ok {
		t.Fatalf("LookupByOrdinal(0) should fail: below Base")
	}
}

func TestParseForwarderStringByName(t *testing.T) {
	dll, name, ord, byOrdinal, err := ParseForwarder("KERNEL32.GetCurrentThreadId")
	if err != nil {
		t.Fatalf("ParseForwarder: %v", err)
	}
	if dll != "KERNEL32" || name != "GetCurrentThreadId" || byOrdinal || ord != 0 {
		t.Fatalf("got dll=%q name=%q ord=%d byOrdinal=%v", dll, name, ord, byOrdinal)
	}
}

func TestParseForwarderStringByOrdinal(t *testing.T) {
	dll, name, ord, byOrdinal, err := ParseForwarder("NTDLL.#123")
	if err != nil {
		t.Fatalf("ParseForwarder: %v", err)
	}
	if dll != "NTDLL" || name != "" || !byOrdinal || ord != 123 {
		t.Fatalf("got dll=%q name=%q ord=%d byOrdinal=%v", dll, name, ord, byOrdinal)
	}
}

func TestParseForwarderMalformed(t *testing.T) {
	if _, _, _, _, err := ParseForwarder("NoDotHere"); err == nil {
		t.Fatalf("expected an error for a forwarder string with no dot")
	}
}
