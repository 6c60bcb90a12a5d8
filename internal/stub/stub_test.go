package stub

import (
	"bytes"
	"testing"

	"github.com/noname22/wbox/internal/memory"
	"github.com/noname22/wbox/internal/paging"
)

func TestEncodeSyscallStub(t *testing.T) {
	got := Encode(KindSyscall, 0x1234, 8)
	want := []byte{
		0xB8, 0x34, 0x12, 0x00, 0x00, // mov eax, 0x1234
		0x89, 0xE2, // mov edx, esp
		0x0F, 0x34, // sysenter
		0xC2, 0x08, 0x00, // ret 8
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode(KindSyscall) = % x, want % x", got, want)
	}
}

func TestEncodeReturnZero(t *testing.T) {
	got := Encode(KindReturnZero, 0xDEAD, 4)
	want := []byte{0x31, 0xC0, 0xC2, 0x04, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode(KindReturnZero) = % x, want % x", got, want)
	}
}

func TestEncodeReturnError(t *testing.T) {
	got := Encode(KindReturnError, 0xC0000001, 12)
	want := []byte{0xB8, 0x01, 0x00, 0x00, 0xC0, 0xC2, 0x0C, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("Encode(KindReturnError) = % x, want % x", got, want)
	}
}

func newTestRegion(t *testing.T) *Region {
	t.Helper()
	ram, err := memory.New(16 * 1024 * 1024)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { ram.Close() })
	pg, err := paging.New(ram, paging.DefaultPhysBase, uint32(ram.Size()))
	if err != nil {
		t.Fatalf("paging.New: %v", err)
	}
	const baseVA = 0x7F000000
	if err := pg.MapRange(baseVA, 0x00500000, 4*SlotSize, paging.Present); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	return NewRegion(ram, pg, baseVA, 4*SlotSize)
}

func TestGetOrCreateReusesVAForSameName(t *testing.T) {
	r := newTestRegion(t)
	va1, err := r.GetOrCreate("NtClose", KindSyscall, 0x20, 4)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	va2, err := r.GetOrCreate("NtClose", KindSyscall, 0x20, 4)
	if err != nil {
		t.Fatalf("GetOrCreate (second call): %v", err)
	}
	if va1 != va2 {
		t.Fatalf("GetOrCreate returned different VAs for the same name: 0x%x vs 0x%x", va1, va2)
	}
}

func TestGetOrCreateDistinctNamesGetDistinctSlots(t *testing.T) {
	r := newTestRegion(t)
	va1, err := r.GetOrCreate("NtClose", KindSyscall, 0x20, 4)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	va2, err := r.GetOrCreate("NtOpenFile", KindSyscall, 0x21, 24)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if va1 == va2 {
		t.Fatalf("distinct names collided on VA 0x%x", va1)
	}
}

func TestGetOrCreateWritesDecodableBytes(t *testing.T) {
	ram, err := memory.New(16 * 1024 * 1024)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer ram.Close()
	pg, err := paging.New(ram, paging.DefaultPhysBase, uint32(ram.Size()))
	if err != nil {
		t.Fatalf("paging.New: %v", err)
	}
	const baseVA = 0x7F000000
	if err := pg.MapRange(baseVA, 0x00500000, SlotSize, paging.Present); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	r := NewRegion(ram, pg, baseVA, SlotSize)
	va, err := r.GetOrCreate("NtClose", KindSyscall, 0x20, 4)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	pa := pg.Translate(va)
	got, err := ram.ReadBytes(pa, 12)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	want := Encode(KindSyscall, 0x20, 4)
	if !bytes.Equal(got, want) {
		t.Fatalf("bytes at stub VA = % x, want % x", got, want)
	}
}

func TestRegionExhaustion(t *testing.T) {
	ram, err := memory.New(16 * 1024 * 1024)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	defer ram.Close()
	pg, err := paging.New(ram, paging.DefaultPhysBase, uint32(ram.Size()))
	if err != nil {
		t.Fatalf("paging.New: %v", err)
	}
	const baseVA = 0x7F000000
	if err := pg.MapRange(baseVA, 0x00500000, SlotSize, paging.Present); err != nil {
		t.Fatalf("MapRange: %v", err)
	}
	r := NewRegion(ram, pg, baseVA, SlotSize)
	if _, err := r.GetOrCreate("First", KindReturnZero, 0, 0); err != nil {
		t.Fatalf("first GetOrCreate: %v", err)
	}
	if _, err := r.GetOrCreate("Second", KindReturnZero, 0, 0); err == nil {
		t.Fatalf("expected region exhaustion error")
	}
}
