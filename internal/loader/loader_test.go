package loader

import (
	"testing"

	"github.com/noname22/wbox/internal/memory"
	"github.com/noname22/wbox/internal/paging"
	"github.com/noname22/wbox/internal/vfs"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ram, err := memory.New(64 * 1024 * 1024)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { ram.Close() })

	pg, err := paging.New(ram, paging.DefaultPhysBase, uint32(ram.Size()))
	if err != nil {
		t.Fatalf("paging.New: %v", err)
	}

	jail, err := vfs.New(t.TempDir())
	if err != nil {
		t.Fatalf("vfs.New: %v", err)
	}

	mgr, err := New(ram, pg, jail, "")
	if err != nil {
		t.Fatalf("loader.New: %v", err)
	}
	return mgr
}

func TestHeapAllocBumpsAndAligns(t *testing.T) {
	mgr := newTestManager(t)

	a := mgr.heapAlloc(3)
	b := mgr.heapAlloc(1)
	if b != a+4 {
		t.Fatalf("heapAlloc did not 4-byte-align: a=0x%x b=0x%x", a, b)
	}
}

func TestHeapAllocExhaustion(t *testing.T) {
	mgr := newTestManager(t)
	if va := mgr.heapAlloc(HeapSize + 1); va != 0 {
		t.Fatalf("expected exhaustion to return 0, got 0x%x", va)
	}
	if va := mgr.heapAlloc(HeapSize); va == 0 {
		t.Fatalf("expected exact-size allocation to succeed")
	}
	if va := mgr.heapAlloc(4); va != 0 {
		t.Fatalf("expected heap to now be exhausted, got 0x%x", va)
	}
}

func TestWriteWideStringRoundTrip(t *testing.T) {
	mgr := newTestManager(t)
	va := mgr.heapAlloc(64)

	n, err := mgr.writeWideString(va, "KERNEL32.DLL")
	if err != nil {
		t.Fatalf("writeWideString: %v", err)
	}
	if n != uint32(len("KERNEL32.DLL")*2) {
		t.Fatalf("unexpected byte length %d", n)
	}

	for i, want := range "KERNEL32.DLL" {
		got, err := mgr.readVirt32(va + uint32(i*2))
		if err != nil {
			t.Fatalf("readVirt32 at %d: %v", i, err)
		}
		if uint16(got) != uint16(want) {
			t.Fatalf("char %d: got %q want %q", i, uint16(got), want)
		}
	}
	nul, err := mgr.readVirt32(va + uint32(len("KERNEL32.DLL")*2))
	if err != nil {
		t.Fatalf("readVirt32 terminator: %v", err)
	}
	if uint16(nul) != 0 {
		t.Fatalf("expected NUL terminator, got %d", uint16(nul))
	}
}

// TestListInsertTailBuildsCircularList inserts three entries into an empty
// list and walks Flink from the head, expecting insertion order back, then
// walks Blink from the head and expects reverse order.
func TestListInsertTailBuildsCircularList(t *testing.T) {
	mgr := newTestManager(t)

	headVA := mgr.heapAlloc(8)
	if err := mgr.writeVirt32(headVA+0, headVA); err != nil {
		t.Fatal(err)
	}
	if err := mgr.writeVirt32(headVA+4, headVA); err != nil {
		t.Fatal(err)
	}

	var entries []uint32
	for i := 0; i < 3; i++ {
		e := mgr.heapAlloc(8)
		entries = append(entries, e)
		if err := mgr.listInsertTail(headVA, e); err != nil {
			t.Fatalf("listInsertTail: %v", err)
		}
	}

	cur, err := mgr.readVirt32(headVA + 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if cur != entries[i] {
			t.Fatalf("forward walk %d: got 0x%x want 0x%x", i, cur, entries[i])
		}
		cur, err = mgr.readVirt32(cur + 0)
		if err != nil {
			t.Fatal(err)
		}
	}
	if cur != headVA {
		t.Fatalf("forward walk did not return to head, got 0x%x", cur)
	}

	cur, err = mgr.readVirt32(headVA + 4)
	if err != nil {
		t.Fatal(err)
	}
	for i := 2; i >= 0; i-- {
		if cur != entries[i] {
			t.Fatalf("backward walk %d: got 0x%x want 0x%x", i, cur, entries[i])
		}
		cur, err = mgr.readVirt32(cur + 4)
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestLdrpHashStableAndBounded(t *testing.T) {
	h1 := ldrpHash("KERNEL32.DLL")
	h2 := ldrpHash("KERNEL32.DLL")
	if h1 != h2 {
		t.Fatalf("hash not stable: %d vs %d", h1, h2)
	}
	if h1 >= hashBucketCount {
		t.Fatalf("hash %d out of bucket range [0,%d)", h1, hashBucketCount)
	}
	if ldrpHash("kernel32.dll") != h1 {
		t.Fatalf("hash not case-insensitive")
	}
}

func TestInitAndLinkHashTable(t *testing.T) {
	mgr := newTestManager(t)
	if err := mgr.InitLdrpHashTable(); err != nil {
		t.Fatalf("InitLdrpHashTable: %v", err)
	}

	mod := &Module{Name: "USER32.DLL", LdrEntryVA: mgr.heapAlloc(ldrEntrySize)}
	// HashLinks self-reference, matching CreateLdrEntry's initial state.
	if err := mgr.writeVirt32(mod.LdrEntryVA+0x3C, mod.LdrEntryVA+0x3C); err != nil {
		t.Fatal(err)
	}
	if err := mgr.writeVirt32(mod.LdrEntryVA+0x40, mod.LdrEntryVA+0x3C); err != nil {
		t.Fatal(err)
	}

	if err := mgr.LinkToHashTable(mod); err != nil {
		t.Fatalf("LinkToHashTable: %v", err)
	}

	bucket := mgr.hashTableVA + ldrpHash(mod.Name)*8
	flink, err := mgr.readVirt32(bucket + 0)
	if err != nil {
		t.Fatal(err)
	}
	if flink != mod.LdrEntryVA+0x3C {
		t.Fatalf("bucket head does not point at linked entry: got 0x%x want 0x%x", flink, mod.LdrEntryVA+0x3C)
	}
}

func TestFindByNameIsCaseInsensitiveOnBaseName(t *testing.T) {
	mgr := newTestManager(t)
	mod := &Module{Name: "KERNEL32.DLL", BaseVA: 0x77000000}
	mgr.modules = append(mgr.modules, mod)
	mgr.byName["kernel32.dll"] = mod
	mgr.byBase[mod.BaseVA] = mod

	if _, ok := mgr.FindByName("KERNEL32.DLL"); !ok {
		t.Fatalf("expected case-insensitive lookup to succeed")
	}
	if _, ok := mgr.FindByName("C:\\Windows\\System32\\kernel32.dll"); !ok {
		t.Fatalf("expected path-qualified lookup to find by base name")
	}
	if _, ok := mgr.FindByName("nonexistent.dll"); ok {
		t.Fatalf("expected lookup of unknown DLL to fail")
	}
}
