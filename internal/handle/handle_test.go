package handle

import "testing"

func TestAllocDistinctAndLookup(t *testing.T) {
	tbl := New()
	h1 := tbl.Alloc("one", 1, nil)
	h2 := tbl.Alloc("two", 1, nil)
	if h1 == h2 {
		t.Fatalf("successive allocs returned the same handle: 0x%x", uint32(h1))
	}
	if obj, ok := tbl.Get(h1); !ok || obj != "one" {
		t.Fatalf("Get(h1) = %v, %v; want \"one\", true", obj, ok)
	}
	if obj, ok := tbl.Get(h2); !ok || obj != "two" {
		t.Fatalf("Get(h2) = %v, %v; want \"two\", true", obj, ok)
	}
}

func TestZeroHandleNeverAllocated(t *testing.T) {
	tbl := New()
	for i := 0; i < 8; i++ {
		h := tbl.Alloc(i, 1, nil)
		if h.Index() == 0 {
			t.Fatalf("Alloc returned reserved index 0: handle=0x%x", uint32(h))
		}
	}
}

func TestFreeInvalidatesStaleHandle(t *testing.T) {
	tbl := New()
	h := tbl.Alloc("x", 1, nil)
	if err := tbl.Free(h); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, ok := tbl.Get(h); ok {
		t.Fatalf("Get succeeded on a freed handle")
	}
	if err := tbl.Free(h); err == nil {
		t.Fatalf("double Free did not error")
	}
}

func TestFreeThenAllocNeverReusesGeneration(t *testing.T) {
	tbl := New()
	h1 := tbl.Alloc("a", 1, nil)
	if err := tbl.Free(h1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	h2 := tbl.Alloc("b", 1, nil)
	if h2 == h1 {
		t.Fatalf("reallocation produced the exact same (index, generation) pair: 0x%x", uint32(h2))
	}
	if h2.Index() == h1.Index() && h2.Generation() == h1.Generation() {
		t.Fatalf("index+generation pair reused across free/alloc")
	}
	// The freed slot's index should be reused (free list LIFO), just with a
	// bumped generation.
	if h2.Index() != h1.Index() {
		t.Fatalf("expected free-list reuse of index %d, got %d", h1.Index(), h2.Index())
	}
	if _, ok := tbl.Get(h1); ok {
		t.Fatalf("stale handle h1 still resolves after slot reuse")
	}
}

func TestGetTypedRequiresMatchingType(t *testing.T) {
	tbl := New()
	h := tbl.Alloc("x", 5, nil)
	if _, ok := tbl.GetTyped(h, 6); ok {
		t.Fatalf("GetTyped matched the wrong type")
	}
	if obj, ok := tbl.GetTyped(h, 5); !ok || obj != "x" {
		t.Fatalf("GetTyped(correct type) = %v, %v", obj, ok)
	}
}

func TestCountTracksLiveHandles(t *testing.T) {
	tbl := New()
	if tbl.Count() != 0 {
		t.Fatalf("new table has Count() = %d, want 0", tbl.Count())
	}
	h1 := tbl.Alloc("a", 1, nil)
	tbl.Alloc("b", 1, nil)
	if tbl.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", tbl.Count())
	}
	if err := tbl.Free(h1); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if tbl.Count() != 1 {
		t.Fatalf("Count() after Free = %d, want 1", tbl.Count())
	}
}

func TestOwnerRoundTrip(t *testing.T) {
	tbl := New()
	h := tbl.Alloc("x", 1, "the-owner")
	if owner := tbl.Owner(h); owner != "the-owner" {
		t.Fatalf("Owner() = %v, want \"the-owner\"", owner)
	}
}
