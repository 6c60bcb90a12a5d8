package memory

import (
	"errors"
	"testing"
)

func newRAM(t *testing.T, size int) *RAM {
	t.Helper()
	r, err := New(size)
	if err != nil {
		t.Fatalf("New(%d): %v", size, err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestNewZeroed(t *testing.T) {
	r := newRAM(t, 2*PageSize)
	for _, pa := range []uint32{0, PageSize - 1, PageSize, 2*PageSize - 1} {
		b, err := r.Read8(pa)
		if err != nil {
			t.Fatalf("Read8(0x%x): %v", pa, err)
		}
		if b != 0 {
			t.Fatalf("fresh RAM not zeroed at 0x%x: 0x%x", pa, b)
		}
	}
}

func TestUnalignedRoundTrips(t *testing.T) {
	r := newRAM(t, PageSize)

	// x86 permits unaligned accesses; every width must round-trip at an
	// odd offset.
	if err := r.Write16(1, 0xBEEF); err != nil {
		t.Fatal(err)
	}
	if v, _ := r.Read16(1); v != 0xBEEF {
		t.Fatalf("Read16(1) = 0x%x, want 0xBEEF", v)
	}
	if err := r.Write32(3, 0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	if v, _ := r.Read32(3); v != 0xDEADBEEF {
		t.Fatalf("Read32(3) = 0x%x, want 0xDEADBEEF", v)
	}
	if err := r.Write64(5, 0x0123456789ABCDEF); err != nil {
		t.Fatal(err)
	}
	if v, _ := r.Read64(5); v != 0x0123456789ABCDEF {
		t.Fatalf("Read64(5) = 0x%x, want 0x0123456789ABCDEF", v)
	}
}

func TestLittleEndianLayout(t *testing.T) {
	r := newRAM(t, PageSize)
	if err := r.Write32(0, 0x11223344); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x44, 0x33, 0x22, 0x11}
	for i, w := range want {
		b, _ := r.Read8(uint32(i))
		if b != w {
			t.Fatalf("byte %d = 0x%x, want 0x%x", i, b, w)
		}
	}
}

func TestOutOfRangeRejected(t *testing.T) {
	r := newRAM(t, PageSize)
	if _, err := r.Read32(PageSize - 2); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("straddling read error = %v, want ErrOutOfRange", err)
	}
	if err := r.Write8(PageSize, 1); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("write past end error = %v, want ErrOutOfRange", err)
	}
	if _, err := r.ReadBytes(PageSize-4, 8); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("ReadBytes straddle error = %v, want ErrOutOfRange", err)
	}
}

func TestZeroAndBulkCopy(t *testing.T) {
	r := newRAM(t, PageSize)
	data := []byte{1, 2, 3, 4, 5}
	if err := r.WriteBytes(16, data); err != nil {
		t.Fatal(err)
	}
	got, err := r.ReadBytes(16, len(data))
	if err != nil {
		t.Fatal(err)
	}
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], data[i])
		}
	}
	if err := r.Zero(16, len(data)); err != nil {
		t.Fatal(err)
	}
	got, _ = r.ReadBytes(16, len(data))
	for i, b := range got {
		if b != 0 {
			t.Fatalf("byte %d not zeroed: %d", i, b)
		}
	}
}
