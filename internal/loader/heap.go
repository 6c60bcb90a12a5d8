package loader

import "fmt"

// heapAlloc bump-allocates size bytes (4-byte aligned) from the loader
// heap and returns the guest VA, or 0 if the heap is exhausted
// (module_heap_alloc).
func (m *Manager) heapAlloc(size uint32) uint32 {
	size = (size + 3) &^ 3
	if m.heapPtr+size > HeapSize {
		return 0
	}
	va := HeapVA + m.heapPtr
	m.heapPtr += size
	return va
}

func (m *Manager) translate(va uint32) uint32 {
	return m.pg.Translate(va)
}

func (m *Manager) writeVirt32(va, val uint32) error {
	pa := m.translate(va)
	if pa == 0 {
		return fmt.Errorf("loader: unmapped VA 0x%08x", va)
	}
	return m.ram.Write32(pa, val)
}

func (m *Manager) writeVirt16(va uint32, val uint16) error {
	pa := m.translate(va)
	if pa == 0 {
		return fmt.Errorf("loader: unmapped VA 0x%08x", va)
	}
	return m.ram.Write16(pa, val)
}

func (m *Manager) readVirt32(va uint32) (uint32, error) {
	pa := m.translate(va)
	if pa == 0 {
		return 0, fmt.Errorf("loader: unmapped VA 0x%08x", va)
	}
	return m.ram.Read32(pa)
}

// writeWideString writes str as a NUL-terminated UTF-16LE string at va and
// returns its byte length, not counting the terminator (write_wide_string).
// Each byte of str (not each rune) becomes one UTF-16 unit, matching the
// original's byte-for-byte char-to-uint16 widening, so non-ASCII text is
// written as its individual UTF-8 bytes.
func (m *Manager) writeWideString(va uint32, str string) (uint32, error) {
	for i := 0; i <= len(str); i++ {
		var ch uint16
		if i < len(str) {
			ch = uint16(str[i])
		}
		if err := m.writeVirt16(va+uint32(i*2), ch); err != nil {
			return 0, err
		}
	}
	return uint32(len(str) * 2), nil
}

// listInsertTail inserts entryVA at the tail of the circular doubly-linked
// list whose head lives at listHeadVA (list_insert_tail).
func (m *Manager) listInsertTail(listHeadVA, entryVA uint32) error {
	lastEntryVA, err := m.readVirt32(listHeadVA + 4) // Blink
	if err != nil {
		return err
	}
	if lastEntryVA == 0 || lastEntryVA == listHeadVA {
		if err := m.writeVirt32(listHeadVA+0, entryVA); err != nil {
			return err
		}
		if err := m.writeVirt32(listHeadVA+4, entryVA); err != nil {
			return err
		}
		if err := m.writeVirt32(entryVA+0, listHeadVA); err != nil {
			return err
		}
		return m.writeVirt32(entryVA+4, listHeadVA)
	}

	if err := m.writeVirt32(entryVA+0, listHeadVA); err != nil {
		return err
	}
	if err := m.writeVirt32(entryVA+4, lastEntryVA); err != nil {
		return err
	}
	if err := m.writeVirt32(lastEntryVA+0, entryVA); err != nil {
		return err
	}
	return m.writeVirt32(listHeadVA+4, entryVA)
}
