package vm

// gdtEntry packs one 8-byte GDT descriptor, matching vm.c's make_gdt_entry.
func gdtEntry(base, limit uint32, access, flags byte) [8]byte {
	var e [8]byte
	e[0] = byte(limit)
	e[1] = byte(limit >> 8)
	e[2] = byte(base)
	e[3] = byte(base >> 8)
	e[4] = byte(base >> 16)
	e[5] = access
	e[6] = byte(limit>>16)&0x0F | (flags & 0xF0)
	e[7] = byte(base >> 24)
	return e
}

// Access byte bits (present, DPL, type) for the entries vm_setup_gdt writes.
const (
	accCode0 = 0x9A // present, ring0, code, execute/read
	accData0 = 0x92 // present, ring0, data, read/write
	accCode3 = 0xFA // present, ring3, code, execute/read
	accData3 = 0xF2 // present, ring3, data, read/write
)

// flagsGran4K32 is 4 KiB granularity + 32-bit operand size, for the flat
// code/data segments.
const flagsGran4K32 = 0xC0

// flagsByteGran is byte granularity, 32-bit operand size, used for the TEB
// segment's tight limit.
const flagsByteGran = 0x40

// setupGDT writes all 8 entries of vm_setup_gdt: null, ring0 code/data
// flat 4GB, ring3 code/data flat 4GB, two reserved slots, and the ring3
// TEB/FS segment with a byte-granularity 0xFFF limit.
func (c *Context) setupGDT() error {
	entries := [gdtEntries][8]byte{
		0: {}, // null descriptor
		1: gdtEntry(0, 0xFFFFF, accCode0, flagsGran4K32), // kernel code
		2: gdtEntry(0, 0xFFFFF, accData0, flagsGran4K32), // kernel data
		3: gdtEntry(0, 0xFFFFF, accCode3, flagsGran4K32), // user code
		4: gdtEntry(0, 0xFFFFF, accData3, flagsGran4K32), // user data
		5: {},                                            // reserved
		6: {},                                            // reserved
		7: gdtEntry(TebAddr, 0xFFF, accData3, flagsByteGran),
	}
	for i, e := range entries {
		if err := c.ram.WriteBytes(GDTPhys+uint32(i*8), e[:]); err != nil {
			return err
		}
	}
	return nil
}

// setupIDT zeros all 256 entries; sysenter is the only dispatch path WBOX
// services, so no interrupt gate ever needs to be populated.
func (c *Context) setupIDT() error {
	return c.ram.Zero(IDTPhys, idtEntries*8)
}
