package vm

import (
	"fmt"

	"github.com/noname22/wbox/internal/paging"
)

// writeVirt32/16/8 translate va through the page tables and write through
// to physical memory, matching process.c's write_virt_l/w/b helpers. They
// are no-ops (returning an error) if va isn't mapped.
func (c *Context) writeVirt32(va, val uint32) error {
	pa := c.pg.Translate(va)
	if pa == 0 {
		return fmt.Errorf("vm: %#x not mapped", va)
	}
	return c.ram.Write32(pa, val)
}

func (c *Context) writeVirt16(va uint32, val uint16) error {
	pa := c.pg.Translate(va)
	if pa == 0 {
		return fmt.Errorf("vm: %#x not mapped", va)
	}
	return c.ram.Write16(pa, val)
}

func (c *Context) writeVirt8(va uint32, val uint8) error {
	pa := c.pg.Translate(va)
	if pa == 0 {
		return fmt.Errorf("vm: %#x not mapped", va)
	}
	return c.ram.Write8(pa, val)
}

func (c *Context) readVirt32(va uint32) (uint32, error) {
	pa := c.pg.Translate(va)
	if pa == 0 {
		return 0, fmt.Errorf("vm: %#x not mapped", va)
	}
	return c.ram.Read32(pa)
}

// writeVirtWideString widens str byte-for-byte into UTF-16LE (matching
// write_virt_wstr's (uint16_t)(unsigned char)*str cast: correct for ASCII,
// lossy for anything beyond it) at va, NUL-terminated, and returns the
// total byte count including the terminator.
func (c *Context) writeVirtWideString(va uint32, str string) (uint32, error) {
	off := uint32(0)
	for i := 0; i < len(str); i++ {
		if err := c.writeVirt16(va+off, uint16(str[i])); err != nil {
			return 0, err
		}
		off += 2
	}
	if err := c.writeVirt16(va+off, 0); err != nil {
		return 0, err
	}
	return off + 2, nil
}

// zeroVirtPage zero-fills one page starting at va (must already be
// mapped).
func (c *Context) zeroVirtPage(va uint32) error {
	pa := c.pg.Translate(va)
	if pa == 0 {
		return fmt.Errorf("vm: %#x not mapped", va)
	}
	return c.ram.Zero(pa, paging.PageSize)
}
