// Package refcore is a minimal reference implementation of cpu.Core. It
// does not aim to be a general x86 interpreter — that core is external per
// spec.md §1 — but it decodes the small, fixed instruction vocabulary WBOX
// itself emits (stub.Encode's three templates, the KUSER_SHARED_DATA
// return stubs, the callback dispatch stub, plus mov/push/call/ret/int3)
// so the loader, dispatcher, and callback mechanism can be exercised
// end-to-end in tests without a real CPU core plugged in.
package refcore

import (
	"fmt"

	"github.com/noname22/wbox/internal/cpu"
	"github.com/noname22/wbox/internal/memory"
	"github.com/noname22/wbox/internal/paging"
)

const crPagingEnabled = 0x80000000 // CR0.PG

// Core is a small decode-and-execute loop over cpu.Regs, backed by a
// memory.RAM and an optional paging.Context.
type Core struct {
	regs    cpu.Regs
	ram     *memory.RAM
	paging  *paging.Context
	onEnter func()
	exit    bool
}

// New creates a reference core over the given physical memory and paging
// context. paging may be nil if the caller never enables CR0.PG.
func New(ram *memory.RAM, pg *paging.Context) *Core {
	return &Core{ram: ram, paging: pg}
}

// Regs implements cpu.Core.
func (c *Core) Regs() *cpu.Regs { return &c.regs }

// SetSysenterHandler implements cpu.Core.
func (c *Core) SetSysenterHandler(f func()) { c.onEnter = f }

// ExitRequested implements cpu.Core.
func (c *Core) ExitRequested() bool { return c.exit }

// RequestExit implements cpu.Core.
func (c *Core) RequestExit(v bool) { c.exit = v }

func (c *Core) translate(va uint32) uint32 {
	if c.paging != nil && c.regs.CR0&crPagingEnabled != 0 {
		return c.paging.Translate(va)
	}
	return va
}

// ReadLogical implements cpu.Core.
func (c *Core) ReadLogical(va uint32, buf []byte) error {
	pa := c.translate(va)
	if pa == 0 && va != 0 {
		c.regs.Abrt = cpu.FaultPageFault
		return fmt.Errorf("refcore: page fault reading 0x%x", va)
	}
	data, err := c.ram.ReadBytes(pa, len(buf))
	if err != nil {
		return err
	}
	copy(buf, data)
	return nil
}

// WriteLogical implements cpu.Core.
func (c *Core) WriteLogical(va uint32, buf []byte) error {
	pa := c.translate(va)
	if pa == 0 && va != 0 {
		c.regs.Abrt = cpu.FaultPageFault
		return fmt.Errorf("refcore: page fault writing 0x%x", va)
	}
	return c.ram.WriteBytes(pa, buf)
}

func (c *Core) fetch8() (uint8, error) {
	pa := c.translate(c.regs.EIP)
	b, err := c.ram.Read8(pa)
	if err != nil {
		return 0, err
	}
	c.regs.EIP++
	return b, nil
}

func (c *Core) fetch16() (uint16, error) {
	pa := c.translate(c.regs.EIP)
	v, err := c.ram.Read16(pa)
	if err != nil {
		return 0, err
	}
	c.regs.EIP += 2
	return v, nil
}

func (c *Core) fetch32() (uint32, error) {
	pa := c.translate(c.regs.EIP)
	v, err := c.ram.Read32(pa)
	if err != nil {
		return 0, err
	}
	c.regs.EIP += 4
	return v, nil
}

func (c *Core) push32(v uint32) error {
	c.regs.ESP -= 4
	return c.ram.Write32(c.translate(c.regs.ESP), v)
}

func (c *Core) pop32() (uint32, error) {
	v, err := c.ram.Read32(c.translate(c.regs.ESP))
	if err != nil {
		return 0, err
	}
	c.regs.ESP += 4
	return v, nil
}

// Exec decodes and executes up to cycles instructions, stopping early on
// ExitRequested, a fault, or an unrecognized opcode.
func (c *Core) Exec(cycles int) error {
	for i := 0; i < cycles; i++ {
		if c.exit || c.regs.Abrt != cpu.FaultNone {
			return nil
		}
		op, err := c.fetch8()
		if err != nil {
			c.regs.Abrt = cpu.FaultPageFault
			return err
		}
		switch op {
		case 0xB8: // mov eax, imm32
			imm, err := c.fetch32()
			if err != nil {
				return err
			}
			c.regs.EAX = imm
		case 0x89: // mov r/m32, r32 -- the encodings WBOX's stubs emit
			modrm, err := c.fetch8()
			if err != nil {
				return err
			}
			switch modrm {
			case 0xE2: // mov edx, esp
				c.regs.EDX = c.regs.ESP
			case 0xC1: // mov ecx, eax (the WndProc return stub)
				c.regs.ECX = c.regs.EAX
			case 0x46: // mov [esi+disp8], eax (the callback dispatch stub)
				disp, err := c.fetch8()
				if err != nil {
					return err
				}
				if err := c.ram.Write32(c.translate(c.regs.ESI+uint32(disp)), c.regs.EAX); err != nil {
					return err
				}
			default:
				c.regs.Abrt = cpu.FaultInvalidOpcode
				return fmt.Errorf("refcore: unsupported modrm 0x%02x after 0x89", modrm)
			}
		case 0x8B: // mov r32, r/m32 -- only "8B 74 24 disp8" (mov esi, [esp+disp8]) is emitted
			modrm, err := c.fetch8()
			if err != nil {
				return err
			}
			if modrm != 0x74 {
				c.regs.Abrt = cpu.FaultInvalidOpcode
				return fmt.Errorf("refcore: unsupported modrm 0x%02x after 0x8B", modrm)
			}
			sib, err := c.fetch8()
			if err != nil {
				return err
			}
			if sib != 0x24 {
				c.regs.Abrt = cpu.FaultInvalidOpcode
				return fmt.Errorf("refcore: unsupported SIB 0x%02x after 0x8B 0x74", sib)
			}
			disp, err := c.fetch8()
			if err != nil {
				return err
			}
			v, err := c.ram.Read32(c.translate(c.regs.ESP + uint32(disp)))
			if err != nil {
				return err
			}
			c.regs.ESI = v
		case 0xFF: // group 5 -- push [esi+disp8] and call [esi], per the dispatch stub
			modrm, err := c.fetch8()
			if err != nil {
				return err
			}
			switch modrm {
			case 0x76: // push dword [esi+disp8]
				disp, err := c.fetch8()
				if err != nil {
					return err
				}
				v, err := c.ram.Read32(c.translate(c.regs.ESI + uint32(disp)))
				if err != nil {
					return err
				}
				if err := c.push32(v); err != nil {
					return err
				}
			case 0x16: // call dword [esi]
				target, err := c.ram.Read32(c.translate(c.regs.ESI))
				if err != nil {
					return err
				}
				if err := c.push32(c.regs.EIP); err != nil {
					return err
				}
				c.regs.EIP = target
			default:
				c.regs.Abrt = cpu.FaultInvalidOpcode
				return fmt.Errorf("refcore: unsupported modrm 0x%02x after 0xFF", modrm)
			}
		case 0x31: // xor r/m32, r32 -- only "31 C0" (xor eax, eax) is emitted
			modrm, err := c.fetch8()
			if err != nil {
				return err
			}
			if modrm != 0xC0 {
				c.regs.Abrt = cpu.FaultInvalidOpcode
				return fmt.Errorf("refcore: unsupported modrm 0x%02x after 0x31", modrm)
			}
			c.regs.EAX = 0
		case 0x0F: // two-byte opcode; only 0F 34 (sysenter) is emitted
			op2, err := c.fetch8()
			if err != nil {
				return err
			}
			if op2 != 0x34 {
				c.regs.Abrt = cpu.FaultInvalidOpcode
				return fmt.Errorf("refcore: unsupported two-byte opcode 0x0F 0x%02x", op2)
			}
			if c.onEnter != nil {
				c.onEnter()
			}
		case 0xC2: // ret imm16
			imm, err := c.fetch16()
			if err != nil {
				return err
			}
			eip, err := c.pop32()
			if err != nil {
				return err
			}
			c.regs.ESP += uint32(imm)
			c.regs.EIP = eip
		case 0xC3: // ret near
			eip, err := c.pop32()
			if err != nil {
				return err
			}
			c.regs.EIP = eip
		case 0x68: // push imm32
			imm, err := c.fetch32()
			if err != nil {
				return err
			}
			if err := c.push32(imm); err != nil {
				return err
			}
		case 0xCC: // int3 -- reached only if a sentinel's safety net fires
			c.exit = true
		default:
			c.regs.Abrt = cpu.FaultInvalidOpcode
			return fmt.Errorf("refcore: unsupported opcode 0x%02x at eip-1", op)
		}
	}
	return nil
}

var _ cpu.Core = (*Core)(nil)
