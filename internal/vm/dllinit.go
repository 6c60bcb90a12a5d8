package vm

import (
	"fmt"
	"strings"

	"github.com/noname22/wbox/internal/loader"
)

// priorityDLLs must finish DllMain before any other DLL, so modules that
// depend on kernel services during their own init don't run first
// (vm_init_dlls's dependency-order bootstrap).
var priorityDLLs = []string{"kernel32.dll", "msvcrt.dll", "advapi32.dll", "gdi32.dll", "user32.dll"}

// SignalDllInitDone is called by the syscall dispatcher when it observes
// the 0x0000FFFE sentinel, breaking CallDLLEntry's run loop.
func (c *Context) SignalDllInitDone() { c.dllInitDone = true }

func (c *Context) pushDword(v uint32) error {
	r := c.core.Regs()
	r.ESP -= 4
	pa := c.pg.Translate(r.ESP)
	if pa == 0 {
		return fmt.Errorf("vm: push to unmapped stack at %#x", r.ESP)
	}
	return c.ram.Write32(pa, v)
}

// execSliceSize bounds how many instructions CallDLLEntry runs between
// idle/timeout checks (vm_call_dll_entry's exec386(1000) slices).
const execSliceSize = 1000

// CallDLLEntry synchronously invokes entryVA(baseVA, reason, NULL) as a
// stdcall DllMain: it saves the live register file, sets up the call
// frame with the DLL-init return stub as the return address, runs the CPU
// until the sentinel syscall fires (consulting the scheduler to
// fast-forward past startup deadlocks), then restores the saved registers
// and reports DllMain's BOOL return value (vm_call_dll_entry).
func (c *Context) CallDLLEntry(entryVA, baseVA, reason uint32) (bool, error) {
	r := c.core.Regs()
	saved := *r

	c.dllInitDone = false
	c.core.RequestExit(false)

	if err := c.pushDword(0); err != nil { // lpReserved
		return false, err
	}
	if err := c.pushDword(reason); err != nil { // ul_reason_for_call
		return false, err
	}
	if err := c.pushDword(baseVA); err != nil { // hModule
		return false, err
	}
	if err := c.pushDword(DllInitStubVA); err != nil { // return address
		return false, err
	}
	r.EIP = entryVA

	for !c.dllInitDone && !c.core.ExitRequested() {
		if c.sched != nil && c.sched.Idle() {
			c.sched.CheckTimeouts()
			if c.sched.Idle() {
				if next, ok := c.sched.NextTimeout(); ok {
					now := c.sched.Now()
					if next > now {
						c.sched.AdvanceTime(next - now + 1)
					}
					c.sched.CheckTimeouts()
				}
				if c.sched.Idle() {
					break // genuinely deadlocked; give up rather than spin forever
				}
			}
			c.sched.Switch()
			continue
		}
		if err := c.core.Exec(execSliceSize); err != nil {
			*r = saved
			return false, fmt.Errorf("vm: DLL entry exec: %w", err)
		}
	}

	result := r.EAX != 0
	*r = saved
	c.dllInitDone = false
	c.core.RequestExit(false)
	return result, nil
}

// InitDLLs runs DllMain(DLL_PROCESS_ATTACH) for every loaded non-main
// module with a real entry point, in priority-bootstrap-then-reverse-
// load-order, and links each successful module onto the PEB's
// initialization-order list (vm_init_dlls).
func (c *Context) InitDLLs() error {
	mods := c.ld.Modules()
	inited := make(map[*loader.Module]bool, len(mods))

	initOne := func(mod *loader.Module) error {
		if mod.IsMainEXE || inited[mod] || mod.EntryVA == 0 || mod.EntryVA == mod.BaseVA {
			return nil
		}
		inited[mod] = true
		ok, err := c.CallDLLEntry(mod.EntryVA, mod.BaseVA, 1)
		if err != nil {
			return fmt.Errorf("vm: DllMain(%s): %w", mod.Name, err)
		}
		mod.DllMainCalled = ok
		if ok {
			if err := c.ld.LinkInitOrder(mod); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range priorityDLLs {
		for _, mod := range mods {
			if strings.EqualFold(mod.Name, name) {
				if err := initOne(mod); err != nil {
					return err
				}
				break
			}
		}
	}

	for i := len(mods) - 1; i >= 0; i-- {
		if err := initOne(mods[i]); err != nil {
			return err
		}
	}
	return nil
}
