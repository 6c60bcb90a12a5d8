package vm

import "github.com/noname22/wbox/internal/cpu"

// kernelStackTop is the kernel-mode stack the SYSENTER_ESP MSR points at;
// it lives inside the identity-mapped low-memory region, below the paging
// structures at paging.DefaultPhysBase, so it never collides with them (vm.c's SYSENTER_STACK + PAGE_SIZE).
const kernelStackTop = 0x00010000 + 0x1000

// setupSysenter configures the SYSENTER MSRs: Ring 0 code selector, kernel
// stack top, and an unused EIP (the CPU model calls the registered
// SysenterHandler directly rather than vectoring through SYSENTER_EIP)
// (vm_setup_sysenter).
func (c *Context) setupSysenter() error {
	r := c.core.Regs()
	r.SysenterCS = SelKernelCode
	r.SysenterESP = kernelStackTop
	r.SysenterEIP = 0
	return nil
}

// setupCPUState sets every Ring-3 segment register, the GP register file,
// EIP/ESP/EFLAGS, matching vm_setup_cpu_state's flat-segment Ring 3 entry
// configuration.
func (c *Context) setupCPUState() {
	r := c.core.Regs()

	r.CS = cpu.Segment{Selector: SelUserCode, Base: 0, Limit: 0xFFFFFFFF, Access: 0xCFFB}
	flat := cpu.Segment{Selector: SelUserData, Base: 0, Limit: 0xFFFFFFFF, Access: 0xCFF3}
	r.DS = flat
	r.ES = flat
	r.SS = flat
	r.GS = flat
	r.FS = cpu.Segment{Selector: SelTeb, Base: TebAddr, Limit: 0xFFF, Access: 0x40F3}

	r.EIP = c.entryPoint
	r.ESP = UserStackTop
	r.EFlags = InitialEFlags

	r.EAX, r.EBX, r.ECX, r.EDX = 0, 0, 0, 0
	r.ESI, r.EDI, r.EBP = 0, 0, 0
}
