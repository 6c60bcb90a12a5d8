package vm

import (
	"fmt"

	"github.com/noname22/wbox/internal/cpu"
	"github.com/noname22/wbox/internal/loader"
	"github.com/noname22/wbox/internal/memory"
	"github.com/noname22/wbox/internal/paging"
)

// pteFlags is the standard present+writable+user mapping used for every
// guest data page vm.Context allocates.
const pteFlags = paging.Present | paging.Writable | paging.User

// rtlpTimeoutLow/High mirror loader's ntdll RtlpTimeout patch, written
// into PEB.CriticalSectionTimeout as well (process_init_peb).
const (
	rtlpTimeoutLow  uint32 = 0xA697D100
	rtlpTimeoutHigh uint32 = 0xFFFFFFFF
)

// Scheduler is the subset of internal/sched's Scheduler that vm.Context
// needs to break startup deadlocks during DLL initialization
// (vm_call_dll_entry's idle/fast-forward loop). A nil Scheduler means the
// CPU just runs uninterrupted until the DLL-init sentinel fires.
type Scheduler interface {
	Idle() bool
	CheckTimeouts()
	NextTimeout() (uint64, bool)
	Now() uint64
	AdvanceTime(uint64)
	Switch()
}

// Context ties the memory substrate, page tables, CPU model, and loader
// together into one bootable process (vm_context_t).
type Context struct {
	ram   *memory.RAM
	pg    *paging.Context
	core  cpu.Core
	ld    *loader.Manager
	sched Scheduler

	imageBase   uint32
	entryPoint  uint32
	sizeOfImage uint32
	stackBase   uint32

	dllInitDone bool
}

// New creates a Context over an already-constructed memory/paging/CPU/
// loader stack. Call Boot to load an executable and bring the guest to
// its entry point.
func New(ram *memory.RAM, pg *paging.Context, core cpu.Core, ld *loader.Manager) *Context {
	return &Context{
		ram:       ram,
		pg:        pg,
		core:      core,
		ld:        ld,
		stackBase: UserStackTop - UserStackSize,
	}
}

// SetScheduler installs the scheduler Boot's DLL-init pass and CallDLLEntry
// consult to break startup deadlocks.
func (c *Context) SetScheduler(s Scheduler) { c.sched = s }

// CommandLineVA returns the guest VA of the process's wide command-line
// buffer (RTL_USER_PROCESS_PARAMETERS.CommandLine.Buffer), for
// internal/syscall's GetCommandLineW interception.
func (c *Context) CommandLineVA() (uint32, error) {
	return c.readVirt32(processParamsAddr + ruppCommandLine + 4)
}

// Core, RAM, Paging, and Loader expose the pieces internal/syscall needs
// to construct a dispatcher wired to the same state Boot assembled,
// without duplicating Context's own bring-up logic.
func (c *Context) Core() cpu.Core          { return c.core }
func (c *Context) RAM() *memory.RAM        { return c.ram }
func (c *Context) Paging() *paging.Context { return c.pg }
func (c *Context) Loader() *loader.Manager { return c.ld }

// ImageBase, EntryPoint, SizeOfImage describe the main module once Boot
// has run.
func (c *Context) ImageBase() uint32   { return c.imageBase }
func (c *Context) EntryPoint() uint32  { return c.entryPoint }
func (c *Context) SizeOfImage() uint32 { return c.sizeOfImage }

// Boot constructs the protected-mode environment, loads exePath (and its
// transitive DLL imports) via the loader, maps the user stack/TEB/
// KUSER_SHARED_DATA, initializes the TEB/PEB, runs every loaded DLL's
// DllMain, and leaves the CPU's register file set to the main module's
// entry point (vm_init, vm_setup_gdt/idt/paging, vm_load_pe_with_dlls,
// vm_setup_sysenter/cpu_state, vm_init_dlls, in that order).
func (c *Context) Boot(exePath, cmdLine string) error {
	if err := c.setupGDT(); err != nil {
		return fmt.Errorf("vm: setup GDT: %w", err)
	}
	if err := c.setupIDT(); err != nil {
		return fmt.Errorf("vm: setup IDT: %w", err)
	}
	if err := c.pg.IdentityMap(IdentityMapSize, paging.Present|paging.Writable); err != nil {
		return fmt.Errorf("vm: identity map low memory: %w", err)
	}

	if err := c.allocAndMapPEB(); err != nil {
		return err
	}

	main, _, err := c.ld.LoadExecutable(exePath, PebAddr)
	if err != nil {
		return fmt.Errorf("vm: load executable: %w", err)
	}
	c.imageBase = main.BaseVA
	c.entryPoint = main.EntryVA
	c.sizeOfImage = main.Size

	if err := c.mapUserStack(); err != nil {
		return err
	}
	if err := c.allocAndMapTEB(); err != nil {
		return err
	}
	if err := c.setupKUSD(); err != nil {
		return err
	}

	if err := c.initTEB(); err != nil {
		return err
	}
	if err := c.initPEB(exePath, cmdLine); err != nil {
		return err
	}

	if err := c.setupSysenter(); err != nil {
		return fmt.Errorf("vm: setup sysenter: %w", err)
	}
	c.setupCPUState()

	if err := c.InitDLLs(); err != nil {
		return fmt.Errorf("vm: init DLLs: %w", err)
	}

	return nil
}

func (c *Context) allocAndMapPEB() error {
	phys, err := c.pg.AllocPhys(paging.PageSize)
	if err != nil {
		return fmt.Errorf("vm: allocate PEB: %w", err)
	}
	return c.pg.MapPage(PebAddr, phys, pteFlags)
}

func (c *Context) allocAndMapTEB() error {
	phys, err := c.pg.AllocPhys(paging.PageSize)
	if err != nil {
		return fmt.Errorf("vm: allocate TEB: %w", err)
	}
	return c.pg.MapPage(TebAddr, phys, pteFlags)
}

func (c *Context) mapUserStack() error {
	base := c.stackBase &^ (paging.PageSize - 1)
	topPage := uint32(UserStackTop) &^ (paging.PageSize - 1)
	size := (topPage - base) + paging.PageSize
	phys, err := c.pg.AllocPhys(size)
	if err != nil {
		return fmt.Errorf("vm: allocate user stack: %w", err)
	}
	return c.pg.MapRange(base, phys, size, pteFlags)
}

// setupKUSD maps KUSER_SHARED_DATA read-only for the guest and writes the
// SystemCall indirection stub and the DLL-init/WndProc return stubs
// (vm_load_pe_with_dlls's KUSER_SHARED_DATA block).
func (c *Context) setupKUSD() error {
	phys, err := c.pg.AllocPhys(paging.PageSize)
	if err != nil {
		return fmt.Errorf("vm: allocate KUSER_SHARED_DATA: %w", err)
	}
	if err := c.pg.MapPage(KusdAddr, phys, paging.Present|paging.User); err != nil {
		return fmt.Errorf("vm: map KUSER_SHARED_DATA: %w", err)
	}

	// mov edx, esp; sysenter; ret -- ntdll's KiFastSystemCall indirection.
	syscallStub := []byte{0x89, 0xE2, 0x0F, 0x34, 0xC3}
	if err := c.ram.WriteBytes(phys+kusdSyscallStubOff, syscallStub); err != nil {
		return err
	}
	if err := c.ram.Write32(phys+kusdSyscallPtrOff, SyscallStubVA); err != nil {
		return err
	}

	// mov eax, 0xFFFE; sysenter; int3 -- DllMain return sentinel.
	dllInitStub := []byte{0xB8, 0xFE, 0xFF, 0x00, 0x00, 0x0F, 0x34, 0xCC}
	if err := c.ram.WriteBytes(phys+kusdDllInitStubOff, dllInitStub); err != nil {
		return err
	}

	// mov ecx, eax; mov eax, 0xFFFD; sysenter; int3 -- WndProc return sentinel.
	wndProcStub := []byte{0x89, 0xC1, 0xB8, 0xFD, 0xFF, 0x00, 0x00, 0x0F, 0x34, 0xCC}
	if err := c.ram.WriteBytes(phys+kusdWndProcStubOff, wndProcStub); err != nil {
		return err
	}

	// Unpacks a WINDOWPROC_CALLBACK_ARGUMENTS frame and calls through to the
	// guest WndProc it names, storing the LRESULT back into the frame
	// (spec.md §4.13's primary, table-driven callback path; WBOX's
	// synthesized stand-in for user32's internal User32CallWindowProcFromKernel).
	//   mov esi, [esp+4]       ; esi = Arguments
	//   push dword [esi+20]    ; lParam
	//   push dword [esi+16]    ; wParam
	//   push dword [esi+12]    ; msg
	//   push dword [esi+8]     ; hwnd
	//   call dword [esi+0]     ; call Arguments.proc
	//   mov [esi+28], eax      ; Arguments.result = eax
	//   ret 8
	callbackDispatchStub := []byte{
		0x8B, 0x74, 0x24, 0x04,
		0xFF, 0x76, 0x14,
		0xFF, 0x76, 0x10,
		0xFF, 0x76, 0x0C,
		0xFF, 0x76, 0x08,
		0xFF, 0x16,
		0x89, 0x46, 0x1C,
		0xC2, 0x08, 0x00,
	}
	return c.ram.WriteBytes(phys+kusdCallbackDispatchStubOff, callbackDispatchStub)
}
