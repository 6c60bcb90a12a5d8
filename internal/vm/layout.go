// Package vm assembles the guest address space and Ring-3 CPU state a
// loaded process needs before it can run: the GDT/IDT, TEB/PEB/
// KUSER_SHARED_DATA pages, the user stack, and the SYSENTER MSRs, plus the
// synchronous DllMain invocation mechanism the loader's DLL-init pass
// drives. Grounded on original_source/src/vm/vm.c (vm_init, vm_setup_gdt,
// vm_setup_idt, vm_setup_paging, vm_setup_sysenter, vm_setup_cpu_state,
// vm_load_pe_with_dlls, vm_call_dll_entry, vm_init_dlls) and vm.h.
package vm

// Fixed guest virtual addresses (vm.h's VM_* macros).
const (
	KernelBase = 0x80000000

	UserStackTop  = 0x7FFEFFF0
	UserStackSize = 64 * 1024

	TebAddr  = 0x7FFDF000
	PebAddr  = 0x7FFDE000
	KusdAddr = 0x7FFE0000

	DefaultImageBase = 0x00400000

	// IdentityMapSize covers low memory so the GDT/IDT stay reachable once
	// paging is enabled (vm_setup_paging).
	IdentityMapSize = 0x00100000
)

// GDT/IDT physical placement (spec.md §4.6 step 1-2).
const (
	GDTPhys    = 0x1000
	IDTPhys    = 0x2000
	gdtEntries = 8
	idtEntries = 256
)

// GDT selector indices (vm.h's VM_SEL_*).
const (
	SelNull       = 0x00
	SelKernelCode = 0x08
	SelKernelData = 0x10
	SelUserCode   = 0x1B // index 3, RPL 3
	SelUserData   = 0x23 // index 4, RPL 3
	SelTeb        = 0x3B // index 7, RPL 3
)

// InitialEFlags is IF=1 with the reserved bit 1 set, matching real x86
// reset state and vm_setup_cpu_state's EFLAGS value.
const InitialEFlags = 0x00000202

// KUSER_SHARED_DATA stub offsets (vm_load_pe_with_dlls).
const (
	kusdSyscallPtrOff           = 0x300
	kusdSyscallStubOff          = 0x340
	kusdDllInitStubOff          = 0x350
	kusdWndProcStubOff          = 0x360
	kusdCallbackDispatchStubOff = 0x370
)

// SyscallStubVA and friends are absolute VAs derived from the offsets
// above, exported so internal/syscall can recognize the sentinel return
// addresses without importing vm's internals.
const (
	SyscallStubVA          = KusdAddr + kusdSyscallStubOff
	DllInitStubVA          = KusdAddr + kusdDllInitStubOff
	WndProcStubVA          = KusdAddr + kusdWndProcStubOff
	CallbackDispatchStubVA = KusdAddr + kusdCallbackDispatchStubOff
)

// PEB.KernelCallbackTable and the TEB CLIENTINFO fields internal/callback
// and internal/syscall consult to run the primary (table-driven) WndProc
// invocation path (spec.md §4.13; process.h's PEB_KERNEL_CALLBACK_TABLE,
// TEB_WIN32_CLIENT_INFO, CI_CALLBACKWND_*).
const (
	PebKernelCallbackTable = 0x2C

	TebWin32ClientInfo   = 0x6CC
	CiCallbackWndHwnd    = 0x28
	CiCallbackWndPwnd    = 0x2C
	CiCallbackWndPActCtx = 0x30

	// CallbackIndexWindowProc is entry 0 of the kernel callback table,
	// USER32_CALLBACK_WINDOWPROC in user_callback.c.
	CallbackIndexWindowProc = 0
)

// TEB field offsets (process.h's TEB_*).
const (
	tebExceptionList      = 0x00
	tebStackBase          = 0x04
	tebStackLimit         = 0x08
	tebSelf               = 0x18
	tebProcessID          = 0x20
	tebThreadID           = 0x24
	tebPebPointer         = 0x30
	tebLastError          = 0x34
	tebActivationStackPtr = 0x1A8
)

// actctxStackAddr sits inside the TEB page, past the fixed TEB fields
// (process.h's VM_ACTCTX_STACK_ADDR).
const actctxStackAddr = TebAddr + 0x800

const (
	actctxActiveFrame    = 0x00
	actctxFrameListCache = 0x04
	actctxFlags          = 0x0C
	actctxNextCookieSeq  = 0x10
	actctxStackID        = 0x14
)

// PEB field offsets (process.h's PEB_*).
const (
	pebBeingDebugged      = 0x02
	pebImageBaseAddress   = 0x08
	pebLdr                = PebLdrOffset
	pebProcessParameters  = 0x10
	pebProcessHeap        = 0x18
	pebFastPebLock        = 0x1C
	pebNumberOfProcessors = 0x64
	pebNtGlobalFlag       = 0x68
	pebOSMajorVersion     = 0xA4
	pebOSMinorVersion     = 0xA8
	pebOSBuildNumber      = 0xAC
	pebOSPlatformID       = 0xB0
	pebImageSubsystem     = 0xB4
	pebImageSubsysMajor   = 0xB8
	pebImageSubsysMinor   = 0xBC
	pebGdiSharedTable     = 0x94
	pebCriticalSecTimeout = 0x70
	pebSessionID          = 0x1D4
	pebTlsExpansionCount  = 0x3C
	pebTlsBitmap          = 0x40
	pebTlsBitmapBits      = 0x44
	pebLoaderLock         = 0xA0
)

// PebLdrOffset is PEB.Ldr's byte offset; the loader package writes this
// field before vm.Boot runs process init, so the two packages must agree.
const PebLdrOffset = 0x0C

// RTL_USER_PROCESS_PARAMETERS field offsets (process.h's RUPP_*).
const (
	ruppMaxLength     = 0x00
	ruppLength        = 0x04
	ruppFlags         = 0x08
	ruppStdinHandle   = 0x18
	ruppStdoutHandle  = 0x1C
	ruppStderrHandle  = 0x20
	ruppCurrentDir    = 0x24
	ruppCurrentDirHdl = 0x2C
	ruppDllPath       = 0x30
	ruppImagePathName = 0x38
	ruppCommandLine   = 0x40
	ruppEnvironment   = 0x48
	ruppStartingX     = 0x4C
	ruppStartingY     = 0x50
	ruppCountX        = 0x54
	ruppCountY        = 0x58
	ruppCountCharsX   = 0x5C
	ruppCountCharsY   = 0x60
	ruppFillAttribute = 0x64
	ruppWindowFlags   = 0x68
	ruppShowWindow    = 0x6C
	ruppSize          = 0x200
)

// RTL_CRITICAL_SECTION field offsets.
const (
	csDebugInfo      = 0x00
	csLockCount      = 0x04
	csRecursionCount = 0x08
	csOwningThread   = 0x0C
	csLockSemaphore  = 0x10
	csSpinCount      = 0x14
	csSize           = 0x18
)

// RTL_BITMAP field offsets.
const (
	bitmapSizeOfBitmap = 0x00
	bitmapBuffer       = 0x04
)

// Fixed process-params/environment/critical-section addresses, all within
// the PEB page (process.h's VM_PROCESS_PARAMS_ADDR and friends).
const (
	processParamsAddr = PebAddr + 0x200
	environmentAddr   = PebAddr + 0x400
	fastPebLockAddr   = PebAddr + 0x800
	loaderLockAddr    = PebAddr + 0x820
	tlsBitmapAddr     = PebAddr + 0x840
	stringBuffersAddr = PebAddr + 0x900
)

// gdiSharedTableAddr/Size: gdi_handle_table.h's GDI_SHARED_TABLE_ADDR/SIZE
// are declared and used from process.c but the header defining their
// values isn't present in the retrieval pack; this places the table in
// the same 0x7F0x0000 scratch range as the stub region/loader
// heap/SERVERINFO/USER handle table (spec.md §4.6) rather than inventing
// an unrelated address.
const (
	gdiSharedTableAddr = 0x7F040000
	gdiSharedTableSize = 64 * 1024
)

// processHeapBase mirrors ntheap.BaseVA, the fixed guest VA of the process
// heap region (spec.md §4.6's 0x10000000). PEB.ProcessHeap must carry it
// before any guest code calls GetProcessHeap.
const processHeapBase = 0x10000000

// Fake identifiers WBOX reports for the single process/thread it emulates
// (process.h's WBOX_PROCESS_ID/WBOX_THREAD_ID).
const (
	FakeProcessID = 0x1000
	FakeThreadID  = 0x1004
)

// Windows XP SP3 version identity (process.h's WBOX_OS_* constants).
const (
	osMajorVersion = 5
	osMinorVersion = 1
	osBuildNumber  = 2600
	osPlatformID   = 2 // VER_PLATFORM_WIN32_NT
	imageSubsysCUI = 3 // IMAGE_SUBSYSTEM_WINDOWS_CUI
)
