package syscall

import (
	"github.com/noname22/wbox/internal/diag"
	"github.com/noname22/wbox/internal/imports"
	"github.com/noname22/wbox/internal/ntheap"
)

// dispatchPrivate services the patched Rtl*Heap family, the NLS-table-free
// string converters, and GetCommandLineA/W (spec.md §4.10): these aren't
// real syscalls at all, just ordinary stdcall functions whose first few
// bytes WBOX overwrote with a syscall stub, so unlike dispatchNT/
// dispatchWin32k their return value is the patched function's own ABI
// (a pointer, a BOOLEAN, a byte count) rather than an NTSTATUS.
func (d *Dispatcher) dispatchPrivate(number, edx uint32) uint32 {
	switch number {
	case imports.PrivRtlAllocateHeap:
		return d.rtlAllocateHeap(edx)
	case imports.PrivRtlFreeHeap:
		return d.rtlFreeHeap(edx)
	case imports.PrivRtlReAllocateHeap:
		return d.rtlReAllocateHeap(edx)
	case imports.PrivRtlSizeHeap:
		return d.rtlSizeHeap(edx)
	case imports.PrivRtlMultiByteToUnicodeN:
		return d.rtlMultiByteToUnicodeN(edx)
	case imports.PrivRtlOemToUnicodeN:
		return d.rtlMultiByteToUnicodeN(edx) // same narrow-to-wide cast, spec.md §4.10
	case imports.PrivRtlUnicodeToMultiByteN:
		return d.rtlUnicodeToMultiByteN(edx)
	case imports.PrivRtlUnicodeToOemN:
		return d.rtlUnicodeToMultiByteN(edx)
	case imports.PrivRtlMultiByteToUnicodeSize:
		return d.rtlMultiByteToUnicodeSize(edx)
	case imports.PrivRtlUnicodeToMultiByteSize:
		return d.rtlUnicodeToMultiByteSize(edx)
	case imports.PrivGetCommandLineA:
		return d.getCommandLineA()
	case imports.PrivGetCommandLineW:
		return d.getCommandLineW()
	default:
		diag.Warnf("syscall: unrecognized private syscall number %#x", number)
		return StatusNotImplemented
	}
}

// RtlAllocateHeap(HANDLE hHeap, ULONG Flags, SIZE_T Size) -> PVOID. hHeap
// is ignored: WBOX backs every guest heap handle with the single process
// heap spec.md §4.6 places at 0x10000000.
func (d *Dispatcher) rtlAllocateHeap(edx uint32) uint32 {
	flags := d.arg(edx, 1)
	size := d.arg(edx, 2)
	return d.heap.Alloc(size, flags)
}

// RtlFreeHeap(HANDLE hHeap, ULONG Flags, PVOID Ptr) -> BOOLEAN.
func (d *Dispatcher) rtlFreeHeap(edx uint32) uint32 {
	ptr := d.arg(edx, 2)
	if ptr == 0 {
		return 1 // freeing NULL always "succeeds"
	}
	return boolToU32(d.heap.Free(ptr))
}

// RtlReAllocateHeap(HANDLE hHeap, ULONG Flags, PVOID Ptr, SIZE_T Size) -> PVOID.
func (d *Dispatcher) rtlReAllocateHeap(edx uint32) uint32 {
	flags := d.arg(edx, 1)
	ptr := d.arg(edx, 2)
	size := d.arg(edx, 3)
	return d.heap.Realloc(ptr, size, flags)
}

// RtlSizeHeap(HANDLE hHeap, ULONG Flags, PVOID Ptr) -> SIZE_T, or -1 on
// failure (the real function's documented error return).
func (d *Dispatcher) rtlSizeHeap(edx uint32) uint32 {
	ptr := d.arg(edx, 2)
	size, ok := d.heap.Size(ptr)
	if !ok {
		return 0xFFFFFFFF
	}
	return size
}

// RtlMultiByteToUnicodeN(PWCH dest, ULONG destMaxBytes, PULONG writtenPtr,
// PCCH src, ULONG srcBytes) -> NTSTATUS. RtlOemToUnicodeN shares this
// handler: WBOX never loads NLS tables, so both conversions are the same
// byte-to-code-unit widening (spec.md §4.10).
func (d *Dispatcher) rtlMultiByteToUnicodeN(edx uint32) uint32 {
	destVA := d.arg(edx, 0)
	destMaxBytes := d.arg(edx, 1)
	writtenPtr := d.arg(edx, 2)
	srcVA := d.arg(edx, 3)
	srcBytes := d.arg(edx, 4)

	src := d.readBytes(srcVA, int(srcBytes))
	wide := ntheap.MultiByteToUnicode(src)

	n := uint32(len(wide))
	if n*2 > destMaxBytes {
		n = destMaxBytes / 2
	}
	buf := make([]byte, n*2)
	for i := uint32(0); i < n; i++ {
		buf[i*2] = byte(wide[i])
		buf[i*2+1] = byte(wide[i] >> 8)
	}
	d.writeBytes(destVA, buf)
	if writtenPtr != 0 {
		d.writeU32(writtenPtr, n*2)
	}
	return StatusSuccess
}

// RtlUnicodeToMultiByteN(PCHAR dest, ULONG destMaxBytes, PULONG writtenPtr,
// PCWCH src, ULONG srcBytes) -> NTSTATUS. RtlUnicodeToOemN shares this
// handler for the same reason rtlMultiByteToUnicodeN covers its OEM twin.
func (d *Dispatcher) rtlUnicodeToMultiByteN(edx uint32) uint32 {
	destVA := d.arg(edx, 0)
	destMaxBytes := d.arg(edx, 1)
	writtenPtr := d.arg(edx, 2)
	srcVA := d.arg(edx, 3)
	srcBytes := d.arg(edx, 4)

	units := srcBytes / 2
	raw := d.readBytes(srcVA, int(units)*2)
	wide := make([]uint16, units)
	for i := uint32(0); i < units; i++ {
		wide[i] = uint16(raw[i*2]) | uint16(raw[i*2+1])<<8
	}
	narrow := ntheap.UnicodeToMultiByte(wide)

	n := uint32(len(narrow))
	if n > destMaxBytes {
		n = destMaxBytes
	}
	d.writeBytes(destVA, narrow[:n])
	if writtenPtr != 0 {
		d.writeU32(writtenPtr, n)
	}
	return StatusSuccess
}

// RtlMultiByteToUnicodeSize(PULONG sizePtr, PCCH src, ULONG srcBytes) ->
// NTSTATUS: the "just tell me the required size" calling shape
// (SPEC_FULL.md §5.F), distinct from the direct-conversion call above by
// taking no destination pointer at all.
func (d *Dispatcher) rtlMultiByteToUnicodeSize(edx uint32) uint32 {
	sizePtr := d.arg(edx, 0)
	srcBytes := d.arg(edx, 2)
	d.writeU32(sizePtr, srcBytes*2)
	return StatusSuccess
}

// RtlUnicodeToMultiByteSize(PULONG sizePtr, PCWCH src, ULONG srcBytes) -> NTSTATUS.
func (d *Dispatcher) rtlUnicodeToMultiByteSize(edx uint32) uint32 {
	sizePtr := d.arg(edx, 0)
	srcBytes := d.arg(edx, 2)
	d.writeU32(sizePtr, srcBytes/2)
	return StatusSuccess
}

// getCommandLineA lazily narrows the process command line into the
// caller-provided scratch page the first time it's asked for, then always
// returns that same VA (GetCommandLineA's contract: a stable pointer for
// the process lifetime).
func (d *Dispatcher) getCommandLineA() uint32 {
	if d.ansiScratchVA == 0 {
		diag.Warnf("syscall: GetCommandLineA called with no ANSI scratch page configured")
		return 0
	}
	if !d.ansiWritten {
		buf := append([]byte(d.cmdLine), 0)
		d.writeBytes(d.ansiScratchVA, buf)
		d.ansiWritten = true
	}
	return d.ansiScratchVA
}

// getCommandLineW returns the already-wide command-line buffer
// vm.Context.initPEB wrote into RTL_USER_PROCESS_PARAMETERS.CommandLine
// when the process booted; the embedder supplies its VA via
// Config.CmdLineVA or SetCmdLineVA.
func (d *Dispatcher) getCommandLineW() uint32 {
	if d.cmdLineVA == 0 {
		diag.Warnf("syscall: GetCommandLineW called with no command-line VA configured")
	}
	return d.cmdLineVA
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
