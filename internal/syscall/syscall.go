// Package syscall is the sysenter dispatcher (spec.md §4.7/§6.5): it reads
// the syscall number out of EAX and its stdcall arguments off the guest
// stack, routes by the NT/Win32k/private-range tables internal/imports
// already defines, and calls into the subsystem that actually services
// each one (internal/vfs for files, internal/ntheap for the patched heap
// and string conversions, internal/user for window/message/class calls,
// internal/sched for waits and delays, internal/callback for invoking a
// guest WndProc from inside a handler). Grounded on
// original_source/src/user/user_syscalls.c for the range-dispatch shape
// and spec.md §6.5 for the numbering contract.
package syscall

import (
	"encoding/binary"

	"github.com/noname22/wbox/internal/callback"
	"github.com/noname22/wbox/internal/cpu"
	"github.com/noname22/wbox/internal/diag"
	"github.com/noname22/wbox/internal/handle"
	"github.com/noname22/wbox/internal/imports"
	"github.com/noname22/wbox/internal/ntheap"
	"github.com/noname22/wbox/internal/paging"
	"github.com/noname22/wbox/internal/sched"
	"github.com/noname22/wbox/internal/user"
	"github.com/noname22/wbox/internal/vfs"
)

// NTSTATUS values the dispatcher returns (winnt.h's STATUS_* subset it
// actually produces).
const (
	StatusSuccess            = 0x00000000
	StatusTimeout            = 0x00000102
	StatusUnsuccessful       = 0xC0000001
	StatusNotImplemented     = 0xC0000002
	StatusInvalidHandle      = 0xC0000008
	StatusInvalidParameter   = 0xC000000D
	StatusNoSuchFile         = 0xC000000F
	StatusEndOfFile          = 0xC0000011
	StatusAccessDenied       = 0xC0000022
	StatusObjectNameNotFound = 0xC0000034
	StatusObjectPathNotFound = 0xC000003A
	StatusNoMemory           = 0xC0000017
)

// objType tags slots in the dispatcher's own NT-object handle table,
// distinct from internal/user's HWND/HMENU/HCURSOR type tags since each
// package owns an independent handle.Table (spec.md §4.8: "the NT object
// layer and the USER subsystem each get their own Table instance").
type objType = handle.Type

const (
	objFile objType = 1 + iota
	objEvent
	objSection
)

// Dispatcher owns every piece of state a syscall handler might touch. It
// is installed as the CPU core's sysenter handler via Install.
type Dispatcher struct {
	core cpu.Core
	pg   *paging.Context

	jail  *vfs.Jail
	heap  *ntheap.Heap
	user  *user.Subsystem
	sched *sched.Scheduler
	cb    *callback.Invoker

	objects *handle.Table

	cmdLine       string
	ansiScratchVA uint32
	ansiWritten   bool
	cmdLineVA     uint32

	exitCode      int32
	exitRequested bool

	tick uint32 // fake millisecond clock, advanced by the host on each dispatch

	vmNext uint32 // bump allocator for NtAllocateVirtualMemory's "let the system choose" path

	// OnDllInitReturn/OnWndProcReturn let the embedder (cmd/wbox's wiring
	// code) hook the two sentinel syscalls into vm.Context's DLL-init
	// bookkeeping and internal/callback's return-signal.
	OnDllInitReturn func()
	OnWndProcReturn func(result uint32)
}

// Config collects the dependencies Dispatcher needs. AnsiScratchVA must
// name an already-mapped, writable guest page the dispatcher can use to
// stage the ANSI command line for GetCommandLineA (spec.md §4.6 scratch
// range).
type Config struct {
	Core          cpu.Core
	Paging        *paging.Context
	Jail          *vfs.Jail
	Heap          *ntheap.Heap
	User          *user.Subsystem
	Sched         *sched.Scheduler
	Callback      *callback.Invoker
	CmdLine       string
	AnsiScratchVA uint32

	// CmdLineVA is the guest VA of RTL_USER_PROCESS_PARAMETERS.CommandLine's
	// wide-character buffer, as vm.Context.CommandLineVA reports once Boot
	// has initialized the PEB. Zero disables GetCommandLineW.
	CmdLineVA uint32
}

// vmRegionBase is where NtAllocateVirtualMemory starts handing out regions
// when the guest doesn't request a specific base address, chosen to sit
// above the process heap and below the stub/TEB/PEB/KUSD scratch range
// (spec.md §4.6).
const vmRegionBase = 0x20000000

// New creates a Dispatcher over cfg's dependencies.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		core:          cfg.Core,
		pg:            cfg.Paging,
		jail:          cfg.Jail,
		heap:          cfg.Heap,
		user:          cfg.User,
		sched:         cfg.Sched,
		cb:            cfg.Callback,
		objects:       handle.New(),
		cmdLine:       cfg.CmdLine,
		ansiScratchVA: cfg.AnsiScratchVA,
		cmdLineVA:     cfg.CmdLineVA,
		vmNext:        vmRegionBase,
	}
}

// Install registers Handle as core's sysenter callback.
func (d *Dispatcher) Install() { d.core.SetSysenterHandler(d.Handle) }

// ExitRequested reports whether a handler called NtTerminateProcess.
func (d *Dispatcher) ExitRequested() bool { return d.exitRequested }

// ExitCode returns the process exit code NtTerminateProcess recorded.
func (d *Dispatcher) ExitCode() int32 { return d.exitCode }

// SetCmdLineVA lets the embedder supply GetCommandLineW's buffer VA once
// vm.Context.Boot has initialized the PEB and reports it via
// CommandLineVA, since the dispatcher itself is installed and servicing
// DllMain's syscalls before that VA exists.
func (d *Dispatcher) SetCmdLineVA(va uint32) { d.cmdLineVA = va }

// AdvanceTick lets the embedder's run loop push the dispatcher's notion of
// elapsed time forward (GetTickCount/message timestamps), independent of
// the scheduler's own finer-grained 100ns clock.
func (d *Dispatcher) AdvanceTick(ms uint32) {
	d.tick = ms
	if d.user != nil {
		d.user.Queue.Tick(ms)
	}
}

// arg reads the i'th (0-based) stdcall argument off the trapping stack
// frame: edx is ESP at the moment of sysenter (the KiFastSystemCall
// trampoline's "mov edx, esp"), and args sit at edx+8 — edx+0/edx+4 are
// the two chained return addresses (the shared stub's, then the
// per-function wrapper's).
func (d *Dispatcher) arg(edx uint32, i int) uint32 {
	var buf [4]byte
	if err := d.core.ReadLogical(edx+8+4*uint32(i), buf[:]); err != nil {
		diag.Warnf("syscall: failed reading arg %d at %#x: %v", i, edx+8+4*uint32(i), err)
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (d *Dispatcher) readBytes(va uint32, n int) []byte {
	buf := make([]byte, n)
	if err := d.core.ReadLogical(va, buf); err != nil {
		diag.Warnf("syscall: failed reading %d bytes at %#x: %v", n, va, err)
	}
	return buf
}

func (d *Dispatcher) writeBytes(va uint32, data []byte) {
	if err := d.core.WriteLogical(va, data); err != nil {
		diag.Warnf("syscall: failed writing %d bytes at %#x: %v", len(data), va, err)
	}
}

func (d *Dispatcher) readU16(va uint32) uint16 {
	b := d.readBytes(va, 2)
	return binary.LittleEndian.Uint16(b)
}

func (d *Dispatcher) writeU32(va, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	d.writeBytes(va, buf[:])
}

// readWideString reads a null-terminated UTF-16LE string starting at va,
// up to a sanity cap.
func (d *Dispatcher) readWideString(va uint32) string {
	const maxLen = 32768
	var units []uint16
	for i := 0; i < maxLen; i++ {
		u := d.readU16(va + uint32(i)*2)
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return ntheap.DecodeUTF16(units)
}

// readUnicodeString reads a UNICODE_STRING (Length uint16, MaxLength
// uint16, Buffer uint32) at structVA and returns its decoded contents.
func (d *Dispatcher) readUnicodeString(structVA uint32) string {
	length := d.readU16(structVA)
	bufVA := binary.LittleEndian.Uint32(d.readBytes(structVA+4, 4))
	if length == 0 || bufVA == 0 {
		return ""
	}
	units := make([]uint16, length/2)
	raw := d.readBytes(bufVA, int(length))
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return ntheap.DecodeUTF16(units)
}

// Handle is installed as the CPU core's sysenter callback. It runs
// synchronously with the trap: by the time it returns, EAX must hold the
// syscall's result, since the guest's shared stub simply falls through to
// `ret` afterward (refcore's sysenter is a plain function call, not a
// full ring transition).
func (d *Dispatcher) Handle() {
	r := d.core.Regs()
	number := r.EAX
	edx := r.EDX

	switch number {
	case imports.SentinelDllInitReturn:
		if d.OnDllInitReturn != nil {
			d.OnDllInitReturn()
		}
		return
	case imports.SentinelWndProcReturn:
		if d.OnWndProcReturn != nil {
			d.OnWndProcReturn(r.ECX)
		}
		return
	}

	result, ok := d.dispatch(number, edx)
	if !ok {
		diag.Warnf("syscall: unrecognized syscall number %#x", number)
		result = StatusNotImplemented
	}
	r.EAX = result
}

// dispatch routes to the handler for number, returning ok=false for a
// number outside every known range (a stub-table/dispatch-table mismatch,
// which should never happen for a correctly classified import but is
// handled gracefully rather than panicking).
func (d *Dispatcher) dispatch(number, edx uint32) (uint32, bool) {
	switch {
	case number >= imports.PrivateRangeBase && number < 0x2000:
		return d.dispatchPrivate(number, edx), true
	case number >= 0x400 && number < 0x1000:
		return d.dispatchWin32k(number, edx), true
	case number >= 1 && number < 0x400:
		return d.dispatchNT(number, edx), true
	default:
		return 0, false
	}
}
