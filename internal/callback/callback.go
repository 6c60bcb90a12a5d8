// Package callback implements the kernel-to-guest WndProc invocation
// mechanism spec.md §4.13 describes: the host needs to run guest code
// (a window's message procedure) synchronously from inside a syscall
// handler and get its LRESULT back, the mirror image of the normal
// guest-calls-host direction. Grounded on
// original_source/src/user/user_callback.c (saved-register frame stack,
// MAX_CALLBACK_DEPTH, the table-driven WINDOWPROC_CALLBACK_ARGUMENTS path
// and its direct-call fallback) and internal/vm's CallDLLEntry, which
// establishes the same save/push-args/run-until-sentinel/restore shape
// for DllMain.
package callback

import (
	"encoding/binary"
	"fmt"

	"github.com/noname22/wbox/internal/cpu"
	"github.com/noname22/wbox/internal/diag"
	"github.com/noname22/wbox/internal/user"
	"github.com/noname22/wbox/internal/vm"
)

// MaxDepth bounds nested callback invocation (a WndProc that itself causes
// another message dispatch via SendMessage), matching
// WBOX_CALLBACK_STATE's fixed g_callback_stack[16] (user_callback.h).
const MaxDepth = 16

// execSliceSize bounds how many instructions Call runs between
// idle/timeout checks, matching CallDLLEntry's slice size.
const execSliceSize = 1000

// maxCallIterations bounds the total number of slices one callback may
// consume before it is declared hung, logged, and unwound with a result
// of 0 (user_callback.c's CALLBACK_TIMEOUT_ITERATIONS).
const maxCallIterations = 1 << 20

// WINDOWPROC_CALLBACK_ARGUMENTS field offsets (user_callback.c's WPCB_*).
const (
	wpcbProc          = 0
	wpcbIsAnsiProc    = 4
	wpcbWnd           = 8
	wpcbMsg           = 12
	wpcbWParam        = 16
	wpcbLParam        = 20
	wpcbLParamBufSize = 24
	wpcbResult        = 28
	wpcbSize          = 32
)

// CREATESTRUCTW field offsets (user_callback.c's CS_*, duplicated from
// internal/user's unexported createstruct.go offsets since this package
// builds its own copy of the structure rather than reading the window's
// shadow one in place).
const (
	csLpCreateParams = 0
	csHInstance      = 4
	csHMenu          = 8
	csHwndParent     = 12
	csCy             = 16
	csCx             = 20
	csY              = 24
	csX              = 28
	csStyle          = 32
	csLpszName       = 36
	csLpszClass      = 40
	csDwExStyle      = 44
	csSize           = 48
)

// isAtom reports whether a CREATESTRUCTW lpszName/lpszClass value is
// actually a MAKEINTATOM value rather than a real string pointer
// (user_callback.c's is_atom: HIWORD zero, LOWORD non-zero).
func isAtom(v uint32) bool { return v&0xFFFF0000 == 0 && v&0xFFFF != 0 }

// Scheduler is the subset of internal/sched's interface Call consults to
// fast-forward past a WndProc that waits on a timer or another thread
// (there is only one thread today, but the hook exists for when that
// changes). Identical in shape to vm.Context's Scheduler so both can be
// satisfied by the same concrete type.
type Scheduler interface {
	Idle() bool
	CheckTimeouts()
	NextTimeout() (uint64, bool)
	Now() uint64
	AdvanceTime(uint64)
	Switch()
}

// Invoker owns the nested-call frame stack and the sentinel-return state a
// syscall dispatcher flips when the guest hits the WndProc return stub.
type Invoker struct {
	core     cpu.Core
	returnVA uint32
	sched    Scheduler

	depth   int
	pending bool
	result  uint32
}

// New creates an Invoker that returns guest WndProc calls to returnVA
// (vm.WndProcStubVA: "mov ecx, eax; mov eax, 0xFFFD; sysenter; int3", so
// the LRESULT travels in ECX and EAX carries the sentinel number).
func New(core cpu.Core, returnVA uint32) *Invoker {
	return &Invoker{core: core, returnVA: returnVA}
}

// SetScheduler installs the scheduler Call consults to avoid spinning
// forever on a WndProc that never returns control.
func (iv *Invoker) SetScheduler(s Scheduler) { iv.sched = s }

// Depth reports the current nesting level.
func (iv *Invoker) Depth() int { return iv.depth }

// SignalReturn is called by the syscall dispatcher when it observes the
// 0x0000FFFD sentinel; result is ECX's value at the trap
// (user_callback_return).
func (iv *Invoker) SignalReturn(result uint32) {
	iv.pending = true
	iv.result = result
}

func (iv *Invoker) push32(v uint32) error {
	r := iv.core.Regs()
	r.ESP -= 4
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return iv.core.WriteLogical(r.ESP, buf[:])
}

func (iv *Invoker) read32(va uint32) (uint32, error) {
	var buf [4]byte
	if err := iv.core.ReadLogical(va, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (iv *Invoker) write32(va, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return iv.core.WriteLogical(va, buf[:])
}

// kernelCallbackHandler reads PEB.KernelCallbackTable and, if populated,
// the WindowProc entry within it (user_call_wndproc_addr's table lookup).
// It returns 0 if either is unset, telling Call to fall back to the
// direct-call path.
func (iv *Invoker) kernelCallbackHandler() uint32 {
	table, err := iv.read32(vm.PebAddr + vm.PebKernelCallbackTable)
	if err != nil || table == 0 {
		return 0
	}
	handler, err := iv.read32(table + vm.CallbackIndexWindowProc*4)
	if err != nil {
		return 0
	}
	return handler
}

// setCallbackWnd/clearCallbackWnd maintain TEB.Win32ClientInfo.CallbackWnd
// (set_callbackwnd_cache/clear_callbackwnd_cache), the cache guest-side
// ValidateHwnd-style macros consult while a callback targeting hwnd/shadowVA
// is in flight.
func (iv *Invoker) setCallbackWnd(hwnd, shadowVA uint32) {
	base := uint32(vm.TebAddr) + vm.TebWin32ClientInfo
	iv.write32(base+vm.CiCallbackWndHwnd, hwnd)
	iv.write32(base+vm.CiCallbackWndPwnd, shadowVA)
	iv.write32(base+vm.CiCallbackWndPActCtx, 0)
}

func (iv *Invoker) clearCallbackWnd() {
	base := uint32(vm.TebAddr) + vm.TebWin32ClientInfo
	iv.write32(base+vm.CiCallbackWndHwnd, 0)
	iv.write32(base+vm.CiCallbackWndPwnd, 0)
	iv.write32(base+vm.CiCallbackWndPActCtx, 0)
}

// wstrLen reads a NUL-terminated UTF-16LE string's length (in code units,
// excluding the terminator) at va, or 0 if va is an atom or null
// (user_callback.c's read_guest_wstr_len).
func (iv *Invoker) wstrLen(va uint32) uint32 {
	if va == 0 || isAtom(va) {
		return 0
	}
	const safetyLimit = 512
	var length uint32
	for length < safetyLimit {
		var buf [2]byte
		if err := iv.core.ReadLogical(va+length*2, buf[:]); err != nil {
			break
		}
		if binary.LittleEndian.Uint16(buf[:]) == 0 {
			break
		}
		length++
	}
	return length
}

// copyWString copies the NUL-terminated string at src (length in code
// units, excluding the terminator) to dst.
func (iv *Invoker) copyWString(dst, src uint32, length uint32) error {
	for i := uint32(0); i <= length; i++ {
		var buf [2]byte
		if i < length {
			if err := iv.core.ReadLogical(src+i*2, buf[:]); err != nil {
				return err
			}
		}
		if err := iv.core.WriteLogical(dst+i*2, buf[:]); err != nil {
			return err
		}
	}
	return nil
}

// setupDirectCall pushes a plain stdcall WndProc(hwnd, msg, wParam, lParam)
// frame, the fallback path user_call_wndproc_addr takes when the kernel
// callback table is unpopulated.
func (iv *Invoker) setupDirectCall(wndProc, hwnd, msg, wParam, lParam uint32) error {
	r := iv.core.Regs()
	for _, v := range [...]uint32{lParam, wParam, msg, hwnd} {
		if err := iv.push32(v); err != nil {
			return err
		}
	}
	if err := iv.push32(iv.returnVA); err != nil {
		return err
	}
	r.EIP = wndProc
	return nil
}

// setupTableCall builds a WINDOWPROC_CALLBACK_ARGUMENTS frame (deep-copying
// CREATESTRUCTW and its out-of-line strings for WM_NCCREATE/WM_CREATE) on
// the guest stack and sets up the stdcall call to the kernel callback
// table's WindowProc handler (user_call_wndproc_addr's table-driven path).
func (iv *Invoker) setupTableCall(handler, wndProc, hwnd, msg, wParam, lParam uint32) error {
	r := iv.core.Regs()

	var argsVA, argLength uint32
	lParamBufSize := int32(-1)

	if (msg == user.WmNcCreate || msg == user.WmCreate) && lParam != 0 {
		cs := make([]uint32, csSize/4)
		for i := range cs {
			v, err := iv.read32(lParam + uint32(i)*4)
			if err != nil {
				return err
			}
			cs[i] = v
		}
		csLpszNameV := cs[csLpszName/4]
		csLpszClassV := cs[csLpszClass/4]

		nameIsAtom := isAtom(csLpszNameV)
		classIsAtom := isAtom(csLpszClassV)
		nameLen := iv.wstrLen(csLpszNameV)
		classLen := iv.wstrLen(csLpszClassV)
		if nameIsAtom {
			nameLen = 0
		}
		if classIsAtom {
			classLen = 0
		}
		nameBytes := (nameLen + 1) * 2
		classBytes := (classLen + 1) * 2
		if nameIsAtom {
			nameBytes = 0
		}
		if classIsAtom {
			classBytes = 0
		}

		bufSize := uint32(csSize) + nameBytes + classBytes
		lParamBufSize = int32(bufSize)
		argLength = wpcbSize + bufSize

		r.ESP -= argLength
		argsVA = r.ESP

		nameOffset := csSize
		if nameIsAtom {
			nameOffset = int(csLpszNameV)
		}
		classOffset := csSize + int(nameBytes)
		if classIsAtom {
			classOffset = int(csLpszClassV)
		}

		wpcb := []struct{ off, val uint32 }{
			{wpcbProc, wndProc},
			{wpcbIsAnsiProc, 0},
			{wpcbWnd, hwnd},
			{wpcbMsg, msg},
			{wpcbWParam, wParam},
			{wpcbLParam, lParam},
			{wpcbLParamBufSize, uint32(lParamBufSize)},
			{wpcbResult, 0},
		}
		for _, w := range wpcb {
			if err := iv.write32(argsVA+w.off, w.val); err != nil {
				return err
			}
		}

		csVA := argsVA + wpcbSize
		csWrites := []struct{ off, val uint32 }{
			{csLpCreateParams, cs[csLpCreateParams/4]},
			{csHInstance, cs[csHInstance/4]},
			{csHMenu, cs[csHMenu/4]},
			{csHwndParent, cs[csHwndParent/4]},
			{csCy, cs[csCy/4]},
			{csCx, cs[csCx/4]},
			{csY, cs[csY/4]},
			{csX, cs[csX/4]},
			{csStyle, cs[csStyle/4]},
			{csLpszName, uint32(nameOffset)},
			{csLpszClass, uint32(classOffset)},
			{csDwExStyle, cs[csDwExStyle/4]},
		}
		for _, w := range csWrites {
			if err := iv.write32(csVA+w.off, w.val); err != nil {
				return err
			}
		}

		if !nameIsAtom && nameLen > 0 {
			if err := iv.copyWString(csVA+uint32(csSize), csLpszNameV, nameLen); err != nil {
				return err
			}
		}
		if !classIsAtom && classLen > 0 {
			if err := iv.copyWString(csVA+uint32(csSize)+nameBytes, csLpszClassV, classLen); err != nil {
				return err
			}
		}
	} else {
		argLength = wpcbSize
		r.ESP -= argLength
		argsVA = r.ESP

		wpcb := []struct{ off, val uint32 }{
			{wpcbProc, wndProc},
			{wpcbIsAnsiProc, 0},
			{wpcbWnd, hwnd},
			{wpcbMsg, msg},
			{wpcbWParam, wParam},
			{wpcbLParam, lParam},
			{wpcbLParamBufSize, uint32(lParamBufSize)},
			{wpcbResult, 0},
		}
		for _, w := range wpcb {
			if err := iv.write32(argsVA+w.off, w.val); err != nil {
				return err
			}
		}
	}

	if err := iv.push32(argLength); err != nil {
		return err
	}
	if err := iv.push32(argsVA); err != nil {
		return err
	}
	if err := iv.push32(iv.returnVA); err != nil {
		return err
	}
	r.EIP = handler
	return nil
}

// Call invokes wndProc(hwnd, msg, wParam, lParam) as a stdcall guest
// function and returns its LRESULT (user_call_wndproc_addr): it consults
// PEB.KernelCallbackTable to decide between the table-driven
// WINDOWPROC_CALLBACK_ARGUMENTS path and the direct-call fallback, saves
// the live register file, sets/clears TEB.Win32ClientInfo.CallbackWnd
// around the call, and runs the CPU in slices until the return sentinel
// fires, consulting sched to fast-forward past a stalled callback the same
// way CallDLLEntry does for DllMain. shadowVA is the target window's
// desktop-heap shadow VA (0 if the window couldn't be resolved), used only
// to populate the CallbackWnd cache.
func (iv *Invoker) Call(wndProc, hwnd, msg, wParam, lParam, shadowVA uint32) (uint32, error) {
	if iv.depth >= MaxDepth {
		return 0, fmt.Errorf("callback: nesting depth %d exceeded calling %#x", MaxDepth, wndProc)
	}

	r := iv.core.Regs()
	saved := *r
	iv.depth++
	defer func() { iv.depth-- }()

	iv.pending = false
	iv.result = 0
	iv.core.RequestExit(false)

	handler := iv.kernelCallbackHandler()
	var err error
	if handler != 0 {
		err = iv.setupTableCall(handler, wndProc, hwnd, msg, wParam, lParam)
	} else {
		err = iv.setupDirectCall(wndProc, hwnd, msg, wParam, lParam)
	}
	if err != nil {
		*r = saved
		return 0, err
	}

	if shadowVA != 0 {
		iv.setCallbackWnd(hwnd, shadowVA)
	}

	iterations := 0
	for !iv.pending && !iv.core.ExitRequested() {
		if iterations++; iterations > maxCallIterations {
			diag.Warnf("callback: WndProc %#x timed out after %d slices; unwinding with result 0", wndProc, maxCallIterations)
			iv.result = 0
			break
		}
		if iv.sched != nil && iv.sched.Idle() {
			iv.sched.CheckTimeouts()
			if iv.sched.Idle() {
				if next, ok := iv.sched.NextTimeout(); ok {
					now := iv.sched.Now()
					if next > now {
						iv.sched.AdvanceTime(next - now + 1)
					}
					iv.sched.CheckTimeouts()
				}
				if iv.sched.Idle() {
					break // a WndProc with no pending timer and nothing to switch to is stuck; give up
				}
			}
			iv.sched.Switch()
			continue
		}
		if err := iv.core.Exec(execSliceSize); err != nil {
			if shadowVA != 0 {
				iv.clearCallbackWnd()
			}
			*r = saved
			return 0, fmt.Errorf("callback: exec: %w", err)
		}
	}

	if shadowVA != 0 {
		iv.clearCallbackWnd()
	}

	result := iv.result
	*r = saved
	iv.pending = false
	iv.core.RequestExit(false)
	return result, nil
}
