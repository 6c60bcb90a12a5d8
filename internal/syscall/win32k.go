package syscall

import (
	"encoding/binary"

	"github.com/noname22/wbox/internal/diag"
	"github.com/noname22/wbox/internal/handle"
	"github.com/noname22/wbox/internal/imports"
	"github.com/noname22/wbox/internal/ntheap"
	"github.com/noname22/wbox/internal/user"
	"github.com/noname22/wbox/internal/vm"
)

// WNDCLASSEXW field offsets (user_class.h's WBOX_WNDCLASSEXW, a direct
// mirror of the real Windows structure).
const (
	wcxStyle         = 4
	wcxLpfnWndProc   = 8
	wcxCbClsExtra    = 12
	wcxCbWndExtra    = 16
	wcxHInstance     = 20
	wcxHIcon         = 24
	wcxHCursor       = 28
	wcxHbrBackground = 32
	wcxLpszMenuName  = 36
	wcxLpszClassName = 40
	wcxHIconSm       = 44
	wcxSize          = 48
)

// isAtom reports whether a guest string-pointer argument is actually an
// ATOM value (MAKEINTATOM: high word zero), per user_syscalls.c's
// read_guest_unicode_string/read_guest_large_string convention.
func isAtom(v uint32) bool { return v>>16 == 0 && v != 0 }

// readUnicodeOrAtom decodes a PUNICODE_STRING argument that may carry an
// atom instead of a real string (Length=0, Buffer holding the atom).
func (d *Dispatcher) readUnicodeOrAtom(va uint32) (name string, atom uint16) {
	if va == 0 {
		return "", 0
	}
	length := d.readU16(va)
	bufVA := binary.LittleEndian.Uint32(d.readBytes(va+4, 4))
	if length == 0 && isAtom(bufVA) {
		return "", uint16(bufVA)
	}
	return d.readUnicodeString(va), 0
}

// largeStringIsAnsi decodes LARGE_STRING.MaxLenAndAnsi's bit 31 (ANSI
// flag), per user_syscalls.c's LARGE_STRING handling.
func largeStringIsAnsi(v uint32) bool { return v&0x80000000 != 0 }

// readLargeStringOrAtom decodes a PLARGE_STRING argument used by
// NtUserCreateWindowEx, which may itself be an atom rather than a pointer.
func (d *Dispatcher) readLargeStringOrAtom(va uint32) (name string, atom uint16) {
	if va == 0 {
		return "", 0
	}
	if isAtom(va) {
		return "", uint16(va)
	}
	hdr := d.readBytes(va, 12)
	length := binary.LittleEndian.Uint32(hdr[0:4])
	maxLenAnsi := binary.LittleEndian.Uint32(hdr[4:8])
	bufVA := binary.LittleEndian.Uint32(hdr[8:12])
	if bufVA == 0 || length == 0 {
		return "", 0
	}
	if largeStringIsAnsi(maxLenAnsi) {
		raw := d.readBytes(bufVA, int(length))
		return string(raw), 0
	}
	units := make([]uint16, length/2)
	raw := d.readBytes(bufVA, int(length))
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return ntheap.DecodeUTF16(units), 0
}

func (d *Dispatcher) dispatchWin32k(number, edx uint32) uint32 {
	switch number {
	case imports.NtUserRegisterClassExWOW:
		return d.ntUserRegisterClassExWOW(edx)
	case imports.NtUserUnregisterClass:
		return d.ntUserUnregisterClass(edx)
	case imports.NtUserCreateWindowEx:
		return d.ntUserCreateWindowEx(edx)
	case imports.NtUserDestroyWindow:
		return d.ntUserDestroyWindow(edx)
	case imports.NtUserShowWindow:
		return d.ntUserShowWindow(edx)
	case imports.NtUserGetMessage:
		return d.ntUserGetMessage(edx)
	case imports.NtUserPeekMessage:
		return d.ntUserPeekMessage(edx)
	case imports.NtUserPostMessage:
		return d.ntUserPostMessage(edx)
	case imports.NtUserPostQuitMessage:
		d.user.PostQuitMessage(int32(d.arg(edx, 0)))
		return 0
	case imports.NtUserTranslateMessage:
		return d.ntUserTranslateMessage(edx)
	case imports.NtUserDispatchMessage:
		return d.ntUserDispatchMessage(edx)
	case imports.NtUserDefWindowProc:
		return d.ntUserDefWindowProc(edx)
	case imports.NtUserCallWindowProc:
		return d.ntUserCallWindowProc(edx)
	case imports.NtUserGetKeyState, imports.NtUserGetAsyncKeyState:
		vk := d.arg(edx, 0) & 0xFF
		state := d.user.Queue.GetKeyState(uint8(vk))
		var result uint32
		if state&0x80 != 0 {
			result |= 0x8000
		}
		result |= uint32(state & 0x01)
		return result
	case imports.NtGdiGetTextMetricsW:
		return d.ntGdiGetTextMetricsW(edx)
	case imports.NtUserDeferWindowPos:
		return d.arg(edx, 0) // pass the HDWP token straight through; layout isn't batched
	case imports.NtUserEndDeferWindowPos:
		return 1
	case imports.NtUserInitializeClientPfnArrays:
		return d.ntUserInitializeClientPfnArrays(edx)
	default:
		return StatusNotImplemented
	}
}

// ntUserInitializeClientPfnArrays is user32.dll's DllMain-time registration
// of its kernel callback entry points (NtUserInitializeClientPfnArrays:
// pfnClientA, pfnClientW, pfnClientWorker, hmodUser). The real pfnClientA/W
// tables aren't meaningful inside WBOX (there's no real user32.dll code to
// point into), so this allocates a single-entry kernel callback table on
// the process heap, points its WindowProc slot at the synthesized
// callback-dispatch stub vm.Context wrote into KUSER_SHARED_DATA, and
// publishes it via PEB.KernelCallbackTable -- the precondition
// internal/callback's Call checks before it will run the table-driven path
// instead of falling back to a direct WndProc call (spec.md §4.13).
func (d *Dispatcher) ntUserInitializeClientPfnArrays(edx uint32) uint32 {
	tableVA := d.heap.Alloc(4, 0)
	if tableVA == 0 {
		return 0
	}
	d.writeU32(tableVA+vm.CallbackIndexWindowProc*4, vm.CallbackDispatchStubVA)
	d.writeU32(vm.PebAddr+vm.PebKernelCallbackTable, tableVA)
	return 1
}

func (d *Dispatcher) ntUserRegisterClassExWOW(edx uint32) uint32 {
	pWndClass := d.arg(edx, 0)
	pClassName := d.arg(edx, 1)
	fnID := d.arg(edx, 4)

	wcx := d.readBytes(pWndClass, wcxSize)
	className, atom := d.readUnicodeOrAtom(pClassName)

	if atom != 0 {
		if existing, ok := d.user.FindClassByAtom(atom); ok {
			return uint32(existing.Atom)
		}
		className = "" // synthesized name below
	}
	if className == "" && atom != 0 {
		className = synthClassName(atom)
	}

	hInstance := binary.LittleEndian.Uint32(wcx[wcxHInstance:])
	if existing, ok := d.user.FindClassByName(className, hInstance); ok {
		return uint32(existing.Atom)
	}

	c := &user.Class{
		Name:          className,
		Style:         binary.LittleEndian.Uint32(wcx[wcxStyle:]),
		WndProc:       binary.LittleEndian.Uint32(wcx[wcxLpfnWndProc:]),
		ClsExtraBytes: int(int32(binary.LittleEndian.Uint32(wcx[wcxCbClsExtra:]))),
		WndExtraBytes: int(int32(binary.LittleEndian.Uint32(wcx[wcxCbWndExtra:]))),
		HInstance:     hInstance,
		HIcon:         binary.LittleEndian.Uint32(wcx[wcxHIcon:]),
		HIconSm:       binary.LittleEndian.Uint32(wcx[wcxHIconSm:]),
		HCursor:       binary.LittleEndian.Uint32(wcx[wcxHCursor:]),
		HBrBackground: binary.LittleEndian.Uint32(wcx[wcxHbrBackground:]),
		FNID:          fnID,
	}
	newAtom, err := d.user.RegisterClassEx(c)
	if err != nil {
		return 0
	}
	return uint32(newAtom)
}

func synthClassName(atom uint16) string {
	const hex = "0123456789ABCDEF"
	b := [5]byte{'#', hex[(atom>>12)&0xF], hex[(atom>>8)&0xF], hex[(atom>>4)&0xF], hex[atom&0xF]}
	return string(b[:])
}

func (d *Dispatcher) ntUserUnregisterClass(edx uint32) uint32 {
	pClassName := d.arg(edx, 0)
	hInstance := d.arg(edx, 1)
	name, atom := d.readUnicodeOrAtom(pClassName)
	if atom != 0 {
		if c, ok := d.user.FindClassByAtom(atom); ok {
			name = c.Name
		}
	}
	if d.user.UnregisterClass(name, hInstance) {
		return 1
	}
	return 0
}

func (d *Dispatcher) ntUserCreateWindowEx(edx uint32) uint32 {
	dwExStyle := d.arg(edx, 0)
	pClassName := d.arg(edx, 1)
	pWindowName := d.arg(edx, 3)
	dwStyle := d.arg(edx, 4)
	x := int32(d.arg(edx, 5))
	y := int32(d.arg(edx, 6))
	width := int32(d.arg(edx, 7))
	height := int32(d.arg(edx, 8))
	hwndParent := d.arg(edx, 9)
	hMenu := d.arg(edx, 10)
	hInstance := d.arg(edx, 11)
	lpParam := d.arg(edx, 12)

	className, classAtom := d.readLargeStringOrAtom(pClassName)
	windowName, _ := d.readLargeStringOrAtom(pWindowName)

	var cls *user.Class
	var ok bool
	if classAtom != 0 {
		cls, ok = d.user.FindClassByAtom(classAtom)
	} else {
		cls, ok = d.user.FindClassByName(className, hInstance)
		if !ok {
			cls, ok = d.user.FindClassByName(className, 0)
		}
	}
	if !ok {
		diag.Warnf("syscall: NtUserCreateWindowEx: class %q (atom %#x) not found", className, classAtom)
		return 0
	}

	var parent *user.Window
	if hwndParent != 0 {
		parent, _ = d.user.FromHandle(handle.Handle(hwndParent))
	}

	w, err := d.user.CreateWindow(user.CreateWindowParams{
		Class:      cls,
		WindowName: windowName,
		Style:      dwStyle,
		ExStyle:    dwExStyle,
		X:          x, Y: y, CX: width, CY: height,
		Parent:    parent,
		HInstance: hInstance,
		IDMenu:    hMenu,
	})
	if err != nil {
		diag.Warnf("syscall: NtUserCreateWindowEx: %v", err)
		return 0
	}

	createStructVA, err := d.user.WriteCreateStruct(w, lpParam)
	if err != nil || d.cb == nil {
		return uint32(w.Handle)
	}

	wndProc := w.Class.WndProc
	if wndProc == 0 {
		return uint32(w.Handle)
	}

	if result, err := d.cb.Call(wndProc, uint32(w.Handle), user.WmNcCreate, 0, createStructVA, w.ShadowVA); err == nil && result == 0 {
		d.user.DestroyWindow(w)
		return 0
	}
	if result, err := d.cb.Call(wndProc, uint32(w.Handle), user.WmCreate, 0, createStructVA, w.ShadowVA); err == nil && int32(result) == -1 {
		d.user.DestroyWindow(w)
		return 0
	}

	return uint32(w.Handle)
}

// ntUserDestroyWindow is the real DestroyWindow entry point. Real Windows
// sends WM_DESTROY to the window synchronously before tearing it down, so
// this calls through the WndProc directly (rather than posting, the way
// WM_CLOSE's indirect path does) via deliverDestroy, which also delivers
// the closing WM_NCDESTROY before the host-side teardown actually runs
// (spec.md §4.14).
func (d *Dispatcher) ntUserDestroyWindow(edx uint32) uint32 {
	hwnd := d.arg(edx, 0)
	w, ok := d.user.FromHandle(handle.Handle(hwnd))
	if !ok {
		return 0
	}
	d.deliverDestroy(w)
	return 1
}

// deliverDestroy sends WM_DESTROY then WM_NCDESTROY to w's WndProc
// (CallWindowProc-style, matching real DestroyWindow's documented
// behavior), tearing the window down only once WM_NCDESTROY -- the last
// message a window ever receives -- has actually been dispatched to it
// (spec.md §4.14; user_syscalls.c's WM_CLOSE->WM_DESTROY posting plus
// DefWindowProcW's historical WM_NCDESTROY-triggers-cleanup behavior).
func (d *Dispatcher) deliverDestroy(w *user.Window) {
	if w.State&user.WndsDestroyed != 0 {
		return
	}
	wndProc := w.GetWindowLong(user.GwlWndProc)
	if wndProc != 0 && d.cb != nil {
		d.cb.Call(wndProc, uint32(w.Handle), user.WmDestroy, 0, 0, w.ShadowVA)
		d.cb.Call(wndProc, uint32(w.Handle), user.WmNcDestroy, 0, 0, w.ShadowVA)
	}
	d.user.DestroyWindow(w)
}

func (d *Dispatcher) ntUserShowWindow(edx uint32) uint32 {
	hwnd := d.arg(edx, 0)
	cmd := int32(d.arg(edx, 1))
	w, ok := d.user.FromHandle(handle.Handle(hwnd))
	if !ok {
		return 0
	}
	wasVisible := w.IsVisible()
	d.user.ShowWindow(w, cmd)
	if !wasVisible && w.IsVisible() {
		d.user.PostMessage(hwnd, user.WmShowWindow, 1, 0)
		width := w.RectClient.Right - w.RectClient.Left
		height := w.RectClient.Bottom - w.RectClient.Top
		d.user.PostMessage(hwnd, user.WmSize, 0, uint32(uint16(width))|uint32(uint16(height))<<16)
	}
	if wasVisible {
		return 1
	}
	return 0
}

func (d *Dispatcher) ntUserPeekMessage(edx uint32) uint32 {
	pMsg := d.arg(edx, 0)
	hwndFilter := d.arg(edx, 1)
	msgFilterMin := d.arg(edx, 2)
	msgFilterMax := d.arg(edx, 3)
	removeFlags := d.arg(edx, 4)

	m, found := d.user.PeekMessage(hwndFilter, msgFilterMin, msgFilterMax, removeFlags)
	if found && pMsg != 0 {
		d.writeMsg(pMsg, m)
	}
	if found {
		return 1
	}
	return 0
}

// ntUserGetMessage blocks (cooperatively, via the scheduler) until a
// message arrives. Without a scheduler attached it degrades to a single
// poll, matching the pragmatic bootstrap-only stance the rest of this
// range takes where no multithreading is involved.
func (d *Dispatcher) ntUserGetMessage(edx uint32) uint32 {
	pMsg := d.arg(edx, 0)
	hwndFilter := d.arg(edx, 1)
	msgFilterMin := d.arg(edx, 2)
	msgFilterMax := d.arg(edx, 3)

	for {
		m, found := d.user.PeekMessage(hwndFilter, msgFilterMin, msgFilterMax, user.PmRemove)
		if found {
			if pMsg != 0 {
				d.writeMsg(pMsg, m)
			}
			if m.Message == user.WmQuit {
				return 0
			}
			return 1
		}
		if d.sched == nil || d.sched.Current() == nil {
			return 0
		}
		d.sched.Switch()
	}
}

func (d *Dispatcher) writeMsg(pMsg uint32, m user.Msg) {
	buf := make([]byte, user.MsgStructSize)
	binary.LittleEndian.PutUint32(buf[0:], m.HWnd)
	binary.LittleEndian.PutUint32(buf[4:], m.Message)
	binary.LittleEndian.PutUint32(buf[8:], m.WParam)
	binary.LittleEndian.PutUint32(buf[12:], m.LParam)
	binary.LittleEndian.PutUint32(buf[16:], m.Time)
	binary.LittleEndian.PutUint32(buf[20:], uint32(int32(m.PtX)))
	binary.LittleEndian.PutUint32(buf[24:], uint32(int32(m.PtY)))
	d.writeBytes(pMsg, buf)
}

func (d *Dispatcher) readMsg(pMsg uint32) user.Msg {
	buf := d.readBytes(pMsg, user.MsgStructSize)
	return user.Msg{
		HWnd:    binary.LittleEndian.Uint32(buf[0:]),
		Message: binary.LittleEndian.Uint32(buf[4:]),
		WParam:  binary.LittleEndian.Uint32(buf[8:]),
		LParam:  binary.LittleEndian.Uint32(buf[12:]),
		Time:    binary.LittleEndian.Uint32(buf[16:]),
		PtX:     int32(binary.LittleEndian.Uint32(buf[20:])),
		PtY:     int32(binary.LittleEndian.Uint32(buf[24:])),
	}
}

func (d *Dispatcher) ntUserPostMessage(edx uint32) uint32 {
	hwnd := d.arg(edx, 0)
	message := d.arg(edx, 1)
	wParam := d.arg(edx, 2)
	lParam := d.arg(edx, 3)
	if d.user.PostMessage(hwnd, message, wParam, lParam) {
		return 1
	}
	return 0
}

func (d *Dispatcher) ntUserTranslateMessage(edx uint32) uint32 {
	pMsg := d.arg(edx, 0)
	m := d.readMsg(pMsg)
	ch, ok := d.user.Queue.Translate(m)
	if !ok {
		return 0
	}
	d.user.PostMessage(ch.HWnd, ch.Message, ch.WParam, ch.LParam)
	return 1
}

// ntUserDispatchMessage calls a window's WndProc for the next queued
// message. WM_DESTROY (whether posted by WM_CLOSE's default handling or
// any other path) is where teardown actually happens: once the WndProc has
// seen WM_DESTROY, WM_NCDESTROY -- the window's last message -- follows
// immediately and the window is then really torn down (spec.md §4.14),
// matching real Windows' DestroyWindow/WM_NCDESTROY sequencing rather than
// destroying host-side state the moment WM_CLOSE arrives.
func (d *Dispatcher) ntUserDispatchMessage(edx uint32) uint32 {
	pMsg := d.arg(edx, 0)
	m := d.readMsg(pMsg)
	w, ok := d.user.FromHandle(handle.Handle(m.HWnd))
	if !ok {
		return 0
	}
	wndProc := w.GetWindowLong(user.GwlWndProc)
	if wndProc == 0 || d.cb == nil {
		return 0
	}
	result, err := d.cb.Call(wndProc, m.HWnd, m.Message, m.WParam, m.LParam, w.ShadowVA)
	if err != nil {
		return 0
	}
	if m.Message == user.WmDestroy {
		d.cb.Call(wndProc, m.HWnd, user.WmNcDestroy, 0, 0, w.ShadowVA)
		d.user.DestroyWindow(w)
	}
	return result
}

// ntUserDefWindowProc services the messages DefWindowProc handles
// kernel-side. The window-text pair touches guest buffers, which only this
// layer can read and write, so WM_SETTEXT/WM_GETTEXT are handled here
// against the window's stored title before the buffer-free remainder
// delegates to user.DefWindowProc (user_syscalls.c's DefWindowProc split).
func (d *Dispatcher) ntUserDefWindowProc(edx uint32) uint32 {
	hwnd := d.arg(edx, 0)
	message := d.arg(edx, 1)
	wParam := d.arg(edx, 2)
	lParam := d.arg(edx, 3)
	w, ok := d.user.FromHandle(handle.Handle(hwnd))
	if !ok {
		return 0
	}
	switch message {
	case user.WmSetText:
		if lParam != 0 {
			d.user.SetText(w, d.readWideString(lParam))
		}
		return 1
	case user.WmGetText:
		return d.copyWindowText(w, wParam, lParam)
	}
	return d.user.DefWindowProc(w, message, wParam, lParam)
}

// copyWindowText writes w's title into the guest buffer at bufVA, bounded
// by maxChars (which includes the terminator, per WM_GETTEXT's contract),
// and returns the number of characters copied.
func (d *Dispatcher) copyWindowText(w *user.Window, maxChars, bufVA uint32) uint32 {
	if maxChars == 0 || bufVA == 0 {
		return 0
	}
	units := ntheap.EncodeUTF16(w.Title)
	n := uint32(len(units))
	if n > maxChars-1 {
		n = maxChars - 1
	}
	buf := make([]byte, (n+1)*2)
	for i := uint32(0); i < n; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], units[i])
	}
	d.writeBytes(bufVA, buf)
	return n
}

func (d *Dispatcher) ntUserCallWindowProc(edx uint32) uint32 {
	wndProc := d.arg(edx, 0)
	hwnd := d.arg(edx, 1)
	message := d.arg(edx, 2)
	wParam := d.arg(edx, 3)
	lParam := d.arg(edx, 4)
	if d.cb == nil {
		return 0
	}
	var shadowVA uint32
	if w, ok := d.user.FromHandle(handle.Handle(hwnd)); ok {
		shadowVA = w.ShadowVA
	}
	result, err := d.cb.Call(wndProc, hwnd, message, wParam, lParam, shadowVA)
	if err != nil {
		return 0
	}
	return result
}

// ntGdiGetTextMetricsW writes a fixed 8x13 TEXTMETRICW (the only font
// WBOX's desktop heap advertises via SERVERINFO's cxSysFontChar/
// cySysFontChar). Only the structure's first 28 bytes are written (height,
// ascent, descent, zeroed leading fields, average and maximum character
// width); the rest of the caller's buffer is left as it was.
func (d *Dispatcher) ntGdiGetTextMetricsW(edx uint32) uint32 {
	pTm := d.arg(edx, 1)
	buf := make([]byte, 28)
	binary.LittleEndian.PutUint32(buf[0:], 13)  // tmHeight
	binary.LittleEndian.PutUint32(buf[4:], 2)   // tmAscent
	binary.LittleEndian.PutUint32(buf[8:], 2)   // tmDescent
	binary.LittleEndian.PutUint32(buf[20:], 8)  // tmAveCharWidth
	binary.LittleEndian.PutUint32(buf[24:], 8)  // tmMaxCharWidth
	d.writeBytes(pTm, buf)
	return 1
}
