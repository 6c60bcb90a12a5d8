package user

import "github.com/noname22/wbox/internal/handle"

// WS_* window styles relevant to non-client-area calculation and creation
// (user_window.h); the rest pass through as opaque bits windows carry.
const (
	WS_VISIBLE    = 0x10000000
	WS_DISABLED   = 0x08000000
	WS_CHILD      = 0x40000000
	WS_CAPTION    = 0x00C00000
	WS_BORDER     = 0x00800000
	WS_THICKFRAME = 0x00040000
	WS_MINIMIZE   = 0x20000000
	WS_MAXIMIZE   = 0x01000000
)

// WS_EX_* extended styles relevant to non-client-area calculation.
const (
	WS_EX_CLIENTEDGE = 0x00000200
	WS_EX_WINDOWEDGE = 0x00000100
)

// CwUseDefault is CreateWindowEx's CW_USEDEFAULT sentinel.
const CwUseDefault = int32(-2147483648) // 0x80000000 as int32

// ShowWindow commands (SW_*).
const (
	SwHide          = 0
	SwShowNormal    = 1
	SwShowMinimized = 2
	SwShowMaximized = 3
	SwRestore       = 9
)

// WNDS_* internal window-state bits (user_window.h).
const (
	WndsVisible       = 0x00000001
	WndsDisabled      = 0x00000002
	WndsMaximized     = 0x00000004
	WndsMinimized     = 0x00000008
	WndsSendNcPaint   = 0x00000010
	WndsInternalPaint = 0x00000020
	WndsDestroyed     = 0x00000040

	// WndsPaintMask covers every paint-pending bit PeekMessage's WM_PAINT
	// synthesis scans for (spec.md §4.14).
	WndsPaintMask = WndsSendNcPaint | WndsInternalPaint
)

// Window is WBOX's window object (WBOX_WND).
type Window struct {
	Handle handle.Handle

	Class   *Class
	WndProc uint32 // per-window override; falls back to Class.WndProc

	Style, ExStyle uint32
	RectWindow     Rect
	RectClient     Rect

	Parent, Child, Next, Prev, Owner *Window

	State uint32 // WNDS_*
	Title string

	ExtraBytes []byte
	HInstance  uint32
	IDMenu     uint32
	UserData   uint32

	ShadowVA uint32
}

// effectiveWndProc is the WndProc a callback invocation should target:
// the window's own override if set, else its class's.
func (w *Window) effectiveWndProc() uint32 {
	if w.WndProc != 0 {
		return w.WndProc
	}
	return w.Class.WndProc
}

// Desktop returns the root desktop window every top-level window not
// given an explicit parent is created under.
func (s *Subsystem) Desktop() *Window { return s.desktop }

func (s *Subsystem) newDesktopWindow() *Window {
	cls := &Class{Name: "#32769", System: true, FNID: FnidDesktop}
	s.classes = append(s.classes, cls)
	w := &Window{
		Class: cls,
		State: WndsVisible,
	}
	h := s.handles.Alloc(w, TypeWindow, nil)
	w.Handle = h
	s.writeWindowShadow(w)
	s.writeHandleMirror(h.Index(), w.ShadowVA, TypeWindow, h.Generation())
	s.windows = append(s.windows, w)
	return w
}

// CreateWindowParams mirrors CreateWindowExW's argument list (minus the
// class/window-name resolution the syscall handler performs before
// calling in).
type CreateWindowParams struct {
	Class               *Class
	WindowName          string
	Style, ExStyle      uint32
	X, Y, CX, CY         int32
	Parent, Owner       *Window
	HInstance           uint32
	IDMenu              uint32
}

// defaultRect is substituted for CW_USEDEFAULT, matching spec.md §4.12.
var defaultRect = Rect{Left: 100, Top: 100, Right: 100 + 400, Bottom: 100 + 300}

// CreateWindow allocates a window object, assigns it an HWND, links it
// into its parent's child list, and writes its desktop-heap shadow
// (spec.md §4.12 steps 1-4). Sending WM_NCCREATE/WM_CREATE and tearing the
// window back down on rejection is the caller's job (internal/callback
// needs a CPU to run the guest WndProc, which this package does not own).
func (s *Subsystem) CreateWindow(p CreateWindowParams) (*Window, error) {
	x, y, cx, cy := p.X, p.Y, p.CX, p.CY
	if x == CwUseDefault {
		x, y, cx, cy = defaultRect.Left, defaultRect.Top, defaultRect.Right-defaultRect.Left, defaultRect.Bottom-defaultRect.Top
	}

	parent := p.Parent
	if p.Style&WS_CHILD != 0 && parent == nil {
		return nil, errNoParent
	}
	if parent == nil {
		parent = s.desktop
	}

	w := &Window{
		Class:      p.Class,
		Style:      p.Style,
		ExStyle:    p.ExStyle,
		Title:      p.WindowName,
		HInstance:  p.HInstance,
		IDMenu:     p.IDMenu,
		Owner:      p.Owner,
		RectWindow: Rect{x, y, x + cx, y + cy},
	}
	s.calcClientRect(w)

	h := s.handles.Alloc(w, TypeWindow, nil)
	w.Handle = h

	s.linkChild(parent, w)
	s.writeWindowShadow(w)
	s.writeHandleMirror(h.Index(), w.ShadowVA, TypeWindow, h.Generation())
	s.syncNeighborShadows(w)

	s.addRef(p.Class)
	s.windows = append(s.windows, w)
	return w, nil
}

// syncNeighborShadows re-writes the shadows of the windows whose spwnd*
// pointers reference w, after w has been linked or unlinked: its parent's
// spwndChild and its old/new siblings' spwndPrev/spwndNext must always
// equal the shadow VA of the live host object (spec.md §3's desktop-heap
// invariants; guest_wnd_update_hierarchy).
func (s *Subsystem) syncNeighborShadows(w *Window) {
	for _, n := range [...]*Window{w.Parent, w.Prev, w.Next} {
		if n != nil {
			s.syncWindowShadow(n)
		}
	}
}

type windowError string

func (e windowError) Error() string { return string(e) }

var errNoParent = windowError("user: WS_CHILD window requires a parent")

// linkChild inserts child at the front of parent's child list
// (user_window_link_child).
func (s *Subsystem) linkChild(parent, child *Window) {
	child.Parent = parent
	child.Next = parent.Child
	if parent.Child != nil {
		parent.Child.Prev = child
	}
	parent.Child = child
}

// Unlink removes w from its parent's child list (user_window_unlink).
func (s *Subsystem) Unlink(w *Window) {
	parent, prev, next := w.Parent, w.Prev, w.Next
	if prev != nil {
		prev.Next = next
	} else if parent != nil && parent.Child == w {
		parent.Child = next
	}
	if next != nil {
		next.Prev = prev
	}
	w.Parent, w.Next, w.Prev = nil, nil, nil
	for _, n := range [...]*Window{parent, prev, next} {
		if n != nil {
			s.syncWindowShadow(n)
		}
	}
}

// DestroyWindow tears a window down: unlinks it, invalidates its handle,
// releases its class reference, and marks it destroyed
// (user_window_destroy).
func (s *Subsystem) DestroyWindow(w *Window) {
	if w.State&WndsDestroyed != 0 {
		return
	}
	w.State |= WndsDestroyed
	s.Unlink(w)
	s.clearHandleMirror(w.Handle.Index())
	s.handles.Free(w.Handle)
	s.release(w.Class)
	for i, ww := range s.windows {
		if ww == w {
			s.windows = append(s.windows[:i], s.windows[i+1:]...)
			break
		}
	}
}

// FromHandle resolves an HWND back to its Window, or (nil, false) if
// stale/freed (user_window_from_hwnd).
func (s *Subsystem) FromHandle(h handle.Handle) (*Window, bool) {
	obj, ok := s.handles.GetTyped(h, TypeWindow)
	if !ok {
		return nil, false
	}
	return obj.(*Window), true
}

// calcClientRect derives the client rectangle from the window rectangle
// and style bits (spec.md §4.12's non-client-area calculation).
func (s *Subsystem) calcClientRect(w *Window) {
	r := w.RectWindow
	if w.Style&WS_BORDER != 0 {
		r.Left++
		r.Top++
		r.Right--
		r.Bottom--
	}
	if w.Style&WS_THICKFRAME != 0 {
		const frame = 4
		r.Left += frame
		r.Top += frame
		r.Right -= frame
		r.Bottom -= frame
	}
	if w.Style&WS_CAPTION == WS_CAPTION {
		const captionHeight = 19
		r.Top += captionHeight
	}
	if w.ExStyle&(WS_EX_CLIENTEDGE|WS_EX_WINDOWEDGE) != 0 {
		n := int32(0)
		if w.ExStyle&WS_EX_CLIENTEDGE != 0 {
			n += 2
		}
		if w.ExStyle&WS_EX_WINDOWEDGE != 0 {
			n += 2
		}
		r.Left += n
		r.Top += n
		r.Right -= n
		r.Bottom -= n
	}
	if r.Right < r.Left {
		r.Right = r.Left
	}
	if r.Bottom < r.Top {
		r.Bottom = r.Top
	}
	w.RectClient = r
}

// ShowWindow updates WS_VISIBLE and the min/max/restore WNDS_* bits, and
// marks the window paint-pending when it becomes visible so the next
// WM_PAINT-eligible PeekMessage synthesizes one (spec.md §4.12).
func (s *Subsystem) ShowWindow(w *Window, cmd int32) {
	wasVisible := w.Style&WS_VISIBLE != 0
	switch cmd {
	case SwHide:
		w.Style &^= WS_VISIBLE
		w.State &^= WndsVisible
	case SwShowMinimized:
		w.Style |= WS_VISIBLE
		w.State = (w.State &^ WndsMaximized) | WndsVisible | WndsMinimized
	case SwShowMaximized:
		w.Style |= WS_VISIBLE
		w.State = (w.State &^ WndsMinimized) | WndsVisible | WndsMaximized
	case SwRestore:
		w.Style |= WS_VISIBLE
		w.State = (w.State &^ (WndsMinimized | WndsMaximized)) | WndsVisible
	default: // SwShowNormal and the various "show, don't activate" variants
		w.Style |= WS_VISIBLE
		w.State |= WndsVisible
	}
	if !wasVisible && w.Style&WS_VISIBLE != 0 {
		w.State |= WndsPaintMask
	}
	s.syncWindowShadow(w)
}

// IsVisible reports whether w is currently shown.
func (w *Window) IsVisible() bool { return w.Style&WS_VISIBLE != 0 }

// SetText updates a window's title, matching user_window_set_text.
func (s *Subsystem) SetText(w *Window, text string) {
	w.Title = text
	s.syncWindowShadow(w)
}

// GWL_* GetWindowLong/SetWindowLong indices.
const (
	GwlStyle     = -16
	GwlExStyle   = -20
	GwlUserData  = -21
	GwlHInstance = -6
	GwlWndProc   = -4
)

// GetWindowLong reads one of the GWL_* pseudo-fields.
func (w *Window) GetWindowLong(index int32) uint32 {
	switch index {
	case GwlStyle:
		return w.Style
	case GwlExStyle:
		return w.ExStyle
	case GwlUserData:
		return w.UserData
	case GwlHInstance:
		return w.HInstance
	case GwlWndProc:
		return w.effectiveWndProc()
	default:
		return 0
	}
}

// SetWindowLong writes one of the GWL_* pseudo-fields and returns the
// previous value.
func (s *Subsystem) SetWindowLong(w *Window, index int32, value uint32) uint32 {
	old := w.GetWindowLong(index)
	switch index {
	case GwlStyle:
		w.Style = value
		s.calcClientRect(w)
	case GwlExStyle:
		w.ExStyle = value
		s.calcClientRect(w)
	case GwlUserData:
		w.UserData = value
	case GwlWndProc:
		w.WndProc = value
	}
	s.syncWindowShadow(w)
	return old
}

func shadowVAOf(w *Window) uint32 {
	if w == nil {
		return 0
	}
	return w.ShadowVA
}

// writeWindowShadow synthesizes the full ReactOS-compatible WND mirror
// (guest_wnd_create): every field spec.md §3 documents, so guest code's
// ValidateHwnd macros see a byte-exact structure.
func (s *Subsystem) writeWindowShadow(w *Window) {
	pa, err := s.desktopAlloc(WndBaseSize + uint32(len(w.ExtraBytes)))
	if err != nil {
		return
	}
	w.ShadowVA = s.vaOf(pa)
	s.ram.Write32(pa+wndHeadPSelf, w.ShadowVA)
	s.writeWindowFields(w, pa)
}

// syncWindowShadow re-writes the mutable fields of an existing shadow
// after host-side state changes (guest_wnd_sync + guest_wnd_update_hierarchy).
func (s *Subsystem) syncWindowShadow(w *Window) {
	if w.ShadowVA == 0 {
		return
	}
	pa := s.heapPhys + (w.ShadowVA - DesktopHeapVA)
	s.writeWindowFields(w, pa)
}

func (s *Subsystem) writeWindowFields(w *Window, pa uint32) {
	state := w.State
	if w.Style&WS_VISIBLE != 0 {
		state |= WndsVisible
	}
	if w.Style&WS_DISABLED != 0 {
		state |= WndsDisabled
	}
	s.ram.Write32(pa+wndState, state)
	s.ram.Write32(pa+wndExStyle, w.ExStyle)
	s.ram.Write32(pa+wndStyle, w.Style)
	s.ram.Write32(pa+wndHModule, w.HInstance)
	s.ram.Write32(pa+wndFNID, w.Class.FNID)
	s.ram.Write32(pa+wndSpwndNext, shadowVAOf(w.Next))
	s.ram.Write32(pa+wndSpwndPrev, shadowVAOf(w.Prev))
	s.ram.Write32(pa+wndSpwndParent, shadowVAOf(w.Parent))
	s.ram.Write32(pa+wndSpwndChild, shadowVAOf(w.Child))
	s.ram.Write32(pa+wndSpwndOwner, shadowVAOf(w.Owner))
	s.ram.Write32(pa+wndRcWindow+0, uint32(w.RectWindow.Left))
	s.ram.Write32(pa+wndRcWindow+4, uint32(w.RectWindow.Top))
	s.ram.Write32(pa+wndRcWindow+8, uint32(w.RectWindow.Right))
	s.ram.Write32(pa+wndRcWindow+12, uint32(w.RectWindow.Bottom))
	s.ram.Write32(pa+wndRcClient+0, uint32(w.RectClient.Left))
	s.ram.Write32(pa+wndRcClient+4, uint32(w.RectClient.Top))
	s.ram.Write32(pa+wndRcClient+8, uint32(w.RectClient.Right))
	s.ram.Write32(pa+wndRcClient+12, uint32(w.RectClient.Bottom))
	s.ram.Write32(pa+wndLpfnWndProc, w.effectiveWndProc())
	s.ram.Write32(pa+wndPcls, w.Class.ShadowVA)
	s.ram.Write32(pa+wndCbWndExtra, uint32(len(w.ExtraBytes)))
}
