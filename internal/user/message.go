package user

import (
	"github.com/noname22/wbox/internal/handle"
	"github.com/noname22/wbox/internal/memory"
)

// WM_* message identifiers (user_message.h), the subset WBOX's message
// pump and DefWindowProc actually reference.
const (
	WmNull          = 0x0000
	WmCreate        = 0x0001
	WmDestroy       = 0x0002
	WmMove          = 0x0003
	WmSize          = 0x0005
	WmActivate      = 0x0006
	WmSetFocus      = 0x0007
	WmKillFocus     = 0x0008
	WmEnable        = 0x000A
	WmSetText       = 0x000C
	WmGetText       = 0x000D
	WmGetTextLength = 0x000E
	WmPaint         = 0x000F
	WmClose         = 0x0010
	WmQuit          = 0x0012
	WmEraseBkgnd    = 0x0014
	WmShowWindow    = 0x0018
	WmActivateApp   = 0x001C
	WmSetCursor     = 0x0020
	WmMouseActivate = 0x0021
	WmWindowPosChanging = 0x0046
	WmWindowPosChanged  = 0x0047
	WmNcCreate      = 0x0081
	WmNcDestroy     = 0x0082
	WmNcHitTest     = 0x0084
	WmKeyDown       = 0x0100
	WmKeyUp         = 0x0101
	WmChar          = 0x0102
	WmSysKeyDown    = 0x0104
	WmSysKeyUp      = 0x0105
	WmCommand       = 0x0111
	WmSysCommand    = 0x0112
	WmTimer         = 0x0113
	WmMouseMove     = 0x0200
	WmLButtonDown   = 0x0201
	WmLButtonUp     = 0x0202
	WmUser          = 0x0400
)

// PM_* PeekMessage flags.
const (
	PmNoRemove = 0x0000
	PmRemove   = 0x0001
	PmNoYield  = 0x0002
)

// HtClient, the only WM_NCHITTEST result DefWindowProc needs to give an
// emulated app that never draws a real frame (spec.md §4.13).
const HtClient = 1

// MaActivate, WM_MOUSEACTIVATE's "activate and don't eat the click" result.
const MaActivate = 1

// Msg mirrors WBOX_MSG / Windows' MSG.
type Msg struct {
	HWnd    uint32
	Message uint32
	WParam  uint32
	LParam  uint32
	Time    uint32
	PtX     int32
	PtY     int32
}

const msgQueueCapacity = 256

// MessageQueue is WBOX's single-thread stand-in for a per-thread Windows
// message queue (spec.md §4.13): a circular buffer plus the focus/capture
// and keyboard-state side tables DefWindowProc and the input syscalls
// consult.
type MessageQueue struct {
	ring  [msgQueueCapacity]Msg
	head  int
	tail  int
	count int

	tick uint32

	HwndFocus   uint32
	HwndCapture uint32
	HwndActive  uint32

	keyState [256]uint8

	MouseX, MouseY int32

	QuitPosted bool
	ExitCode   int32
}

func newMessageQueue() *MessageQueue {
	return &MessageQueue{}
}

// Tick advances and returns the queue's GetTickCount-style counter; callers
// own the notion of a millisecond (internal/sched's clock, typically).
func (q *MessageQueue) Tick(ms uint32) uint32 {
	q.tick = ms
	return q.tick
}

// Post enqueues a message, dropping the oldest entry if the ring is full
// rather than blocking (msg_queue_post).
func (q *MessageQueue) Post(hwnd, message, wParam, lParam uint32) bool {
	if q.count == msgQueueCapacity {
		q.head = (q.head + 1) % msgQueueCapacity
		q.count--
	}
	q.ring[q.tail] = Msg{
		HWnd: hwnd, Message: message, WParam: wParam, LParam: lParam,
		Time: q.tick, PtX: q.MouseX, PtY: q.MouseY,
	}
	q.tail = (q.tail + 1) % msgQueueCapacity
	q.count++
	return true
}

// PostQuit sets the quit flag GetMessage/PeekMessage check before the ring
// buffer, matching WM_QUIT's out-of-band delivery (msg_queue_post_quit).
func (q *MessageQueue) PostQuit(exitCode int32) {
	q.QuitPosted = true
	q.ExitCode = exitCode
}

// HasMessages reports whether GetMessage/PeekMessage would find anything.
func (q *MessageQueue) HasMessages() bool {
	return q.QuitPosted || q.count > 0
}

// Peek implements PeekMessage's filter and optional removal semantics
// (msg_queue_peek). hwndFilter == 0 matches every window; msgFilterMin/Max
// both zero means no message-range filter. Window-hierarchy filtering
// (hwndFilter matching descendants) and WM_PAINT synthesis live in
// Subsystem.PeekMessage, which owns the window tree this queue doesn't see.
func (q *MessageQueue) Peek(hwndFilter, msgFilterMin, msgFilterMax, flags uint32) (Msg, bool) {
	match := func(hwnd uint32) bool { return hwndFilter == 0 || hwnd == hwndFilter }
	return q.peekMatch(match, msgFilterMin, msgFilterMax, flags)
}

func (q *MessageQueue) peekMatch(match func(hwnd uint32) bool, msgFilterMin, msgFilterMax, flags uint32) (Msg, bool) {
	if q.QuitPosted {
		m := Msg{Message: WmQuit, WParam: uint32(q.ExitCode)}
		if flags&PmRemove != 0 {
			q.QuitPosted = false
		}
		return m, true
	}

	idx := q.head
	for i := 0; i < q.count; i++ {
		m := q.ring[idx]
		if !match(m.HWnd) {
			idx = (idx + 1) % msgQueueCapacity
			continue
		}
		if msgFilterMin != 0 || msgFilterMax != 0 {
			if m.Message < msgFilterMin || m.Message > msgFilterMax {
				idx = (idx + 1) % msgQueueCapacity
				continue
			}
		}
		if flags&PmRemove != 0 {
			q.removeAt(idx)
		}
		return m, true
	}
	return Msg{}, false
}

// removeAt deletes the message at ring index idx, shifting later entries
// back to keep the buffer contiguous (simplicity over O(1), acceptable at
// a 256-entry ceiling).
func (q *MessageQueue) removeAt(idx int) {
	for idx != q.tail {
		next := (idx + 1) % msgQueueCapacity
		if next == q.tail {
			break
		}
		q.ring[idx] = q.ring[next]
		idx = next
	}
	q.tail = (q.tail - 1 + msgQueueCapacity) % msgQueueCapacity
	q.count--
}

// KeyDown/KeyUp/GetKeyState implement the 256-entry virtual-key state
// vector GetAsyncKeyState/GetKeyState read (SPEC_FULL.md §5.F).
const keyStateDown = 0x80

func (q *MessageQueue) KeyDown(vk uint8) { q.keyState[vk] |= keyStateDown }
func (q *MessageQueue) KeyUp(vk uint8)   { q.keyState[vk] &^= keyStateDown }

// GetKeyState returns a Windows-style key-state byte: bit 7 set means
// currently down. WBOX never tracks the toggle bit (bit 0), since there is
// no real keyboard LED state to reflect.
func (q *MessageQueue) GetKeyState(vk uint8) uint8 { return q.keyState[vk] }

// PostMessage queues a message for hwnd (spec.md §4.13).
func (s *Subsystem) PostMessage(hwnd uint32, message, wParam, lParam uint32) bool {
	return s.Queue.Post(hwnd, message, wParam, lParam)
}

// PeekMessage is the full PeekMessage semantics over the window tree
// (spec.md §4.14): a filter HWND matches a posted message addressed to it
// or to any of its descendants, and if no posted message matches but the
// filter range admits WM_PAINT, one is synthesized for the first visible
// paint-pending window rather than ever being stored in the ring.
func (s *Subsystem) PeekMessage(hwndFilter, msgFilterMin, msgFilterMax, flags uint32) (Msg, bool) {
	match := func(hwnd uint32) bool {
		if hwndFilter == 0 || hwnd == hwndFilter {
			return true
		}
		w, ok := s.FromHandle(handle.Handle(hwnd))
		if !ok {
			return false
		}
		anc, ok := s.FromHandle(handle.Handle(hwndFilter))
		if !ok {
			return false
		}
		return isDescendant(anc, w)
	}
	if m, ok := s.Queue.peekMatch(match, msgFilterMin, msgFilterMax, flags); ok {
		return m, true
	}

	paintInRange := (msgFilterMin == 0 && msgFilterMax == 0) ||
		(WmPaint >= msgFilterMin && WmPaint <= msgFilterMax)
	if !paintInRange {
		return Msg{}, false
	}
	w := s.findPaintWindow(hwndFilter)
	if w == nil {
		return Msg{}, false
	}
	if flags&PmRemove != 0 {
		// There is no BeginPaint/ValidateRect surface to clear the dirty
		// state later, so removal is where it resolves.
		w.State &^= WndsPaintMask
		s.syncWindowShadow(w)
	}
	return Msg{HWnd: uint32(w.Handle), Message: WmPaint, Time: s.Queue.tick}, true
}

// isDescendant reports whether w is anc or sits somewhere below it.
func isDescendant(anc, w *Window) bool {
	for ; w != nil; w = w.Parent {
		if w == anc {
			return true
		}
	}
	return false
}

// findPaintWindow returns the first visible window with a paint-pending
// state bit, restricted to hwndFilter's subtree when non-zero
// (msg_queue_find_paint_window).
func (s *Subsystem) findPaintWindow(hwndFilter uint32) *Window {
	var anc *Window
	if hwndFilter != 0 {
		var ok bool
		anc, ok = s.FromHandle(handle.Handle(hwndFilter))
		if !ok {
			return nil
		}
	}
	for _, w := range s.windows {
		if !w.IsVisible() || w.State&WndsPaintMask == 0 {
			continue
		}
		if anc != nil && !isDescendant(anc, w) {
			continue
		}
		return w
	}
	return nil
}

// PostQuitMessage implements PostQuitMessage.
func (s *Subsystem) PostQuitMessage(exitCode int32) { s.Queue.PostQuit(exitCode) }

// WriteMsgToGuest marshals a Msg into the 28-byte MSG layout at guestVA's
// translated physical address (msg_write_to_guest).
func WriteMsgToGuest(ram *memory.RAM, pa uint32, m Msg) {
	ram.Write32(pa+0, m.HWnd)
	ram.Write32(pa+4, m.Message)
	ram.Write32(pa+8, m.WParam)
	ram.Write32(pa+12, m.LParam)
	ram.Write32(pa+16, m.Time)
	ram.Write32(pa+20, uint32(m.PtX))
	ram.Write32(pa+24, uint32(m.PtY))
}

// MsgStructSize is sizeof(MSG) (user_message.h).
const MsgStructSize = 28

// vkShift is VK_SHIFT's index into the key-state vector.
const vkShift = 0x10

// Translate implements the WM_KEYDOWN/WM_SYSKEYDOWN-to-WM_CHAR half of
// TranslateMessage, consulting the queue's own key-state vector for the
// shift state of letters, using a bare US keymap (the guest never sees
// real scancodes, so dead keys and layouts are out of scope). The caller
// posts the returned message; spec.md §4.14's "posted WM_CHAR".
func (q *MessageQueue) Translate(m Msg) (Msg, bool) {
	if m.Message != WmKeyDown && m.Message != WmSysKeyDown {
		return Msg{}, false
	}
	ch, ok := vkToChar(m.WParam, q.keyState[vkShift]&keyStateDown != 0)
	if !ok {
		return Msg{}, false
	}
	return Msg{HWnd: m.HWnd, Message: WmChar, WParam: uint32(ch), LParam: m.LParam, Time: m.Time}, true
}

// vkToChar maps a handful of common VK_* codes to their ASCII character,
// enough to drive simple text-entry controls without a full keymap.
func vkToChar(vk uint32, shift bool) (byte, bool) {
	switch {
	case vk >= 'A' && vk <= 'Z':
		if shift {
			return byte(vk), true
		}
		return byte(vk) + ('a' - 'A'), true
	case vk >= '0' && vk <= '9':
		return byte(vk), true
	case vk == 0x0D: // VK_RETURN
		return '\r', true
	case vk == 0x08: // VK_BACK
		return 0x08, true
	case vk == 0x20: // VK_SPACE
		return ' ', true
	default:
		return 0, false
	}
}
