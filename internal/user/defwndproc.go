package user

import "github.com/noname22/wbox/internal/ntheap"

// DefWindowProc implements the handful of default message behaviors
// SPEC_FULL.md's supplemented-feature list calls out: the minimum a guest
// WndProc can fall through to and still get a working window (spec.md
// §4.12/§4.13, grounded on ReactOS's DefWindowProcW default cases).
// Messages a window's own WndProc fully handles never reach here; this
// runs only for WM_* a CallWindowProc-style fallback forwards. WM_SETTEXT
// and WM_GETTEXT are absent on purpose: both dereference guest buffers,
// which only the syscall layer can touch, so internal/syscall's
// ntUserDefWindowProc services them against w.Title before delegating.
func (s *Subsystem) DefWindowProc(w *Window, message, wParam, lParam uint32) uint32 {
	switch message {
	case WmClose:
		s.PostMessage(uint32(w.Handle), WmDestroy, 0, 0)
		return 0
	case WmNcDestroy:
		return 0
	case WmNcHitTest:
		return HtClient
	case WmMouseActivate:
		return MaActivate
	case WmEraseBkgnd:
		return 1
	case WmGetTextLength:
		return uint32(len(ntheap.EncodeUTF16(w.Title)))
	case WmWindowPosChanging:
		return 0
	case WmSetCursor:
		return 1
	case WmActivate, WmActivateApp, WmSetFocus, WmKillFocus, WmShowWindow,
		WmEnable, WmMove, WmSize, WmTimer, WmCommand, WmSysCommand:
		return 0
	default:
		return 0
	}
}
