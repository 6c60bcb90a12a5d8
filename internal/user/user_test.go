package user

import (
	"testing"

	"github.com/noname22/wbox/internal/memory"
	"github.com/noname22/wbox/internal/paging"
)

func newTestSubsystem(t *testing.T) *Subsystem {
	t.Helper()
	ram, err := memory.New(64 * 1024 * 1024)
	if err != nil {
		t.Fatalf("memory.New: %v", err)
	}
	t.Cleanup(func() { ram.Close() })

	pg, err := paging.New(ram, paging.DefaultPhysBase, uint32(ram.Size()))
	if err != nil {
		t.Fatalf("paging.New: %v", err)
	}
	s, err := New(ram, pg)
	if err != nil {
		t.Fatalf("user.New: %v", err)
	}
	return s
}

func (s *Subsystem) shadowRead32(t *testing.T, va, off uint32) uint32 {
	t.Helper()
	v, err := s.ram.Read32(s.heapPhys + (va - DesktopHeapVA) + off)
	if err != nil {
		t.Fatalf("shadow read at 0x%x+0x%x: %v", va, off, err)
	}
	return v
}

func TestRegisterClassAssignsMonotonicAtoms(t *testing.T) {
	s := newTestSubsystem(t)
	a1, err := s.RegisterClassEx(&Class{Name: "First", WndProc: 0x00401000})
	if err != nil {
		t.Fatalf("RegisterClassEx: %v", err)
	}
	a2, err := s.RegisterClassEx(&Class{Name: "Second", WndProc: 0x00402000})
	if err != nil {
		t.Fatalf("RegisterClassEx: %v", err)
	}
	if a1 < 0xC000 || a2 != a1+1 {
		t.Fatalf("atoms = 0x%x, 0x%x; want monotonic from 0xC000", a1, a2)
	}
	if _, err := s.RegisterClassEx(&Class{Name: "first"}); err == nil {
		t.Fatalf("case-insensitive duplicate registration did not fail")
	}
}

func TestClassShadowSelfReferenceAndWndProc(t *testing.T) {
	s := newTestSubsystem(t)
	const wndProc = 0x00401234
	atom, err := s.RegisterClassEx(&Class{Name: "MyClass", WndProc: wndProc})
	if err != nil {
		t.Fatalf("RegisterClassEx: %v", err)
	}
	c, ok := s.FindClassByAtom(atom)
	if !ok {
		t.Fatalf("FindClassByAtom(0x%x) failed", atom)
	}
	if c.ShadowVA == 0 {
		t.Fatalf("class has no desktop-heap shadow")
	}
	if got := s.shadowRead32(t, c.ShadowVA, clsPclsBase); got != c.ShadowVA {
		t.Fatalf("shadow pclsBase = 0x%x, want self 0x%x", got, c.ShadowVA)
	}
	if got := s.shadowRead32(t, c.ShadowVA, clsLpfnWndProc); got != wndProc {
		t.Fatalf("shadow lpfnWndProc = 0x%x, want 0x%x", got, wndProc)
	}
}

func TestSystemClassesRegistered(t *testing.T) {
	s := newTestSubsystem(t)
	for _, name := range []string{"Button", "Edit", "Static", "ListBox", "ScrollBar", "ComboBox", "MDIClient", "ComboLBox"} {
		c, ok := s.FindClassByName(name, 0xDEAD0000)
		if !ok {
			t.Fatalf("system class %q not found", name)
		}
		if !c.System {
			t.Fatalf("class %q not marked as system", name)
		}
	}
}

func testClass(t *testing.T, s *Subsystem, name string) *Class {
	t.Helper()
	atom, err := s.RegisterClassEx(&Class{Name: name, WndProc: 0x00401000})
	if err != nil {
		t.Fatalf("RegisterClassEx(%q): %v", name, err)
	}
	c, _ := s.FindClassByAtom(atom)
	return c
}

func TestCreateWindowHierarchyAndShadow(t *testing.T) {
	s := newTestSubsystem(t)
	cls := testClass(t, s, "WndTest")

	w, err := s.CreateWindow(CreateWindowParams{
		Class: cls, WindowName: "Hi",
		Style: WS_CAPTION | WS_BORDER,
		X:     CwUseDefault,
	})
	if err != nil {
		t.Fatalf("CreateWindow: %v", err)
	}
	if w.RectWindow != (Rect{100, 100, 500, 400}) {
		t.Fatalf("CW_USEDEFAULT rect = %+v, want {100 100 500 400}", w.RectWindow)
	}
	if w.Parent != s.Desktop() {
		t.Fatalf("top-level window not parented to the desktop")
	}

	found := 0
	for c := s.Desktop().Child; c != nil; c = c.Next {
		if c == w {
			found++
		}
	}
	if found != 1 {
		t.Fatalf("window appears %d times in parent child list, want 1", found)
	}

	if got := s.shadowRead32(t, w.ShadowVA, wndHeadPSelf); got != w.ShadowVA {
		t.Fatalf("shadow pSelf = 0x%x, want 0x%x", got, w.ShadowVA)
	}
	if got := s.shadowRead32(t, w.ShadowVA, wndSpwndParent); got != s.Desktop().ShadowVA {
		t.Fatalf("shadow spwndParent = 0x%x, want desktop shadow 0x%x", got, s.Desktop().ShadowVA)
	}
	if got := s.shadowRead32(t, w.ShadowVA, wndPcls); got != cls.ShadowVA {
		t.Fatalf("shadow pcls = 0x%x, want 0x%x", got, cls.ShadowVA)
	}
	if got, ok := s.FromHandle(w.Handle); !ok || got != w {
		t.Fatalf("FromHandle did not round-trip")
	}
}

func TestChildWindowRequiresParent(t *testing.T) {
	s := newTestSubsystem(t)
	cls := testClass(t, s, "ChildTest")
	if _, err := s.CreateWindow(CreateWindowParams{Class: cls, Style: WS_CHILD}); err == nil {
		t.Fatalf("WS_CHILD without a parent did not fail")
	}
}

func TestDestroyWindowUpdatesSiblingShadows(t *testing.T) {
	s := newTestSubsystem(t)
	cls := testClass(t, s, "SiblingTest")

	older, err := s.CreateWindow(CreateWindowParams{Class: cls})
	if err != nil {
		t.Fatal(err)
	}
	newer, err := s.CreateWindow(CreateWindowParams{Class: cls})
	if err != nil {
		t.Fatal(err)
	}

	// linkChild is front-insertion: newer sits before older, and older's
	// shadow must already have been re-synced to point back at it.
	if got := s.shadowRead32(t, older.ShadowVA, wndSpwndPrev); got != newer.ShadowVA {
		t.Fatalf("older sibling spwndPrev = 0x%x, want 0x%x", got, newer.ShadowVA)
	}

	h := newer.Handle
	s.DestroyWindow(newer)
	if _, ok := s.FromHandle(h); ok {
		t.Fatalf("destroyed window's handle still resolves")
	}
	if s.Desktop().Child != older {
		t.Fatalf("parent child list not relinked after destroy")
	}
	if got := s.shadowRead32(t, older.ShadowVA, wndSpwndPrev); got != 0 {
		t.Fatalf("surviving sibling spwndPrev = 0x%x after destroy, want 0", got)
	}
}

func TestCalcClientRectClampsToNonNegative(t *testing.T) {
	s := newTestSubsystem(t)
	cls := testClass(t, s, "RectTest")
	w, err := s.CreateWindow(CreateWindowParams{
		Class: cls, Style: WS_CAPTION | WS_THICKFRAME,
		X: 0, Y: 0, CX: 4, CY: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	r := w.RectClient
	if r.Right < r.Left || r.Bottom < r.Top {
		t.Fatalf("client rect has negative extent: %+v", r)
	}
}

func TestMessageFIFOModuloFilter(t *testing.T) {
	s := newTestSubsystem(t)
	q := s.Queue
	q.Post(1, WmUser+1, 10, 0)
	q.Post(2, WmUser+2, 20, 0) // filtered out
	q.Post(1, WmUser+3, 30, 0)

	m, ok := q.Peek(1, 0, 0, PmRemove)
	if !ok || m.WParam != 10 {
		t.Fatalf("first matching message = %+v, want wParam 10", m)
	}
	m, ok = q.Peek(1, 0, 0, PmRemove)
	if !ok || m.WParam != 30 {
		t.Fatalf("second matching message = %+v, want wParam 30", m)
	}
	m, ok = q.Peek(0, 0, 0, PmRemove)
	if !ok || m.WParam != 20 {
		t.Fatalf("remaining message = %+v, want wParam 20", m)
	}
	if _, ok := q.Peek(0, 0, 0, PmRemove); ok {
		t.Fatalf("queue not empty after draining")
	}
}

func TestPeekMessageMatchesDescendants(t *testing.T) {
	s := newTestSubsystem(t)
	cls := testClass(t, s, "DescTest")
	parent, err := s.CreateWindow(CreateWindowParams{Class: cls})
	if err != nil {
		t.Fatal(err)
	}
	child, err := s.CreateWindow(CreateWindowParams{Class: cls, Style: WS_CHILD, Parent: parent})
	if err != nil {
		t.Fatal(err)
	}

	s.PostMessage(uint32(child.Handle), WmUser, 7, 0)
	m, ok := s.PeekMessage(uint32(parent.Handle), 0, 0, PmRemove)
	if !ok || m.HWnd != uint32(child.Handle) || m.WParam != 7 {
		t.Fatalf("descendant message not matched via parent filter: %+v, %v", m, ok)
	}
}

func TestPostQuitDeliversWMQuit(t *testing.T) {
	s := newTestSubsystem(t)
	s.PostQuitMessage(42)
	m, ok := s.PeekMessage(0, 0, 0, PmRemove)
	if !ok || m.Message != WmQuit || m.WParam != 42 {
		t.Fatalf("got %+v, %v; want WM_QUIT with wParam 42", m, ok)
	}
	if _, ok := s.PeekMessage(0, 0, 0, PmRemove); ok {
		t.Fatalf("WM_QUIT delivered twice")
	}
}

func TestPaintSynthesis(t *testing.T) {
	s := newTestSubsystem(t)
	cls := testClass(t, s, "PaintTest")
	w, err := s.CreateWindow(CreateWindowParams{Class: cls})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.PeekMessage(0, 0, 0, PmRemove); ok {
		t.Fatalf("hidden window produced a message")
	}

	s.ShowWindow(w, SwShowNormal)
	m, ok := s.PeekMessage(0, 0, 0, PmNoRemove)
	if !ok || m.Message != WmPaint || m.HWnd != uint32(w.Handle) {
		t.Fatalf("expected synthesized WM_PAINT, got %+v, %v", m, ok)
	}
	// PM_NOREMOVE leaves the dirty state alone, so it synthesizes again.
	if _, ok := s.PeekMessage(0, 0, 0, PmNoRemove); !ok {
		t.Fatalf("WM_PAINT not re-synthesized after PM_NOREMOVE")
	}
	if _, ok := s.PeekMessage(0, 0, 0, PmRemove); !ok {
		t.Fatalf("WM_PAINT not delivered with PM_REMOVE")
	}
	if _, ok := s.PeekMessage(0, 0, 0, PmRemove); ok {
		t.Fatalf("WM_PAINT still pending after PM_REMOVE cleared the dirty state")
	}
}

func TestPaintSynthesisRespectsFilterRange(t *testing.T) {
	s := newTestSubsystem(t)
	cls := testClass(t, s, "PaintRangeTest")
	w, err := s.CreateWindow(CreateWindowParams{Class: cls})
	if err != nil {
		t.Fatal(err)
	}
	s.ShowWindow(w, SwShowNormal)
	if _, ok := s.PeekMessage(0, WmKeyDown, WmChar, PmRemove); ok {
		t.Fatalf("WM_PAINT synthesized outside the filter range")
	}
	if _, ok := s.PeekMessage(0, WmPaint, WmPaint, PmRemove); !ok {
		t.Fatalf("WM_PAINT not synthesized inside an exact filter range")
	}
}

func TestTranslateKeyDown(t *testing.T) {
	s := newTestSubsystem(t)
	q := s.Queue

	tests := []struct {
		name    string
		message uint32
		vk      uint32
		shift   bool
		want    byte
		ok      bool
	}{
		{"letter", WmKeyDown, 'A', false, 'a', true},
		{"letter shifted", WmKeyDown, 'A', true, 'A', true},
		{"syskey letter", WmSysKeyDown, 'Z', false, 'z', true},
		{"digit", WmKeyDown, '7', false, '7', true},
		{"space", WmKeyDown, 0x20, false, ' ', true},
		{"return", WmKeyDown, 0x0D, false, '\r', true},
		{"keyup ignored", WmKeyUp, 'A', false, 0, false},
		{"function key ignored", WmKeyDown, 0x70, false, 0, false}, // VK_F1
	}
	for _, tc := range tests {
		if tc.shift {
			q.KeyDown(vkShift)
		} else {
			q.KeyUp(vkShift)
		}
		m, ok := q.Translate(Msg{HWnd: 1, Message: tc.message, WParam: tc.vk})
		if ok != tc.ok {
			t.Fatalf("%s: ok = %v, want %v", tc.name, ok, tc.ok)
		}
		if ok && (m.Message != WmChar || m.WParam != uint32(tc.want)) {
			t.Fatalf("%s: translated to %+v, want WM_CHAR %q", tc.name, m, tc.want)
		}
	}
}

func TestDefWindowProcCloseAndHitTest(t *testing.T) {
	s := newTestSubsystem(t)
	cls := testClass(t, s, "DefTest")
	w, err := s.CreateWindow(CreateWindowParams{Class: cls})
	if err != nil {
		t.Fatal(err)
	}

	if got := s.DefWindowProc(w, WmNcHitTest, 0, 0); got != HtClient {
		t.Fatalf("WM_NCHITTEST = %d, want HTCLIENT", got)
	}
	if got := s.DefWindowProc(w, WmMouseActivate, 0, 0); got != MaActivate {
		t.Fatalf("WM_MOUSEACTIVATE = %d, want MA_ACTIVATE", got)
	}

	s.DefWindowProc(w, WmClose, 0, 0)
	m, ok := s.Queue.Peek(uint32(w.Handle), 0, 0, PmRemove)
	if !ok || m.Message != WmDestroy {
		t.Fatalf("WM_CLOSE did not post WM_DESTROY: %+v, %v", m, ok)
	}
}

func TestHandleMirrorWrittenAndCleared(t *testing.T) {
	s := newTestSubsystem(t)
	cls := testClass(t, s, "MirrorTest")
	w, err := s.CreateWindow(CreateWindowParams{Class: cls})
	if err != nil {
		t.Fatal(err)
	}
	entPA := s.hMirror + uint32(w.Handle.Index())*handleMirrorEntSize
	ptr, err := s.ram.Read32(entPA)
	if err != nil {
		t.Fatal(err)
	}
	if ptr != w.ShadowVA {
		t.Fatalf("mirror entry ptr = 0x%x, want shadow 0x%x", ptr, w.ShadowVA)
	}
	idx := w.Handle.Index()
	s.DestroyWindow(w)
	ptr, err = s.ram.Read32(s.hMirror + uint32(idx)*handleMirrorEntSize)
	if err != nil {
		t.Fatal(err)
	}
	if ptr != 0 {
		t.Fatalf("mirror entry not cleared after destroy: 0x%x", ptr)
	}
}
