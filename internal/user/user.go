// Package user implements the USER subsystem stand-in spec.md §4.11-§4.14
// describes: window classes, window objects, the desktop heap that mirrors
// them into guest-visible memory, the per-process message queue, and the
// SERVERINFO block user32.dll expects after NtUserProcessConnect.
// Grounded on original_source/src/user/{user_class,guest_cls,user_window,
// guest_wnd,desktop_heap,user_message,user_shared}.c and the matching
// headers for the exact ReactOS-compatible shadow-structure offsets.
package user

import (
	"fmt"
	"strings"

	"github.com/noname22/wbox/internal/diag"
	"github.com/noname22/wbox/internal/handle"
	"github.com/noname22/wbox/internal/memory"
	"github.com/noname22/wbox/internal/paging"
)

// Guest memory layout (spec.md §4.6).
const (
	DesktopHeapVA   = 0x01000000
	DesktopHeapSize = 1024 * 1024

	ServerInfoVA   = 0x7F020000
	ServerInfoSize = 64 * 1024

	HandleTableVA       = 0x7F030000
	HandleTableSize     = 64 * 1024
	handleMirrorEntSize = 12 // USER_HANDLE_ENTRY: ptr+owner+type|flags+generation
)

// Desktop-heap WND shadow offsets (desktop_heap.h's WND_*), the subset
// user32's ValidateHwnd/inline accessors actually dereference.
const (
	wndHeadPSelf     = 0x10
	wndState         = 0x14
	wndExStyle       = 0x1C
	wndStyle         = 0x20
	wndHModule       = 0x24
	wndFNID          = 0x28
	wndSpwndNext     = 0x2C
	wndSpwndPrev     = 0x30
	wndSpwndParent   = 0x34
	wndSpwndChild    = 0x38
	wndSpwndOwner    = 0x3C
	wndRcWindow      = 0x40
	wndRcClient      = 0x50
	wndLpfnWndProc   = 0x60
	wndPcls          = 0x64
	wndCbWndExtra    = 0x98
	WndBaseSize      = 0xE4
)

// Desktop-heap CLS shadow offsets (desktop_heap.h's CLS_*).
const (
	clsPclsNext     = 0x00
	clsAtomClsName  = 0x04
	clsStyle        = 0x08
	clsLpfnWndProc  = 0x0C
	clsCbClsExtra   = 0x10
	clsCbWndExtra   = 0x14
	clsHModule      = 0x18
	clsHIcon        = 0x24
	clsHIconSm      = 0x28
	clsHCursor      = 0x2C
	clsHbrBackground = 0x30
	clsPclsBase     = 0x40
	clsRefCount     = 0x44
	clsFNID         = 0x48
	ClsSize         = 0x54
)

// Rect mirrors WBOX_RECT / Windows RECT.
type Rect struct{ Left, Top, Right, Bottom int32 }

// Subsystem owns every USER object and the guest-visible state that makes
// them reachable from guest code without a syscall.
type Subsystem struct {
	ram *memory.RAM
	pg  *paging.Context

	handles *handle.Table // USER handle table (C6), typed HWND/HMENU/HCURSOR entries
	hMirror uint32         // physical base of the guest handle-entry mirror

	heapPhys uint32
	heapPtr  uint32

	classes  []*Class
	atoms    map[uint16]*Class
	nextAtom uint16

	windows []*Window
	desktop *Window

	Queue *MessageQueue

	serverInfoPhys uint32
}

// HandleType tags, shared with the generic handle.Table (spec.md §4.8).
const (
	TypeWindow handle.Type = 1 + iota
	TypeMenu
	TypeCursor
)

// New brings up the desktop heap, the USER handle table mirror, the
// SERVERINFO block, the system classes, and the desktop window
// (user_class_init + user_window_init + desktop_heap_init + user_shared_init,
// run in the dependency order they need each other).
func New(ram *memory.RAM, pg *paging.Context) (*Subsystem, error) {
	s := &Subsystem{
		ram:      ram,
		pg:       pg,
		handles:  handle.New(),
		atoms:    make(map[uint16]*Class),
		nextAtom: 0xC000,
		Queue:    newMessageQueue(),
	}

	heapPhys, err := pg.AllocPhys(DesktopHeapSize)
	if err != nil {
		return nil, fmt.Errorf("user: allocate desktop heap: %w", err)
	}
	if err := pg.MapRange(DesktopHeapVA, heapPhys, DesktopHeapSize, paging.Present|paging.Writable|paging.User); err != nil {
		return nil, fmt.Errorf("user: map desktop heap: %w", err)
	}
	s.heapPhys = heapPhys

	hMirrorPhys, err := pg.AllocPhys(HandleTableSize)
	if err != nil {
		return nil, fmt.Errorf("user: allocate handle table mirror: %w", err)
	}
	if err := pg.MapRange(HandleTableVA, hMirrorPhys, HandleTableSize, paging.Present|paging.User); err != nil {
		return nil, fmt.Errorf("user: map handle table mirror: %w", err)
	}
	s.hMirror = hMirrorPhys

	siPhys, err := pg.AllocPhys(ServerInfoSize)
	if err != nil {
		return nil, fmt.Errorf("user: allocate SERVERINFO: %w", err)
	}
	if err := pg.MapRange(ServerInfoVA, siPhys, ServerInfoSize, paging.Present|paging.User); err != nil {
		return nil, fmt.Errorf("user: map SERVERINFO: %w", err)
	}
	s.serverInfoPhys = siPhys
	s.writeServerInfo()

	s.registerSystemClasses()
	s.desktop = s.newDesktopWindow()

	return s, nil
}

// desktopAlloc bump-allocates size bytes (4-byte aligned) from the desktop
// heap and returns its physical address (desktop_heap_alloc).
func (s *Subsystem) desktopAlloc(size uint32) (uint32, error) {
	size = (size + 3) &^ 3
	if s.heapPtr+size > DesktopHeapSize {
		return 0, fmt.Errorf("user: desktop heap exhausted allocating %d bytes", size)
	}
	pa := s.heapPhys + s.heapPtr
	va := DesktopHeapVA + s.heapPtr
	s.heapPtr += size
	_ = va
	return pa, nil
}

func (s *Subsystem) vaOf(pa uint32) uint32 { return DesktopHeapVA + (pa - s.heapPhys) }

// writeHandleMirror writes the 12-byte guest-visible mirror entry at index so
// user32's HMValidateHandle-style macros can resolve it without a syscall
// (spec.md §4.8).
func (s *Subsystem) writeHandleMirror(index uint16, objVA uint32, typ handle.Type, generation uint16) {
	off := uint32(index) * handleMirrorEntSize
	if off+handleMirrorEntSize > HandleTableSize {
		diag.Warnf("user: handle mirror index %d out of range", index)
		return
	}
	pa := s.hMirror + off
	s.ram.Write32(pa, objVA)
	s.ram.Write32(pa+4, 0) // owner: single-process, single-thread
	s.ram.Write8(pa+8, uint8(typ))
	s.ram.Write8(pa+9, 0) // flags
	s.ram.Write16(pa+10, generation)
}

func (s *Subsystem) clearHandleMirror(index uint16) {
	pa := s.hMirror + uint32(index)*handleMirrorEntSize
	s.ram.Zero(pa, handleMirrorEntSize)
}

// allocAtom assigns the next atom in WBOX's monotonic counter, starting at
// 0xC000 (spec.md §4.11).
func (s *Subsystem) allocAtom() uint16 {
	a := s.nextAtom
	s.nextAtom++
	return a
}

// findClassLocked is the shared case-insensitive-name (plus hInstance for
// non-system classes) lookup user_class_find uses.
func (s *Subsystem) findClassLocked(name string, hInstance uint32) *Class {
	for _, c := range s.classes {
		if !strings.EqualFold(c.Name, name) {
			continue
		}
		if c.System || c.HInstance == hInstance {
			return c
		}
	}
	return nil
}
