package user

import "github.com/noname22/wbox/internal/ntheap"

// CreateStructSize is sizeof(CREATESTRUCTW).
const CreateStructSize = 48

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
)

// writeWideStringZ bump-allocates a null-terminated UTF-16 copy of s in the
// desktop heap and returns its guest VA, for building CREATESTRUCTW's
// lpszName/lpszClass out-of-line strings (guest_wnd_create's string
// handling, spec.md §4.12).
func (s *Subsystem) writeWideStringZ(text string) (uint32, error) {
	units := ntheap.EncodeUTF16(text)
	pa, err := s.desktopAlloc(uint32(len(units)+1) * 2)
	if err != nil {
		return 0, err
	}
	va := s.vaOf(pa)
	for i, u := range units {
		s.ram.Write16(pa+uint32(i)*2, u)
	}
	s.ram.Write16(pa+uint32(len(units))*2, 0)
	return va, nil
}

// WriteCreateStruct marshals w's pending creation parameters into a fresh
// CREATESTRUCTW in the desktop heap and returns its guest VA, for use as
// WM_NCCREATE/WM_CREATE's lParam (spec.md §4.12 step 5, grounded on
// CreateWindowExW's documented CREATESTRUCTW field mapping).
func (s *Subsystem) WriteCreateStruct(w *Window, createParams uint32) (uint32, error) {
	nameVA, err := s.writeWideStringZ(w.Title)
	if err != nil {
		return 0, err
	}
	classVA, err := s.writeWideStringZ(w.Class.Name)
	if err != nil {
		return 0, err
	}

	pa, err := s.desktopAlloc(CreateStructSize)
	if err != nil {
		return 0, err
	}

	s.ram.Write32(pa+csLpCreateParams, createParams)
	s.ram.Write32(pa+csHInstance, w.HInstance)
	s.ram.Write32(pa+csHMenu, w.IDMenu)
	s.ram.Write32(pa+csHwndParent, shadowVAOf(w.Parent))
	s.ram.Write32(pa+csCy, uint32(w.RectWindow.Bottom-w.RectWindow.Top))
	s.ram.Write32(pa+csCx, uint32(w.RectWindow.Right-w.RectWindow.Left))
	s.ram.Write32(pa+csY, uint32(w.RectWindow.Top))
	s.ram.Write32(pa+csX, uint32(w.RectWindow.Left))
	s.ram.Write32(pa+csStyle, w.Style)
	s.ram.Write32(pa+csLpszName, nameVA)
	s.ram.Write32(pa+csLpszClass, classVA)
	s.ram.Write32(pa+csDwExStyle, w.ExStyle)

	return s.vaOf(pa), nil
}
