package user

// SERVERINFO layout (user_shared.h's WBOX_SERVERINFO), offsets derived from
// the struct's natural x86 packing (three uint16 fields padded to a 4-byte
// boundary before the first int array).
const (
	siDwSRVIFlags    = 0x00
	siCHandleEntries = 0x04
	siWSRVIFlags     = 0x08
	siWRIPPID        = 0x0A
	siWRIPError      = 0x0C
	siAiSysMet       = 0x10
	siNumSysMet      = 97
	siArgbSystem     = siAiSysMet + 4*siNumSysMet // 0x194
	siNumSysColors   = 31
	siAhbrSystem     = siArgbSystem + 4*siNumSysColors // 0x210
	siAtomSysClass   = siAhbrSystem + 4*siNumSysColors // 0x28C
	siNumFnid        = 32
	siCxSysFontChar  = siAtomSysClass + 2*siNumFnid // 0x2CC
	siCySysFontChar  = siCxSysFontChar + 4
	siDwDefaultHeapBase = siCySysFontChar + 4
	siDwDefaultHeapSize = siDwDefaultHeapBase + 4
	ServerInfoStructSize = siDwDefaultHeapSize + 4
)

// SM_* system metric indices used below (user_shared.h's common subset).
const (
	smCxScreen      = 0
	smCyScreen      = 1
	smCxVScroll     = 2
	smCyHScroll     = 3
	smCyCaption     = 4
	smCxBorder      = 5
	smCyBorder      = 6
	smCxDlgFrame    = 7
	smCyDlgFrame    = 8
	smCxIcon        = 11
	smCyIcon        = 12
	smCxCursor      = 13
	smCyCursor      = 14
	smCyMenu        = 15
	smCxFullScreen  = 16
	smCyFullScreen  = 17
	smCxMin         = 28
	smCyMin         = 29
	smCxSize        = 30
	smCySize        = 31
	smCxFrame       = 32
	smCyFrame       = 33
	smCxMinTrack    = 34
	smCyMinTrack    = 35
)

// FNID_FIRST, the base every atomSysClass index is relative to.
const fnidFirst = 0x029A

// writeServerInfo populates the SERVERINFO block with the fixed desktop
// geometry and stock system colors spec.md §4.14 names (a single
// 1024x768 virtual screen, ReactOS's default 3D color scheme), and maps
// every registered system class's atom into atomSysClass[FNID-FNID_FIRST]
// so user32's internal class lookups avoid a round trip.
func (s *Subsystem) writeServerInfo() {
	pa := s.serverInfoPhys
	s.ram.Write32(pa+siCHandleEntries, HandleTableSize/handleMirrorEntSize)

	metrics := map[int]int32{
		smCxScreen: 1024, smCyScreen: 768,
		smCxVScroll: 16, smCyHScroll: 16,
		smCyCaption: 19, smCxBorder: 1, smCyBorder: 1,
		smCxDlgFrame: 3, smCyDlgFrame: 3,
		smCxIcon: 32, smCyIcon: 32, smCxCursor: 32, smCyCursor: 32,
		smCyMenu: 19, smCxFullScreen: 1024, smCyFullScreen: 749,
		smCxMin: 112, smCyMin: 27, smCxSize: 18, smCySize: 18,
		smCxFrame: 4, smCyFrame: 4, smCxMinTrack: 112, smCyMinTrack: 27,
	}
	for idx, v := range metrics {
		s.ram.Write32(pa+siAiSysMet+4*uint32(idx), uint32(int32(v)))
	}

	colors := map[int]uint32{
		COLOR_SCROLLBAR: 0xD4D0C8, COLOR_BACKGROUND: 0x3A6EA5,
		COLOR_ACTIVECAPTION: 0x9C5A0A, COLOR_INACTIVECAPTION: 0xDBC7BF,
		COLOR_MENU: 0xD4D0C8, COLOR_WINDOW: 0xFFFFFF, COLOR_WINDOWFRAME: 0x000000,
		COLOR_MENUTEXT: 0x000000, COLOR_WINDOWTEXT: 0x000000,
		COLOR_CAPTIONTEXT: 0xFFFFFF, COLOR_ACTIVEBORDER: 0xD4D0C8,
		COLOR_INACTIVEBORDER: 0xD4D0C8, COLOR_APPWORKSPACE: 0x808080,
		COLOR_HIGHLIGHT: 0x316AC5, COLOR_HIGHLIGHTTEXT: 0xFFFFFF,
		COLOR_BTNFACE: 0xD4D0C8, COLOR_BTNSHADOW: 0x808080,
		COLOR_GRAYTEXT: 0x808080, COLOR_BTNTEXT: 0x000000,
		COLOR_INACTIVECAPTIONTEXT: 0x000000, COLOR_BTNHIGHLIGHT: 0xFFFFFF,
		COLOR_3DDKSHADOW: 0x404040, COLOR_3DLIGHT: 0xD4D0C8,
	}
	for idx, v := range colors {
		s.ram.Write32(pa+siArgbSystem+4*uint32(idx), v)
		s.ram.Write32(pa+siAhbrSystem+4*uint32(idx), v) // brush handle stand-in
	}

	s.ram.Write32(pa+siCxSysFontChar, 8)
	s.ram.Write32(pa+siCySysFontChar, 13)
	s.ram.Write32(pa+siDwDefaultHeapBase, 0x10000000) // ntheap.BaseVA
	s.ram.Write32(pa+siDwDefaultHeapSize, 16*1024*1024)
}

// COLOR_* system color indices (user_shared.h).
const (
	COLOR_SCROLLBAR           = 0
	COLOR_BACKGROUND          = 1
	COLOR_ACTIVECAPTION       = 2
	COLOR_INACTIVECAPTION     = 3
	COLOR_MENU                = 4
	COLOR_WINDOW              = 5
	COLOR_WINDOWFRAME         = 6
	COLOR_MENUTEXT            = 7
	COLOR_WINDOWTEXT          = 8
	COLOR_CAPTIONTEXT         = 9
	COLOR_ACTIVEBORDER        = 10
	COLOR_INACTIVEBORDER      = 11
	COLOR_APPWORKSPACE        = 12
	COLOR_HIGHLIGHT           = 13
	COLOR_HIGHLIGHTTEXT       = 14
	COLOR_BTNFACE             = 15
	COLOR_BTNSHADOW           = 16
	COLOR_GRAYTEXT            = 17
	COLOR_BTNTEXT             = 18
	COLOR_INACTIVECAPTIONTEXT = 19
	COLOR_BTNHIGHLIGHT        = 20
	COLOR_3DDKSHADOW          = 21
	COLOR_3DLIGHT             = 22
)

// syncSystemClassAtom writes c's atom into SERVERINFO.atomSysClass at its
// FNID-relative slot, once the class has been assigned one
// (user_shared_init's post-registration fixup).
func (s *Subsystem) syncSystemClassAtom(c *Class) {
	if c.FNID < fnidFirst || c.FNID >= fnidFirst+siNumFnid {
		return
	}
	off := siAtomSysClass + 2*(c.FNID-fnidFirst)
	s.ram.Write16(s.serverInfoPhys+off, c.Atom)
}

// GetSystemMetric reads a single aiSysMet[] slot back out, for code paths
// (window creation defaults) that need the value host-side rather than
// trusting the guest to re-read SERVERINFO.
func (s *Subsystem) GetSystemMetric(index int) int32 {
	if index < 0 || index >= siNumSysMet {
		return 0
	}
	v, _ := s.ram.Read32(s.serverInfoPhys + siAiSysMet + 4*uint32(index))
	return int32(v)
}
