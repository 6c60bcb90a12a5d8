package user

// CS_* window class style bits (user_class.h).
const (
	CS_VREDRAW = 0x0001
	CS_HREDRAW = 0x0002
	CS_DBLCLKS = 0x0008
	CS_OWNDC   = 0x0020
	CS_GLOBALCLASS = 0x4000
)

// FNID_* system-class function IDs (user_class.h), the subset WBOX
// registers system classes under.
const (
	FnidButton     = 0x029A
	FnidEdit       = 0x029B
	FnidStatic     = 0x029C
	FnidListBox    = 0x029D
	FnidScrollBar  = 0x029E
	FnidComboBox   = 0x029F
	FnidMDIClient  = 0x02A0
	FnidComboLBox  = 0x02A1
	FnidDesktop    = 0x02A3
)

// Class is WBOX's window-class object (WBOX_CLS), minus the fields the Go
// port has no use for (lpszMenuName is not kept).
type Class struct {
	Name          string
	Atom          uint16
	Style         uint32
	WndProc       uint32 // guest VA
	ClsExtraBytes int
	WndExtraBytes int
	HInstance     uint32
	HIcon         uint32
	HIconSm       uint32
	HCursor       uint32
	HBrBackground uint32
	FNID          uint32
	System        bool
	RefCount      int
	ShadowVA      uint32
}

// systemClassSeed is the fixed roster spec.md §4.11 names, each
// registered at startup with a monotonic atom.
var systemClassSeed = []struct {
	name string
	fnid uint32
}{
	{"Button", FnidButton},
	{"Edit", FnidEdit},
	{"Static", FnidStatic},
	{"ListBox", FnidListBox},
	{"ScrollBar", FnidScrollBar},
	{"ComboBox", FnidComboBox},
	{"MDIClient", FnidMDIClient},
	{"ComboLBox", FnidComboLBox},
}

func (s *Subsystem) registerSystemClasses() {
	for _, sc := range systemClassSeed {
		c := &Class{
			Name:     sc.name,
			Style:    CS_HREDRAW | CS_VREDRAW,
			FNID:     sc.fnid,
			System:   true,
			HCursor:  defaultArrowCursor,
		}
		s.registerClassLocked(c)
	}
}

// defaultArrowCursor is a placeholder HCURSOR value; WBOX never rasterizes
// a real cursor image (spec.md §1 excludes GDI rasterization), so system
// classes just carry a nonzero sentinel for code that checks hCursor != 0.
const defaultArrowCursor = 1

// RegisterClassEx implements RegisterClassExW's atom-assignment and
// shadow-creation half (spec.md §4.11); name handling for the "low 16 bits
// are an atom" convention is the caller's (syscall handler's) job, since
// it requires reading the guest pointer's high/low words before this is
// reached.
func (s *Subsystem) RegisterClassEx(c *Class) (uint16, error) {
	if existing := s.findClassLocked(c.Name, c.HInstance); existing != nil {
		return 0, errClassExists(c.Name)
	}
	return s.registerClassLocked(c), nil
}

func (s *Subsystem) registerClassLocked(c *Class) uint16 {
	c.Atom = s.allocAtom()
	s.atoms[c.Atom] = c
	s.classes = append(s.classes, c)
	s.writeClassShadow(c)
	s.syncSystemClassAtom(c)
	return c.Atom
}

// writeClassShadow synthesizes the guest-visible CLS mirror (guest_cls_create)
// so user32's own code can read lpfnWndProc and friends without a syscall.
func (s *Subsystem) writeClassShadow(c *Class) {
	pa, err := s.desktopAlloc(ClsSize + uint32(c.ClsExtraBytes))
	if err != nil {
		return
	}
	c.ShadowVA = s.vaOf(pa)

	s.ram.Write32(pa+clsPclsNext, 0)
	s.ram.Write16(pa+clsAtomClsName, c.Atom)
	s.ram.Write32(pa+clsStyle, c.Style)
	s.ram.Write32(pa+clsLpfnWndProc, c.WndProc)
	s.ram.Write32(pa+clsCbClsExtra, uint32(c.ClsExtraBytes))
	s.ram.Write32(pa+clsCbWndExtra, uint32(c.WndExtraBytes))
	s.ram.Write32(pa+clsHModule, c.HInstance)
	s.ram.Write32(pa+clsHIcon, c.HIcon)
	s.ram.Write32(pa+clsHIconSm, c.HIconSm)
	s.ram.Write32(pa+clsHCursor, c.HCursor)
	s.ram.Write32(pa+clsHbrBackground, c.HBrBackground)
	s.ram.Write32(pa+clsPclsBase, c.ShadowVA) // self-reference, spec.md §3
	s.ram.Write32(pa+clsRefCount, uint32(c.RefCount))
	s.ram.Write32(pa+clsFNID, c.FNID)
}

func (s *Subsystem) syncClassShadow(c *Class) {
	if c.ShadowVA == 0 {
		return
	}
	pa := s.heapPhys + (c.ShadowVA - DesktopHeapVA)
	s.ram.Write32(pa+clsLpfnWndProc, c.WndProc)
	s.ram.Write32(pa+clsRefCount, uint32(c.RefCount))
}

// FindClassByName looks up a class by name and owning instance, system
// classes matching regardless of instance (user_class_find).
func (s *Subsystem) FindClassByName(name string, hInstance uint32) (*Class, bool) {
	c := s.findClassLocked(name, hInstance)
	return c, c != nil
}

// FindClassByAtom looks up a class by its assigned atom.
func (s *Subsystem) FindClassByAtom(atom uint16) (*Class, bool) {
	c, ok := s.atoms[atom]
	return c, ok
}

// UnregisterClass removes a class with no live window references
// (user_class_unregister); classes still referenced by a window, or
// system classes, cannot be unregistered.
func (s *Subsystem) UnregisterClass(name string, hInstance uint32) bool {
	c := s.findClassLocked(name, hInstance)
	if c == nil || c.System || c.RefCount > 0 {
		return false
	}
	for i, cc := range s.classes {
		if cc == c {
			s.classes = append(s.classes[:i], s.classes[i+1:]...)
			break
		}
	}
	delete(s.atoms, c.Atom)
	return true
}

func (s *Subsystem) addRef(c *Class) {
	c.RefCount++
	s.syncClassShadow(c)
}

func (s *Subsystem) release(c *Class) {
	c.RefCount--
	s.syncClassShadow(c)
}

type classExistsError string

func errClassExists(name string) error { return classExistsError(name) }
func (e classExistsError) Error() string {
	return "user: class " + string(e) + " already registered"
}
