// Package handle implements the generation-stamped, typed handle table
// spec.md §3/§4.8 specifies, shared by the NT object layer and the USER
// subsystem (each gets its own Table instance).
package handle

import "fmt"

// Type tags a slot's object kind. Zero means the slot is free.
type Type uint8

// Handle is the 32-bit opaque value callers see: a 16-bit index and a
// 16-bit generation stamp, per spec.md §3 ("(generation << 16) | index").
type Handle uint32

// Make packs an index and generation into a Handle.
func Make(index uint16, generation uint16) Handle {
	return Handle(uint32(generation)<<16 | uint32(index))
}

// Index extracts the slot index.
func (h Handle) Index() uint16 { return uint16(h) }

// Generation extracts the generation stamp.
func (h Handle) Generation() uint16 { return uint16(h >> 16) }

type slot struct {
	object     interface{}
	owner      interface{}
	typ        Type
	flags      uint8
	generation uint16
	nextFree   int // valid when typ == 0 (free); -1 terminates the list
}

// Table is a generation-stamped array of typed handle slots. Handle 0 is
// reserved and never allocated, per spec.md §4.8.
type Table struct {
	slots     []slot
	firstFree int // index into slots, or -1
}

// New creates an empty handle table. Slot 0 is reserved immediately so no
// Handle ever decodes to index 0.
func New() *Table {
	t := &Table{firstFree: -1}
	t.slots = append(t.slots, slot{generation: 0}) // reserved index 0
	return t
}

// Alloc stores obj under typ, owned by owner, and returns its handle.
func (t *Table) Alloc(obj interface{}, typ Type, owner interface{}) Handle {
	if typ == 0 {
		panic("handle: type 0 is reserved for free slots")
	}
	var idx int
	if t.firstFree >= 0 {
		idx = t.firstFree
		t.firstFree = t.slots[idx].nextFree
		gen := t.slots[idx].generation
		t.slots[idx] = slot{object: obj, owner: owner, typ: typ, generation: gen}
	} else {
		idx = len(t.slots)
		t.slots = append(t.slots, slot{object: obj, owner: owner, typ: typ})
	}
	return Make(uint16(idx), t.slots[idx].generation)
}

func (t *Table) lookup(h Handle) (*slot, bool) {
	idx := int(h.Index())
	if idx <= 0 || idx >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[idx]
	if s.typ == 0 || s.generation != h.Generation() {
		return nil, false
	}
	return s, true
}

// Get returns the object for h, or (nil, false) if h is stale or free.
func (t *Table) Get(h Handle) (interface{}, bool) {
	s, ok := t.lookup(h)
	if !ok {
		return nil, false
	}
	return s.object, true
}

// GetTyped returns the object for h, additionally requiring its type tag
// to match expected.
func (t *Table) GetTyped(h Handle, expected Type) (interface{}, bool) {
	s, ok := t.lookup(h)
	if !ok || s.typ != expected {
		return nil, false
	}
	return s.object, true
}

// Type returns the type tag of h's slot, or 0 if h is invalid.
func (t *Table) Type(h Handle) Type {
	s, ok := t.lookup(h)
	if !ok {
		return 0
	}
	return s.typ
}

// Owner returns the owner value stashed at Alloc time, or nil.
func (t *Table) Owner(h Handle) interface{} {
	s, ok := t.lookup(h)
	if !ok {
		return nil
	}
	return s.owner
}

// Valid reports whether h currently resolves to a live object.
func (t *Table) Valid(h Handle) bool {
	_, ok := t.lookup(h)
	return ok
}

// Free releases h, bumping its slot's generation so any copy of h becomes
// stale, and threads the slot onto the free list.
func (t *Table) Free(h Handle) error {
	idx := int(h.Index())
	if idx <= 0 || idx >= len(t.slots) {
		return fmt.Errorf("handle: invalid handle 0x%08x", uint32(h))
	}
	s := &t.slots[idx]
	if s.typ == 0 || s.generation != h.Generation() {
		return fmt.Errorf("handle: stale or already-free handle 0x%08x", uint32(h))
	}
	s.object = nil
	s.owner = nil
	s.typ = 0
	s.generation++
	s.nextFree = t.firstFree
	t.firstFree = idx
	return nil
}

// Count returns the number of currently live handles.
func (t *Table) Count() int {
	n := 0
	for i := 1; i < len(t.slots); i++ {
		if t.slots[i].typ != 0 {
			n++
		}
	}
	return n
}
