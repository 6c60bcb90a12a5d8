// Package stub generates the tiny x86 code fragments WBOX injects into
// guest memory to intercept imports (spec.md §4.5, §4.9-10): a syscall
// trampoline, and two fixed-result trampolines used when an import must
// resolve to *something* but has no real implementation. Byte-emission
// style follows the teacher compiler's raw-opcode approach in
// x86_64_codegen.go, scaled down to the three fixed templates spec.md
// names instead of a general encoder.
package stub

import (
	"fmt"

	"github.com/noname22/wbox/internal/memory"
	"github.com/noname22/wbox/internal/paging"
)

// SlotSize is the fixed size each stub occupies in the stub region.
const SlotSize = 16

// Kind distinguishes the three stub shapes spec.md §4.5 specifies.
type Kind int

const (
	// KindSyscall emits: mov eax,imm; mov edx,esp; sysenter; ret imm*4.
	KindSyscall Kind = iota
	// KindReturnZero emits: xor eax,eax; ret imm*4.
	KindReturnZero
	// KindReturnError emits: mov eax,imm; ret imm*4.
	KindReturnError
)

// Encode renders the bytes for a stub of the given kind. syscallOrError is
// the syscall number (KindSyscall) or the NTSTATUS/error value
// (KindReturnError, ignored for the other kinds). argBytes is N*4 for a
// stdcall function taking N arguments.
func Encode(kind Kind, syscallOrError uint32, argBytes uint16) []byte {
	switch kind {
	case KindSyscall:
		b := make([]byte, 0, 12)
		b = append(b, 0xB8) // mov eax, imm32
		b = appendU32(b, syscallOrError)
		b = append(b, 0x89, 0xE2) // mov edx, esp
		b = append(b, 0x0F, 0x34) // sysenter
		b = append(b, 0xC2)       // ret imm16
		b = appendU16(b, argBytes)
		return b
	case KindReturnZero:
		b := make([]byte, 0, 4)
		b = append(b, 0x31, 0xC0) // xor eax, eax
		b = append(b, 0xC2)
		b = appendU16(b, argBytes)
		return b
	case KindReturnError:
		b := make([]byte, 0, 7)
		b = append(b, 0xB8)
		b = appendU32(b, syscallOrError)
		b = append(b, 0xC2)
		b = appendU16(b, argBytes)
		return b
	default:
		panic(fmt.Sprintf("stub: unknown kind %d", kind))
	}
}

func appendU32(b []byte, v uint32) []byte {
	return append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendU16(b []byte, v uint16) []byte {
	return append(b, byte(v), byte(v>>8))
}

// Region is the fixed-size guest-VA arena stubs are emitted into (spec.md
// §3, §4.6: mapped read+execute, default at 0x7F000000).
type Region struct {
	ram    *memory.RAM
	pg     *paging.Context
	baseVA uint32
	size   uint32
	used   uint32

	registry map[string]uint32 // name -> VA, so duplicates reuse the same slot
}

// NewRegion creates a stub region of size bytes starting at baseVA. The
// caller is expected to have already mapped [baseVA, baseVA+size) into the
// guest's page tables read+execute; Region only manages the bump allocator
// and the physical writes.
func NewRegion(ram *memory.RAM, pg *paging.Context, baseVA, size uint32) *Region {
	return &Region{ram: ram, pg: pg, baseVA: baseVA, size: size, registry: make(map[string]uint32)}
}

// GetOrCreate returns the VA of the stub registered under name, emitting a
// fresh one if this is the first request for that name (spec.md's stub
// reuse invariant: the same name always yields the same VA).
func (r *Region) GetOrCreate(name string, kind Kind, syscallOrError uint32, argBytes uint16) (uint32, error) {
	if va, ok := r.registry[name]; ok {
		return va, nil
	}
	if r.used+SlotSize > r.size {
		return 0, fmt.Errorf("stub: region exhausted allocating %q", name)
	}
	va := r.baseVA + r.used
	r.used += SlotSize

	pa := va
	if r.pg != nil {
		if t := r.pg.Translate(va); t != 0 {
			pa = t
		}
	}
	code := Encode(kind, syscallOrError, argBytes)
	if err := r.ram.WriteBytes(pa, code); err != nil {
		return 0, fmt.Errorf("stub: write %q at 0x%x: %w", name, va, err)
	}
	r.registry[name] = va
	return va, nil
}

// Lookup returns the VA previously registered for name, if any.
func (r *Region) Lookup(name string) (uint32, bool) {
	va, ok := r.registry[name]
	return va, ok
}
