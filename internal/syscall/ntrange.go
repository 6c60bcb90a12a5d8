package syscall

import (
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/noname22/wbox/internal/diag"
	"github.com/noname22/wbox/internal/handle"
	"github.com/noname22/wbox/internal/imports"
	"github.com/noname22/wbox/internal/paging"
	"github.com/noname22/wbox/internal/sched"
)

// fileObject is what the dispatcher's own NT-object handle table stores
// for a file handle opened via NtCreateFile/NtOpenFile.
type fileObject struct {
	f        *os.File
	readOnly bool
}

// NT CreateDisposition values (winnt.h).
const (
	fileSupersede   = 0
	fileOpen        = 1
	fileCreate      = 2
	fileOpenIf      = 3
	fileOverwrite   = 4
	fileOverwriteIf = 5
)

// objAttrName reads an OBJECT_ATTRIBUTES struct's ObjectName field (a
// pointer to a UNICODE_STRING at offset 8: Length/RootDirectory/ObjectName/
// Attributes/SecurityDescriptor/SecurityQOS) and decodes it.
func (d *Dispatcher) objAttrName(objAttrVA uint32) string {
	if objAttrVA == 0 {
		return ""
	}
	nameVA := binary.LittleEndian.Uint32(d.readBytes(objAttrVA+8, 4))
	if nameVA == 0 {
		return ""
	}
	return d.readUnicodeString(nameVA)
}

func (d *Dispatcher) dispatchNT(number, edx uint32) uint32 {
	switch number {
	case imports.NtCreateFile:
		return d.ntCreateFile(edx)
	case imports.NtOpenFile:
		return d.ntOpenFile(edx)
	case imports.NtReadFile:
		return d.ntReadFile(edx)
	case imports.NtWriteFile:
		return d.ntWriteFile(edx)
	case imports.NtClose:
		return d.ntClose(edx)
	case imports.NtQueryInformationFile:
		return d.ntQueryInformationFile(edx)
	case imports.NtSetInformationFile:
		return StatusSuccess // minimal: rename/disposition/end-of-file classes aren't modeled
	case imports.NtTerminateProcess:
		return d.ntTerminateProcess(edx)
	case imports.NtAllocateVirtualMemory:
		return d.ntAllocateVirtualMemory(edx)
	case imports.NtFreeVirtualMemory:
		return StatusSuccess // bump allocator never reclaims, matching internal/ntheap's policy
	case imports.NtProtectVirtualMemory:
		return d.ntProtectVirtualMemory(edx)
	case imports.NtQueryVirtualMemory:
		return d.ntQueryVirtualMemory(edx)
	case imports.NtWaitForSingleObject:
		return d.ntWaitForSingleObject(edx)
	case imports.NtSetEvent:
		return d.ntSetEvent(edx)
	case imports.NtCreateEvent:
		return d.ntCreateEvent(edx)
	case imports.NtDelayExecution:
		return d.ntDelayExecution(edx)
	case imports.NtYieldExecution:
		if d.sched != nil {
			d.sched.Switch()
		}
		return StatusSuccess
	case imports.NtQueryPerformanceCounter:
		return d.ntQueryPerformanceCounter(edx)
	case imports.NtQuerySystemTime:
		return d.ntQuerySystemTime(edx)
	case imports.NtQueryInformationProcess:
		return StatusSuccess // process information classes WBOX's single guest process needs aren't queried by typical guests at this spec's scope
	case imports.NtFlushInstructionCache:
		return StatusSuccess // no instruction cache to flush in an interpreter
	case imports.NtDuplicateObject:
		return d.ntDuplicateObject(edx)
	case imports.NtCreateSection:
		return StatusNotImplemented // file-mapping sections: no guest in this spec's scope needs them beyond the main image, which the loader maps directly
	case imports.NtMapViewOfSection:
		return StatusNotImplemented
	case imports.NtUnmapViewOfSection:
		return StatusSuccess
	default:
		return StatusNotImplemented
	}
}

func (d *Dispatcher) ntCreateFile(edx uint32) uint32 {
	handleOutVA := d.arg(edx, 0)
	desiredAccess := d.arg(edx, 1)
	objAttrVA := d.arg(edx, 2)
	createDisposition := d.arg(edx, 7)

	winPath := d.objAttrName(objAttrVA)
	hostPath, err := d.jail.TranslateAndConfine(winPath)
	if err != nil {
		diag.Warnf("syscall: NtCreateFile(%q): %v", winPath, err)
		return StatusObjectPathNotFound
	}

	flags := os.O_RDONLY
	readOnly := true
	switch createDisposition {
	case fileCreate:
		flags = os.O_RDWR | os.O_CREATE | os.O_EXCL
		readOnly = false
	case fileOpenIf:
		flags = os.O_RDWR | os.O_CREATE
		readOnly = false
	case fileOverwrite, fileOverwriteIf, fileSupersede:
		flags = os.O_RDWR | os.O_CREATE | os.O_TRUNC
		readOnly = false
	case fileOpen:
		if desiredAccess&0x40000000 != 0 { // GENERIC_WRITE
			flags = os.O_RDWR
			readOnly = false
		}
	}

	f, err := os.OpenFile(hostPath, flags, 0644)
	if err != nil {
		diag.Warnf("syscall: NtCreateFile open %q: %v", hostPath, err)
		if os.IsNotExist(err) {
			return StatusNoSuchFile
		}
		return StatusAccessDenied
	}

	h := d.objects.Alloc(&fileObject{f: f, readOnly: readOnly}, objFile, nil)
	d.writeU32(handleOutVA, uint32(h))
	return StatusSuccess
}

func (d *Dispatcher) ntOpenFile(edx uint32) uint32 {
	handleOutVA := d.arg(edx, 0)
	objAttrVA := d.arg(edx, 2)

	winPath := d.objAttrName(objAttrVA)
	hostPath, err := d.jail.TranslateAndConfine(winPath)
	if err != nil {
		return StatusObjectPathNotFound
	}
	f, err := os.OpenFile(hostPath, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusNoSuchFile
		}
		return StatusAccessDenied
	}
	h := d.objects.Alloc(&fileObject{f: f, readOnly: true}, objFile, nil)
	d.writeU32(handleOutVA, uint32(h))
	return StatusSuccess
}

func (d *Dispatcher) fileFromHandle(h uint32) (*fileObject, bool) {
	obj, ok := d.objects.GetTyped(handleFromU32(h), objFile)
	if !ok {
		return nil, false
	}
	return obj.(*fileObject), true
}

func handleFromU32(v uint32) handle.Handle {
	return handle.Handle(v)
}

func (d *Dispatcher) ntReadFile(edx uint32) uint32 {
	h := d.arg(edx, 0)
	ioStatusBlockVA := d.arg(edx, 4)
	bufferVA := d.arg(edx, 5)
	length := d.arg(edx, 6)

	fo, ok := d.fileFromHandle(h)
	if !ok {
		return StatusInvalidHandle
	}
	buf := make([]byte, length)
	n, err := fo.f.Read(buf)
	if err != nil && err != io.EOF {
		return StatusUnsuccessful
	}
	d.writeBytes(bufferVA, buf[:n])
	if ioStatusBlockVA != 0 {
		d.writeU32(ioStatusBlockVA, StatusSuccess)
		d.writeU32(ioStatusBlockVA+4, uint32(n))
	}
	if n == 0 && length > 0 {
		return StatusEndOfFile
	}
	return StatusSuccess
}

func (d *Dispatcher) ntWriteFile(edx uint32) uint32 {
	h := d.arg(edx, 0)
	ioStatusBlockVA := d.arg(edx, 4)
	bufferVA := d.arg(edx, 5)
	length := d.arg(edx, 6)

	fo, ok := d.fileFromHandle(h)
	if !ok {
		return StatusInvalidHandle
	}
	if fo.readOnly {
		return StatusAccessDenied
	}
	data := d.readBytes(bufferVA, int(length))
	n, err := fo.f.Write(data)
	if err != nil {
		return StatusUnsuccessful
	}
	if ioStatusBlockVA != 0 {
		d.writeU32(ioStatusBlockVA, StatusSuccess)
		d.writeU32(ioStatusBlockVA+4, uint32(n))
	}
	return StatusSuccess
}

func (d *Dispatcher) ntClose(edx uint32) uint32 {
	h := d.arg(edx, 0)
	if obj, ok := d.objects.Get(handleFromU32(h)); ok {
		if fo, ok := obj.(*fileObject); ok {
			fo.f.Close()
		}
	}
	d.objects.Free(handleFromU32(h))
	return StatusSuccess
}

// FileStandardInformation/FileBasicInformation classes aren't modeled in
// detail; callers checking a file's size are the common case this spec's
// scope needs, so FileInformationClass is ignored and a best-effort size
// (EndOfFile at offset 8 of FILE_STANDARD_INFORMATION) is written when the
// buffer is large enough.
func (d *Dispatcher) ntQueryInformationFile(edx uint32) uint32 {
	h := d.arg(edx, 0)
	ioStatusBlockVA := d.arg(edx, 1)
	infoVA := d.arg(edx, 2)
	length := d.arg(edx, 3)

	fo, ok := d.fileFromHandle(h)
	if !ok {
		return StatusInvalidHandle
	}
	st, err := fo.f.Stat()
	if err != nil {
		return StatusUnsuccessful
	}
	if length >= 24 {
		d.writeU32(infoVA+8, uint32(st.Size()))
	}
	if ioStatusBlockVA != 0 {
		d.writeU32(ioStatusBlockVA, StatusSuccess)
	}
	return StatusSuccess
}

func (d *Dispatcher) ntTerminateProcess(edx uint32) uint32 {
	exitCode := d.arg(edx, 1)
	d.exitCode = int32(exitCode)
	d.exitRequested = true
	d.core.RequestExit(true)
	return StatusSuccess
}

func (d *Dispatcher) ntAllocateVirtualMemory(edx uint32) uint32 {
	baseAddrPtr := d.arg(edx, 1)
	regionSizePtr := d.arg(edx, 3)

	base := binary.LittleEndian.Uint32(d.readBytes(baseAddrPtr, 4))
	size := binary.LittleEndian.Uint32(d.readBytes(regionSizePtr, 4))
	if size == 0 {
		return StatusInvalidParameter
	}
	size = (size + paging.PageSize - 1) &^ (paging.PageSize - 1)

	if base == 0 {
		base = d.vmNext
		d.vmNext += size
	} else {
		base = base &^ (paging.PageSize - 1)
	}

	phys, err := d.pg.AllocPhys(size)
	if err != nil {
		return StatusNoMemory
	}
	if err := d.pg.MapRange(base, phys, size, paging.Present|paging.Writable|paging.User); err != nil {
		return StatusNoMemory
	}

	d.writeU32(baseAddrPtr, base)
	d.writeU32(regionSizePtr, size)
	return StatusSuccess
}

func (d *Dispatcher) ntProtectVirtualMemory(edx uint32) uint32 {
	baseAddrPtr := d.arg(edx, 1)
	regionSizePtr := d.arg(edx, 2)
	newProtect := d.arg(edx, 3)
	oldProtectPtr := d.arg(edx, 4)

	base := binary.LittleEndian.Uint32(d.readBytes(baseAddrPtr, 4))
	size := binary.LittleEndian.Uint32(d.readBytes(regionSizePtr, 4))
	base &^= paging.PageSize - 1
	size = (size + paging.PageSize - 1) &^ (paging.PageSize - 1)

	flags := uint32(paging.Present | paging.User)
	if newProtect&0x04 != 0 || newProtect&0x40 != 0 || newProtect&0x80 != 0 { // PAGE_READWRITE/EXECUTE_READWRITE/EXECUTE_WRITECOPY
		flags |= paging.Writable
	}
	for off := uint32(0); off < size; off += paging.PageSize {
		pa := d.pg.Translate(base + off)
		if pa == 0 {
			return StatusInvalidParameter
		}
		if err := d.pg.MapPage(base+off, pa, flags); err != nil {
			return StatusUnsuccessful
		}
	}
	if oldProtectPtr != 0 {
		d.writeU32(oldProtectPtr, 0x04) // PAGE_READWRITE, the only value WBOX itself ever grants
	}
	return StatusSuccess
}

func (d *Dispatcher) ntQueryVirtualMemory(edx uint32) uint32 {
	baseAddr := d.arg(edx, 1)
	infoVA := d.arg(edx, 3)
	length := d.arg(edx, 4)
	resultLenPtr := d.arg(edx, 5)

	if length < 28 { // sizeof(MEMORY_BASIC_INFORMATION)
		return StatusInvalidParameter
	}
	base := baseAddr &^ (paging.PageSize - 1)
	pa := d.pg.Translate(base)
	state := uint32(0x10000) // MEM_FREE
	if pa != 0 {
		state = 0x1000 // MEM_COMMIT
	}
	d.writeU32(infoVA+0, base)  // BaseAddress
	d.writeU32(infoVA+4, base)  // AllocationBase
	d.writeU32(infoVA+8, 0x04)  // AllocationProtect: PAGE_READWRITE
	d.writeU32(infoVA+12, paging.PageSize)
	d.writeU32(infoVA+16, state)
	d.writeU32(infoVA+20, 0x04) // Protect
	d.writeU32(infoVA+24, 0x20000) // Type: MEM_PRIVATE
	if resultLenPtr != 0 {
		d.writeU32(resultLenPtr, 28)
	}
	return StatusSuccess
}

// eventObject is the dispatcher's model of an NT event: a level of
// synchronization WBOX's single-threaded scheduler tracks as a simple
// signaled flag plus whichever threads are parked in sched waiting on it.
type eventObject struct {
	signaled  bool
	manual    bool
	waitToken interface{}
}

func (d *Dispatcher) ntCreateEvent(edx uint32) uint32 {
	handleOutVA := d.arg(edx, 0)
	eventType := d.arg(edx, 3)   // 0 = NotificationEvent (manual), 1 = SynchronizationEvent (auto)
	initialState := d.arg(edx, 4)

	ev := &eventObject{signaled: initialState != 0, manual: eventType == 0}
	h := d.objects.Alloc(ev, objEvent, nil)
	d.writeU32(handleOutVA, uint32(h))
	return StatusSuccess
}

func (d *Dispatcher) ntSetEvent(edx uint32) uint32 {
	h := d.arg(edx, 0)
	obj, ok := d.objects.GetTyped(handleFromU32(h), objEvent)
	if !ok {
		return StatusInvalidHandle
	}
	ev := obj.(*eventObject)
	ev.signaled = true
	if d.sched != nil {
		for _, t := range d.sched.Threads() {
			if t.WaitReason == ev {
				d.sched.Signal(t)
			}
		}
	}
	return StatusSuccess
}

// ntWaitForSingleObject implements the common case spec.md §5 calls out:
// an already-signaled object returns immediately; a not-yet-signaled one
// with a scheduler attached parks the current thread with no deadline
// (the call's timeout argument is not read) until Signal, and without a
// scheduler or current thread degrades to an immediate STATUS_TIMEOUT
// rather than hanging the single host thread.
func (d *Dispatcher) ntWaitForSingleObject(edx uint32) uint32 {
	h := d.arg(edx, 0)
	obj, ok := d.objects.GetTyped(handleFromU32(h), objEvent)
	if !ok {
		return StatusInvalidHandle
	}
	ev := obj.(*eventObject)
	if ev.signaled {
		if !ev.manual {
			ev.signaled = false
		}
		return StatusSuccess
	}
	if d.sched == nil || d.sched.Current() == nil {
		return StatusTimeout
	}
	d.sched.Wait(sched.Infinite, ev)
	if !ev.manual {
		ev.signaled = false
	}
	return StatusSuccess
}

func (d *Dispatcher) ntDelayExecution(edx uint32) uint32 {
	lowVA := d.arg(edx, 1)
	low := binary.LittleEndian.Uint32(d.readBytes(lowVA, 4))
	high := binary.LittleEndian.Uint32(d.readBytes(lowVA+4, 4))
	interval := uint64(high)<<32 | uint64(low)

	if d.sched == nil || d.sched.Current() == nil {
		return StatusSuccess
	}
	var deadline uint64
	if int64(interval) < 0 { // relative delay, in negative 100ns units
		deadline = d.sched.Now() + uint64(-int64(interval))
	} else {
		deadline = interval // absolute
	}
	d.sched.Wait(deadline, nil)
	return StatusSuccess
}

// ntQueryPerformanceCounter backs QueryPerformanceCounter with the host's
// monotonic clock, at a fixed 10MHz frequency (100ns resolution, matching
// the scheduler's own clock unit).
func (d *Dispatcher) ntQueryPerformanceCounter(edx uint32) uint32 {
	counterVA := d.arg(edx, 0)
	freqVA := d.arg(edx, 1)
	now := uint64(time.Now().UnixNano() / 100)
	d.writeU64(counterVA, now)
	if freqVA != 0 {
		d.writeU64(freqVA, 10_000_000)
	}
	return StatusSuccess
}

func (d *Dispatcher) ntQuerySystemTime(edx uint32) uint32 {
	timeVA := d.arg(edx, 0)
	// FILETIME epoch is 1601-01-01; the offset to the Unix epoch in 100ns
	// units is the well-known constant every Windows time conversion uses.
	const epochDelta = 116444736000000000
	now := uint64(time.Now().UnixNano()/100) + epochDelta
	d.writeU64(timeVA, now)
	return StatusSuccess
}

func (d *Dispatcher) writeU64(va uint32, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	d.writeBytes(va, buf[:])
}

// ntDuplicateObject handles the single case WBOX needs: duplicating a
// handle within the one process it emulates, which is simply returning
// the same value back (there is no second handle table to target).
func (d *Dispatcher) ntDuplicateObject(edx uint32) uint32 {
	sourceHandle := d.arg(edx, 1)
	targetHandleVA := d.arg(edx, 3)
	if !d.objects.Valid(handleFromU32(sourceHandle)) {
		return StatusInvalidHandle
	}
	d.writeU32(targetHandleVA, sourceHandle)
	return StatusSuccess
}
