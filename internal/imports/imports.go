// Package imports holds the classification policy and numbering tables
// the import resolver (spec.md §4.5, §6.5) needs: which DLLs' imports get
// rewritten to syscall stubs instead of resolved to real code, and what
// number/argument-count each known syscall gets. The IAT walk itself lives
// in internal/loader, which has the module/manager state the walk needs;
// this package is the policy table that walk consults, kept separate so
// the numbering scheme has one home and can be unit-tested in isolation.
package imports

import "strings"

// Range boundaries per spec.md §6.5: NT and Win32k syscalls use their own
// numbering (opaque to us — we only need internally consistent numbers,
// since the CPU core servicing sysenter is our own dispatcher, not a real
// Windows kernel); the private range is reserved above 0x1000 for our own
// Rtl*Heap/string-conversion/GetCommandLine patches so it never collides
// with either.
const (
	PrivateRangeBase = 0x1000

	// Sentinels, spec.md §6.5.
	SentinelDllInitReturn = 0x0000FFFE
	SentinelWndProcReturn = 0x0000FFFD
)

// Syscall numbers in the NT range. Values are internal to WBOX's own
// dispatcher (spec.md §6.5 notes these need not match real Windows
// numbers for a from-scratch NT range, only the private range must avoid
// colliding with real ones).
const (
	NtCreateFile = iota + 1
	NtClose
	NtReadFile
	NtWriteFile
	NtQueryInformationFile
	NtSetInformationFile
	NtTerminateProcess
	NtAllocateVirtualMemory
	NtFreeVirtualMemory
	NtProtectVirtualMemory
	NtQueryVirtualMemory
	NtWaitForSingleObject
	NtSetEvent
	NtCreateEvent
	NtDelayExecution
	NtYieldExecution
	NtQueryPerformanceCounter
	NtQuerySystemTime
	NtQueryInformationProcess
	NtFlushInstructionCache
	NtOpenFile
	NtDuplicateObject
	NtCreateSection
	NtMapViewOfSection
	NtUnmapViewOfSection
)

// Syscall numbers in the Win32k (win32u.dll) range, offset away from the
// NT range so the two never collide.
const (
	NtUserRegisterClassExWOW = iota + 0x400
	NtUserUnregisterClass
	NtUserCreateWindowEx
	NtUserDestroyWindow
	NtUserShowWindow
	NtUserGetMessage
	NtUserPeekMessage
	NtUserPostMessage
	NtUserPostQuitMessage
	NtUserTranslateMessage
	NtUserDispatchMessage
	NtUserDefWindowProc
	NtUserCallWindowProc
	NtUserGetKeyState
	NtUserGetAsyncKeyState
	NtGdiGetTextMetricsW
	NtUserDeferWindowPos
	NtUserEndDeferWindowPos
	NtUserInitializeClientPfnArrays
)

// Syscall numbers in the private intercept range (spec.md §4.10): the
// Rtl*Heap patch family, string conversions, and GetCommandLine.
const (
	PrivRtlAllocateHeap = iota + PrivateRangeBase
	PrivRtlFreeHeap
	PrivRtlReAllocateHeap
	PrivRtlSizeHeap
	PrivRtlMultiByteToUnicodeN
	PrivRtlUnicodeToMultiByteN
	PrivRtlMultiByteToUnicodeSize
	PrivRtlUnicodeToMultiByteSize
	PrivRtlOemToUnicodeN
	PrivRtlUnicodeToOemN
	PrivGetCommandLineA
	PrivGetCommandLineW
)

// syscallEntry is one row of the known-syscall table: a stable number and
// the stdcall argument byte count the emitted stub must clean up.
type syscallEntry struct {
	number   uint32
	argBytes uint16
}

// ntdllSyscalls are ntdll.dll exports known to be serviced by our own
// dispatcher and therefore stubbed rather than resolved to real code.
var ntdllSyscalls = map[string]syscallEntry{
	"NtCreateFile":              {NtCreateFile, 11 * 4},
	"NtClose":                   {NtClose, 1 * 4},
	"NtReadFile":                {NtReadFile, 9 * 4},
	"NtWriteFile":               {NtWriteFile, 9 * 4},
	"NtQueryInformationFile":    {NtQueryInformationFile, 5 * 4},
	"NtSetInformationFile":      {NtSetInformationFile, 5 * 4},
	"NtTerminateProcess":        {NtTerminateProcess, 2 * 4},
	"NtAllocateVirtualMemory":   {NtAllocateVirtualMemory, 6 * 4},
	"NtFreeVirtualMemory":       {NtFreeVirtualMemory, 4 * 4},
	"NtProtectVirtualMemory":    {NtProtectVirtualMemory, 5 * 4},
	"NtQueryVirtualMemory":      {NtQueryVirtualMemory, 6 * 4},
	"NtWaitForSingleObject":     {NtWaitForSingleObject, 3 * 4},
	"NtSetEvent":                {NtSetEvent, 2 * 4},
	"NtCreateEvent":             {NtCreateEvent, 5 * 4},
	"NtDelayExecution":          {NtDelayExecution, 2 * 4},
	"NtYieldExecution":          {NtYieldExecution, 0},
	"NtQueryPerformanceCounter": {NtQueryPerformanceCounter, 2 * 4},
	"NtQuerySystemTime":         {NtQuerySystemTime, 1 * 4},
	"NtQueryInformationProcess": {NtQueryInformationProcess, 5 * 4},
	"NtFlushInstructionCache":   {NtFlushInstructionCache, 3 * 4},
	"NtOpenFile":                {NtOpenFile, 6 * 4},
	"NtDuplicateObject":         {NtDuplicateObject, 7 * 4},
	"NtCreateSection":           {NtCreateSection, 7 * 4},
	"NtMapViewOfSection":        {NtMapViewOfSection, 10 * 4},
	"NtUnmapViewOfSection":      {NtUnmapViewOfSection, 2 * 4},

	// The private Rtl*Heap/string/GetCommandLine patches (spec.md §4.10)
	// are exported by ntdll/kernel32 under their real names too, so they
	// share this table even though their numbers live in the private range.
	"RtlAllocateHeap":              {PrivRtlAllocateHeap, 3 * 4},
	"RtlFreeHeap":                  {PrivRtlFreeHeap, 3 * 4},
	"RtlReAllocateHeap":            {PrivRtlReAllocateHeap, 4 * 4},
	"RtlSizeHeap":                  {PrivRtlSizeHeap, 3 * 4},
	"RtlMultiByteToUnicodeN":       {PrivRtlMultiByteToUnicodeN, 6 * 4},
	"RtlUnicodeToMultiByteN":       {PrivRtlUnicodeToMultiByteN, 6 * 4},
	"RtlMultiByteToUnicodeSize":    {PrivRtlMultiByteToUnicodeSize, 3 * 4},
	"RtlUnicodeToMultiByteSize":    {PrivRtlUnicodeToMultiByteSize, 3 * 4},
	"RtlOemToUnicodeN":             {PrivRtlOemToUnicodeN, 6 * 4},
	"RtlUnicodeToOemN":             {PrivRtlUnicodeToOemN, 6 * 4},
}

// win32uSyscalls are win32u.dll exports serviced by the USER/GDI dispatcher.
var win32uSyscalls = map[string]syscallEntry{
	"NtUserRegisterClassExWOW": {NtUserRegisterClassExWOW, 9 * 4},
	"NtUserUnregisterClass":    {NtUserUnregisterClass, 3 * 4},
	"NtUserCreateWindowEx":     {NtUserCreateWindowEx, 15 * 4},
	"NtUserDestroyWindow":      {NtUserDestroyWindow, 1 * 4},
	"NtUserShowWindow":         {NtUserShowWindow, 2 * 4},
	"NtUserGetMessage":         {NtUserGetMessage, 4 * 4},
	"NtUserPeekMessage":        {NtUserPeekMessage, 5 * 4},
	"NtUserPostMessage":        {NtUserPostMessage, 4 * 4},
	"NtUserPostQuitMessage":    {NtUserPostQuitMessage, 1 * 4},
	"NtUserTranslateMessage":   {NtUserTranslateMessage, 1 * 4},
	"NtUserDispatchMessage":    {NtUserDispatchMessage, 1 * 4},
	"NtUserDefWindowProc":      {NtUserDefWindowProc, 4 * 4},
	"NtUserCallWindowProc":     {NtUserCallWindowProc, 5 * 4},
	"NtUserGetKeyState":        {NtUserGetKeyState, 1 * 4},
	"NtUserGetAsyncKeyState":   {NtUserGetAsyncKeyState, 1 * 4},
	"NtGdiGetTextMetricsW":     {NtGdiGetTextMetricsW, 2 * 4},
	"NtUserDeferWindowPos":     {NtUserDeferWindowPos, 8 * 4},
	"NtUserEndDeferWindowPos":  {NtUserEndDeferWindowPos, 1 * 4},

	// Populates PEB.KernelCallbackTable so the guest's kernel->user WndProc
	// callback path (spec.md §4.13) can run table-driven instead of falling
	// back to a direct stdcall invocation. Real user32.dll's DllMain calls
	// this during process init; internal/vm/dllinit.go's priorityDLLs list
	// includes user32.dll, so this syscall must exist for that DllMain to
	// complete normally.
	"NtUserInitializeClientPfnArrays": {NtUserInitializeClientPfnArrays, 4 * 4},
}

// kernel32PrivateSyscalls are kernel32.dll exports patched via the private
// range (GetCommandLineA/W, spec.md §4.10 final paragraph).
var kernel32PrivateSyscalls = map[string]syscallEntry{
	"GetCommandLineA": {PrivGetCommandLineA, 0},
	"GetCommandLineW": {PrivGetCommandLineW, 0},
}

// StubUsingSet reports whether imports from dllName are ever satisfied by
// stubs rather than by resolving to the DLL's real export (spec.md §4.5:
// "the importing DLL is in the stub-using set (ntdll.dll, win32u.dll)").
// kernel32.dll additionally participates only for the small private-range
// patch set in kernel32PrivateSyscalls (GetCommandLineA/W).
func StubUsingSet(dllName string) bool {
	switch strings.ToLower(dllName) {
	case "ntdll.dll", "win32u.dll", "kernel32.dll":
		return true
	default:
		return false
	}
}

// KnownSyscall looks up name in the table appropriate for dllName. ok is
// false if name is not one WBOX intercepts with a stub, in which case the
// caller should fall through to resolving the DLL's real export.
func KnownSyscall(dllName, name string) (number uint32, argBytes uint16, ok bool) {
	var table map[string]syscallEntry
	switch strings.ToLower(dllName) {
	case "ntdll.dll":
		table = ntdllSyscalls
	case "win32u.dll":
		table = win32uSyscalls
	case "kernel32.dll":
		table = kernel32PrivateSyscalls
	default:
		return 0, 0, false
	}
	e, ok := table[name]
	if !ok {
		return 0, 0, false
	}
	return e.number, e.argBytes, true
}

// Stats tallies how an import pass resolved, for logging (spec.md §4.5).
type Stats struct {
	Total   int
	Stubbed int
	Direct  int
	Failed  int
}
