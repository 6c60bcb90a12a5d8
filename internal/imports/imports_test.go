package imports

import "testing"

func TestStubUsingSetCaseInsensitive(t *testing.T) {
	cases := map[string]bool{
		"ntdll.dll":   true,
		"NTDLL.DLL":   true,
		"win32u.dll":  true,
		"kernel32.dll": true,
		"user32.dll":  false,
		"advapi32.dll": false,
	}
	for name, want := range cases {
		if got := StubUsingSet(name); got != want {
			t.Errorf("StubUsingSet(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestKnownSyscallNtdll(t *testing.T) {
	num, argBytes, ok := KnownSyscall("ntdll.dll", "NtClose")
	if !ok {
		t.Fatalf("KnownSyscall(ntdll.dll, NtClose) not found")
	}
	if num != NtClose {
		t.Fatalf("number = %d, want NtClose (%d)", num, NtClose)
	}
	if argBytes != 4 {
		t.Fatalf("argBytes = %d, want 4", argBytes)
	}
}

func TestKnownSyscallUnknownNameFallsThrough(t *testing.T) {
	if _, _, ok := KnownSyscall("ntdll.dll", "SomeUnknownExport"); ok {
		t.Fatalf("KnownSyscall matched a name that isn't in the table")
	}
}

func TestKnownSyscallWrongDLLMisses(t *testing.T) {
	// NtClose is an ntdll export; win32u.dll must not also match it.
	if _, _, ok := KnownSyscall("win32u.dll", "NtClose"); ok {
		t.Fatalf("KnownSyscall matched NtClose against win32u.dll")
	}
}

func TestKnownSyscallKernel32OnlyHasPrivatePatches(t *testing.T) {
	if _, _, ok := KnownSyscall("kernel32.dll", "GetCommandLineW"); !ok {
		t.Fatalf("GetCommandLineW should be a known kernel32 patch")
	}
	if _, _, ok := KnownSyscall("kernel32.dll", "CreateFileW"); ok {
		t.Fatalf("CreateFileW is not one of kernel32's private-range patches")
	}
}

func TestSyscallRangesDoNotOverlap(t *testing.T) {
	if PrivateRangeBase <= NtUserInitializeClientPfnArrays {
		t.Fatalf("private range base 0x%x overlaps the win32k range (up to %d)", PrivateRangeBase, NtUserInitializeClientPfnArrays)
	}
	if NtUserRegisterClassExWOW <= NtUnmapViewOfSection {
		t.Fatalf("win32k range base %d overlaps the NT range (up to %d)", NtUserRegisterClassExWOW, NtUnmapViewOfSection)
	}
}

func TestSentinelsAreReservedAboveEveryRealNumber(t *testing.T) {
	if SentinelDllInitReturn <= PrivGetCommandLineW {
		t.Fatalf("DLL-init sentinel 0x%x collides with the private range", SentinelDllInitReturn)
	}
	if SentinelWndProcReturn <= PrivGetCommandLineW {
		t.Fatalf("WndProc sentinel 0x%x collides with the private range", SentinelWndProcReturn)
	}
}
