package vm

import "fmt"

// initTEB zero-fills the TEB page and writes the fields ntdll/kernel32
// read through fs: stack bounds, the TEB self-pointer, fake process/thread
// IDs, the PEB pointer, and an empty activation-context stack
// (process_init_teb).
func (c *Context) initTEB() error {
	if err := c.zeroVirtPage(TebAddr); err != nil {
		return fmt.Errorf("vm: init TEB: %w", err)
	}

	writes := []struct {
		off uint32
		val uint32
	}{
		{tebExceptionList, 0xFFFFFFFF},
		{tebStackBase, UserStackTop},
		{tebStackLimit, c.stackBase},
		{tebSelf, TebAddr},
		{tebProcessID, FakeProcessID},
		{tebThreadID, FakeThreadID},
		{tebPebPointer, PebAddr},
		{tebLastError, 0},
	}
	for _, w := range writes {
		if err := c.writeVirt32(TebAddr+w.off, w.val); err != nil {
			return err
		}
	}

	frameListHead := uint32(actctxStackAddr + actctxFrameListCache)
	actctxWrites := []struct {
		off uint32
		val uint32
	}{
		{actctxActiveFrame, 0},
		{actctxFrameListCache + 0, frameListHead},
		{actctxFrameListCache + 4, frameListHead},
		{actctxFlags, 0},
		{actctxNextCookieSeq, 1},
		{actctxStackID, 1},
	}
	for _, w := range actctxWrites {
		if err := c.writeVirt32(actctxStackAddr+w.off, w.val); err != nil {
			return err
		}
	}
	return c.writeVirt32(TebAddr+tebActivationStackPtr, actctxStackAddr)
}

func (c *Context) initCriticalSection(addr uint32) error {
	writes := []struct {
		off uint32
		val uint32
	}{
		{csDebugInfo, 0},
		{csLockCount, 0xFFFFFFFF},
		{csRecursionCount, 0},
		{csOwningThread, 0},
		{csLockSemaphore, 0},
		{csSpinCount, 0},
	}
	for _, w := range writes {
		if err := c.writeVirt32(addr+w.off, w.val); err != nil {
			return err
		}
	}
	return nil
}

// Standard pseudo-handles kernel32 hands back for console I/O.
const (
	stdInputHandle  = 0xFFFFFFF6 // (DWORD)-10
	stdOutputHandle = 0xFFFFFFF5 // (DWORD)-11
	stdErrorHandle  = 0xFFFFFFF4 // (DWORD)-12
)

// initPEB zero-fills the PEB page (preserving Ldr if the loader already
// set it), then writes ImageBaseAddress, a synthesized
// RTL_USER_PROCESS_PARAMETERS (working directory, DLL search path, image
// path, command line, environment block), OS version info, the critical
// sections user32/ntdll expect to find initialized, a TLS bitmap, and a
// GDI shared handle table placeholder (process_init_peb).
func (c *Context) initPEB(imagePath, cmdLine string) error {
	savedLdr, err := c.readVirt32(PebAddr + pebLdr)
	if err != nil {
		return fmt.Errorf("vm: init PEB: %w", err)
	}
	if err := c.zeroVirtPage(PebAddr); err != nil {
		return fmt.Errorf("vm: init PEB: %w", err)
	}
	if savedLdr != 0 {
		if err := c.writeVirt32(PebAddr+pebLdr, savedLdr); err != nil {
			return err
		}
	}

	if err := c.writeVirt8(PebAddr+pebBeingDebugged, 0); err != nil {
		return err
	}
	if err := c.writeVirt32(PebAddr+pebImageBaseAddress, c.imageBase); err != nil {
		return err
	}

	if err := c.initProcessParameters(imagePath, cmdLine); err != nil {
		return err
	}
	if err := c.writeVirt32(PebAddr+pebProcessParameters, processParamsAddr); err != nil {
		return err
	}
	if err := c.writeVirt32(PebAddr+pebProcessHeap, processHeapBase); err != nil {
		return err
	}
	if err := c.writeVirt32(PebAddr+pebNumberOfProcessors, 1); err != nil {
		return err
	}

	osWrites := []struct {
		off uint32
		val uint32
	}{
		{pebOSMajorVersion, osMajorVersion},
		{pebOSMinorVersion, osMinorVersion},
		{pebOSPlatformID, osPlatformID},
		{pebImageSubsystem, imageSubsysCUI},
		{pebImageSubsysMajor, osMajorVersion},
		{pebImageSubsysMinor, osMinorVersion},
		{pebNtGlobalFlag, 0},
		{pebSessionID, 0},
	}
	for _, w := range osWrites {
		if err := c.writeVirt32(PebAddr+w.off, w.val); err != nil {
			return err
		}
	}
	if err := c.writeVirt16(PebAddr+pebOSBuildNumber, osBuildNumber); err != nil {
		return err
	}

	// CriticalSectionTimeout mirrors ntdll's RtlpTimeout default (also
	// patched directly into ntdll by the loader; see loader/boot.go).
	if err := c.writeVirt32(PebAddr+pebCriticalSecTimeout, rtlpTimeoutLow); err != nil {
		return err
	}
	if err := c.writeVirt32(PebAddr+pebCriticalSecTimeout+4, rtlpTimeoutHigh); err != nil {
		return err
	}

	if err := c.initCriticalSection(fastPebLockAddr); err != nil {
		return err
	}
	if err := c.writeVirt32(PebAddr+pebFastPebLock, fastPebLockAddr); err != nil {
		return err
	}
	if err := c.initCriticalSection(loaderLockAddr); err != nil {
		return err
	}
	if err := c.writeVirt32(PebAddr+pebLoaderLock, loaderLockAddr); err != nil {
		return err
	}

	if err := c.writeVirt32(PebAddr+pebTlsBitmapBits+0, 0); err != nil {
		return err
	}
	if err := c.writeVirt32(PebAddr+pebTlsBitmapBits+4, 0); err != nil {
		return err
	}
	if err := c.writeVirt32(tlsBitmapAddr+bitmapSizeOfBitmap, 64); err != nil {
		return err
	}
	if err := c.writeVirt32(tlsBitmapAddr+bitmapBuffer, PebAddr+pebTlsBitmapBits); err != nil {
		return err
	}
	if err := c.writeVirt32(PebAddr+pebTlsBitmap, tlsBitmapAddr); err != nil {
		return err
	}
	if err := c.writeVirt32(PebAddr+pebTlsExpansionCount, 0); err != nil {
		return err
	}

	return c.initGdiSharedTable()
}

func (c *Context) initGdiSharedTable() error {
	phys, err := c.pg.AllocPhys(gdiSharedTableSize)
	if err != nil {
		return fmt.Errorf("vm: allocate GDI shared table: %w", err)
	}
	if err := c.pg.MapRange(gdiSharedTableAddr, phys, gdiSharedTableSize, pteFlags); err != nil {
		return fmt.Errorf("vm: map GDI shared table: %w", err)
	}
	return c.writeVirt32(PebAddr+pebGdiSharedTable, gdiSharedTableAddr)
}

// wboxEnvironment are the environment variables presented to every guest
// process (process_init_peb's minimal block).
var wboxEnvironment = []string{
	"COMPUTERNAME=WBOX",
	`PATH=C:\WINDOWS\system32;C:\WINDOWS`,
	"SYSTEMDRIVE=C:",
	`SYSTEMROOT=C:\WINDOWS`,
	`WINDIR=C:\WINDOWS`,
	`TEMP=C:\WINDOWS\TEMP`,
	`TMP=C:\WINDOWS\TEMP`,
	"USERNAME=WBOX",
	`USERPROFILE=C:\Documents and Settings\WBOX`,
}

func (c *Context) initProcessParameters(imagePath, cmdLine string) error {
	params := uint32(processParamsAddr)
	if err := c.writeVirt32(params+ruppMaxLength, ruppSize); err != nil {
		return err
	}
	if err := c.writeVirt32(params+ruppLength, ruppSize); err != nil {
		return err
	}
	if err := c.writeVirt32(params+ruppFlags, 0); err != nil {
		return err
	}
	if err := c.writeVirt32(params+ruppStdinHandle, stdInputHandle); err != nil {
		return err
	}
	if err := c.writeVirt32(params+ruppStdoutHandle, stdOutputHandle); err != nil {
		return err
	}
	if err := c.writeVirt32(params+ruppStderrHandle, stdErrorHandle); err != nil {
		return err
	}

	strBuf := uint32(stringBuffersAddr)

	currentDir := `C:\WINDOWS\system32\`
	n, err := c.writeUnicodeString(params+ruppCurrentDir, strBuf, currentDir)
	if err != nil {
		return err
	}
	strBuf += n
	if err := c.writeVirt32(params+ruppCurrentDirHdl, 0); err != nil {
		return err
	}

	dllPath := `C:\WINDOWS\system32`
	n, err = c.writeUnicodeString(params+ruppDllPath, strBuf, dllPath)
	if err != nil {
		return err
	}
	strBuf += n

	if imagePath == "" {
		imagePath = `C:\WINDOWS\system32\guest.exe`
	}
	n, err = c.writeUnicodeString(params+ruppImagePathName, strBuf, imagePath)
	if err != nil {
		return err
	}
	strBuf += n

	if cmdLine == "" {
		cmdLine = imagePath
	}
	if _, err := c.writeUnicodeString(params+ruppCommandLine, strBuf, cmdLine); err != nil {
		return err
	}
	strBuf += uint32(len(cmdLine)+1) * 2

	intWrites := []struct {
		off uint32
		val uint32
	}{
		{ruppStartingX, 0},
		{ruppStartingY, 0},
		{ruppCountX, 800},
		{ruppCountY, 600},
		{ruppCountCharsX, 80},
		{ruppCountCharsY, 25},
		{ruppFillAttribute, 0},
		{ruppWindowFlags, 0},
		{ruppShowWindow, 1}, // SW_SHOWNORMAL
	}
	for _, w := range intWrites {
		if err := c.writeVirt32(params+w.off, w.val); err != nil {
			return err
		}
	}

	env := uint32(environmentAddr)
	for _, kv := range wboxEnvironment {
		n, err := c.writeVirtWideString(env, kv)
		if err != nil {
			return err
		}
		env += n
	}
	if err := c.writeVirt16(env, 0); err != nil { // final empty-string terminator
		return err
	}
	return c.writeVirt32(params+ruppEnvironment, environmentAddr)
}

// writeUnicodeString writes a UNICODE_STRING {Length, MaximumLength,
// Buffer} triple at structVA, with the string data placed at bufVA, and
// returns the byte count the caller should advance bufVA by for the next
// string.
func (c *Context) writeUnicodeString(structVA, bufVA uint32, s string) (uint32, error) {
	n, err := c.writeVirtWideString(bufVA, s)
	if err != nil {
		return 0, err
	}
	if err := c.writeVirt16(structVA+0, uint16(n-2)); err != nil {
		return 0, err
	}
	if err := c.writeVirt16(structVA+2, uint16(n)); err != nil {
		return 0, err
	}
	if err := c.writeVirt32(structVA+4, bufVA); err != nil {
		return 0, err
	}
	return n, nil
}
