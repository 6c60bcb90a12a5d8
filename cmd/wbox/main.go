// Command wbox is the host-side entry point (spec.md §6.6): it wires every
// internal package into one bootable process, loads a guest PE executable
// under a jailed drive mapping, and runs it on the single host thread until
// it exits. Grounded on original_source/src/main.c's argument handling and
// internal/vm's own vm_test.go construction order, with configuration
// defaults read via github.com/xyproto/env/v2 the way the teacher's own
// CLI reads its environment before parsing flags.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/xyproto/env/v2"

	"github.com/noname22/wbox/internal/callback"
	"github.com/noname22/wbox/internal/cpu"
	"github.com/noname22/wbox/internal/cpu/refcore"
	"github.com/noname22/wbox/internal/diag"
	"github.com/noname22/wbox/internal/loader"
	"github.com/noname22/wbox/internal/memory"
	"github.com/noname22/wbox/internal/ntheap"
	"github.com/noname22/wbox/internal/paging"
	"github.com/noname22/wbox/internal/sched"
	wsyscall "github.com/noname22/wbox/internal/syscall"
	"github.com/noname22/wbox/internal/user"
	"github.com/noname22/wbox/internal/vfs"
	"github.com/noname22/wbox/internal/vm"
)

// driveMap collects -A: .. -Z: mappings as they're parsed. WBOX only ever
// constructs one vfs.Jail (spec.md §6.3 describes a single confined root),
// so among possibly several drive flags the C: mapping wins; any other
// drive flag is accepted for CLI compatibility and otherwise ignored, since
// the VFS layer doesn't multiplex jails by drive letter.
type driveMap map[byte]string

func (d driveMap) registerFlags(fs *flag.FlagSet) {
	for letter := byte('A'); letter <= 'Z'; letter++ {
		l := letter
		fs.Func(string(l)+":", fmt.Sprintf("map drive %c: to a host directory", l), func(dir string) error {
			d[l] = dir
			return nil
		})
	}
}

// ansiScratchVA is where the host stages the narrowed command line for
// GetCommandLineA (internal/syscall's Config.AnsiScratchVA), placed right
// after the GDI shared handle table's fixed 64 KiB window.
const ansiScratchVA = 0x7F050000

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("wbox", flag.ContinueOnError)

	jailRoot := fs.String("jail", env.Str("WBOX_JAIL_ROOT", ""), "legacy alias for -C:, the host directory backing the guest's C: drive")
	verbose := fs.Bool("v", env.Bool("WBOX_VERBOSE"), "enable verbose diagnostic logging")
	physMB := fs.Int("mem", env.Int("WBOX_PHYS_SIZE_MB", memory.DefaultPhysSize/(1024*1024)), "guest physical RAM size, in megabytes")

	drives := driveMap{}
	drives.registerFlags(fs)

	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: wbox [-v] [-mem MB] [-jail DIR] [-C: DIR ...] <exe> [guest args...]")
		return 2
	}
	exePath, guestArgs := rest[0], rest[1:]

	diag.Verbose = *verbose

	root := drives['C']
	if root == "" {
		root = *jailRoot
	}
	if root == "" {
		fmt.Fprintln(os.Stderr, "wbox: no C: drive mapping given (use -C: <dir> or -jail <dir>)")
		return 2
	}

	exitCode, err := boot(root, exePath, guestArgs, *physMB)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wbox: %v\n", err)
		return 1
	}
	return exitCode
}

// boot assembles the memory/paging/CPU/loader/VM stack, boots exePath, and
// runs it to completion, returning the guest's reported exit code.
func boot(jailRoot, exePath string, guestArgs []string, physMB int) (int, error) {
	jail, err := vfs.New(jailRoot)
	if err != nil {
		return 1, fmt.Errorf("open jail: %w", err)
	}

	hostExePath, err := jail.TranslateAndConfine(exePath)
	if err != nil {
		return 1, fmt.Errorf("resolve guest executable: %w", err)
	}

	ntdllPath, err := jail.FindDLL("ntdll.dll")
	if err != nil {
		return 1, fmt.Errorf("locate ntdll.dll under jail: %w", err)
	}

	ram, err := memory.New(physMB * 1024 * 1024)
	if err != nil {
		return 1, fmt.Errorf("allocate guest RAM: %w", err)
	}
	defer ram.Close()

	pg, err := paging.New(ram, paging.DefaultPhysBase, uint32(ram.Size()))
	if err != nil {
		return 1, fmt.Errorf("set up paging: %w", err)
	}

	core := refcore.New(ram, pg)

	ld, err := loader.New(ram, pg, jail, ntdllPath)
	if err != nil {
		return 1, fmt.Errorf("create loader: %w", err)
	}

	ctx := vm.New(ram, pg, core, ld)

	s := sched.New()
	s.NewThread(vm.FakeThreadID)
	ctx.SetScheduler(s)

	heap, err := ntheap.New(ram, pg, ntheap.DefaultSize)
	if err != nil {
		return 1, fmt.Errorf("create process heap: %w", err)
	}

	usr, err := user.New(ram, pg)
	if err != nil {
		return 1, fmt.Errorf("create USER subsystem: %w", err)
	}

	cb := callback.New(core, vm.WndProcStubVA)
	cb.SetScheduler(s)

	cmdLine := buildCommandLine(exePath, guestArgs)

	ansiPhys, err := pg.AllocPhys(paging.PageSize)
	if err != nil {
		return 1, fmt.Errorf("allocate ANSI command-line scratch page: %w", err)
	}
	if err := pg.MapPage(ansiScratchVA, ansiPhys, paging.Present|paging.Writable|paging.User); err != nil {
		return 1, fmt.Errorf("map ANSI command-line scratch page: %w", err)
	}

	disp := wsyscall.New(wsyscall.Config{
		Core:          core,
		Paging:        pg,
		Jail:          jail,
		Heap:          heap,
		User:          usr,
		Sched:         s,
		Callback:      cb,
		CmdLine:       cmdLine,
		AnsiScratchVA: ansiScratchVA,
	})
	disp.OnDllInitReturn = ctx.SignalDllInitDone
	disp.OnWndProcReturn = cb.SignalReturn
	disp.Install() // must precede Boot: InitDLLs runs DllMain under this sysenter handler

	if err := ctx.Boot(hostExePath, cmdLine); err != nil {
		return 1, fmt.Errorf("boot guest: %w", err)
	}

	cmdLineVA, err := ctx.CommandLineVA()
	if err != nil {
		return 1, fmt.Errorf("read command-line VA: %w", err)
	}
	disp.SetCmdLineVA(cmdLineVA)

	if err := runLoop(core, disp, s); err != nil {
		return 1, err
	}
	return int(disp.ExitCode()), nil
}

// execSliceSize bounds how many instructions runLoop executes between
// exit/idle checks, matching the slice size internal/vm and
// internal/callback use for their own run-until-sentinel loops.
const execSliceSize = 1000

// msPerSlice is the fake scheduler tick spec.md §4.15 describes ("on each
// tick after a CPU slice, it increments a tick counter"): a fixed
// 15ms-per-slice advance rather than a wall-clock read, so deadlines and
// GetTickCount stay deterministic regardless of host scheduling.
const msPerSlice = 15
const hundredNsPerMs = 10000

// runLoop drives core until the dispatcher observes NtTerminateProcess or
// the CPU model reports a fault it can't recover from, fast-forwarding the
// scheduler's clock past a stuck wait the same way vm.Context's DLL-init
// pass does.
func runLoop(core cpu.Core, disp *wsyscall.Dispatcher, s *sched.Scheduler) error {
	var tickMS uint32
	for {
		if disp.ExitRequested() {
			return nil
		}
		if s.Idle() {
			s.CheckTimeouts()
			if s.Idle() {
				if next, ok := s.NextTimeout(); ok {
					now := s.Now()
					if next > now {
						s.AdvanceTime(next - now + 1)
					}
					s.CheckTimeouts()
				}
			}
			if s.Idle() {
				return fmt.Errorf("guest deadlocked: no ready thread and no pending timeout")
			}
			s.Switch()
			continue
		}
		if err := core.Exec(execSliceSize); err != nil {
			return fmt.Errorf("cpu: %w", err)
		}
		if r := core.Regs(); r.Abrt != cpu.FaultNone {
			return fmt.Errorf("cpu fault: %d", r.Abrt)
		}
		s.AdvanceTime(msPerSlice * hundredNsPerMs)
		tickMS += msPerSlice
		disp.AdvanceTick(tickMS)
	}
}

// buildCommandLine renders argv[0..] as a single Win32-style command line:
// the program's own path (quoted if it contains whitespace) followed by
// its arguments, each quoted the same way (CommandLineToArgvW's inverse,
// spec.md §4.10).
func buildCommandLine(exePath string, args []string) string {
	var b strings.Builder
	writeArg(&b, exePath)
	for _, a := range args {
		b.WriteByte(' ')
		writeArg(&b, a)
	}
	return b.String()
}

func writeArg(b *strings.Builder, a string) {
	if a != "" && !strings.ContainsAny(a, " \t\"") {
		b.WriteString(a)
		return
	}
	b.WriteByte('"')
	for _, r := range a {
		if r == '"' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
}
