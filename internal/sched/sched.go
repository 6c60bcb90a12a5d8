// Package sched implements the cooperative scheduler spec.md §4.15
// describes: thread states, a FIFO ready queue, a deadline-ordered wait
// list, and the "fast-forward now past a stuck deadline" rule that breaks
// startup deadlocks during DLL initialisation (e.g. ntdll waiting on a
// loader lock that only a timeout, never a release, will clear in a
// single-threaded bootstrap). Grounded directly on spec.md §4.15/§5, since
// the filtered original_source/ retrieval pack carries no scheduler source
// of its own; the state-machine shape otherwise follows
// internal/vm.Context's wait/ready bookkeeping conventions (plain structs,
// no locking, since everything here runs on the single host thread spec.md
// §5 mandates).
package sched

import "sort"

// State is one of a thread's four lifecycle states (spec.md §4.15).
type State int

const (
	Running State = iota
	Ready
	Waiting
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Ready:
		return "READY"
	case Waiting:
		return "WAITING"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Infinite is the deadline value meaning "never times out" (spec.md §5's
// INFINITE encoding).
const Infinite = ^uint64(0)

// Thread is one schedulable guest execution context. WBOX only ever runs
// one thread at a time (spec.md §5), but the scheduler tracks as many as
// the guest creates.
type Thread struct {
	ID       uint32
	State    State
	Deadline uint64 // 100ns-unit absolute deadline; Infinite means none

	// WaitReason lets a caller identify what a WAITING thread is blocked
	// on (an event handle, a sleep, a critical section) without the
	// scheduler itself knowing the domain.
	WaitReason interface{}

	// TimedOut is set by CheckTimeouts when a thread is moved back to
	// Ready because its deadline passed, rather than its wait condition
	// becoming true; callers read and clear it themselves.
	TimedOut bool
}

// Scheduler is the cooperative, single-host-thread scheduler. Current is
// the thread the interpreter is presently running on behalf of (nil
// before any thread is created).
type Scheduler struct {
	threads []*Thread
	ready   []*Thread
	current *Thread

	now uint64 // monotonic clock, 100ns units
}

// New creates an empty scheduler with its clock at zero.
func New() *Scheduler { return &Scheduler{} }

// NewThread creates a thread in the Ready state and enqueues it.
func (s *Scheduler) NewThread(id uint32) *Thread {
	t := &Thread{ID: id, State: Ready, Deadline: Infinite}
	s.threads = append(s.threads, t)
	s.ready = append(s.ready, t)
	if s.current == nil {
		s.current = t
		t.State = Running
		s.dequeueReady(t)
	}
	return t
}

// Current returns the thread presently selected to run, or nil if none
// exists yet.
func (s *Scheduler) Current() *Thread { return s.current }

func (s *Scheduler) dequeueReady(t *Thread) {
	for i, rt := range s.ready {
		if rt == t {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

// Idle reports whether no thread can make progress right now: nothing is
// Running and nothing is Ready to become Running (vm's CallDLLEntry/
// internal/callback's Call both poll this to decide whether to keep
// executing the current thread or to try a fast-forward/give up). A
// Running current thread with an empty ready queue is the ordinary
// single-thread steady state, not idleness.
func (s *Scheduler) Idle() bool { return s.current == nil && len(s.ready) == 0 }

// Now returns the scheduler's monotonic clock, in 100ns units.
func (s *Scheduler) Now() uint64 { return s.now }

// AdvanceTime moves the clock forward by delta (100ns units); negative or
// zero deltas are ignored.
func (s *Scheduler) AdvanceTime(delta uint64) { s.now += delta }

// Wait transitions the current thread to Waiting with an optional
// deadline (Infinite for none) and a caller-defined reason, and selects
// the next ready thread to run (spec.md §4.15/§5's yield-on-block rule).
func (s *Scheduler) Wait(deadline uint64, reason interface{}) {
	if s.current == nil {
		return
	}
	s.current.State = Waiting
	s.current.Deadline = deadline
	s.current.WaitReason = reason
	s.current.TimedOut = false
	s.Switch()
}

// Signal wakes t if it is Waiting, moving it to Ready (the condition it
// was waiting on became true, as opposed to a timeout).
func (s *Scheduler) Signal(t *Thread) {
	if t.State != Waiting {
		return
	}
	t.State = Ready
	t.Deadline = Infinite
	t.WaitReason = nil
	t.TimedOut = false
	s.ready = append(s.ready, t)
}

// CheckTimeouts scans the wait list and moves any thread whose deadline
// has passed back to Ready, marking it TimedOut (check_timeouts).
func (s *Scheduler) CheckTimeouts() {
	for _, t := range s.threads {
		if t.State == Waiting && t.Deadline != Infinite && t.Deadline <= s.now {
			t.State = Ready
			t.TimedOut = true
			t.WaitReason = nil
			s.ready = append(s.ready, t)
		}
	}
}

// NextTimeout returns the nearest finite deadline among currently waiting
// threads, for the fast-forward rule (spec.md §4.15's "advance now to the
// nearest deadline" when idle).
func (s *Scheduler) NextTimeout() (uint64, bool) {
	best := Infinite
	found := false
	for _, t := range s.threads {
		if t.State == Waiting && t.Deadline != Infinite {
			if !found || t.Deadline < best {
				best = t.Deadline
				found = true
			}
		}
	}
	return best, found
}

// Switch selects the next Ready thread (FIFO) and makes it Current,
// putting the previously-current thread back onto the ready queue if it
// is still Running (a cooperative yield rather than a block).
func (s *Scheduler) Switch() {
	if s.current != nil && s.current.State == Running {
		s.current.State = Ready
		s.ready = append(s.ready, s.current)
	}
	if len(s.ready) == 0 {
		s.current = nil
		return
	}
	next := s.ready[0]
	s.ready = s.ready[1:]
	next.State = Running
	s.current = next
}

// Terminate marks t Terminated and removes it from every queue.
func (s *Scheduler) Terminate(t *Thread) {
	t.State = Terminated
	s.dequeueReady(t)
	if s.current == t {
		s.current = nil
		s.Switch()
	}
}

// Threads returns a stable (ID-ordered) snapshot of every known thread,
// for diagnostics.
func (s *Scheduler) Threads() []*Thread {
	out := make([]*Thread, len(s.threads))
	copy(out, s.threads)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
