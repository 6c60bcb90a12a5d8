package sched

import "testing"

func TestNewThreadBecomesCurrentWhenAlone(t *testing.T) {
	s := New()
	th := s.NewThread(1)
	if s.Current() != th {
		t.Fatalf("first NewThread did not become Current")
	}
	if th.State != Running {
		t.Fatalf("first thread state = %v, want Running", th.State)
	}
}

func TestWaitYieldsToNextReadyThread(t *testing.T) {
	s := New()
	t1 := s.NewThread(1)
	t2 := s.NewThread(2)
	if s.Current() != t1 {
		t.Fatalf("Current = thread %d, want 1", s.Current().ID)
	}

	s.Wait(Infinite, "blocked on something")
	if t1.State != Waiting {
		t.Fatalf("t1.State = %v, want Waiting", t1.State)
	}
	if s.Current() != t2 {
		t.Fatalf("Current after Wait = thread %d, want 2", s.Current().ID)
	}
}

func TestIdleTrueOnlyWhenNothingCanRun(t *testing.T) {
	s := New()
	if !s.Idle() {
		t.Fatalf("empty scheduler should be Idle")
	}
	th := s.NewThread(1)
	if s.Idle() {
		t.Fatalf("a Running thread with no one else queued is not idle")
	}
	s.Wait(Infinite, "wait forever")
	if !s.Idle() {
		t.Fatalf("single thread waiting forever with nothing ready should be Idle")
	}
	s.Signal(th)
	if s.Idle() {
		t.Fatalf("after Signal the thread should be ready to run again")
	}
}

func TestCheckTimeoutsWakesExpiredThread(t *testing.T) {
	s := New()
	th := s.NewThread(1)
	s.Wait(100, "sleep")

	s.CheckTimeouts() // now=0, deadline=100: not yet expired
	if th.State != Waiting {
		t.Fatalf("thread woke up before its deadline")
	}

	s.AdvanceTime(100)
	s.CheckTimeouts()
	if th.State != Ready {
		t.Fatalf("thread did not wake on timeout: state=%v", th.State)
	}
	if !th.TimedOut {
		t.Fatalf("TimedOut was not set")
	}
}

func TestSignalDoesNotAffectNonWaitingThread(t *testing.T) {
	s := New()
	th := s.NewThread(1) // Running, not Waiting
	s.Signal(th)
	if th.State != Running {
		t.Fatalf("Signal changed a Running thread's state to %v", th.State)
	}
}

func TestNextTimeoutReturnsNearestDeadline(t *testing.T) {
	s := New()
	s.NewThread(1)
	s.NewThread(2)
	s.Wait(500, "t1 sleep")

	// Switch to thread 2 and put it to sleep with a nearer deadline.
	s.Wait(200, "t2 sleep")

	deadline, ok := s.NextTimeout()
	if !ok {
		t.Fatalf("NextTimeout found nothing, want a deadline")
	}
	if deadline != 200 {
		t.Fatalf("NextTimeout = %d, want 200 (the nearer of the two)", deadline)
	}
}

func TestTerminateRemovesThreadAndSwitches(t *testing.T) {
	s := New()
	t1 := s.NewThread(1)
	t2 := s.NewThread(2)
	s.Terminate(t1)
	if t1.State != Terminated {
		t.Fatalf("Terminate did not set state")
	}
	if s.Current() != t2 {
		t.Fatalf("Current after terminating the running thread = %v, want thread 2", s.Current())
	}
}
