package sched

import (
	"testing"

	"github.com/NomadArchitect/lux-os-kernel/internal/process"
)

func newThread(tt *process.ThreadTable, pid process.PID, priority int) *process.Thread {
	return tt.Insert(func(tid process.TID) *process.Thread {
		return process.NewThread(tid, pid, nil, priority)
	})
}

func TestScheduleHighestPriorityFirst(t *testing.T) {
	tt := process.NewThreadTable()
	s := New(tt)
	s.SetScheduling(true)

	low := newThread(tt, 1, 0)
	high := newThread(tt, 1, 5)
	s.Enqueue(low)
	s.Enqueue(high)

	got := s.Schedule(0)
	if got == nil || got.TID != high.TID {
		t.Fatalf("expected high-priority thread scheduled first, got %+v", got)
	}
	if got.State() != process.Running {
		t.Fatalf("scheduled thread should be Running, got %v", got.State())
	}
}

func TestScheduleFIFOWithinPriority(t *testing.T) {
	tt := process.NewThreadTable()
	s := New(tt)
	s.SetScheduling(true)

	a := newThread(tt, 1, 3)
	b := newThread(tt, 1, 3)
	s.Enqueue(a)
	s.Enqueue(b)

	first := s.Schedule(0)
	if first.TID != a.TID {
		t.Fatalf("expected FIFO order within a priority, got %v want %v", first.TID, a.TID)
	}
}

func TestScheduleDisabledGlobally(t *testing.T) {
	tt := process.NewThreadTable()
	s := New(tt)
	th := newThread(tt, 1, 0)
	s.Enqueue(th)

	if got := s.Schedule(0); got != nil {
		t.Fatalf("expected nil when global scheduling disabled, got %+v", got)
	}
}

func TestScheduleDisabledLocally(t *testing.T) {
	tt := process.NewThreadTable()
	s := New(tt)
	s.SetScheduling(true)
	s.SetLocalSched(0, false)

	th := newThread(tt, 1, 0)
	s.Enqueue(th)

	if got := s.Schedule(0); got != nil {
		t.Fatalf("expected nil when CPU-local scheduling disabled, got %+v", got)
	}
	s.SetLocalSched(0, true)
	if got := s.Schedule(0); got == nil {
		t.Fatal("expected a thread once local scheduling re-enabled")
	}
}

// Round-trip law (spec.md §8): Block -> Unblock returns a thread to Queued
// and it becomes schedulable again.
func TestBlockUnblockRoundTrip(t *testing.T) {
	tt := process.NewThreadTable()
	s := New(tt)
	s.SetScheduling(true)

	th := newThread(tt, 1, 0)
	th.SetState(process.Running)
	s.Block(th)
	if th.State() != process.Blocked {
		t.Fatalf("expected Blocked, got %v", th.State())
	}
	if got := s.Schedule(0); got != nil {
		t.Fatal("blocked thread must not be schedulable")
	}

	s.Unblock(th)
	if th.State() != process.Queued {
		t.Fatalf("expected Queued after Unblock, got %v", th.State())
	}
	if got := s.Schedule(0); got == nil || got.TID != th.TID {
		t.Fatal("expected unblocked thread to become schedulable")
	}
}

func TestPreemptOnTimesliceExhaustion(t *testing.T) {
	tt := process.NewThreadTable()
	s := New(tt)
	s.SetScheduling(true)

	th := newThread(tt, 1, 0)
	s.Enqueue(th)
	s.Schedule(0)

	exhausted := false
	for i := 0; i < DefaultTimeSlice; i++ {
		exhausted = s.SchedTimeslice(th)
	}
	if !exhausted {
		t.Fatal("expected timeslice exhaustion after DefaultTimeSlice ticks")
	}
	s.Preempt(th)
	if th.State() != process.Queued {
		t.Fatalf("expected Queued after preempt, got %v", th.State())
	}
}

// TerminateThread must transition to Zombie from any reachable state and
// remove the thread from its ready queue so it can never be scheduled
// again (spec.md §3: "any -> ZOMBIE").
func TestTerminateThreadRemovesFromReadyQueue(t *testing.T) {
	tt := process.NewThreadTable()
	s := New(tt)
	s.SetScheduling(true)
	procs := process.NewTable()
	parent := procs.Insert(func(pid process.PID) *process.Process {
		return process.NewProcess(pid, 0, nil)
	})

	a := newThread(tt, parent.PID, 0)
	b := newThread(tt, parent.PID, 0)
	s.Enqueue(a)
	s.Enqueue(b)

	s.TerminateThread(a, 0, procs, false)
	if a.State() != process.Zombie {
		t.Fatalf("expected Zombie, got %v", a.State())
	}

	got := s.Schedule(0)
	if got == nil || got.TID != b.TID {
		t.Fatalf("expected only survivor thread scheduled, got %+v", got)
	}
	if next := s.Schedule(0); next != nil {
		t.Fatalf("terminated thread should never be scheduled, got %+v", next)
	}
}

func TestTerminateThreadReparentsChildren(t *testing.T) {
	tt := process.NewThreadTable()
	s := New(tt)
	procs := process.NewTable()
	lumen := procs.Insert(func(pid process.PID) *process.Process { return process.NewProcess(pid, 0, nil) })
	procs.SetLumenPID(lumen.PID)
	parent := procs.Insert(func(pid process.PID) *process.Process { return process.NewProcess(pid, 0, nil) })
	child := procs.Insert(func(pid process.PID) *process.Process { return process.NewProcess(pid, parent.PID, nil) })

	th := newThread(tt, parent.PID, 0)
	s.TerminateThread(th, 0, procs, true)

	got, _ := procs.Lookup(child.PID)
	if got.ParentPID != lumen.PID {
		t.Fatalf("expected child reparented to lumen, got parent %v", got.ParentPID)
	}
}
