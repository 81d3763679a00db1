// Package sched implements the kernel's preemptive scheduler: per-priority
// ready queues, a single coarse scheduler lock, the per-CPU dispatch step
// Schedule, and KThreadCreate, which runs a kernel thread on a locked OS
// thread (spec.md §4.4, Design Notes §9).
package sched

import (
	"runtime"
	"sync"

	"github.com/NomadArchitect/lux-os-kernel/internal/logging"
	"github.com/NomadArchitect/lux-os-kernel/internal/process"
)

// NumPriorities is the number of distinct ready-queue priority levels.
const NumPriorities = 8

// DefaultTimeSlice is the number of scheduler ticks a thread runs before
// being preempted back onto its ready queue.
const DefaultTimeSlice = 10

// Scheduler owns the ready queues and the thread/process tables they
// reference by TID/PID.
type Scheduler struct {
	// lock is the single coarse scheduler lock (spec.md §4.4: "the
	// scheduler lock must be released on every code path"). Callers use
	// Lock/Unlock, never lock.Lock directly; each Lock is paired with an
	// Unlock, either deferred or visibly adjacent after a short critical
	// section.
	lock sync.Mutex

	threads *process.ThreadTable

	// ready holds, per priority, the head TID of an intrusive singly
	// linked list threaded through Thread.QueueNext. 0 means empty.
	ready [NumPriorities]process.TID
	tails [NumPriorities]process.TID

	localSchedDisabled map[int]bool // per-CPU index -> disabled
	globalSchedEnabled bool
}

// New builds a Scheduler bound to an existing thread table.
func New(threads *process.ThreadTable) *Scheduler {
	return &Scheduler{
		threads:            threads,
		localSchedDisabled: map[int]bool{},
	}
}

// Lock acquires the scheduler lock. Every call is paired with an Unlock on
// every exit path of the caller (spec.md §4.4 invariant).
func (s *Scheduler) Lock() {
	s.lock.Lock()
}

// Unlock releases the scheduler lock.
func (s *Scheduler) Unlock() {
	s.lock.Unlock()
}

// SetScheduling enables or disables scheduling globally, used while the
// boot sequence is still setting up the kernel worker and before any idle
// threads may legally run (spec.md §4.7).
func (s *Scheduler) SetScheduling(enabled bool) {
	s.Lock()
	defer s.Unlock()
	s.globalSchedEnabled = enabled
}

// SchedulingEnabled reports the global scheduling flag.
func (s *Scheduler) SchedulingEnabled() bool {
	s.Lock()
	defer s.Unlock()
	return s.globalSchedEnabled
}

// SetLocalSched enables or disables scheduling on one CPU, used by a CPU
// that must finish a non-preemptible section (e.g. the kernel worker's
// boot sequence) without affecting other CPUs.
func (s *Scheduler) SetLocalSched(cpu int, enabled bool) {
	s.Lock()
	defer s.Unlock()
	s.localSchedDisabled[cpu] = !enabled
}

func (s *Scheduler) localEnabledLocked(cpu int) bool {
	return !s.localSchedDisabled[cpu]
}

// enqueueLocked places t on its priority's ready queue and marks it Queued. The
// caller must hold the scheduler lock.
func (s *Scheduler) enqueueLocked(t *process.Thread) {
	t.SetState(process.Queued)
	t.QueueNext = 0
	p := clampPriority(t.Priority)
	if s.ready[p] == 0 {
		s.ready[p] = t.TID
	} else {
		if tail, ok := s.threads.Lookup(s.tails[p]); ok {
			tail.QueueNext = t.TID
		}
	}
	s.tails[p] = t.TID
}

// Enqueue is the exported, lock-taking form of enqueueLocked, used by
// callers outside the scheduler (e.g. syscallq unblocking a thread).
func (s *Scheduler) Enqueue(t *process.Thread) {
	s.Lock()
	defer s.Unlock()
	s.enqueueLocked(t)
}

// dequeueLocked pops the highest-priority runnable thread, or nil if every
// queue is empty. The caller must hold the scheduler lock.
func (s *Scheduler) dequeueLocked() *process.Thread {
	for p := NumPriorities - 1; p >= 0; p-- {
		head := s.ready[p]
		if head == 0 {
			continue
		}
		t, ok := s.threads.Lookup(head)
		if !ok {
			s.ready[p] = 0
			continue
		}
		s.ready[p] = t.QueueNext
		if s.ready[p] == 0 {
			s.tails[p] = 0
		}
		t.QueueNext = 0
		return t
	}
	return nil
}

// Schedule picks the next runnable thread for cpu, or nil if nothing is
// runnable or scheduling is disabled for cpu. When it returns non-nil the
// thread's state is Running.
func (s *Scheduler) Schedule(cpu int) *process.Thread {
	s.Lock()
	defer s.Unlock()
	if !s.globalSchedEnabled || !s.localEnabledLocked(cpu) {
		return nil
	}
	t := s.dequeueLocked()
	if t == nil {
		return nil
	}
	t.SetState(process.Running)
	t.TimeSlice = DefaultTimeSlice
	return t
}

// SchedTimeslice decrements the running thread's remaining time slice and
// reports whether it has been exhausted (spec.md §4.4 preemption).
func (s *Scheduler) SchedTimeslice(t *process.Thread) bool {
	s.Lock()
	defer s.Unlock()
	t.TimeSlice--
	return t.TimeSlice <= 0
}

// Preempt moves a Running thread back onto its ready queue
// (RUNNING -> QUEUED transition, spec.md §3).
func (s *Scheduler) Preempt(t *process.Thread) {
	s.Lock()
	defer s.Unlock()
	s.enqueueLocked(t)
}

// Block transitions a Running thread to Blocked; it is not placed on any
// ready queue until Unblock is called.
func (s *Scheduler) Block(t *process.Thread) {
	s.Lock()
	defer s.Unlock()
	t.SetState(process.Blocked)
}

// Unblock transitions a Blocked thread back to Queued and enqueues it
// (BLOCKED -> QUEUED, spec.md §3: "syscall completes with unblock=true").
func (s *Scheduler) Unblock(t *process.Thread) {
	s.Lock()
	defer s.Unlock()
	if t.State() == process.Zombie {
		return
	}
	s.enqueueLocked(t)
}

// Sleep transitions a Running thread to Sleeping.
func (s *Scheduler) Sleep(t *process.Thread) {
	s.Lock()
	defer s.Unlock()
	t.SetState(process.Sleeping)
}

// Wake transitions a Sleeping thread back to Queued.
func (s *Scheduler) Wake(t *process.Thread) {
	s.Lock()
	defer s.Unlock()
	s.enqueueLocked(t)
}

// TerminateThreadSimple marks t ZOMBIE with no reparenting, for call sites
// (the trap-entry path) that have not yet resolved a *process.Table, e.g.
// an out-of-range or null-slot syscall, which spec.md §6 says terminates
// the thread outright.
func (s *Scheduler) TerminateThreadSimple(t *process.Thread) {
	s.Lock()
	defer s.Unlock()
	t.ExitStatus = -1
	t.SetState(process.Zombie)
	s.removeFromReadyLocked(t.TID)
}

// TerminateThread transitions t to Zombie unconditionally, removes it from
// whatever ready queue it might be threaded on. If reparent is true, it also
// hands off its owning process's children to lumen (spec.md §4.3
// terminateThread).
func (s *Scheduler) TerminateThread(t *process.Thread, status int, procs *process.Table, reparent bool) {
	s.Lock()
	t.ExitStatus = status
	t.SetState(process.Zombie)
	s.removeFromReadyLocked(t.TID)
	s.Unlock()

	if reparent {
		procs.Reparent(t.PID, procs.LumenPID())
	}
}

func (s *Scheduler) removeFromReadyLocked(tid process.TID) {
	for p := 0; p < NumPriorities; p++ {
		if s.ready[p] == tid {
			if next, ok := s.threads.Lookup(tid); ok {
				s.ready[p] = next.QueueNext
			} else {
				s.ready[p] = 0
			}
			if s.ready[p] == 0 {
				s.tails[p] = 0
			}
			continue
		}
		prev, ok := s.threads.Lookup(s.ready[p])
		for ok && prev.QueueNext != 0 {
			if prev.QueueNext == tid {
				if victim, ok2 := s.threads.Lookup(tid); ok2 {
					prev.QueueNext = victim.QueueNext
					if prev.QueueNext == 0 {
						s.tails[p] = prev.TID
					}
				}
				break
			}
			prev, ok = s.threads.Lookup(prev.QueueNext)
		}
	}
}

func clampPriority(p int) int {
	if p < 0 {
		return 0
	}
	if p >= NumPriorities {
		return NumPriorities - 1
	}
	return p
}

// KThreadCreate spawns a kernel-owned goroutine running fn, pinned to its
// own OS thread for the lifetime of the call, the same way each hardware
// queue's I/O loop is pinned to a dedicated OS thread. fn is expected to
// call Schedule itself in a dispatch cycle; KThreadCreate only owns the
// OS-thread pinning and panic-to-log boundary.
func KThreadCreate(name string, loop func()) {
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer func() {
			if r := recover(); r != nil {
				logging.Errorf("sched: kernel thread %q panicked: %v", name, r)
			}
		}()
		loop()
	}()
}
