// Package syscallq implements the system-call trap entry, fast-path vs
// queued classification, and the kernel-worker dispatch loop (spec.md
// §4.4).
package syscallq

import (
	"sync"

	"github.com/NomadArchitect/lux-os-kernel/internal/config"
	"github.com/NomadArchitect/lux-os-kernel/internal/logging"
	"github.com/NomadArchitect/lux-os-kernel/internal/platform"
	"github.com/NomadArchitect/lux-os-kernel/internal/process"
	"github.com/NomadArchitect/lux-os-kernel/internal/sched"
)

// Handler services one SyscallRequest. It may read the requester's memory
// (the dispatcher has already switched into its address space for queued
// calls; fast-path handlers run in whatever context the caller is in) and
// must set req.Ret and, if the result is ready immediately, req.Unblock.
type Handler func(th *process.Thread, req *process.Request)

// Class is the fast-path/queued/invalid classification of a function
// number (spec.md §6).
type Class int

const (
	ClassQueued Class = iota
	ClassFastPath
	ClassInvalid
)

// Classify buckets a function number per spec.md §6's ranges.
func Classify(funcNo uint64) Class {
	switch {
	case funcNo > config.MaxFuncNo:
		return ClassInvalid
	case funcNo >= config.IPCStart && funcNo <= config.IPCEnd:
		return ClassFastPath
	case funcNo >= config.RWStart && funcNo <= config.RWEnd:
		return ClassFastPath
	case funcNo == config.LseekFunc:
		return ClassFastPath
	default:
		return ClassQueued
	}
}

// Dispatcher owns the dispatch table and the single global FIFO of queued
// requests (spec.md §4.4: "a singly-linked list whose head pointer is
// protected by the scheduler lock"). FIFO mutations and the Blocked state
// transition they pair with are both performed under sched.Lock/Unlock, not
// a dispatcher-private mutex, so a request is never visible on the FIFO
// before its thread is actually Blocked (spec.md §5: "the syscall queue,
// ready queues, and per-CPU dispatched-thread pointers share one coarse
// lock"). The handler table uses its own mutex since it has no ordering
// dependency on thread state.
type Dispatcher struct {
	sched   *sched.Scheduler
	threads *process.ThreadTable

	mu       sync.Mutex
	handlers map[uint64]Handler

	// fifoHead/fifoTail are guarded by sched.Lock/Unlock, not mu.
	fifoHead process.TID
	fifoTail process.TID
}

// New builds a Dispatcher bound to s and threads.
func New(s *sched.Scheduler, threads *process.ThreadTable) *Dispatcher {
	return &Dispatcher{
		sched:    s,
		threads:  threads,
		handlers: map[uint64]Handler{},
	}
}

// Register installs the handler for funcNo, overwriting any previous one.
func (d *Dispatcher) Register(funcNo uint64, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[funcNo] = h
}

func (d *Dispatcher) handlerFor(funcNo uint64) (Handler, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handlers[funcNo]
	return h, ok
}

// enqueueFIFO appends th onto the global FIFO tail. Caller must hold
// d.sched's lock.
func (d *Dispatcher) enqueueFIFO(th *process.Thread) {
	th.Syscall.Next = 0
	th.Syscall.Queued = true
	if d.fifoHead == 0 {
		d.fifoHead = th.TID
	} else if tail, ok := d.threads.Lookup(d.fifoTail); ok {
		tail.Syscall.Next = th.TID
	}
	d.fifoTail = th.TID
}

// dequeueFIFO pops the head of the global FIFO, or nil if empty. Caller
// must hold d.sched's lock.
func (d *Dispatcher) dequeueFIFO() *process.Thread {
	if d.fifoHead == 0 {
		return nil
	}
	th, ok := d.threads.Lookup(d.fifoHead)
	if !ok {
		d.fifoHead = 0
		d.fifoTail = 0
		return nil
	}
	d.fifoHead = th.Syscall.Next
	if d.fifoHead == 0 {
		d.fifoTail = 0
	}
	th.Syscall.Next = 0
	th.Syscall.Queued = false
	return th
}

// Handle implements syscallHandle(trap_frame) (spec.md §4.4): it never
// returns a value the caller acts on beyond whether the thread stayed
// RUNNING. Its "does not return" control flow means the dispatch loop
// that owns the CPU is expected to call schedule() next regardless of
// this function's outcome.
func (d *Dispatcher) Handle(th *process.Thread, trapFrame *platform.Context) {
	platform.SaveContext(th.Ctx, trapFrame)

	funcNo, args := platform.CreateSyscallContext(th.Ctx)
	th.Syscall.FuncNo = funcNo
	th.Syscall.Args = args
	th.Syscall.Busy = false
	th.Syscall.Retry = false

	switch Classify(funcNo) {
	case ClassFastPath:
		h, ok := d.handlerFor(funcNo)
		if !ok {
			d.sched.TerminateThreadSimple(th)
			return
		}
		th.Syscall.Unblock = false
		h(th, &th.Syscall)
		if th.Syscall.Unblock {
			platform.SetContextReturn(th.Ctx, th.Syscall.Ret)
			th.SetState(process.Running)
			return
		}
		d.sched.Block(th)
	case ClassQueued:
		d.sched.Lock()
		d.enqueueFIFO(th)
		th.SetState(process.Blocked)
		d.sched.Unlock()
	case ClassInvalid:
		d.sched.TerminateThreadSimple(th)
	}
}

// signalHandle implements signalHandle(thread) (spec.md §4.4, §9 "Signal
// delivery interleaving"): deliver at most one pending signal before the
// dispatch handler runs, the single check point signals are ever observed
// at. config.SigKill terminates the thread outright and reports true so the
// caller gives up on the request. Any other deliverable signal marks the
// request for retry (th.Syscall.Retry) so the caller re-enqueues it rather
// than invoking the handler this cycle.
func (d *Dispatcher) signalHandle(th *process.Thread, procs *process.Table) (terminated bool) {
	sig, ok := th.NextSignal()
	if !ok {
		return false
	}
	th.ClearSignal(sig)
	if sig == config.SigKill {
		d.sched.TerminateThread(th, -1, procs, true)
		return true
	}
	th.Syscall.Retry = true
	return false
}

// Process implements syscallProcess() (spec.md §4.4), run by kernel worker
// threads. It reports whether it actually serviced a request, so the
// caller knows whether to fall through to a platform idle.
func (d *Dispatcher) Process(procs *process.Table) bool {
	d.sched.Lock()
	th := d.dequeueFIFO()
	var killed bool
	if th != nil {
		killed = th.State() != process.Blocked
	}
	d.sched.Unlock()
	if th == nil {
		return false
	}

	th.Syscall.Busy = true
	th.Syscall.Retry = false

	if killed {
		// Killed or otherwise moved on while queued; drop the request.
		return true
	}

	funcNo := th.Syscall.FuncNo
	if funcNo > config.MaxFuncNo {
		logging.Warnf("syscallq: function number %#x out of range for tid %d", funcNo, th.TID)
		d.sched.TerminateThread(th, -1, procs, true)
		return true
	}
	h, ok := d.handlerFor(funcNo)
	if !ok {
		logging.Warnf("syscallq: no handler for function %#x, tid %d", funcNo, th.TID)
		d.sched.TerminateThread(th, -1, procs, true)
		return true
	}

	if d.signalHandle(th, procs) {
		// A fatal signal was delivered; the thread is now ZOMBIE.
		return true
	}
	if th.Syscall.Retry {
		// A non-fatal signal was delivered; defer the real handler and let
		// this request be retried the next time it is dequeued.
		th.Syscall.Busy = false
		d.sched.Lock()
		d.enqueueFIFO(th)
		d.sched.Unlock()
		return true
	}

	platform.UseContext(th.Ctx)
	th.Syscall.Unblock = false
	h(th, &th.Syscall)
	platform.SetContextReturn(th.Ctx, th.Syscall.Ret)

	if th.Syscall.Unblock {
		th.Syscall.Busy = false
		d.sched.Unblock(th)
	} else if th.Syscall.Retry {
		th.Syscall.Busy = false
		d.sched.Lock()
		d.enqueueFIFO(th)
		d.sched.Unlock()
	}
	// else: handler is responsible for re-enqueuing later (async I/O).

	return true
}
