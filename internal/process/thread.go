package process

import (
	"math/bits"
	"sync"

	"github.com/NomadArchitect/lux-os-kernel/internal/config"
	"github.com/NomadArchitect/lux-os-kernel/internal/platform"
)

// TID identifies a thread. TIDs are positive and unique.
type TID uint64

// State is a thread's position in the state machine (spec.md §3).
type State int

const (
	// Running means the thread is currently dispatched on some CPU.
	Running State = iota
	// Queued means the thread is runnable and on a ready queue.
	Queued
	// Blocked means the thread is suspended awaiting a syscall or IPC reply.
	Blocked
	// Sleeping means the thread is suspended until a deadline.
	Sleeping
	// Zombie means the thread has exited and awaits reap.
	Zombie
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Queued:
		return "queued"
	case Blocked:
		return "blocked"
	case Sleeping:
		return "sleeping"
	case Zombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Request is the per-thread embedded SyscallRequest slot (spec.md §3): not
// separately allocated, exactly one per Thread.
type Request struct {
	FuncNo uint64
	Args   [4]uint64
	Ret    uint64

	Queued  bool // on the global FIFO
	Busy    bool // a worker owns it
	Unblock bool // handler has a result ready
	Retry   bool // handler wants it re-enqueued

	// Buf carries the already-copied-in variable-length argument or result
	// a handler needs beyond the four word-sized Args (a bind/connect
	// address, an open path, a read/write payload): the caller fills it
	// before the trap for an input, or sizes it to the desired length for
	// an output, standing in for the copy_from_user/copy_to_user step the
	// platform layer would otherwise perform.
	Buf []byte

	Owner TID
	Next  TID // singly-linked queue pointer; 0 = none
}

// Thread is the kernel's record of a schedulable unit of execution.
type Thread struct {
	mu sync.Mutex

	TID   TID
	PID   PID
	state State

	TimeSlice int
	Priority  int

	Ctx *platform.Context

	HighestUserAddr uint64

	Syscall Request

	// QueueNext is the scheduler's intrusive ready-queue link for this
	// thread (spec.md §3: "queue linkage for the scheduler").
	QueueNext TID

	SignalMask    uint64
	SignalPending uint64

	ExitStatus int
}

// NewThread constructs a Thread bound to pid, initially Queued.
func NewThread(tid TID, pid PID, ctx *platform.Context, priority int) *Thread {
	return &Thread{
		TID:      tid,
		PID:      pid,
		state:    Queued,
		Priority: priority,
		Ctx:      ctx,
	}
}

// State returns the thread's current state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the thread to s. Callers are expected to hold the
// scheduler lock for any transition that touches ready-queue membership;
// this method only updates the field.
func (t *Thread) SetState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// CompareAndSetState transitions the thread from `from` to `to` iff its
// current state is `from`, reporting whether the transition happened. Used
// by the dispatcher to detect a thread that was killed out from under a
// pending syscall (spec.md scenario 5).
func (t *Thread) CompareAndSetState(from, to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != from {
		return false
	}
	t.state = to
	return true
}

// RaiseSignal sets sig pending on t.
func (t *Thread) RaiseSignal(sig uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SignalPending |= 1 << sig
}

// ClearSignal clears sig from the pending set.
func (t *Thread) ClearSignal(sig uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.SignalPending &^= 1 << sig
}

// NextSignal returns the lowest-numbered deliverable signal: one that is
// pending and either unmasked or unmaskable (config.SigKill ignores the
// mask, matching SIGKILL semantics). Returns ok=false if nothing is
// deliverable.
func (t *Thread) NextSignal() (sig uint, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	const unmaskable = uint64(1) << config.SigKill
	deliverable := (t.SignalPending &^ t.SignalMask) | (t.SignalPending & unmaskable)
	if deliverable == 0 {
		return 0, false
	}
	return uint(bits.TrailingZeros64(deliverable)), true
}

// ThreadTable is the thread table, keyed by TID.
type ThreadTable struct {
	mu      sync.Mutex
	threads map[TID]*Thread
	nextTID TID
}

// NewThreadTable creates an empty thread table. TID allocation starts at 1.
func NewThreadTable() *ThreadTable {
	return &ThreadTable{threads: map[TID]*Thread{}, nextTID: 1}
}

// Insert allocates a fresh TID, builds the Thread via newThread, registers
// it, and returns it.
func (tt *ThreadTable) Insert(newThread func(tid TID) *Thread) *Thread {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tid := tt.nextTID
	tt.nextTID++
	th := newThread(tid)
	tt.threads[tid] = th
	return th
}

// Lookup returns the thread for tid, if it exists.
func (tt *ThreadTable) Lookup(tid TID) (*Thread, bool) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	th, ok := tt.threads[tid]
	return th, ok
}

// Remove deletes tid from the table.
func (tt *ThreadTable) Remove(tid TID) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	delete(tt.threads, tid)
}

// Count returns the number of live threads, used to check the invariant
// "the sum of thread states across all threads equals the live thread
// count" (spec.md §3).
func (tt *ThreadTable) Count() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return len(tt.threads)
}

// All returns a snapshot of every thread currently in the table.
func (tt *ThreadTable) All() []*Thread {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	out := make([]*Thread, 0, len(tt.threads))
	for _, th := range tt.threads {
		out = append(out, th)
	}
	return out
}
