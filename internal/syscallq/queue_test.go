package syscallq

import (
	"testing"

	"github.com/NomadArchitect/lux-os-kernel/internal/config"
	"github.com/NomadArchitect/lux-os-kernel/internal/memory"
	"github.com/NomadArchitect/lux-os-kernel/internal/platform"
	"github.com/NomadArchitect/lux-os-kernel/internal/process"
	"github.com/NomadArchitect/lux-os-kernel/internal/sched"
)

func newFixture(t *testing.T) (*Dispatcher, *sched.Scheduler, *process.ThreadTable, *process.Thread) {
	t.Helper()
	phys := memory.NewPhysAllocator(256, 0)
	ctx, err := platform.CreateContext(phys, platform.LevelUser, 0, 0)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	tt := process.NewThreadTable()
	th := tt.Insert(func(tid process.TID) *process.Thread {
		return process.NewThread(tid, 1, ctx, 0)
	})
	s := sched.New(tt)
	s.SetScheduling(true)
	d := New(s, tt)
	return d, s, tt, th
}

func TestClassifyRanges(t *testing.T) {
	cases := []struct {
		fn   uint64
		want Class
	}{
		{config.IPCStart, ClassFastPath},
		{config.IPCEnd, ClassFastPath},
		{config.RWStart, ClassFastPath},
		{config.RWEnd, ClassFastPath},
		{config.LseekFunc, ClassFastPath},
		{config.IPCEnd + 1, ClassQueued},
		{config.MaxFuncNo + 1, ClassInvalid},
	}
	for _, c := range cases {
		if got := Classify(c.fn); got != c.want {
			t.Errorf("Classify(%#x) = %v, want %v", c.fn, got, c.want)
		}
	}
}

// Fast-path IPC scenario (spec.md §8 scenario 2): handler runs inline,
// sets unblock, thread stays RUNNING, nothing is appended to the FIFO.
func TestHandleFastPathUnblocksInline(t *testing.T) {
	d, _, _, th := newFixture(t)
	d.Register(config.IPCStart, func(th *process.Thread, req *process.Request) {
		req.Ret = 42
		req.Unblock = true
	})

	th.SetState(process.Running)
	trap := &platform.Context{FuncNo: config.IPCStart}
	d.Handle(th, trap)

	if th.State() != process.Running {
		t.Fatalf("expected thread to stay Running, got %v", th.State())
	}
	if th.Ctx.Ret != 42 {
		t.Fatalf("Ctx.Ret = %d, want 42", th.Ctx.Ret)
	}
	if d.fifoHead != 0 {
		t.Fatal("fast-path unblock must not touch the global FIFO")
	}
}

// Queued-open scenario (spec.md §8 scenario 3): request appended to FIFO,
// thread BLOCKED, then serviced by Process and unblocked.
func TestHandleQueuedThenProcessUnblocks(t *testing.T) {
	d, s, _, th := newFixture(t)
	const openFn = 0x5000
	d.Register(openFn, func(th *process.Thread, req *process.Request) {
		req.Ret = 7
		req.Unblock = true
	})

	th.SetState(process.Running)
	trap := &platform.Context{FuncNo: openFn}
	d.Handle(th, trap)

	if th.State() != process.Blocked {
		t.Fatalf("expected Blocked after queuing, got %v", th.State())
	}
	if d.fifoHead != th.TID {
		t.Fatal("expected thread queued on global FIFO")
	}

	procs := process.NewTable()
	if !d.Process(procs) {
		t.Fatal("expected Process to service the queued request")
	}
	if th.State() != process.Queued {
		t.Fatalf("expected Queued after unblock, got %v", th.State())
	}
	if th.Ctx.Ret != 7 {
		t.Fatalf("Ctx.Ret = %d, want 7", th.Ctx.Ret)
	}

	got := s.Schedule(0)
	if got == nil || got.TID != th.TID {
		t.Fatal("expected unblocked thread to become schedulable")
	}
}

func TestProcessEmptyQueueReturnsFalse(t *testing.T) {
	d, _, _, _ := newFixture(t)
	if d.Process(process.NewTable()) {
		t.Fatal("expected false on an empty queue")
	}
}

// A killed thread's queued request must be dropped rather than serviced
// (spec.md §5 "a terminated thread's BLOCKED syscall is abandoned").
func TestProcessDropsKilledThreadRequest(t *testing.T) {
	d, _, _, th := newFixture(t)
	const fn = 0x5000
	called := false
	d.Register(fn, func(th *process.Thread, req *process.Request) { called = true })

	th.SetState(process.Running)
	d.Handle(th, &platform.Context{FuncNo: fn})
	th.SetState(process.Zombie) // killed while queued

	if !d.Process(process.NewTable()) {
		t.Fatal("expected Process to report it handled (dropped) the entry")
	}
	if called {
		t.Fatal("handler must not run for a killed thread's request")
	}
}

func TestHandleInvalidFuncTerminates(t *testing.T) {
	d, _, _, th := newFixture(t)
	th.SetState(process.Running)
	d.Handle(th, &platform.Context{FuncNo: config.MaxFuncNo + 1})
	if th.State() != process.Zombie {
		t.Fatalf("expected out-of-range function to terminate thread, got %v", th.State())
	}
}

func TestHandleMissingHandlerFastPathTerminates(t *testing.T) {
	d, _, _, th := newFixture(t)
	th.SetState(process.Running)
	d.Handle(th, &platform.Context{FuncNo: config.IPCStart})
	if th.State() != process.Zombie {
		t.Fatalf("expected missing fast-path handler to terminate thread, got %v", th.State())
	}
}

// A pending SigKill must terminate the thread before the real handler ever
// runs (spec.md §4.4 "if the thread is now ZOMBIE, give up").
func TestProcessSignalHandleDeliversSigKill(t *testing.T) {
	d, _, _, th := newFixture(t)
	const fn = 0x5000
	called := false
	d.Register(fn, func(th *process.Thread, req *process.Request) { called = true })

	th.SetState(process.Running)
	d.Handle(th, &platform.Context{FuncNo: fn})
	th.RaiseSignal(config.SigKill)

	if !d.Process(process.NewTable()) {
		t.Fatal("expected Process to report it handled the entry")
	}
	if called {
		t.Fatal("handler must not run once a fatal signal is delivered")
	}
	if th.State() != process.Zombie {
		t.Fatalf("expected thread terminated by SigKill, got %v", th.State())
	}
}

// A non-fatal pending signal defers the real handler and re-enqueues the
// request rather than running it this cycle (spec.md §9 "signal delivery
// interleaving").
func TestProcessSignalHandleDefersOnNonFatalSignal(t *testing.T) {
	d, _, _, th := newFixture(t)
	const fn = 0x5000
	calls := 0
	d.Register(fn, func(th *process.Thread, req *process.Request) {
		calls++
		req.Ret = 1
		req.Unblock = true
	})

	th.SetState(process.Running)
	d.Handle(th, &platform.Context{FuncNo: fn})
	th.RaiseSignal(config.SigTerm)

	if !d.Process(process.NewTable()) {
		t.Fatal("expected Process to report it handled the entry")
	}
	if calls != 0 {
		t.Fatal("handler must not run in the same cycle a signal is delivered")
	}
	if th.State() != process.Blocked {
		t.Fatalf("expected thread to remain Blocked pending retry, got %v", th.State())
	}
	if d.fifoHead != th.TID {
		t.Fatal("expected the request to be re-enqueued after signal delivery")
	}

	// Next pass: no signal pending, handler actually runs.
	if !d.Process(process.NewTable()) {
		t.Fatal("expected second Process call to service the retried request")
	}
	if calls != 1 {
		t.Fatalf("expected handler to run exactly once on retry, got %d calls", calls)
	}
	if th.State() != process.Queued {
		t.Fatalf("expected Queued after unblock, got %v", th.State())
	}
}

// A masked signal (other than SigKill) is not delivered.
func TestNextSignalRespectsMask(t *testing.T) {
	_, _, _, th := newFixture(t)
	th.SignalMask = 1 << config.SigTerm
	th.RaiseSignal(config.SigTerm)
	if _, ok := th.NextSignal(); ok {
		t.Fatal("expected masked signal to be undeliverable")
	}
	th.RaiseSignal(config.SigKill)
	sig, ok := th.NextSignal()
	if !ok || sig != config.SigKill {
		t.Fatal("expected SigKill to bypass the mask")
	}
}
