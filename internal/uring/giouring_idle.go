//go:build iouring_idle

package uring

import (
	"sync"
	"time"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

func syscallTimespec(d time.Duration) unix.Timespec {
	return unix.NsecToTimespec(d.Nanoseconds())
}

// giouringIdle backs Idle with a real io_uring instance: waiting parks the
// worker on a single-entry timeout SQE instead of a Go timer, so an idle
// kernel worker genuinely yields to the scheduler between submissions
// rather than spinning a runtime goroutine timer. Wake submits a no-op SQE
// to force the ring to return early from WaitCQE.
type giouringIdle struct {
	mu   sync.Mutex
	ring *giouring.Ring
}

func newGiouringIdle() Idle {
	ring, err := giouring.CreateRing(8)
	if err != nil {
		// Fall back rather than fail kernel boot over a missing io_uring
		// feature on the host running the simulation.
		return newChanIdle()
	}
	return &giouringIdle{ring: ring}
}

func newIdle() Idle {
	return newGiouringIdle()
}

func (g *giouringIdle) Wait(timeout time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	sqe := g.ring.GetSQE()
	if sqe == nil {
		return
	}
	ts := syscallTimespec(timeout)
	sqe.PrepareTimeout(&ts, 0, 0)

	if _, err := g.ring.SubmitAndWait(1); err != nil {
		return
	}
	cqe, err := g.ring.WaitCQE()
	if err != nil {
		return
	}
	g.ring.CQESeen(cqe)
	Sfence()
}

func (g *giouringIdle) Wake() {
	g.mu.Lock()
	defer g.mu.Unlock()

	sqe := g.ring.GetSQE()
	if sqe == nil {
		return
	}
	sqe.PrepareNop()
	g.ring.Submit()
}

func (g *giouringIdle) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ring.QueueExit()
	return nil
}
