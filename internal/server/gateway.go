// Package server implements the kernel's server gateway: the single
// well-known listening socket exposed to lumen and the pending-request
// table that matches replies back to the thread that issued them
// (spec.md §4.6).
package server

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/NomadArchitect/lux-os-kernel/internal/platform"
	"github.com/NomadArchitect/lux-os-kernel/internal/process"
	"github.com/NomadArchitect/lux-os-kernel/internal/sched"
	"github.com/NomadArchitect/lux-os-kernel/internal/serverproto"
	"github.com/NomadArchitect/lux-os-kernel/internal/socket"
	"github.com/NomadArchitect/lux-os-kernel/internal/syscallq"
)

// RequestID identifies one in-flight request to a server.
type RequestID uint64

// Gateway is the kernel's server-facing endpoint: a listening socket for
// lumen plus whatever connections have been established to other
// servers, and the table matching pending request IDs to the threads
// that issued them.
type Gateway struct {
	sockets *socket.Table
	sched   *sched.Scheduler

	mu      sync.Mutex
	nextID  RequestID
	pending map[RequestID]process.TID

	// kernelSocket is the well-known listening socket bound under the
	// kernel PID that lumen connects back to during boot.
	kernelSocket *socket.Descriptor

	// lumenConn is sd=0: the accepted connection to lumen, paired with
	// kernelSocket once lumen has connected (spec.md §4.7 boot sequence).
	// Requests and replies flow over this descriptor, not the listener.
	lumenConn *socket.Descriptor

	// connections maps a non-zero sd (as seen by requestServer callers) to
	// an established socket descriptor to a specific server.
	connections map[int]*socket.Descriptor
}

// New builds an uninitialized Gateway; call Init to bind the kernel socket.
func New(sockets *socket.Table, s *sched.Scheduler) *Gateway {
	return &Gateway{
		sockets:     sockets,
		sched:       s,
		pending:     map[RequestID]process.TID{},
		connections: map[int]*socket.Descriptor{},
		nextID:      1,
	}
}

// Init implements serverInit: creates and binds the well-known listening
// socket under the kernel PID.
func (g *Gateway) Init(kernelSocketAddr string) error {
	d, err := g.sockets.Socket(unix.AF_UNIX, socket.SeqPacket, 0)
	if err != nil {
		return err
	}
	if err := g.sockets.Bind(d, kernelSocketAddr); err != nil {
		return err
	}
	d.Listen(1)
	g.kernelSocket = d
	return nil
}

// KernelSocket returns the bound gateway listening socket.
func (g *Gateway) KernelSocket() *socket.Descriptor {
	return g.kernelSocket
}

// AcceptLumen blocks until lumen connects to the kernel socket, pairs the
// connection, and records it as sd=0's destination. The boot sequence
// calls this once, after execveMemory-ing lumen (spec.md §4.7).
func (g *Gateway) AcceptLumen() error {
	conn, err := g.sockets.Accept(g.kernelSocket)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.lumenConn = conn
	g.mu.Unlock()
	return nil
}

// Connect registers an established connection to a specific server under
// sd, for use by requestServer with a non-zero destination.
func (g *Gateway) Connect(sd int, d *socket.Descriptor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.connections[sd] = d
}

func (g *Gateway) destination(sd int) *socket.Descriptor {
	if sd == 0 {
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.lumenConn
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connections[sd]
}

// ErrNotLumen is returned when a thread outside lumen or its immediate
// children tries to direct a general kernel-intrinsic request at sd=0
// (spec.md §4.6: "only lumen and its immediate children may direct
// general requests at the kernel; all others are dropped").
var ErrNotLumen = errors.New("server: only lumen or its children may address the kernel")

// Request implements requestServer(thread, sd, command): marks the
// calling thread BLOCKED, records the request id, marshals and sends the
// command, and returns without unblocking (spec.md §4.6).
func (g *Gateway) Request(th *process.Thread, sd int, hdr serverproto.MessageHeader, payload []byte, procs *process.Table) error {
	if sd == 0 && !procs.IsLumenOrChild(th.PID) {
		return ErrNotLumen
	}
	dest := g.destination(sd)
	if dest == nil {
		return socket.ErrNotListening
	}

	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.pending[id] = th.TID
	g.mu.Unlock()

	hdr.ID = uint64(id)
	hdr.Response = 0
	hdr.Length = uint16(serverproto.HeaderSize + len(payload))

	th.Syscall.Unblock = false
	g.sched.Block(th)

	msg := append(hdr.Marshal(), payload...)
	_, err := g.sockets.Send(dest, msg, 0)
	return err
}

// Idle implements serverIdle, run by the kernel worker: polls the gateway
// socket for completed replies, writes the server's status into the
// original thread's SyscallRequest, and re-enqueues it via the scheduler.
// It returns the number of replies processed.
func (g *Gateway) Idle(threads *process.ThreadTable) int {
	g.mu.Lock()
	conn := g.lumenConn
	g.mu.Unlock()
	if conn == nil {
		return 0
	}
	processed := 0
	for {
		buf := syscallq.GetBuffer(4096)
		n, err := g.sockets.Recv(conn, buf, socket.NonBlock)
		if err != nil {
			syscallq.PutBuffer(buf)
			break
		}
		var hdr serverproto.MessageHeader
		if err := hdr.Unmarshal(buf[:n]); err != nil {
			syscallq.PutBuffer(buf)
			continue
		}
		if hdr.Response != 1 {
			syscallq.PutBuffer(buf)
			continue
		}

		g.mu.Lock()
		tid, ok := g.pending[RequestID(hdr.ID)]
		if ok {
			delete(g.pending, RequestID(hdr.ID))
		}
		g.mu.Unlock()
		if !ok {
			syscallq.PutBuffer(buf)
			continue
		}

		th, ok := threads.Lookup(tid)
		if !ok {
			syscallq.PutBuffer(buf)
			continue
		}

		var status serverproto.StatusReply
		if status.Unmarshal(buf[serverproto.HeaderSize:n]) == nil {
			th.Syscall.Ret = uint64(status.Status)
		}
		th.Syscall.Unblock = true
		platform.SetContextReturn(th.Ctx, th.Syscall.Ret)
		g.sched.Unblock(th)
		processed++
		syscallq.PutBuffer(buf)
	}
	return processed
}
