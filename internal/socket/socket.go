// Package socket implements the kernel's local (AF_UNIX-family) in-memory
// socket substrate used both by user programs and by the kernel itself to
// talk to the lumen server (spec.md §4.5). Constants are sourced from
// golang.org/x/sys/unix so address-family/type/flag values match real
// AF_UNIX semantics even though the transport never touches the network
// stack.
package socket

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/NomadArchitect/lux-os-kernel/internal/config"
)

// Type is a socket type, aliased from the real unix constants.
type Type int

const (
	Stream    Type = unix.SOCK_STREAM
	Dgram     Type = unix.SOCK_DGRAM
	SeqPacket Type = unix.SOCK_SEQPACKET
)

// Flags mirror unix SOCK_* open flags and MSG_* I/O flags (spec.md §6).
const (
	NonBlock = unix.SOCK_NONBLOCK
	CloExec  = unix.SOCK_CLOEXEC

	MsgPeek    = 0x01
	MsgOOB     = 0x02
	MsgWaitAll = 0x04
)

var (
	ErrAddressInUse    = errors.New("socket: address already in use")
	ErrUnsupportedAF   = errors.New("socket: only AF_UNIX/AF_LOCAL supported")
	ErrWouldBlock      = errors.New("socket: operation would block")
	ErrNotListening    = errors.New("socket: destination is not a listener")
	ErrAlreadyBound    = errors.New("socket: descriptor already bound")
	ErrTableFull       = errors.New("socket: global socket table full")
	ErrBacklogExceeded = errors.New("socket: listen backlog exceeded")
)

// GlobalIndex is a socket's index into the kernel-wide table.
type GlobalIndex uint32

// message is one queued byte buffer on an inbound/outbound ring.
type message struct {
	data []byte
}

// Descriptor is the kernel's record of one socket endpoint (spec.md §3
// SocketDescriptor). Peers, not pointers, reference each other by
// GlobalIndex to avoid a cyclic Go reference (Design Notes §9).
type Descriptor struct {
	mu sync.Mutex

	Index    GlobalIndex
	Type     Type
	Flags    uint32
	Addr     string
	listener bool
	closed   bool
	refCount int

	backlog     []GlobalIndex
	backlogCap  int
	connectWait chan struct{}

	peer  GlobalIndex
	paired bool

	inbound  []message
	notEmpty chan struct{}
	notFull  chan struct{}
}

func newDescriptor(idx GlobalIndex, typ Type, flags uint32) *Descriptor {
	return &Descriptor{
		Index:    idx,
		Type:     typ,
		Flags:    flags,
		refCount: 1,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}
}

// Table is the kernel-wide socket table (spec.md §4.5), capped at
// config.MaxSockets. It is protected by its own lock per spec.md §5
// ("socketLock/socketRelease"); lock order is scheduler -> socket table ->
// descriptor, so callers must never hold a descriptor lock while calling
// into Table.
type Table struct {
	mu      sync.Mutex
	byIndex map[GlobalIndex]*Descriptor
	byAddr  map[string]GlobalIndex
	next    GlobalIndex
}

// NewTable builds an empty socket table.
func NewTable() *Table {
	return &Table{
		byIndex: map[GlobalIndex]*Descriptor{},
		byAddr:  map[string]GlobalIndex{},
		next:    1,
	}
}

// Socket implements socket(t, domain, type, protocol): allocates a
// Descriptor and registers it globally. Only AF_UNIX/AF_LOCAL is accepted.
func (t *Table) Socket(domain int, typ Type, flags uint32) (*Descriptor, error) {
	if domain != unix.AF_UNIX && domain != unix.AF_LOCAL {
		return nil, ErrUnsupportedAF
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.byIndex) >= config.MaxSockets {
		return nil, ErrTableFull
	}
	idx := t.next
	t.next++
	d := newDescriptor(idx, typ, flags)
	t.byIndex[idx] = d
	return d, nil
}

// Lookup returns the descriptor for idx, if it exists.
func (t *Table) Lookup(idx GlobalIndex) (*Descriptor, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.byIndex[idx]
	return d, ok
}

// Bind implements bind(t, fd, addr): copies addr into the descriptor and
// rejects duplicate addresses.
func (t *Table) Bind(d *Descriptor, addr string) error {
	if len(addr) > config.MaxSocketAddrLen {
		addr = addr[:config.MaxSocketAddrLen]
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.byAddr[addr]; dup {
		return ErrAddressInUse
	}
	d.mu.Lock()
	if d.Addr != "" {
		d.mu.Unlock()
		return ErrAlreadyBound
	}
	d.Addr = addr
	d.mu.Unlock()
	t.byAddr[addr] = d.Index
	return nil
}

// Listen implements listen(t, fd, backlog): allocates the backlog array
// (capped by config.DefaultBacklog) and marks the descriptor a listener.
func (d *Descriptor) Listen(backlog int) {
	if backlog > config.DefaultBacklog {
		backlog = config.DefaultBacklog
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listener = true
	d.backlogCap = backlog
	d.connectWait = make(chan struct{}, backlog)
}

// resolvePeer finds the descriptor bound to addr.
func (t *Table) resolvePeer(addr string) (*Descriptor, bool) {
	t.mu.Lock()
	idx, ok := t.byAddr[addr]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	return t.Lookup(idx)
}

// Connect implements connect(t, fd, addr): for a listening peer, appends
// this descriptor to the peer's backlog and blocks until accepted; for a
// bound non-listening peer it fails. If the listener's backlog is already
// full, Connect returns ErrBacklogExceeded at once and does not wait for
// room in the backlog.
func (t *Table) Connect(d *Descriptor, addr string) error {
	peer, ok := t.resolvePeer(addr)
	if !ok {
		return ErrNotListening
	}

	// The pairing-wait channel must exist before d is visible in the
	// backlog, or a fast Accept could pair d and signal before this
	// goroutine ever starts waiting on it.
	d.mu.Lock()
	if d.connectWait == nil {
		d.connectWait = make(chan struct{}, 1)
	}
	paired := d.connectWait
	d.mu.Unlock()

	peer.mu.Lock()
	if !peer.listener {
		peer.mu.Unlock()
		return ErrNotListening
	}
	if len(peer.backlog) >= peer.backlogCap {
		peer.mu.Unlock()
		return ErrBacklogExceeded
	}
	peer.backlog = append(peer.backlog, d.Index)
	wake := peer.connectWait
	peer.mu.Unlock()

	select {
	case wake <- struct{}{}:
	default:
	}

	<-paired
	return nil
}

// Accept implements accept(t, fd, addr): dequeues the first pending peer,
// pairs it with a new Descriptor in this process, and returns the new
// descriptor. If the backlog is empty and the listener is non-blocking it
// fails immediately with ErrWouldBlock.
func (t *Table) Accept(listener *Descriptor) (*Descriptor, error) {
	for {
		listener.mu.Lock()
		if len(listener.backlog) > 0 {
			peerIdx := listener.backlog[0]
			listener.backlog = listener.backlog[1:]
			listener.mu.Unlock()

			peer, ok := t.Lookup(peerIdx)
			if !ok {
				continue
			}

			accepted, err := t.Socket(unix.AF_UNIX, listener.Type, 0)
			if err != nil {
				return nil, err
			}
			accepted.mu.Lock()
			accepted.peer = peer.Index
			accepted.paired = true
			accepted.mu.Unlock()

			peer.mu.Lock()
			peer.peer = accepted.Index
			peer.paired = true
			wake := peer.connectWait
			peer.mu.Unlock()
			if wake != nil {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
			return accepted, nil
		}
		nonBlocking := listener.Flags&NonBlock != 0
		wake := listener.connectWait
		listener.mu.Unlock()

		if nonBlocking {
			return nil, ErrWouldBlock
		}
		if wake == nil {
			return nil, ErrNotListening
		}
		<-wake
	}
}

// peerDescriptor resolves d's connected peer through the table.
func (t *Table) peerDescriptor(d *Descriptor) (*Descriptor, bool) {
	d.mu.Lock()
	idx, ok := d.peer, d.paired
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	return t.Lookup(idx)
}

// Send implements send(t, fd, buf, flags): if the peer's inbound ring is
// at config.DefaultRingDepth occupancy, blocks (unless NONBLOCK, in which
// case it fails with would-block and enqueues nothing) per spec.md §8
// "outbound ring full + NONBLOCK". Otherwise copies buf into a freshly
// allocated message slot on the peer's inbound ring, preserving FIFO order.
func (t *Table) Send(d *Descriptor, buf []byte, flags uint32) (int, error) {
	peer, ok := t.peerDescriptor(d)
	if !ok {
		return 0, ErrNotListening
	}
	nonBlocking := d.Flags&NonBlock != 0 || flags&NonBlock != 0
	for {
		peer.mu.Lock()
		if len(peer.inbound) < config.DefaultRingDepth {
			cp := append([]byte(nil), buf...)
			peer.inbound = append(peer.inbound, message{data: cp})
			notEmpty := peer.notEmpty
			peer.mu.Unlock()
			select {
			case notEmpty <- struct{}{}:
			default:
			}
			return len(buf), nil
		}
		notFull := peer.notFull
		peer.mu.Unlock()
		if nonBlocking {
			return 0, ErrWouldBlock
		}
		<-notFull
	}
}

// Recv implements recv(t, fd, buf, flags): dequeues the head message and
// copies up to len(buf) bytes. MSG_PEEK copies without dequeuing.
// MSG_WAITALL keeps reading until len(buf) bytes have been produced.
func (t *Table) Recv(d *Descriptor, buf []byte, flags uint32) (int, error) {
	waitAll := flags&MsgWaitAll != 0
	peek := flags&MsgPeek != 0

	total := 0
	for total < len(buf) {
		d.mu.Lock()
		if len(d.inbound) == 0 {
			nonBlocking := d.Flags&NonBlock != 0 || flags&NonBlock != 0
			notEmpty := d.notEmpty
			d.mu.Unlock()
			if nonBlocking && total == 0 {
				return 0, ErrWouldBlock
			}
			if total > 0 && !waitAll {
				return total, nil
			}
			<-notEmpty
			continue
		}
		msg := &d.inbound[0]
		n := copy(buf[total:], msg.data)
		total += n
		dequeued := false
		if !peek {
			msg.data = msg.data[n:]
			if len(msg.data) == 0 {
				d.inbound = d.inbound[1:]
				dequeued = true
			}
		}
		notFull := d.notFull
		d.mu.Unlock()
		if dequeued {
			select {
			case notFull <- struct{}{}:
			default:
			}
		}
		if !waitAll {
			return total, nil
		}
		if peek {
			break
		}
	}
	return total, nil
}

// Close implements closeSocket: decrements refCount; on zero, frees
// buffers and unregisters the descriptor.
func (t *Table) Close(d *Descriptor) {
	d.mu.Lock()
	d.refCount--
	shouldFree := d.refCount <= 0
	addr := d.Addr
	if shouldFree {
		d.closed = true
		d.inbound = nil
		d.backlog = nil
	}
	d.mu.Unlock()
	if !shouldFree {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byIndex, d.Index)
	if addr != "" {
		delete(t.byAddr, addr)
	}
}

// Dup increments d's refCount, modeling a second fd referring to the same
// descriptor (e.g. after fork).
func (d *Descriptor) Dup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refCount++
}
