package socket

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/NomadArchitect/lux-os-kernel/internal/config"
)

func mustSocket(t *testing.T, tbl *Table) *Descriptor {
	t.Helper()
	d, err := tbl.Socket(unix.AF_UNIX, Stream, 0)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	return d
}

func TestRejectsNonUnixDomain(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Socket(unix.AF_INET, Stream, 0); err != ErrUnsupportedAF {
		t.Fatalf("expected ErrUnsupportedAF, got %v", err)
	}
}

func TestBindRejectsDuplicateAddress(t *testing.T) {
	tbl := NewTable()
	a := mustSocket(t, tbl)
	b := mustSocket(t, tbl)

	if err := tbl.Bind(a, "/tmp/x"); err != nil {
		t.Fatalf("Bind a: %v", err)
	}
	if err := tbl.Bind(b, "/tmp/x"); err != ErrAddressInUse {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
}

// Connect/accept pairing (spec.md §4.5 scenario): a blocking connect
// against a listener completes once Accept dequeues it.
func TestConnectAcceptPairs(t *testing.T) {
	tbl := NewTable()
	listener := mustSocket(t, tbl)
	if err := tbl.Bind(listener, "/tmp/srv"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	listener.Listen(4)

	client := mustSocket(t, tbl)

	connectErr := make(chan error, 1)
	go func() {
		connectErr <- tbl.Connect(client, "/tmp/srv")
	}()

	var accepted *Descriptor
	deadline := time.After(2 * time.Second)
	for accepted == nil {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for pending connection")
		default:
		}
		a, err := tbl.Accept(listener)
		if err == ErrWouldBlock {
			continue
		}
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		accepted = a
	}

	if err := <-connectErr; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if accepted == nil {
		t.Fatal("expected a non-nil accepted descriptor")
	}
}

func TestAcceptNonBlockingWouldBlock(t *testing.T) {
	tbl := NewTable()
	listener, err := tbl.Socket(unix.AF_UNIX, Stream, NonBlock)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	listener.Listen(4)

	if _, err := tbl.Accept(listener); err != ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
}

// Message ordering guarantee (spec.md §4.5): sends between a pair are
// delivered in send order.
func TestSendRecvPreservesOrder(t *testing.T) {
	tbl := NewTable()
	listener := mustSocket(t, tbl)
	if err := tbl.Bind(listener, "/tmp/order"); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	listener.Listen(1)

	client := mustSocket(t, tbl)
	go tbl.Connect(client, "/tmp/order")

	var server *Descriptor
	for server == nil {
		a, err := tbl.Accept(listener)
		if err == ErrWouldBlock {
			continue
		}
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		server = a
	}

	if _, err := tbl.Send(client, []byte("first"), 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := tbl.Send(client, []byte("second"), 0); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 5)
	n, err := tbl.Recv(server, buf, 0)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "first" {
		t.Fatalf("got %q, want %q", buf[:n], "first")
	}

	buf2 := make([]byte, 6)
	n2, err := tbl.Recv(server, buf2, 0)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf2[:n2]) != "second" {
		t.Fatalf("got %q, want %q", buf2[:n2], "second")
	}
}

// MSG_PEEK must not consume the message.
func TestRecvPeekDoesNotConsume(t *testing.T) {
	tbl := NewTable()
	listener := mustSocket(t, tbl)
	tbl.Bind(listener, "/tmp/peek")
	listener.Listen(1)
	client := mustSocket(t, tbl)
	go tbl.Connect(client, "/tmp/peek")

	var server *Descriptor
	for server == nil {
		a, err := tbl.Accept(listener)
		if err == ErrWouldBlock {
			continue
		}
		server = a
	}

	tbl.Send(client, []byte("hello"), 0)

	buf := make([]byte, 5)
	tbl.Recv(server, buf, MsgPeek)
	buf2 := make([]byte, 5)
	n, err := tbl.Recv(server, buf2, 0)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf2[:n]) != "hello" {
		t.Fatalf("peek consumed the message: got %q", buf2[:n])
	}
}

// mustPair binds a listener at addr, connects client to it, and returns the
// server-side descriptor accepted for that connection.
func mustPair(t *testing.T, tbl *Table, addr string, client *Descriptor) *Descriptor {
	t.Helper()
	listener := mustSocket(t, tbl)
	if err := tbl.Bind(listener, addr); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	listener.Listen(1)
	go tbl.Connect(client, addr)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for pending connection")
		default:
		}
		a, err := tbl.Accept(listener)
		if err == ErrWouldBlock {
			continue
		}
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		return a
	}
}

// Ring occupancy bound (spec.md §8 "0 <= S.inboundCount <= S.inboundMax"):
// filling the peer's inbound ring to config.DefaultRingDepth and sending
// once more with NONBLOCK must fail with would-block and leave occupancy
// unchanged, rather than growing the ring unboundedly.
func TestSendNonBlockingFailsWhenRingFull(t *testing.T) {
	tbl := NewTable()
	client, err := tbl.Socket(unix.AF_UNIX, Stream, NonBlock)
	if err != nil {
		t.Fatalf("Socket: %v", err)
	}
	server := mustPair(t, tbl, "/tmp/ringfull", client)

	for i := 0; i < config.DefaultRingDepth; i++ {
		if _, err := tbl.Send(client, []byte("x"), 0); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if got := len(server.inbound); got != config.DefaultRingDepth {
		t.Fatalf("inbound occupancy = %d, want %d", got, config.DefaultRingDepth)
	}

	if _, err := tbl.Send(client, []byte("overflow"), 0); err != ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock on full ring, got %v", err)
	}
	if got := len(server.inbound); got != config.DefaultRingDepth {
		t.Fatalf("occupancy changed after a failed send: got %d, want %d", got, config.DefaultRingDepth)
	}
}

// A blocking send against a full ring unblocks once Recv frees a slot.
func TestSendBlocksUntilRingHasSpace(t *testing.T) {
	tbl := NewTable()
	client := mustSocket(t, tbl)
	server := mustPair(t, tbl, "/tmp/ringwait", client)

	for i := 0; i < config.DefaultRingDepth; i++ {
		if _, err := tbl.Send(client, []byte("x"), 0); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	sendDone := make(chan error, 1)
	go func() {
		_, err := tbl.Send(client, []byte("y"), 0)
		sendDone <- err
	}()

	select {
	case <-sendDone:
		t.Fatal("expected send to block while the ring is full")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 1)
	if _, err := tbl.Recv(server, buf, 0); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	select {
	case err := <-sendDone:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for blocked send to complete after Recv freed a slot")
	}
}

func TestCloseFreesOnZeroRefCount(t *testing.T) {
	tbl := NewTable()
	d := mustSocket(t, tbl)
	tbl.Bind(d, "/tmp/closeme")

	tbl.Close(d)
	if _, ok := tbl.Lookup(d.Index); ok {
		t.Fatal("expected descriptor removed from table after close")
	}

	// rebinding the same address should now succeed
	d2 := mustSocket(t, tbl)
	if err := tbl.Bind(d2, "/tmp/closeme"); err != nil {
		t.Fatalf("expected address reusable after close, got %v", err)
	}
}
