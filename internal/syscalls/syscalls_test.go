package syscalls

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/NomadArchitect/lux-os-kernel/internal/config"
	"github.com/NomadArchitect/lux-os-kernel/internal/memory"
	"github.com/NomadArchitect/lux-os-kernel/internal/platform"
	"github.com/NomadArchitect/lux-os-kernel/internal/process"
	"github.com/NomadArchitect/lux-os-kernel/internal/sched"
	"github.com/NomadArchitect/lux-os-kernel/internal/server"
	"github.com/NomadArchitect/lux-os-kernel/internal/socket"
)

// fixture builds a Table plus one process/thread pair to issue requests as.
func fixture(t *testing.T) (*Table, *process.Table, *process.Process, *process.Thread) {
	t.Helper()
	phys := memory.NewPhysAllocator(256, 0)
	threads := process.NewThreadTable()
	procs := process.NewTable()
	sockets := socket.NewTable()
	s := sched.New(threads)
	gw := server.New(sockets, s)

	p := procs.Insert(func(pid process.PID) *process.Process {
		return process.NewProcess(pid, 0, memory.NewAddressSpace(phys))
	})
	ctx, err := platform.CreateContext(phys, platform.LevelUser, 0, 0)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	th := threads.Insert(func(tid process.TID) *process.Thread {
		return process.NewThread(tid, p.PID, ctx, config.DefaultPriority)
	})
	p.AddThread(th.TID)

	return New(sockets, procs, gw), procs, p, th
}

func TestHandleSocketAllocatesFD(t *testing.T) {
	sc, _, p, th := fixture(t)

	req := &process.Request{Args: [4]uint64{unix.AF_UNIX, uint64(socket.Stream), 0}}
	sc.handleSocket(th, req)

	if !req.Unblock {
		t.Fatal("expected socket() to be a fast-completing handler")
	}
	if req.Ret == errRet {
		t.Fatal("expected a valid fd, got error return")
	}
	slot, ok := p.FD(int(req.Ret))
	if !ok || slot.Kind != process.FDKindSocket {
		t.Fatal("expected the returned fd to resolve to a socket descriptor")
	}
}

func TestHandleSocketRejectsUnsupportedDomain(t *testing.T) {
	sc, _, _, th := fixture(t)
	req := &process.Request{Args: [4]uint64{unix.AF_INET, uint64(socket.Stream), 0}}
	sc.handleSocket(th, req)
	if req.Ret != errRet {
		t.Fatal("expected AF_INET to fail")
	}
}

// End-to-end: socket -> bind -> listen on one process, socket -> connect on
// another, accept pairs them, then send/recv moves a message (spec.md
// §4.5, exercised the way the client ever sees it: through this package's
// handlers, not socket.Table directly).
func TestSocketLifecycleAndSendRecv(t *testing.T) {
	sc, procs, _, server := fixture(t)

	listenReq := &process.Request{Args: [4]uint64{unix.AF_UNIX, uint64(socket.Stream), 0}}
	sc.handleSocket(server, listenReq)
	listenFD := int(listenReq.Ret)

	bindReq := &process.Request{Args: [4]uint64{uint64(listenFD)}, Buf: []byte("/tmp/syscalls-test")}
	sc.handleBind(server, bindReq)
	if bindReq.Ret == errRet {
		t.Fatal("bind failed")
	}

	listenCallReq := &process.Request{Args: [4]uint64{uint64(listenFD), 4}}
	sc.handleListen(server, listenCallReq)
	if listenCallReq.Ret == errRet {
		t.Fatal("listen failed")
	}

	// Client is a separate thread in the same process table but a fresh
	// process, so it needs its own socket.
	p2 := procs.Insert(func(pid process.PID) *process.Process {
		phys := memory.NewPhysAllocator(256, 0)
		return process.NewProcess(pid, 0, memory.NewAddressSpace(phys))
	})
	ctx, err := platform.CreateContext(memory.NewPhysAllocator(256, 0), platform.LevelUser, 0, 0)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	client := process.NewThread(2, p2.PID, ctx, config.DefaultPriority)

	clientSocketReq := &process.Request{Args: [4]uint64{unix.AF_UNIX, uint64(socket.Stream), 0}}
	sc.handleSocket(client, clientSocketReq)
	clientFD := int(clientSocketReq.Ret)

	connectDone := make(chan struct{})
	go func() {
		connectReq := &process.Request{Args: [4]uint64{uint64(clientFD)}, Buf: []byte("/tmp/syscalls-test")}
		sc.handleConnect(client, connectReq)
		if connectReq.Ret == errRet {
			t.Error("connect failed")
		}
		close(connectDone)
	}()

	var acceptedFD int
	for {
		acceptReq := &process.Request{Args: [4]uint64{uint64(listenFD)}}
		sc.handleAccept(server, acceptReq)
		if acceptReq.Ret != errRet {
			acceptedFD = int(acceptReq.Ret)
			break
		}
	}
	<-connectDone

	sendReq := &process.Request{Args: [4]uint64{uint64(clientFD), 0}, Buf: []byte("hello")}
	sc.handleSend(client, sendReq)
	if sendReq.Ret != 5 {
		t.Fatalf("Send Ret = %d, want 5", sendReq.Ret)
	}

	recvReq := &process.Request{Args: [4]uint64{uint64(acceptedFD), 0}, Buf: make([]byte, 5)}
	sc.handleRecv(server, recvReq)
	if string(recvReq.Buf) != "hello" {
		t.Fatalf("Recv got %q, want %q", recvReq.Buf, "hello")
	}
}

func TestHandleCloseInvalidatesFD(t *testing.T) {
	sc, _, p, th := fixture(t)

	socketReq := &process.Request{Args: [4]uint64{unix.AF_UNIX, uint64(socket.Stream), 0}}
	sc.handleSocket(th, socketReq)
	fd := int(socketReq.Ret)

	closeReq := &process.Request{Args: [4]uint64{uint64(fd)}}
	sc.handleClose(th, closeReq)
	if closeReq.Ret == errRet {
		t.Fatal("close failed")
	}
	if _, ok := p.FD(fd); ok {
		t.Fatal("expected fd slot to be invalidated after close")
	}
}

func TestHandleLseekAlwaysFails(t *testing.T) {
	sc, _, _, th := fixture(t)
	req := &process.Request{}
	sc.handleLseek(th, req)
	if !req.Unblock || req.Ret != errRet {
		t.Fatal("expected lseek on a socket to fail but still unblock")
	}
}

// With no lumen connection established, the queued open handler must fail
// fast (and unblock) rather than leave the thread blocked forever.
func TestHandleOpenFailsWithoutGatewayConnection(t *testing.T) {
	sc, _, _, th := fixture(t)
	th.SetState(process.Blocked)
	req := &process.Request{Buf: []byte("/etc/motd")}
	sc.handleOpen(th, req)
	if !req.Unblock {
		t.Fatal("expected handleOpen to unblock the thread when no lumen connection exists")
	}
	if req.Ret != errRet {
		t.Fatal("expected an error return with no lumen connection")
	}
}
