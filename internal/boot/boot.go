// Package boot implements the kernel's bootstrap sequence and the kernel
// worker's own boot-and-serve loop (spec.md §4.7).
package boot

import (
	"errors"
	"time"

	"github.com/NomadArchitect/lux-os-kernel/internal/config"
	"github.com/NomadArchitect/lux-os-kernel/internal/logging"
	"github.com/NomadArchitect/lux-os-kernel/internal/memory"
	"github.com/NomadArchitect/lux-os-kernel/internal/platform"
	"github.com/NomadArchitect/lux-os-kernel/internal/process"
	"github.com/NomadArchitect/lux-os-kernel/internal/ramdisk"
	"github.com/NomadArchitect/lux-os-kernel/internal/sched"
	"github.com/NomadArchitect/lux-os-kernel/internal/server"
	"github.com/NomadArchitect/lux-os-kernel/internal/socket"
	"github.com/NomadArchitect/lux-os-kernel/internal/syscallq"
	"github.com/NomadArchitect/lux-os-kernel/internal/syscalls"
	"github.com/NomadArchitect/lux-os-kernel/internal/uring"
)

// ErrLumenImageAbsent is returned when the ramdisk's lumen image is missing
// or at/below config.MinLumenImageBytes (spec.md §6: "any size <= 9 bytes
// is treated as absent").
var ErrLumenImageAbsent = errors.New("boot: lumen image absent or too small")

// Kernel holds every subsystem table brought up by Bootstrap, wired
// together the way the boot sequence in spec.md §4.7 describes.
type Kernel struct {
	Phys    *memory.PhysAllocator
	Heap    *memory.Heap
	Threads *process.ThreadTable
	Procs   *process.Table
	Sockets *socket.Table
	Sched   *sched.Scheduler
	Queue   *syscallq.Dispatcher
	Gateway *server.Gateway
	Image   ramdisk.Image

	idleThreshold int
	idlePrimitive uring.Idle

	stop chan struct{}
}

// Bootstrap implements the boot-time sequence of spec.md §4.7 steps 1-4:
// initialise the socket table and scheduler, choose idleThreshold from the
// simulated CPU count, spawn one kernel worker and cpu_count idle threads,
// then enable scheduling.
func Bootstrap(cfg config.Boot, img ramdisk.Image) (*Kernel, error) {
	phys := memory.NewPhysAllocator(cfg.PhysicalPages, 0)

	k := &Kernel{
		Phys:    phys,
		Heap:    memory.NewHeap(phys),
		Threads: process.NewThreadTable(),
		Procs:   process.NewTable(),
		Sockets: socket.NewTable(),
		Image:   img,

		idleThreshold: config.IdleThreshold(cfg.CPUCount),
		idlePrimitive: uring.NewIdle(),
		stop:          make(chan struct{}),
	}
	k.Sched = sched.New(k.Threads)
	k.Queue = syscallq.New(k.Sched, k.Threads)
	k.Gateway = server.New(k.Sockets, k.Sched)
	syscalls.New(k.Sockets, k.Procs, k.Gateway).Register(k.Queue)

	sched.KThreadCreate("kernel-worker", k.kernelWorkerLoop)
	for cpu := 0; cpu < cfg.CPUCount; cpu++ {
		cpu := cpu
		sched.KThreadCreate("idle-worker", func() { k.idleLoop(cpu) })
	}

	k.Sched.SetScheduling(true)
	return k, nil
}

// Stop signals every kernel-worker and idle-thread loop to return at its
// next iteration. It does not wait for them to exit.
func (k *Kernel) Stop() {
	close(k.stop)
}

const bootCPU = 0

// kernelWorkerLoop implements the kernel worker's boot sequence and
// subsequent serverIdle/syscallProcess/platformIdle loop (spec.md §4.7).
func (k *Kernel) kernelWorkerLoop() {
	k.Sched.SetLocalSched(bootCPU, false)
	k.Sched.SetScheduling(false)

	kernelProc := k.Procs.Insert(func(pid process.PID) *process.Process {
		return process.NewProcess(pid, 0, memory.NewAddressSpace(k.Phys))
	})
	k.Procs.SetKernelPID(kernelProc.PID)

	if err := k.Gateway.Init(config.KernelSocketAddr); err != nil {
		logging.Errorf("boot: serverInit failed: %v", err)
		return
	}

	if err := k.loadLumen(kernelProc.PID); err != nil {
		logging.Errorf("boot: failed to launch lumen: %v", err)
		return
	}

	if err := k.Gateway.AcceptLumen(); err != nil {
		logging.Errorf("boot: accepting lumen's connection failed: %v", err)
		return
	}

	k.Sched.SetScheduling(true)
	k.Sched.SetLocalSched(bootCPU, true)

	logging.Infof("boot: lumen running as pid %d, kernel worker pid %d", k.Procs.LumenPID(), kernelProc.PID)

	iterations := 0
	for {
		select {
		case <-k.stop:
			return
		default:
		}

		k.Gateway.Idle(k.Threads)
		k.Queue.Process(k.Procs)

		iterations++
		if iterations%k.idleThreshold == 0 {
			k.idlePrimitive.Wait(time.Millisecond)
		}
	}
}

// loadLumen implements the "read the lumen image from the ramdisk,
// allocate kernel memory for it, execveMemory it into a new process"
// portion of the boot sequence.
func (k *Kernel) loadLumen(kernelPID process.PID) error {
	size, ok := k.Image.Size(config.LumenImageName)
	if !ok || size <= config.MinLumenImageBytes {
		return ErrLumenImageAbsent
	}
	data, err := k.Image.Read(config.LumenImageName)
	if err != nil {
		return err
	}

	handle := k.Heap.Alloc(len(data))
	if handle == 0 {
		return errors.New("boot: out of kernel memory loading lumen")
	}

	lumenProc := k.Procs.Insert(func(pid process.PID) *process.Process {
		return process.NewProcess(pid, kernelPID, memory.NewAddressSpace(k.Phys))
	})

	ctx, err := platform.CreateContext(k.Phys, platform.LevelUser, 0, 0)
	if err != nil {
		return err
	}
	highest, err := platform.SetContext(ctx, 0, 0, []string{"lumen"}, nil)
	if err != nil {
		return err
	}

	th := k.Threads.Insert(func(tid process.TID) *process.Thread {
		return process.NewThread(tid, lumenProc.PID, ctx, config.DefaultPriority)
	})
	th.HighestUserAddr = highest
	lumenProc.AddThread(th.TID)

	k.Procs.SetLumenPID(lumenProc.PID)
	k.Sched.Enqueue(th)
	return nil
}

// idleLoop implements the idle-thread body: drain the syscall queue, and
// call the platform idle primitive whenever it is empty (spec.md §4.7:
// "Idle threads simply drain the syscall queue; if it is empty, they call
// platformIdle").
func (k *Kernel) idleLoop(cpu int) {
	for {
		select {
		case <-k.stop:
			return
		default:
		}

		if !k.Queue.Process(k.Procs) {
			k.idlePrimitive.Wait(time.Millisecond)
		}
	}
}
