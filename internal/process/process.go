// Package process implements the kernel's process and thread tables
// (spec.md §3, §4.3). Every cross-reference between entities is a lookup
// by integer key (PID/TID) rather than a pointer, per Design Notes §9.
package process

import (
	"sync"

	"github.com/NomadArchitect/lux-os-kernel/internal/memory"
)

// PID identifies a process. PIDs are positive and unique.
type PID uint64

// FDSlot is one entry in a process's fixed-size I/O descriptor vector
// (spec.md §3).
type FDSlot struct {
	Valid   bool
	Kind    FDKind
	Flags   uint32
	Payload interface{}
}

// FDKind distinguishes what a descriptor slot actually refers to.
type FDKind int

const (
	FDKindNone FDKind = iota
	FDKindSocket
)

// MaxFDs is the fixed size of a process's descriptor vector.
const MaxFDs = 256

// Process is the kernel's record of a process: identity, credentials, a
// working directory, a descriptor table, and the set of threads it owns.
type Process struct {
	mu sync.Mutex

	PID       PID
	ParentPID PID
	EUID      uint32
	EGID      uint32
	Umask     uint32
	Cwd       string

	Space *memory.AddressSpace

	fds     [MaxFDs]FDSlot
	threads map[TID]struct{}
}

// NewProcess allocates a Process record. It does not register it in any
// table; callers use Table.Insert.
func NewProcess(pid, parent PID, space *memory.AddressSpace) *Process {
	return &Process{
		PID:       pid,
		ParentPID: parent,
		Space:     space,
		Cwd:       "/",
		threads:   map[TID]struct{}{},
	}
}

// AddThread records tid as belonging to this process.
func (p *Process) AddThread(tid TID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads[tid] = struct{}{}
}

// RemoveThread removes tid from this process's thread set.
func (p *Process) RemoveThread(tid TID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.threads, tid)
}

// Threads returns a snapshot of the thread set.
func (p *Process) Threads() []TID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TID, 0, len(p.threads))
	for tid := range p.threads {
		out = append(out, tid)
	}
	return out
}

// AllocFD installs payload into the first free descriptor slot and returns
// its index, or -1 if the table is full.
func (p *Process) AllocFD(kind FDKind, payload interface{}) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.fds {
		if !p.fds[i].Valid {
			p.fds[i] = FDSlot{Valid: true, Kind: kind, Payload: payload}
			return i
		}
	}
	return -1
}

// FD returns a copy of the descriptor slot at index fd.
func (p *Process) FD(fd int) (FDSlot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= MaxFDs || !p.fds[fd].Valid {
		return FDSlot{}, false
	}
	return p.fds[fd], true
}

// CloseFD invalidates a descriptor slot.
func (p *Process) CloseFD(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd >= 0 && fd < MaxFDs {
		p.fds[fd] = FDSlot{}
	}
}

// Table is the process table, keyed by PID.
type Table struct {
	mu      sync.Mutex
	procs   map[PID]*Process
	nextPID PID

	// lumenPID and kernelPID are recorded globally at startup (spec.md
	// §3): one designated process is the user-space router, one owns all
	// kernel threads.
	lumenPID  PID
	kernelPID PID
}

// NewTable creates an empty process table. PID allocation starts at 1
// (PIDs are positive).
func NewTable() *Table {
	return &Table{procs: map[PID]*Process{}, nextPID: 1}
}

// Insert allocates a fresh PID, builds the process with newProc, registers
// it, and returns the new process.
func (t *Table) Insert(newProc func(pid PID) *Process) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	pid := t.nextPID
	t.nextPID++
	p := newProc(pid)
	t.procs[pid] = p
	return p
}

// Lookup returns the process for pid, if it exists.
func (t *Table) Lookup(pid PID) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

// Remove deletes pid from the table (reaping after all threads have become
// zombies and been collected by the parent).
func (t *Table) Remove(pid PID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.procs, pid)
}

// SetKernelPID records the PID owning all kernel threads.
func (t *Table) SetKernelPID(pid PID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kernelPID = pid
}

// KernelPID returns the recorded kernel PID.
func (t *Table) KernelPID() PID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kernelPID
}

// SetLumenPID records the PID of the user-space router.
func (t *Table) SetLumenPID(pid PID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lumenPID = pid
}

// LumenPID returns the recorded lumen PID.
func (t *Table) LumenPID() PID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lumenPID
}

// IsLumenOrChild reports whether pid is lumen itself or a direct child of
// lumen, the only processes allowed to issue general kernel-intrinsic
// requests (spec.md §4.6).
func (t *Table) IsLumenOrChild(pid PID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pid == t.lumenPID {
		return true
	}
	p, ok := t.procs[pid]
	return ok && p.ParentPID == t.lumenPID
}

// Reparent reassigns every live process whose parent is `from` to `to`,
// used when a process with children terminates (spec.md §4.3
// terminateThread "if reparent, children are adopted by lumen").
func (t *Table) Reparent(from, to PID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		if p.ParentPID == from {
			p.ParentPID = to
		}
	}
}
