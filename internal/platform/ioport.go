package platform

import "github.com/NomadArchitect/lux-os-kernel/internal/config"

// IOPortBitmap is the per-thread I/O-port permission bitmap (8 KiB,
// spec.md §4.1). A thread with no ports allowed is the default; most
// threads never touch it.
type IOPortBitmap [config.PlatformIOBitmapBytes]byte

// Allow grants access to one I/O port.
func (b *IOPortBitmap) Allow(port uint16) {
	b[port/8] |= 1 << (port % 8)
}

// Deny revokes access to one I/O port (the default state).
func (b *IOPortBitmap) Deny(port uint16) {
	b[port/8] &^= 1 << (port % 8)
}

// Allowed reports whether port is currently accessible.
func (b *IOPortBitmap) Allowed(port uint16) bool {
	return b[port/8]&(1<<(port%8)) != 0
}

// CopyInto copies b into dst, as the context-switch path does when
// installing the incoming thread's bitmap into the per-CPU task state.
func (b *IOPortBitmap) CopyInto(dst *IOPortBitmap) {
	copy(dst[:], b[:])
}

// CPUInfo is the per-CPU state the platform layer keeps: the CPU's ID and
// the task-state bitmap currently installed (spec.md §5 KernelCPUInfo). It
// does not record the dispatched thread or process.
type CPUInfo struct {
	ID uint32

	CurrentBitmap IOPortBitmap
	bitmapLoaded  bool
}

// LoadBitmap installs incoming's bitmap into the per-CPU task state, but
// only if either the outgoing or incoming thread has non-default
// permissions (spec.md §4.1: "On context switch, if either the old or new
// thread had non-default permissions, copy the new bitmap").
func (c *CPUInfo) LoadBitmap(outgoing, incoming *Context) {
	outgoingNonDefault := outgoing != nil && outgoing.IOBitmapSet
	incomingNonDefault := incoming != nil && incoming.IOBitmapSet
	if !outgoingNonDefault && !incomingNonDefault {
		return
	}
	if incoming == nil {
		return
	}
	incoming.IOBitmap.CopyInto(&c.CurrentBitmap)
	c.bitmapLoaded = true
}
