package platform

import (
	"errors"

	"github.com/NomadArchitect/lux-os-kernel/internal/config"
	"github.com/NomadArchitect/lux-os-kernel/internal/memory"
)

// Level distinguishes a kernel-level context (own stack, no user mappings)
// from a user-level one (stack/entry installed later by SetContext).
type Level int

const (
	LevelKernel Level = iota
	LevelUser
)

// FlagInterruptEnable is the saved-flags bit createContext seeds so a
// newly dispatched thread runs with interrupts enabled.
const FlagInterruptEnable uint64 = 1 << 9

// Context is the opaque platform-specific thread state: register file,
// address-space root, and I/O-port bitmap (spec.md §4.1 glossary).
// Everything outside this package treats it as an opaque blob and only
// ever holds a *Context.
type Context struct {
	IP     uint64
	SP     uint64
	Flags  uint64
	Arg    [4]uint64
	Ret    uint64
	FuncNo uint64

	Space *memory.AddressSpace

	IOBitmap    IOPortBitmap
	IOBitmapSet bool // true once any port has been made accessible

	kernelStack []byte
	level       Level
}

var (
	// ErrNoVirtualSpace surfaces allocation failures from SetContext.
	ErrNoVirtualSpace = errors.New("platform: no virtual space for context")
	// ErrOutOfMemory surfaces physical exhaustion from CloneContext.
	ErrOutOfMemory = errors.New("platform: out of physical memory")
)

// CreateContext zeroes ctx, seeds IP with entry and the first argument
// register with arg, enables interrupts in the saved flags, and clones the
// kernel-half page table into a fresh address space. For LevelKernel it
// additionally allocates a fixed-size stack and points SP at its top; for
// LevelUser the stack and final entry point are left for SetContext.
func CreateContext(phys *memory.PhysAllocator, level Level, entry, arg uint64) (*Context, error) {
	ctx := &Context{
		IP:    entry,
		Flags: FlagInterruptEnable,
		Space: memory.NewAddressSpace(phys),
		level: level,
	}
	ctx.Arg[0] = arg

	if level == LevelKernel {
		ctx.kernelStack = make([]byte, config.ThreadStackBytes)
		ctx.SP = uint64(len(ctx.kernelStack))
	}

	return ctx, nil
}

// SetContext lays out a user thread's argv/envp and stack above `highest`
// (page-aligned, with a guard page), loads their addresses into the first
// two argument registers, and installs a stack. It returns the new
// `highest` watermark for future heap growth (sbrk).
func SetContext(ctx *Context, entry, highest uint64, argv, envp []string) (uint64, error) {
	watermark := alignUp(highest, memory.PageSize) + memory.PageSize // guard page

	argvBase, newHigh, err := layoutStrings(ctx, watermark, argv)
	if err != nil {
		return 0, err
	}
	watermark = newHigh

	envpBase, newHigh, err := layoutStrings(ctx, watermark, envp)
	if err != nil {
		return 0, err
	}
	watermark = newHigh

	const stackPages = 8
	stackBase, err := ctx.Space.Allocate(watermark, memory.UserSpaceLimit, stackPages+1, memory.FlagUser|memory.FlagWrite)
	if err != nil {
		return 0, ErrNoVirtualSpace
	}
	watermark = stackBase + uint64(stackPages+1)*memory.PageSize

	ctx.IP = entry
	ctx.Arg[0] = argvBase
	ctx.Arg[1] = envpBase
	ctx.SP = stackBase + uint64(stackPages)*memory.PageSize // top of stack, below guard page
	ctx.Space.SetHighest(watermark)

	return watermark, nil
}

// layoutStrings allocates one page per string above `from`, and returns the
// base address of the (simulated) pointer array plus the new watermark.
func layoutStrings(ctx *Context, from uint64, strs []string) (uint64, uint64, error) {
	watermark := from
	for range strs {
		if _, err := ctx.Space.Allocate(watermark, memory.UserSpaceLimit, 1, memory.FlagUser|memory.FlagWrite); err != nil {
			return 0, 0, ErrNoVirtualSpace
		}
		watermark += memory.PageSize
	}
	// the null-terminated pointer array itself gets one more page
	arrayBase := watermark
	if _, err := ctx.Space.Allocate(watermark, memory.UserSpaceLimit, 1, memory.FlagUser|memory.FlagWrite); err != nil {
		return 0, 0, ErrNoVirtualSpace
	}
	watermark += memory.PageSize
	return arrayBase, watermark, nil
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// CloneContext byte-copies the register file and deep-clones the parent's
// low-half address space into a fresh one whose high half still aliases
// the kernel.
func CloneContext(parent *Context) (*Context, error) {
	space, err := parent.Space.Clone()
	if err != nil {
		return nil, ErrOutOfMemory
	}
	child := *parent
	child.Space = space
	child.kernelStack = nil
	if parent.level == LevelKernel {
		child.kernelStack = append([]byte(nil), parent.kernelStack...)
	}
	return &child, nil
}

// SaveContext copies the trapped register state from trapFrame into dest,
// as the trap handler does on syscall/interrupt entry.
func SaveContext(dest *Context, trapFrame *Context) {
	ip, sp, flags, arg, ret, fn := trapFrame.IP, trapFrame.SP, trapFrame.Flags, trapFrame.Arg, trapFrame.Ret, trapFrame.FuncNo
	dest.IP, dest.SP, dest.Flags, dest.Arg, dest.Ret, dest.FuncNo = ip, sp, flags, arg, ret, fn
}

// SetContextReturn writes the syscall return register.
func SetContextReturn(ctx *Context, value uint64) {
	ctx.Ret = value
}

// UseContext switches only the address-space root to ctx. In this
// simulation "switching" has no observable side effect beyond making
// ctx.Space the one subsequent handler code reads/writes against; callers
// pass ctx.Space explicitly rather than relying on hidden global state.
func UseContext(ctx *Context) *memory.AddressSpace {
	return ctx.Space
}

// CreateSyscallContext extracts the function number from the call-number
// register and up to four parameters from the argument registers of a
// saved context. The caller (syscallq) uses these to populate the
// thread's embedded SyscallRequest and clears its own busy/retry flags.
func CreateSyscallContext(ctx *Context) (funcNo uint64, args [4]uint64) {
	return ctx.FuncNo, ctx.Arg
}

// CleanThread walks the low-half page table, frees every backing physical
// page and table entry, then frees the root itself.
func CleanThread(ctx *Context) {
	if ctx.Space == nil {
		return
	}
	ctx.Space.CleanThread()
	ctx.Space = nil
}
