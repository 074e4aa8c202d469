package vm

import (
	"fmt"
	"math"

	"github.com/tliron/commonlog"

	"github.com/chazu/procvm/vm/x86"
)

// Native frame layout in 64-bit words. Generated code addresses the
// frame through RDI; the integer stack starts at word frameHeader.
const (
	frameSP = iota
	frameStatus
	frameIP
	frameRet
	frameCap
	frameHeader = 8
)

// Native exit status written to frame[frameStatus].
const (
	statusExit    = 0
	statusCallout = 1
	statusFault   = 2
)

// CodeView is the part of the engine the backend compiles from.
type CodeView interface {
	CodeLen() uint64
	Command(ip uint64) (*Command, error)
	Traits(op Opcode) (*CommandTraits, error)
	Overridden(t *CommandTraits) bool
	Resolve(ref Reference) (DirectReference, error)
}

// Callout carries interpreter state across the trampoline. On entry IP
// is the command to execute and Stack the native integer stack; the
// callback leaves the next IP, the remaining stack and the exit state.
type Callout struct {
	IP    uint64
	Stack []int64
	Exit  bool
}

// Callback executes one command on behalf of native code and returns the
// value it popped from the active stack, if there was one.
type Callback func(c *Callout) (ret int64, ok bool, err error)

// Backend compiles code images into native images cached by checksum.
type Backend interface {
	CompileBuffer(view CodeView, checksum uint64, cb Callback) error
	ImageIsOK(checksum uint64) bool
	GetImage(checksum uint64) (*NativeImage, bool)
	Flush()
	Stats() BackendStats
}

// BackendStats reports cache contents.
type BackendStats struct {
	Images   int
	Commands int // natively encoded commands across all images
	Callouts int // trampoline sites across all images
	Bytes    int
}

// ---------------------------------------------------------------------------
// NativeImage
// ---------------------------------------------------------------------------

// NativeImage is one compiled code image with its executable mapping and
// the callback its trampolines return to.
type NativeImage struct {
	Checksum uint64

	mem      *execMemory
	entries  []uint32 // code offset per ip, plus one past the last command
	callback Callback
	commands int
	callouts int
	size     int
}

// Run executes the image from ip with the given integer stack. capacity
// bounds the native stack. The returned Callout holds the final stack and
// the ip execution stopped at.
func (img *NativeImage) Run(ip uint64, stack []int64, capacity int) (*Callout, error) {
	if len(stack) > capacity {
		return nil, &BackendError{Op: "run", Msg: fmt.Sprintf("stack of %d slots exceeds native capacity %d", len(stack), capacity)}
	}
	frame := make([]uint64, frameHeader+capacity)
	frame[frameCap] = uint64(capacity)
	load := func(words []int64) {
		frame[frameSP] = uint64(len(words))
		for i, w := range words {
			frame[frameHeader+i] = uint64(w)
		}
	}
	unload := func() []int64 {
		sp := frame[frameSP]
		out := make([]int64, sp)
		for i := range out {
			out[i] = int64(frame[frameHeader+i])
		}
		return out
	}

	end := uint64(len(img.entries) - 1)
	load(stack)
	c := &Callout{}
	for {
		if ip > end {
			return nil, &BackendError{Op: "run", Msg: fmt.Sprintf("entry %d outside the image", ip)}
		}
		frame[frameStatus] = statusFault
		enterNative(img.mem, img.entries[ip], frame)

		c.IP = frame[frameIP]
		switch frame[frameStatus] {
		case statusExit:
			c.Stack, c.Exit = unload(), true
			return c, nil
		case statusCallout:
			c.Stack = unload()
			if c.IP == end {
				c.Exit = true
				return c, nil
			}
			ret, ok, err := img.callback(c)
			if err != nil {
				return nil, &BackendError{Op: "callout", Msg: fmt.Sprintf("command %d", frame[frameIP]), Err: err}
			}
			if ok {
				c.Stack = append(c.Stack, ret)
			}
			if c.Exit {
				return c, nil
			}
			if len(c.Stack) > capacity {
				return nil, &BackendError{Op: "callout", Msg: "native stack overflow"}
			}
			load(c.Stack)
			ip = c.IP
		default:
			return nil, &BackendError{Op: "run", Msg: fmt.Sprintf("stack fault at command %d", c.IP)}
		}
	}
}

// ---------------------------------------------------------------------------
// X86Backend
// ---------------------------------------------------------------------------

// X86Backend compiles whole code images to x86-64. Commands without a
// native encoder become trampolines back into the interpreter. The cache
// is a plain map and assumes a single thread.
type X86Backend struct {
	cache map[uint64]*NativeImage
	log   commonlog.Logger
}

// NewX86Backend creates a backend with an empty cache.
func NewX86Backend() *X86Backend {
	return &X86Backend{
		cache: make(map[uint64]*NativeImage),
		log:   commonlog.GetLogger("procvm.jit"),
	}
}

// CompileBuffer compiles the code image under checksum. It does nothing
// when the checksum is already cached.
func (b *X86Backend) CompileBuffer(view CodeView, checksum uint64, cb Callback) error {
	if _, ok := b.cache[checksum]; ok {
		return nil
	}
	if cb == nil {
		return &BackendError{Op: "compile", Msg: "no callback for trampolines"}
	}
	code, entries, stats, err := compileImage(view)
	if err != nil {
		return &BackendError{Op: "compile", Msg: "encoding failed", Err: err}
	}

	mem, err := newExecMemory(len(code))
	if err != nil {
		return &BackendError{Op: "compile", Msg: "mapping executable memory", Err: err}
	}
	if err := mem.Write(code); err != nil {
		mem.Release()
		return &BackendError{Op: "compile", Msg: "writing code", Err: err}
	}
	if err := mem.Seal(); err != nil {
		mem.Release()
		return &BackendError{Op: "compile", Msg: "sealing code", Err: err}
	}

	b.cache[checksum] = &NativeImage{
		Checksum: checksum,
		mem:      mem,
		entries:  entries,
		callback: cb,
		commands: stats.Commands,
		callouts: stats.Callouts,
		size:     len(code),
	}
	b.log.Infof("compiled image %016x: %d native commands, %d callouts, %d bytes",
		checksum, stats.Commands, stats.Callouts, len(code))
	return nil
}

// ImageIsOK reports whether an image is cached under checksum.
func (b *X86Backend) ImageIsOK(checksum uint64) bool {
	_, ok := b.cache[checksum]
	return ok
}

// GetImage returns the image cached under checksum.
func (b *X86Backend) GetImage(checksum uint64) (*NativeImage, bool) {
	img, ok := b.cache[checksum]
	return img, ok
}

// Flush unmaps and forgets every image.
func (b *X86Backend) Flush() {
	for k, img := range b.cache {
		if err := img.mem.Release(); err != nil {
			b.log.Warningf("releasing image %016x: %s", k, err)
		}
		delete(b.cache, k)
	}
}

// Stats reports the cache contents.
func (b *X86Backend) Stats() BackendStats {
	var s BackendStats
	for _, img := range b.cache {
		s.Images++
		s.Commands += img.commands
		s.Callouts += img.callouts
		s.Bytes += img.size
	}
	return s
}

// ---------------------------------------------------------------------------
// Code generation
// ---------------------------------------------------------------------------

// compileImage emits one block per command, a trailing callout for the
// end of CODE and a shared fault stub.
func compileImage(view CodeView) ([]byte, []uint32, BackendStats, error) {
	var stats BackendStats
	n := view.CodeLen()
	if n >= math.MaxInt32 {
		return nil, nil, stats, fmt.Errorf("code image of %d commands is too large", n)
	}

	a := x86.New()
	labels := make([]x86.Label, n+1)
	for i := range labels {
		labels[i] = a.NewLabel()
	}
	g := &codegen{a: a, labels: labels, fault: a.NewLabel(), view: view}

	for ip := uint64(0); ip < n; ip++ {
		a.Bind(labels[ip])
		cmd, err := view.Command(ip)
		if err != nil {
			return nil, nil, stats, err
		}
		t, err := view.Traits(cmd.Opcode)
		if err != nil {
			return nil, nil, stats, err
		}
		if !view.Overridden(t) && g.native(ip, cmd, t) {
			stats.Commands++
		} else {
			g.exit(statusCallout, ip)
			stats.Callouts++
		}
	}
	a.Bind(labels[n])
	g.exit(statusCallout, n)

	a.Bind(g.fault)
	a.MovMemImm32(x86.Ptr(x86.RDI, 8*frameStatus), statusFault)
	a.Ret()

	code, err := a.Bytes()
	if err != nil {
		return nil, nil, stats, err
	}
	entries := make([]uint32, n+1)
	for i, l := range labels {
		entries[i] = uint32(a.Offset(l))
	}
	return code, entries, stats, nil
}

type codegen struct {
	a      *x86.Assembler
	labels []x86.Label
	fault  x86.Label
	view   CodeView
}

var (
	spSlot  = x86.Ptr(x86.RDI, 8*frameSP)
	ipSlot  = x86.Ptr(x86.RDI, 8*frameIP)
	capSlot = x86.Ptr(x86.RDI, 8*frameCap)
)

// stackSlot addresses the k-th slot below the stack pointer held in RSI:
// k=0 is the next free slot, k=1 the top.
func stackSlot(k int32) x86.Mem {
	return x86.Indexed(x86.RDI, x86.RSI, 8, 8*frameHeader-8*k)
}

// exit stores status and ip in the frame and returns to the gate.
func (g *codegen) exit(status int32, ip uint64) {
	g.a.MovMemImm32(x86.Ptr(x86.RDI, 8*frameStatus), status)
	g.a.MovMemImm32(ipSlot, int32(ip))
	g.a.Ret()
}

// enter loads the stack pointer and requires at least need slots and,
// when grow is set, one free slot.
func (g *codegen) enter(ip uint64, need int32, grow bool) {
	g.a.MovMemImm32(ipSlot, int32(ip))
	g.a.MovRegMem(x86.RSI, spSlot)
	if need > 0 {
		g.a.AluRegImm(x86.CMP, x86.RSI, need)
		g.a.Jcc(x86.CondB, g.fault)
	}
	if grow {
		g.a.AluRegMem(x86.CMP, x86.RSI, capSlot)
		g.a.Jcc(x86.CondAE, g.fault)
	}
}

func (g *codegen) adjust(delta int32) {
	g.a.AluRegImm(x86.ADD, x86.RSI, delta)
	g.a.MovMemReg(spSlot, x86.RSI)
}

var nativeALU = map[Opcode]x86.AluOp{
	OpAdd: x86.ADD,
	OpSub: x86.SUB,
	OpAnd: x86.AND,
	OpOr:  x86.OR,
	OpXor: x86.XOR,
}

// native emits cmd and reports whether it has a native encoding. Typed
// commands are encoded only in their integer form.
func (g *codegen) native(ip uint64, cmd *Command, t *CommandTraits) bool {
	if !t.Service && cmd.Type != TypeInteger {
		return false
	}
	a := g.a
	switch cmd.Opcode {
	case OpNop:
	case OpPush:
		g.enter(ip, 0, true)
		a.MovRegImm64(x86.RAX, uint64(cmd.Value.Convert(TypeInteger).Int))
		a.MovMemReg(stackSlot(0), x86.RAX)
		g.adjust(1)
	case OpPop:
		g.enter(ip, 1, false)
		g.adjust(-1)
	case OpDup:
		g.enter(ip, 1, true)
		a.MovRegMem(x86.RAX, stackSlot(1))
		a.MovMemReg(stackSlot(0), x86.RAX)
		g.adjust(1)
	case OpAdd, OpSub, OpAnd, OpOr, OpXor, OpMul:
		g.enter(ip, 2, false)
		a.MovRegMem(x86.R8, stackSlot(2))
		a.MovRegMem(x86.R9, stackSlot(1))
		if cmd.Opcode == OpMul {
			a.IMulRegReg(x86.R8, x86.R9)
		} else {
			a.AluRegReg(nativeALU[cmd.Opcode], x86.R8, x86.R9)
		}
		a.MovMemReg(stackSlot(2), x86.R8)
		g.adjust(-1)
	case OpNeg:
		g.enter(ip, 1, false)
		a.MovRegMem(x86.RAX, stackSlot(1))
		a.NegReg(x86.RAX)
		a.MovMemReg(stackSlot(1), x86.RAX)
	case OpJmp:
		d, err := g.view.Resolve(cmd.Ref)
		if err != nil || d.Section != SectionCode || d.Address >= uint64(len(g.labels)) {
			return false
		}
		a.Jmp(g.labels[d.Address])
	case OpQuit:
		g.exit(statusExit, ip)
	default:
		return false
	}
	return true
}
