package vm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"
	"github.com/zeebo/xxh3"
)

// Logic is the interpreter. It executes one command at a time against the
// MMU, resolving references through the linker and dispatching through
// the command set to the executors.
type Logic struct {
	mmu       *MMU
	linker    *Linker
	cs        *CommandSet
	executors [numExecutorKinds]Executor

	in  *bufio.Reader
	out io.Writer

	// OnInput is called before the input syscall blocks. Replayed input
	// does not trigger it.
	OnInput func()

	journal ioJournal

	decodes uint64
	log     commonlog.Logger
}

// NewLogic creates an interpreter over the given subsystems. Executors
// are indexed by their Kind.
func NewLogic(m *MMU, ln *Linker, cs *CommandSet, executors ...Executor) *Logic {
	l := &Logic{
		mmu:    m,
		linker: ln,
		cs:     cs,
		in:     bufio.NewReader(os.Stdin),
		out:    os.Stdout,
		log:    commonlog.GetLogger("procvm.logic"),
	}
	for _, e := range executors {
		l.executors[e.Kind()] = e
	}
	return l
}

// SetIO redirects the syscall input and output streams.
func (l *Logic) SetIO(in io.Reader, out io.Writer) {
	if in != nil {
		l.in = bufio.NewReader(in)
	}
	if out != nil {
		l.out = out
	}
}

// DecodeCount returns how many times a command has been decoded through
// the command set.
func (l *Logic) DecodeCount() uint64 {
	return l.decodes
}

// MMU returns the memory unit the interpreter runs on.
func (l *Logic) MMU() *MMU {
	return l.mmu
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// ExecuteSingleCommand runs cmd in the current context. The dispatch slot
// is filled on first use and reused while the command set version and
// buffer are unchanged. The instruction pointer advances by one unless
// the command jumped or exited.
func (l *Logic) ExecuteSingleCommand(cmd *Command) error {
	ctx := l.mmu.CurrentContext()
	ctx.Flags &^= FlagWasJump

	if !cmd.cache.valid(l.cs.Version(), ctx.Buffer) {
		if err := l.decode(cmd, ctx.Buffer); err != nil {
			return err
		}
	}

	slot := &cmd.cache
	switch slot.kind {
	case dispatchNative:
		if err := slot.native(l, cmd); err != nil {
			return err
		}
	case dispatchExecutor:
		if slot.handle == 0 {
			break
		}
		if slot.executor != ExecService {
			if err := l.mmu.SelectStack(cmd.Type); err != nil {
				return err
			}
		}
		e := l.executors[slot.executor]
		if e == nil {
			return execf("dispatch", "no %s executor attached", slot.executor)
		}
		if err := e.Execute(l, slot.handle, cmd); err != nil {
			return err
		}
	}

	// call and ret replace the context, so fetch it again.
	ctx = l.mmu.CurrentContext()
	if ctx.Flags&(FlagExit|FlagWasJump) == 0 {
		ctx.IP++
	}
	return nil
}

func (l *Logic) decode(cmd *Command, buf BufferID) error {
	l.decodes++
	t, err := l.cs.Decode(cmd.Opcode)
	if err != nil {
		return err
	}
	slot := dispatchSlot{version: l.cs.Version(), buffer: buf}

	if h := l.cs.GetExecutionHandle(t, ModuleUser); h != 0 {
		slot.kind = dispatchNative
		slot.native = l.cs.NativeHandler(h)
		if slot.native == nil {
			return decodef("dispatch", "override handle %d for %q is dangling", h, t.Mnemonic)
		}
		cmd.cache = slot
		return nil
	}

	kind, err := executorFor(t, cmd.Type)
	if err != nil {
		return err
	}
	slot.kind = dispatchExecutor
	slot.executor = kind
	slot.handle = l.cs.GetExecutionHandle(t, ModuleFor(kind))
	cmd.cache = slot
	return nil
}

func executorFor(t *CommandTraits, typ ValueType) (ExecutorKind, error) {
	if t.Service {
		return ExecService, nil
	}
	switch typ {
	case TypeInteger:
		return ExecInteger, nil
	case TypeFloat:
		if t.IntegerOnly {
			return 0, decodef("dispatch", "%q has no float form", t.Mnemonic)
		}
		return ExecFloat, nil
	}
	return 0, decodef("dispatch", "%q needs a type specifier", t.Mnemonic)
}

// Run interprets from the current instruction pointer until the exit
// flag is set or execution falls off the end of CODE, and returns the
// top of the active stack.
func (l *Logic) Run() (Value, error) {
	for {
		ctx := l.mmu.CurrentContext()
		if ctx.Flags&FlagExit != 0 {
			break
		}
		if ctx.IP == l.mmu.QuerySectionLimits()[SectionCode] {
			ctx.Flags |= FlagExit
			break
		}
		cmd, err := l.mmu.ACommand(ctx.IP)
		if err != nil {
			return Value{}, err
		}
		if err := l.ExecuteSingleCommand(cmd); err != nil {
			return Value{}, fmt.Errorf("at %d (%s): %w", ctx.IP, l.DumpCommand(cmd), err)
		}
	}
	return l.Result(), nil
}

// Result returns the top of the active stack, or an uninitialized value
// when it is empty.
func (l *Logic) Result() Value {
	v, err := l.mmu.Top()
	if err != nil {
		return Value{}
	}
	return v
}

// ---------------------------------------------------------------------------
// Checksum and flags
// ---------------------------------------------------------------------------

// ChecksumState hashes the command set version, the current context,
// every section size and the whole code image with symbolic operands
// resolved. Dispatch caches are not part of the state.
func (l *Logic) ChecksumState() uint64 {
	h := xxh3.New()
	var word [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(word[:], v)
		h.Write(word[:])
	}

	// Overrides change what native code may encode.
	put(l.cs.Version())

	ctx := l.mmu.CurrentContext()
	put(uint64(ctx.Buffer))
	put(ctx.IP)
	put(uint64(ctx.Flags))
	put(uint64(ctx.Depth))
	for _, f := range ctx.Frame {
		put(f)
	}

	limits := l.mmu.QuerySectionLimits()
	for _, n := range limits {
		put(n)
	}

	for ip := uint64(0); ip < limits[SectionCode]; ip++ {
		c, _ := l.mmu.ACommand(ip)
		put(uint64(c.Opcode)<<8 | uint64(c.Type))
		put(uint64(c.Value.Type))
		put(uint64(c.Value.Int))
		put(math.Float64bits(c.Value.Float))
		if c.Ref.IsSymbol {
			put(1)
			put(c.Ref.Symbol)
			// Native jumps are encoded against the resolved target.
			if d, err := l.linker.Resolve(c.Ref); err == nil {
				put(uint64(d.Section))
				put(d.Address)
			} else {
				put(^uint64(0))
			}
		} else {
			put(uint64(c.Ref.Direct.Section) + 2)
			put(c.Ref.Direct.Address)
		}
	}
	return h.Sum64()
}

// Analyze recomputes the zero, negative and invalid-float flags from v.
func (l *Logic) Analyze(v Value) {
	ctx := l.mmu.CurrentContext()
	ctx.Flags &^= FlagZero | FlagNegative | FlagInvalidFP
	switch v.Type {
	case TypeInteger:
		if v.Int == 0 {
			ctx.Flags |= FlagZero
		} else if v.Int < 0 {
			ctx.Flags |= FlagNegative
		}
	case TypeFloat:
		switch {
		case math.IsNaN(v.Float) || math.IsInf(v.Float, 0):
			ctx.Flags |= FlagInvalidFP
		case v.Float == 0:
			ctx.Flags |= FlagZero
		case math.Signbit(v.Float):
			ctx.Flags |= FlagNegative
		}
	}
}

// ---------------------------------------------------------------------------
// Memory access
// ---------------------------------------------------------------------------

// Resolve turns ref into a direct reference through the current symbol
// table.
func (l *Logic) Resolve(ref Reference) (DirectReference, error) {
	return l.linker.Resolve(ref)
}

// Read returns the value ref designates.
func (l *Logic) Read(ref Reference) (Value, error) {
	d, err := l.Resolve(ref)
	if err != nil {
		return Value{}, err
	}
	switch d.Section {
	case SectionCode:
		return Value{}, execf("read", "CODE cannot be read as data (address %d)", d.Address)
	case SectionData:
		p, err := l.mmu.AData(d.Address)
		if err != nil {
			return Value{}, err
		}
		return *p, nil
	case SectionFrame:
		p, err := l.mmu.AStackFrame(int64(d.Address))
		if err != nil {
			return Value{}, err
		}
		return *p, nil
	case SectionFrameBack:
		p, err := l.mmu.AStackFrame(-int64(d.Address))
		if err != nil {
			return Value{}, err
		}
		return *p, nil
	case SectionRegister:
		p, err := l.mmu.ARegister(Register(d.Address))
		if err != nil {
			return Value{}, err
		}
		return *p, nil
	case SectionBytepool:
		p, err := l.mmu.ABytepool(d.Address)
		if err != nil {
			return Value{}, err
		}
		return Int(int64(*p)), nil
	}
	return Value{}, execf("read", "cannot read from %s", d.Section)
}

// Write stores v at ref. CODE is read-only; DATA cells keep their type
// once initialized; BYTEPOOL takes integers truncated to a byte.
func (l *Logic) Write(ref Reference, v Value) error {
	d, err := l.Resolve(ref)
	if err != nil {
		return err
	}
	switch d.Section {
	case SectionCode:
		return execf("write", "CODE is read-only (address %d)", d.Address)
	case SectionData:
		p, err := l.mmu.AData(d.Address)
		if err != nil {
			return err
		}
		if !p.IsNone() && p.Type != v.Type {
			return execf("write", "%s value into %s cell %d", v.Type, p.Type, d.Address)
		}
		*p = v
	case SectionFrame:
		return l.writeFrame(int64(d.Address), v)
	case SectionFrameBack:
		l.log.Warningf("writing into the caller's frame at offset -%d", d.Address)
		return l.writeFrame(-int64(d.Address), v)
	case SectionRegister:
		p, err := l.mmu.ARegister(Register(d.Address))
		if err != nil {
			return err
		}
		*p = v
	case SectionBytepool:
		if v.Type != TypeInteger {
			return execf("write", "%s value into the bytepool", v.Type)
		}
		p, err := l.mmu.ABytepool(d.Address)
		if err != nil {
			return err
		}
		*p = byte(v.Int)
	default:
		return execf("write", "cannot write to %s", d.Section)
	}
	return nil
}

func (l *Logic) writeFrame(offset int64, v Value) error {
	p, err := l.mmu.AStackFrame(offset)
	if err != nil {
		return err
	}
	if p.Type != v.Type {
		return execf("write", "%s value into the %s stack", v.Type, p.Type)
	}
	*p = v
	return nil
}

// UpdateType converts the value at ref to type t. Registers are untyped
// and keep their value.
func (l *Logic) UpdateType(ref Reference, t ValueType) error {
	d, err := l.Resolve(ref)
	if err != nil {
		return err
	}
	switch d.Section {
	case SectionData:
		p, err := l.mmu.AData(d.Address)
		if err != nil {
			return err
		}
		*p = p.Convert(t)
	case SectionRegister:
		if _, err := l.mmu.ARegister(Register(d.Address)); err != nil {
			return err
		}
		l.log.Warningf("register %s is untyped, ctype leaves it unchanged", Register(d.Address))
	case SectionBytepool:
		if t != TypeInteger {
			return execf("ctype", "bytepool cells are integers")
		}
	default:
		return execf("ctype", "cannot change the type of %s cells", d.Section)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Stacks
// ---------------------------------------------------------------------------

// Push pushes v onto the stack of its type.
func (l *Logic) Push(v Value) error {
	if err := l.mmu.SelectStack(v.Type); err != nil {
		return err
	}
	return l.mmu.Push(v)
}

// Pop pops from the stack of type t.
func (l *Logic) Pop(t ValueType) (Value, error) {
	if err := l.mmu.SelectStack(t); err != nil {
		return Value{}, err
	}
	return l.mmu.Pop()
}

// Top peeks at the stack of type t.
func (l *Logic) Top(t ValueType) (Value, error) {
	if err := l.mmu.SelectStack(t); err != nil {
		return Value{}, err
	}
	return l.mmu.Top()
}

// ---------------------------------------------------------------------------
// Syscalls
// ---------------------------------------------------------------------------

// Syscall runs a system call. 0 prints the bytepool string addressed by
// register rf, 1 reads an integer and pushes it. Other indices are
// ignored with a warning.
func (l *Logic) Syscall(index int64) error {
	l.log.Infof("system call %d", index)
	switch index {
	case 0:
		rf, err := l.mmu.ARegister(RegF)
		if err != nil {
			return err
		}
		if rf.Type != TypeInteger {
			return execf("syscall", "register rf holds %s, want a bytepool address", rf.Type)
		}
		s, err := l.bytepoolString(uint64(rf.Int))
		if err != nil {
			return err
		}
		l.log.Noticef("application output: %q", s)
		return l.print(s + "\n")

	case 1:
		if l.OnInput != nil && l.journal.replay == 0 {
			l.OnInput()
		}
		line, err := l.in.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return execf("syscall", "reading input: %v", err)
		}
		l.journal.consumed(line)
		n, err := strconv.ParseInt(strings.TrimSpace(line), 10, 64)
		if err != nil {
			return execf("syscall", "input %q is not an integer", strings.TrimSpace(line))
		}
		return l.Push(Int(n))
	}
	l.log.Warningf("undefined system call %d", index)
	return nil
}

// ---------------------------------------------------------------------------
// Native attempts
// ---------------------------------------------------------------------------

// ioJournal records the syscall I/O of a native attempt. When the attempt
// is discarded the interpreted rerun reads the same input again and does
// not repeat output that was already written.
type ioJournal struct {
	recording bool
	input     bytes.Buffer
	written   int
	replay    int // replayed input bytes not yet read again
	skip      int // output bytes the rerun must not write again
}

func (j *ioJournal) consumed(line string) {
	if j.recording {
		j.input.WriteString(line)
	}
	j.replay = max(j.replay-len(line), 0)
}

// BeginAttempt starts recording syscall I/O for a native run.
func (l *Logic) BeginAttempt() {
	l.journal = ioJournal{recording: true}
}

// CommitAttempt keeps the effects of a successful native run.
func (l *Logic) CommitAttempt() {
	l.journal = ioJournal{}
}

// RewindAttempt prepares an interpreted rerun after a failed native run:
// input read during the attempt is read again, output already written is
// suppressed.
func (l *Logic) RewindAttempt() {
	input := bytes.Clone(l.journal.input.Bytes())
	written := l.journal.written
	if len(input) > 0 {
		l.in = bufio.NewReader(io.MultiReader(bytes.NewReader(input), l.in))
	}
	l.journal = ioJournal{replay: len(input), skip: written}
}

// print writes program output, dropping what a discarded native attempt
// already wrote.
func (l *Logic) print(s string) error {
	j := &l.journal
	if j.skip > 0 {
		n := min(j.skip, len(s))
		j.skip -= n
		s = s[n:]
	}
	if s == "" {
		return nil
	}
	n, err := io.WriteString(l.out, s)
	if j.recording {
		j.written += n
	}
	return err
}

// bytepoolString reads a NUL-terminated string starting at addr.
func (l *Logic) bytepoolString(addr uint64) (string, error) {
	var sb strings.Builder
	for {
		p, err := l.mmu.ABytepool(addr)
		if err != nil {
			return "", err
		}
		if *p == 0 {
			return sb.String(), nil
		}
		sb.WriteByte(*p)
		addr++
	}
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

// DumpCommand renders cmd in assembler syntax.
func (l *Logic) DumpCommand(cmd *Command) string {
	return FormatCommand(l.cs, l.mmu.Symbols(), cmd)
}

// FormatCommand renders cmd in assembler syntax. Symbol operands are
// printed by name when syms knows them.
func FormatCommand(cs *CommandSet, syms SymbolMap, cmd *Command) string {
	t, err := cs.Decode(cmd.Opcode)
	if err != nil {
		return fmt.Sprintf("<opcode %d>", cmd.Opcode)
	}
	s := t.Mnemonic
	if suffix := cmd.Type.Suffix(); suffix != "" && !t.Service {
		s += "." + suffix
	}
	switch t.Arg {
	case ArgValue:
		s += " " + cmd.Value.String()
	case ArgReference:
		if cmd.Ref.IsSymbol {
			if sym, ok := syms[cmd.Ref.Symbol]; ok && sym.Name != "" {
				return s + " " + sym.Name
			}
		}
		s += " " + cmd.Ref.String()
	}
	return s
}
