package vm

import (
	"fmt"
	"strings"

	"github.com/tliron/commonlog"
)

// BufferID identifies a context buffer. Buffer 0 is the base buffer and
// is never released.
type BufferID uint32

// Flags are the CPU-like condition and control bits of a context.
type Flags uint8

const (
	FlagZero Flags = 1 << iota
	FlagNegative
	FlagInvalidFP
	FlagExit
	FlagWasJump
)

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	var parts []string
	for _, b := range []struct {
		f    Flags
		name string
	}{
		{FlagZero, "Z"}, {FlagNegative, "N"}, {FlagInvalidFP, "I"},
		{FlagExit, "X"}, {FlagWasJump, "J"},
	} {
		if f&b.f != 0 {
			parts = append(parts, b.name)
		}
	}
	return strings.Join(parts, "|")
}

// Context is the live view of execution: the buffer it runs in, the
// instruction pointer, flags, call depth and the frame base of each
// logical stack.
type Context struct {
	Buffer BufferID
	IP     uint64
	Flags  Flags
	Depth  uint32
	Frame  [numStacks]uint64
}

// buffer is one isolated address space.
type buffer struct {
	code      []Command
	data      []Value
	bytepool  []byte
	symbols   SymbolMap
	registers [NumRegisters]Value
	stacks    [numStacks][]Value
	active    ValueType
}

func newBuffer() *buffer {
	return &buffer{symbols: SymbolMap{}, active: TypeInteger}
}

// ---------------------------------------------------------------------------
// MMU
// ---------------------------------------------------------------------------

// MMU owns every context buffer, the current context and the stack of
// saved contexts. Exactly one context is current at any time.
type MMU struct {
	cfg     Config
	buffers []*buffer // nil marks a free slot
	ctx     Context
	saved   []Context
	log     commonlog.Logger
}

// NewMMU creates an MMU holding only the base buffer.
func NewMMU(cfg Config) *MMU {
	m := &MMU{
		cfg: cfg.normalize(),
		log: commonlog.GetLogger("procvm.mmu"),
	}
	m.ResetEverything()
	return m
}

func (m *MMU) buf(op string, id BufferID) (*buffer, error) {
	if int(id) >= len(m.buffers) || m.buffers[id] == nil {
		return nil, structuralf(op, "no context buffer %d", id)
	}
	return m.buffers[id], nil
}

// cur returns the current buffer, which is always allocated.
func (m *MMU) cur() *buffer {
	return m.buffers[m.ctx.Buffer]
}

// referenced reports whether any live or saved context runs in id.
func (m *MMU) referenced(id BufferID) bool {
	if m.ctx.Buffer == id {
		return true
	}
	for _, c := range m.saved {
		if c.Buffer == id {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Buffers and the context stack
// ---------------------------------------------------------------------------

// AllocateContextBuffer creates an empty buffer without switching to it.
func (m *MMU) AllocateContextBuffer() (BufferID, error) {
	for i := 1; i < len(m.buffers); i++ {
		if m.buffers[i] == nil {
			m.buffers[i] = newBuffer()
			m.log.Debugf("allocated context buffer %d", i)
			return BufferID(i), nil
		}
	}
	if len(m.buffers) >= m.cfg.MaxBuffers {
		return 0, structuralf("allocate", "all %d context buffers are in use", m.cfg.MaxBuffers)
	}
	m.buffers = append(m.buffers, newBuffer())
	id := BufferID(len(m.buffers) - 1)
	m.log.Debugf("allocated context buffer %d", id)
	return id, nil
}

// SwitchToContextBuffer saves the current context and enters a fresh
// context in buffer id.
func (m *MMU) SwitchToContextBuffer(id BufferID) error {
	if _, err := m.buf("switch", id); err != nil {
		return err
	}
	m.saved = append(m.saved, m.ctx)
	m.ctx = Context{Buffer: id}
	m.log.Debugf("switched to buffer %d, %d saved contexts", id, len(m.saved))
	return nil
}

// RestoreCurrentContext pops the saved context. The buffer being left is
// released when nothing refers to it any more, unless it is buffer 0.
func (m *MMU) RestoreCurrentContext() error {
	if len(m.saved) == 0 {
		return structuralf("restore", "context stack is empty")
	}
	leaving := m.ctx.Buffer
	m.ctx = m.saved[len(m.saved)-1]
	m.saved = m.saved[:len(m.saved)-1]

	if leaving != 0 && !m.referenced(leaving) {
		m.buffers[leaving] = nil
		m.log.Debugf("released context buffer %d", leaving)
	}
	return nil
}

// SetTemporaryContext enters buffer id without touching the context
// stack. The returned function restores the previous context and never
// releases a buffer.
func (m *MMU) SetTemporaryContext(id BufferID) (func(), error) {
	if _, err := m.buf("temporary context", id); err != nil {
		return nil, err
	}
	prev := m.ctx
	depth := len(m.saved)
	m.ctx = Context{Buffer: id}
	return func() {
		if len(m.saved) > depth {
			m.saved = m.saved[:depth]
		}
		m.ctx = prev
	}, nil
}

// WithTemporaryContext runs fn inside buffer id and restores the previous
// context on every exit path.
func (m *MMU) WithTemporaryContext(id BufferID, fn func() error) error {
	restore, err := m.SetTemporaryContext(id)
	if err != nil {
		return err
	}
	defer restore()
	return fn()
}

// ReleaseContextBuffer frees a buffer that no context refers to.
func (m *MMU) ReleaseContextBuffer(id BufferID) error {
	if id == 0 {
		return structuralf("release", "the base buffer cannot be released")
	}
	if _, err := m.buf("release", id); err != nil {
		return err
	}
	if m.referenced(id) {
		return structuralf("release", "context buffer %d is in use", id)
	}
	m.buffers[id] = nil
	m.log.Debugf("released context buffer %d", id)
	return nil
}

// ResetContextBuffer empties a buffer. When it is current, the context
// is rewound as well.
func (m *MMU) ResetContextBuffer(id BufferID) error {
	b, err := m.buf("reset", id)
	if err != nil {
		return err
	}
	*b = *newBuffer()
	if m.ctx.Buffer == id {
		m.ctx = Context{Buffer: id}
	}
	return nil
}

// ResetEverything drops every buffer and saved context and starts over
// with an empty base buffer.
func (m *MMU) ResetEverything() {
	m.buffers = []*buffer{newBuffer()}
	m.saved = nil
	m.ctx = Context{}
}

// ClearContextStack drops all saved contexts, releasing buffers only they
// referred to.
func (m *MMU) ClearContextStack() {
	saved := m.saved
	m.saved = nil
	for _, c := range saved {
		if c.Buffer != 0 && !m.referenced(c.Buffer) && m.buffers[c.Buffer] != nil {
			m.buffers[c.Buffer] = nil
			m.log.Debugf("released context buffer %d", c.Buffer)
		}
	}
}

// Rewind resets the current context to the start of its buffer and
// empties its stacks.
func (m *MMU) Rewind() {
	b := m.cur()
	for i := range b.stacks {
		b.stacks[i] = b.stacks[i][:0]
	}
	b.active = TypeInteger
	m.ctx = Context{Buffer: m.ctx.Buffer}
}

// CurrentContext returns the live context.
func (m *MMU) CurrentContext() *Context {
	return &m.ctx
}

// ContextDepth returns the number of saved contexts.
func (m *MMU) ContextDepth() int {
	return len(m.saved)
}

// Buffers returns the ids of all allocated buffers.
func (m *MMU) Buffers() []BufferID {
	var ids []BufferID
	for i, b := range m.buffers {
		if b != nil {
			ids = append(ids, BufferID(i))
		}
	}
	return ids
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// Call saves the current context and enters a frame at target in the same
// buffer. The new frame starts at the current size of each stack.
func (m *MMU) Call(target uint64) error {
	if m.ctx.Depth >= uint32(m.cfg.CallDepth) {
		return execf("call", "call depth limit %d exceeded", m.cfg.CallDepth)
	}
	b := m.cur()
	next := m.ctx
	next.IP = target
	next.Depth++
	next.Flags |= FlagWasJump
	for i := range b.stacks {
		next.Frame[i] = uint64(len(b.stacks[i]))
	}
	m.saved = append(m.saved, m.ctx)
	m.ctx = next
	return nil
}

// Return leaves the frame entered by Call and continues after the call
// site.
func (m *MMU) Return() error {
	if len(m.saved) == 0 || m.ctx.Depth == 0 {
		return execf("ret", "return without a matching call")
	}
	if err := m.RestoreCurrentContext(); err != nil {
		return err
	}
	m.ctx.IP++
	m.ctx.Flags |= FlagWasJump
	return nil
}

// ---------------------------------------------------------------------------
// Sections
// ---------------------------------------------------------------------------

// AppendSection appends count records to a section of the current buffer.
// records must be []Command for CODE, []Value for DATA and []byte for
// BYTEPOOL.
func (m *MMU) AppendSection(s Section, records any, count int) error {
	if s.IsVirtual() {
		return structuralf("append", "cannot append to virtual section %s", s)
	}
	b := m.cur()
	var n int
	switch s {
	case SectionCode:
		cmds, ok := records.([]Command)
		if !ok {
			return structuralf("append", "code records must be commands, got %T", records)
		}
		n = len(cmds)
		if n == count {
			for _, c := range cmds {
				c.Invalidate()
				b.code = append(b.code, c)
			}
		}
	case SectionData:
		vals, ok := records.([]Value)
		if !ok {
			return structuralf("append", "data records must be values, got %T", records)
		}
		n = len(vals)
		if n == count {
			b.data = append(b.data, vals...)
		}
	case SectionBytepool:
		bs, ok := records.([]byte)
		if !ok {
			return structuralf("append", "bytepool records must be bytes, got %T", records)
		}
		n = len(bs)
		if n == count {
			b.bytepool = append(b.bytepool, bs...)
		}
	default:
		return structuralf("append", "section %s is not appendable", s)
	}
	if n != count {
		return structuralf("append", "%s: %d records supplied, header says %d", s, n, count)
	}
	return nil
}

// QuerySectionLimits returns the current size of every section. FRAME is
// the number of slots above the active stack's frame base and FRAME_BACK
// the number below it.
func (m *MMU) QuerySectionLimits() Limits {
	b := m.cur()
	var l Limits
	l[SectionCode] = uint64(len(b.code))
	l[SectionData] = uint64(len(b.data))
	l[SectionBytepool] = uint64(len(b.bytepool))
	l[SectionRegister] = uint64(NumRegisters)
	l[SectionSymbolMap] = uint64(len(b.symbols))

	idx, _ := b.active.stackIndex()
	size, base := uint64(len(b.stacks[idx])), m.ctx.Frame[idx]
	if size > base {
		l[SectionFrame] = size - base
	}
	l[SectionFrameBack] = base
	return l
}

// QueryLimits stores the section sizes in out.
func (m *MMU) QueryLimits(out *Limits) {
	*out = m.QuerySectionLimits()
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// ACommand returns the command at ip.
func (m *MMU) ACommand(ip uint64) (*Command, error) {
	b := m.cur()
	if ip >= uint64(len(b.code)) {
		return nil, structuralf("code", "address %d out of range (size %d)", ip, len(b.code))
	}
	return &b.code[ip], nil
}

// AData returns the data cell at addr.
func (m *MMU) AData(addr uint64) (*Value, error) {
	b := m.cur()
	if addr >= uint64(len(b.data)) {
		return nil, structuralf("data", "address %d out of range (size %d)", addr, len(b.data))
	}
	return &b.data[addr], nil
}

// ARegister returns a register slot.
func (m *MMU) ARegister(r Register) (*Value, error) {
	if r >= NumRegisters {
		return nil, structuralf("register", "no register %d", r)
	}
	return &m.cur().registers[r], nil
}

// AStackFrame returns the active stack slot at offset from the frame
// base. Negative offsets reach into the caller's frame.
func (m *MMU) AStackFrame(offset int64) (*Value, error) {
	b := m.cur()
	idx, _ := b.active.stackIndex()
	st := b.stacks[idx]
	pos := int64(m.ctx.Frame[idx]) + offset
	if pos < 0 || pos >= int64(len(st)) {
		return nil, structuralf("frame", "offset %d out of range (base %d, size %d)", offset, m.ctx.Frame[idx], len(st))
	}
	return &st[pos], nil
}

// AStackTop returns the k-th slot below the top of the active stack.
func (m *MMU) AStackTop(k uint64) (*Value, error) {
	b := m.cur()
	idx, _ := b.active.stackIndex()
	st := b.stacks[idx]
	if k >= uint64(len(st)) {
		return nil, structuralf("stack", "%s stack has %d slots, wanted top-%d", b.active, len(st), k)
	}
	return &st[uint64(len(st))-1-k], nil
}

// ABytepool returns the bytepool byte at addr.
func (m *MMU) ABytepool(addr uint64) (*byte, error) {
	b := m.cur()
	if addr >= uint64(len(b.bytepool)) {
		return nil, structuralf("bytepool", "address %d out of range (size %d)", addr, len(b.bytepool))
	}
	return &b.bytepool[addr], nil
}

// ---------------------------------------------------------------------------
// Stacks
// ---------------------------------------------------------------------------

// SelectStack makes the stack of type t active.
func (m *MMU) SelectStack(t ValueType) error {
	if _, ok := t.stackIndex(); !ok {
		return execf("select stack", "no stack for type %s", t)
	}
	m.cur().active = t
	return nil
}

// ActiveStack returns the type of the active stack.
func (m *MMU) ActiveStack() ValueType {
	return m.cur().active
}

// StackSize returns the number of slots on the active stack.
func (m *MMU) StackSize() uint64 {
	b := m.cur()
	idx, _ := b.active.stackIndex()
	return uint64(len(b.stacks[idx]))
}

// Stack returns a copy of the stack of type t, bottom first.
func (m *MMU) Stack(t ValueType) []Value {
	idx, ok := t.stackIndex()
	if !ok {
		return nil
	}
	return append([]Value(nil), m.cur().stacks[idx]...)
}

// AlterStackTop grows or shrinks the active stack by delta slots. New
// slots carry the stack's type.
func (m *MMU) AlterStackTop(delta int) error {
	b := m.cur()
	idx, _ := b.active.stackIndex()
	st := b.stacks[idx]
	n := len(st) + delta
	switch {
	case n < 0:
		return execf("stack", "%s stack underflow", b.active)
	case n > m.cfg.StackLimit:
		return execf("stack", "%s stack overflow (limit %d)", b.active, m.cfg.StackLimit)
	}
	if delta < 0 {
		b.stacks[idx] = st[:n]
		return nil
	}
	for i := 0; i < delta; i++ {
		st = append(st, Value{Type: b.active})
	}
	b.stacks[idx] = st
	return nil
}

// Push pushes v onto the active stack. The value's type must match the
// stack; switching stacks takes an explicit SelectStack.
func (m *MMU) Push(v Value) error {
	if active := m.cur().active; v.Type != active {
		return execf("push", "%s value on the %s stack", v.Type, active)
	}
	if err := m.AlterStackTop(1); err != nil {
		return err
	}
	top, err := m.AStackTop(0)
	if err != nil {
		return err
	}
	*top = v
	return nil
}

// Pop removes and returns the top of the active stack.
func (m *MMU) Pop() (Value, error) {
	v, err := m.Top()
	if err != nil {
		return Value{}, err
	}
	return v, m.AlterStackTop(-1)
}

// Top returns the top of the active stack.
func (m *MMU) Top() (Value, error) {
	if m.StackSize() == 0 {
		return Value{}, execf("stack", "%s stack underflow", m.cur().active)
	}
	top, err := m.AStackTop(0)
	if err != nil {
		return Value{}, err
	}
	return *top, nil
}

// integerWords returns the integer stack as machine words.
func (m *MMU) integerWords() []int64 {
	st := m.cur().stacks[0]
	out := make([]int64, len(st))
	for i, v := range st {
		out[i] = v.Int
	}
	return out
}

// setIntegerWords replaces the integer stack with words.
func (m *MMU) setIntegerWords(words []int64) {
	b := m.cur()
	st := b.stacks[0][:0]
	for _, w := range words {
		st = append(st, Int(w))
	}
	b.stacks[0] = st
}

// ---------------------------------------------------------------------------
// Merging
// ---------------------------------------------------------------------------

func shifted[T any](s []T, n uint64) []T {
	if n == 0 {
		return s
	}
	out := make([]T, uint64(len(s))+n)
	copy(out[n:], s)
	return out
}

// ShiftImages moves the current buffer's CODE, DATA and BYTEPOOL contents
// up by the given offsets, leaving a gap at the start of each.
func (m *MMU) ShiftImages(offsets Limits) error {
	for s := Section(0); s < NumSections; s++ {
		if offsets[s] != 0 && !s.IsPlaceable() {
			return structuralf("shift", "section %s cannot be shifted", s)
		}
	}
	b := m.cur()
	b.code = shifted(b.code, offsets[SectionCode])
	for i := range b.code {
		b.code[i].Invalidate()
	}
	b.data = shifted(b.data, offsets[SectionData])
	b.bytepool = shifted(b.bytepool, offsets[SectionBytepool])
	return nil
}

// PasteFromContext copies buffer id's CODE, DATA and BYTEPOOL into the
// start of the current buffer, which must have been shifted to make room.
func (m *MMU) PasteFromContext(id BufferID) error {
	src, err := m.buf("paste", id)
	if err != nil {
		return err
	}
	dst := m.cur()
	if src == dst {
		return structuralf("paste", "cannot paste buffer %d into itself", id)
	}
	if len(src.code) > len(dst.code) || len(src.data) > len(dst.data) || len(src.bytepool) > len(dst.bytepool) {
		return structuralf("paste", "buffer %d does not fit the shifted images", id)
	}
	for i, c := range src.code {
		c.Invalidate()
		dst.code[i] = c
	}
	copy(dst.data, src.data)
	copy(dst.bytepool, src.bytepool)
	return nil
}

// ---------------------------------------------------------------------------
// Symbol tables
// ---------------------------------------------------------------------------

// InsertSyms adds entries to the current buffer's symbol table, replacing
// entries with the same key. The map is consumed.
func (m *MMU) InsertSyms(syms SymbolMap) {
	b := m.cur()
	for k, s := range syms {
		b.symbols[k] = s
	}
}

// DumpSymbolImage moves the current buffer's symbol table out, leaving an
// empty one behind.
func (m *MMU) DumpSymbolImage() SymbolMap {
	b := m.cur()
	out := b.symbols
	b.symbols = SymbolMap{}
	return out
}

// SetSymbolImage hands syms to the current buffer as its symbol table.
func (m *MMU) SetSymbolImage(syms SymbolMap) {
	if syms == nil {
		syms = SymbolMap{}
	}
	m.cur().symbols = syms
}

// Symbols returns the current buffer's table. Callers must not modify it.
func (m *MMU) Symbols() SymbolMap {
	return m.cur().symbols
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// machineState is a copy of everything a run may mutate in the current
// buffer. CODE is immutable at run time and is shared.
type machineState struct {
	ctx       Context
	saved     []Context
	buffer    BufferID
	data      []Value
	bytepool  []byte
	registers [NumRegisters]Value
	stacks    [numStacks][]Value
	active    ValueType
}

func (m *MMU) snapshot() *machineState {
	b := m.cur()
	s := &machineState{
		ctx:       m.ctx,
		saved:     append([]Context(nil), m.saved...),
		buffer:    m.ctx.Buffer,
		data:      append([]Value(nil), b.data...),
		bytepool:  append([]byte(nil), b.bytepool...),
		registers: b.registers,
		active:    b.active,
	}
	for i := range b.stacks {
		s.stacks[i] = append([]Value(nil), b.stacks[i]...)
	}
	return s
}

func (m *MMU) restore(s *machineState) {
	b := m.buffers[s.buffer]
	b.data = s.data
	b.bytepool = s.bytepool
	b.registers = s.registers
	b.stacks = s.stacks
	b.active = s.active
	m.ctx = s.ctx
	m.saved = s.saved
}

// imageState is a copy of the current buffer's sections and symbol
// table, taken before a merge rewrites them.
type imageState struct {
	buffer   BufferID
	code     []Command
	data     []Value
	bytepool []byte
	symbols  SymbolMap
}

func (m *MMU) saveImages() *imageState {
	b := m.cur()
	return &imageState{
		buffer:   m.ctx.Buffer,
		code:     append([]Command(nil), b.code...),
		data:     append([]Value(nil), b.data...),
		bytepool: append([]byte(nil), b.bytepool...),
		symbols:  b.symbols.Clone(),
	}
}

func (m *MMU) restoreImages(s *imageState) {
	b := m.buffers[s.buffer]
	b.code = s.code
	for i := range b.code {
		b.code[i].Invalidate()
	}
	b.data = s.data
	b.bytepool = s.bytepool
	b.symbols = s.symbols
}

// DumpContext renders the current context, registers and stacks for
// diagnostics.
func (m *MMU) DumpContext() string {
	b := m.cur()
	var sb strings.Builder
	fmt.Fprintf(&sb, "context: buffer %d ip %d depth %d flags %s saved %d\n",
		m.ctx.Buffer, m.ctx.IP, m.ctx.Depth, m.ctx.Flags, len(m.saved))
	sb.WriteString("registers:")
	for r := Register(0); r < NumRegisters; r++ {
		fmt.Fprintf(&sb, " %s=%s", r, b.registers[r])
	}
	sb.WriteByte('\n')
	for _, t := range []ValueType{TypeInteger, TypeFloat} {
		idx, _ := t.stackIndex()
		marker := ""
		if t == b.active {
			marker = " (active)"
		}
		fmt.Fprintf(&sb, "%s stack%s, %d slots, frame %d:", t, marker, len(b.stacks[idx]), m.ctx.Frame[idx])
		for _, v := range b.stacks[idx] {
			sb.WriteString(" " + v.String())
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
