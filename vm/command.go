package vm

import "fmt"

// Opcode identifies an instruction in the command set.
type Opcode uint16

// Handle selects an implementation inside an executor or the override
// table. The zero handle is a no-op.
type Handle uint32

// ExecutorKind identifies an executor: one per value type plus the
// service executor for type-independent commands.
type ExecutorKind uint8

const (
	ExecInteger ExecutorKind = iota
	ExecFloat
	ExecService
	numExecutorKinds
)

func (k ExecutorKind) String() string {
	switch k {
	case ExecInteger:
		return "integer"
	case ExecFloat:
		return "float"
	case ExecService:
		return "service"
	}
	return fmt.Sprintf("executor(%d)", uint8(k))
}

// NativeHandler is a user override for a command. It replaces executor
// dispatch entirely.
type NativeHandler func(l *Logic, cmd *Command) error

// ---------------------------------------------------------------------------
// Dispatch cache
// ---------------------------------------------------------------------------

type dispatchKind uint8

const (
	dispatchEmpty dispatchKind = iota
	dispatchNative
	dispatchExecutor
)

// dispatchSlot caches how one Command instance executes. It depends only
// on (opcode, type), never on the operand, and is valid while version and
// buffer match the command set version and the executing buffer.
type dispatchSlot struct {
	kind     dispatchKind
	native   NativeHandler
	executor ExecutorKind
	handle   Handle
	version  uint64
	buffer   BufferID
}

func (s *dispatchSlot) valid(version uint64, buf BufferID) bool {
	return s.kind != dispatchEmpty && s.version == version && s.buffer == buf
}

// ---------------------------------------------------------------------------
// Command
// ---------------------------------------------------------------------------

// Command is one decoded instruction. Depending on the opcode's argument
// kind either Value or Ref is the operand.
type Command struct {
	Opcode Opcode    `cbor:"1,keyasint"`
	Type   ValueType `cbor:"2,keyasint,omitempty"`
	Value  Value     `cbor:"3,keyasint,omitempty"`
	Ref    Reference `cbor:"4,keyasint,omitempty"`

	cache dispatchSlot
}

// Invalidate drops the cached dispatch so the next execution re-decodes.
func (c *Command) Invalidate() {
	c.cache = dispatchSlot{}
}

// cached reports whether the dispatch slot is populated.
func (c *Command) cached() bool {
	return c.cache.kind != dispatchEmpty
}

// shift adds the per-section offsets to a direct operand in a placeable
// section.
func (c *Command) shift(offsets *Limits) {
	if c.Ref.IsSymbol || !c.Ref.Direct.Section.IsPlaceable() || c.Ref.Direct.Address == AutoAddress {
		return
	}
	c.Ref.Direct.Address += offsets[c.Ref.Direct.Section]
}
