package vm

import (
	"fmt"
	"strings"
)

// Opcodes of the built-in instruction set.
const (
	OpNop Opcode = iota
	OpPush
	OpPop
	OpDup
	OpLd
	OpSt
	OpLea
	OpCtype
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpNeg
	OpAnd
	OpOr
	OpXor
	OpCmp
	OpTest
	OpJmp
	OpJe
	OpJne
	OpJa
	OpJae
	OpJb
	OpJbe
	OpCall
	OpRet
	OpQuit
	OpSyscall
	numOpcodes
)

// ArgKind describes a command's operand.
type ArgKind uint8

const (
	ArgNone ArgKind = iota
	ArgValue
	ArgReference
)

// CommandTraits describes one opcode.
type CommandTraits struct {
	ID       Opcode
	Mnemonic string
	Arg      ArgKind

	// Service commands do not depend on a value type and run on the
	// service executor.
	Service bool

	// IntegerOnly commands have no float form.
	IntegerOnly bool
}

var builtinTraits = [numOpcodes]CommandTraits{
	OpNop:     {Mnemonic: "nop", Service: true},
	OpPush:    {Mnemonic: "push", Arg: ArgValue},
	OpPop:     {Mnemonic: "pop"},
	OpDup:     {Mnemonic: "dup"},
	OpLd:      {Mnemonic: "ld", Arg: ArgReference},
	OpSt:      {Mnemonic: "st", Arg: ArgReference},
	OpLea:     {Mnemonic: "lea", Arg: ArgReference, Service: true},
	OpCtype:   {Mnemonic: "ctype", Arg: ArgReference},
	OpAdd:     {Mnemonic: "add"},
	OpSub:     {Mnemonic: "sub"},
	OpMul:     {Mnemonic: "mul"},
	OpDiv:     {Mnemonic: "div"},
	OpNeg:     {Mnemonic: "neg"},
	OpAnd:     {Mnemonic: "and", IntegerOnly: true},
	OpOr:      {Mnemonic: "or", IntegerOnly: true},
	OpXor:     {Mnemonic: "xor", IntegerOnly: true},
	OpCmp:     {Mnemonic: "cmp"},
	OpTest:    {Mnemonic: "test"},
	OpJmp:     {Mnemonic: "jmp", Arg: ArgReference, Service: true},
	OpJe:      {Mnemonic: "je", Arg: ArgReference, Service: true},
	OpJne:     {Mnemonic: "jne", Arg: ArgReference, Service: true},
	OpJa:      {Mnemonic: "ja", Arg: ArgReference, Service: true},
	OpJae:     {Mnemonic: "jae", Arg: ArgReference, Service: true},
	OpJb:      {Mnemonic: "jb", Arg: ArgReference, Service: true},
	OpJbe:     {Mnemonic: "jbe", Arg: ArgReference, Service: true},
	OpCall:    {Mnemonic: "call", Arg: ArgReference, Service: true},
	OpRet:     {Mnemonic: "ret", Service: true},
	OpQuit:    {Mnemonic: "quit", Service: true},
	OpSyscall: {Mnemonic: "syscall", Arg: ArgValue, Service: true},
}

// ModuleID selects whose handle GetExecutionHandle returns. ModuleUser is
// the override table; every executor has its own module.
type ModuleID uint8

const (
	ModuleUser ModuleID = iota
	ModuleInteger
	ModuleFloat
	ModuleService
	numModules
)

// ModuleFor returns the module an executor binds its handles under.
func ModuleFor(kind ExecutorKind) ModuleID {
	return ModuleID(kind) + 1
}

// ---------------------------------------------------------------------------
// CommandSet
// ---------------------------------------------------------------------------

// CommandSet is the opcode registry. Every change to bindings or
// overrides bumps Version, which invalidates all cached dispatch slots.
type CommandSet struct {
	traits     []CommandTraits
	byMnemonic map[string]Opcode
	bindings   [numModules][]Handle
	overrides  []NativeHandler
	version    uint64
}

// NewCommandSet creates a registry holding the built-in instruction set
// with no bindings.
func NewCommandSet() *CommandSet {
	cs := &CommandSet{
		traits:     make([]CommandTraits, numOpcodes),
		byMnemonic: make(map[string]Opcode, numOpcodes),
		version:    1,
	}
	for i, t := range builtinTraits {
		t.ID = Opcode(i)
		cs.traits[i] = t
		cs.byMnemonic[t.Mnemonic] = t.ID
	}
	cs.clearBindings()
	return cs
}

func (cs *CommandSet) clearBindings() {
	for m := range cs.bindings {
		cs.bindings[m] = make([]Handle, len(cs.traits))
	}
	cs.overrides = cs.overrides[:0]
}

// Version returns the current registry version.
func (cs *CommandSet) Version() uint64 {
	return cs.version
}

// Len returns the number of opcodes.
func (cs *CommandSet) Len() int {
	return len(cs.traits)
}

// Decode returns the traits of an opcode.
func (cs *CommandSet) Decode(id Opcode) (*CommandTraits, error) {
	if int(id) >= len(cs.traits) {
		return nil, decodef("opcode", "unknown opcode %d", id)
	}
	return &cs.traits[id], nil
}

// DecodeMnemonic returns the traits of a mnemonic (case-insensitive).
func (cs *CommandSet) DecodeMnemonic(mnemonic string) (*CommandTraits, error) {
	id, ok := cs.byMnemonic[strings.ToLower(mnemonic)]
	if !ok {
		return nil, decodef("opcode", "unknown mnemonic %q", mnemonic)
	}
	return &cs.traits[id], nil
}

// GetExecutionHandle returns the handle module has bound for the command,
// or zero. For ModuleUser the handle indexes the override table.
func (cs *CommandSet) GetExecutionHandle(t *CommandTraits, module ModuleID) Handle {
	if module >= numModules || int(t.ID) >= len(cs.traits) {
		return 0
	}
	return cs.bindings[module][t.ID]
}

// NativeHandler returns the override behind a ModuleUser handle.
func (cs *CommandSet) NativeHandler(h Handle) NativeHandler {
	if h == 0 || int(h) > len(cs.overrides) {
		return nil
	}
	return cs.overrides[h-1]
}

// Bind registers an executor handle for a mnemonic.
func (cs *CommandSet) Bind(module ModuleID, mnemonic string, h Handle) error {
	if module == ModuleUser || module >= numModules {
		return fmt.Errorf("vm: bind %q: invalid module %d", mnemonic, module)
	}
	t, err := cs.DecodeMnemonic(mnemonic)
	if err != nil {
		return err
	}
	cs.bindings[module][t.ID] = h
	cs.version++
	return nil
}

// Override installs a user handler for a mnemonic. It takes precedence
// over every executor binding.
func (cs *CommandSet) Override(mnemonic string, fn NativeHandler) error {
	t, err := cs.DecodeMnemonic(mnemonic)
	if err != nil {
		return err
	}
	if fn == nil {
		cs.bindings[ModuleUser][t.ID] = 0
	} else {
		cs.overrides = append(cs.overrides, fn)
		cs.bindings[ModuleUser][t.ID] = Handle(len(cs.overrides))
	}
	cs.version++
	return nil
}

// Reset drops all bindings and overrides.
func (cs *CommandSet) Reset() {
	cs.clearBindings()
	cs.version++
}
