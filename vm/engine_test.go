package vm

import (
	"errors"
	"testing"
)

func reg(r Register) Reference {
	return DirectRef(SectionRegister, uint64(r))
}

// sumProgram adds 5+4+3+2+1 with registers and a backward ja.
func sumProgram() []*DecodeResult {
	return []*DecodeResult{
		code(
			pushI(0),
			refI(OpSt, reg(RegA)),
			pushI(5),
			refI(OpSt, reg(RegB)),
		),
		labeled("loop",
			refI(OpLd, reg(RegA)),
			refI(OpLd, reg(RegB)),
			opI(OpAdd),
			refI(OpSt, reg(RegA)),
			refI(OpLd, reg(RegB)),
			pushI(1),
			opI(OpSub),
			refI(OpSt, reg(RegB)),
			refI(OpLd, reg(RegB)),
			pushI(0),
			opI(OpCmp),
		),
		jumpTo(OpJa, "loop"),
		code(refI(OpLd, reg(RegA))),
	}
}

// squareProgram calls a subroutine that squares the top of the stack.
func squareProgram() []*DecodeResult {
	return []*DecodeResult{
		code(pushI(6)),
		jumpTo(OpCall, "square"),
		code(Command{Opcode: OpQuit}),
		labeled("square", opI(OpDup), opI(OpMul), Command{Opcode: OpRet}),
	}
}

// squareCallerProgram squares the caller's slot in place through
// FRAME_BACK.
func squareCallerProgram() []*DecodeResult {
	back := DirectRef(SectionFrameBack, 1)
	return []*DecodeResult{
		code(pushI(6)),
		jumpTo(OpCall, "square"),
		code(Command{Opcode: OpQuit}),
		labeled("square",
			refI(OpLd, back),
			opI(OpDup),
			opI(OpMul),
			refI(OpSt, back),
			Command{Opcode: OpRet},
		),
	}
}

func TestExecAdd(t *testing.T) {
	e := NewEngine(DefaultConfig())
	load(t, e, code(pushI(3), pushI(4), opI(OpAdd)))
	v, err := e.Exec()
	if err != nil {
		t.Fatal(err)
	}
	wantInt(t, v, 7)
	if e.CurrentContext().Flags&FlagExit == 0 {
		t.Error("exit flag not set after falling off CODE")
	}
}

func TestExecLoop(t *testing.T) {
	e := NewEngine(DefaultConfig())
	load(t, e, sumProgram()...)
	v, err := e.Exec()
	if err != nil {
		t.Fatal(err)
	}
	wantInt(t, v, 15)
	if rb, _ := e.MMU().ARegister(RegB); rb.Int != 0 {
		t.Errorf("counter ended at %s", rb)
	}
}

func TestExecCallReturn(t *testing.T) {
	for name, prog := range map[string][]*DecodeResult{
		"dup":        squareProgram(),
		"frame-back": squareCallerProgram(),
	} {
		e := NewEngine(DefaultConfig())
		load(t, e, prog...)
		v, err := e.Exec()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		wantInt(t, v, 36)
		ctx := e.CurrentContext()
		if ctx.Depth != 0 || ctx.IP != 2 {
			t.Errorf("%s: finished at ip %d depth %d", name, ctx.IP, ctx.Depth)
		}
		if n := e.MMU().StackSize(); n != 1 {
			t.Errorf("%s: %d values left on the stack", name, n)
		}
	}
}

func TestExecDoesNotRewind(t *testing.T) {
	e := NewEngine(DefaultConfig())
	load(t, e, code(pushI(1)))
	e.Exec()
	e.Exec()
	if n := e.MMU().StackSize(); n != 1 {
		t.Fatalf("second Exec ran again: stack size %d", n)
	}
	e.Reset()
	v, err := e.Exec()
	if err != nil {
		t.Fatal(err)
	}
	wantInt(t, v, 1)
}

func TestExecErrors(t *testing.T) {
	tests := []struct {
		name  string
		units []*DecodeResult
	}{
		{"underflow", []*DecodeResult{code(opI(OpAdd))}},
		{"division by zero", []*DecodeResult{code(pushI(1), pushI(0), opI(OpDiv))}},
		{"ret at top level", []*DecodeResult{code(Command{Opcode: OpRet})}},
		{"undefined float condition", []*DecodeResult{
			code(pushF(0), pushF(0), opF(OpDiv), opF(OpTest)),
			jumpTo(OpJe, "end"),
			labeled("end", Command{Opcode: OpQuit}),
		}},
	}
	for _, tt := range tests {
		e := NewEngine(DefaultConfig())
		load(t, e, tt.units...)
		_, err := e.Exec()
		var ee *ExecutionError
		if !errors.As(err, &ee) {
			t.Errorf("%s: error = %v, want an ExecutionError", tt.name, err)
		}
	}
}

func TestLoadFailureReleasesBuffer(t *testing.T) {
	e := NewEngine(DefaultConfig())
	_, err := e.Load(&unitReader{units: []*DecodeResult{jumpTo(OpJmp, "nowhere")}}, nil)
	wantLinkError(t, err, ErrUnresolvedSymbol)
	if ids := e.MMU().Buffers(); len(ids) != 1 || ids[0] != 0 {
		t.Fatalf("buffers after failed load = %v", ids)
	}
	if e.CurrentContext().Buffer != 0 {
		t.Fatal("failed load left the context switched")
	}
}

func TestMerge(t *testing.T) {
	e := NewEngine(DefaultConfig())
	a := load(t, e,
		code(Command{Opcode: OpJmp, Ref: DirectRef(SectionCode, 2)}, pushI(99)),
		labeled("two", pushI(2)),
	)
	b, err := e.LoadDetached(&unitReader{units: []*DecodeResult{
		{Symbols: []Symbol{Define("val", DirectRef(SectionData, AutoAddress))}, Data: []Value{Int(40)}},
		{Symbols: []Symbol{Mention("val")}, Code: []Command{refI(OpLd, SymbolRef(HashSymbol("val")))}},
	}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if e.CurrentContext().Buffer != a {
		t.Fatal("detached load switched the context")
	}

	if err := e.Merge(b); err != nil {
		t.Fatal(err)
	}

	syms := e.MMU().Symbols()
	if s, ok := syms.Lookup("val"); !ok || s.Ref.Direct != (DirectReference{SectionData, 0}) {
		t.Errorf("val = %+v", s)
	}
	if s, ok := syms.Lookup("two"); !ok || s.Ref.Direct.Address != 3 {
		t.Errorf("two = %+v", s)
	}
	jmp, _ := e.MMU().ACommand(1)
	if jmp.Ref.Direct.Address != 3 {
		t.Errorf("direct jump now targets %d, want 3", jmp.Ref.Direct.Address)
	}
	for _, id := range e.MMU().Buffers() {
		if id == b {
			t.Fatal("merged buffer was not released")
		}
	}

	v, err := e.Exec()
	if err != nil {
		t.Fatal(err)
	}
	wantInt(t, v, 2)
	st := e.MMU().Stack(TypeInteger)
	if len(st) != 2 || st[0].Int != 40 {
		t.Fatalf("stack = %v, want [40 2]", st)
	}
}

func TestMergeRedefinition(t *testing.T) {
	e := NewEngine(DefaultConfig())
	load(t, e, labeled("start", pushI(1)))
	b, err := e.LoadDetached(&unitReader{units: []*DecodeResult{labeled("start", pushI(2))}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	before := e.Checksum()
	wantLinkError(t, e.Merge(b), ErrSymbolRedefinition)
	if e.Linker().Active() {
		t.Fatal("failed merge left the link session open")
	}

	if e.Checksum() != before {
		t.Fatal("failed merge changed the buffer")
	}
	if n := e.MMU().QuerySectionLimits()[SectionCode]; n != 1 {
		t.Fatalf("code size = %d after a failed merge, want 1", n)
	}
	start, ok := e.MMU().Symbols().Lookup("start")
	if !ok || start.Ref != DirectRef(SectionCode, 0) {
		t.Fatalf("start = %+v after a failed merge", start)
	}
	found := false
	for _, id := range e.MMU().Buffers() {
		found = found || id == b
	}
	if !found {
		t.Fatal("failed merge released the source buffer")
	}
	v, err := e.Exec()
	if err != nil {
		t.Fatal(err)
	}
	wantInt(t, v, 1)
}

func TestDeleteReleaseFlush(t *testing.T) {
	e := NewEngine(DefaultConfig())
	a := load(t, e, code(pushI(1)))
	b := load(t, e, code(pushI(2)))

	var se *StructuralError
	if err := e.Release(a); !errors.As(err, &se) {
		t.Fatalf("releasing a saved context's buffer = %v", err)
	}
	if err := e.Delete(); err != nil {
		t.Fatal(err)
	}
	if e.CurrentContext().Buffer != a {
		t.Fatalf("delete returned to buffer %d", e.CurrentContext().Buffer)
	}
	for _, id := range e.MMU().Buffers() {
		if id == b {
			t.Fatal("deleted buffer still allocated")
		}
	}

	e.Flush()
	if ids := e.MMU().Buffers(); len(ids) != 1 {
		t.Fatalf("buffers after flush = %v", ids)
	}
	if e.Backend().Stats().Images != 0 {
		t.Fatal("flush kept native images")
	}

	// Executors are rebound after a flush.
	load(t, e, code(pushI(2), pushI(3), opI(OpMul)))
	v, err := e.Exec()
	if err != nil {
		t.Fatal(err)
	}
	wantInt(t, v, 6)
}
