package vm

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// fakeView serves a fixed command list to the code generator.
type fakeView struct {
	cs       *CommandSet
	cmds     []Command
	override map[Opcode]bool
}

func (v *fakeView) CodeLen() uint64 { return uint64(len(v.cmds)) }

func (v *fakeView) Command(ip uint64) (*Command, error) {
	if ip >= uint64(len(v.cmds)) {
		return nil, errors.New("out of range")
	}
	return &v.cmds[ip], nil
}

func (v *fakeView) Traits(op Opcode) (*CommandTraits, error) { return v.cs.Decode(op) }

func (v *fakeView) Overridden(t *CommandTraits) bool { return v.override[t.ID] }

func (v *fakeView) Resolve(ref Reference) (DirectReference, error) {
	if ref.IsSymbol {
		return DirectReference{}, errors.New("no symbols")
	}
	return ref.Direct, nil
}

func TestCompileImageStats(t *testing.T) {
	tests := []struct {
		name     string
		cmds     []Command
		override map[Opcode]bool
		native   int
		callouts int
	}{
		{"integer arithmetic", []Command{pushI(3), pushI(4), opI(OpAdd)}, nil, 3, 0},
		{"division", []Command{pushI(9), pushI(3), opI(OpDiv)}, nil, 2, 1},
		{"float", []Command{pushF(1), pushF(2), opF(OpAdd)}, nil, 0, 3},
		{"overridden", []Command{pushI(1), opI(OpNeg)}, map[Opcode]bool{OpNeg: true}, 1, 1},
		{"jumps", []Command{
			{Opcode: OpJmp, Ref: DirectRef(SectionCode, 2)},
			{Opcode: OpJmp, Ref: DirectRef(SectionData, 0)},
			{Opcode: OpJmp, Ref: DirectRef(SectionCode, 50)},
			{Opcode: OpQuit},
		}, nil, 2, 2},
		{"empty", nil, nil, 0, 0},
	}
	for _, tt := range tests {
		view := &fakeView{cs: NewCommandSet(), cmds: tt.cmds, override: tt.override}
		code, entries, stats, err := compileImage(view)
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if stats.Commands != tt.native || stats.Callouts != tt.callouts {
			t.Errorf("%s: %d native, %d callouts; want %d, %d",
				tt.name, stats.Commands, stats.Callouts, tt.native, tt.callouts)
		}
		if len(entries) != len(tt.cmds)+1 {
			t.Errorf("%s: %d entry points for %d commands", tt.name, len(entries), len(tt.cmds))
		}
		for i := 1; i < len(entries); i++ {
			if entries[i] < entries[i-1] {
				t.Errorf("%s: entry %d precedes entry %d", tt.name, i, i-1)
			}
		}
		if last := entries[len(entries)-1]; int(last) >= len(code) {
			t.Errorf("%s: trailing entry %d outside %d bytes of code", tt.name, last, len(code))
		}
	}
}

func jitEngine(t *testing.T) *Engine {
	t.Helper()
	if !nativeSupported {
		t.Skip("no native backend on this platform")
	}
	cfg := DefaultConfig()
	cfg.JIT = true
	return NewEngine(cfg)
}

func TestNativeExec(t *testing.T) {
	tests := []struct {
		name  string
		units []*DecodeResult
		want  int64
	}{
		{"add", []*DecodeResult{code(pushI(3), pushI(4), opI(OpAdd))}, 7},
		{"callout", []*DecodeResult{code(pushI(10), pushI(2), opI(OpDiv))}, 5},
		{"bitwise", []*DecodeResult{code(pushI(12), pushI(10), opI(OpXor), opI(OpNeg), opI(OpDup), opI(OpMul))}, 36},
		{"quit", []*DecodeResult{code(pushI(5), Command{Opcode: OpQuit}, pushI(6))}, 5},
		{"loop", sumProgram(), 15},
		{"call", squareProgram(), 36},
		{"frame-back", squareCallerProgram(), 36},
	}
	for _, tt := range tests {
		e := jitEngine(t)
		load(t, e, tt.units...)
		v, err := e.Exec()
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if v.Type != TypeInteger || v.Int != tt.want {
			t.Errorf("%s = %s, want %d", tt.name, v, tt.want)
		}
		if e.Backend().Stats().Images != 1 {
			t.Errorf("%s: %d images cached", tt.name, e.Backend().Stats().Images)
		}
	}
}

func TestNativeFallsBackOnFloat(t *testing.T) {
	e := jitEngine(t)
	load(t, e, code(pushF(1.5), pushF(2), opF(OpAdd)))
	v, err := e.Exec()
	if err != nil {
		t.Fatal(err)
	}
	if v.Type != TypeFloat || v.Float != 3.5 {
		t.Fatalf("result = %s, want 3.5", v)
	}
	if n := len(e.MMU().Stack(TypeFloat)); n != 1 {
		t.Fatalf("float stack has %d values after fallback", n)
	}
}

func TestNativeCacheCoherence(t *testing.T) {
	e := jitEngine(t)
	load(t, e, code(pushI(3), pushI(4), opI(OpAdd)))

	chk := e.Checksum()
	if !e.Compile() {
		t.Fatal("Compile failed")
	}
	if !e.Backend().ImageIsOK(chk) {
		t.Fatal("image not cached under the current checksum")
	}
	if !e.Compile() || e.Backend().Stats().Images != 1 {
		t.Fatal("recompiling the same state added an image")
	}

	e.MMU().AppendSection(SectionCode, []Command{pushI(1)}, 1)
	grown := e.Checksum()
	if grown == chk || e.Backend().ImageIsOK(grown) {
		t.Fatal("stale image matched the changed code")
	}

	e.CommandSet().Override("add", func(l *Logic, cmd *Command) error {
		return l.Push(Int(0))
	})
	if e.Checksum() == grown {
		t.Fatal("override did not change the checksum")
	}

	v, err := e.Exec()
	if err != nil {
		t.Fatal(err)
	}
	wantInt(t, v, 1)
	st := e.MMU().Stack(TypeInteger)
	if len(st) != 4 || st[2].Int != 0 {
		t.Fatalf("stack = %v, want the overridden add to push 0", st)
	}
	s := e.Backend().Stats()
	if s.Images != 2 || s.Callouts != 1 {
		t.Fatalf("stats = %+v", s)
	}

	e.Flush()
	if e.Backend().Stats().Images != 0 {
		t.Fatal("flush kept images")
	}
}

func TestCompileUnsupported(t *testing.T) {
	if nativeSupported {
		t.Skip("native backend available")
	}
	cfg := DefaultConfig()
	cfg.JIT = true
	e := NewEngine(cfg)
	load(t, e, code(pushI(3), pushI(4), opI(OpAdd)))
	if e.Compile() {
		t.Fatal("Compile reported success without a native backend")
	}
	v, err := e.Exec()
	if err != nil {
		t.Fatal(err)
	}
	wantInt(t, v, 7)
}

func TestChecksumCoversJumpTargets(t *testing.T) {
	// Same code words, label moved by one command.
	skip := func() []*DecodeResult {
		return []*DecodeResult{jumpTo(OpJmp, "L"), code(pushI(5)), labeled("L", Command{Opcode: OpQuit})}
	}
	land := func() []*DecodeResult {
		return []*DecodeResult{jumpTo(OpJmp, "L"), labeled("L", pushI(5)), code(Command{Opcode: OpQuit})}
	}

	a := NewEngine(DefaultConfig())
	load(t, a, skip()...)
	b := NewEngine(DefaultConfig())
	load(t, b, land()...)
	if a.Checksum() == b.Checksum() {
		t.Fatal("moving a jump target kept the checksum")
	}

	if !nativeSupported {
		return
	}
	e := jitEngine(t)
	first := load(t, e, skip()...)
	if _, err := e.Exec(); err != nil {
		t.Fatal(err)
	}
	if err := e.Delete(); err != nil {
		t.Fatal(err)
	}
	if id := load(t, e, land()...); id != first {
		t.Fatalf("second program loaded into buffer %d, want %d", id, first)
	}
	v, err := e.Exec()
	if err != nil {
		t.Fatal(err)
	}
	wantInt(t, v, 5)
	if n := e.Backend().Stats().Images; n != 2 {
		t.Fatalf("%d images cached, want one per program", n)
	}
}

func TestNativeFallbackReplaysIO(t *testing.T) {
	e := jitEngine(t)
	var out bytes.Buffer
	e.Logic().SetIO(strings.NewReader("41\n"), &out)
	load(t, e, &DecodeResult{
		Bytepool: []byte("hi\x00"),
		Code: []Command{
			pushI(0),
			refI(OpSt, reg(RegF)),
			{Opcode: OpSyscall, Value: Int(0)},
			{Opcode: OpSyscall, Value: Int(1)},
			pushF(1.5),
			opF(OpPop),
			pushI(1),
			opI(OpAdd),
		},
	})
	v, err := e.Exec()
	if err != nil {
		t.Fatal(err)
	}
	wantInt(t, v, 42)
	if out.String() != "hi\n" {
		t.Fatalf("output = %q, want it written once", out.String())
	}
}
