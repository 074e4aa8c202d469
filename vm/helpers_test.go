package vm

import (
	"errors"
	"io"
	"testing"
)

// unitReader is a stream Reader over prepared units.
type unitReader struct {
	units []*DecodeResult
	pos   int
}

func (r *unitReader) Setup(io.Reader) (FileKind, error) {
	r.pos = 0
	return FileStream, nil
}

func (r *unitReader) NextSection() (Section, int, error) { return 0, 0, io.EOF }
func (r *unitReader) ReadSymbols() (SymbolMap, error)    { return nil, io.EOF }
func (r *unitReader) ReadSectionImage() (any, error)     { return nil, io.EOF }
func (r *unitReader) Reset()                             {}
func (r *unitReader) ReadStream() (*DecodeResult, error) {
	if r.pos >= len(r.units) {
		return nil, io.EOF
	}
	u := r.units[r.pos]
	r.pos++
	return u, nil
}

func pushI(v int64) Command {
	return Command{Opcode: OpPush, Type: TypeInteger, Value: Int(v)}
}

func pushF(v float64) Command {
	return Command{Opcode: OpPush, Type: TypeFloat, Value: Float(v)}
}

func opI(op Opcode) Command {
	return Command{Opcode: op, Type: TypeInteger}
}

func opF(op Opcode) Command {
	return Command{Opcode: op, Type: TypeFloat}
}

func refI(op Opcode, ref Reference) Command {
	return Command{Opcode: op, Type: TypeInteger, Ref: ref}
}

func toSym(op Opcode, name string) Command {
	return Command{Opcode: op, Ref: SymbolRef(HashSymbol(name))}
}

func code(cmds ...Command) *DecodeResult {
	return &DecodeResult{Code: cmds}
}

// labeled defines name at the first of cmds.
func labeled(name string, cmds ...Command) *DecodeResult {
	return &DecodeResult{
		Symbols: []Symbol{Define(name, DirectRef(SectionCode, AutoAddress))},
		Code:    cmds,
	}
}

// jumpTo emits a jump-like command to a label and mentions the label.
func jumpTo(op Opcode, name string) *DecodeResult {
	return &DecodeResult{
		Symbols: []Symbol{Mention(name)},
		Code:    []Command{toSym(op, name)},
	}
}

func load(t *testing.T, e *Engine, units ...*DecodeResult) BufferID {
	t.Helper()
	id, err := e.Load(&unitReader{units: units}, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return id
}

func wantInt(t *testing.T, v Value, want int64) {
	t.Helper()
	if v.Type != TypeInteger || v.Int != want {
		t.Fatalf("got %s (%s), want integer %d", v, v.Type, want)
	}
}

func wantLinkError(t *testing.T, err error, target error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", target)
	}
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
	var le *LinkError
	if !errors.As(err, &le) {
		t.Fatalf("expected a *LinkError, got %T", err)
	}
}
