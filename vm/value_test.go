package vm

import (
	"errors"
	"math"
	"testing"
)

func TestParseType(t *testing.T) {
	// Each specifier selects its own type; "f" must not end up integer.
	tests := []struct {
		spec string
		want ValueType
	}{
		{"i", TypeInteger},
		{"d", TypeInteger},
		{"f", TypeFloat},
		{"F", TypeFloat},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.spec)
		if err != nil {
			t.Fatalf("ParseType(%q): %v", tt.spec, err)
		}
		if got != tt.want {
			t.Errorf("ParseType(%q) = %s, want %s", tt.spec, got, tt.want)
		}
	}

	_, err := ParseType("q")
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("ParseType(q) error = %v, want DecodeError", err)
	}
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue(TypeInteger, "0x10")
	if err != nil || v.Int != 16 {
		t.Fatalf("ParseValue hex = %v, %v", v, err)
	}
	v, err = ParseValue(TypeFloat, "2.5")
	if err != nil || v.Float != 2.5 || v.Type != TypeFloat {
		t.Fatalf("ParseValue float = %v, %v", v, err)
	}
	if _, err := ParseValue(TypeInteger, "2.5"); err == nil {
		t.Error("expected error for float text as integer")
	}
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		fn   func(a, b Value) (Value, error)
		a, b Value
		want Value
	}{
		{"add int", Value.Add, Int(3), Int(4), Int(7)},
		{"sub int", Value.Sub, Int(3), Int(4), Int(-1)},
		{"mul int", Value.Mul, Int(-3), Int(4), Int(-12)},
		{"div int", Value.Div, Int(9), Int(2), Int(4)},
		{"add float", Value.Add, Float(1.5), Float(2), Float(3.5)},
		{"div float", Value.Div, Float(1), Float(4), Float(0.25)},
		{"and", Value.And, Int(6), Int(3), Int(2)},
		{"or", Value.Or, Int(6), Int(3), Int(7)},
		{"xor", Value.Xor, Int(6), Int(3), Int(5)},
	}
	for _, tt := range tests {
		got, err := tt.fn(tt.a, tt.b)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("%s = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestArithmeticErrors(t *testing.T) {
	var ee *ExecutionError
	if _, err := Int(1).Div(Int(0)); !errors.As(err, &ee) {
		t.Errorf("integer division by zero: %v", err)
	}
	if _, err := Int(1).Add(Float(1)); !errors.As(err, &ee) {
		t.Errorf("mixed operands: %v", err)
	}
	if _, err := Float(1).And(Float(1)); !errors.As(err, &ee) {
		t.Errorf("float bitwise: %v", err)
	}
	if v, err := Float(1).Div(Float(0)); err != nil || !math.IsInf(v.Float, 1) {
		t.Errorf("float division by zero = %v, %v", v, err)
	}
}

func TestConvertAndABI(t *testing.T) {
	if v := Float(2.9).Convert(TypeInteger); v.Int != 2 || v.Type != TypeInteger {
		t.Errorf("Convert float->int = %v", v)
	}
	if v := (Value{}).Convert(TypeFloat); v.Type != TypeFloat || v.Float != 0 {
		t.Errorf("Convert none->float = %v", v)
	}
	if w, err := Int(-5).ABI(); err != nil || w != -5 {
		t.Errorf("ABI int = %d, %v", w, err)
	}
	if _, err := Float(1).ABI(); !errors.Is(err, ErrFloatABI) {
		t.Errorf("ABI float error = %v", err)
	}
}
