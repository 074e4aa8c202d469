package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Value types
// ---------------------------------------------------------------------------

// ValueType tags a Value. The zero value marks an uninitialized cell.
type ValueType uint8

const (
	TypeNone ValueType = iota
	TypeInteger
	TypeFloat
)

// numStacks is the number of typed logical stacks per buffer.
const numStacks = 2

func (t ValueType) String() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeFloat:
		return "float"
	case TypeNone:
		return "none"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Suffix returns the assembler type specifier for t, or "" for TypeNone.
func (t ValueType) Suffix() string {
	switch t {
	case TypeInteger:
		return "i"
	case TypeFloat:
		return "f"
	}
	return ""
}

// ParseType decodes a type specifier. "i" and "d" select integer, "f"
// selects float.
func ParseType(spec string) (ValueType, error) {
	switch strings.ToLower(spec) {
	case "i", "d":
		return TypeInteger, nil
	case "f":
		return TypeFloat, nil
	}
	return TypeNone, decodef("type", "unknown type specifier %q", spec)
}

// stackIndex maps a concrete type to its logical stack.
func (t ValueType) stackIndex() (int, bool) {
	switch t {
	case TypeInteger:
		return 0, true
	case TypeFloat:
		return 1, true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Value
// ---------------------------------------------------------------------------

// Value is a tagged integer or float. Only the field matching Type is
// meaningful.
type Value struct {
	Type  ValueType `cbor:"1,keyasint"`
	Int   int64     `cbor:"2,keyasint,omitempty"`
	Float float64   `cbor:"3,keyasint,omitempty"`
}

// Int returns an integer Value.
func Int(v int64) Value { return Value{Type: TypeInteger, Int: v} }

// Float returns a float Value.
func Float(v float64) Value { return Value{Type: TypeFloat, Float: v} }

// ParseValue parses a literal of the given type.
func ParseValue(t ValueType, text string) (Value, error) {
	switch t {
	case TypeInteger:
		n, err := strconv.ParseInt(text, 0, 64)
		if err != nil {
			return Value{}, decodef("literal", "bad integer %q", text)
		}
		return Int(n), nil
	case TypeFloat:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, decodef("literal", "bad float %q", text)
		}
		return Float(f), nil
	}
	return Value{}, decodef("literal", "literal %q has no type", text)
}

// IsNone reports whether the value is uninitialized.
func (v Value) IsNone() bool { return v.Type == TypeNone }

func (v Value) String() string {
	switch v.Type {
	case TypeInteger:
		return strconv.FormatInt(v.Int, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	}
	return "<none>"
}

// Convert returns v as type t. An uninitialized value converts to zero.
func (v Value) Convert(t ValueType) Value {
	switch t {
	case TypeInteger:
		if v.Type == TypeFloat {
			return Int(int64(v.Float))
		}
		return Int(v.Int)
	case TypeFloat:
		if v.Type == TypeInteger {
			return Float(float64(v.Int))
		}
		return Float(v.Float)
	}
	return Value{}
}

// ABI returns the value as a word for the native boundary. Floats cannot
// cross it.
func (v Value) ABI() (int64, error) {
	switch v.Type {
	case TypeInteger:
		return v.Int, nil
	case TypeFloat:
		return 0, ErrFloatABI
	}
	return 0, nil
}

// Equal reports whether two values have the same type and payload.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeInteger:
		return v.Int == o.Int
	case TypeFloat:
		return v.Float == o.Float || (math.IsNaN(v.Float) && math.IsNaN(o.Float))
	}
	return true
}

// ---------------------------------------------------------------------------
// Arithmetic
// ---------------------------------------------------------------------------

func (v Value) sameType(op string, o Value) error {
	if v.Type != o.Type {
		return execf(op, "operand types differ (%s, %s)", v.Type, o.Type)
	}
	if v.Type == TypeNone {
		return execf(op, "uninitialized operand")
	}
	return nil
}

// Add returns v+o.
func (v Value) Add(o Value) (Value, error) {
	if err := v.sameType("add", o); err != nil {
		return Value{}, err
	}
	if v.Type == TypeFloat {
		return Float(v.Float + o.Float), nil
	}
	return Int(v.Int + o.Int), nil
}

// Sub returns v-o.
func (v Value) Sub(o Value) (Value, error) {
	if err := v.sameType("sub", o); err != nil {
		return Value{}, err
	}
	if v.Type == TypeFloat {
		return Float(v.Float - o.Float), nil
	}
	return Int(v.Int - o.Int), nil
}

// Mul returns v*o.
func (v Value) Mul(o Value) (Value, error) {
	if err := v.sameType("mul", o); err != nil {
		return Value{}, err
	}
	if v.Type == TypeFloat {
		return Float(v.Float * o.Float), nil
	}
	return Int(v.Int * o.Int), nil
}

// Div returns v/o. Integer division by zero is an ExecutionError; float
// division follows IEEE 754.
func (v Value) Div(o Value) (Value, error) {
	if err := v.sameType("div", o); err != nil {
		return Value{}, err
	}
	if v.Type == TypeFloat {
		return Float(v.Float / o.Float), nil
	}
	if o.Int == 0 {
		return Value{}, execf("div", "integer division by zero")
	}
	return Int(v.Int / o.Int), nil
}

// Neg returns -v.
func (v Value) Neg() (Value, error) {
	switch v.Type {
	case TypeInteger:
		return Int(-v.Int), nil
	case TypeFloat:
		return Float(-v.Float), nil
	}
	return Value{}, execf("neg", "uninitialized operand")
}

func (v Value) bitwise(op string, o Value, fn func(a, b int64) int64) (Value, error) {
	if err := v.sameType(op, o); err != nil {
		return Value{}, err
	}
	if v.Type != TypeInteger {
		return Value{}, execf(op, "bitwise operation on %s", v.Type)
	}
	return Int(fn(v.Int, o.Int)), nil
}

// And returns v&o. Integers only.
func (v Value) And(o Value) (Value, error) {
	return v.bitwise("and", o, func(a, b int64) int64 { return a & b })
}

// Or returns v|o. Integers only.
func (v Value) Or(o Value) (Value, error) {
	return v.bitwise("or", o, func(a, b int64) int64 { return a | b })
}

// Xor returns v^o. Integers only.
func (v Value) Xor(o Value) (Value, error) {
	return v.bitwise("xor", o, func(a, b int64) int64 { return a ^ b })
}
