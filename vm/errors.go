package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error classes
// ---------------------------------------------------------------------------

// StructuralError reports a malformed section or file, an out-of-range
// accessor or an invalid buffer id. It is always fatal to the operation
// that produced it.
type StructuralError struct {
	Op  string
	Msg string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("vm: %s: %s", e.Op, e.Msg)
}

func structuralf(op, format string, args ...any) error {
	return &StructuralError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// DecodeError reports an unknown opcode, register or type specifier.
type DecodeError struct {
	Op  string
	Msg string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("vm: decode %s: %s", e.Op, e.Msg)
}

func decodef(op, format string, args ...any) error {
	return &DecodeError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// ExecutionError reports an illegal operation during a run: a write to
// CODE, a stack type violation, division by zero, a conditional jump on
// an invalid float classification and the like.
type ExecutionError struct {
	Op  string
	Msg string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("vm: exec %s: %s", e.Op, e.Msg)
}

func execf(op, format string, args ...any) error {
	return &ExecutionError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// BackendError reports a native compilation or native run failure. The
// engine treats it as non-fatal and interprets instead.
type BackendError struct {
	Op  string
	Msg string
	Err error
}

func (e *BackendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vm: native %s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("vm: native %s: %s", e.Op, e.Msg)
}

func (e *BackendError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Link errors
// ---------------------------------------------------------------------------

// LinkErrorKind classifies a LinkError.
type LinkErrorKind uint8

const (
	LinkUnresolved LinkErrorKind = iota + 1
	LinkCircular
	LinkRedefinition
	LinkOutOfBounds
	LinkIllegalAuto
	LinkCorrupt
)

var linkKindNames = map[LinkErrorKind]string{
	LinkUnresolved:   "unresolved symbol",
	LinkCircular:     "circular alias",
	LinkRedefinition: "symbol redefinition",
	LinkOutOfBounds:  "address out of bounds",
	LinkIllegalAuto:  "illegal AUTO placement",
	LinkCorrupt:      "corrupt symbol table",
}

func (k LinkErrorKind) String() string {
	if s, ok := linkKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("link error %d", uint8(k))
}

// LinkError reports a failure to link a symbol table. Symbol and Hash
// identify the offending entry when one is known.
type LinkError struct {
	Kind   LinkErrorKind
	Symbol string
	Hash   uint64
	Msg    string
}

func (e *LinkError) Error() string {
	s := "vm: link: " + e.Kind.String()
	switch {
	case e.Symbol != "":
		s += fmt.Sprintf(" %q", e.Symbol)
	case e.Hash != 0:
		s += fmt.Sprintf(" #%016x", e.Hash)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

// Is matches any LinkError of the same kind, so the Err* sentinels can be
// used with errors.Is.
func (e *LinkError) Is(target error) bool {
	t, ok := target.(*LinkError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is classification of link failures.
var (
	ErrUnresolvedSymbol     error = &LinkError{Kind: LinkUnresolved}
	ErrCircularAlias        error = &LinkError{Kind: LinkCircular}
	ErrSymbolRedefinition   error = &LinkError{Kind: LinkRedefinition}
	ErrOutOfBounds          error = &LinkError{Kind: LinkOutOfBounds}
	ErrIllegalAutoPlacement error = &LinkError{Kind: LinkIllegalAuto}
	ErrSymbolCorrupt        error = &LinkError{Kind: LinkCorrupt}
)

func linkErr(kind LinkErrorKind, sym Symbol, format string, args ...any) error {
	return &LinkError{Kind: kind, Symbol: sym.Name, Hash: sym.Hash, Msg: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Native boundary
// ---------------------------------------------------------------------------

var (
	// ErrFloatABI is returned when a floating-point value would have to
	// cross the integer-sized native callout channel.
	ErrFloatABI = errors.New("vm: floating-point value cannot cross the native boundary")

	// ErrNativeUnsupported is returned by the backend on platforms without
	// native code generation.
	ErrNativeUnsupported = errors.New("vm: native code generation is not supported on this platform")
)
