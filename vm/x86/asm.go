package x86

import (
	"encoding/binary"
	"fmt"
)

// AluOp selects one of the classic two-operand integer instructions.
type AluOp uint8

const (
	ADD AluOp = iota
	OR
	AND
	SUB
	XOR
	CMP
)

// aluEncoding holds the "reg <- reg op r/m" opcode and the /digit used
// by the immediate forms.
var aluEncoding = [...]struct {
	regRM byte
	digit byte
	name  string
}{
	ADD: {0x03, 0, "add"},
	OR:  {0x0B, 1, "or"},
	AND: {0x23, 4, "and"},
	SUB: {0x2B, 5, "sub"},
	XOR: {0x33, 6, "xor"},
	CMP: {0x3B, 7, "cmp"},
}

func (op AluOp) String() string {
	if int(op) < len(aluEncoding) {
		return aluEncoding[op].name
	}
	return fmt.Sprintf("alu(%d)", uint8(op))
}

// Label is a code position that may be referenced before it is bound.
type Label int

type fixup struct {
	at    int // offset of the rel32 field
	label Label
}

// Assembler accumulates machine code. The first encoding error sticks
// and is reported by Bytes.
type Assembler struct {
	buf    []byte
	labels []int
	fixups []fixup
	err    error
}

// New creates an empty assembler.
func New() *Assembler {
	return &Assembler{buf: make([]byte, 0, 256)}
}

// Len returns the number of bytes emitted so far.
func (a *Assembler) Len() int {
	return len(a.buf)
}

// Err returns the first encoding error, if any.
func (a *Assembler) Err() error {
	return a.err
}

// NewLabel allocates an unbound label.
func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, -1)
	return Label(len(a.labels) - 1)
}

// Bind attaches the label to the current position.
func (a *Assembler) Bind(l Label) {
	if a.labels[l] >= 0 {
		a.fail(fmt.Errorf("x86: label %d bound twice", l))
		return
	}
	a.labels[l] = len(a.buf)
}

// Offset returns the bound position of the label, or -1.
func (a *Assembler) Offset(l Label) int {
	return a.labels[l]
}

// Bytes patches every rel32 fixup and returns the finished code.
func (a *Assembler) Bytes() ([]byte, error) {
	if a.err != nil {
		return nil, a.err
	}
	for _, f := range a.fixups {
		target := a.labels[f.label]
		if target < 0 {
			return nil, fmt.Errorf("x86: label %d referenced but never bound", f.label)
		}
		rel := int32(target - (f.at + 4))
		binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(rel))
	}
	return a.buf, nil
}

func (a *Assembler) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

func (a *Assembler) emit(bs ...byte) {
	a.buf = append(a.buf, bs...)
}

func (a *Assembler) emitU32(v uint32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
}

func (a *Assembler) emitU64(v uint64) {
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
}

// ---------------------------------------------------------------------------
// Operand forms
// ---------------------------------------------------------------------------

// regReg emits REX.W + opcode + ModR/M(11, reg, rm).
func (a *Assembler) regReg(reg, rm Reg, opcode ...byte) {
	rex := REX{W: true, R: reg.Extended(), B: rm.Extended()}
	a.emit(rex.Byte())
	a.emit(opcode...)
	a.emit(ModRM{Mod: ModDirect, Reg: reg.low(), RM: rm.low()}.Byte())
}

// digitReg emits REX.W + opcode + ModR/M(11, digit, rm).
func (a *Assembler) digitReg(digit byte, rm Reg, opcode ...byte) {
	rex := REX{W: true, B: rm.Extended()}
	a.emit(rex.Byte())
	a.emit(opcode...)
	a.emit(ModRM{Mod: ModDirect, Reg: digit, RM: rm.low()}.Byte())
}

// regMem emits REX.W + opcode + memory operand with reg in ModR/M.reg.
// rExt extends the reg field.
func (a *Assembler) regMem(reg byte, rExt bool, m Mem, opcode ...byte) {
	rex, tail, err := encodeMem(reg, m)
	if err != nil {
		a.fail(err)
		return
	}
	rex.W = true
	rex.R = rExt
	a.emit(rex.Byte())
	a.emit(opcode...)
	a.emit(tail...)
}

// ---------------------------------------------------------------------------
// Instructions
// ---------------------------------------------------------------------------

// MovRegMem emits mov dst, qword [m].
func (a *Assembler) MovRegMem(dst Reg, m Mem) {
	a.regMem(dst.low(), dst.Extended(), m, 0x8B)
}

// MovMemReg emits mov qword [m], src.
func (a *Assembler) MovMemReg(m Mem, src Reg) {
	a.regMem(src.low(), src.Extended(), m, 0x89)
}

// MovRegReg emits mov dst, src.
func (a *Assembler) MovRegReg(dst, src Reg) {
	a.regReg(src, dst, 0x89)
}

// MovRegImm64 emits movabs dst, imm64.
func (a *Assembler) MovRegImm64(dst Reg, imm uint64) {
	rex := REX{W: true, B: dst.Extended()}
	a.emit(rex.Byte(), 0xB8+dst.low())
	a.emitU64(imm)
}

// MovMemImm32 emits mov qword [m], imm32 (sign-extended).
func (a *Assembler) MovMemImm32(m Mem, imm int32) {
	a.regMem(0, false, m, 0xC7)
	a.emitU32(uint32(imm))
}

// AluRegReg emits "op dst, src".
func (a *Assembler) AluRegReg(op AluOp, dst, src Reg) {
	a.regReg(dst, src, aluEncoding[op].regRM)
}

// AluRegMem emits "op dst, qword [m]".
func (a *Assembler) AluRegMem(op AluOp, dst Reg, m Mem) {
	a.regMem(dst.low(), dst.Extended(), m, aluEncoding[op].regRM)
}

// AluRegImm emits "op dst, imm", picking the imm8 form when it fits.
func (a *Assembler) AluRegImm(op AluOp, dst Reg, imm int32) {
	digit := aluEncoding[op].digit
	if imm >= -128 && imm <= 127 {
		a.digitReg(digit, dst, 0x83)
		a.emit(byte(int8(imm)))
		return
	}
	a.digitReg(digit, dst, 0x81)
	a.emitU32(uint32(imm))
}

// IMulRegReg emits imul dst, src.
func (a *Assembler) IMulRegReg(dst, src Reg) {
	a.regReg(dst, src, 0x0F, 0xAF)
}

// NegReg emits neg r.
func (a *Assembler) NegReg(r Reg) {
	a.digitReg(3, r, 0xF7)
}

// Jmp emits jmp rel32 to l.
func (a *Assembler) Jmp(l Label) {
	a.emit(0xE9)
	a.rel32(l)
}

// Jcc emits a conditional rel32 jump to l.
func (a *Assembler) Jcc(cc Cond, l Label) {
	a.emit(0x0F, 0x80|byte(cc))
	a.rel32(l)
}

func (a *Assembler) rel32(l Label) {
	a.fixups = append(a.fixups, fixup{at: len(a.buf), label: l})
	a.emitU32(0)
}

// Ret emits ret.
func (a *Assembler) Ret() {
	a.emit(0xC3)
}
