// Package x86 encodes the subset of x86-64 machine code the native
// backend emits.
//
// Every encoded byte is built with explicit shifts and masks: the REX
// prefix, the ModR/M byte, the optional SIB byte and the trailing
// displacement/immediate are produced independently of any struct
// layout.
package x86

import "fmt"

// Reg is a 64-bit general-purpose register number.
type Reg uint8

// Register numbers as used in ModR/M and SIB fields. R8-R15 need the
// matching REX extension bit.
const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var regNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// String returns the assembler name of the register.
func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("reg(%d)", uint8(r))
}

// Extended reports whether the register needs a REX extension bit.
func (r Reg) Extended() bool {
	return r >= R8
}

// low returns the three bits that go into ModR/M or SIB.
func (r Reg) low() byte {
	return byte(r) & 7
}

// Cond is a condition code for Jcc.
type Cond uint8

const (
	CondB  Cond = 0x2 // below (CF=1)
	CondAE Cond = 0x3 // above or equal (CF=0)
	CondE  Cond = 0x4 // equal (ZF=1)
	CondNE Cond = 0x5 // not equal (ZF=0)
	CondBE Cond = 0x6 // below or equal
	CondA  Cond = 0x7 // above
	CondL  Cond = 0xC // less (signed)
	CondGE Cond = 0xD // greater or equal (signed)
	CondLE Cond = 0xE // less or equal (signed)
	CondG  Cond = 0xF // greater (signed)
)
