package x86

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// ModR/M
// ---------------------------------------------------------------------------

// ModField is the two-bit addressing mode of a ModR/M byte.
type ModField uint8

const (
	ModNoShift ModField = 0 // [reg]
	ModDisp8   ModField = 1 // [reg]+disp8
	ModDisp32  ModField = 2 // [reg]+disp32
	ModDirect  ModField = 3 // register-register
)

const (
	rmUseSIB    = 4 // r/m value selecting a SIB byte
	rmDisp32    = 5 // r/m value that means RIP+disp32 under ModNoShift
	sibNoIndex  = 4 // SIB index value meaning "no index"
	maxScaleLog = 3
)

// ModRM is an unpacked ModR/M byte.
type ModRM struct {
	Mod ModField
	Reg byte // register or opcode extension (/digit)
	RM  byte
}

// Byte packs the fields as mod(7:6) reg(5:3) rm(2:0).
func (m ModRM) Byte() byte {
	return (byte(m.Mod)&3)<<6 | (m.Reg&7)<<3 | m.RM&7
}

// UsingSIB reports whether a SIB byte follows. A direct r/m of 4
// addresses RSP/R12 and does not.
func (m ModRM) UsingSIB() bool {
	return m.Mod != ModDirect && m.RM == rmUseSIB
}

// Displacement returns the displacement width implied by the byte.
// Mod 00 with r/m 101 silently carries a 32-bit displacement.
func (m ModRM) Displacement() ModField {
	if m.Mod == ModNoShift && m.RM == rmDisp32 {
		return ModDisp32
	}
	return m.Mod
}

// ---------------------------------------------------------------------------
// SIB and REX
// ---------------------------------------------------------------------------

// SIB is an unpacked scale-index-base byte. Scale is log2 of the
// multiplier.
type SIB struct {
	Scale byte
	Index byte
	Base  byte
}

// Byte packs the fields as scale(7:6) index(5:3) base(2:0).
func (s SIB) Byte() byte {
	return (s.Scale&3)<<6 | (s.Index&7)<<3 | s.Base&7
}

// REX is the 64-bit prefix 0100WRXB.
type REX struct {
	W bool // 64-bit operand size
	R bool // extends ModR/M reg
	X bool // extends SIB index
	B bool // extends ModR/M r/m, SIB base or opcode register
}

// Byte packs the prefix.
func (r REX) Byte() byte {
	b := byte(0x40)
	if r.W {
		b |= 1 << 3
	}
	if r.R {
		b |= 1 << 2
	}
	if r.X {
		b |= 1 << 1
	}
	if r.B {
		b |= 1
	}
	return b
}

// Needed reports whether the prefix has to be emitted at all.
func (r REX) Needed() bool {
	return r.W || r.R || r.X || r.B
}

// ---------------------------------------------------------------------------
// Memory operands
// ---------------------------------------------------------------------------

// Mem is a memory operand [Base + Index*Scale + Disp].
type Mem struct {
	Base     Reg
	Index    Reg
	Scale    uint8 // 1, 2, 4 or 8
	Disp     int32
	HasIndex bool
}

// Ptr returns [base+disp].
func Ptr(base Reg, disp int32) Mem {
	return Mem{Base: base, Disp: disp, Scale: 1}
}

// Indexed returns [base+index*scale+disp].
func Indexed(base, index Reg, scale uint8, disp int32) Mem {
	return Mem{Base: base, Index: index, Scale: scale, Disp: disp, HasIndex: true}
}

func (m Mem) String() string {
	if m.HasIndex {
		return fmt.Sprintf("[%s+%s*%d%+d]", m.Base, m.Index, m.Scale, m.Disp)
	}
	return fmt.Sprintf("[%s%+d]", m.Base, m.Disp)
}

func scaleLog(scale uint8) (byte, error) {
	switch scale {
	case 0, 1:
		return 0, nil
	case 2:
		return 1, nil
	case 4:
		return 2, nil
	case 8:
		return maxScaleLog, nil
	}
	return 0, fmt.Errorf("x86: invalid scale %d", scale)
}

// encodeMem produces the ModR/M, optional SIB and displacement bytes for
// a memory operand whose reg field is reg. The returned REX carries the
// X and B extension bits the operand needs.
func encodeMem(reg byte, m Mem) (REX, []byte, error) {
	var rex REX
	if m.HasIndex && m.Index == RSP {
		return rex, nil, fmt.Errorf("x86: %s cannot be used as an index", m.Index)
	}

	mod := ModDisp32
	switch {
	case m.Disp == 0 && m.Base.low() != rmDisp32:
		mod = ModNoShift
	case m.Disp >= -128 && m.Disp <= 127:
		// RBP/R13 with no displacement land here as disp8 0: mod 00
		// with base 101 would mean RIP-relative instead.
		mod = ModDisp8
	}

	out := make([]byte, 0, 7)
	rex.B = m.Base.Extended()

	if !m.HasIndex && m.Base.low() != rmUseSIB {
		out = append(out, ModRM{Mod: mod, Reg: reg, RM: m.Base.low()}.Byte())
	} else {
		// RSP/R12 as a base can only be expressed through a SIB byte;
		// without an index the SIB carries the "none" index and scale 0.
		sib := SIB{Index: sibNoIndex, Base: m.Base.low()}
		if m.HasIndex {
			s, err := scaleLog(m.Scale)
			if err != nil {
				return rex, nil, err
			}
			sib.Scale = s
			sib.Index = m.Index.low()
			rex.X = m.Index.Extended()
		}
		out = append(out, ModRM{Mod: mod, Reg: reg, RM: rmUseSIB}.Byte(), sib.Byte())
	}

	switch mod {
	case ModDisp8:
		out = append(out, byte(int8(m.Disp)))
	case ModDisp32:
		out = binary.LittleEndian.AppendUint32(out, uint32(m.Disp))
	}
	return rex, out, nil
}
