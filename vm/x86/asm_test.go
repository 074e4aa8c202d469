package x86

import (
	"bytes"
	"testing"
)

func TestModRMByte(t *testing.T) {
	tests := []struct {
		m    ModRM
		want byte
	}{
		{ModRM{Mod: ModNoShift, Reg: 0, RM: 7}, 0x07},
		{ModRM{Mod: ModDisp8, Reg: 6, RM: 7}, 0x77},
		{ModRM{Mod: ModDisp32, Reg: 0, RM: 7}, 0x87},
		{ModRM{Mod: ModDirect, Reg: 3, RM: 0}, 0xD8},
		// Out-of-range field values are masked, not carried.
		{ModRM{Mod: ModDirect, Reg: 0xF, RM: 0xF}, 0xFF},
	}
	for _, tt := range tests {
		if got := tt.m.Byte(); got != tt.want {
			t.Errorf("%+v.Byte() = %#02x, want %#02x", tt.m, got, tt.want)
		}
	}
}

func TestModRMAddressingRules(t *testing.T) {
	if !(ModRM{Mod: ModDisp8, RM: rmUseSIB}).UsingSIB() {
		t.Error("r/m 100 with memory mod should use SIB")
	}
	if (ModRM{Mod: ModDirect, RM: rmUseSIB}).UsingSIB() {
		t.Error("direct r/m 100 addresses RSP, no SIB")
	}
	if d := (ModRM{Mod: ModNoShift, RM: rmDisp32}).Displacement(); d != ModDisp32 {
		t.Errorf("mod 00 r/m 101 displacement = %d, want disp32", d)
	}
	if d := (ModRM{Mod: ModDisp8, RM: 0}).Displacement(); d != ModDisp8 {
		t.Errorf("displacement = %d, want disp8", d)
	}
}

func TestSIBAndREX(t *testing.T) {
	if got := (SIB{Scale: 3, Index: 6, Base: 7}).Byte(); got != 0xF7 {
		t.Errorf("SIB = %#02x, want 0xF7", got)
	}
	if got := (REX{W: true}).Byte(); got != 0x48 {
		t.Errorf("REX.W = %#02x, want 0x48", got)
	}
	if got := (REX{W: true, R: true, B: true}).Byte(); got != 0x4D {
		t.Errorf("REX.WRB = %#02x, want 0x4D", got)
	}
	if (REX{}).Needed() {
		t.Error("empty REX should not be needed")
	}
}

func TestEncoding(t *testing.T) {
	tests := []struct {
		name string
		emit func(a *Assembler)
		want []byte
	}{
		{"mov rax,[rdi]", func(a *Assembler) { a.MovRegMem(RAX, Ptr(RDI, 0)) }, []byte{0x48, 0x8B, 0x07}},
		{"mov rax,[rdi+8]", func(a *Assembler) { a.MovRegMem(RAX, Ptr(RDI, 8)) }, []byte{0x48, 0x8B, 0x47, 0x08}},
		{"mov [rdi],rsi", func(a *Assembler) { a.MovMemReg(Ptr(RDI, 0), RSI) }, []byte{0x48, 0x89, 0x37}},
		{"mov rax,[rsp]", func(a *Assembler) { a.MovRegMem(RAX, Ptr(RSP, 0)) }, []byte{0x48, 0x8B, 0x04, 0x24}},
		{"mov rax,[r12]", func(a *Assembler) { a.MovRegMem(RAX, Ptr(R12, 0)) }, []byte{0x49, 0x8B, 0x04, 0x24}},
		{"mov rax,[rbp]", func(a *Assembler) { a.MovRegMem(RAX, Ptr(RBP, 0)) }, []byte{0x48, 0x8B, 0x45, 0x00}},
		{"mov rax,[r13]", func(a *Assembler) { a.MovRegMem(RAX, Ptr(R13, 0)) }, []byte{0x49, 0x8B, 0x45, 0x00}},
		{"mov r8,[rdi+0x100]", func(a *Assembler) { a.MovRegMem(R8, Ptr(RDI, 0x100)) },
			[]byte{0x4C, 0x8B, 0x87, 0x00, 0x01, 0x00, 0x00}},
		{"mov rax,[rdi+rsi*8+32]", func(a *Assembler) { a.MovRegMem(RAX, Indexed(RDI, RSI, 8, 32)) },
			[]byte{0x48, 0x8B, 0x44, 0xF7, 0x20}},
		{"mov r8,[rdi+rsi*8+48]", func(a *Assembler) { a.MovRegMem(R8, Indexed(RDI, RSI, 8, 48)) },
			[]byte{0x4C, 0x8B, 0x44, 0xF7, 0x30}},
		{"mov rax,[rdi+r9*8]", func(a *Assembler) { a.MovRegMem(RAX, Indexed(RDI, R9, 8, 0)) },
			[]byte{0x4A, 0x8B, 0x04, 0xCF}},
		{"mov rax,rcx", func(a *Assembler) { a.MovRegReg(RAX, RCX) }, []byte{0x48, 0x89, 0xC8}},
		{"movabs rax,1", func(a *Assembler) { a.MovRegImm64(RAX, 1) },
			[]byte{0x48, 0xB8, 1, 0, 0, 0, 0, 0, 0, 0}},
		{"movabs r9,2", func(a *Assembler) { a.MovRegImm64(R9, 2) },
			[]byte{0x49, 0xB9, 2, 0, 0, 0, 0, 0, 0, 0}},
		{"mov qword [rdi+8],1", func(a *Assembler) { a.MovMemImm32(Ptr(RDI, 8), 1) },
			[]byte{0x48, 0xC7, 0x47, 0x08, 0x01, 0x00, 0x00, 0x00}},
		{"add rax,rcx", func(a *Assembler) { a.AluRegReg(ADD, RAX, RCX) }, []byte{0x48, 0x03, 0xC1}},
		{"add r8,r9", func(a *Assembler) { a.AluRegReg(ADD, R8, R9) }, []byte{0x4D, 0x03, 0xC1}},
		{"add rsi,1", func(a *Assembler) { a.AluRegImm(ADD, RSI, 1) }, []byte{0x48, 0x83, 0xC6, 0x01}},
		{"sub rsi,1", func(a *Assembler) { a.AluRegImm(SUB, RSI, 1) }, []byte{0x48, 0x83, 0xEE, 0x01}},
		{"cmp rsi,0x1000", func(a *Assembler) { a.AluRegImm(CMP, RSI, 0x1000) },
			[]byte{0x48, 0x81, 0xFE, 0x00, 0x10, 0x00, 0x00}},
		{"cmp rsi,[rdi+32]", func(a *Assembler) { a.AluRegMem(CMP, RSI, Ptr(RDI, 32)) },
			[]byte{0x48, 0x3B, 0x77, 0x20}},
		{"imul r8,r9", func(a *Assembler) { a.IMulRegReg(R8, R9) }, []byte{0x4D, 0x0F, 0xAF, 0xC1}},
		{"neg rax", func(a *Assembler) { a.NegReg(RAX) }, []byte{0x48, 0xF7, 0xD8}},
		{"ret", func(a *Assembler) { a.Ret() }, []byte{0xC3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			tt.emit(a)
			got, err := a.Bytes()
			if err != nil {
				t.Fatalf("Bytes: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got % X, want % X", got, tt.want)
			}
		})
	}
}

func TestIndexRSPRejected(t *testing.T) {
	a := New()
	a.MovRegMem(RAX, Indexed(RDI, RSP, 8, 0))
	if _, err := a.Bytes(); err == nil {
		t.Fatal("expected error for RSP as index")
	}
}

func TestLabelFixups(t *testing.T) {
	a := New()
	top := a.NewLabel()
	end := a.NewLabel()

	a.Bind(top)
	a.Jcc(CondE, end) // 6 bytes
	a.Jmp(top)        // 5 bytes
	a.Bind(end)
	a.Ret()

	got, err := a.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	want := []byte{
		0x0F, 0x84, 0x05, 0x00, 0x00, 0x00, // je +5 -> end
		0xE9, 0xF5, 0xFF, 0xFF, 0xFF, // jmp -11 -> top
		0xC3,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got % X, want % X", got, want)
	}
}

func TestUnboundLabel(t *testing.T) {
	a := New()
	a.Jmp(a.NewLabel())
	if _, err := a.Bytes(); err == nil {
		t.Fatal("expected error for unbound label")
	}
}
