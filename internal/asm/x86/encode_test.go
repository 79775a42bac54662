package x86

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/irx86/internal/asm"
)

func TestEncodeInstructions(t *testing.T) {
	tests := []struct {
		name string
		frag asm.Fragment
		want []byte
	}{
		{"mov_reg_reg", Mov(EAX, ECX), []byte{0x89, 0xC8}},
		{"mov_reg_imm", Mov(EDI, Imm(1)), []byte{0xBF, 0x01, 0x00, 0x00, 0x00}},
		{"mov_reg_mem_esp", Mov(EAX, Mem(ESP).WithDisp(4)), []byte{0x8B, 0x44, 0x24, 0x04}},
		{"mov_reg_mem_ebp", Mov(EAX, Mem(EBP)), []byte{0x8B, 0x45, 0x00}},
		{"mov_reg_mem_disp32", Mov(EDX, Mem(EBX).WithDisp(0x100)), []byte{0x8B, 0x93, 0x00, 0x01, 0x00, 0x00}},
		{"mov_mem_reg", Mov(Mem(EDI).WithDisp(4), ESI), []byte{0x89, 0x77, 0x04}},
		{"mov_mem_imm", Mov(Mem(EAX), Imm(-1)), []byte{0xC7, 0x00, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"movzx8", Mov(ECX, Mem(ESI).As8()), []byte{0x0F, 0xB6, 0x0E}},
		{"movzx16", Mov(ECX, Mem(ESI).As16()), []byte{0x0F, 0xB7, 0x0E}},
		{"mov_store8", Mov(Mem(EDI).As8(), EAX), []byte{0x88, 0x07}},
		{"mov_store16", Mov(Mem(EDI).As16(), EAX), []byte{0x66, 0x89, 0x07}},
		{"mov_store_imm8", Mov(Mem(EDI).As8(), Imm(7)), []byte{0xC6, 0x07, 0x07}},
		{"add_reg_imm8", Add(EAX, Imm(9)), []byte{0x83, 0xC0, 0x09}},
		{"add_reg_imm32", Add(EAX, Imm(0x1000)), []byte{0x81, 0xC0, 0x00, 0x10, 0x00, 0x00}},
		{"add_reg_reg", Add(EDX, EBX), []byte{0x01, 0xDA}},
		{"add_reg_mem", Add(EDI, Mem(EDI)), []byte{0x03, 0x3F}},
		{"add_mem_imm", Add(Mem(EDI), Imm(8)), []byte{0x83, 0x07, 0x08}},
		{"sub_reg_imm", Sub(ESP, Imm(8)), []byte{0x83, 0xEC, 0x08}},
		{"sub_mem_reg", Sub(Mem(ESP).WithDisp(4), EAX), []byte{0x29, 0x44, 0x24, 0x04}},
		{"xor_reg_reg", Xor(ECX, EDX), []byte{0x31, 0xD1}},
		{"cmp_reg_reg", Cmp(EDI, EAX), []byte{0x39, 0xC7}},
		{"cmp_mem_imm", Cmp(Mem(EDI), Imm(32)), []byte{0x83, 0x3F, 0x20}},
		{"push_reg", Push(EBX), []byte{0x53}},
		{"push_imm8", Push(Imm(3)), []byte{0x6A, 0x03}},
		{"push_imm32", Push(Imm(0x12345678)), []byte{0x68, 0x78, 0x56, 0x34, 0x12}},
		{"push_mem", Push(Mem(ESP).WithDisp(4)), []byte{0xFF, 0x74, 0x24, 0x04}},
		{"pop_reg", Pop(EAX), []byte{0x58}},
		{"pop_mem", Pop(Mem(EDI).WithDisp(4)), []byte{0x8F, 0x47, 0x04}},
		{"call_reg", CallIndirect(EAX), []byte{0xFF, 0xD0}},
		{"ret", Ret(), []byte{0xC3}},
		{"ud2", Ud2(), []byte{0x0F, 0x0B}},
		{"word", Word32(0xdeadbeef), []byte{0xEF, 0xBE, 0xAD, 0xDE}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EmitBytes(tt.frag)
			if err != nil {
				t.Fatalf("EmitBytes: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("encoding = % x, want % x", got, tt.want)
			}
		})
	}
}

func TestEncodeRejectsMemoryToMemory(t *testing.T) {
	for _, frag := range []asm.Fragment{
		Mov(Mem(EAX), Mem(EBX)),
		Add(Mem(EAX), Mem(EBX)),
		Cmp(Mem(EAX), Mem(EBX)),
	} {
		_, err := EmitBytes(frag)
		if !errors.Is(err, ErrMemoryToMemory) {
			t.Fatalf("EmitBytes error = %v, want ErrMemoryToMemory", err)
		}
	}
}

func TestEncodeRejectsByteStoreFromHighRegister(t *testing.T) {
	if _, err := EmitBytes(Mov(Mem(EAX).As8(), ESI)); err == nil {
		t.Fatalf("expected error storing esi as a byte")
	}
}

func TestRelativeBranches(t *testing.T) {
	target := asm.Label("target")
	prog, err := EmitProgram(asm.Group{
		Jump(target),        // 0: e9 rel32
		JumpIfEqual(target), // 5: 0f 84 rel32
		Call(target),        // 11: e8 rel32
		asm.MarkLabel(target),
		Ret(), // 16
	})
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}

	want := []byte{
		0xE9, 0x0B, 0x00, 0x00, 0x00,
		0x0F, 0x84, 0x05, 0x00, 0x00, 0x00,
		0xE8, 0x00, 0x00, 0x00, 0x00,
		0xC3,
	}
	if got := prog.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("program = % x, want % x", got, want)
	}
	if off, ok := prog.LabelOffset(target); !ok || off != 16 {
		t.Fatalf("LabelOffset(target) = %d, %v, want 16, true", off, ok)
	}
}

func TestBackwardBranch(t *testing.T) {
	loop := asm.Label("loop")
	got, err := EmitBytes(asm.Group{
		asm.MarkLabel(loop),
		Sub(EAX, Imm(1)), // 3 bytes
		Jump(loop),       // rel = 0 - 8
	})
	if err != nil {
		t.Fatalf("EmitBytes: %v", err)
	}
	want := []byte{0x83, 0xE8, 0x01, 0xE9, 0xF8, 0xFF, 0xFF, 0xFF}
	if !bytes.Equal(got, want) {
		t.Fatalf("program = % x, want % x", got, want)
	}
}

func TestUndefinedLabel(t *testing.T) {
	if _, err := EmitProgram(Jump("missing")); err == nil {
		t.Fatalf("expected undefined label error")
	}
}

func TestDuplicateLabel(t *testing.T) {
	_, err := EmitProgram(asm.Group{asm.MarkLabel("a"), asm.MarkLabel("a")})
	if err == nil {
		t.Fatalf("expected duplicate label error")
	}
}

func TestInvalidCondition(t *testing.T) {
	if _, err := EmitProgram(asm.Group{JumpIf(Cond(0xA), "x"), asm.MarkLabel("x")}); err == nil {
		t.Fatalf("expected invalid condition error")
	}
}

func TestRegisterByName(t *testing.T) {
	for _, r := range Registers() {
		got, ok := RegisterByName(r.String())
		if !ok || got != r {
			t.Fatalf("RegisterByName(%q) = %v, %v", r.String(), got, ok)
		}
	}
	if _, ok := RegisterByName("rax"); ok {
		t.Fatalf("RegisterByName(rax) unexpectedly succeeded")
	}
	if got, ok := RegisterByName(" EDI "); !ok || got != EDI {
		t.Fatalf("RegisterByName(EDI) = %v, %v", got, ok)
	}
}

func TestUsesRegister(t *testing.T) {
	if !UsesRegister(Mem(ESP).WithDisp(8), ESP) {
		t.Fatalf("memory base should count as a use")
	}
	if UsesRegister(Imm(4), ESP) {
		t.Fatalf("immediate should not use a register")
	}
	if !UsesRegister(ECX, ECX) || UsesRegister(ECX, EDX) {
		t.Fatalf("register use mismatch")
	}
}

func TestListingTracksPatchedBytes(t *testing.T) {
	end := asm.Label("end")
	prog, err := EmitProgram(asm.Group{
		asm.Section("TEST"),
		Jump(end),
		asm.MarkLabel(end),
		Ret(),
	})
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}

	var jmp *asm.ListingEntry
	listing := prog.Listing()
	for idx := range listing {
		if listing[idx].Text == "jmp end" {
			jmp = &listing[idx]
		}
	}
	if jmp == nil {
		t.Fatalf("listing has no jmp entry: %+v", listing)
	}
	if want := []byte{0xE9, 0, 0, 0, 0}; !bytes.Equal(jmp.Bytes, want) {
		t.Fatalf("listing bytes = % x, want % x", jmp.Bytes, want)
	}
	if jmp.Section != "TEST" {
		t.Fatalf("listing section = %q, want TEST", jmp.Section)
	}
}
