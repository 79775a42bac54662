package x86

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tinyrange/irx86/internal/asm"
)

type instruction struct {
	mnemonic string
	operands []Operand
	encode   func() ([]byte, error)
	listing  string
}

func (i *instruction) text() string {
	if i.listing != "" {
		return i.listing
	}
	if len(i.operands) == 0 {
		return i.mnemonic
	}
	parts := make([]string, len(i.operands))
	for idx, op := range i.operands {
		parts[idx] = op.String()
	}
	return i.mnemonic + " " + strings.Join(parts, ", ")
}

func (i *instruction) Emit(ctx asm.Context) error {
	code, err := i.encode()
	if err != nil {
		return fmt.Errorf("x86: %s: %w", i.text(), err)
	}
	if c, ok := ctx.(*Context); ok {
		c.emitInstruction(code, i.text())
		return nil
	}
	ctx.EmitBytes(code)
	return nil
}

func Mov(dst, src Operand) asm.Fragment {
	insn := &instruction{
		mnemonic: movMnemonic(src),
		operands: []Operand{dst, src},
		encode:   func() ([]byte, error) { return encodeMov(dst, src) },
	}
	if m, ok := dst.(Memory); ok {
		if r, ok := src.(Reg); ok {
			switch {
			case m.width() == Width8 && int(r) < len(byteRegNames):
				insn.listing = "mov " + m.String() + ", " + byteRegNames[r]
			case m.width() == Width16 && int(r) < len(wordRegNames):
				insn.listing = "mov " + m.String() + ", " + wordRegNames[r]
			}
		}
	}
	return insn
}

func movMnemonic(src Operand) string {
	if m, ok := src.(Memory); ok && m.width() != Width32 {
		return "movzx"
	}
	return "mov"
}

func alu(op aluOp, dst, src Operand) asm.Fragment {
	return &instruction{
		mnemonic: aluNames[op],
		operands: []Operand{dst, src},
		encode:   func() ([]byte, error) { return encodeALU(op, dst, src) },
	}
}

func Add(dst, src Operand) asm.Fragment { return alu(aluAdd, dst, src) }
func Sub(dst, src Operand) asm.Fragment { return alu(aluSub, dst, src) }
func Xor(dst, src Operand) asm.Fragment { return alu(aluXor, dst, src) }

// Cmp sets flags from left - right.
func Cmp(left, right Operand) asm.Fragment { return alu(aluCmp, left, right) }

func Push(src Operand) asm.Fragment {
	return &instruction{
		mnemonic: "push",
		operands: []Operand{src},
		encode:   func() ([]byte, error) { return encodePush(src) },
	}
}

func Pop(dst Operand) asm.Fragment {
	return &instruction{
		mnemonic: "pop",
		operands: []Operand{dst},
		encode:   func() ([]byte, error) { return encodePop(dst) },
	}
}

// CallIndirect calls through a register or memory operand.
func CallIndirect(target Operand) asm.Fragment {
	return &instruction{
		mnemonic: "call",
		operands: []Operand{target},
		encode:   func() ([]byte, error) { return encodeCallIndirect(target) },
	}
}

func Ret() asm.Fragment {
	return &instruction{
		mnemonic: "ret",
		encode:   func() ([]byte, error) { return encodeRet(), nil },
	}
}

// Ud2 raises an invalid-opcode trap.
func Ud2() asm.Fragment {
	return &instruction{
		mnemonic: "ud2",
		encode:   func() ([]byte, error) { return encodeUd2(), nil },
	}
}

type word32 struct {
	value uint32
}

// Word32 emits a raw little-endian 32-bit data word.
func Word32(value uint32) asm.Fragment {
	return &word32{value: value}
}

func (w *word32) Emit(ctx asm.Context) error {
	data := binary.LittleEndian.AppendUint32(nil, w.value)
	if c, ok := ctx.(*Context); ok {
		c.emitInstruction(data, fmt.Sprintf("dd %#x", w.value))
		return nil
	}
	ctx.EmitBytes(data)
	return nil
}

type labelRef struct {
	label    asm.Label
	kind     string
	mnemonic string
	encode   func() ([]byte, int)
}

func (l *labelRef) Emit(_ctx asm.Context) error {
	ctx, ok := _ctx.(*Context)
	if !ok {
		return fmt.Errorf("x86: %s %s requires an x86 context", l.mnemonic, l.label)
	}
	code, immIdx := l.encode()
	ctx.emitRel(code, immIdx, l.label, l.kind, l.mnemonic+" "+string(l.label))
	return nil
}

func Call(label asm.Label) asm.Fragment {
	return &labelRef{label: label, kind: "call", mnemonic: "call", encode: encodeCallRel}
}

func Jump(label asm.Label) asm.Fragment {
	return &labelRef{label: label, kind: "jump", mnemonic: "jmp", encode: encodeJmpRel}
}

// JumpIf emits a conditional near jump.
func JumpIf(cond Cond, label asm.Label) asm.Fragment {
	if !cond.valid() {
		return errorFragment{err: fmt.Errorf("x86: invalid condition code %d", uint8(cond))}
	}
	return &labelRef{
		label:    label,
		kind:     "jump",
		mnemonic: "j" + cond.String(),
		encode:   func() ([]byte, int) { return encodeJccRel(cond) },
	}
}

func JumpIfEqual(label asm.Label) asm.Fragment    { return JumpIf(CondE, label) }
func JumpIfNotEqual(label asm.Label) asm.Fragment { return JumpIf(CondNE, label) }

type errorFragment struct {
	err error
}

func (e errorFragment) Emit(asm.Context) error { return e.err }
