package x86

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMemoryToMemory is returned for operand pairs the architecture cannot
// encode because both sides are memory references.
var ErrMemoryToMemory = errors.New("memory to memory operation")

// aluOp is the /digit of the 0x81/0x83 group and the row of the r/m forms.
type aluOp byte

const (
	aluAdd aluOp = 0
	aluSub aluOp = 5
	aluXor aluOp = 6
	aluCmp aluOp = 7
)

var aluNames = map[aluOp]string{
	aluAdd: "add",
	aluSub: "sub",
	aluXor: "xor",
	aluCmp: "cmp",
}

func fitsInt8(v int32) bool {
	return v >= math.MinInt8 && v <= math.MaxInt8
}

func modrmReg(reg, rm Reg) byte {
	return byte(0xC0 | (byte(reg)&7)<<3 | byte(rm)&7)
}

// encodeMemoryOperand returns the ModR/M byte followed by any SIB byte and
// displacement for [base+disp] with the given reg field.
func encodeMemoryOperand(mem Memory, regField byte) ([]byte, error) {
	if err := mem.validate(); err != nil {
		return nil, err
	}

	rm := byte(mem.Base) & 7
	var mod byte
	var disp []byte
	switch {
	case mem.Disp == 0 && mem.Base != EBP:
		mod = 0x00
	case fitsInt8(mem.Disp):
		// [ebp] with zero displacement must use an 8-bit displacement of zero.
		mod = 0x40
		disp = []byte{byte(int8(mem.Disp))}
	default:
		mod = 0x80
		disp = binary.LittleEndian.AppendUint32(nil, uint32(mem.Disp))
	}

	out := []byte{mod | (regField&7)<<3 | rm}
	if mem.Base == ESP {
		// rm=100 selects a SIB byte; scale=1, no index, base=esp.
		out = append(out, 0x24)
	}
	out = append(out, disp...)
	return out, nil
}

func appendImm32(out []byte, v int32) []byte {
	return binary.LittleEndian.AppendUint32(out, uint32(v))
}

func checkReg(r Reg) error {
	if !r.valid() {
		return fmt.Errorf("unsupported register %d", uint8(r))
	}
	return nil
}

func encodeMov(dst, src Operand) ([]byte, error) {
	switch d := dst.(type) {
	case Reg:
		if err := checkReg(d); err != nil {
			return nil, err
		}
		switch s := src.(type) {
		case Reg:
			if err := checkReg(s); err != nil {
				return nil, err
			}
			return []byte{0x89, modrmReg(s, d)}, nil
		case Imm:
			return appendImm32([]byte{0xB8 + byte(d)}, int32(s)), nil
		case Memory:
			var opcode []byte
			switch s.width() {
			case Width8:
				opcode = []byte{0x0F, 0xB6}
			case Width16:
				opcode = []byte{0x0F, 0xB7}
			default:
				opcode = []byte{0x8B}
			}
			mem, err := encodeMemoryOperand(s, byte(d))
			if err != nil {
				return nil, err
			}
			return append(opcode, mem...), nil
		}
	case Memory:
		switch s := src.(type) {
		case Reg:
			if err := checkReg(s); err != nil {
				return nil, err
			}
			var opcode []byte
			switch d.width() {
			case Width8:
				if s > EBX {
					return nil, fmt.Errorf("register %s has no byte form", s)
				}
				opcode = []byte{0x88}
			case Width16:
				opcode = []byte{0x66, 0x89}
			default:
				opcode = []byte{0x89}
			}
			mem, err := encodeMemoryOperand(d, byte(s))
			if err != nil {
				return nil, err
			}
			return append(opcode, mem...), nil
		case Imm:
			mem, err := encodeMemoryOperand(d, 0)
			if err != nil {
				return nil, err
			}
			switch d.width() {
			case Width8:
				out := append([]byte{0xC6}, mem...)
				return append(out, byte(s)), nil
			case Width16:
				out := append([]byte{0x66, 0xC7}, mem...)
				return binary.LittleEndian.AppendUint16(out, uint16(s)), nil
			default:
				out := append([]byte{0xC7}, mem...)
				return appendImm32(out, int32(s)), nil
			}
		case Memory:
			return nil, ErrMemoryToMemory
		}
	case Imm:
		return nil, fmt.Errorf("immediate destination")
	}
	return nil, fmt.Errorf("unsupported operands %T, %T", dst, src)
}

func encodeALU(op aluOp, dst, src Operand) ([]byte, error) {
	if m, ok := dst.(Memory); ok && m.width() != Width32 {
		return nil, fmt.Errorf("%s supports only 32-bit memory operands", aluNames[op])
	}
	if m, ok := src.(Memory); ok && m.width() != Width32 {
		return nil, fmt.Errorf("%s supports only 32-bit memory operands", aluNames[op])
	}

	rmForm := byte(op)<<3 | 0x01
	regForm := byte(op)<<3 | 0x03

	switch d := dst.(type) {
	case Reg:
		if err := checkReg(d); err != nil {
			return nil, err
		}
		switch s := src.(type) {
		case Reg:
			if err := checkReg(s); err != nil {
				return nil, err
			}
			return []byte{rmForm, modrmReg(s, d)}, nil
		case Memory:
			mem, err := encodeMemoryOperand(s, byte(d))
			if err != nil {
				return nil, err
			}
			return append([]byte{regForm}, mem...), nil
		case Imm:
			return encodeALUImm([]byte{0xC0 | byte(op)<<3 | byte(d)}, int32(s)), nil
		}
	case Memory:
		switch s := src.(type) {
		case Reg:
			if err := checkReg(s); err != nil {
				return nil, err
			}
			mem, err := encodeMemoryOperand(d, byte(s))
			if err != nil {
				return nil, err
			}
			return append([]byte{rmForm}, mem...), nil
		case Imm:
			mem, err := encodeMemoryOperand(d, byte(op))
			if err != nil {
				return nil, err
			}
			return encodeALUImm(mem, int32(s)), nil
		case Memory:
			return nil, ErrMemoryToMemory
		}
	case Imm:
		return nil, fmt.Errorf("immediate destination")
	}
	return nil, fmt.Errorf("unsupported operands %T, %T", dst, src)
}

func encodeALUImm(modrm []byte, value int32) []byte {
	if fitsInt8(value) {
		out := append([]byte{0x83}, modrm...)
		return append(out, byte(int8(value)))
	}
	out := append([]byte{0x81}, modrm...)
	return appendImm32(out, value)
}

func encodePush(src Operand) ([]byte, error) {
	switch s := src.(type) {
	case Reg:
		if err := checkReg(s); err != nil {
			return nil, err
		}
		return []byte{0x50 + byte(s)}, nil
	case Imm:
		if fitsInt8(int32(s)) {
			return []byte{0x6A, byte(int8(s))}, nil
		}
		return appendImm32([]byte{0x68}, int32(s)), nil
	case Memory:
		if s.width() != Width32 {
			return nil, fmt.Errorf("push supports only 32-bit memory operands")
		}
		mem, err := encodeMemoryOperand(s, 6)
		if err != nil {
			return nil, err
		}
		return append([]byte{0xFF}, mem...), nil
	}
	return nil, fmt.Errorf("unsupported push operand %T", src)
}

func encodePop(dst Operand) ([]byte, error) {
	switch d := dst.(type) {
	case Reg:
		if err := checkReg(d); err != nil {
			return nil, err
		}
		return []byte{0x58 + byte(d)}, nil
	case Memory:
		if d.width() != Width32 {
			return nil, fmt.Errorf("pop supports only 32-bit memory operands")
		}
		mem, err := encodeMemoryOperand(d, 0)
		if err != nil {
			return nil, err
		}
		return append([]byte{0x8F}, mem...), nil
	}
	return nil, fmt.Errorf("unsupported pop operand %T", dst)
}

func encodeCallIndirect(target Operand) ([]byte, error) {
	switch t := target.(type) {
	case Reg:
		if err := checkReg(t); err != nil {
			return nil, err
		}
		return []byte{0xFF, modrmReg(2, t)}, nil
	case Memory:
		mem, err := encodeMemoryOperand(t.As32(), 2)
		if err != nil {
			return nil, err
		}
		return append([]byte{0xFF}, mem...), nil
	}
	return nil, fmt.Errorf("unsupported call target %T", target)
}

func encodeRet() []byte {
	return []byte{0xC3}
}

func encodeUd2() []byte {
	return []byte{0x0F, 0x0B}
}

// rel32 forms; the displacement is patched once labels are resolved.

func encodeCallRel() ([]byte, int) {
	return []byte{0xE8, 0, 0, 0, 0}, 1
}

func encodeJmpRel() ([]byte, int) {
	return []byte{0xE9, 0, 0, 0, 0}, 1
}

func encodeJccRel(cond Cond) ([]byte, int) {
	return []byte{0x0F, 0x80 | byte(cond), 0, 0, 0, 0}, 2
}
