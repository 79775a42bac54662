package x86

import (
	"fmt"
	"strings"
)

// Operand is one of Reg, Memory or Imm.
type Operand interface {
	fmt.Stringer
	isOperand()
}

// Reg is a 32-bit general purpose register. The value is the hardware
// register number used in ModR/M encodings.
type Reg uint8

const (
	EAX Reg = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
)

var regNames = [...]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}

var byteRegNames = [...]string{"al", "cl", "dl", "bl"}

var wordRegNames = [...]string{"ax", "cx", "dx", "bx", "sp", "bp", "si", "di"}

func (r Reg) isOperand() {}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("reg%d", uint8(r))
}

func (r Reg) valid() bool { return int(r) < len(regNames) }

// Registers returns all general purpose registers in encoding order.
func Registers() []Reg {
	return []Reg{EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI}
}

// RegisterByName resolves a register name such as "eax" (case-insensitive).
func RegisterByName(name string) (Reg, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for idx, n := range regNames {
		if n == name {
			return Reg(idx), true
		}
	}
	return 0, false
}

// Width is the access size of a memory operand in bytes.
type Width uint8

const (
	Width8  Width = 1
	Width16 Width = 2
	Width32 Width = 4
)

func (w Width) keyword() string {
	switch w {
	case Width8:
		return "byte"
	case Width16:
		return "word"
	default:
		return "dword"
	}
}

// Memory describes a [base+disp] effective address.
type Memory struct {
	Base  Reg
	Disp  int32
	Width Width
}

// Mem constructs a 32-bit memory operand referencing [base].
func Mem(base Reg) Memory {
	return Memory{Base: base, Width: Width32}
}

// WithDisp returns a copy of the memory operand with the supplied displacement.
func (m Memory) WithDisp(disp int32) Memory {
	m.Disp = disp
	return m
}

func (m Memory) As8() Memory  { m.Width = Width8; return m }
func (m Memory) As16() Memory { m.Width = Width16; return m }
func (m Memory) As32() Memory { m.Width = Width32; return m }

func (m Memory) isOperand() {}

func (m Memory) width() Width {
	if m.Width == 0 {
		return Width32
	}
	return m.Width
}

func (m Memory) String() string {
	var sb strings.Builder
	sb.WriteString(m.width().keyword())
	sb.WriteString(" [")
	sb.WriteString(m.Base.String())
	switch {
	case m.Disp > 0:
		fmt.Fprintf(&sb, "+%d", m.Disp)
	case m.Disp < 0:
		fmt.Fprintf(&sb, "%d", m.Disp)
	}
	sb.WriteString("]")
	return sb.String()
}

func (m Memory) validate() error {
	if !m.Base.valid() {
		return fmt.Errorf("invalid base register %d", uint8(m.Base))
	}
	switch m.width() {
	case Width8, Width16, Width32:
	default:
		return fmt.Errorf("invalid memory width %d", m.Width)
	}
	return nil
}

// Imm is a 32-bit immediate.
type Imm int32

func (i Imm) isOperand() {}

func (i Imm) String() string {
	if i < 0 || i > 9 {
		return fmt.Sprintf("%#x", uint32(i))
	}
	return fmt.Sprintf("%d", int32(i))
}

// Cond is a condition code as encoded in the low nibble of Jcc opcodes.
type Cond uint8

const (
	CondB  Cond = 0x2
	CondAE Cond = 0x3
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6
	CondA  Cond = 0x7
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)

var condNames = map[Cond]string{
	CondB:  "b",
	CondAE: "ae",
	CondE:  "e",
	CondNE: "ne",
	CondBE: "be",
	CondA:  "a",
	CondL:  "l",
	CondGE: "ge",
	CondLE: "le",
	CondG:  "g",
}

func (c Cond) String() string {
	if n, ok := condNames[c]; ok {
		return n
	}
	return fmt.Sprintf("cc%d", uint8(c))
}

func (c Cond) valid() bool {
	_, ok := condNames[c]
	return ok
}

// IsMemory reports whether op is a memory operand.
func IsMemory(op Operand) bool {
	_, ok := op.(Memory)
	return ok
}

// IsImmediate reports whether op is an immediate.
func IsImmediate(op Operand) bool {
	_, ok := op.(Imm)
	return ok
}

// UsesRegister reports whether reading op reads reg, either directly or as
// the base of a memory operand.
func UsesRegister(op Operand, reg Reg) bool {
	switch v := op.(type) {
	case Reg:
		return v == reg
	case Memory:
		return v.Base == reg
	}
	return false
}
