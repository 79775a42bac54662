// Package ir is the register-allocated intermediate representation consumed
// by the backends. Every operand has already been assigned a concrete
// location; the backends make no allocation decisions of their own.
package ir

import (
	"fmt"
	"iter"
)

// Program is a set of functions with a designated entry function.
type Program struct {
	Functions []*Function
	Entry     *Function
}

// Function returns the function with the given name, or nil.
func (p *Program) Function(name string) *Function {
	for _, fn := range p.Functions {
		if fn.Name == name {
			return fn
		}
	}
	return nil
}

type Function struct {
	Name   string
	Blocks []*Block

	// SpillSlots is the number of word sized stack slots the register
	// allocator reserved for this function.
	SpillSlots int
}

type Block struct {
	Name   string
	Instrs []*Instr
}

// Instructions returns a restartable iterator over the block's
// instructions.
func (b *Block) Instructions() iter.Seq2[int, *Instr] {
	return func(yield func(int, *Instr) bool) {
		for idx, in := range b.Instrs {
			if !yield(idx, in) {
				return
			}
		}
	}
}

type Instr struct {
	Op   Opcode
	Args []Operand

	// Dest is nil when the result is dead.
	Dest Operand

	// Targets holds successor blocks for branches and calls.
	Targets []*Block

	// ArgIndex is the positional index bound by an Arg instruction.
	ArgIndex int
}

func (in *Instr) String() string {
	s := in.Op.String()
	for idx, a := range in.Args {
		if idx == 0 {
			s += " "
		} else {
			s += ", "
		}
		s += a.String()
	}
	if in.Op == Arg {
		s += fmt.Sprintf(" #%d", in.ArgIndex)
	}
	if in.Dest != nil {
		s += " -> " + in.Dest.String()
	}
	for idx, t := range in.Targets {
		if idx == 0 {
			s += " ["
		} else {
			s += ", "
		}
		s += t.Name
		if idx == len(in.Targets)-1 {
			s += "]"
		}
	}
	return s
}

// Operand is one of Register, Memory, Immediate, Const or FuncRef.
type Operand interface {
	fmt.Stringer
	isOperand()
}

// Register is a physical register number in the target's own encoding.
type Register uint8

func (r Register) isOperand() {}

func (r Register) String() string { return fmt.Sprintf("r%d", uint8(r)) }

// Memory is a [Base+Disp] location. A zero Width means a full word.
type Memory struct {
	Base  Register
	Disp  int32
	Width int
}

func (m Memory) isOperand() {}

func (m Memory) String() string {
	s := fmt.Sprintf("[%s%+d]", m.Base, m.Disp)
	if m.Width != 0 {
		s += fmt.Sprintf(":%d", m.Width*8)
	}
	return s
}

type Immediate int32

func (i Immediate) isOperand() {}

func (i Immediate) String() string { return fmt.Sprintf("$%d", int32(i)) }

type ConstKind uint8

const (
	ConstInt ConstKind = iota
	ConstUndefined
	ConstString
)

// Const is a source level constant. Backends lower it to an immediate
// before dispatching the instruction.
type Const struct {
	Kind ConstKind
	Int  int32
	Str  string
}

func IntConst(v int32) Const     { return Const{Kind: ConstInt, Int: v} }
func StringConst(s string) Const { return Const{Kind: ConstString, Str: s} }
func Undefined() Const           { return Const{Kind: ConstUndefined} }

func (c Const) isOperand() {}

func (c Const) String() string {
	switch c.Kind {
	case ConstUndefined:
		return "undefined"
	case ConstString:
		return fmt.Sprintf("str:%s", c.Str)
	default:
		return fmt.Sprintf("%d", c.Int)
	}
}

// FuncRef names a function node, as used by MakeClos.
type FuncRef struct {
	Func *Function
}

func (f FuncRef) isOperand() {}

func (f FuncRef) String() string {
	if f.Func == nil {
		return "fn:<nil>"
	}
	return "fn:" + f.Func.Name
}

// Validate checks the structural rules every backend relies on: branch
// targets belong to the same function, function references resolve and
// instruction shapes match their opcode.
func (p *Program) Validate() error {
	if p.Entry == nil {
		return fmt.Errorf("ir: program has no entry function")
	}
	known := make(map[*Function]bool, len(p.Functions))
	for _, fn := range p.Functions {
		if known[fn] {
			return fmt.Errorf("ir: function %q listed twice", fn.Name)
		}
		known[fn] = true
	}
	if !known[p.Entry] {
		return fmt.Errorf("ir: entry function %q is not part of the program", p.Entry.Name)
	}

	for _, fn := range p.Functions {
		if err := fn.validate(known); err != nil {
			return err
		}
	}
	return nil
}

func (fn *Function) validate(known map[*Function]bool) error {
	if fn.SpillSlots < 0 {
		return fmt.Errorf("ir: function %q: negative spill slot count", fn.Name)
	}
	if len(fn.Blocks) == 0 {
		return fmt.Errorf("ir: function %q has no blocks", fn.Name)
	}
	owned := make(map[*Block]bool, len(fn.Blocks))
	for _, b := range fn.Blocks {
		owned[b] = true
	}
	for _, b := range fn.Blocks {
		for idx, in := range b.Instructions() {
			if err := in.validate(owned, known); err != nil {
				return fmt.Errorf("ir: %s.%s[%d] %s: %w", fn.Name, b.Name, idx, in.Op, err)
			}
		}
	}
	return nil
}

// CheckShape reports operand and target counts that do not fit the opcode,
// and nil operands or targets. Unknown opcodes pass.
func (in *Instr) CheckShape() error {
	shape, ok := shapes[in.Op]
	if !ok {
		// Unknown opcodes are the backend's problem to report.
		return nil
	}
	if len(in.Args) < shape.minArgs || (shape.maxArgs >= 0 && len(in.Args) > shape.maxArgs) {
		return fmt.Errorf("got %d operands", len(in.Args))
	}
	if len(in.Targets) != shape.targets {
		return fmt.Errorf("got %d targets, want %d", len(in.Targets), shape.targets)
	}
	for _, t := range in.Targets {
		if t == nil {
			return fmt.Errorf("nil target")
		}
	}
	for _, a := range in.Args {
		if a == nil {
			return fmt.Errorf("nil operand")
		}
	}
	return nil
}

func (in *Instr) validate(owned map[*Block]bool, known map[*Function]bool) error {
	if err := in.CheckShape(); err != nil {
		return err
	}
	for _, t := range in.Targets {
		if !owned[t] {
			return fmt.Errorf("target block is not part of the function")
		}
	}
	for _, a := range in.Args {
		if f, ok := a.(FuncRef); ok && !known[f.Func] {
			return fmt.Errorf("reference to unknown function %s", f)
		}
	}
	return nil
}
