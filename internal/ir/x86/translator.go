// Package x86 translates register-allocated IR into IA-32 code.
//
// The emitted stream starts with the program entry sequence, continues with
// every function (prologue then blocks) and ends with the global object:
// a self-address stub followed by the object's zeroed image.
//
// Runtime conventions:
//
//   - A closure is the address of a function body. The word just below it
//     holds the global object pointer the closure was created with.
//   - Calls pass the closure in the callee register, the receiver in the
//     receiver register and at most len(Config.ArgRegs) further arguments
//     in registers. Results come back in eax.
//   - Each function owns SpillSlots words below the return address and
//     releases them before returning.
package x86

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/irx86/internal/asm"
	"github.com/tinyrange/irx86/internal/asm/x86"
	"github.com/tinyrange/irx86/internal/ir"
)

// Fixed label names. They are claimed before any IR label so user functions
// cannot shadow them.
const (
	GlobalPreludeLabel asm.Label = "GLOBAL_PRELUDE"
	GlobalObjectLabel  asm.Label = "GLOBAL_OBJECT"
	MainReturnLabel    asm.Label = "MAIN_RET"
)

// Translator turns functions into code one at a time. Finish emits the
// entry sequence and the global object and assembles the result.
type Translator struct {
	cfg     Config
	labels  *labelRegistry
	strings *stringInterner

	fn    *ir.Function
	out   asm.Group
	funcs asm.Group

	globalPrelude     asm.Label
	globalObjectLabel asm.Label
	mainReturn        asm.Label
}

// NewTranslator returns a Translator for cfg, or the configuration's
// validation error.
func NewTranslator(cfg Config) (*Translator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Translator{
		cfg:     cfg,
		labels:  newLabelRegistry(),
		strings: newStringInterner(),
	}
	t.globalPrelude = t.labels.fresh(string(GlobalPreludeLabel))
	t.globalObjectLabel = t.labels.fresh(string(GlobalObjectLabel))
	t.mainReturn = t.labels.fresh(string(MainReturnLabel))
	return t, nil
}

// Translate compiles a whole program with the given configuration.
func Translate(prog *ir.Program, cfg Config) (asm.Program, error) {
	if err := prog.Validate(); err != nil {
		return asm.Program{}, err
	}
	t, err := NewTranslator(cfg)
	if err != nil {
		return asm.Program{}, err
	}
	for _, fn := range prog.Functions {
		if err := t.Function(fn); err != nil {
			return asm.Program{}, err
		}
	}
	return t.Finish(prog.Entry)
}

// MustTranslate is like Translate but panics on error.
func MustTranslate(prog *ir.Program, cfg Config) asm.Program {
	out, err := Translate(prog, cfg)
	if err != nil {
		panic(err)
	}
	return out
}

func (t *Translator) emit(frags ...asm.Fragment) {
	t.out = append(t.out, frags...)
}

func (t *Translator) funcLabel(fn *ir.Function) asm.Label {
	return t.labels.labelFor(fn, fn.Name)
}

func (t *Translator) blockLabel(b *ir.Block) asm.Label {
	name := b.Name
	if t.fn != nil {
		name = t.fn.Name + "." + b.Name
	}
	return t.labels.labelFor(b, name)
}

// Function appends the code for fn. Instructions are checked for their
// opcode's operand and target counts; block and function references are
// trusted, so callers that build IR by hand should run Program.Validate.
func (t *Translator) Function(fn *ir.Function) error {
	t.fn = fn
	t.out = nil
	defer func() { t.fn = nil }()

	t.emit(
		asm.Section("FUNC "+fn.Name),
		asm.MarkLabel(t.funcLabel(fn)),
		selfAddress(t.labels.fresh(""), PrologueSelfAddress),
		x86.Word32(0), // global object slot, written by make_clos
	)
	if fn.SpillSlots > 0 {
		t.emit(x86.Sub(t.cfg.Stack, x86.Imm(int32(fn.SpillSlots*4))))
	}

	count := 0
	for _, b := range fn.Blocks {
		t.emit(asm.MarkLabel(t.blockLabel(b)))
		for idx, in := range b.Instructions() {
			if err := t.instr(in); err != nil {
				return &CompileError{Function: fn.Name, Block: b.Name, Index: idx, Op: in.Op, Err: err}
			}
			count++
		}
	}

	t.funcs = append(t.funcs, t.out...)
	t.out = nil
	slog.Debug("translated function",
		"name", fn.Name,
		"blocks", len(fn.Blocks),
		"instructions", count,
		"spill", fn.SpillSlots,
	)
	return nil
}

// Finish emits the entry sequence that builds a closure over entry and
// calls it, appends the global object and assembles the program.
func (t *Translator) Finish(entry *ir.Function) (asm.Program, error) {
	if entry == nil {
		return asm.Program{}, fmt.Errorf("x86: no entry function")
	}
	t.out = nil
	t.emit(
		asm.Section("INIT"),
		x86.Call(t.globalPrelude),
		x86.Mov(t.cfg.Receiver, returnReg),
	)
	if err := t.makeClosure(entry, t.cfg.Receiver, returnReg); err != nil {
		return asm.Program{}, fmt.Errorf("x86: entry sequence: %w", err)
	}
	if err := t.call([]x86.Operand{returnReg, t.cfg.Receiver}, nil, t.mainReturn); err != nil {
		return asm.Program{}, fmt.Errorf("x86: entry sequence: %w", err)
	}
	t.emit(
		asm.MarkLabel(t.mainReturn),
		x86.Ret(),
	)

	program := asm.Group{t.out, t.funcs, t.globalObject()}
	t.out = nil

	out, err := x86.EmitProgram(program)
	if err != nil {
		return asm.Program{}, fmt.Errorf("x86: assemble: %w", err)
	}
	slog.Debug("assembled program",
		"entry", entry.Name,
		"bytes", out.Len(),
		"strings", t.strings.count(),
	)
	return out, nil
}

func (t *Translator) instr(in *ir.Instr) error {
	if err := in.CheckShape(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadOperand, err)
	}
	ops, err := t.lower(in)
	if err != nil {
		return err
	}
	var dest x86.Operand
	if in.Dest != nil {
		if dest, err = t.operand(in.Dest); err != nil {
			return err
		}
		if x86.IsImmediate(dest) {
			return fmt.Errorf("%w: immediate destination %s", ErrBadOperand, in.Dest)
		}
	}

	if in.Op == ir.Move {
		if dest == nil {
			return nil
		}
		return t.move(dest, ops[0])
	}

	h, ok := handlers[in.Op]
	if !ok {
		return fmt.Errorf("%w %s", ErrNoHandler, in.Op)
	}
	for _, op := range ops {
		if isNarrow(op) {
			return fmt.Errorf("%w: %s operand %s: byte and word accesses are only valid in move", ErrBadOperand, in.Op, op)
		}
	}
	if isNarrow(dest) {
		return fmt.Errorf("%w: %s destination %s: byte and word accesses are only valid in move", ErrBadOperand, in.Op, dest)
	}
	return h(t, ops, dest, in)
}

// isNarrow reports whether op is a byte or word memory access.
func isNarrow(op x86.Operand) bool {
	m, ok := op.(x86.Memory)
	return ok && m.Width != x86.Width32
}

// lower converts the instruction's operands, replacing constants with
// immediates. Function references are left nil for make_clos to pick up
// from the instruction.
func (t *Translator) lower(in *ir.Instr) ([]x86.Operand, error) {
	ops := make([]x86.Operand, len(in.Args))
	for idx, arg := range in.Args {
		if _, ok := arg.(ir.FuncRef); ok {
			if in.Op != ir.MakeClos || idx != 0 {
				return nil, fmt.Errorf("%w: function reference %s outside make_clos", ErrBadOperand, arg)
			}
			continue
		}
		op, err := t.operand(arg)
		if err != nil {
			return nil, err
		}
		ops[idx] = op
	}
	return ops, nil
}

func (t *Translator) operand(op ir.Operand) (x86.Operand, error) {
	switch v := op.(type) {
	case ir.Register:
		r := x86.Reg(v)
		if int(r) >= len(x86.Registers()) {
			return nil, fmt.Errorf("%w: register %d", ErrBadOperand, uint8(v))
		}
		return r, nil
	case ir.Memory:
		base := x86.Reg(v.Base)
		if int(base) >= len(x86.Registers()) {
			return nil, fmt.Errorf("%w: base register %d", ErrBadOperand, uint8(v.Base))
		}
		m := x86.Mem(base).WithDisp(v.Disp)
		switch v.Width {
		case 0, 4:
		case 1:
			m = m.As8()
		case 2:
			m = m.As16()
		default:
			return nil, fmt.Errorf("%w: memory width %d", ErrBadOperand, v.Width)
		}
		return m, nil
	case ir.Immediate:
		return x86.Imm(v), nil
	case ir.Const:
		switch v.Kind {
		case ir.ConstInt:
			return x86.Imm(v.Int), nil
		case ir.ConstUndefined:
			return x86.Imm(t.cfg.Undefined), nil
		case ir.ConstString:
			return x86.Imm(t.strings.idFor(v.Str)), nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrBadOperand, op)
}

// move copies src into dst. Memory to memory copies go through the stack,
// or through the scratch register when either side is a byte or word
// access. Narrow loads zero extend; narrow stores truncate.
func (t *Translator) move(dst, src x86.Operand) error {
	switch {
	case dst == src:
		return nil
	case x86.IsImmediate(dst):
		return fmt.Errorf("%w: immediate destination %s", ErrBadOperand, dst)
	case x86.IsMemory(dst) && x86.IsMemory(src):
		if !isNarrow(dst) && !isNarrow(src) {
			t.emit(x86.Push(src), x86.Pop(dst))
			return nil
		}
		if err := t.checkStore(dst, t.cfg.Scratch); err != nil {
			return err
		}
		t.emit(
			x86.Mov(t.cfg.Scratch, src),
			x86.Mov(dst, t.cfg.Scratch),
		)
	default:
		if err := t.checkStore(dst, src); err != nil {
			return err
		}
		t.emit(x86.Mov(dst, src))
	}
	return nil
}

// checkStore rejects byte stores from registers without a byte form.
func (t *Translator) checkStore(dst, src x86.Operand) error {
	m, ok := dst.(x86.Memory)
	if !ok || m.Width != x86.Width8 {
		return nil
	}
	if r, ok := src.(x86.Reg); ok && r > x86.EBX {
		return fmt.Errorf("%w: byte store to %s from %s, which has no byte form", ErrBadOperand, dst, r)
	}
	return nil
}

// alu emits op dst, src, staging src in the scratch register when both are
// memory operands.
func (t *Translator) alu(op func(dst, src x86.Operand) asm.Fragment, dst, src x86.Operand) error {
	if x86.IsImmediate(dst) {
		return fmt.Errorf("%w: immediate destination %s", ErrBadOperand, dst)
	}
	if x86.IsMemory(dst) && x86.IsMemory(src) {
		t.emit(x86.Mov(t.cfg.Scratch, src))
		src = t.cfg.Scratch
	}
	t.emit(op(dst, src))
	return nil
}

// viaScratch computes left op right in the scratch register and stores the
// result in dest.
func (t *Translator) viaScratch(op func(dst, src x86.Operand) asm.Fragment, dest, left, right x86.Operand) error {
	s := t.cfg.Scratch
	t.emit(
		x86.Mov(s, left),
		op(s, right),
	)
	return t.move(dest, s)
}

// LookupRegister resolves IA-32 register names for ir.Decode.
func LookupRegister(name string) (ir.Register, bool) {
	r, ok := x86.RegisterByName(name)
	return ir.Register(r), ok
}
