package x86

import (
	"fmt"

	"github.com/tinyrange/irx86/internal/asm"
	"github.com/tinyrange/irx86/internal/asm/x86"
	"github.com/tinyrange/irx86/internal/ir"
	"github.com/tinyrange/irx86/internal/ir/parmove"
)

// returnReg carries function results. It is also the accumulator the
// self-address primitive clobbers.
const returnReg = x86.EAX

// A handler lowers one instruction. ops are the lowered operands (function
// references are left nil) and dest is nil when the result is dead.
type handler func(t *Translator, ops []x86.Operand, dest x86.Operand, in *ir.Instr) error

// compareConds gives the signed condition each comparison opcode tests.
var compareConds = map[ir.Opcode]x86.Cond{
	ir.Lt: x86.CondL,
	ir.Le: x86.CondLE,
	ir.Gt: x86.CondG,
	ir.Ge: x86.CondGE,
	ir.Eq: x86.CondE,
	ir.Ne: x86.CondNE,
}

var handlers = map[ir.Opcode]handler{
	ir.If:         handleIf,
	ir.Jump:       handleJump,
	ir.Add:        handleAdd,
	ir.Sub:        handleSub,
	ir.GetPropVal: handleGetPropVal,
	ir.PutPropVal: handlePutPropVal,
	ir.Call:       handleCall,
	ir.Ret:        handleRet,
	ir.Arg:        handleArg,
	ir.MakeClos:   handleMakeClos,
	ir.GetGlobal:  handleGetGlobal,
	ir.MakeArgObj: handleMakeArgObj,
}

func init() {
	for _, op := range ir.Opcodes() {
		if op.IsCompare() {
			cond, ok := compareConds[op]
			if !ok {
				panic(fmt.Sprintf("x86: comparison %s has no condition", op))
			}
			handlers[op] = compareHandler(cond)
			continue
		}
		if op == ir.Move {
			continue
		}
		if _, ok := handlers[op]; !ok {
			panic(fmt.Sprintf("x86: opcode %s has no handler", op))
		}
	}
}

// compareHandler materialises a boolean: true, then overwritten with false
// when cond does not hold for left against right.
func compareHandler(cond x86.Cond) handler {
	return func(t *Translator, ops []x86.Operand, dest x86.Operand, in *ir.Instr) error {
		if dest == nil {
			return nil
		}
		left, right := ops[0], ops[1]

		// cmp takes neither an immediate on the left nor two memory operands.
		if x86.IsImmediate(left) || (x86.IsMemory(left) && x86.IsMemory(right)) {
			stage := t.cfg.Scratch
			if d, ok := dest.(x86.Reg); ok && !x86.UsesRegister(right, d) {
				stage = d
			}
			t.emit(x86.Mov(stage, left))
			left = stage
		}

		cont := t.labels.fresh("")
		t.emit(
			x86.Cmp(left, right),
			x86.Mov(dest, x86.Imm(t.cfg.True)),
			x86.JumpIf(cond, cont),
			x86.Mov(dest, x86.Imm(t.cfg.False)),
			asm.MarkLabel(cont),
		)
		return nil
	}
}

func handleIf(t *Translator, ops []x86.Operand, _ x86.Operand, in *ir.Instr) error {
	if len(in.Targets) != 2 {
		return fmt.Errorf("%w: if needs exactly two targets, got %d", ErrBadOperand, len(in.Targets))
	}
	cond := ops[0]
	if x86.IsImmediate(cond) {
		t.emit(x86.Mov(t.cfg.Scratch, cond))
		cond = t.cfg.Scratch
	}
	t.emit(
		x86.Cmp(cond, x86.Imm(t.cfg.True)),
		x86.JumpIfEqual(t.blockLabel(in.Targets[0])),
		x86.Jump(t.blockLabel(in.Targets[1])),
	)
	return nil
}

func handleJump(t *Translator, _ []x86.Operand, _ x86.Operand, in *ir.Instr) error {
	t.emit(x86.Jump(t.blockLabel(in.Targets[0])))
	return nil
}

// readsReg reports whether op reads dest when dest is a register.
func readsReg(op, dest x86.Operand) bool {
	r, ok := dest.(x86.Reg)
	return ok && x86.UsesRegister(op, r)
}

func handleAdd(t *Translator, ops []x86.Operand, dest x86.Operand, in *ir.Instr) error {
	if dest == nil {
		return nil
	}
	left, right := ops[0], ops[1]

	switch {
	case right == dest:
		return t.alu(x86.Add, dest, left)
	case left == dest:
		return t.alu(x86.Add, dest, right)
	case x86.IsMemory(dest) || readsReg(right, dest):
		return t.viaScratch(x86.Add, dest, left, right)
	default:
		if err := t.move(dest, left); err != nil {
			return err
		}
		return t.alu(x86.Add, dest, right)
	}
}

func handleSub(t *Translator, ops []x86.Operand, dest x86.Operand, in *ir.Instr) error {
	if dest == nil {
		return nil
	}
	left, right := ops[0], ops[1]

	switch {
	case right == dest && left != dest && !x86.IsImmediate(left):
		// dest holds the subtrahend. Exchange so dest holds the minuend,
		// subtract, then rebuild left as (left - right) + right.
		if err := t.exchange(left, dest); err != nil {
			return t.viaScratch(x86.Sub, dest, left, right)
		}
		t.emit(
			x86.Sub(dest, left),
			x86.Add(left, dest),
		)
		return nil
	case right == dest:
		return t.viaScratch(x86.Sub, dest, left, right)
	case left == dest:
		return t.alu(x86.Sub, dest, right)
	case x86.IsMemory(dest) || readsReg(right, dest):
		return t.viaScratch(x86.Sub, dest, left, right)
	default:
		if err := t.move(dest, left); err != nil {
			return err
		}
		return t.alu(x86.Sub, dest, right)
	}
}

// exchange swaps a and b in place with three xors. It refuses operands the
// trick cannot handle and emits nothing in that case. A register that is
// the base of the other operand is refused too: the first xor would move
// the address.
func (t *Translator) exchange(a, b x86.Operand) error {
	if x86.IsImmediate(a) || x86.IsImmediate(b) || (x86.IsMemory(a) && x86.IsMemory(b)) || a == b {
		return fmt.Errorf("%w: %s, %s", ErrExchangeOperands, a, b)
	}
	if readsReg(a, b) || readsReg(b, a) {
		return fmt.Errorf("%w: %s addresses through %s", ErrExchangeOperands, a, b)
	}
	t.emit(
		x86.Xor(a, b),
		x86.Xor(b, a),
		x86.Xor(a, b),
	)
	return nil
}

func handleCall(t *Translator, ops []x86.Operand, dest x86.Operand, in *ir.Instr) error {
	return t.call(ops, dest, t.blockLabel(in.Targets[0]))
}

// call places the callee, the receiver and the register arguments, calls
// through the callee register and continues at cont. Control never falls
// through a call.
func (t *Translator) call(ops []x86.Operand, dest x86.Operand, cont asm.Label) error {
	extra := len(ops) - 2
	if extra > len(t.cfg.ArgRegs) {
		return fmt.Errorf("%w: %d extra arguments, %d argument registers", ErrTooManyArgs, extra, len(t.cfg.ArgRegs))
	}

	moves := []parmove.Move{
		{Dst: t.cfg.Callee, Src: ops[0]},
		{Dst: t.cfg.Receiver, Src: ops[1]},
	}
	for i := 0; i < extra; i++ {
		moves = append(moves, parmove.Move{Dst: t.cfg.ArgRegs[i], Src: ops[2+i]})
	}
	ordered, err := parmove.Resolve(moves, t.cfg.Scratch)
	if err != nil {
		return err
	}
	for _, m := range ordered {
		t.emit(x86.Mov(m.Dst, m.Src))
	}

	// Stack passed arguments are rejected above, so the stack pointer needs
	// no adjustment around the call.
	t.emit(x86.CallIndirect(t.cfg.Callee))
	if dest != nil && dest != x86.Operand(returnReg) {
		if err := t.move(dest, returnReg); err != nil {
			return err
		}
	}
	t.emit(x86.Jump(cont))
	return nil
}

func handleRet(t *Translator, ops []x86.Operand, _ x86.Operand, in *ir.Instr) error {
	// The result is placed first so stack relative operands still address
	// the spill area.
	if err := t.move(returnReg, ops[0]); err != nil {
		return err
	}
	if n := t.fn.SpillSlots; n > 0 {
		t.emit(x86.Add(t.cfg.Stack, x86.Imm(int32(n*4))))
	}
	t.emit(x86.Ret())
	return nil
}

// handleArg emits nothing. It checks that the allocator honoured the
// calling convention for the bound argument.
func handleArg(t *Translator, _ []x86.Operand, dest x86.Operand, in *ir.Instr) error {
	if dest == nil {
		return nil
	}
	want, ok := t.argRegister(in.ArgIndex)
	if !ok {
		return fmt.Errorf("%w: no register for argument %d", ErrArgRegister, in.ArgIndex)
	}
	if dest != x86.Operand(want) {
		return fmt.Errorf("%w: argument %d allocated to %s, want %s", ErrArgRegister, in.ArgIndex, dest, want)
	}
	return nil
}

func (t *Translator) argRegister(idx int) (x86.Reg, bool) {
	switch {
	case idx == 0:
		return t.cfg.Callee, true
	case idx == 1:
		return t.cfg.Receiver, true
	case idx >= 2 && idx-2 < len(t.cfg.ArgRegs):
		return t.cfg.ArgRegs[idx-2], true
	}
	return 0, false
}

func handleMakeClos(t *Translator, ops []x86.Operand, dest x86.Operand, in *ir.Instr) error {
	if dest == nil {
		return nil
	}
	ref, ok := in.Args[0].(ir.FuncRef)
	if !ok || ref.Func == nil {
		return fmt.Errorf("%w: make_clos needs a function reference, got %s", ErrBadOperand, in.Args[0])
	}
	return t.makeClosure(ref.Func, ops[1], dest)
}

// makeClosure calls fn's prologue to learn its code address and stores
// global in the slot just below it. The accumulator is preserved unless it
// is the destination.
func (t *Translator) makeClosure(fn *ir.Function, global, dest x86.Operand) error {
	acc := returnReg
	save := dest != x86.Operand(acc) || x86.UsesRegister(global, acc)
	if save {
		if x86.UsesRegister(global, t.cfg.Scratch) || x86.UsesRegister(dest, t.cfg.Scratch) {
			return fmt.Errorf("%w: make_clos operands use the scratch register", ErrBadOperand)
		}
		t.emit(x86.Mov(t.cfg.Scratch, acc))
		// Anything that read the accumulator now reads its saved copy.
		global = redirect(global, acc, t.cfg.Scratch)
		if dest != x86.Operand(acc) {
			dest = redirect(dest, acc, t.cfg.Scratch)
		}
	}

	t.emit(x86.Call(t.funcLabel(fn)))
	if err := t.move(x86.Mem(acc).WithDisp(-globalSlotSize), global); err != nil {
		return err
	}
	if dest != x86.Operand(acc) {
		if err := t.move(dest, acc); err != nil {
			return err
		}
		t.emit(x86.Mov(acc, t.cfg.Scratch))
	}
	return nil
}

func redirect(op x86.Operand, from, to x86.Reg) x86.Operand {
	switch v := op.(type) {
	case x86.Reg:
		if v == from {
			return to
		}
	case x86.Memory:
		if v.Base == from {
			v.Base = to
			return v
		}
	}
	return op
}

func handleGetGlobal(t *Translator, ops []x86.Operand, dest x86.Operand, in *ir.Instr) error {
	if dest == nil {
		return nil
	}
	switch clos := ops[0].(type) {
	case x86.Reg:
		return t.move(dest, x86.Mem(clos).WithDisp(-globalSlotSize))
	case x86.Memory:
		t.emit(x86.Mov(t.cfg.Scratch, clos))
		return t.move(dest, x86.Mem(t.cfg.Scratch).WithDisp(-globalSlotSize))
	}
	return fmt.Errorf("%w: get_global needs a closure in a register or memory, got %s", ErrBadOperand, ops[0])
}

// handleMakeArgObj emits nothing; argument objects are not materialised so
// the result must be dead.
func handleMakeArgObj(t *Translator, _ []x86.Operand, dest x86.Operand, in *ir.Instr) error {
	if dest != nil {
		return fmt.Errorf("%w: make_arg_obj result must be unused", ErrBadOperand)
	}
	return nil
}
