package x86

import (
	"fmt"

	"github.com/tinyrange/irx86/internal/asm"
	"github.com/tinyrange/irx86/internal/asm/x86"
	"github.com/tinyrange/irx86/internal/ir"
)

// Global object layout. The counter holds the byte size of the entries
// written so far; entry i lives at 4+8i.
const (
	globalCounterOffset = 0
	globalFirstEntry    = 4
	globalKeyOffset     = 0
	globalValueOffset   = 4
	globalEntrySize     = 8
)

// GlobalImage returns the zeroed initial image of a global object with the
// given capacity: the counter word followed by the key/value entries.
func GlobalImage(entries int) []byte {
	return make([]byte, globalFirstEntry+globalEntrySize*entries)
}

func (t *Translator) globalObject() asm.Fragment {
	group := asm.Group{
		asm.Section("GLOBAL OBJECT"),
		asm.MarkLabel(t.globalPrelude),
		selfAddress(t.labels.fresh("SELF"), SelfAddressTail),
		asm.MarkLabel(t.globalObjectLabel),
	}
	image := GlobalImage(t.cfg.MaxGlobalEntries)
	for i := 0; i < len(image); i += 4 {
		group = append(group, x86.Word32(0))
	}
	return group
}

func (t *Translator) checkGlobalOperands(ops ...x86.Operand) error {
	for _, op := range ops {
		if x86.UsesRegister(op, t.cfg.Scratch) {
			return fmt.Errorf("%w: %s is the scratch register", ErrBadOperand, op)
		}
	}
	return nil
}

// findEntry leaves the address of the entry holding key in the scratch
// register, or the null immediate. The scan starts at the most recently
// written entry and walks towards the first one.
func (t *Translator) findEntry(obj, key x86.Operand) error {
	if x86.IsMemory(key) {
		return fmt.Errorf("%w: property key must be an immediate or register, got %s", ErrBadOperand, key)
	}
	if err := t.checkGlobalOperands(obj, key); err != nil {
		return err
	}

	s := t.cfg.Scratch
	loop := t.labels.fresh("")
	miss := t.labels.fresh("")
	done := t.labels.fresh("")

	t.emit(
		x86.Mov(s, obj),
		x86.Add(s, x86.Mem(s).WithDisp(globalCounterOffset)),
		x86.Sub(s, x86.Imm(globalEntrySize-globalFirstEntry)),

		asm.MarkLabel(loop),
		x86.Cmp(s, obj),
		x86.JumpIf(x86.CondBE, miss),
		x86.Cmp(x86.Mem(s).WithDisp(globalKeyOffset), key),
		x86.JumpIfEqual(done),
		x86.Sub(s, x86.Imm(globalEntrySize)),
		x86.Jump(loop),

		asm.MarkLabel(miss),
		x86.Mov(s, x86.Imm(t.cfg.Null)),
		asm.MarkLabel(done),
	)
	return nil
}

func handleGetPropVal(t *Translator, ops []x86.Operand, dest x86.Operand, in *ir.Instr) error {
	if dest == nil {
		return nil
	}
	if err := t.findEntry(ops[0], ops[1]); err != nil {
		return err
	}

	s := t.cfg.Scratch
	hit := t.labels.fresh("")
	done := t.labels.fresh("")
	t.emit(
		x86.Cmp(s, x86.Imm(t.cfg.Null)),
		x86.JumpIfNotEqual(hit),
		x86.Mov(s, x86.Imm(t.cfg.Undefined)),
		x86.Jump(done),
		asm.MarkLabel(hit),
		x86.Mov(s, x86.Mem(s).WithDisp(globalValueOffset)),
		asm.MarkLabel(done),
	)
	return t.move(dest, s)
}

func handlePutPropVal(t *Translator, ops []x86.Operand, _ x86.Operand, in *ir.Instr) error {
	obj, key, value := ops[0], ops[1], ops[2]
	if err := t.checkGlobalOperands(value); err != nil {
		return err
	}
	if err := t.findEntry(obj, key); err != nil {
		return err
	}

	s := t.cfg.Scratch
	found := t.labels.fresh("")
	t.emit(
		x86.Cmp(s, x86.Imm(t.cfg.Null)),
		x86.JumpIfNotEqual(found),
		x86.Mov(s, obj),
	)
	if !t.cfg.UncheckedGlobals {
		room := t.labels.fresh("")
		t.emit(
			x86.Cmp(x86.Mem(s).WithDisp(globalCounterOffset), x86.Imm(int32(globalEntrySize*t.cfg.MaxGlobalEntries))),
			x86.JumpIf(x86.CondB, room),
			x86.Ud2(),
			asm.MarkLabel(room),
		)
	}
	t.emit(
		x86.Add(x86.Mem(s).WithDisp(globalCounterOffset), x86.Imm(globalEntrySize)),
		x86.Add(s, x86.Mem(s).WithDisp(globalCounterOffset)),
		x86.Sub(s, x86.Imm(globalEntrySize-globalFirstEntry)),
		x86.Mov(x86.Mem(s).WithDisp(globalKeyOffset), key),
		asm.MarkLabel(found),
	)
	return t.move(x86.Mem(s).WithDisp(globalValueOffset), value)
}
