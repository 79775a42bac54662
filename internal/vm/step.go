package vm

// rmOperand is a decoded ModR/M r/m operand. Memory addresses are computed
// lazily because pop r/m32 must see the incremented ESP.
type rmOperand struct {
	isReg bool
	reg   int

	hasBase  bool
	base     int
	hasIndex bool
	index    int
	scale    uint
	disp     uint32
}

func (vm *VirtualMachine) addr(op rmOperand) uint32 {
	a := op.disp
	if op.hasBase {
		a += vm.reg[op.base]
	}
	if op.hasIndex {
		a += vm.reg[op.index] << op.scale
	}
	return a
}

type fetcher struct {
	vm    *VirtualMachine
	start uint32
	pc    uint32
	err   error
}

func (f *fetcher) u8() uint8 {
	if f.err != nil {
		return 0
	}
	v, err := f.vm.ReadU8(f.pc)
	if err != nil {
		f.err = err
		return 0
	}
	f.pc++
	return v
}

func (f *fetcher) u16() uint16 {
	lo := uint16(f.u8())
	hi := uint16(f.u8())
	return lo | hi<<8
}

func (f *fetcher) u32() uint32 {
	if f.err != nil {
		return 0
	}
	v, err := f.vm.ReadU32(f.pc)
	if err != nil {
		f.err = err
		return 0
	}
	f.pc += 4
	return v
}

func (f *fetcher) modrm() (reg int, op rmOperand) {
	b := f.u8()
	mod := b >> 6
	reg = int(b>>3) & 7
	rm := int(b) & 7

	if mod == 3 {
		return reg, rmOperand{isReg: true, reg: rm}
	}

	if rm == 4 {
		sib := f.u8()
		op.scale = uint(sib >> 6)
		if idx := int(sib>>3) & 7; idx != 4 {
			op.hasIndex = true
			op.index = idx
		}
		base := int(sib) & 7
		if base == 5 && mod == 0 {
			op.disp = f.u32()
		} else {
			op.hasBase = true
			op.base = base
		}
	} else if rm == 5 && mod == 0 {
		op.disp = f.u32()
		return reg, op
	} else {
		op.hasBase = true
		op.base = rm
	}

	switch mod {
	case 1:
		op.disp += uint32(int32(int8(f.u8())))
	case 2:
		op.disp += f.u32()
	}
	return reg, op
}

func (vm *VirtualMachine) readRM(op rmOperand) (uint32, error) {
	if op.isReg {
		return vm.reg[op.reg], nil
	}
	return vm.ReadU32(vm.addr(op))
}

func (vm *VirtualMachine) writeRM(op rmOperand, v uint32) error {
	if op.isReg {
		vm.reg[op.reg] = v
		return nil
	}
	return vm.WriteU32(vm.addr(op), v)
}

func (vm *VirtualMachine) alu(op uint8, a, b uint32) (uint32, bool) {
	var res uint32
	switch op {
	case 0: // add
		res = a + b
		vm.cf = res < a
		vm.of = ((a^res)&(b^res))>>31 != 0
	case 5, 7: // sub, cmp
		res = a - b
		vm.cf = a < b
		vm.of = ((a^b)&(a^res))>>31 != 0
	case 6: // xor
		res = a ^ b
		vm.cf, vm.of = false, false
	default:
		return 0, false
	}
	vm.zf = res == 0
	vm.sf = int32(res) < 0
	return res, true
}

func (vm *VirtualMachine) cond(cc uint8) bool {
	var r bool
	switch cc >> 1 {
	case 0:
		r = vm.of
	case 1:
		r = vm.cf
	case 2:
		r = vm.zf
	case 3:
		r = vm.cf || vm.zf
	case 4:
		r = vm.sf
	case 6:
		r = vm.sf != vm.of
	case 7:
		r = vm.zf || vm.sf != vm.of
	default:
		// parity is not tracked
		r = false
	}
	if cc&1 != 0 {
		return !r
	}
	return r
}

// Step executes a single instruction.
func (vm *VirtualMachine) Step() error {
	f := &fetcher{vm: vm, start: vm.eip, pc: vm.eip}
	invalid := func() error {
		if f.err != nil {
			return f.err
		}
		raw, _ := vm.slice(f.start, f.pc)
		return ErrInvalidInstruction{Addr: f.start, Opcode: raw}
	}

	opsize16 := false
	op := f.u8()
	if op == 0x66 {
		opsize16 = true
		op = f.u8()
	}

	next := func() error {
		if f.err != nil {
			return f.err
		}
		vm.eip = f.pc
		vm.steps++
		return nil
	}

	switch {
	case op < 0x40 && op&7 == 1: // alu r/m32, r32
		reg, rm := f.modrm()
		if f.err != nil {
			return f.err
		}
		a, err := vm.readRM(rm)
		if err != nil {
			return err
		}
		res, ok := vm.alu(op>>3, a, vm.reg[reg])
		if !ok {
			return invalid()
		}
		if op>>3 != 7 {
			if err := vm.writeRM(rm, res); err != nil {
				return err
			}
		}
		return next()

	case op < 0x40 && op&7 == 3: // alu r32, r/m32
		reg, rm := f.modrm()
		if f.err != nil {
			return f.err
		}
		b, err := vm.readRM(rm)
		if err != nil {
			return err
		}
		res, ok := vm.alu(op>>3, vm.reg[reg], b)
		if !ok {
			return invalid()
		}
		if op>>3 != 7 {
			vm.reg[reg] = res
		}
		return next()

	case op == 0x81 || op == 0x83:
		sub, rm := f.modrm()
		var imm uint32
		if op == 0x83 {
			imm = uint32(int32(int8(f.u8())))
		} else {
			imm = f.u32()
		}
		if f.err != nil {
			return f.err
		}
		a, err := vm.readRM(rm)
		if err != nil {
			return err
		}
		res, ok := vm.alu(uint8(sub), a, imm)
		if !ok {
			return invalid()
		}
		if sub != 7 {
			if err := vm.writeRM(rm, res); err != nil {
				return err
			}
		}
		return next()

	case op == 0x88: // mov r/m8, r8
		reg, rm := f.modrm()
		if f.err != nil {
			return f.err
		}
		v := uint8(vm.reg[reg&3] >> (8 * uint(reg>>2)))
		if rm.isReg {
			return invalid()
		}
		if err := vm.WriteU8(vm.addr(rm), v); err != nil {
			return err
		}
		return next()

	case op == 0x89: // mov r/m, r
		reg, rm := f.modrm()
		if f.err != nil {
			return f.err
		}
		if opsize16 {
			if rm.isReg {
				return invalid()
			}
			if err := vm.WriteU16(vm.addr(rm), uint16(vm.reg[reg])); err != nil {
				return err
			}
			return next()
		}
		if err := vm.writeRM(rm, vm.reg[reg]); err != nil {
			return err
		}
		return next()

	case op == 0x8B: // mov r32, r/m32
		reg, rm := f.modrm()
		if f.err != nil {
			return f.err
		}
		v, err := vm.readRM(rm)
		if err != nil {
			return err
		}
		vm.reg[reg] = v
		return next()

	case op == 0x8F: // pop r/m32
		sub, rm := f.modrm()
		if f.err != nil {
			return f.err
		}
		if sub != 0 {
			return invalid()
		}
		v, err := vm.pop()
		if err != nil {
			return err
		}
		if err := vm.writeRM(rm, v); err != nil {
			return err
		}
		return next()

	case op >= 0x50 && op <= 0x57:
		if err := vm.push(vm.reg[op-0x50]); err != nil {
			return err
		}
		return next()

	case op >= 0x58 && op <= 0x5F:
		v, err := vm.pop()
		if err != nil {
			return err
		}
		vm.reg[op-0x58] = v
		return next()

	case op == 0x6A:
		imm := uint32(int32(int8(f.u8())))
		if f.err != nil {
			return f.err
		}
		if err := vm.push(imm); err != nil {
			return err
		}
		return next()

	case op == 0x68:
		imm := f.u32()
		if f.err != nil {
			return f.err
		}
		if err := vm.push(imm); err != nil {
			return err
		}
		return next()

	case op >= 0xB8 && op <= 0xBF:
		imm := f.u32()
		if f.err != nil {
			return f.err
		}
		vm.reg[op-0xB8] = imm
		return next()

	case op == 0xC6: // mov r/m8, imm8
		sub, rm := f.modrm()
		imm := f.u8()
		if f.err != nil {
			return f.err
		}
		if sub != 0 || rm.isReg {
			return invalid()
		}
		if err := vm.WriteU8(vm.addr(rm), imm); err != nil {
			return err
		}
		return next()

	case op == 0xC7: // mov r/m, imm
		sub, rm := f.modrm()
		if sub != 0 {
			return invalid()
		}
		if opsize16 {
			imm := f.u16()
			if f.err != nil {
				return f.err
			}
			if rm.isReg {
				return invalid()
			}
			if err := vm.WriteU16(vm.addr(rm), imm); err != nil {
				return err
			}
			return next()
		}
		imm := f.u32()
		if f.err != nil {
			return f.err
		}
		if err := vm.writeRM(rm, imm); err != nil {
			return err
		}
		return next()

	case op == 0xC3:
		ret, err := vm.pop()
		if err != nil {
			return err
		}
		if f.err != nil {
			return f.err
		}
		vm.eip = ret
		vm.steps++
		return nil

	case op == 0xE8:
		rel := f.u32()
		if f.err != nil {
			return f.err
		}
		if err := vm.push(f.pc); err != nil {
			return err
		}
		vm.eip = f.pc + rel
		vm.steps++
		return nil

	case op == 0xE9:
		rel := f.u32()
		if f.err != nil {
			return f.err
		}
		vm.eip = f.pc + rel
		vm.steps++
		return nil

	case op == 0xEB:
		rel := uint32(int32(int8(f.u8())))
		if f.err != nil {
			return f.err
		}
		vm.eip = f.pc + rel
		vm.steps++
		return nil

	case op == 0xFF:
		sub, rm := f.modrm()
		if f.err != nil {
			return f.err
		}
		switch sub {
		case 2: // call r/m32
			target, err := vm.readRM(rm)
			if err != nil {
				return err
			}
			if err := vm.push(f.pc); err != nil {
				return err
			}
			vm.eip = target
			vm.steps++
			return nil
		case 4: // jmp r/m32
			target, err := vm.readRM(rm)
			if err != nil {
				return err
			}
			vm.eip = target
			vm.steps++
			return nil
		case 6: // push r/m32, address taken before ESP moves
			v, err := vm.readRM(rm)
			if err != nil {
				return err
			}
			if err := vm.push(v); err != nil {
				return err
			}
			return next()
		}
		return invalid()

	case op == 0x0F:
		op2 := f.u8()
		switch {
		case op2 == 0x0B:
			if f.err != nil {
				return f.err
			}
			return ErrTrap{Addr: f.start}
		case op2 >= 0x80 && op2 <= 0x8F:
			rel := f.u32()
			if f.err != nil {
				return f.err
			}
			vm.eip = f.pc
			if vm.cond(op2 & 0xF) {
				vm.eip += rel
			}
			vm.steps++
			return nil
		case op2 == 0xB6 || op2 == 0xB7:
			reg, rm := f.modrm()
			if f.err != nil {
				return f.err
			}
			if rm.isReg {
				return invalid()
			}
			var v uint32
			if op2 == 0xB6 {
				b, err := vm.ReadU8(vm.addr(rm))
				if err != nil {
					return err
				}
				v = uint32(b)
			} else {
				h, err := vm.ReadU16(vm.addr(rm))
				if err != nil {
					return err
				}
				v = uint32(h)
			}
			vm.reg[reg] = v
			return next()
		}
		return invalid()
	}

	return invalid()
}

func (vm *VirtualMachine) slice(start, end uint32) ([]byte, error) {
	if err := vm.check(start, int(end-start), false); err != nil {
		return nil, err
	}
	return append([]byte(nil), vm.mem[start:end]...), nil
}
