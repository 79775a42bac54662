// Package vm implements a small IA-32 interpreter covering the instruction
// subset produced by internal/asm/x86. It executes generated programs in
// tests and in the irx86 command without needing a 32-bit host.
package vm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/irx86/internal/asm/x86"
)

const (
	// DefaultMemorySize is the size of the flat address space.
	DefaultMemorySize = 1 << 20
	// CodeBase is where Run loads program images.
	CodeBase uint32 = 0x1000
	// ReturnSentinel is pushed as the outermost return address; returning to
	// it stops execution.
	ReturnSentinel uint32 = 0xFFFF_FFF0
	// DefaultMaxSteps bounds Run when no explicit limit is given.
	DefaultMaxSteps = 1_000_000
)

var (
	ErrStepLimit = errors.New("step limit exceeded")
)

type ErrInvalidInstruction struct {
	Addr   uint32
	Opcode []byte
}

func (e ErrInvalidInstruction) Error() string {
	return fmt.Sprintf("invalid instruction % x at %#x", e.Opcode, e.Addr)
}

type ErrMemoryFault struct {
	Addr  uint32
	Size  int
	Write bool
}

func (e ErrMemoryFault) Error() string {
	kind := "read"
	if e.Write {
		kind = "write"
	}
	return fmt.Sprintf("memory fault: %d-byte %s at %#x", e.Size, kind, e.Addr)
}

// ErrTrap is returned when the program executes ud2.
type ErrTrap struct {
	Addr uint32
}

func (e ErrTrap) Error() string {
	return fmt.Sprintf("trap (ud2) at %#x", e.Addr)
}

type VirtualMachine struct {
	mem []byte
	reg [8]uint32
	eip uint32

	zf, sf, cf, of bool

	steps uint64
}

// New creates a machine with memSize bytes of zeroed memory and ESP at the
// top of memory.
func New(memSize int) *VirtualMachine {
	if memSize <= 0 {
		memSize = DefaultMemorySize
	}
	vm := &VirtualMachine{mem: make([]byte, memSize)}
	vm.reg[x86.ESP] = uint32(memSize) &^ 0xF
	return vm
}

// Load copies image into memory at base.
func (vm *VirtualMachine) Load(base uint32, image []byte) error {
	end := uint64(base) + uint64(len(image))
	if end > uint64(len(vm.mem)) {
		return ErrMemoryFault{Addr: base, Size: len(image), Write: true}
	}
	copy(vm.mem[base:], image)
	return nil
}

func (vm *VirtualMachine) Reg(r x86.Reg) uint32 { return vm.reg[r&7] }

func (vm *VirtualMachine) SetReg(r x86.Reg, v uint32) { vm.reg[r&7] = v }

func (vm *VirtualMachine) EIP() uint32 { return vm.eip }

// Steps returns the number of instructions executed so far.
func (vm *VirtualMachine) Steps() uint64 { return vm.steps }

func (vm *VirtualMachine) check(addr uint32, size int, write bool) error {
	if uint64(addr)+uint64(size) > uint64(len(vm.mem)) {
		return ErrMemoryFault{Addr: addr, Size: size, Write: write}
	}
	return nil
}

func (vm *VirtualMachine) ReadU8(addr uint32) (uint8, error) {
	if err := vm.check(addr, 1, false); err != nil {
		return 0, err
	}
	return vm.mem[addr], nil
}

func (vm *VirtualMachine) ReadU16(addr uint32) (uint16, error) {
	if err := vm.check(addr, 2, false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(vm.mem[addr:]), nil
}

func (vm *VirtualMachine) ReadU32(addr uint32) (uint32, error) {
	if err := vm.check(addr, 4, false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(vm.mem[addr:]), nil
}

func (vm *VirtualMachine) WriteU8(addr uint32, v uint8) error {
	if err := vm.check(addr, 1, true); err != nil {
		return err
	}
	vm.mem[addr] = v
	return nil
}

func (vm *VirtualMachine) WriteU16(addr uint32, v uint16) error {
	if err := vm.check(addr, 2, true); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(vm.mem[addr:], v)
	return nil
}

func (vm *VirtualMachine) WriteU32(addr uint32, v uint32) error {
	if err := vm.check(addr, 4, true); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(vm.mem[addr:], v)
	return nil
}

func (vm *VirtualMachine) push(v uint32) error {
	sp := vm.reg[x86.ESP] - 4
	if err := vm.WriteU32(sp, v); err != nil {
		return err
	}
	vm.reg[x86.ESP] = sp
	return nil
}

func (vm *VirtualMachine) pop() (uint32, error) {
	v, err := vm.ReadU32(vm.reg[x86.ESP])
	if err != nil {
		return 0, err
	}
	vm.reg[x86.ESP] += 4
	return v, nil
}

// Call pushes the return sentinel and runs from entry until the matching
// return, or until maxSteps instructions have executed (0 means
// DefaultMaxSteps).
func (vm *VirtualMachine) Call(entry uint32, maxSteps int) error {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	if err := vm.push(ReturnSentinel); err != nil {
		return err
	}
	vm.eip = entry
	for i := 0; i < maxSteps; i++ {
		if vm.eip == ReturnSentinel {
			return nil
		}
		if err := vm.Step(); err != nil {
			return err
		}
	}
	if vm.eip == ReturnSentinel {
		return nil
	}
	return fmt.Errorf("%w after %d instructions (eip=%#x)", ErrStepLimit, maxSteps, vm.eip)
}

// Run loads image at CodeBase into a fresh machine and calls its first byte.
// The returned machine is valid even when err is non-nil so callers can
// inspect the faulting state.
func Run(image []byte, maxSteps int) (*VirtualMachine, error) {
	vm := New(DefaultMemorySize)
	if err := vm.Load(CodeBase, image); err != nil {
		return vm, err
	}
	return vm, vm.Call(CodeBase, maxSteps)
}
