package parmove

import (
	"errors"
	"testing"

	"github.com/tinyrange/irx86/internal/asm/x86"
)

// machine is a tiny register file with word memory used to check that a
// resolved sequence has the same effect as the parallel assignment.
type machine struct {
	regs [8]uint32
	mem  map[uint32]uint32
}

func newMachine() *machine {
	m := &machine{mem: make(map[uint32]uint32)}
	for i := range m.regs {
		m.regs[i] = uint32(0x100 * (i + 1))
	}
	for i := range m.regs {
		// Each register also points at a distinct memory word.
		m.mem[m.regs[i]+4] = uint32(0xA000 + i)
	}
	return m
}

func (m *machine) read(op x86.Operand) uint32 {
	switch v := op.(type) {
	case x86.Reg:
		return m.regs[v]
	case x86.Imm:
		return uint32(v)
	case x86.Memory:
		return m.mem[m.regs[v.Base]+uint32(v.Disp)]
	}
	panic("unsupported operand")
}

func (m *machine) parallel(moves []Move) {
	var vals []uint32
	for _, mv := range moves {
		vals = append(vals, m.read(mv.Src))
	}
	for i, mv := range moves {
		m.regs[mv.Dst] = vals[i]
	}
}

func (m *machine) sequential(moves []Move) {
	for _, mv := range moves {
		m.regs[mv.Dst] = m.read(mv.Src)
	}
}

func checkResolve(t *testing.T, moves []Move, scratch x86.Reg) []Move {
	t.Helper()
	got, err := Resolve(moves, scratch)
	if err != nil {
		t.Fatalf("Resolve(%v): %v", moves, err)
	}

	want := newMachine()
	want.parallel(moves)
	have := newMachine()
	have.sequential(got)

	for r := range want.regs {
		if x86.Reg(r) == scratch {
			continue
		}
		if have.regs[r] != want.regs[r] {
			t.Fatalf("Resolve(%v) = %v: %s = %#x, want %#x", moves, got, x86.Reg(r), have.regs[r], want.regs[r])
		}
	}
	return got
}

func TestResolveDropsIdentity(t *testing.T) {
	got := checkResolve(t, []Move{
		{Dst: x86.EAX, Src: x86.EAX},
		{Dst: x86.EBX, Src: x86.EBX},
	}, x86.EDI)
	if len(got) != 0 {
		t.Fatalf("Resolve = %v, want no moves", got)
	}
}

func TestResolveIndependent(t *testing.T) {
	got := checkResolve(t, []Move{
		{Dst: x86.EBX, Src: x86.EDX},
		{Dst: x86.ECX, Src: x86.Imm(3)},
	}, x86.EDI)
	if len(got) != 2 {
		t.Fatalf("Resolve = %v, want 2 moves", got)
	}
}

func TestResolveChain(t *testing.T) {
	// eax <- ebx <- ecx must write eax before ebx.
	got := checkResolve(t, []Move{
		{Dst: x86.EBX, Src: x86.ECX},
		{Dst: x86.EAX, Src: x86.EBX},
	}, x86.EDI)
	if len(got) != 2 || got[0].Dst != x86.EAX {
		t.Fatalf("Resolve = %v, want eax first", got)
	}
}

func TestResolveSwapUsesScratch(t *testing.T) {
	got := checkResolve(t, []Move{
		{Dst: x86.EAX, Src: x86.EBX},
		{Dst: x86.EBX, Src: x86.EAX},
	}, x86.EDI)
	if len(got) != 3 {
		t.Fatalf("Resolve = %v, want 3 moves", got)
	}
	if got[0].Dst != x86.EDI {
		t.Fatalf("first move = %v, want a save into scratch", got[0])
	}
}

func TestResolveThreeCycleWithExtraArgument(t *testing.T) {
	checkResolve(t, []Move{
		{Dst: x86.EAX, Src: x86.ECX},
		{Dst: x86.EBX, Src: x86.EAX},
		{Dst: x86.ECX, Src: x86.EBX},
	}, x86.EDI)
}

func TestResolveMemorySourceReadsBase(t *testing.T) {
	// ebx is overwritten but its old value addresses the source of ecx.
	checkResolve(t, []Move{
		{Dst: x86.EBX, Src: x86.EDX},
		{Dst: x86.ECX, Src: x86.Mem(x86.EBX).WithDisp(4)},
	}, x86.EDI)
}

func TestResolveCycleThroughMemoryBase(t *testing.T) {
	checkResolve(t, []Move{
		{Dst: x86.EAX, Src: x86.Mem(x86.EBX).WithDisp(4)},
		{Dst: x86.EBX, Src: x86.EAX},
	}, x86.EDI)
}

func TestResolveErrors(t *testing.T) {
	_, err := Resolve([]Move{{Dst: x86.EAX, Src: x86.EBX}, {Dst: x86.EAX, Src: x86.ECX}}, x86.EDI)
	if !errors.Is(err, ErrDuplicateDest) {
		t.Fatalf("Resolve error = %v, want ErrDuplicateDest", err)
	}

	_, err = Resolve([]Move{{Dst: x86.EDI, Src: x86.EBX}}, x86.EDI)
	if !errors.Is(err, ErrScratchDest) {
		t.Fatalf("Resolve error = %v, want ErrScratchDest", err)
	}

	_, err = Resolve([]Move{
		{Dst: x86.EAX, Src: x86.EBX},
		{Dst: x86.EBX, Src: x86.EAX},
		{Dst: x86.ECX, Src: x86.EDI},
	}, x86.EDI)
	if err != nil {
		// ecx <- edi is ready first, so the cycle is broken after scratch
		// has been consumed.
		t.Fatalf("Resolve error = %v, want success", err)
	}

	_, err = Resolve([]Move{
		{Dst: x86.EAX, Src: x86.EBX},
		{Dst: x86.EBX, Src: x86.Mem(x86.EDI)},
		{Dst: x86.EDI, Src: x86.EAX},
	}, x86.ESI)
	if err != nil {
		t.Fatalf("Resolve error = %v, want success with esi as scratch", err)
	}
}

func TestResolveChainFeedingCycle(t *testing.T) {
	checkResolve(t, []Move{
		{Dst: x86.EAX, Src: x86.EBX},
		{Dst: x86.EBX, Src: x86.EAX},
		{Dst: x86.ECX, Src: x86.Mem(x86.EAX).WithDisp(4)},
		{Dst: x86.EDX, Src: x86.ECX},
		{Dst: x86.ESI, Src: x86.EDX},
	}, x86.EDI)
}
