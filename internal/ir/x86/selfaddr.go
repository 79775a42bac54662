package x86

import (
	"github.com/tinyrange/irx86/internal/asm"
	"github.com/tinyrange/irx86/internal/asm/x86"
)

const (
	// SelfAddressTail is the length of pop eax (1), add eax, imm8 (3) and
	// ret (1). Adding it to the popped return address yields the address
	// of the first byte after the sequence.
	SelfAddressTail = 5

	// PrologueSelfAddress also skips the function's global object slot, so
	// a closure's code address is the function body and the slot sits at
	// [address-4].
	PrologueSelfAddress = SelfAddressTail + globalSlotSize

	globalSlotSize = 4
)

// selfAddress is entered through a call and returns with eax holding the
// address of its own pop instruction plus offset.
func selfAddress(self asm.Label, offset int32) asm.Fragment {
	return asm.Group{
		x86.Call(self),
		asm.MarkLabel(self),
		x86.Pop(x86.EAX),
		x86.Add(x86.EAX, x86.Imm(offset)),
		x86.Ret(),
	}
}
