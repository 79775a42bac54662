package x86

import (
	"errors"
	"fmt"

	"github.com/tinyrange/irx86/internal/ir"
)

var (
	// ErrArgRegister means the allocator placed an argument somewhere other
	// than the register the calling convention mandates for its position.
	ErrArgRegister = errors.New("argument not in its calling convention register")
	// ErrTooManyArgs is returned for calls that would need stack passed
	// arguments.
	ErrTooManyArgs = errors.New("call needs stack passed arguments")
	// ErrExchangeOperands guards the xor exchange against immediates and
	// memory-memory pairs.
	ErrExchangeOperands = errors.New("operands cannot be exchanged in place")
	ErrNoHandler        = errors.New("no handler for opcode")
	ErrBadOperand       = errors.New("bad operand")
)

// CompileError locates a translation failure in the IR.
type CompileError struct {
	Function string
	Block    string
	Index    int
	Op       ir.Opcode
	Err      error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("x86: %s.%s[%d] %s: %v", e.Function, e.Block, e.Index, e.Op, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }
