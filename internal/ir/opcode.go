package ir

import "fmt"

type Opcode uint8

const (
	// Move copies Args[0] into Dest. Backends treat it as a fast path that
	// bypasses opcode dispatch.
	Move Opcode = iota
	Lt
	Le
	Gt
	Ge
	Eq
	Ne
	If
	Jump
	Add
	Sub
	GetPropVal
	PutPropVal
	Call
	Ret
	Arg
	MakeClos
	GetGlobal
	MakeArgObj

	opcodeCount
)

var opcodeNames = [...]string{
	Move:       "move",
	Lt:         "lt",
	Le:         "le",
	Gt:         "gt",
	Ge:         "ge",
	Eq:         "eq",
	Ne:         "ne",
	If:         "if",
	Jump:       "jump",
	Add:        "add",
	Sub:        "sub",
	GetPropVal: "get_prop_val",
	PutPropVal: "put_prop_val",
	Call:       "call",
	Ret:        "ret",
	Arg:        "arg",
	MakeClos:   "make_clos",
	GetGlobal:  "get_global",
	MakeArgObj: "make_arg_obj",
}

func (op Opcode) String() string {
	if op < opcodeCount {
		return opcodeNames[op]
	}
	return fmt.Sprintf("opcode(%d)", uint8(op))
}

// ParseOpcode resolves the textual mnemonic used in IR files.
func ParseOpcode(name string) (Opcode, error) {
	for op, n := range opcodeNames {
		if n == name {
			return Opcode(op), nil
		}
	}
	return 0, fmt.Errorf("unknown opcode %q", name)
}

// Opcodes returns every defined opcode in declaration order.
func Opcodes() []Opcode {
	out := make([]Opcode, 0, opcodeCount)
	for op := Opcode(0); op < opcodeCount; op++ {
		out = append(out, op)
	}
	return out
}

// IsCompare reports whether op is one of the boolean producing comparisons.
func (op Opcode) IsCompare() bool {
	switch op {
	case Lt, Le, Gt, Ge, Eq, Ne:
		return true
	}
	return false
}

type shape struct {
	minArgs int
	maxArgs int // -1 for unbounded
	targets int
}

var shapes = map[Opcode]shape{
	Move:       {1, 1, 0},
	Lt:         {2, 2, 0},
	Le:         {2, 2, 0},
	Gt:         {2, 2, 0},
	Ge:         {2, 2, 0},
	Eq:         {2, 2, 0},
	Ne:         {2, 2, 0},
	If:         {1, 1, 2},
	Jump:       {0, 0, 1},
	Add:        {2, 2, 0},
	Sub:        {2, 2, 0},
	GetPropVal: {2, 2, 0},
	PutPropVal: {3, 3, 0},
	Call:       {2, -1, 1},
	Ret:        {1, 1, 0},
	Arg:        {0, 0, 0},
	MakeClos:   {2, 2, 0},
	GetGlobal:  {1, 1, 0},
	MakeArgObj: {0, -1, 0},
}
