package ir

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RegisterLookup maps a target register name to its number.
type RegisterLookup func(name string) (Register, bool)

type programFile struct {
	Entry     string         `yaml:"entry"`
	Functions []functionFile `yaml:"functions"`
}

type functionFile struct {
	Name   string      `yaml:"name"`
	Spill  int         `yaml:"spill"`
	Blocks []blockFile `yaml:"blocks"`
}

type blockFile struct {
	Name   string      `yaml:"name"`
	Instrs []yaml.Node `yaml:"instrs"`
}

type instrFile struct {
	Op      string      `yaml:"op"`
	Args    []yaml.Node `yaml:"args"`
	Dest    string      `yaml:"dest"`
	Targets []string    `yaml:"targets"`
	Index   *int        `yaml:"index"`
}

// instrKeys are the fields of instrFile. Node.Decode ignores the decoder's
// KnownFields setting, so instruction mappings are checked by hand.
var instrKeys = map[string]bool{"op": true, "args": true, "dest": true, "targets": true, "index": true}

// DecodeError reports a problem at a position in an IR file.
type DecodeError struct {
	Line int
	Msg  string
}

func (e *DecodeError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("ir: line %d: %s", e.Line, e.Msg)
	}
	return "ir: " + e.Msg
}

func errorAt(line int, format string, args ...any) error {
	return &DecodeError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

// LoadFile decodes the program stored in path.
func LoadFile(path string, regs RegisterLookup) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ir: read program: %w", err)
	}
	prog, err := Decode(data, regs)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return prog, nil
}

// Decode parses a YAML program:
//
//	entry: main
//	functions:
//	  - name: main
//	    spill: 1
//	    blocks:
//	      - name: entry
//	        instrs:
//	          - {op: get_global, args: [eax], dest: edx}
//	          - {op: put_prop_val, args: [edx, "str:x", $4]}
//	          - {op: ret, args: [eax]}
//
// Operands are register names, [reg+disp] memory (with an optional :8 or
// :16 width suffix), $n immediates, plain integers (integer constants),
// str:<text>, undefined and fn:<name>.
func Decode(data []byte, regs RegisterLookup) (*Program, error) {
	var file programFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("ir: decode program: %w", err)
	}

	d := &decoder{regs: regs, funcs: make(map[string]*Function)}
	prog := &Program{}

	// Functions are created first so fn: references may point forward.
	for _, ff := range file.Functions {
		if ff.Name == "" {
			return nil, errorAt(0, "function without a name")
		}
		if _, dup := d.funcs[ff.Name]; dup {
			return nil, errorAt(0, "duplicate function %q", ff.Name)
		}
		fn := &Function{Name: ff.Name, SpillSlots: ff.Spill}
		d.funcs[ff.Name] = fn
		prog.Functions = append(prog.Functions, fn)
	}

	for idx, ff := range file.Functions {
		if err := d.function(prog.Functions[idx], ff); err != nil {
			return nil, err
		}
	}

	if file.Entry == "" {
		return nil, errorAt(0, "program has no entry function")
	}
	prog.Entry = d.funcs[file.Entry]
	if prog.Entry == nil {
		return nil, errorAt(0, "entry function %q not defined", file.Entry)
	}
	if err := prog.Validate(); err != nil {
		return nil, err
	}
	return prog, nil
}

type decoder struct {
	regs  RegisterLookup
	funcs map[string]*Function
}

func (d *decoder) function(fn *Function, ff functionFile) error {
	blocks := make(map[string]*Block, len(ff.Blocks))
	for _, bf := range ff.Blocks {
		if bf.Name == "" {
			return errorAt(0, "%s: block without a name", fn.Name)
		}
		if _, dup := blocks[bf.Name]; dup {
			return errorAt(0, "%s: duplicate block %q", fn.Name, bf.Name)
		}
		b := &Block{Name: bf.Name}
		blocks[bf.Name] = b
		fn.Blocks = append(fn.Blocks, b)
	}

	for idx, bf := range ff.Blocks {
		b := fn.Blocks[idx]
		for i := range bf.Instrs {
			node := &bf.Instrs[i]
			in, err := d.instr(node, blocks)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", fn.Name, b.Name, err)
			}
			b.Instrs = append(b.Instrs, in)
		}
	}
	return nil
}

func (d *decoder) instr(node *yaml.Node, blocks map[string]*Block) (*Instr, error) {
	if node.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			if !instrKeys[key.Value] {
				return nil, errorAt(key.Line, "unknown instruction field %q", key.Value)
			}
		}
	}
	var f instrFile
	if err := node.Decode(&f); err != nil {
		return nil, errorAt(node.Line, "%v", err)
	}
	op, err := ParseOpcode(f.Op)
	if err != nil {
		return nil, errorAt(node.Line, "%v", err)
	}

	in := &Instr{Op: op}
	for i := range f.Args {
		arg, err := d.operand(&f.Args[i])
		if err != nil {
			return nil, err
		}
		in.Args = append(in.Args, arg)
	}

	if f.Dest != "" {
		dest, err := d.parseText(f.Dest, node.Line)
		if err != nil {
			return nil, err
		}
		switch dest.(type) {
		case Register, Memory:
		default:
			return nil, errorAt(node.Line, "destination %q is not a register or memory location", f.Dest)
		}
		in.Dest = dest
	}

	for _, name := range f.Targets {
		b, ok := blocks[name]
		if !ok {
			return nil, errorAt(node.Line, "unknown block %q", name)
		}
		in.Targets = append(in.Targets, b)
	}

	if f.Index != nil {
		if op != Arg {
			return nil, errorAt(node.Line, "index is only valid on arg")
		}
		in.ArgIndex = *f.Index
	} else if op == Arg {
		return nil, errorAt(node.Line, "arg requires an index")
	}
	return in, nil
}

func (d *decoder) operand(node *yaml.Node) (Operand, error) {
	if node.Kind != yaml.ScalarNode {
		return nil, errorAt(node.Line, "operand must be a scalar")
	}
	if node.Tag == "!!int" {
		v, err := strconv.ParseInt(node.Value, 0, 32)
		if err != nil {
			return nil, errorAt(node.Line, "integer constant %q: %v", node.Value, err)
		}
		return IntConst(int32(v)), nil
	}
	return d.parseText(node.Value, node.Line)
}

func (d *decoder) parseText(text string, line int) (Operand, error) {
	text = strings.TrimSpace(text)
	switch {
	case text == "undefined":
		return Undefined(), nil
	case strings.HasPrefix(text, "str:"):
		return StringConst(strings.TrimPrefix(text, "str:")), nil
	case strings.HasPrefix(text, "fn:"):
		name := strings.TrimPrefix(text, "fn:")
		fn, ok := d.funcs[name]
		if !ok {
			return nil, errorAt(line, "unknown function %q", name)
		}
		return FuncRef{Func: fn}, nil
	case strings.HasPrefix(text, "$"):
		v, err := strconv.ParseInt(text[1:], 0, 32)
		if err != nil {
			return nil, errorAt(line, "immediate %q: %v", text, err)
		}
		return Immediate(int32(v)), nil
	case strings.HasPrefix(text, "["):
		return d.parseMemory(text, line)
	}

	if d.regs != nil {
		if r, ok := d.regs(text); ok {
			return r, nil
		}
	}
	return nil, errorAt(line, "unknown operand %q", text)
}

func (d *decoder) parseMemory(text string, line int) (Operand, error) {
	end := strings.IndexByte(text, ']')
	if end < 0 {
		return nil, errorAt(line, "unterminated memory operand %q", text)
	}
	inner, suffix := text[1:end], text[end+1:]

	var m Memory
	switch suffix {
	case "":
	case ":8":
		m.Width = 1
	case ":16":
		m.Width = 2
	case ":32":
		m.Width = 4
	default:
		return nil, errorAt(line, "bad width suffix %q", suffix)
	}

	base, disp := inner, ""
	if i := strings.IndexAny(inner, "+-"); i >= 0 {
		base, disp = inner[:i], inner[i:]
	}
	base = strings.TrimSpace(base)
	if d.regs == nil {
		return nil, errorAt(line, "no register names available for %q", text)
	}
	r, ok := d.regs(base)
	if !ok {
		return nil, errorAt(line, "unknown base register %q", base)
	}
	m.Base = r
	if disp != "" {
		v, err := strconv.ParseInt(strings.ReplaceAll(disp, " ", ""), 0, 32)
		if err != nil {
			return nil, errorAt(line, "displacement %q: %v", disp, err)
		}
		m.Disp = int32(v)
	}
	return m, nil
}
