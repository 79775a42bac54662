package x86

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/irx86/internal/asm"
)

type relPatch struct {
	label asm.Label
	pos   int // offset of the rel32 field
	kind  string
}

// Context accumulates encoded bytes, label bindings, rel32 patches and the
// listing for a single program.
type Context struct {
	text    []byte
	labels  map[asm.Label]int
	patches []relPatch
	listing []asm.ListingEntry
	section string
}

var (
	_ asm.Context = (*Context)(nil)
)

func newContext() *Context {
	return &Context{
		labels: make(map[asm.Label]int),
	}
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
	c.listing = append(c.listing, asm.ListingEntry{
		Offset:  len(c.text),
		Label:   label,
		Section: c.section,
	})
}

func (c *Context) BeginSection(name string) {
	c.section = name
	c.listing = append(c.listing, asm.ListingEntry{
		Offset:  len(c.text),
		Section: name,
	})
}

// EmitBytes appends raw bytes; they are listed as a data directive.
func (c *Context) EmitBytes(code []byte) {
	c.emitInstruction(code, fmt.Sprintf("db % x", code))
}

// Offset returns the number of bytes emitted so far.
func (c *Context) Offset() int {
	return len(c.text)
}

func (c *Context) emitInstruction(code []byte, text string) {
	c.listing = append(c.listing, asm.ListingEntry{
		Offset:  len(c.text),
		Bytes:   append([]byte(nil), code...),
		Text:    text,
		Section: c.section,
	})
	c.text = append(c.text, code...)
}

func (c *Context) emitRel(code []byte, immIdx int, label asm.Label, kind, text string) {
	c.patches = append(c.patches, relPatch{
		label: label,
		pos:   len(c.text) + immIdx,
		kind:  kind,
	})
	c.emitInstruction(code, text)
}

func (c *Context) finalize() (asm.Program, error) {
	for _, p := range c.patches {
		target, ok := c.labels[p.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", p.label)
		}
		rel := target - (p.pos + 4)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return asm.Program{}, fmt.Errorf("%s to label %q out of range", p.kind, p.label)
		}
		binary.LittleEndian.PutUint32(c.text[p.pos:p.pos+4], uint32(int32(rel)))
	}

	// Listing bytes were captured before patching.
	for idx := range c.listing {
		e := &c.listing[idx]
		if len(e.Bytes) == 0 {
			continue
		}
		copy(e.Bytes, c.text[e.Offset:e.Offset+len(e.Bytes)])
	}

	return asm.NewProgram(c.text, c.labels, c.listing), nil
}

func EmitProgram(fragment asm.Fragment) (asm.Program, error) {
	ctx := newContext()
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.finalize()
}

func MustEmitProgram(fragment asm.Fragment) asm.Program {
	prog, err := EmitProgram(fragment)
	if err != nil {
		panic(err)
	}
	return prog
}

func EmitBytes(fragment asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(fragment)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}
