package asm

import (
	"fmt"
	"sort"
)

type Context interface {
	EmitBytes(data []byte)

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)

	// BeginSection starts a named listing section at the current position.
	BeginSection(name string)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if frag == nil {
			continue
		}
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

type sectionDef struct {
	name string
}

// Section marks the start of a named listing section. It emits no bytes.
func Section(name string) Fragment {
	return &sectionDef{name: name}
}

func (s *sectionDef) Emit(ctx Context) error {
	ctx.BeginSection(s.name)
	return nil
}

// ListingEntry is one line of the human-readable listing: either an encoded
// instruction, a data word, a bound label or a section header.
type ListingEntry struct {
	Offset  int
	Bytes   []byte
	Text    string
	Label   Label
	Section string
}

type Program struct {
	code    []byte
	labels  map[Label]int
	listing []ListingEntry
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int {
	return len(p.code)
}

// LabelOffset returns the final byte offset bound to label.
func (p Program) LabelOffset(label Label) (int, bool) {
	off, ok := p.labels[label]
	return off, ok
}

// Labels returns every bound label sorted by offset, then by name.
func (p Program) Labels() []Label {
	out := make([]Label, 0, len(p.labels))
	for l := range p.labels {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		oi, oj := p.labels[out[i]], p.labels[out[j]]
		if oi != oj {
			return oi < oj
		}
		return out[i] < out[j]
	})
	return out
}

func (p Program) Listing() []ListingEntry {
	out := make([]ListingEntry, len(p.listing))
	for i, e := range p.listing {
		e.Bytes = append([]byte(nil), e.Bytes...)
		out[i] = e
	}
	return out
}

func NewProgram(code []byte, labels map[Label]int, listing []ListingEntry) Program {
	prog := Program{
		code:    append([]byte(nil), code...),
		labels:  make(map[Label]int, len(labels)),
		listing: append([]ListingEntry(nil), listing...),
	}
	for k, v := range labels {
		prog.labels[k] = v
	}
	return prog
}
