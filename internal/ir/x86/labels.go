package x86

import (
	"fmt"

	"github.com/tinyrange/irx86/internal/asm"
)

// labelRegistry hands out one persistent label per IR node. It is a side
// table keyed by node identity so the IR itself is never mutated.
type labelRegistry struct {
	labels map[any]asm.Label
	names  map[asm.Label]bool
	next   int
}

func newLabelRegistry() *labelRegistry {
	return &labelRegistry{
		labels: make(map[any]asm.Label),
		names:  make(map[asm.Label]bool),
	}
}

// labelFor returns the label bound to node, creating it on first use. The
// name only affects listings.
func (r *labelRegistry) labelFor(node any, name string) asm.Label {
	if l, ok := r.labels[node]; ok {
		return l
	}
	l := r.fresh(name)
	r.labels[node] = l
	return l
}

// fresh returns a label not associated with any node.
func (r *labelRegistry) fresh(name string) asm.Label {
	r.next++
	l := asm.Label(name)
	if name == "" {
		l = asm.Label(fmt.Sprintf("L%d", r.next))
	}
	if r.names[l] {
		l = asm.Label(fmt.Sprintf("%s.%d", l, r.next))
	}
	r.names[l] = true
	return l
}
