// Package parmove orders a set of simultaneous register assignments so that
// no move clobbers a value a later move still needs.
package parmove

import (
	"errors"
	"fmt"

	"github.com/tinyrange/irx86/internal/asm/x86"
)

var (
	ErrDuplicateDest = errors.New("parmove: register assigned twice")
	ErrScratchDest   = errors.New("parmove: move targets the scratch register")
)

// Move copies Src into the register Dst.
type Move struct {
	Dst x86.Reg
	Src x86.Operand
}

func (m Move) String() string {
	return fmt.Sprintf("%s <- %s", m.Dst, m.Src)
}

func (m Move) identity() bool {
	r, ok := m.Src.(x86.Reg)
	return ok && r == m.Dst
}

// Resolve returns an ordering of moves that realises all of them as if they
// happened at once. Identity moves are dropped. Register cycles are broken
// by parking one value in scratch and redirecting its readers there.
func Resolve(moves []Move, scratch x86.Reg) ([]Move, error) {
	var pending []Move
	seen := make(map[x86.Reg]bool, len(moves))
	for _, m := range moves {
		if m.Src == nil {
			return nil, fmt.Errorf("parmove: %s has no source", m.Dst)
		}
		if m.identity() {
			continue
		}
		if m.Dst == scratch {
			return nil, fmt.Errorf("%w: %s", ErrScratchDest, m)
		}
		if seen[m.Dst] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateDest, m.Dst)
		}
		seen[m.Dst] = true
		pending = append(pending, m)
	}

	out := make([]Move, 0, len(pending)+1)
	for len(pending) > 0 {
		idx := readyMove(pending)
		if idx >= 0 {
			out = append(out, pending[idx])
			pending = append(pending[:idx], pending[idx+1:]...)
			continue
		}

		// Every remaining destination is still read by another move, so
		// the remaining moves form cycles. None of them can read scratch
		// since scratch is never a destination.
		blocked := pending[0].Dst
		out = append(out, Move{Dst: scratch, Src: blocked})
		for i := range pending {
			pending[i].Src = redirect(pending[i].Src, blocked, scratch)
		}
	}
	return out, nil
}

// readyMove returns the index of a move whose destination no other pending
// move reads, or -1.
func readyMove(pending []Move) int {
	for i, m := range pending {
		ready := true
		for j, other := range pending {
			if i != j && x86.UsesRegister(other.Src, m.Dst) {
				ready = false
				break
			}
		}
		if ready {
			return i
		}
	}
	return -1
}

func redirect(op x86.Operand, from, to x86.Reg) x86.Operand {
	switch v := op.(type) {
	case x86.Reg:
		if v == from {
			return to
		}
	case x86.Memory:
		if v.Base == from {
			v.Base = to
			return v
		}
	}
	return op
}
