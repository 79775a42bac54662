package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/tinyrange/irx86/internal/asm"
)

// Expectation describes a single instruction that should appear in the
// disassembly output.
type Expectation struct {
	Name     string
	Mnemonic string
	Contains []string
}

func (e Expectation) match(line DisasmLine) error {
	if e.Mnemonic != "" && line.Mnemonic != e.Mnemonic {
		return fmt.Errorf("mnemonic=%s, want %s", line.Mnemonic, e.Mnemonic)
	}
	for _, needle := range e.Contains {
		if !line.Contains(needle) {
			return fmt.Errorf("missing %q in %q", needle, line.Normalized)
		}
	}
	return nil
}

// VerifyExpectations walks the objdump output and ensures each expectation is
// satisfied in order. Extra instructions after all expectations are ignored.
func VerifyExpectations(t *testing.T, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	if len(lines) < len(expect) {
		t.Fatalf("objdump returned %d instructions, want at least %d", len(lines), len(expect))
	}
	for idx, exp := range expect {
		line := lines[idx]
		if err := exp.match(line); err != nil {
			t.Fatalf("instruction %q mismatch at line %d: %v\nline: %s", exp.Name, idx, err, line.Text)
		}
	}
}

// ListingExpectations turns an assembler listing into mnemonic expectations
// so a whole program can be cross-checked against a disassembler. Zero data
// words decode as two "add BYTE PTR [eax],al" instructions and are expected
// as such; any other data makes the linear disassembly meaningless and is
// rejected.
func ListingExpectations(prog asm.Program) ([]Expectation, error) {
	var out []Expectation
	for _, e := range prog.Listing() {
		if len(e.Bytes) == 0 {
			continue
		}
		name := fmt.Sprintf("%#x %s", e.Offset, e.Text)
		mnemonic, _, _ := strings.Cut(e.Text, " ")
		if mnemonic == "dd" || mnemonic == "db" {
			for _, b := range e.Bytes {
				if b != 0 {
					return nil, fmt.Errorf("listing entry %s: non-zero data", name)
				}
			}
			if len(e.Bytes)%2 != 0 {
				return nil, fmt.Errorf("listing entry %s: odd data length", name)
			}
			for i := 0; i < len(e.Bytes); i += 2 {
				out = append(out, Expectation{Name: name, Mnemonic: "add", Contains: []string{"BYTE PTR [eax],al"}})
			}
			continue
		}
		out = append(out, Expectation{Name: name, Mnemonic: mnemonic})
	}
	return out, nil
}
