package x86

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/irx86/internal/asm"
)

// ListingOptions controls WriteListing.
type ListingOptions struct {
	// Styled enables ANSI styling of section headers and labels.
	Styled bool
	// MaxBytes limits the hex column; longer encodings continue on the
	// following lines.
	MaxBytes int
}

var (
	sectionStyle = ansi.Style{}.Bold()
	labelStyle   = ansi.Style{}.Bold()
	dataStyle    = ansi.Style{}.Faint()
)

// WriteListing renders the program listing in a objdump-like layout:
//
//	00000010  e8 00 00 00 00        call L3
func WriteListing(w io.Writer, prog asm.Program, opts ListingOptions) error {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 7
	}
	style := func(s ansi.Style, text string) string {
		if !opts.Styled {
			return text
		}
		return s.Styled(text)
	}

	bw := bufio.NewWriter(w)
	for _, e := range prog.Listing() {
		switch {
		case e.Label != "":
			fmt.Fprintf(bw, "%08x  %s:\n", e.Offset, style(labelStyle, string(e.Label)))
		case len(e.Bytes) == 0:
			if e.Section == "" {
				continue
			}
			fmt.Fprintf(bw, "%s\n", style(sectionStyle, ";; "+e.Section))
		default:
			text := e.Text
			if strings.HasPrefix(text, "dd ") || strings.HasPrefix(text, "db ") {
				text = style(dataStyle, text)
			}
			for start := 0; start < len(e.Bytes); start += opts.MaxBytes {
				end := min(start+opts.MaxBytes, len(e.Bytes))
				hex := fmt.Sprintf("% x", e.Bytes[start:end])
				if start == 0 {
					fmt.Fprintf(bw, "%08x  %-*s  %s\n", e.Offset, opts.MaxBytes*3-1, hex, text)
				} else {
					fmt.Fprintf(bw, "%08x  %s\n", e.Offset+start, hex)
				}
			}
		}
	}
	return bw.Flush()
}
