package testutil

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
)

// Machine386 is the ELF e_machine value for IA-32.
const Machine386 = 3

// DisasmLine represents a single instruction line emitted by objdump.
type DisasmLine struct {
	Text       string
	Normalized string
	Mnemonic   string
}

// Contains reports whether the normalized instruction text contains the provided substring.
func (l DisasmLine) Contains(substr string) bool {
	return strings.Contains(l.Normalized, substr)
}

// DisassembleWithObjdump wraps the provided code bytes into a minimal ELF32
// object and runs GNU objdump -d --no-show-raw-insn.
func DisassembleWithObjdump(t *testing.T, code []byte, extraArgs ...string) []DisasmLine {
	t.Helper()
	args := []string{"-d", "--no-show-raw-insn"}
	args = append(args, extraArgs...)
	return DisassembleWithTool(t, "objdump", code, Machine386, args...)
}

// DisassembleWithTool wraps the provided code bytes into a minimal ELF32 for
// the supplied machine type and invokes the requested disassembler.
func DisassembleWithTool(t *testing.T, tool string, code []byte, machine uint16, args ...string) []DisasmLine {
	t.Helper()

	toolPath, err := exec.LookPath(tool)
	if err != nil {
		t.Skipf("%s not found: %v", tool, err)
	}

	elf := buildMinimalELF32(code, machine)

	tmp, err := os.CreateTemp("", "irx86-objdump-*.elf")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(elf); err != nil {
		t.Fatalf("write temp ELF: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close temp ELF: %v", err)
	}

	cmdArgs := append([]string{}, args...)
	cmdArgs = append(cmdArgs, tmp.Name())
	cmd := exec.Command(toolPath, cmdArgs...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// Some distributions ship an objdump without i386 support.
		if strings.Contains(string(output), "can't disassemble") ||
			strings.Contains(string(output), "file format not recognized") {
			t.Skipf("%s cannot disassemble i386: %s", tool, output)
		}
		t.Fatalf("%s failed: %v\n\n%s", tool, err, output)
	}

	lines, err := parseObjdumpOutput(string(output))
	if err != nil {
		t.Fatalf("parse objdump output: %v", err)
	}
	if len(lines) == 0 {
		t.Fatalf("objdump produced no instructions:\n%s", output)
	}
	return lines
}

func buildMinimalELF32(code []byte, machine uint16) []byte {
	const (
		elfHeaderSize = 52
		sectionCount  = 3 // null, .text, .shstrtab
		secHeaderSize = 40
		textAlign     = 16
	)

	textOffset := align(elfHeaderSize, textAlign)
	textPadded := align(textOffset+len(code), textAlign) - textOffset
	shstr := []byte{0, '.', 't', 'e', 'x', 't', 0, '.', 's', 'h', 's', 't', 'r', 't', 'a', 'b', 0}
	shstrOffset := textOffset + textPadded
	shstrPadded := align(len(shstr), 4)
	sectionOffset := shstrOffset + shstrPadded
	totalSize := sectionOffset + sectionCount*secHeaderSize

	buf := make([]byte, totalSize)
	copy(buf[textOffset:], code)
	copy(buf[shstrOffset:], shstr)

	eIdent := buf[:16]
	eIdent[0] = 0x7f
	eIdent[1] = 'E'
	eIdent[2] = 'L'
	eIdent[3] = 'F'
	eIdent[4] = 1 // 32-bit
	eIdent[5] = 1 // little endian
	eIdent[6] = 1 // current version

	le := binary.LittleEndian
	le.PutUint16(buf[16:], 1)                     // e_type (ET_REL)
	le.PutUint16(buf[18:], machine)               // e_machine
	le.PutUint32(buf[20:], 1)                     // e_version
	le.PutUint32(buf[24:], 0)                     // e_entry
	le.PutUint32(buf[28:], 0)                     // e_phoff
	le.PutUint32(buf[32:], uint32(sectionOffset)) // e_shoff
	le.PutUint32(buf[36:], 0)                     // e_flags
	le.PutUint16(buf[40:], elfHeaderSize)         // e_ehsize
	le.PutUint16(buf[42:], 0)                     // e_phentsize
	le.PutUint16(buf[44:], 0)                     // e_phnum
	le.PutUint16(buf[46:], secHeaderSize)         // e_shentsize
	le.PutUint16(buf[48:], sectionCount)          // e_shnum
	le.PutUint16(buf[50:], 2)                     // e_shstrndx

	shdr := buf[sectionOffset:]

	text := shdr[secHeaderSize : 2*secHeaderSize]
	le.PutUint32(text[0:], 1)   // sh_name
	le.PutUint32(text[4:], 1)   // SHT_PROGBITS
	le.PutUint32(text[8:], 0x6) // SHF_ALLOC|SHF_EXECINSTR
	le.PutUint32(text[12:], 0)  // sh_addr
	le.PutUint32(text[16:], uint32(textOffset))
	le.PutUint32(text[20:], uint32(len(code)))
	le.PutUint32(text[32:], textAlign)

	shstrtab := shdr[2*secHeaderSize : 3*secHeaderSize]
	le.PutUint32(shstrtab[0:], uint32(1+len(".text")+1))
	le.PutUint32(shstrtab[4:], 3) // SHT_STRTAB
	le.PutUint32(shstrtab[16:], uint32(shstrOffset))
	le.PutUint32(shstrtab[20:], uint32(len(shstr)))
	le.PutUint32(shstrtab[32:], 1)

	return buf
}

func parseObjdumpOutput(out string) ([]DisasmLine, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	var lines []DisasmLine
	for scanner.Scan() {
		line := scanner.Text()
		colon := strings.IndexRune(line, ':')
		if colon == -1 {
			continue
		}
		text := strings.TrimSpace(line[colon+1:])
		if text == "" || strings.HasPrefix(text, "<") {
			continue
		}
		if strings.HasPrefix(text, ".") || strings.HasPrefix(text, "file format") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		normalized := strings.Join(fields, " ")
		lines = append(lines, DisasmLine{
			Text:       text,
			Normalized: normalized,
			Mnemonic:   strings.ToLower(fields[0]),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}
	return lines, nil
}

func align(value int, boundary int) int {
	if boundary <= 0 {
		return value
	}
	rem := value % boundary
	if rem == 0 {
		return value
	}
	return value + boundary - rem
}
