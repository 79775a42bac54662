package x86

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/irx86/internal/asm/x86"
)

// Config is the backend's configuration table: boolean and sentinel
// immediates, the global object capacity and the register conventions.
type Config struct {
	True      int32
	False     int32
	Null      int32
	Undefined int32

	// MaxGlobalEntries is the capacity K of the global object.
	MaxGlobalEntries int

	Scratch x86.Reg
	Stack   x86.Reg
	// Context is the register the allocator keeps the global object in
	// across a function body. The translator only checks it for conflicts.
	Context  x86.Reg
	Callee   x86.Reg
	Receiver x86.Reg
	ArgRegs  []x86.Reg

	// UncheckedGlobals drops the capacity check from put_prop_val. Writing
	// more than MaxGlobalEntries keys then overwrites whatever follows the
	// table.
	UncheckedGlobals bool
}

func DefaultConfig() Config {
	return Config{
		True:             1,
		False:            0,
		Null:             0,
		Undefined:        0,
		MaxGlobalEntries: 4,
		Scratch:          x86.EDI,
		Stack:            x86.ESP,
		Context:          x86.EDX,
		Callee:           x86.EAX,
		Receiver:         x86.EBX,
		ArgRegs:          []x86.Reg{x86.ECX},
	}
}

// Validate rejects register assignments the generated code cannot work
// with.
func (c Config) Validate() error {
	if c.MaxGlobalEntries <= 0 {
		return fmt.Errorf("config: max_global_entries must be positive, got %d", c.MaxGlobalEntries)
	}
	if c.Stack != x86.ESP {
		return fmt.Errorf("config: stack register must be esp, got %s", c.Stack)
	}
	if c.Callee != x86.EAX {
		// The self-address primitive returns in eax and closures are
		// called through the callee register.
		return fmt.Errorf("config: callee register must be eax, got %s", c.Callee)
	}
	if c.Null == c.True {
		return fmt.Errorf("config: null and true immediates must differ")
	}

	used := map[x86.Reg]string{c.Stack: "stack"}
	claim := func(r x86.Reg, role string) error {
		if other, ok := used[r]; ok {
			return fmt.Errorf("config: %s register %s already used as %s", role, r, other)
		}
		used[r] = role
		return nil
	}
	if err := claim(c.Scratch, "scratch"); err != nil {
		return err
	}
	if err := claim(c.Callee, "callee"); err != nil {
		return err
	}
	if err := claim(c.Receiver, "receiver"); err != nil {
		return err
	}
	for i, r := range c.ArgRegs {
		if err := claim(r, fmt.Sprintf("argument %d", i+2)); err != nil {
			return err
		}
	}
	if c.Context == c.Scratch || c.Context == c.Stack {
		return fmt.Errorf("config: context register %s conflicts with scratch or stack", c.Context)
	}
	return nil
}

type configFile struct {
	True             *int32   `yaml:"true_value"`
	False            *int32   `yaml:"false_value"`
	Null             *int32   `yaml:"null_value"`
	Undefined        *int32   `yaml:"undefined_value"`
	MaxGlobalEntries *int     `yaml:"max_global_entries"`
	Scratch          string   `yaml:"scratch"`
	Stack            string   `yaml:"stack"`
	Context          string   `yaml:"context"`
	Callee           string   `yaml:"callee"`
	Receiver         string   `yaml:"receiver"`
	ArgRegs          []string `yaml:"arg_regs"`
	UncheckedGlobals bool     `yaml:"unchecked_globals"`
}

// ParseConfig reads a YAML configuration. Omitted fields keep their
// DefaultConfig values.
func ParseConfig(data []byte) (Config, error) {
	var f configFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	cfg := DefaultConfig()
	setInt := func(dst *int32, v *int32) {
		if v != nil {
			*dst = *v
		}
	}
	setInt(&cfg.True, f.True)
	setInt(&cfg.False, f.False)
	setInt(&cfg.Null, f.Null)
	setInt(&cfg.Undefined, f.Undefined)
	if f.MaxGlobalEntries != nil {
		cfg.MaxGlobalEntries = *f.MaxGlobalEntries
	}
	cfg.UncheckedGlobals = f.UncheckedGlobals

	regs := []struct {
		name string
		dst  *x86.Reg
	}{
		{f.Scratch, &cfg.Scratch},
		{f.Stack, &cfg.Stack},
		{f.Context, &cfg.Context},
		{f.Callee, &cfg.Callee},
		{f.Receiver, &cfg.Receiver},
	}
	for _, r := range regs {
		if r.name == "" {
			continue
		}
		reg, ok := x86.RegisterByName(r.name)
		if !ok {
			return Config{}, fmt.Errorf("config: unknown register %q", r.name)
		}
		*r.dst = reg
	}
	if f.ArgRegs != nil {
		cfg.ArgRegs = nil
		for _, name := range f.ArgRegs {
			reg, ok := x86.RegisterByName(name)
			if !ok {
				return Config{}, fmt.Errorf("config: unknown register %q", name)
			}
			cfg.ArgRegs = append(cfg.ArgRegs, reg)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return ParseConfig(data)
}
