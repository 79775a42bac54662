package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/irx86/internal/asm"
	asmx86 "github.com/tinyrange/irx86/internal/asm/x86"
	"github.com/tinyrange/irx86/internal/ir"
	irx86 "github.com/tinyrange/irx86/internal/ir/x86"
	"github.com/tinyrange/irx86/internal/vm"
)

type options struct {
	config   irx86.Config
	output   string
	listing  bool
	styled   bool
	execute  bool
	maxSteps int
}

func run() error {
	configPath := flag.String("config", "", "YAML backend configuration (defaults when empty)")
	output := flag.String("o", "", "write the code image here (a directory when compiling several files)")
	listing := flag.Bool("listing", false, "print an annotated listing of each program")
	color := flag.String("color", "auto", "style the listing: auto, always or never")
	execute := flag.Bool("run", false, "execute each program in the built-in IA-32 interpreter and print eax")
	steps := flag.Int("steps", vm.DefaultMaxSteps, "instruction limit for -run")
	debug := flag.Bool("debug", false, "enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `irx86 - translate register-allocated IR into IA-32 machine code

USAGE:
  irx86 [flags] <program.yaml>...

FLAGS:
  -config FILE   Backend configuration (booleans, sentinels, registers, global capacity)
  -o PATH        Output file, or output directory when several programs are given
  -listing       Print the listing with offsets, bytes and labels
  -color MODE    Listing styling: auto (terminal only), always or never
  -run           Execute the image and print the returned value
  -steps N       Instruction limit for -run (default: %d)
  -debug         Log each translated function

EXAMPLES:
  irx86 -listing prog.yaml               Show the generated code
  irx86 -run prog.yaml                   Compile and execute, printing eax
  irx86 -o out/ a.yaml b.yaml            Write out/a.bin and out/b.bin
`, vm.DefaultMaxSteps)
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	opts := options{
		config:   irx86.DefaultConfig(),
		output:   *output,
		listing:  *listing,
		execute:  *execute,
		maxSteps: *steps,
	}
	if *configPath != "" {
		cfg, err := irx86.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		opts.config = cfg
	}
	switch *color {
	case "auto":
		opts.styled = term.IsTerminal(int(os.Stdout.Fd()))
	case "always":
		opts.styled = true
	case "never":
	default:
		return fmt.Errorf("invalid -color %q", *color)
	}

	files := flag.Args()
	if len(files) == 1 {
		return compileFile(files[0], opts.output, opts)
	}

	if opts.output != "" {
		if err := os.MkdirAll(opts.output, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	// Listings and results go to stdout, so only show progress when they
	// are not requested.
	var pb *progressbar.ProgressBar
	if !opts.listing && !opts.execute {
		pb = progressbar.Default(int64(len(files)), "translating")
		defer pb.Close()
	}
	for _, file := range files {
		out := ""
		if opts.output != "" {
			base := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
			out = filepath.Join(opts.output, base+".bin")
		}
		if err := compileFile(file, out, opts); err != nil {
			return err
		}
		if pb != nil {
			pb.Add(1)
		}
	}
	return nil
}

func compileFile(path, output string, opts options) error {
	prog, err := ir.LoadFile(path, irx86.LookupRegister)
	if err != nil {
		return err
	}
	code, err := irx86.Translate(prog, opts.config)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	slog.Debug("compiled", "file", path, "bytes", code.Len())

	if output != "" {
		if err := os.WriteFile(output, code.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write image: %w", err)
		}
	}
	if opts.listing {
		if err := printListing(os.Stdout, path, code, opts.styled); err != nil {
			return err
		}
	}
	if opts.execute {
		m, err := vm.Run(code.Bytes(), opts.maxSteps)
		if err != nil {
			return fmt.Errorf("%s: run: %w", path, err)
		}
		fmt.Printf("%s: %d (%d instructions)\n", path, int32(m.Reg(asmx86.EAX)), m.Steps())
	}
	if output == "" && !opts.listing && !opts.execute {
		fmt.Printf("%s: %d bytes\n", path, code.Len())
	}
	return nil
}

func printListing(w io.Writer, path string, code asm.Program, styled bool) error {
	fmt.Fprintf(w, "; %s\n", path)
	return asmx86.WriteListing(w, code, asmx86.ListingOptions{Styled: styled})
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "irx86: %v\n", err)
		os.Exit(1)
	}
}
