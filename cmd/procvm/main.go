// procvm CLI - assembles, runs and inspects procvm programs
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/procvm/asm"
	"github.com/chazu/procvm/loader"
	"github.com/chazu/procvm/manifest"
	"github.com/chazu/procvm/objfile"
	"github.com/chazu/procvm/vm"
)

const defaultVerbosity = -3

func main() {
	verbosity := flag.Int("log-verbosity", defaultVerbosity, "Log verbosity (-4 critical only ... 2 debug)")
	logFile := flag.String("log-file", "", "Write the log to this file instead of stderr")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: procvm [options] <command> [arguments]\n\n")
		fmt.Fprintf(os.Stderr, "Runs procvm assembler sources (.pasm) and images (.pvmi).\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run [-jit] [-stats] [files...]   Load, merge and execute\n")
		fmt.Fprintf(os.Stderr, "  build [-o out.pvmi] [files...]   Write a binary image\n")
		fmt.Fprintf(os.Stderr, "  dis [files...]                   Print an assembler listing\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nWith no files the entry of the nearest procvm.toml is used.\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  procvm run sum.pasm                 # Interpret sum.pasm\n")
		fmt.Fprintf(os.Stderr, "  procvm run -jit main.pasm lib.pasm  # Merge lib after main, run natively\n")
		fmt.Fprintf(os.Stderr, "  procvm build -o sum.pvmi sum.pasm   # Assemble to an image\n")
		fmt.Fprintf(os.Stderr, "  procvm dis sum.pvmi                 # Disassemble an image\n")
	}
	flag.Parse()

	m, err := manifest.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		os.Exit(1)
	}

	explicit := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
	if m != nil {
		if !explicit["log-verbosity"] && m.Log.Verbosity != nil {
			*verbosity = *m.Log.Verbosity
		}
		if !explicit["log-file"] {
			*logFile = m.LogFile()
		}
	}
	if *logFile != "" {
		commonlog.Configure(*verbosity, logFile)
	} else {
		commonlog.Configure(*verbosity, nil)
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	switch args[0] {
	case "run":
		os.Exit(handleRunCommand(m, args[1:]))
	case "build":
		os.Exit(handleBuildCommand(m, args[1:]))
	case "dis":
		os.Exit(handleDisCommand(m, args[1:]))
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
}

// handleRunCommand processes the `procvm run` subcommand. The exit code
// is 0 on success, 1 when loading or execution fails.
func handleRunCommand(m *manifest.Manifest, args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	jit := fs.Bool("jit", false, "Compile to native code before running")
	stats := fs.Bool("stats", false, "Print interpreter and native cache statistics")
	fs.Parse(args)

	cfg := m.EngineConfig()
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "jit" {
			cfg.JIT = *jit
		}
	})

	e := vm.NewEngine(cfg)
	if err := loadPrograms(e, m, fs.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		e.Logic().OnInput = func() {
			fmt.Fprint(os.Stderr, "> ")
		}
	}

	result, err := e.Exec()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(result)

	if *stats {
		s := e.Backend().Stats()
		fmt.Fprintf(os.Stderr, "decodes:  %d\n", e.Logic().DecodeCount())
		fmt.Fprintf(os.Stderr, "images:   %d (%d bytes)\n", s.Images, s.Bytes)
		fmt.Fprintf(os.Stderr, "native:   %d commands, %d callouts\n", s.Commands, s.Callouts)
		fmt.Fprintf(os.Stderr, "checksum: %016x\n", e.Checksum())
	}
	return 0
}

// handleBuildCommand processes the `procvm build` subcommand.
// Usage:
//
//	procvm build                    # [project] output of procvm.toml
//	procvm build -o sum.pvmi x.pasm # custom output
func handleBuildCommand(m *manifest.Manifest, args []string) int {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	output := fs.String("o", "", "Output image path")
	fs.Parse(args)

	files := fs.Args()
	out := *output
	if out == "" {
		switch {
		case len(files) > 0:
			out = strings.TrimSuffix(files[0], filepath.Ext(files[0])) + ".pvmi"
		case m != nil:
			out = m.OutputPath()
		}
	}
	if out == "" {
		fmt.Fprintln(os.Stderr, "Error: no output path; pass -o or set [project] name in procvm.toml")
		return 1
	}

	e := vm.NewEngine(m.EngineConfig())
	if err := loadPrograms(e, m, files); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	f, err := os.Create(out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	w := objfile.NewWriter()
	if err := e.Dump(w, f); err != nil {
		f.Close()
		os.Remove(out)
		fmt.Fprintf(os.Stderr, "Error writing %s: %v\n", out, err)
		return 1
	}
	if err := f.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Wrote %s (image %s)\n", out, w.ID())
	return 0
}

// handleDisCommand processes the `procvm dis` subcommand.
func handleDisCommand(m *manifest.Manifest, args []string) int {
	fs := flag.NewFlagSet("dis", flag.ExitOnError)
	fs.Parse(args)

	e := vm.NewEngine(m.EngineConfig())
	if err := loadPrograms(e, m, fs.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if err := e.Dump(asm.NewWriter(e.CommandSet()), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// loadPrograms loads files into e so that they end up in command line
// order: the last file becomes the current buffer and every earlier one
// is merged in front of it.
func loadPrograms(e *vm.Engine, m *manifest.Manifest, files []string) error {
	if len(files) == 0 {
		entry := m.EntryPath()
		if entry == "" {
			return fmt.Errorf("no input files and no [project] entry in procvm.toml")
		}
		files = []string{entry}
	}

	last := len(files) - 1
	if err := loadFile(e, files[last], func(r *loader.Reader, src io.Reader) error {
		_, err := e.Load(r, src)
		return err
	}); err != nil {
		return err
	}
	for i := last - 1; i >= 0; i-- {
		var id vm.BufferID
		err := loadFile(e, files[i], func(r *loader.Reader, src io.Reader) error {
			var err error
			id, err = e.LoadDetached(r, src)
			return err
		})
		if err != nil {
			return err
		}
		if err := e.Merge(id); err != nil {
			return fmt.Errorf("merging %s: %w", files[i], err)
		}
	}
	return nil
}

func loadFile(e *vm.Engine, path string, load func(*loader.Reader, io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := load(loader.New(e.CommandSet()), f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
