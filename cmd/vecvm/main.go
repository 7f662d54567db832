// vecvm CLI - assemble, inspect and run vector instruction programs
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/vecvm/manifest"
	"github.com/chazu/vecvm/pkg/isa"
)

var log = commonlog.GetLogger("vecvm.cli")

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: vecvm [options] <command> [args...]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  asm <file.vasm>           Assemble to a .vvx program file\n")
	fmt.Fprintf(os.Stderr, "  disasm <file>             Print the instructions of a program\n")
	fmt.Fprintf(os.Stderr, "  run <files...>            Run programs and print a summary\n")
	fmt.Fprintf(os.Stderr, "  runs                      List archived runs\n")
	fmt.Fprintf(os.Stderr, "  trace <run-id>            Print the trace of an archived run\n")
	fmt.Fprintf(os.Stderr, "  opcodes                   List the instruction set\n")
	fmt.Fprintf(os.Stderr, "  lsp                       Serve the assembler language server on stdio\n")
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nConfiguration is read from the nearest %s, if any.\n", manifest.FileName)
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  vecvm asm fact.vasm                 # writes fact.vvx\n")
	fmt.Fprintf(os.Stderr, "  vecvm run -trace fact.vasm          # run and print the trace\n")
	fmt.Fprintf(os.Stderr, "  vecvm run -archive -j 4 progs/*.vvx # run in parallel, archive results\n")
	fmt.Fprintf(os.Stderr, "  vecvm trace -notes <run-id>         # faults and failed casts only\n")
}

func main() {
	verbose := flag.Int("v", -1, "Log verbosity (overrides [log] verbosity)")
	logFile := flag.String("log", "", "Log file (overrides [log] file)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	m, err := loadManifest()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		os.Exit(1)
	}
	configureLogging(m, *verbose, *logFile)

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "asm":
		err = handleAsmCommand(m, args)
	case "disasm":
		err = handleDisasmCommand(m, args)
	case "run":
		err = handleRunCommand(m, args)
	case "runs":
		err = handleRunsCommand(m, args)
	case "trace":
		err = handleTraceCommand(m, args)
	case "opcodes":
		err = handleOpcodesCommand(m)
	case "lsp":
		err = handleLspCommand(m)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadManifest returns the nearest vecvm.toml, or the defaults.
func loadManifest() (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}
	return m, nil
}

func configureLogging(m *manifest.Manifest, verbosity int, file string) {
	if verbosity < 0 {
		verbosity = m.Log.Verbosity
	}
	if file == "" {
		file = m.LogPath()
	}
	var path *string
	if file != "" {
		path = &file
	}
	commonlog.Configure(verbosity, path)
}

// loadProgram reads a program from an assembler source (.vasm, .s) or a
// program file (anything else).
func loadProgram(m *manifest.Manifest, path string) (*isa.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".vasm", ".s", ".asm":
		codec, err := m.Codec()
		if err != nil {
			return nil, err
		}
		p, err := isa.Assemble(string(data), codec)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return p, nil
	default:
		p, err := isa.UnmarshalProgram(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return p, nil
	}
}
