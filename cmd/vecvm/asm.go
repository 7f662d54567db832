package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chazu/vecvm/manifest"
	"github.com/chazu/vecvm/pkg/isa"
)

// handleAsmCommand processes the `vecvm asm` subcommand.
// Usage:
//
//	vecvm asm fact.vasm            # ./fact.vvx
//	vecvm asm -o out.vvx fact.vasm # custom output
func handleAsmCommand(m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("asm", flag.ExitOnError)
	output := fs.String("o", "", "Output file (default: input with .vvx extension)")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("asm takes exactly one source file")
	}
	src := fs.Arg(0)

	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("cannot read %s: %w", src, err)
	}
	codec, err := m.Codec()
	if err != nil {
		return err
	}
	p, err := isa.Assemble(string(data), codec)
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}
	out, err := isa.MarshalProgram(p)
	if err != nil {
		return err
	}

	dst := *output
	if dst == "" {
		dst = strings.TrimSuffix(src, filepath.Ext(src)) + ".vvx"
	}
	if err := os.WriteFile(dst, out, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", dst, err)
	}
	log.Infof("assembled %s: %d instructions, %d bytes", src, p.Len(), len(out))
	fmt.Printf("Wrote %s (%d instructions)\n", dst, p.Len())
	return nil
}

// handleDisasmCommand processes the `vecvm disasm` subcommand.
func handleDisasmCommand(m *manifest.Manifest, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("disasm takes exactly one program file")
	}
	p, err := loadProgram(m, args[0])
	if err != nil {
		return err
	}
	codec, err := m.Codec()
	if err != nil {
		return err
	}
	fmt.Print(isa.DisassembleWithName(p, codec, filepath.Base(args[0])))
	return nil
}

// handleOpcodesCommand lists every registered opcode with its slot.
func handleOpcodesCommand(m *manifest.Manifest) error {
	reg, err := m.Registry()
	if err != nil {
		return err
	}
	fmt.Printf("%-18s %5s  %s\n", "NAME", "SLOT", "EXECUTES")
	for _, op := range reg.Opcodes() {
		info := reg.Info(op)
		exec := ""
		if op >= isa.FirstExtension {
			exec = reg.Name(info.Exec)
		}
		fmt.Printf("%-18s %5d  %s\n", info.Name, info.Slot, exec)
	}
	return nil
}
