package isa

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Disassemble returns a human-readable listing of the program.
func Disassemble(p *Program, codec *Codec) string {
	return DisassembleWithName(p, codec, "")
}

// DisassembleWithName returns a listing with a name header.
func DisassembleWithName(p *Program, codec *Codec, name string) string {
	var sb strings.Builder

	if name != "" {
		sb.WriteString(fmt.Sprintf("; === %s ===\n", name))
	}
	sb.WriteString(fmt.Sprintf("; vecvm program v%d\n", p.Version))
	sb.WriteString(fmt.Sprintf("; Dim: %d  Entry: %d  Instructions: %d\n", p.Dim, p.Entry, len(p.Code)))

	byPC := make(map[uint32][]string)
	for label, pc := range p.Labels {
		byPC[pc] = append(byPC[pc], label)
	}
	for _, labels := range byPC {
		sort.Strings(labels)
	}

	sb.WriteString("\n; Code:\n")
	for pc, vec := range p.Code {
		for _, label := range byPC[uint32(pc)] {
			sb.WriteString(label)
			sb.WriteString(":\n")
		}
		in, err := codec.Decode(vec)
		line := FormatInstruction(in, codec.Registry())
		if err != nil {
			sb.WriteString(fmt.Sprintf("%04d  %-30s ; %v\n", pc, line, err))
			continue
		}
		sb.WriteString(fmt.Sprintf("%04d  %s\n", pc, line))
	}
	return sb.String()
}

// FormatInstruction renders one instruction in assembler syntax.
func FormatInstruction(in Instruction, reg *Registry) string {
	var sb strings.Builder
	sb.WriteString(reg.Name(in.Op))

	var operands []string
	switch {
	case in.Dest != RegNone:
		operands = append(operands, in.Dest.String())
	case in.Src != RegNone:
		operands = append(operands, "_")
	}
	if in.Src != RegNone {
		operands = append(operands, in.Src.String())
	}
	if in.HasImm {
		operands = append(operands, "#"+strconv.FormatFloat(in.Imm, 'g', -1, 64))
	}
	if len(operands) > 0 {
		sb.WriteByte(' ')
		sb.WriteString(strings.Join(operands, ", "))
	}
	return sb.String()
}
