package isa

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Assembler: text form used by tooling and tests
// ---------------------------------------------------------------------------
//
//	; comment
//	.entry main
//	main:   MOV EAX, #5
//	        CALL @fact
//	        MEM_LOAD EBX, ECX
//	        BARRIER_WAIT _, ECX, #1
//
// The first register operand is the destination, the second the source.
// "_" leaves the destination empty. Immediates are written "#n" (or a bare
// number); "@label" is an immediate holding the label's pc.

// AsmError reports a problem at a source line.
type AsmError struct {
	Line int
	Msg  string
}

func (e *AsmError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

type asmLine struct {
	line     int
	mnemonic string
	operands []string
}

// Assemble translates assembler text into a Program using codec.
func Assemble(src string, codec *Codec) (*Program, error) {
	labels := make(map[string]uint32)
	var lines []asmLine
	entry := ""
	entryLine := 0

	sc := bufio.NewScanner(strings.NewReader(src))
	n := 0
	for sc.Scan() {
		n++
		text := sc.Text()
		if i := strings.IndexByte(text, ';'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		for {
			i := strings.IndexByte(text, ':')
			if i < 0 {
				break
			}
			name := strings.TrimSpace(text[:i])
			if !isIdent(name) {
				break
			}
			if _, dup := labels[name]; dup {
				return nil, &AsmError{n, fmt.Sprintf("duplicate label %q", name)}
			}
			labels[name] = uint32(len(lines))
			text = strings.TrimSpace(text[i+1:])
		}
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, ".entry") {
			entry = strings.TrimSpace(strings.TrimPrefix(text, ".entry"))
			entryLine = n
			continue
		}
		mnemonic, rest := text, ""
		if i := strings.IndexAny(text, " \t"); i >= 0 {
			mnemonic, rest = text[:i], text[i+1:]
		}
		l := asmLine{line: n, mnemonic: strings.ToUpper(mnemonic)}
		if rest = strings.TrimSpace(rest); rest != "" {
			for _, op := range strings.Split(rest, ",") {
				l.operands = append(l.operands, strings.TrimSpace(op))
			}
		}
		lines = append(lines, l)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	prog := &Program{
		Version: ProgramVersion,
		Dim:     codec.Dim(),
		Code:    make([]Vector, 0, len(lines)),
		Labels:  labels,
	}
	if entry != "" {
		pc, err := resolveNumberOrLabel(entry, labels)
		if err != nil {
			return nil, &AsmError{entryLine, err.Error()}
		}
		prog.Entry = uint32(pc)
	}
	for _, l := range lines {
		in, err := assembleLine(l, codec.Registry(), labels)
		if err != nil {
			return nil, &AsmError{l.line, err.Error()}
		}
		vec, err := codec.Encode(in)
		if err != nil {
			return nil, &AsmError{l.line, err.Error()}
		}
		prog.Code = append(prog.Code, vec)
	}
	if err := prog.Validate(); err != nil {
		return nil, err
	}
	return prog, nil
}

func assembleLine(l asmLine, reg *Registry, labels map[string]uint32) (Instruction, error) {
	var in Instruction
	if l.mnemonic != "UNKNOWN" {
		op, ok := reg.Lookup(l.mnemonic)
		if !ok {
			return in, fmt.Errorf("unknown mnemonic %q", l.mnemonic)
		}
		in.Op = op
	}
	regs := 0
	for _, operand := range l.operands {
		switch {
		case operand == "_":
			if regs != 0 {
				return in, fmt.Errorf("placeholder must be the first register operand")
			}
			regs++
		case strings.HasPrefix(operand, "#") || strings.HasPrefix(operand, "@") || isNumber(operand):
			if in.HasImm {
				return in, fmt.Errorf("more than one immediate")
			}
			v, err := resolveNumberOrLabel(strings.TrimPrefix(operand, "#"), labels)
			if err != nil {
				return in, err
			}
			in = in.WithImm(v)
		default:
			r, ok := ParseRegister(strings.ToUpper(operand))
			if !ok {
				return in, fmt.Errorf("bad operand %q", operand)
			}
			switch regs {
			case 0:
				in.Dest = r
			case 1:
				in.Src = r
			default:
				return in, fmt.Errorf("too many register operands")
			}
			regs++
		}
	}
	return in, nil
}

func resolveNumberOrLabel(s string, labels map[string]uint32) (float64, error) {
	if name, ok := strings.CutPrefix(s, "@"); ok {
		pc, found := labels[name]
		if !found {
			return 0, fmt.Errorf("undefined label %q", name)
		}
		return float64(pc), nil
	}
	if pc, found := labels[s]; found {
		return float64(pc), nil
	}
	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return float64(i), nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad immediate %q", s)
	}
	return v, nil
}

func isNumber(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9')
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_' || c == '.' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
