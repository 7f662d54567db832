package isa

import (
	"errors"
	"fmt"
	"math"
)

// ErrVectorTooShort is returned for vectors below MinVectorDim.
var ErrVectorTooShort = errors.New("isa: instruction vector shorter than minimum dimension")

// ErrVectorTooLong is returned for dimensions above MaxVectorDim.
var ErrVectorTooLong = errors.New("isa: instruction vector longer than maximum dimension")

// ErrNotRepresentable is returned by Encode for instructions that cannot be
// expressed in a vector (NaN immediates, unregistered opcodes).
var ErrNotRepresentable = errors.New("isa: instruction not representable")

// Vector is a raw semantic instruction vector.
type Vector []float64

// Register names a general purpose register. RegNone means "not present".
type Register uint8

const (
	RegNone Register = iota
	EAX
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
)

// NumRegisters is the size of a thread's register file.
const NumRegisters = 8

var registerNames = [...]string{"", "EAX", "ECX", "EDX", "EBX", "ESP", "EBP", "ESI", "EDI"}

// String returns the register name.
func (r Register) String() string {
	if int(r) < len(registerNames) {
		return registerNames[r]
	}
	return fmt.Sprintf("R%d", r)
}

// Index returns the register file index, or -1 for RegNone.
func (r Register) Index() int {
	if r == RegNone || r > EDI {
		return -1
	}
	return int(r) - 1
}

// ParseRegister resolves a register name.
func ParseRegister(name string) (Register, bool) {
	for i := 1; i < len(registerNames); i++ {
		if registerNames[i] == name {
			return Register(i), true
		}
	}
	return RegNone, false
}

// Instruction is the structured form of a decoded vector.
type Instruction struct {
	Op     Opcode
	Dest   Register
	Src    Register
	Imm    float64
	HasImm bool
}

// Immediate returns the immediate operand and whether it is present.
func (i Instruction) Immediate() (float64, bool) {
	return i.Imm, i.HasImm
}

// WithImm returns a copy of i carrying the immediate v.
func (i Instruction) WithImm(v float64) Instruction {
	i.Imm, i.HasImm = v, true
	return i
}

// Codec converts between vectors and instructions for a fixed registry
// and vector dimension.
type Codec struct {
	reg *Registry
	dim int
}

// NewCodec returns a codec producing vectors of length dim.
func NewCodec(reg *Registry, dim int) (*Codec, error) {
	if dim < MinVectorDim {
		return nil, fmt.Errorf("%w: %d < %d", ErrVectorTooShort, dim, MinVectorDim)
	}
	if dim > MaxVectorDim {
		return nil, fmt.Errorf("%w: %d > %d", ErrVectorTooLong, dim, MaxVectorDim)
	}
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Codec{reg: reg, dim: dim}, nil
}

// Registry returns the registry backing the codec.
func (c *Codec) Registry() *Registry { return c.reg }

// Dim returns the vector dimension produced by Encode.
func (c *Codec) Dim() int { return c.dim }

// Decode converts a vector into an Instruction. Decode is total: an
// ambiguous operation range yields OpUnknown together with
// ErrDecodeAmbiguity, and the operands are still decoded.
func (c *Codec) Decode(vec Vector) (Instruction, error) {
	var in Instruction
	op, err := c.reg.OpcodeOf(vec)
	if err != nil {
		op = OpUnknown
	}
	in.Op = op
	in.Dest = decodeRegister(vec, DestBase)
	in.Src = decodeRegister(vec, SrcBase)
	in.Imm, in.HasImm = decodeImmediate(vec)
	return in, err
}

// Encode is the inverse of Decode.
func (c *Codec) Encode(in Instruction) (Vector, error) {
	vec := make(Vector, c.dim)
	if in.Op != OpUnknown {
		info := c.reg.Info(in.Op)
		if info.Slot < 0 || info.Slot >= c.dim {
			return nil, fmt.Errorf("%w: opcode %d", ErrNotRepresentable, in.Op)
		}
		vec[info.Slot] = 1
	}
	if idx := in.Dest.Index(); idx >= 0 {
		vec[DestBase+idx] = 1
	}
	if idx := in.Src.Index(); idx >= 0 {
		vec[SrcBase+idx] = 1
	}
	if in.HasImm {
		if err := encodeImmediate(vec, in.Imm); err != nil {
			return nil, err
		}
	}
	return vec, nil
}

// MustEncode is Encode for statically known instructions.
func (c *Codec) MustEncode(in Instruction) Vector {
	vec, err := c.Encode(in)
	if err != nil {
		panic(err)
	}
	return vec
}

func decodeRegister(vec Vector, base int) Register {
	best, bestVal := -1, activeThreshold
	for i := 0; i < NumRegisters && base+i < len(vec); i++ {
		if vec[base+i] > bestVal {
			best, bestVal = i, vec[base+i]
		}
	}
	if best < 0 {
		return RegNone
	}
	return Register(best + 1)
}

func decodeImmediate(vec Vector) (float64, bool) {
	if len(vec) <= ImmRawSlot {
		return 0, false
	}
	best, bestVal := -1, activeThreshold
	for i := range smallImmediates {
		if vec[ImmBase+i] > bestVal {
			best, bestVal = i, vec[ImmBase+i]
		}
	}
	if best >= 0 {
		return smallImmediates[best], true
	}
	if vec[ImmIntFlag] > activeThreshold {
		var bits uint32
		for i := 0; i < 32; i++ {
			if vec[ImmBitBase+i] > activeThreshold {
				bits |= 1 << i
			}
		}
		return float64(int32(bits)), true
	}
	if math.IsNaN(vec[ImmRawSlot]) {
		return 0, false
	}
	if vec[ImmRawFlag] > activeThreshold {
		return vec[ImmRawSlot], true
	}
	// Unflagged raw literals are accepted for vectors produced by older tools.
	if math.Abs(vec[ImmRawSlot]) > 0.001 {
		return vec[ImmRawSlot], true
	}
	return 0, false
}

func encodeImmediate(vec Vector, v float64) error {
	if math.IsNaN(v) {
		return fmt.Errorf("%w: NaN immediate", ErrNotRepresentable)
	}
	if idx := smallImmediateIndex(v); idx >= 0 {
		vec[ImmBase+idx] = 1
		return nil
	}
	if v == math.Trunc(v) && v >= math.MinInt32 && v <= math.MaxInt32 {
		bits := uint32(int32(v))
		vec[ImmIntFlag] = 1
		for i := 0; i < 32; i++ {
			if bits&(1<<i) != 0 {
				vec[ImmBitBase+i] = 1
			}
		}
		return nil
	}
	vec[ImmRawFlag] = 1
	vec[ImmRawSlot] = v
	return nil
}
