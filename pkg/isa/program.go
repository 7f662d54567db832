package isa

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ProgramVersion is the current program file format version.
// Increment when making incompatible changes to the format.
const ProgramVersion uint16 = 1

// ProgramMagic identifies a serialized program.
const ProgramMagic = "VVX"

// ErrBadProgram is returned when a serialized program cannot be used.
var ErrBadProgram = errors.New("isa: malformed program")

// Program is an ordered array of instruction vectors addressed by pc.
type Program struct {
	Version uint16
	Dim     int
	Entry   uint32
	Code    []Vector
	Labels  map[string]uint32
}

// NewProgram wraps vectors in a Program, validating their dimension.
func NewProgram(code []Vector) (*Program, error) {
	p := &Program{Version: ProgramVersion, Code: code}
	if len(code) > 0 {
		p.Dim = len(code[0])
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks that every vector has the program dimension and that
// the dimension lies within [MinVectorDim, MaxVectorDim].
func (p *Program) Validate() error {
	if len(p.Code) == 0 {
		return nil
	}
	if err := checkDim(p.Dim); err != nil {
		return err
	}
	for pc, v := range p.Code {
		if len(v) != p.Dim {
			return fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrBadProgram, pc, len(v), p.Dim)
		}
	}
	if int(p.Entry) > len(p.Code) {
		return fmt.Errorf("%w: entry %d beyond end of program", ErrBadProgram, p.Entry)
	}
	return nil
}

func checkDim(dim int) error {
	if dim < MinVectorDim {
		return fmt.Errorf("%w: dimension %d < %d", ErrVectorTooShort, dim, MinVectorDim)
	}
	if dim > MaxVectorDim {
		return fmt.Errorf("%w: dimension %d > %d", ErrVectorTooLong, dim, MaxVectorDim)
	}
	return nil
}

// Len returns the number of instructions.
func (p *Program) Len() int { return len(p.Code) }

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------

// wireProgram stores vectors sparsely: most slots of a one-hot vector are
// zero, so only non-zero slots are written.
type wireProgram struct {
	Magic   string               `cbor:"magic"`
	Version uint16               `cbor:"version"`
	Dim     int                  `cbor:"dim"`
	Entry   uint32               `cbor:"entry"`
	Code    []map[uint32]float64 `cbor:"code"`
	Labels  map[string]uint32    `cbor:"labels,omitempty"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("isa: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalProgram serializes a Program to canonical CBOR bytes.
func MarshalProgram(p *Program) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	w := wireProgram{
		Magic:   ProgramMagic,
		Version: p.Version,
		Dim:     p.Dim,
		Entry:   p.Entry,
		Code:    make([]map[uint32]float64, len(p.Code)),
		Labels:  p.Labels,
	}
	for pc, v := range p.Code {
		sparse := make(map[uint32]float64)
		for i, x := range v {
			if x != 0 {
				sparse[uint32(i)] = x
			}
		}
		w.Code[pc] = sparse
	}
	return cborEncMode.Marshal(&w)
}

// UnmarshalProgram deserializes a Program from CBOR bytes.
func UnmarshalProgram(data []byte) (*Program, error) {
	var w wireProgram
	if err := cbor.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("isa: unmarshal program: %w", err)
	}
	if w.Magic != ProgramMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadProgram, w.Magic)
	}
	if w.Version > ProgramVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadProgram, w.Version)
	}
	if len(w.Code) > 0 {
		if err := checkDim(w.Dim); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadProgram, err)
		}
	}
	p := &Program{
		Version: w.Version,
		Dim:     w.Dim,
		Entry:   w.Entry,
		Code:    make([]Vector, len(w.Code)),
		Labels:  w.Labels,
	}
	for pc, sparse := range w.Code {
		v := make(Vector, w.Dim)
		for i, x := range sparse {
			if int(i) >= w.Dim {
				return nil, fmt.Errorf("%w: vector %d slot %d beyond dimension %d", ErrBadProgram, pc, i, w.Dim)
			}
			v[i] = x
		}
		p.Code[pc] = v
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
