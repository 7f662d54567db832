package isa

import (
	"errors"
	"math"
	"testing"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(DefaultRegistry(), MinVectorDim)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCodecRoundTripOperands(t *testing.T) {
	c := testCodec(t)
	regs := []Register{RegNone, EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI}
	ops := append([]Opcode{OpUnknown}, c.Registry().Opcodes()...)

	for _, op := range ops {
		for _, dst := range regs {
			for _, src := range regs {
				in := Instruction{Op: op, Dest: dst, Src: src}
				vec, err := c.Encode(in)
				if err != nil {
					t.Fatalf("Encode(%+v): %v", in, err)
				}
				got, err := c.Decode(vec)
				if err != nil {
					t.Fatalf("Decode(%+v): %v", in, err)
				}
				if got != in {
					t.Fatalf("round trip: got %+v, want %+v", got, in)
				}
			}
		}
	}
}

func TestCodecRoundTripImmediates(t *testing.T) {
	c := testCodec(t)
	imms := []float64{
		0, 1, 2, 64, 256, -1, -256, // one-hot constants
		3, -7, 1000, 1 << 20, math.MaxInt32, math.MinInt32, // integer bits
		2.5, -0.125, 1e12, -3e-9, math.Inf(1), math.Inf(-1), // raw literal
	}
	for _, op := range c.Registry().Opcodes() {
		for _, v := range imms {
			in := Instruction{Op: op, Dest: EAX}.WithImm(v)
			vec, err := c.Encode(in)
			if err != nil {
				t.Fatalf("Encode(%s #%v): %v", op, v, err)
			}
			got, err := c.Decode(vec)
			if err != nil {
				t.Fatalf("Decode(%s #%v): %v", op, v, err)
			}
			if got != in {
				t.Fatalf("round trip: got %+v, want %+v", got, in)
			}
		}
	}
}

func TestCodecImmediateEncoding(t *testing.T) {
	c := testCodec(t)
	tests := []struct {
		imm  float64
		slot int
	}{
		{0, ImmBase},
		{-1, ImmBase + 10},
		{7, ImmIntFlag},
		{0.5, ImmRawFlag},
	}
	for _, tt := range tests {
		vec := c.MustEncode(Instruction{Op: OpMov}.WithImm(tt.imm))
		if vec[tt.slot] != 1 {
			t.Errorf("immediate %v: slot %d not set", tt.imm, tt.slot)
		}
	}
}

func TestCodecRejects(t *testing.T) {
	if _, err := NewCodec(nil, 100); !errors.Is(err, ErrVectorTooShort) {
		t.Errorf("NewCodec(100) error = %v, want ErrVectorTooShort", err)
	}
	c := testCodec(t)
	if _, err := c.Encode(Instruction{Op: OpMov}.WithImm(math.NaN())); !errors.Is(err, ErrNotRepresentable) {
		t.Errorf("NaN immediate error = %v, want ErrNotRepresentable", err)
	}
	if _, err := NewCodec(nil, MaxVectorDim+1); !errors.Is(err, ErrVectorTooLong) {
		t.Errorf("NewCodec(MaxVectorDim+1) error = %v, want ErrVectorTooLong", err)
	}
	if _, err := c.Encode(Instruction{Op: Opcode(0x7FF)}); !errors.Is(err, ErrNotRepresentable) {
		t.Errorf("unregistered opcode error = %v, want ErrNotRepresentable", err)
	}
}

func TestDecodeAmbiguousVector(t *testing.T) {
	c := testCodec(t)
	vec := c.MustEncode(Instruction{Op: OpAdd, Dest: ECX}.WithImm(4))
	vec[GetOpcodeInfo(OpSub).Slot] = 1

	in, err := c.Decode(vec)
	if !errors.Is(err, ErrDecodeAmbiguity) {
		t.Fatalf("Decode error = %v, want ErrDecodeAmbiguity", err)
	}
	if in.Op != OpUnknown {
		t.Errorf("ambiguous decode op = %s, want UNKNOWN", in.Op)
	}
	if in.Dest != ECX || !in.HasImm || in.Imm != 4 {
		t.Errorf("operands should still decode, got %+v", in)
	}
}

func TestDecodeLegacyRawImmediate(t *testing.T) {
	c := testCodec(t)
	vec := c.MustEncode(Instruction{Op: OpJmp})
	vec[ImmRawSlot] = 300
	in, err := c.Decode(vec)
	if err != nil {
		t.Fatal(err)
	}
	if !in.HasImm || in.Imm != 300 {
		t.Errorf("unflagged raw immediate = %v (%v), want 300", in.Imm, in.HasImm)
	}
}

func TestDecodeNaNSlots(t *testing.T) {
	c := testCodec(t)
	vec := c.MustEncode(Instruction{Op: OpAdd, Dest: ECX, Src: EDX})
	vec[0] = math.NaN()
	vec[DestBase] = math.NaN()
	vec[SrcBase+7] = math.NaN()
	vec[ImmRawFlag] = 1
	vec[ImmRawSlot] = math.NaN()

	in, err := c.Decode(vec)
	if err != nil {
		t.Fatal(err)
	}
	want := Instruction{Op: OpAdd, Dest: ECX, Src: EDX}
	if in != want {
		t.Errorf("Decode = %+v, want %+v", in, want)
	}
}

func TestParseRegister(t *testing.T) {
	for _, r := range []Register{EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI} {
		got, ok := ParseRegister(r.String())
		if !ok || got != r {
			t.Errorf("ParseRegister(%q) = %v, %v", r.String(), got, ok)
		}
	}
	if _, ok := ParseRegister("EIP"); ok {
		t.Error("EIP is not a general purpose register")
	}
}
