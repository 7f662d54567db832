package isa

// MinVectorDim is the smallest instruction vector the engine accepts.
const MinVectorDim = 512

// MaxVectorDim bounds the vector dimension so that a program file cannot
// request an unbounded allocation.
const MaxVectorDim = 1 << 20

// Operand sub-ranges of an instruction vector. Any index outside these
// ranges belongs to the operation range.
const (
	DestBase   = 72  // 72..79 EAX..EDI, 80..95 reserved for narrow aliases
	destEnd    = 96  // exclusive
	ImmBase    = 104 // 104..122 small one-hot constants, 104 is zero
	ImmIntFlag = 123 // set when bits 200..231 carry a 32-bit integer
	ImmRawFlag = 124 // set when slot 256 carries a raw float literal
	immEnd     = 125
	SrcBase    = 160 // 160..167 EAX..EDI
	srcEnd     = 192
	ImmBitBase = 200
	immBitEnd  = 232
	ImmRawSlot = 256
)

// activeThreshold is the value a one-hot slot must exceed to count as set.
const activeThreshold = 0.5

// smallImmediates are encoded one-hot starting at ImmBase.
var smallImmediates = [...]float64{
	0, 1, 2, 4, 8, 16, 32, 64, 128, 256,
	-1, -2, -4, -8, -16, -32, -64, -128, -256,
}

// IsOperandSlot reports whether idx lies in a reserved operand sub-range.
func IsOperandSlot(idx int) bool {
	switch {
	case idx >= DestBase && idx < destEnd:
		return true
	case idx >= ImmBase && idx < immEnd:
		return true
	case idx >= SrcBase && idx < srcEnd:
		return true
	case idx >= ImmBitBase && idx < immBitEnd:
		return true
	case idx == ImmRawSlot:
		return true
	}
	return false
}

func smallImmediateIndex(v float64) int {
	for i, c := range smallImmediates {
		if c == v {
			return i
		}
	}
	return -1
}
