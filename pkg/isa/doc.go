// Package isa defines the semantic instruction set of the vector engine.
//
// An instruction is a fixed-length vector of float64 values (at least
// MinVectorDim long). Sub-ranges of the vector are reserved by convention:
//
//   - Operation: every index outside the operand ranges. Exactly one slot is
//     expected to be active (one-hot); the opcode is the slot holding the
//     maximum value, lowest index first on ties.
//   - Destination register: 72..79 (EAX..EDI).
//   - Source register: 160..167 (EAX..EDI).
//   - Immediate: 104..122 one-hot small constants, 123 flags a 32-bit
//     integer in bits 200..231, 124 flags a raw float literal in slot 256.
//
// The Registry maps mnemonics to operation slots. It is built from the base
// table, extended once at startup (see DefaultExtensions and
// Registry.Merge) and then frozen.
//
// The Codec turns vectors into Instructions and back; for every
// representable instruction Decode(Encode(i)) == i. An instruction is
// representable when its opcode is registered, its immediate is not NaN and
// Imm is zero whenever HasImm is false.
//
// Programs are serialized with CBOR (MarshalProgram) and can be written in
// a small assembler syntax (Assemble) for tooling and tests.
package isa
