package isa

import "fmt"

// Opcode identifies the semantics of a decoded instruction.
// Base opcodes are fixed; extension opcodes are allocated by a Registry
// starting at FirstExtension.
type Opcode uint16

const (
	OpUnknown Opcode = iota

	// ========================================================================
	// Data movement
	// ========================================================================

	OpMov  // dst = src|imm|EBX
	OpLoad // dst = src|imm|EBX
	OpPush // push arg onto the thread data stack
	OpPop  // pop data stack into dst

	// ========================================================================
	// Arithmetic / logic
	// ========================================================================

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpAnd
	OpOr
	OpXor
	OpNot
	OpNeg
	OpInc
	OpDec
	OpShl
	OpShr

	// ========================================================================
	// Control flow
	// ========================================================================

	OpCmp
	OpTest
	OpJmp
	OpJe
	OpJne
	OpJg
	OpJl
	OpCall
	OpRet
	OpNop
	OpHalt

	// ========================================================================
	// Threading
	// ========================================================================

	OpThreadSpawn
	OpThreadJoin
	OpThreadExit
	OpThreadYield

	// ========================================================================
	// Synchronization and atomics
	// ========================================================================

	OpMutexCreate
	OpMutexLock
	OpMutexUnlock
	OpBarrierWait
	OpAtomicAdd
	OpAtomicCmpXchg

	// ========================================================================
	// Memory and strings
	// ========================================================================

	OpMemStore
	OpMemLoad
	OpHeapAlloc
	OpHeapFree
	OpStrAlloc
	OpStrConcat
	OpArrayAlloc
	OpArrayResize

	// ========================================================================
	// Object system
	// ========================================================================

	OpClassDefine
	OpClassInherit
	OpMethodDefine
	OpClassInst
	OpMethodCall
	OpPolymorph
	OpTypeCast

	opBaseEnd
)

// FirstExtension is the first Opcode value handed out to extension entries.
const FirstExtension Opcode = 0x100

// Family groups opcodes for disassembly and scheduling decisions.
type Family uint8

const (
	FamilyNone Family = iota
	FamilyData
	FamilyArith
	FamilyControl
	FamilyThread
	FamilySync
	FamilyMemory
	FamilyObject
)

// String returns the family name.
func (f Family) String() string {
	switch f {
	case FamilyData:
		return "data"
	case FamilyArith:
		return "arith"
	case FamilyControl:
		return "control"
	case FamilyThread:
		return "thread"
	case FamilySync:
		return "sync"
	case FamilyMemory:
		return "memory"
	case FamilyObject:
		return "object"
	default:
		return "none"
	}
}

// OpcodeInfo provides metadata about each opcode.
type OpcodeInfo struct {
	Name   string // Mnemonic
	Slot   int    // Index in the operation range of the vector
	Family Family
	Exec   Opcode // Opcode whose semantics are executed (differs for aliases)
}

// baseTable is the built-in ISA. Slot numbers are part of the program
// format; moving one breaks every encoded program.
var baseTable = map[Opcode]OpcodeInfo{
	OpMov:  {"MOV", 0, FamilyData, OpMov},
	OpLoad: {"LOAD", 1, FamilyData, OpLoad},
	OpPush: {"PUSH", 4, FamilyData, OpPush},
	OpPop:  {"POP", 5, FamilyData, OpPop},

	OpAdd: {"ADD", 32, FamilyArith, OpAdd},
	OpSub: {"SUB", 33, FamilyArith, OpSub},
	OpInc: {"INC", 34, FamilyArith, OpInc},
	OpDec: {"DEC", 35, FamilyArith, OpDec},
	OpXor: {"XOR", 36, FamilyArith, OpXor},
	OpAnd: {"AND", 37, FamilyArith, OpAnd},
	OpOr:  {"OR", 38, FamilyArith, OpOr},
	OpShl: {"SHL", 41, FamilyArith, OpShl},
	OpShr: {"SHR", 42, FamilyArith, OpShr},
	OpNot: {"NOT", 43, FamilyArith, OpNot},
	OpNeg: {"NEG", 44, FamilyArith, OpNeg},
	OpMul: {"MUL", 45, FamilyArith, OpMul},
	OpDiv: {"DIV", 47, FamilyArith, OpDiv},

	OpCmp:  {"CMP", 39, FamilyControl, OpCmp},
	OpTest: {"TEST", 40, FamilyControl, OpTest},
	OpJmp:  {"JMP", 64, FamilyControl, OpJmp},
	OpJe:   {"JE", 66, FamilyControl, OpJe},
	OpJne:  {"JNE", 67, FamilyControl, OpJne},
	OpJg:   {"JG", 68, FamilyControl, OpJg},
	OpJl:   {"JL", 69, FamilyControl, OpJl},
	OpCall: {"CALL", 70, FamilyControl, OpCall},
	OpRet:  {"RET", 71, FamilyControl, OpRet},
	OpNop:  {"NOP", 96, FamilyControl, OpNop},
	OpHalt: {"HALT", 98, FamilyControl, OpHalt},

	OpMemStore: {"MEM_STORE", 133, FamilyMemory, OpMemStore},
	OpMemLoad:  {"MEM_LOAD", 134, FamilyMemory, OpMemLoad},

	OpHeapAlloc:    {"HEAP_ALLOC", 360, FamilyMemory, OpHeapAlloc},
	OpHeapFree:     {"HEAP_FREE", 361, FamilyMemory, OpHeapFree},
	OpClassDefine:  {"CLASS_DEFINE", 365, FamilyObject, OpClassDefine},
	OpClassInst:    {"CLASS_INST", 366, FamilyObject, OpClassInst},
	OpMethodCall:   {"METHOD_CALL", 367, FamilyObject, OpMethodCall},
	OpClassInherit: {"CLASS_INHERIT", 368, FamilyObject, OpClassInherit},
	OpPolymorph:    {"POLYMORPH", 369, FamilyObject, OpPolymorph},
	OpTypeCast:     {"TYPE_CAST", 370, FamilyObject, OpTypeCast},
	OpStrAlloc:     {"STR_ALLOC", 371, FamilyMemory, OpStrAlloc},
	OpStrConcat:    {"STR_CONCAT", 372, FamilyMemory, OpStrConcat},
	OpArrayAlloc:   {"ARRAY_ALLOC", 373, FamilyMemory, OpArrayAlloc},
	OpArrayResize:  {"ARRAY_RESIZE", 374, FamilyMemory, OpArrayResize},
	OpMethodDefine: {"METHOD_DEFINE", 375, FamilyObject, OpMethodDefine},

	OpThreadSpawn:   {"THREAD_SPAWN", 400, FamilyThread, OpThreadSpawn},
	OpThreadJoin:    {"THREAD_JOIN", 401, FamilyThread, OpThreadJoin},
	OpThreadExit:    {"THREAD_EXIT", 402, FamilyThread, OpThreadExit},
	OpThreadYield:   {"THREAD_YIELD", 403, FamilyThread, OpThreadYield},
	OpMutexCreate:   {"MUTEX_CREATE", 404, FamilySync, OpMutexCreate},
	OpMutexLock:     {"MUTEX_LOCK", 405, FamilySync, OpMutexLock},
	OpMutexUnlock:   {"MUTEX_UNLOCK", 406, FamilySync, OpMutexUnlock},
	OpBarrierWait:   {"BARRIER_WAIT", 407, FamilySync, OpBarrierWait},
	OpAtomicAdd:     {"ATOMIC_ADD", 408, FamilySync, OpAtomicAdd},
	OpAtomicCmpXchg: {"ATOMIC_CMPXCHG", 409, FamilySync, OpAtomicCmpXchg},
}

// Extension describes an entry merged into a Registry at startup.
// Alias names the base opcode whose semantics the extension executes;
// an empty alias yields an opcode that executes as a no-op.
type Extension struct {
	Name  string
	Slot  int
	Alias string
}

// DefaultExtensions are the shared-memory aliases shipped with the engine.
var DefaultExtensions = []Extension{
	{Name: "MEM_LOAD_SHARED", Slot: 410, Alias: "MEM_LOAD"},
	{Name: "MEM_STORE_SHARED", Slot: 411, Alias: "MEM_STORE"},
}

// GetOpcodeInfo returns metadata for a base opcode.
// Returns an OpcodeInfo named "UNKNOWN" if the opcode is not a base opcode.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := baseTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: "UNKNOWN", Slot: -1, Exec: OpUnknown}
}

// String returns the mnemonic of a base opcode.
func (op Opcode) String() string {
	if op == OpUnknown {
		return "UNKNOWN"
	}
	if info, ok := baseTable[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("EXT(0x%03X)", uint16(op))
}

// IsJump returns true for conditional and unconditional branches.
func (op Opcode) IsJump() bool {
	return op >= OpJmp && op <= OpJl
}

// IsBlocking returns true if executing the opcode may suspend the thread.
func (op Opcode) IsBlocking() bool {
	switch op {
	case OpThreadJoin, OpMutexLock, OpBarrierWait:
		return true
	}
	return false
}

// BaseOpcodes returns every built-in opcode in declaration order.
func BaseOpcodes() []Opcode {
	ops := make([]Opcode, 0, len(baseTable))
	for op := OpUnknown + 1; op < opBaseEnd; op++ {
		ops = append(ops, op)
	}
	return ops
}
