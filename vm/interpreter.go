package vm

import (
	"errors"
	"fmt"
	"math"

	"github.com/tliron/commonlog"

	"github.com/chazu/vecvm/pkg/isa"
)

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------
//
// Operand conventions: dst is the destination register or EAX. val(R) is
// the immediate if present, else the source register if present, else R.
// arg is the immediate, else the source register, else dst.

// execute runs the instruction at t.PC. The PC is advanced before dispatch
// so that branches overwrite it and blocking instructions resume after
// themselves when woken.
func (e *Engine) execute(t *ThreadContext) {
	pc := t.PC
	d := &e.program[pc]
	t.PC = pc + 1
	e.cycles++
	t.Retired++
	e.profile[d.name]++
	e.note = ""
	if d.err != nil {
		e.note = d.err.Error()
	}

	if e.log.AllowLevel(commonlog.Debug) {
		e.log.Debugf("[%d] thread %d pc %d: %s", e.cycles, t.ID, pc, isa.FormatInstruction(d.in, e.cfg.registry))
	}

	if err := e.dispatch(t, d); err != nil {
		f := &Fault{Err: err, ThreadID: t.ID, PC: pc, Op: d.name}
		if root := rootCause(err); root != err {
			f.Err, f.Detail = root, err.Error()
		}
		e.note = f.Error()
		e.log.Warningf("%s", f)
		e.exitThread(t, f.ExitCode(), f)
	}

	if e.cfg.trace {
		e.trace = append(e.trace, TraceEntry{
			Cycle:    e.cycles,
			ThreadID: t.ID,
			PC:       pc,
			Op:       d.name,
			Note:     e.note,
		})
	}
}

// rootCause returns the innermost sentinel of a wrapped error chain.
func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

func (e *Engine) dispatch(t *ThreadContext, d *decoded) error {
	in := d.in
	switch d.exec {
	case isa.OpUnknown, isa.OpNop, isa.OpThreadYield:
		return nil

	// Data movement
	case isa.OpMov, isa.OpLoad:
		t.Registers.Set(dst(in), val(t, in, isa.EBX))
	case isa.OpPush:
		t.push(arg(t, in))
	case isa.OpPop:
		v, err := t.pop()
		if err != nil {
			return err
		}
		t.Registers.Set(dst(in), v)

	// Arithmetic / logic
	case isa.OpAdd, isa.OpSub, isa.OpMul, isa.OpDiv,
		isa.OpAnd, isa.OpOr, isa.OpXor, isa.OpShl, isa.OpShr:
		r := dst(in)
		v := binary(d.exec, t.Reg(r), val(t, in, isa.EBX))
		t.Registers.Set(r, v)
		t.setFlags(v)
	case isa.OpNot, isa.OpNeg, isa.OpInc, isa.OpDec:
		r := dst(in)
		v := unary(d.exec, t.Reg(r))
		t.Registers.Set(r, v)
		t.setFlags(v)

	// Control flow
	case isa.OpCmp:
		t.setFlags(t.Reg(dst(in)) - val(t, in, isa.EBX))
	case isa.OpTest:
		t.setFlags(float64(toInt(t.Reg(dst(in))) & toInt(val(t, in, isa.EBX))))
	case isa.OpJmp:
		return e.jump(t, arg(t, in))
	case isa.OpJe:
		if t.Flags.ZF {
			return e.jump(t, arg(t, in))
		}
	case isa.OpJne:
		if !t.Flags.ZF {
			return e.jump(t, arg(t, in))
		}
	case isa.OpJg:
		if !t.Flags.ZF && !t.Flags.SF {
			return e.jump(t, arg(t, in))
		}
	case isa.OpJl:
		if t.Flags.SF {
			return e.jump(t, arg(t, in))
		}
	case isa.OpCall:
		ret := t.PC
		if err := e.jump(t, arg(t, in)); err != nil {
			return err
		}
		t.pushCall(ret)
	case isa.OpRet:
		ret, err := t.popCall()
		if err != nil {
			return err
		}
		t.PC = ret
	case isa.OpHalt:
		e.exitThread(t, ExitOK, nil)
		e.halting = true
		e.log.Infof("thread %d halted the program at cycle %d", t.ID, e.cycles)

	// Threading
	case isa.OpThreadSpawn:
		return e.spawn(t, in)
	case isa.OpThreadJoin:
		return e.join(t, in)
	case isa.OpThreadExit:
		code := 0
		if in.HasImm {
			code = int(in.Imm)
		}
		e.exitThread(t, code, nil)

	// Synchronization
	case isa.OpMutexCreate:
		t.Registers.Set(dst(in), float64(e.mutexes.create()))
	case isa.OpMutexLock:
		return e.mutexLock(t, in)
	case isa.OpMutexUnlock:
		return e.mutexUnlock(t, in)
	case isa.OpBarrierWait:
		e.barrierWait(t, in)
	case isa.OpAtomicAdd:
		return e.atomicAdd(t, in)
	case isa.OpAtomicCmpXchg:
		return e.atomicCmpXchg(t, in)

	// Memory
	case isa.OpMemStore:
		addr, err := address(t.Reg(dst(in)))
		if err != nil {
			return err
		}
		return e.memory.Write(addr, val(t, in, isa.ECX))
	case isa.OpMemLoad:
		from := dst(in)
		if in.Src != isa.RegNone {
			from = in.Src
		}
		addr, err := address(t.Reg(from))
		if err != nil {
			return err
		}
		v, err := e.memory.Read(addr)
		if err != nil {
			return err
		}
		t.Registers.Set(dst(in), v)
	case isa.OpHeapAlloc:
		e.allocate(t, in, RawTag)
	case isa.OpStrAlloc:
		e.allocate(t, in, StringTag)
	case isa.OpHeapFree:
		addr, err := address(arg(t, in))
		if err != nil {
			return err
		}
		return e.memory.Free(addr)
	case isa.OpStrConcat:
		return e.strConcat(t, in)
	case isa.OpArrayAlloc:
		e.arrayAlloc(t, in)
	case isa.OpArrayResize:
		return e.arrayResize(t, in)

	// Object system
	case isa.OpClassDefine:
		e.classDefine(t, in)
	case isa.OpClassInherit:
		child, _ := toU32(t.Reg(dst(in)))
		parent, _ := toU32(val(t, in, isa.EBX))
		e.status(t, dst(in), e.classes.Inherit(child, parent))
	case isa.OpMethodDefine:
		e.methodDefine(t, in)
	case isa.OpClassInst:
		return e.classInst(t, in)
	case isa.OpMethodCall:
		return e.methodCall(t, in)
	case isa.OpPolymorph:
		var class uint32
		if addr, ok := toU32(arg(t, in)); ok {
			class, _ = e.dynamicClass(addr)
		}
		t.Registers.Set(dst(in), float64(class))
		t.setFlags(float64(class))
	case isa.OpTypeCast:
		e.typeCast(t, in)

	default:
		return fmt.Errorf("no handler for %s", d.name)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Operand helpers
// ---------------------------------------------------------------------------

func dst(in isa.Instruction) isa.Register {
	if in.Dest != isa.RegNone {
		return in.Dest
	}
	return isa.EAX
}

func val(t *ThreadContext, in isa.Instruction, def isa.Register) float64 {
	if in.HasImm {
		return in.Imm
	}
	if in.Src != isa.RegNone {
		return t.Reg(in.Src)
	}
	return t.Reg(def)
}

func arg(t *ThreadContext, in isa.Instruction) float64 {
	return val(t, in, dst(in))
}

func srcOr(in isa.Instruction, def isa.Register) isa.Register {
	if in.Src != isa.RegNone {
		return in.Src
	}
	return def
}

// toU32 converts a register value to an address or id.
func toU32(v float64) (uint32, bool) {
	if v < 0 || v > math.MaxUint32 || v != math.Trunc(v) {
		return 0, false
	}
	return uint32(v), true
}

func toInt(v float64) int64 {
	if math.IsNaN(v) {
		return 0
	}
	return int64(v)
}

func address(v float64) (uint32, error) {
	addr, ok := toU32(v)
	if !ok {
		return 0, fmt.Errorf("%w: address %v", ErrSegFault, v)
	}
	return addr, nil
}

func (e *Engine) jump(t *ThreadContext, target float64) error {
	pc, ok := toU32(target)
	if !ok {
		return fmt.Errorf("%w: %v", ErrBadTarget, target)
	}
	t.PC = pc
	return nil
}

// signal writes a status value and sets the flags from it, so a following
// JE branches when the operation failed.
func (e *Engine) signal(t *ThreadContext, r isa.Register, v float64) {
	t.Registers.Set(r, v)
	t.setFlags(v)
}

// status writes 1 on success or 0 on a recoverable failure.
func (e *Engine) status(t *ThreadContext, r isa.Register, err error) {
	if err != nil {
		e.note = err.Error()
		e.log.Debugf("thread %d: %v", t.ID, err)
		e.signal(t, r, 0)
		return
	}
	e.signal(t, r, 1)
}

func binary(op isa.Opcode, a, b float64) float64 {
	switch op {
	case isa.OpAdd:
		return a + b
	case isa.OpSub:
		return a - b
	case isa.OpMul:
		return a * b
	case isa.OpDiv:
		if b == 0 {
			return 0
		}
		if a == math.Trunc(a) && b == math.Trunc(b) {
			return math.Floor(a / b)
		}
		return a / b
	case isa.OpAnd:
		return float64(toInt(a) & toInt(b))
	case isa.OpOr:
		return float64(toInt(a) | toInt(b))
	case isa.OpXor:
		return float64(toInt(a) ^ toInt(b))
	case isa.OpShl:
		return float64(toInt(a) << (uint64(toInt(b)) & 63))
	case isa.OpShr:
		return float64(toInt(a) >> (uint64(toInt(b)) & 63))
	}
	return a
}

func unary(op isa.Opcode, a float64) float64 {
	switch op {
	case isa.OpNot:
		return float64(^toInt(a))
	case isa.OpNeg:
		return -a
	case isa.OpInc:
		return a + 1
	case isa.OpDec:
		return a - 1
	}
	return a
}

// ---------------------------------------------------------------------------
// Threading and synchronization
// ---------------------------------------------------------------------------

// spawn creates a thread at arg. The child starts with a copy of the
// parent's registers and EAX = 0; the parent receives the child id in dst.
func (e *Engine) spawn(t *ThreadContext, in isa.Instruction) error {
	entry, ok := toU32(arg(t, in))
	if !ok {
		return fmt.Errorf("%w: spawn entry %v", ErrBadTarget, arg(t, in))
	}
	child := &ThreadContext{
		ID:        uint32(len(e.threads)),
		PC:        entry,
		Registers: t.Registers,
		State:     Ready,
	}
	child.Registers.Set(isa.EAX, 0)
	e.threads = append(e.threads, child)
	e.ready = append(e.ready, child.ID)
	t.Registers.Set(dst(in), float64(child.ID))
	e.log.Debugf("thread %d spawned thread %d at pc %d", t.ID, child.ID, entry)
	return nil
}

func (e *Engine) join(t *ThreadContext, in isa.Instruction) error {
	tid, ok := toU32(arg(t, in))
	if !ok || int(tid) >= len(e.threads) || tid == t.ID {
		return fmt.Errorf("%w: join %v", ErrUnknownThread, arg(t, in))
	}
	if e.threads[tid].State == Exited {
		return nil
	}
	e.joiners[tid] = append(e.joiners[tid], t.ID)
	e.block(t, BlockJoin, tid)
	return nil
}

func (e *Engine) mutexID(t *ThreadContext, in isa.Instruction) (uint32, error) {
	id, ok := toU32(arg(t, in))
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrUnknownMutex, arg(t, in))
	}
	return id, nil
}

func (e *Engine) mutexLock(t *ThreadContext, in isa.Instruction) error {
	id, err := e.mutexID(t, in)
	if err != nil {
		return err
	}
	acquired, err := e.mutexes.lock(id, t.ID)
	if err != nil {
		return err
	}
	if !acquired {
		e.block(t, BlockMutex, id)
	}
	return nil
}

// mutexUnlock releases the mutex; ownership moves to the head of the wait
// queue within the same tick.
func (e *Engine) mutexUnlock(t *ThreadContext, in isa.Instruction) error {
	id, err := e.mutexID(t, in)
	if err != nil {
		return err
	}
	next, handedOff, err := e.mutexes.unlock(id, t.ID)
	if err != nil {
		return err
	}
	if handedOff {
		e.log.Debugf("mutex %d handed from thread %d to thread %d", id, t.ID, next)
		e.makeReady(next)
	}
	return nil
}

// barrierWait takes the barrier id from the immediate (or dst) and the
// quorum from the source register (or ECX).
func (e *Engine) barrierWait(t *ThreadContext, in isa.Instruction) {
	idVal := t.Reg(dst(in))
	if in.HasImm {
		idVal = in.Imm
	}
	id, _ := toU32(idVal)
	required, ok := toU32(t.Reg(srcOr(in, isa.ECX)))
	if !ok || required == 0 {
		required = 1
	}
	released, done := e.barriers.arrive(id, required, t.ID)
	if !done {
		e.block(t, BlockBarrier, id)
		return
	}
	for _, tid := range released {
		if tid != t.ID {
			e.makeReady(tid)
		}
	}
	e.log.Debugf("barrier %d released %d threads", id, len(released))
}

// atomicAdd adds val(ECX) to the word at dst and returns the previous value
// in the source register (or ECX). Instructions never interleave, so the
// read-modify-write is indivisible.
func (e *Engine) atomicAdd(t *ThreadContext, in isa.Instruction) error {
	addr, err := address(t.Reg(dst(in)))
	if err != nil {
		return err
	}
	delta := val(t, in, isa.ECX)
	old, err := e.memory.Read(addr)
	if err != nil {
		return err
	}
	if err := e.memory.Write(addr, old+delta); err != nil {
		return err
	}
	t.Registers.Set(srcOr(in, isa.ECX), old)
	return nil
}

// atomicCmpXchg stores val(ECX) at dst if the word equals EBX. ZF reports
// success and EBX receives the previous value.
func (e *Engine) atomicCmpXchg(t *ThreadContext, in isa.Instruction) error {
	addr, err := address(t.Reg(dst(in)))
	if err != nil {
		return err
	}
	expected := t.Reg(isa.EBX)
	next := val(t, in, isa.ECX)
	old, err := e.memory.Read(addr)
	if err != nil {
		return err
	}
	t.Flags.ZF = old == expected
	if t.Flags.ZF {
		if err := e.memory.Write(addr, next); err != nil {
			return err
		}
	}
	t.Registers.Set(isa.EBX, old)
	return nil
}

// ---------------------------------------------------------------------------
// Memory and strings
// ---------------------------------------------------------------------------

// allocate reserves arg words and returns the address in dst, or 0 on
// failure.
func (e *Engine) allocate(t *ThreadContext, in isa.Instruction, tag TypeTag) {
	size, ok := toU32(arg(t, in))
	if !ok {
		e.note = fmt.Sprintf("%v: size %v", ErrInvalidAllocation, arg(t, in))
		e.signal(t, dst(in), 0)
		return
	}
	addr, err := e.memory.Allocate(size, tag)
	if err != nil {
		e.note = err.Error()
		e.signal(t, dst(in), 0)
		return
	}
	e.signal(t, dst(in), float64(addr))
}

// allocationAt returns the allocation whose base address is the value v.
func (e *Engine) allocationAt(v float64) (Allocation, error) {
	addr, err := address(v)
	if err != nil {
		return Allocation{}, err
	}
	a, ok := e.memory.AllocInfo(addr)
	if !ok {
		return Allocation{}, fmt.Errorf("%w: 0x%X", ErrSegFault, addr)
	}
	if a.Base != addr {
		return Allocation{}, fmt.Errorf("%w: 0x%X is inside the allocation at 0x%X", ErrTypeMismatch, addr, a.Base)
	}
	return a, nil
}

// strConcat allocates a new string holding dst followed by the source
// register (or EBX). Neither operand is modified.
func (e *Engine) strConcat(t *ThreadContext, in isa.Instruction) error {
	a, err := e.allocationAt(t.Reg(dst(in)))
	if err != nil {
		return err
	}
	b, err := e.allocationAt(t.Reg(srcOr(in, isa.EBX)))
	if err != nil {
		return err
	}
	if a.Tag.Kind != TagString || b.Tag.Kind != TagString {
		return fmt.Errorf("%w: concat of %s and %s", ErrTypeMismatch, a.Tag, b.Tag)
	}
	size := uint64(a.Size) + uint64(b.Size)
	if size > math.MaxUint32 {
		e.note = ErrInvalidAllocation.Error()
		e.signal(t, dst(in), 0)
		return nil
	}
	addr, err := e.memory.Allocate(uint32(size), StringTag)
	if err != nil {
		e.note = err.Error()
		e.signal(t, dst(in), 0)
		return nil
	}
	if err := e.memory.copyWords(addr, a.Base, a.Size); err != nil {
		return err
	}
	if err := e.memory.copyWords(addr+a.Size, b.Base, b.Size); err != nil {
		return err
	}
	e.signal(t, dst(in), float64(addr))
	return nil
}

// arrayAlloc allocates val(ECX) elements of dst words each.
func (e *Engine) arrayAlloc(t *ThreadContext, in isa.Instruction) {
	elem, ok1 := toU32(t.Reg(dst(in)))
	count, ok2 := toU32(val(t, in, isa.ECX))
	size := uint64(elem) * uint64(count)
	if !ok1 || !ok2 || elem == 0 || size > math.MaxUint32 {
		e.note = fmt.Sprintf("%v: %d x %d", ErrInvalidAllocation, elem, count)
		e.signal(t, dst(in), 0)
		return
	}
	addr, err := e.memory.Allocate(uint32(size), ArrayTag(elem))
	if err != nil {
		e.note = err.Error()
		e.signal(t, dst(in), 0)
		return
	}
	e.signal(t, dst(in), float64(addr))
}

// arrayResize moves the array at dst to a new allocation of val(ECX)
// elements, copying the common prefix and freeing the old one.
func (e *Engine) arrayResize(t *ThreadContext, in isa.Instruction) error {
	old, err := e.allocationAt(t.Reg(dst(in)))
	if err != nil {
		return err
	}
	if old.Tag.Kind != TagArray {
		return fmt.Errorf("%w: resize of %s", ErrTypeMismatch, old.Tag)
	}
	count, ok := toU32(val(t, in, isa.ECX))
	size := uint64(old.Tag.ElemSize) * uint64(count)
	if !ok || size == 0 || size > math.MaxUint32 {
		e.note = fmt.Sprintf("%v: resize to %v elements", ErrInvalidAllocation, val(t, in, isa.ECX))
		e.signal(t, dst(in), 0)
		return nil
	}
	addr, err := e.memory.Allocate(uint32(size), old.Tag)
	if err != nil {
		e.note = err.Error()
		e.signal(t, dst(in), 0)
		return nil
	}
	if err := e.memory.copyWords(addr, old.Base, min(old.Size, uint32(size))); err != nil {
		return err
	}
	if err := e.memory.Free(old.Base); err != nil {
		return err
	}
	e.signal(t, dst(in), float64(addr))
	return nil
}

// ---------------------------------------------------------------------------
// Object system
// ---------------------------------------------------------------------------

// dynamicClass returns the class an object was instantiated with. The
// class is read from the allocation tag, so writes to the object's words
// cannot change it.
func (e *Engine) dynamicClass(addr uint32) (uint32, bool) {
	a, ok := e.memory.AllocInfo(addr)
	if !ok || a.Base != addr || a.Tag.Kind != TagObject {
		return 0, false
	}
	return a.Tag.Class, true
}

// classDefine defines the class named by the immediate (or dst) with the
// source register's value as its field count.
func (e *Engine) classDefine(t *ThreadContext, in isa.Instruction) {
	idVal := t.Reg(dst(in))
	if in.HasImm {
		idVal = in.Imm
	}
	var fields float64
	if in.Src != isa.RegNone {
		fields = t.Reg(in.Src)
	}
	id, ok1 := toU32(idVal)
	n, ok2 := toU32(fields)
	if !ok1 || !ok2 {
		e.status(t, dst(in), fmt.Errorf("%w: class %v fields %v", ErrUnknownClass, idVal, fields))
		return
	}
	e.status(t, dst(in), e.classes.Define(id, n))
}

// methodDefine binds method (source register or EBX) of class dst to the
// entry pc in the immediate.
func (e *Engine) methodDefine(t *ThreadContext, in isa.Instruction) {
	class, _ := toU32(t.Reg(dst(in)))
	method, ok := toU32(t.Reg(srcOr(in, isa.EBX)))
	entry, okEntry := toU32(in.Imm)
	if !in.HasImm || !ok || !okEntry {
		e.status(t, dst(in), fmt.Errorf("%w: method definition needs a method id and entry", ErrBadTarget))
		return
	}
	e.status(t, dst(in), e.classes.DefineMethod(class, method, entry))
}

// classInst allocates an instance of class arg: one header word holding
// the class id followed by the class's fields.
func (e *Engine) classInst(t *ThreadContext, in isa.Instruction) error {
	id, _ := toU32(arg(t, in))
	c, ok := e.classes.Lookup(id)
	if !ok {
		e.note = fmt.Sprintf("%v: %v", ErrUnknownClass, arg(t, in))
		e.signal(t, dst(in), 0)
		return nil
	}
	addr, err := e.memory.Allocate(1+c.Fields, ObjectTag(id))
	if err != nil {
		e.note = err.Error()
		e.signal(t, dst(in), 0)
		return nil
	}
	if err := e.memory.Write(addr, float64(id)); err != nil {
		return fmt.Errorf("class %d header: %w", id, err)
	}
	e.signal(t, dst(in), float64(addr))
	return nil
}

// methodCall resolves val(EBX) on the dynamic class of the object at dst
// and calls it.
func (e *Engine) methodCall(t *ThreadContext, in isa.Instruction) error {
	a, err := e.allocationAt(t.Reg(dst(in)))
	if err != nil {
		return err
	}
	if a.Tag.Kind != TagObject {
		return fmt.Errorf("%w: 0x%X holds %s", ErrNotAnObject, a.Base, a.Tag)
	}
	method, ok := toU32(val(t, in, isa.EBX))
	if !ok {
		return fmt.Errorf("%w: method %v", ErrMethodNotFound, val(t, in, isa.EBX))
	}
	entry, err := e.classes.Resolve(a.Tag.Class, method)
	if err != nil {
		return err
	}
	t.pushCall(t.PC)
	t.PC = entry
	return nil
}

// typeCast leaves the object address in dst when the target class
// (val(EBX)) is its dynamic class or an ancestor, and writes 0 otherwise.
func (e *Engine) typeCast(t *ThreadContext, in isa.Instruction) {
	obj := t.Reg(dst(in))
	target, _ := toU32(val(t, in, isa.EBX))
	addr, ok := toU32(obj)
	if ok {
		if class, isObj := e.dynamicClass(addr); isObj && e.classes.IsA(class, target) {
			e.signal(t, dst(in), obj)
			return
		}
	}
	e.note = fmt.Sprintf("%v: %v to class %d", ErrInvalidCast, obj, target)
	e.log.Debugf("thread %d: %s", t.ID, e.note)
	e.signal(t, dst(in), 0)
}
