package vm

import (
	"fmt"
	"slices"

	"github.com/chazu/vecvm/pkg/isa"
)

// ---------------------------------------------------------------------------
// ThreadContext: per-thread execution state
// ---------------------------------------------------------------------------

// ThreadState is the scheduling state of a thread.
type ThreadState uint8

const (
	Ready ThreadState = iota
	Running
	Blocked
	Exited
)

func (s ThreadState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("ThreadState(%d)", s)
	}
}

// BlockKind says what a blocked thread is waiting for.
type BlockKind uint8

const (
	BlockNone BlockKind = iota
	BlockJoin
	BlockMutex
	BlockBarrier
)

func (k BlockKind) String() string {
	switch k {
	case BlockJoin:
		return "join"
	case BlockMutex:
		return "mutex"
	case BlockBarrier:
		return "barrier"
	default:
		return "none"
	}
}

// BlockReason identifies the resource a blocked thread waits on.
type BlockReason struct {
	Kind BlockKind `cbor:"kind"`
	ID   uint32    `cbor:"id"`
}

func (r BlockReason) String() string {
	return fmt.Sprintf("%s(%d)", r.Kind, r.ID)
}

// Flags holds the condition flags set by arithmetic and comparisons.
type Flags struct {
	ZF bool `cbor:"zf"`
	SF bool `cbor:"sf"`
}

// RegisterFile holds EAX..EDI.
type RegisterFile [isa.NumRegisters]float64

// Get returns the value of r (0 for RegNone).
func (f *RegisterFile) Get(r isa.Register) float64 {
	if i := r.Index(); i >= 0 {
		return f[i]
	}
	return 0
}

// Set stores v in r. Setting RegNone is a no-op.
func (f *RegisterFile) Set(r isa.Register, v float64) {
	if i := r.Index(); i >= 0 {
		f[i] = v
	}
}

// Map returns the register file keyed by register name.
func (f *RegisterFile) Map() map[string]float64 {
	m := make(map[string]float64, isa.NumRegisters)
	for i, v := range f {
		m[isa.Register(i+1).String()] = v
	}
	return m
}

// ThreadContext is the state of one logical thread. Contexts are owned by
// the engine and indexed by ID; callers only ever see copies.
type ThreadContext struct {
	ID        uint32       `cbor:"id"`
	PC        uint32       `cbor:"pc"`
	Registers RegisterFile `cbor:"regs"`
	Flags     Flags        `cbor:"flags"`
	CallStack []uint32     `cbor:"calls,omitempty"`
	DataStack []float64    `cbor:"data,omitempty"`
	State     ThreadState  `cbor:"state"`
	Block     BlockReason  `cbor:"block"`
	ExitCode  int          `cbor:"exit"`
	Fault     string       `cbor:"fault,omitempty"`
	Retired   uint64       `cbor:"retired"` // instructions executed

	err error
}

// Err returns the fault that terminated the thread, if any.
func (t *ThreadContext) Err() error { return t.err }

// Reg returns the value of register r.
func (t *ThreadContext) Reg(r isa.Register) float64 {
	return t.Registers.Get(r)
}

func (t *ThreadContext) clone() ThreadContext {
	c := *t
	c.CallStack = slices.Clone(t.CallStack)
	c.DataStack = slices.Clone(t.DataStack)
	return c
}

func (t *ThreadContext) setFlags(v float64) {
	t.Flags.ZF = v == 0
	t.Flags.SF = v < 0
}

func (t *ThreadContext) pushCall(ret uint32) {
	t.CallStack = append(t.CallStack, ret)
}

func (t *ThreadContext) popCall() (uint32, error) {
	n := len(t.CallStack)
	if n == 0 {
		return 0, ErrCallStackUnderflow
	}
	ret := t.CallStack[n-1]
	t.CallStack = t.CallStack[:n-1]
	return ret, nil
}

func (t *ThreadContext) push(v float64) {
	t.DataStack = append(t.DataStack, v)
}

func (t *ThreadContext) pop() (float64, error) {
	n := len(t.DataStack)
	if n == 0 {
		return 0, ErrDataStackUnderflow
	}
	v := t.DataStack[n-1]
	t.DataStack = t.DataStack[:n-1]
	return v, nil
}
