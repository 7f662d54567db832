package vm

import (
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// ExecutionResult: the final observable state of a simulation
// ---------------------------------------------------------------------------

// TraceEntry records one executed instruction.
type TraceEntry struct {
	Cycle    uint64 `cbor:"cycle"`
	ThreadID uint32 `cbor:"tid"`
	PC       uint32 `cbor:"pc"`
	Op       string `cbor:"op"`
	Note     string `cbor:"note,omitempty"`
}

func (e TraceEntry) String() string {
	if e.Note != "" {
		return fmt.Sprintf("%6d  t%-3d %04d  %-16s ; %s", e.Cycle, e.ThreadID, e.PC, e.Op, e.Note)
	}
	return fmt.Sprintf("%6d  t%-3d %04d  %s", e.Cycle, e.ThreadID, e.PC, e.Op)
}

// ExecutionResult is a snapshot of an engine. It shares no memory with the
// engine that produced it.
type ExecutionResult struct {
	Threads  []ThreadContext   `cbor:"threads"`
	Memory   MemorySnapshot    `cbor:"memory"`
	Trace    []TraceEntry      `cbor:"trace,omitempty"`
	Halted   bool              `cbor:"halted"`
	Reason   StopReason        `cbor:"reason"`
	Cycles   uint64            `cbor:"cycles"`
	Mutexes  []Mutex           `cbor:"mutexes,omitempty"`
	Barriers []Barrier         `cbor:"barriers,omitempty"`
	Classes  []Class           `cbor:"classes,omitempty"`
	Profile  map[string]uint64 `cbor:"profile,omitempty"` // executions per opcode name
}

// Thread returns the final context of thread id.
func (r *ExecutionResult) Thread(id uint32) (ThreadContext, bool) {
	if int(id) >= len(r.Threads) {
		return ThreadContext{}, false
	}
	return r.Threads[id], true
}

// ReadMemory reads a word from the final heap.
func (r *ExecutionResult) ReadMemory(addr uint32) (float64, error) {
	return r.Memory.Read(addr)
}

// Faulted returns the threads that were terminated by a fault.
func (r *ExecutionResult) Faulted() []ThreadContext {
	var out []ThreadContext
	for _, t := range r.Threads {
		if t.Fault != "" {
			out = append(out, t)
		}
	}
	return out
}

// Result snapshots the current engine state.
func (e *Engine) Result() *ExecutionResult {
	if !e.loaded {
		return &ExecutionResult{}
	}
	r := &ExecutionResult{
		Threads:  make([]ThreadContext, len(e.threads)),
		Memory:   e.memory.Snapshot(),
		Trace:    slices.Clone(e.trace),
		Halted:   e.reason.Terminal(),
		Reason:   e.reason,
		Cycles:   e.cycles,
		Mutexes:  e.mutexes.snapshot(),
		Barriers: e.barriers.snapshot(),
		Classes:  e.classes.Classes(),
		Profile:  make(map[string]uint64, len(e.profile)),
	}
	for i, t := range e.threads {
		r.Threads[i] = t.clone()
	}
	for k, v := range e.profile {
		r.Profile[k] = v
	}
	return r
}

// ---------------------------------------------------------------------------
// CBOR encoding
// ---------------------------------------------------------------------------

var resultEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	resultEncMode = em
}

// EncodeResult serializes r to canonical CBOR. Equal results encode to
// identical bytes, which makes runs comparable byte for byte.
func EncodeResult(r *ExecutionResult) ([]byte, error) {
	return resultEncMode.Marshal(r)
}

// DecodeResult deserializes a result written by EncodeResult. Fault
// causes are restored as messages only.
func DecodeResult(data []byte) (*ExecutionResult, error) {
	var r ExecutionResult
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("vm: decode result: %w", err)
	}
	return &r, nil
}
