package vm

import (
	"context"
	"errors"
	"testing"

	"github.com/chazu/vecvm/pkg/isa"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func assemble(t *testing.T, src string) *isa.Program {
	t.Helper()
	codec, err := isa.NewCodec(nil, isa.MinVectorDim)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	p, err := isa.Assemble(src, codec)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	return p
}

func load(t *testing.T, src string, opts ...Option) *Engine {
	t.Helper()
	e := New(opts...)
	if err := e.LoadProgram(assemble(t, src)); err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}
	return e
}

func run(t *testing.T, src string, budget uint32) (*ExecutionResult, error) {
	t.Helper()
	return load(t, src).Run(context.Background(), budget)
}

func mustRun(t *testing.T, src string) *ExecutionResult {
	t.Helper()
	r, err := run(t, src, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return r
}

func threadOf(t *testing.T, r *ExecutionResult, id uint32) *ThreadContext {
	t.Helper()
	th, ok := r.Thread(id)
	if !ok {
		t.Fatalf("thread %d missing (have %d)", id, len(r.Threads))
	}
	return &th
}

// ---------------------------------------------------------------------------
// Programs
// ---------------------------------------------------------------------------

const factorialSrc = `
.entry main
main:
	MOV EAX, #3
	CALL @fact
	HALT
fact:
	CMP EAX, #1
	JG @recurse
	MOV EAX, #1
	RET
recurse:
	PUSH EAX
	DEC EAX
	CALL @fact
	POP EBX
	MUL EAX, EBX
	RET
`

const spawnJoinSrc = `
.entry main
main:
	THREAD_SPAWN EDI, @worker
	THREAD_JOIN EDI
	HALT
worker:
	MOV EAX, #42
	THREAD_EXIT
`

// main holds the mutex while the worker queues on it, then hands it over.
const mutexSrc = `
.entry main
main:
	HEAP_ALLOC ESI, #1
	MOV ECX, #100
	MEM_STORE ESI
	MUTEX_CREATE EBP
	MUTEX_LOCK EBP
	THREAD_SPAWN EDI, @worker
	MOV ECX, #42
	MEM_STORE ESI
	MUTEX_UNLOCK EBP
	THREAD_JOIN EDI
	MEM_LOAD EAX, ESI
	HALT
worker:
	MUTEX_LOCK EBP
	MEM_LOAD EAX, ESI
	SUB EAX, #2
	MOV ECX, EAX
	MEM_STORE ESI
	MUTEX_UNLOCK EBP
	THREAD_EXIT
`

// ---------------------------------------------------------------------------
// Engine tests
// ---------------------------------------------------------------------------

func TestFactorial(t *testing.T) {
	r := mustRun(t, factorialSrc)
	if !r.Halted || r.Reason != StopHalt {
		t.Fatalf("Halted = %v, Reason = %s", r.Halted, r.Reason)
	}
	main := threadOf(t, r, 0)
	if got := main.Reg(isa.EAX); got != 6 {
		t.Errorf("EAX = %v, want 6", got)
	}
	if len(main.CallStack) != 0 || len(main.DataStack) != 0 {
		t.Errorf("stacks not empty: calls %v data %v", main.CallStack, main.DataStack)
	}
	if main.State != Exited || main.ExitCode != ExitOK {
		t.Errorf("main state = %s exit %d", main.State, main.ExitCode)
	}
	if uint64(len(r.Trace)) != r.Cycles {
		t.Errorf("trace has %d entries for %d cycles", len(r.Trace), r.Cycles)
	}
}

func TestSpawnJoin(t *testing.T) {
	r := mustRun(t, spawnJoinSrc)
	if len(r.Threads) != 2 {
		t.Fatalf("threads = %d, want 2", len(r.Threads))
	}
	worker := threadOf(t, r, 1)
	if got := worker.Reg(isa.EAX); got != 42 {
		t.Errorf("worker EAX = %v, want 42", got)
	}
	if worker.State != Exited {
		t.Errorf("worker state = %s", worker.State)
	}
	if got := threadOf(t, r, 0).Reg(isa.EDI); got != 1 {
		t.Errorf("main EDI = %v, want child id 1", got)
	}
	if r.Cycles != 5 {
		t.Errorf("Cycles = %d, want 5", r.Cycles)
	}
}

func TestSpawnedThreadCopiesRegisters(t *testing.T) {
	r := mustRun(t, `
.entry main
main:
	MOV EAX, #7
	MOV EBX, #9
	THREAD_SPAWN ECX, @worker
	THREAD_JOIN ECX
	HALT
worker:
	THREAD_EXIT
`)
	w := threadOf(t, r, 1)
	if w.Reg(isa.EAX) != 0 || w.Reg(isa.EBX) != 9 {
		t.Errorf("worker EAX = %v EBX = %v, want 0 and 9", w.Reg(isa.EAX), w.Reg(isa.EBX))
	}
}

func TestThreadExitCode(t *testing.T) {
	r := mustRun(t, `
THREAD_SPAWN EDI, #3
THREAD_JOIN EDI
HALT
THREAD_EXIT #5
`)
	if got := threadOf(t, r, 1).ExitCode; got != 5 {
		t.Errorf("exit code = %d, want 5", got)
	}
}

func TestJoinExitedThread(t *testing.T) {
	r := mustRun(t, `
THREAD_SPAWN EDI, #5
THREAD_YIELD
THREAD_YIELD
THREAD_JOIN EDI
HALT
THREAD_EXIT
`)
	if got := threadOf(t, r, 0).Block.Kind; got != BlockNone {
		t.Errorf("main still blocked on %s", got)
	}
	if !r.Halted {
		t.Error("program did not halt")
	}
}

func TestAllThreadsExited(t *testing.T) {
	r := mustRun(t, `
THREAD_SPAWN EDI, #2
THREAD_EXIT
THREAD_EXIT
`)
	if r.Reason != StopAllExited || !r.Halted {
		t.Errorf("Reason = %s, Halted = %v", r.Reason, r.Halted)
	}
}

func TestRunOffEnd(t *testing.T) {
	r := mustRun(t, "MOV EAX, #1\nMOV EBX, #2\n")
	if r.Reason != StopHalt || r.Cycles != 2 {
		t.Errorf("Reason = %s, Cycles = %d", r.Reason, r.Cycles)
	}
}

func TestCycleBudget(t *testing.T) {
	r, err := run(t, "loop: JMP @loop\n", 50)
	if !errors.Is(err, ErrCycleBudgetExceeded) {
		t.Fatalf("err = %v, want ErrCycleBudgetExceeded", err)
	}
	if r == nil {
		t.Fatal("no result returned with budget error")
	}
	if r.Halted || r.Reason != StopBudget {
		t.Errorf("Halted = %v, Reason = %s", r.Halted, r.Reason)
	}
	if r.Cycles != 50 || len(r.Trace) != 50 {
		t.Errorf("Cycles = %d, trace = %d, want 50", r.Cycles, len(r.Trace))
	}
}

func TestRunContinuesAfterBudget(t *testing.T) {
	e := load(t, factorialSrc)
	if _, err := e.Run(context.Background(), 3); !errors.Is(err, ErrCycleBudgetExceeded) {
		t.Fatalf("first Run err = %v", err)
	}
	r, err := e.Run(context.Background(), 100)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := threadOf(t, r, 0).Reg(isa.EAX); got != 6 {
		t.Errorf("EAX = %v, want 6", got)
	}
}

func TestDeadlockSpendsBudget(t *testing.T) {
	r, err := run(t, `
.entry main
main:
	MUTEX_CREATE EBP
	MUTEX_LOCK EBP
	THREAD_SPAWN EDI, @worker
	THREAD_JOIN EDI
	HALT
worker:
	MUTEX_LOCK EBP
	THREAD_EXIT
`, 100)
	if !errors.Is(err, ErrCycleBudgetExceeded) {
		t.Fatalf("err = %v, want ErrCycleBudgetExceeded", err)
	}
	if r.Cycles != 100 {
		t.Errorf("Cycles = %d, want 100", r.Cycles)
	}
	if len(r.Trace) != 5 {
		t.Errorf("trace = %d entries, want 5", len(r.Trace))
	}
	if b := threadOf(t, r, 0).Block; b != (BlockReason{Kind: BlockJoin, ID: 1}) {
		t.Errorf("main blocked on %s", b)
	}
	if b := threadOf(t, r, 1).Block; b != (BlockReason{Kind: BlockMutex, ID: 1}) {
		t.Errorf("worker blocked on %s", b)
	}
}

func TestCancelledContext(t *testing.T) {
	e := load(t, factorialSrc)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, err := e.Run(ctx, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if r.Reason != StopCancelled || r.Cycles != 0 {
		t.Errorf("Reason = %s, Cycles = %d", r.Reason, r.Cycles)
	}
}

func TestStep(t *testing.T) {
	e := New()
	if e.Step() {
		t.Error("Step without a program returned true")
	}
	if _, err := e.Run(context.Background(), 0); !errors.Is(err, ErrNoProgram) {
		t.Errorf("Run without program err = %v", err)
	}

	e = load(t, "MOV EAX, #1\nHALT\n")
	if !e.Step() || e.Cycles() != 1 {
		t.Fatalf("first Step: cycles = %d", e.Cycles())
	}
	if !e.Step() || !e.Done() {
		t.Fatal("HALT step did not finish the program")
	}
	if e.Step() {
		t.Error("Step after HALT returned true")
	}
	th, _ := e.Thread(0)
	if th.Reg(isa.EAX) != 1 {
		t.Errorf("EAX = %v", th.Reg(isa.EAX))
	}
}

func TestLoadBadEntry(t *testing.T) {
	e := New()
	code := []isa.Vector{make(isa.Vector, isa.MinVectorDim)}
	if err := e.Load(code, 5); !errors.Is(err, ErrBadEntry) {
		t.Errorf("err = %v, want ErrBadEntry", err)
	}
	if err := e.Load([]isa.Vector{make(isa.Vector, 16)}, 0); err == nil {
		t.Error("short vectors accepted")
	}
}

func TestUnknownAndAmbiguousVectors(t *testing.T) {
	unknown := make(isa.Vector, isa.MinVectorDim)
	ambiguous := make(isa.Vector, isa.MinVectorDim)
	ambiguous[32] = 1 // ADD
	ambiguous[33] = 1 // SUB

	r, err := Simulate([]isa.Vector{unknown, ambiguous}, 0, 10)
	if err != nil {
		t.Fatalf("Simulate: %v", err)
	}
	if r.Cycles != 2 || r.Profile["UNKNOWN"] != 2 {
		t.Errorf("Cycles = %d, profile = %v", r.Cycles, r.Profile)
	}
	if r.Trace[0].Note != "" {
		t.Errorf("unknown vector noted %q", r.Trace[0].Note)
	}
	if r.Trace[1].Note == "" {
		t.Error("ambiguous vector not noted in trace")
	}
	if threadOf(t, r, 0).Fault != "" {
		t.Error("unknown opcode faulted")
	}
}

func TestExtensionAlias(t *testing.T) {
	r := mustRun(t, `
HEAP_ALLOC ESI, #1
MOV ECX, #11
MEM_STORE_SHARED ESI
MEM_LOAD_SHARED EAX, ESI
HALT
`)
	if got := threadOf(t, r, 0).Reg(isa.EAX); got != 11 {
		t.Errorf("EAX = %v, want 11", got)
	}
	if r.Profile["MEM_STORE_SHARED"] != 1 || r.Profile["MEM_STORE"] != 0 {
		t.Errorf("profile = %v", r.Profile)
	}
}

func TestCustomRegistry(t *testing.T) {
	reg := isa.NewRegistry()
	if err := reg.RegisterExtension(isa.Extension{Name: "ADD_FAST", Slot: 420, Alias: "ADD"}); err != nil {
		t.Fatal(err)
	}
	reg.Freeze()
	codec, err := isa.NewCodec(reg, isa.MinVectorDim)
	if err != nil {
		t.Fatal(err)
	}
	p, err := isa.Assemble("MOV EAX, #2\nADD_FAST EAX, #3\nHALT\n", codec)
	if err != nil {
		t.Fatal(err)
	}
	e := New(WithRegistry(reg), WithTrace(false))
	if err := e.LoadProgram(p); err != nil {
		t.Fatal(err)
	}
	r, err := e.Run(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := threadOf(t, r, 0).Reg(isa.EAX); got != 5 {
		t.Errorf("EAX = %v, want 5", got)
	}
	if len(r.Trace) != 0 {
		t.Errorf("trace recorded with tracing off: %d entries", len(r.Trace))
	}
}

func TestWithMaxCycles(t *testing.T) {
	e := load(t, "loop: JMP @loop\n", WithMaxCycles(7))
	r, err := e.Run(context.Background(), 0)
	if !errors.Is(err, ErrCycleBudgetExceeded) || r.Cycles != 7 {
		t.Errorf("err = %v, Cycles = %d", err, r.Cycles)
	}
}

func TestResultIsolated(t *testing.T) {
	e := load(t, "MOV EAX, #1\nPUSH EAX\nMOV EAX, #2\nHALT\n")
	e.Step()
	e.Step()
	snap := e.Result()
	e.Step()
	if got := threadOf(t, snap, 0).Reg(isa.EAX); got != 1 {
		t.Errorf("snapshot EAX changed to %v", got)
	}
	snap.Threads[0].DataStack[0] = 99
	th, _ := e.Thread(0)
	if th.DataStack[0] != 1 {
		t.Error("result shares the data stack with the engine")
	}
}
