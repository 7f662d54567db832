package vm

import (
	"context"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/vecvm/pkg/isa"
)

// mainThread is the id of the thread created at the entry point.
const mainThread uint32 = 0

// DefaultMaxCycles is the budget used when Run is given 0.
const DefaultMaxCycles uint32 = 10000

// StopReason says why the scheduler loop returned.
type StopReason uint8

const (
	StopNone       StopReason = iota
	StopHalt                  // HALT executed or the main thread ran off the end
	StopAllExited             // every thread exited
	StopBudget                // cycle budget spent
	StopBreakpoint            // a ready thread reached a breakpoint
	StopCancelled             // the context was cancelled
)

func (r StopReason) String() string {
	switch r {
	case StopHalt:
		return "halt"
	case StopAllExited:
		return "all-exited"
	case StopBudget:
		return "cycle-budget"
	case StopBreakpoint:
		return "breakpoint"
	case StopCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// Terminal reports whether the simulation cannot continue after r.
func (r StopReason) Terminal() bool {
	return r == StopHalt || r == StopAllExited
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

type config struct {
	registry  *isa.Registry
	heapBase  uint32
	heapSize  uint32
	trace     bool
	maxCycles uint32
	log       commonlog.Logger
}

// Option configures an Engine.
type Option func(*config)

// WithRegistry sets the ISA registry used to decode programs.
func WithRegistry(r *isa.Registry) Option {
	return func(c *config) { c.registry = r }
}

// WithHeap sets the heap base address and size in words.
func WithHeap(base, size uint32) Option {
	return func(c *config) { c.heapBase, c.heapSize = base, size }
}

// WithTrace enables or disables trace recording.
func WithTrace(on bool) Option {
	return func(c *config) { c.trace = on }
}

// WithMaxCycles sets the budget used when Run is called with 0.
func WithMaxCycles(n uint32) Option {
	return func(c *config) { c.maxCycles = n }
}

// WithLogger replaces the engine logger.
func WithLogger(l commonlog.Logger) Option {
	return func(c *config) { c.log = l }
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// decoded is a program slot decoded once at load time.
type decoded struct {
	in   isa.Instruction
	exec isa.Opcode
	name string
	err  error
}

// Engine executes a program of instruction vectors. It owns the memory,
// class, mutex and barrier tables and every thread context; all mutation
// goes through the dispatch methods. An Engine is not safe for concurrent
// use; independent engines may run in parallel.
type Engine struct {
	cfg   config
	log   commonlog.Logger
	codec *isa.Codec

	program []decoded
	entry   uint32
	loaded  bool

	memory   *Memory
	classes  *ClassTable
	mutexes  *mutexTable
	barriers *barrierTable

	threads []*ThreadContext
	ready   []uint32
	joiners map[uint32][]uint32

	trace   []TraceEntry
	profile map[string]uint64
	cycles  uint64
	note    string

	reason  StopReason
	halting bool

	breakpoints map[uint32]struct{}
	resuming    bool
}

// New creates an engine. Load must be called before Run or Step.
func New(opts ...Option) *Engine {
	cfg := config{
		heapBase:  DefaultHeapBase,
		heapSize:  DefaultHeapSize,
		trace:     true,
		maxCycles: DefaultMaxCycles,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.registry == nil {
		cfg.registry = isa.DefaultRegistry()
	}
	if cfg.log == nil {
		cfg.log = commonlog.GetLogger("vecvm.vm")
	}
	return &Engine{
		cfg:         cfg,
		log:         cfg.log,
		breakpoints: make(map[uint32]struct{}),
	}
}

// Registry returns the ISA registry the engine decodes with.
func (e *Engine) Registry() *isa.Registry { return e.cfg.registry }

// Load decodes code and resets the engine with a single ready thread at
// entry. The program is treated as read-only.
func (e *Engine) Load(code []isa.Vector, entry uint32) error {
	p := &isa.Program{Version: isa.ProgramVersion, Entry: entry, Code: code}
	if len(code) > 0 {
		p.Dim = len(code[0])
	}
	return e.LoadProgram(p)
}

// LoadProgram is Load for a Program value; p.Entry is the entry point.
func (e *Engine) LoadProgram(p *isa.Program) error {
	if int(p.Entry) > len(p.Code) {
		return fmt.Errorf("%w: %d (program has %d instructions)", ErrBadEntry, p.Entry, len(p.Code))
	}
	if err := p.Validate(); err != nil {
		return err
	}
	dim := p.Dim
	if dim == 0 {
		dim = isa.MinVectorDim
	}
	codec, err := isa.NewCodec(e.cfg.registry, dim)
	if err != nil {
		return err
	}
	e.codec = codec

	e.program = make([]decoded, len(p.Code))
	for pc, vec := range p.Code {
		in, err := codec.Decode(vec)
		if err != nil {
			e.log.Warningf("pc %d: %v; executing as UNKNOWN", pc, err)
		}
		e.program[pc] = decoded{
			in:   in,
			exec: e.cfg.registry.Exec(in.Op),
			name: e.cfg.registry.Name(in.Op),
			err:  err,
		}
	}
	e.entry = p.Entry
	e.reset()
	e.loaded = true
	e.log.Infof("loaded %d instructions (dim %d), entry %d", len(p.Code), dim, p.Entry)
	return nil
}

func (e *Engine) reset() {
	e.memory = NewMemory(e.cfg.heapBase, e.cfg.heapSize)
	e.classes = NewClassTable()
	e.mutexes = newMutexTable()
	e.barriers = newBarrierTable()
	e.threads = []*ThreadContext{{ID: mainThread, PC: e.entry, State: Ready}}
	e.ready = []uint32{mainThread}
	e.joiners = make(map[uint32][]uint32)
	e.trace = nil
	e.profile = make(map[string]uint64)
	e.cycles = 0
	e.reason = StopNone
	e.halting = false
	e.resuming = false
}

// Done reports whether the program has terminated.
func (e *Engine) Done() bool { return e.reason.Terminal() }

// Cycles returns the number of instructions executed so far.
func (e *Engine) Cycles() uint64 { return e.cycles }

// Thread returns a copy of the context of thread id.
func (e *Engine) Thread(id uint32) (ThreadContext, bool) {
	if int(id) >= len(e.threads) {
		return ThreadContext{}, false
	}
	return e.threads[id].clone(), true
}

// ReadMemory reads a word from the engine heap.
func (e *Engine) ReadMemory(addr uint32) (float64, error) {
	if !e.loaded {
		return 0, ErrNoProgram
	}
	return e.memory.Read(addr)
}

// Step executes a single scheduler tick. It returns false when no
// instruction could be executed because the program terminated or every
// remaining thread is blocked.
func (e *Engine) Step() bool {
	if !e.loaded || e.reason.Terminal() {
		return false
	}
	e.resuming = false
	return e.tick() == tickRan
}

// Run advances the scheduler until the program terminates, maxCycles more
// instructions have executed, a breakpoint is reached or ctx is done. A
// maxCycles of 0 uses the configured default. When the budget runs out the
// result is returned together with ErrCycleBudgetExceeded. A program whose
// remaining threads are all blocked is deadlocked: no instruction can run,
// so the rest of the budget is consumed at once.
func (e *Engine) Run(ctx context.Context, maxCycles uint32) (*ExecutionResult, error) {
	if !e.loaded {
		return nil, ErrNoProgram
	}
	if maxCycles == 0 {
		maxCycles = e.cfg.maxCycles
	}
	if e.reason.Terminal() {
		return e.Result(), nil
	}
	e.reason = StopNone
	limit := e.cycles + uint64(maxCycles)
	e.log.Infof("run: %d threads, budget %d cycles", len(e.threads), maxCycles)

	for !e.reason.Terminal() {
		if err := ctx.Err(); err != nil {
			e.reason = StopCancelled
			return e.Result(), err
		}
		if e.cycles >= limit {
			e.reason = StopBudget
			e.log.Warningf("cycle budget of %d exhausted after %d cycles", maxCycles, e.cycles)
			return e.Result(), ErrCycleBudgetExceeded
		}
		if e.atBreakpoint() {
			e.reason = StopBreakpoint
			return e.Result(), nil
		}
		if e.tick() == tickIdle {
			e.log.Warningf("all %d live threads blocked; spending remaining budget", e.liveThreads())
			e.cycles = limit
		}
	}
	e.log.Infof("run finished: %s after %d cycles", e.reason, e.cycles)
	return e.Result(), nil
}

// Simulate loads program, runs it from entry for at most maxCycles
// instructions and returns the final state. The error is
// ErrCycleBudgetExceeded when the budget ran out (the result is still
// returned), or a load error.
func Simulate(program []isa.Vector, entry, maxCycles uint32, opts ...Option) (*ExecutionResult, error) {
	e := New(opts...)
	if err := e.Load(program, entry); err != nil {
		return nil, err
	}
	return e.Run(context.Background(), maxCycles)
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

type tickResult uint8

const (
	tickRan tickResult = iota
	tickIdle
	tickDone
)

// tick pops the next ready thread and executes one instruction on it.
func (e *Engine) tick() tickResult {
	for len(e.ready) > 0 {
		tid := e.ready[0]
		e.ready = e.ready[1:]
		t := e.threads[tid]
		if t.State != Ready {
			continue
		}
		if int(t.PC) >= len(e.program) {
			e.log.Debugf("thread %d ran off the end at pc %d", tid, t.PC)
			e.exitThread(t, ExitOK, nil)
			if tid == mainThread {
				e.reason = StopHalt
				return tickDone
			}
			continue
		}

		t.State = Running
		e.execute(t)
		if e.halting {
			e.reason = StopHalt
			return tickRan
		}
		if t.State == Running {
			t.State = Ready
			e.ready = append(e.ready, tid)
		}
		if e.liveThreads() == 0 {
			e.reason = StopAllExited
		}
		return tickRan
	}
	if e.liveThreads() == 0 {
		e.reason = StopAllExited
		return tickDone
	}
	return tickIdle
}

// makeReady moves a blocked thread back to the ready queue.
func (e *Engine) makeReady(tid uint32) {
	t := e.threads[tid]
	t.State = Ready
	t.Block = BlockReason{}
	e.ready = append(e.ready, tid)
}

func (e *Engine) block(t *ThreadContext, kind BlockKind, id uint32) {
	t.State = Blocked
	t.Block = BlockReason{Kind: kind, ID: id}
	e.log.Debugf("thread %d blocked on %s", t.ID, t.Block)
}

// exitThread terminates t and wakes its joiners in the order they joined.
func (e *Engine) exitThread(t *ThreadContext, code int, fault *Fault) {
	t.State = Exited
	t.Block = BlockReason{}
	t.ExitCode = code
	if fault != nil {
		t.err = fault
		t.Fault = fault.Error()
	}
	for _, w := range e.joiners[t.ID] {
		e.makeReady(w)
	}
	delete(e.joiners, t.ID)
}

func (e *Engine) liveThreads() int {
	n := 0
	for _, t := range e.threads {
		if t.State != Exited {
			n++
		}
	}
	return n
}
