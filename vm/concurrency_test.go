package vm

import (
	"bytes"
	"context"
	"testing"

	"github.com/chazu/vecvm/pkg/isa"
)

// ---------------------------------------------------------------------------
// Mutexes
// ---------------------------------------------------------------------------

func TestMutexContention(t *testing.T) {
	r := mustRun(t, mutexSrc)
	if v, err := r.ReadMemory(DefaultHeapBase); err != nil || v != 40 {
		t.Fatalf("shared word = %v, %v; want 40", v, err)
	}
	if got := threadOf(t, r, 0).Reg(isa.EAX); got != 40 {
		t.Errorf("main EAX = %v, want 40", got)
	}
	if len(r.Mutexes) != 1 || r.Mutexes[0].Locked {
		t.Errorf("mutexes = %+v, want one unlocked mutex", r.Mutexes)
	}
}

func TestMutexHandOffOrder(t *testing.T) {
	// Three workers queue on a mutex held by main. Each appends its id to
	// a log in the order it acquired the lock; FIFO hand-off means spawn
	// order.
	r := mustRun(t, `
.entry main
main:
	HEAP_ALLOC ESI, #4
	MUTEX_CREATE EBP
	MUTEX_LOCK EBP
	THREAD_SPAWN EDI, @worker
	THREAD_SPAWN EDI, @worker
	THREAD_SPAWN EDI, @worker
	THREAD_YIELD
	THREAD_YIELD
	MUTEX_UNLOCK EBP
	THREAD_JOIN #1
	THREAD_JOIN #2
	THREAD_JOIN #3
	HALT
worker:
	MUTEX_LOCK EBP
	MEM_LOAD EDX, ESI
	INC EDX
	MOV ECX, EDX
	MEM_STORE ESI
	MOV EAX, ESI
	ADD EAX, EDX
	MOV ECX, EDI
	INC ECX
	MEM_STORE EAX
	MUTEX_UNLOCK EBP
	THREAD_EXIT
`)
	// Each worker logs main's EDI at its spawn plus one.
	for i, want := range []float64{1, 2, 3} {
		v, err := r.ReadMemory(DefaultHeapBase + 1 + uint32(i))
		if err != nil || v != want {
			t.Errorf("log[%d] = %v, %v; want %v", i, v, err, want)
		}
	}
	if v, _ := r.ReadMemory(DefaultHeapBase); v != 3 {
		t.Errorf("counter = %v, want 3", v)
	}
}

// ---------------------------------------------------------------------------
// Barriers
// ---------------------------------------------------------------------------

const barrierSrc = `
.entry main
main:
	MOV ECX, #3
	THREAD_SPAWN EDX, @worker
	THREAD_SPAWN EDX, @worker
	BARRIER_WAIT _, ECX, #7
	THREAD_EXIT
worker:
	BARRIER_WAIT _, ECX, #7
	INC ESI
	THREAD_EXIT
`

func TestBarrierReleasesTogether(t *testing.T) {
	e := load(t, barrierSrc)
	for i := 0; i < 5; i++ {
		if !e.Step() {
			t.Fatalf("step %d made no progress", i+1)
		}
	}
	for _, id := range []uint32{1, 2} {
		th, _ := e.Thread(id)
		if th.State != Blocked || th.Block != (BlockReason{Kind: BlockBarrier, ID: 7}) {
			t.Fatalf("thread %d: %s on %s before the last arrival", id, th.State, th.Block)
		}
	}

	e.Step() // main arrives
	for _, id := range []uint32{0, 1, 2} {
		th, _ := e.Thread(id)
		if th.State == Blocked {
			t.Errorf("thread %d still blocked after release", id)
		}
	}

	r, err := e.Run(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if r.Reason != StopAllExited {
		t.Errorf("Reason = %s", r.Reason)
	}
	for _, id := range []uint32{1, 2} {
		if got := threadOf(t, r, id).Reg(isa.ESI); got != 1 {
			t.Errorf("worker %d ESI = %v", id, got)
		}
	}
	if len(r.Barriers) != 1 || r.Barriers[0].Releases != 1 || len(r.Barriers[0].Arrived) != 0 {
		t.Errorf("barriers = %+v", r.Barriers)
	}
}

func TestBarrierReuse(t *testing.T) {
	r := mustRun(t, `
.entry main
main:
	MOV ECX, #2
	THREAD_SPAWN EDI, @worker
	BARRIER_WAIT _, ECX, #1
	BARRIER_WAIT _, ECX, #1
	THREAD_JOIN EDI
	HALT
worker:
	BARRIER_WAIT _, ECX, #1
	BARRIER_WAIT _, ECX, #1
	THREAD_EXIT
`)
	if !r.Halted {
		t.Fatalf("Reason = %s", r.Reason)
	}
	if r.Barriers[0].Releases != 2 {
		t.Errorf("Releases = %d, want 2", r.Barriers[0].Releases)
	}
}

func TestBarrierTable(t *testing.T) {
	bt := newBarrierTable()
	if _, done := bt.arrive(1, 2, 10); done {
		t.Fatal("released after one of two arrivals")
	}
	released, done := bt.arrive(1, 5, 11)
	if !done {
		t.Fatal("second arrival did not release; required must come from the first")
	}
	if len(released) != 2 || released[0] != 10 || released[1] != 11 {
		t.Errorf("released = %v", released)
	}
	if _, done := bt.arrive(1, 1, 12); !done {
		t.Error("new phase did not take its own required count")
	}
	snap := bt.snapshot()
	if len(snap) != 1 || snap[0].Releases != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMutexTable(t *testing.T) {
	mt := newMutexTable()
	id := mt.create()
	if id != 1 {
		t.Fatalf("first mutex id = %d, want 1", id)
	}
	if ok, err := mt.lock(id, 0); !ok || err != nil {
		t.Fatalf("lock = %v, %v", ok, err)
	}
	if ok, _ := mt.lock(id, 1); ok {
		t.Fatal("contended lock acquired")
	}
	mt.lock(id, 2)
	next, handed, err := mt.unlock(id, 0)
	if err != nil || !handed || next != 1 {
		t.Fatalf("unlock = %d, %v, %v", next, handed, err)
	}
	if _, _, err := mt.unlock(id, 0); err == nil {
		t.Error("former owner unlocked again")
	}
	mt.unlock(id, 1)
	next, _, _ = mt.unlock(id, 2)
	snap := mt.snapshot()
	if snap[0].Locked || len(snap[0].Waiters) != 0 {
		t.Errorf("after draining: %+v (last next %d)", snap[0], next)
	}
}

// ---------------------------------------------------------------------------
// Determinism
// ---------------------------------------------------------------------------

func TestDeterministicResults(t *testing.T) {
	for _, src := range []string{mutexSrc, barrierSrc, factorialSrc} {
		var first []byte
		for i := 0; i < 3; i++ {
			r := mustRun(t, src)
			data, err := EncodeResult(r)
			if err != nil {
				t.Fatalf("EncodeResult: %v", err)
			}
			if first == nil {
				first = data
				continue
			}
			if !bytes.Equal(first, data) {
				t.Fatalf("run %d produced a different result", i+1)
			}
		}
	}
}
