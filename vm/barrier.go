package vm

// ---------------------------------------------------------------------------
// Barrier: releases every arrival once the quorum is reached
// ---------------------------------------------------------------------------

// Barrier collects arrivals until Required threads have called
// BARRIER_WAIT. On release the arrival set is cleared so the barrier can be
// reused for the next phase.
type Barrier struct {
	ID       uint32   `cbor:"id"`
	Required uint32   `cbor:"required"`
	Arrived  []uint32 `cbor:"arrived,omitempty"`
	Releases uint32   `cbor:"releases,omitempty"`
}

// barrierTable creates barriers on first arrival.
type barrierTable struct {
	barriers map[uint32]*Barrier
	order    []uint32
}

func newBarrierTable() *barrierTable {
	return &barrierTable{barriers: make(map[uint32]*Barrier)}
}

// arrive records tid at barrier id. The required count is fixed by the
// first arrival of each phase. When the quorum is met the released threads
// (every arrival in arrival order, tid last) are returned and the phase
// ends.
func (t *barrierTable) arrive(id, required, tid uint32) (released []uint32, done bool) {
	b, ok := t.barriers[id]
	if !ok {
		b = &Barrier{ID: id}
		t.barriers[id] = b
		t.order = append(t.order, id)
	}
	if len(b.Arrived) == 0 {
		b.Required = required
	}
	b.Arrived = append(b.Arrived, tid)
	if uint32(len(b.Arrived)) < b.Required {
		return nil, false
	}
	released = b.Arrived
	b.Arrived = nil
	b.Releases++
	return released, true
}

func (t *barrierTable) snapshot() []Barrier {
	out := make([]Barrier, 0, len(t.order))
	for _, id := range t.order {
		b := *t.barriers[id]
		b.Arrived = append([]uint32(nil), b.Arrived...)
		out = append(out, b)
	}
	return out
}
