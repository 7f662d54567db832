package vm

import "fmt"

// ---------------------------------------------------------------------------
// Mutex: scheduler-level mutual exclusion with FIFO hand-off
// ---------------------------------------------------------------------------

// Mutex is owned by at most one thread. Waiters are queued in arrival order.
type Mutex struct {
	ID      uint32   `cbor:"id"`
	Owner   uint32   `cbor:"owner"`
	Locked  bool     `cbor:"locked"`
	Waiters []uint32 `cbor:"waiters,omitempty"`
}

// mutexTable stores the mutexes of one engine. Ids start at 1.
type mutexTable struct {
	mutexes map[uint32]*Mutex
	nextID  uint32
}

func newMutexTable() *mutexTable {
	return &mutexTable{mutexes: make(map[uint32]*Mutex), nextID: 1}
}

func (t *mutexTable) create() uint32 {
	id := t.nextID
	t.nextID++
	t.mutexes[id] = &Mutex{ID: id}
	return id
}

func (t *mutexTable) get(id uint32) (*Mutex, error) {
	m, ok := t.mutexes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMutex, id)
	}
	return m, nil
}

// lock acquires id for tid. It returns false if tid was queued instead.
func (t *mutexTable) lock(id, tid uint32) (bool, error) {
	m, err := t.get(id)
	if err != nil {
		return false, err
	}
	if !m.Locked {
		m.Locked, m.Owner = true, tid
		return true, nil
	}
	if m.Owner == tid {
		return false, fmt.Errorf("%w: mutex %d", ErrRecursiveLock, id)
	}
	m.Waiters = append(m.Waiters, tid)
	return false, nil
}

// unlock releases id held by tid. If a waiter is queued, ownership passes
// to it directly and it is returned with handedOff set; the mutex is never
// observable as free in between.
func (t *mutexTable) unlock(id, tid uint32) (next uint32, handedOff bool, err error) {
	m, err := t.get(id)
	if err != nil {
		return 0, false, err
	}
	if !m.Locked || m.Owner != tid {
		return 0, false, fmt.Errorf("%w: mutex %d", ErrMutexOwnership, id)
	}
	if len(m.Waiters) == 0 {
		m.Locked, m.Owner = false, 0
		return 0, false, nil
	}
	next = m.Waiters[0]
	m.Waiters = m.Waiters[1:]
	m.Owner = next
	return next, true, nil
}

func (t *mutexTable) snapshot() []Mutex {
	out := make([]Mutex, 0, len(t.mutexes))
	for id := uint32(1); id < t.nextID; id++ {
		m := *t.mutexes[id]
		m.Waiters = append([]uint32(nil), m.Waiters...)
		out = append(out, m)
	}
	return out
}
