package vm

import (
	"fmt"
	"maps"
	"sort"
)

// ---------------------------------------------------------------------------
// Memory: flat word-addressed heap with an allocation table
// ---------------------------------------------------------------------------

// DefaultHeapBase is the first address handed out by the allocator.
const DefaultHeapBase uint32 = 0x100000

// DefaultHeapSize is the number of addressable words above the heap base.
const DefaultHeapSize uint32 = 1 << 20

// TagKind classifies an allocation.
type TagKind uint8

const (
	TagRaw TagKind = iota
	TagString
	TagObject
	TagArray
)

// TypeTag describes what an allocation holds. Class is set for objects,
// ElemSize for arrays.
type TypeTag struct {
	Kind     TagKind `cbor:"kind"`
	Class    uint32  `cbor:"class,omitempty"`
	ElemSize uint32  `cbor:"elem,omitempty"`
}

// Tag constructors.
var (
	RawTag    = TypeTag{Kind: TagRaw}
	StringTag = TypeTag{Kind: TagString}
)

// ObjectTag tags an instance of class.
func ObjectTag(class uint32) TypeTag { return TypeTag{Kind: TagObject, Class: class} }

// ArrayTag tags an array of elemSize-word elements.
func ArrayTag(elemSize uint32) TypeTag { return TypeTag{Kind: TagArray, ElemSize: elemSize} }

func (t TypeTag) String() string {
	switch t.Kind {
	case TagString:
		return "string"
	case TagObject:
		return fmt.Sprintf("object(%d)", t.Class)
	case TagArray:
		return fmt.Sprintf("array(%d)", t.ElemSize)
	default:
		return "raw"
	}
}

// Allocation is one entry of the allocation table.
type Allocation struct {
	Base uint32  `cbor:"base"`
	Size uint32  `cbor:"size"`
	Tag  TypeTag `cbor:"tag"`
}

// Contains reports whether addr lies in [Base, Base+Size).
func (a Allocation) Contains(addr uint32) bool {
	return addr >= a.Base && addr-a.Base < a.Size
}

// MemoryStats summarizes allocator activity.
type MemoryStats struct {
	AllocatedWords uint64 `cbor:"allocated"`
	FreedWords     uint64 `cbor:"freed"`
	Allocations    uint64 `cbor:"allocations"`
	Live           int    `cbor:"live"`
}

// Memory is a bump allocator over word addresses. Addresses are never
// reused; freeing an allocation only removes it from the table so later
// accesses fault.
type Memory struct {
	base  uint32
	limit uint32 // exclusive upper bound
	next  uint32

	allocs []Allocation // live allocations, sorted by Base
	words  map[uint32]float64
	stats  MemoryStats
}

// NewMemory returns an empty heap starting at base holding size words.
func NewMemory(base, size uint32) *Memory {
	limit := base + size
	if limit < base {
		limit = ^uint32(0)
	}
	return &Memory{
		base:  base,
		limit: limit,
		next:  base,
		words: make(map[uint32]float64),
	}
}

// Allocate reserves size words tagged with tag and returns the base address.
func (m *Memory) Allocate(size uint32, tag TypeTag) (uint32, error) {
	if size == 0 {
		return 0, fmt.Errorf("%w: zero-sized allocation", ErrInvalidAllocation)
	}
	if size > m.limit-m.next {
		return 0, fmt.Errorf("%w: out of memory allocating %d words", ErrInvalidAllocation, size)
	}
	addr := m.next
	m.next += size
	m.allocs = append(m.allocs, Allocation{Base: addr, Size: size, Tag: tag})
	m.stats.AllocatedWords += uint64(size)
	m.stats.Allocations++
	m.stats.Live++
	return addr, nil
}

// Free releases the allocation whose base address is addr.
func (m *Memory) Free(addr uint32) error {
	i, ok := m.find(addr)
	if !ok || m.allocs[i].Base != addr {
		return fmt.Errorf("%w: free of 0x%X", ErrInvalidAllocation, addr)
	}
	a := m.allocs[i]
	for w := a.Base; w-a.Base < a.Size; w++ {
		delete(m.words, w)
	}
	m.allocs = append(m.allocs[:i], m.allocs[i+1:]...)
	m.stats.FreedWords += uint64(a.Size)
	m.stats.Live--
	return nil
}

func (m *Memory) find(addr uint32) (int, bool) {
	i := sort.Search(len(m.allocs), func(i int) bool { return m.allocs[i].Base > addr }) - 1
	if i < 0 || !m.allocs[i].Contains(addr) {
		return -1, false
	}
	return i, true
}

// AllocInfo returns the allocation covering addr.
func (m *Memory) AllocInfo(addr uint32) (Allocation, bool) {
	i, ok := m.find(addr)
	if !ok {
		return Allocation{}, false
	}
	return m.allocs[i], true
}

// Read returns the word at addr. Unwritten words inside an allocation read
// as zero.
func (m *Memory) Read(addr uint32) (float64, error) {
	if _, ok := m.find(addr); !ok {
		return 0, fmt.Errorf("%w: read 0x%X", ErrSegFault, addr)
	}
	return m.words[addr], nil
}

// Write stores v at addr.
func (m *Memory) Write(addr uint32, v float64) error {
	if _, ok := m.find(addr); !ok {
		return fmt.Errorf("%w: write 0x%X", ErrSegFault, addr)
	}
	if v == 0 {
		delete(m.words, addr)
		return nil
	}
	m.words[addr] = v
	return nil
}

// copyWords copies n words from src to dst. Both ranges must be allocated.
func (m *Memory) copyWords(dst, src, n uint32) error {
	for i := uint32(0); i < n; i++ {
		v, err := m.Read(src + i)
		if err != nil {
			return err
		}
		if err := m.Write(dst+i, v); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns allocator statistics.
func (m *Memory) Stats() MemoryStats { return m.stats }

// Allocations returns a copy of the live allocation table.
func (m *Memory) Allocations() []Allocation {
	return append([]Allocation(nil), m.allocs...)
}

// MemorySnapshot is a copy of the heap taken after simulation.
type MemorySnapshot struct {
	Allocations []Allocation       `cbor:"allocs"`
	Words       map[uint32]float64 `cbor:"words"`
	Stats       MemoryStats        `cbor:"stats"`
}

// Read returns the word at addr from the snapshot.
func (s *MemorySnapshot) Read(addr uint32) (float64, error) {
	for _, a := range s.Allocations {
		if a.Contains(addr) {
			return s.Words[addr], nil
		}
	}
	return 0, fmt.Errorf("%w: read 0x%X", ErrSegFault, addr)
}

// Snapshot copies the heap.
func (m *Memory) Snapshot() MemorySnapshot {
	return MemorySnapshot{
		Allocations: m.Allocations(),
		Words:       maps.Clone(m.words),
		Stats:       m.stats,
	}
}
