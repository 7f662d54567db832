package isa

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Registry errors.
var (
	ErrDuplicateSlot   = errors.New("isa: slot already registered")
	ErrDuplicateName   = errors.New("isa: opcode name already registered")
	ErrSlotOutOfRange  = errors.New("isa: slot outside the operation range")
	ErrRegistryFrozen  = errors.New("isa: registry is frozen")
	ErrUnknownAlias    = errors.New("isa: extension alias is not a base opcode")
	ErrInvalidName     = errors.New("isa: invalid opcode name")
	ErrDecodeAmbiguity = errors.New("isa: more than one operation slot at the maximum")
)

// Registry maps opcode names to operation slots. It is built once at
// startup from the base table plus any extensions, then frozen; after
// Freeze it is read-only and safe to share between engines.
type Registry struct {
	bySlot map[int]Opcode
	byName map[string]Opcode
	infos  map[Opcode]OpcodeInfo
	slots  []int // sorted operation slots, rebuilt on registration
	next   Opcode
	frozen bool
}

// NewRegistry returns an unfrozen registry holding the base table.
func NewRegistry() *Registry {
	r := &Registry{
		bySlot: make(map[int]Opcode, len(baseTable)),
		byName: make(map[string]Opcode, len(baseTable)),
		infos:  make(map[Opcode]OpcodeInfo, len(baseTable)),
		next:   FirstExtension,
	}
	for _, op := range BaseOpcodes() {
		info := baseTable[op]
		if err := r.add(op, info); err != nil {
			// The base table is static; a collision is a programming error.
			panic(fmt.Sprintf("isa: invalid base table: %v", err))
		}
	}
	return r
}

// DefaultRegistry returns a frozen registry with DefaultExtensions merged.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	if err := r.Merge(DefaultExtensions); err != nil {
		panic(fmt.Sprintf("isa: invalid default extensions: %v", err))
	}
	r.Freeze()
	return r
}

// Register adds a new opcode without base semantics. It executes as a no-op
// but is decoded, traced and disassembled under its own name.
func (r *Registry) Register(name string, slot int) error {
	return r.RegisterExtension(Extension{Name: name, Slot: slot})
}

// RegisterExtension adds an extension opcode. Re-registration of a slot or
// name that is already in use fails fast.
func (r *Registry) RegisterExtension(ext Extension) error {
	if r.frozen {
		return ErrRegistryFrozen
	}
	exec := OpUnknown
	family := FamilyNone
	if ext.Alias != "" {
		base, ok := r.byName[ext.Alias]
		if !ok || base >= FirstExtension {
			return fmt.Errorf("%w: %s", ErrUnknownAlias, ext.Alias)
		}
		exec = base
		family = r.infos[base].Family
	}
	op := r.next
	if err := r.add(op, OpcodeInfo{Name: ext.Name, Slot: ext.Slot, Family: family, Exec: exec}); err != nil {
		return err
	}
	r.next++
	return nil
}

// Merge registers every extension in order, stopping at the first error.
func (r *Registry) Merge(exts []Extension) error {
	for _, ext := range exts {
		if err := r.RegisterExtension(ext); err != nil {
			return fmt.Errorf("extension %s@%d: %w", ext.Name, ext.Slot, err)
		}
	}
	return nil
}

func (r *Registry) add(op Opcode, info OpcodeInfo) error {
	if info.Slot < 0 || IsOperandSlot(info.Slot) {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, info.Slot)
	}
	if other, ok := r.bySlot[info.Slot]; ok {
		return fmt.Errorf("%w: %d is %s", ErrDuplicateSlot, info.Slot, r.infos[other].Name)
	}
	if info.Name == "" || info.Name == "UNKNOWN" {
		return fmt.Errorf("%w: %q", ErrInvalidName, info.Name)
	}
	if _, ok := r.byName[info.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, info.Name)
	}
	r.bySlot[info.Slot] = op
	r.byName[info.Name] = op
	r.infos[op] = info
	r.slots = append(r.slots, info.Slot)
	sort.Ints(r.slots)
	return nil
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() { r.frozen = true }

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool { return r.frozen }

// Info returns metadata for op. Unknown opcodes report the name "UNKNOWN".
func (r *Registry) Info(op Opcode) OpcodeInfo {
	if info, ok := r.infos[op]; ok {
		return info
	}
	return OpcodeInfo{Name: "UNKNOWN", Slot: -1, Exec: OpUnknown}
}

// Name returns the mnemonic registered for op.
func (r *Registry) Name(op Opcode) string {
	return r.Info(op).Name
}

// Lookup returns the opcode registered under name.
func (r *Registry) Lookup(name string) (Opcode, bool) {
	op, ok := r.byName[name]
	return op, ok
}

// AtSlot returns the opcode registered at an operation slot.
func (r *Registry) AtSlot(slot int) (Opcode, bool) {
	op, ok := r.bySlot[slot]
	return op, ok
}

// Exec resolves op to the base opcode whose semantics it executes.
func (r *Registry) Exec(op Opcode) Opcode {
	if op < FirstExtension {
		return op
	}
	return r.Info(op).Exec
}

// Opcodes returns every registered opcode ordered by slot.
func (r *Registry) Opcodes() []Opcode {
	ops := make([]Opcode, 0, len(r.slots))
	for _, s := range r.slots {
		ops = append(ops, r.bySlot[s])
	}
	return ops
}

// Count returns the number of registered opcodes.
func (r *Registry) Count() int {
	return len(r.slots)
}

// OpcodeOf locates the maximum value within the operation range of vec and
// returns the opcode at that slot. Ties are broken by lowest index and
// reported as ErrDecodeAmbiguity alongside the lowest-index opcode. A
// vector with no active operation slot, or whose winning slot is not
// registered, yields OpUnknown.
func (r *Registry) OpcodeOf(vec Vector) (Opcode, error) {
	best := -1
	bestVal := 0.0
	tied := false
	for i, v := range vec {
		if IsOperandSlot(i) || math.IsNaN(v) {
			continue
		}
		switch {
		case best < 0 || v > bestVal:
			best, bestVal, tied = i, v, false
		case v == bestVal:
			tied = true
		}
	}
	if best < 0 || bestVal <= activeThreshold {
		return OpUnknown, nil
	}
	op, ok := r.bySlot[best]
	if !ok {
		op = OpUnknown
	}
	if tied {
		return op, fmt.Errorf("%w: slot %d", ErrDecodeAmbiguity, best)
	}
	return op, nil
}
