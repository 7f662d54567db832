package vm

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Class table: single inheritance, method resolution, casts
// ---------------------------------------------------------------------------

// Class describes a class registered with CLASS_DEFINE. Class ids are
// positive; 0 means "no class".
type Class struct {
	ID      uint32            `cbor:"id"`
	Parent  uint32            `cbor:"parent,omitempty"`
	Fields  uint32            `cbor:"fields,omitempty"`
	Methods map[uint32]uint32 `cbor:"methods,omitempty"` // method id -> entry pc
}

// ClassTable owns every class of an engine.
type ClassTable struct {
	classes map[uint32]*Class
}

// NewClassTable returns an empty class table.
func NewClassTable() *ClassTable {
	return &ClassTable{classes: make(map[uint32]*Class)}
}

// Define registers a new class with room for fields instance words.
func (t *ClassTable) Define(id, fields uint32) error {
	if id == 0 {
		return fmt.Errorf("%w: class id 0 is reserved", ErrUnknownClass)
	}
	if _, ok := t.classes[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateClass, id)
	}
	t.classes[id] = &Class{ID: id, Fields: fields, Methods: make(map[uint32]uint32)}
	return nil
}

// Lookup returns the class with the given id.
func (t *ClassTable) Lookup(id uint32) (*Class, bool) {
	c, ok := t.classes[id]
	return c, ok
}

// Inherit sets the parent of child. The parent chain is walked first so
// that a cycle is rejected without modifying the table.
func (t *ClassTable) Inherit(child, parent uint32) error {
	c, ok := t.classes[child]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClass, child)
	}
	if _, ok := t.classes[parent]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClass, parent)
	}
	for p := parent; p != 0; p = t.classes[p].Parent {
		if p == child {
			return fmt.Errorf("%w: %d -> %d", ErrCyclicInheritance, child, parent)
		}
	}
	c.Parent = parent
	return nil
}

// DefineMethod binds method to entry on class.
func (t *ClassTable) DefineMethod(class, method, entry uint32) error {
	c, ok := t.classes[class]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClass, class)
	}
	c.Methods[method] = entry
	return nil
}

// Resolve finds the entry point of method for an instance of class,
// walking from the class toward the root so the most-derived override wins.
func (t *ClassTable) Resolve(class, method uint32) (uint32, error) {
	for id := class; id != 0; {
		c, ok := t.classes[id]
		if !ok {
			return 0, fmt.Errorf("%w: %d", ErrUnknownClass, id)
		}
		if entry, ok := c.Methods[method]; ok {
			return entry, nil
		}
		id = c.Parent
	}
	return 0, fmt.Errorf("%w: method %d on class %d", ErrMethodNotFound, method, class)
}

// IsA reports whether target is class or one of its ancestors.
func (t *ClassTable) IsA(class, target uint32) bool {
	for id := class; id != 0; {
		if id == target {
			return true
		}
		c, ok := t.classes[id]
		if !ok {
			return false
		}
		id = c.Parent
	}
	return false
}

// Ancestors returns class followed by its parent chain.
func (t *ClassTable) Ancestors(class uint32) []uint32 {
	var chain []uint32
	for id := class; id != 0; {
		c, ok := t.classes[id]
		if !ok {
			break
		}
		chain = append(chain, id)
		id = c.Parent
	}
	return chain
}

// Classes returns a copy of every class ordered by id.
func (t *ClassTable) Classes() []Class {
	out := make([]Class, 0, len(t.classes))
	for _, c := range t.classes {
		cp := *c
		cp.Methods = make(map[uint32]uint32, len(c.Methods))
		for k, v := range c.Methods {
			cp.Methods[k] = v
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
