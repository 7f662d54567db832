package isa

import (
	"errors"
	"math"
	"testing"
)

func TestBaseOpcodesHaveMetadata(t *testing.T) {
	r := NewRegistry()
	for _, op := range BaseOpcodes() {
		info := r.Info(op)
		if info.Name == "" || info.Name == "UNKNOWN" {
			t.Errorf("opcode %d has no metadata", op)
		}
		if info.Exec != op {
			t.Errorf("%s executes as %s, want itself", info.Name, info.Exec)
		}
		if IsOperandSlot(info.Slot) {
			t.Errorf("%s uses operand slot %d", info.Name, info.Slot)
		}
		if got, ok := r.AtSlot(info.Slot); !ok || got != op {
			t.Errorf("AtSlot(%d) = %v, want %s", info.Slot, got, info.Name)
		}
	}
	if r.Count() != len(BaseOpcodes()) {
		t.Errorf("Count() = %d, want %d", r.Count(), len(BaseOpcodes()))
	}
}

func TestOpcodeString(t *testing.T) {
	tests := []struct {
		op   Opcode
		want string
	}{
		{OpMov, "MOV"},
		{OpAdd, "ADD"},
		{OpMutexLock, "MUTEX_LOCK"},
		{OpThreadSpawn, "THREAD_SPAWN"},
		{OpHalt, "HALT"},
		{OpClassInherit, "CLASS_INHERIT"},
		{OpUnknown, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("Opcode(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()

	err := r.Register("MY_OP", 32) // ADD
	if !errors.Is(err, ErrDuplicateSlot) {
		t.Errorf("duplicate slot: got %v, want ErrDuplicateSlot", err)
	}
	err = r.Register("ADD", 450)
	if !errors.Is(err, ErrDuplicateName) {
		t.Errorf("duplicate name: got %v, want ErrDuplicateName", err)
	}
	err = r.Register("MY_OP", DestBase)
	if !errors.Is(err, ErrSlotOutOfRange) {
		t.Errorf("operand slot: got %v, want ErrSlotOutOfRange", err)
	}
	err = r.RegisterExtension(Extension{Name: "MY_OP", Slot: 450, Alias: "NOPE"})
	if !errors.Is(err, ErrUnknownAlias) {
		t.Errorf("bad alias: got %v, want ErrUnknownAlias", err)
	}
	if _, ok := r.Lookup("MY_OP"); ok {
		t.Error("failed registrations must not leave entries behind")
	}
}

func TestRegistryExtensions(t *testing.T) {
	r := DefaultRegistry()
	if !r.Frozen() {
		t.Fatal("DefaultRegistry should be frozen")
	}

	op, ok := r.Lookup("MEM_LOAD_SHARED")
	if !ok {
		t.Fatal("MEM_LOAD_SHARED not registered")
	}
	if op < FirstExtension {
		t.Errorf("extension opcode %d below FirstExtension", op)
	}
	if r.Exec(op) != OpMemLoad {
		t.Errorf("MEM_LOAD_SHARED executes as %s, want MEM_LOAD", r.Exec(op))
	}
	if r.Info(op).Slot != 410 {
		t.Errorf("MEM_LOAD_SHARED slot = %d, want 410", r.Info(op).Slot)
	}

	if err := r.Register("LATE", 450); !errors.Is(err, ErrRegistryFrozen) {
		t.Errorf("register after freeze: got %v, want ErrRegistryFrozen", err)
	}
}

func TestRegistryMergeStopsAtFirstError(t *testing.T) {
	r := NewRegistry()
	err := r.Merge([]Extension{
		{Name: "A", Slot: 450},
		{Name: "B", Slot: 450},
		{Name: "C", Slot: 451},
	})
	if !errors.Is(err, ErrDuplicateSlot) {
		t.Fatalf("Merge error = %v, want ErrDuplicateSlot", err)
	}
	if _, ok := r.Lookup("A"); !ok {
		t.Error("A should be registered")
	}
	if _, ok := r.Lookup("C"); ok {
		t.Error("C should not be registered after failure")
	}
	a, _ := r.Lookup("A")
	if r.Exec(a) != OpUnknown {
		t.Errorf("unaliased extension executes as %s, want UNKNOWN", r.Exec(a))
	}
}

func TestOpcodeOf(t *testing.T) {
	r := DefaultRegistry()

	vec := make(Vector, MinVectorDim)
	if op, err := r.OpcodeOf(vec); op != OpUnknown || err != nil {
		t.Errorf("zero vector: got %s, %v; want UNKNOWN, nil", op, err)
	}

	vec[32] = 0.9
	vec[33] = 0.7
	vec[DestBase] = 5 // operand slots never win the operation decode
	if op, err := r.OpcodeOf(vec); op != OpAdd || err != nil {
		t.Errorf("argmax: got %s, %v; want ADD, nil", op, err)
	}

	vec[33] = 0.9
	op, err := r.OpcodeOf(vec)
	if !errors.Is(err, ErrDecodeAmbiguity) {
		t.Errorf("tie: err = %v, want ErrDecodeAmbiguity", err)
	}
	if op != OpAdd {
		t.Errorf("tie: got %s, want lowest index ADD", op)
	}

	vec = make(Vector, MinVectorDim)
	vec[499] = 1 // unregistered slot
	if op, err := r.OpcodeOf(vec); op != OpUnknown || err != nil {
		t.Errorf("unregistered slot: got %s, %v; want UNKNOWN, nil", op, err)
	}
}

func TestOpcodeOfIgnoresNaN(t *testing.T) {
	r := DefaultRegistry()
	tests := []struct {
		name string
		set  map[int]float64
		want Opcode
	}{
		{"nan first, spawn active", map[int]float64{0: math.NaN(), 400: 1}, OpThreadSpawn},
		{"nan after winner", map[int]float64{98: 1, 300: math.NaN()}, OpHalt},
		{"only nan", map[int]float64{0: math.NaN()}, OpUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vec := make(Vector, MinVectorDim)
			for i, v := range tt.set {
				vec[i] = v
			}
			op, err := r.OpcodeOf(vec)
			if err != nil {
				t.Fatalf("OpcodeOf: %v", err)
			}
			if op != tt.want {
				t.Errorf("got %s, want %s", op, tt.want)
			}
		})
	}
}
