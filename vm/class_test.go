package vm

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/vecvm/pkg/isa"
)

// ---------------------------------------------------------------------------
// ClassTable
// ---------------------------------------------------------------------------

func TestClassTableDefine(t *testing.T) {
	ct := NewClassTable()
	if err := ct.Define(1, 2); err != nil {
		t.Fatal(err)
	}
	if err := ct.Define(1, 3); !errors.Is(err, ErrDuplicateClass) {
		t.Errorf("duplicate define err = %v", err)
	}
	if err := ct.Define(0, 1); err == nil {
		t.Error("class id 0 accepted")
	}
	c, ok := ct.Lookup(1)
	if !ok || c.Fields != 2 {
		t.Errorf("Lookup(1) = %+v, %v", c, ok)
	}
}

func TestClassTableInheritance(t *testing.T) {
	ct := NewClassTable()
	for id := uint32(1); id <= 3; id++ {
		ct.Define(id, 0)
	}
	if err := ct.Inherit(2, 1); err != nil {
		t.Fatal(err)
	}
	if err := ct.Inherit(3, 2); err != nil {
		t.Fatal(err)
	}
	if err := ct.Inherit(1, 3); !errors.Is(err, ErrCyclicInheritance) {
		t.Errorf("cycle err = %v", err)
	}
	if err := ct.Inherit(1, 1); !errors.Is(err, ErrCyclicInheritance) {
		t.Errorf("self-inheritance err = %v", err)
	}
	if err := ct.Inherit(4, 1); !errors.Is(err, ErrUnknownClass) {
		t.Errorf("unknown child err = %v", err)
	}
	if c, _ := ct.Lookup(1); c.Parent != 0 {
		t.Errorf("rejected cycle modified the table: parent %d", c.Parent)
	}

	if got := ct.Ancestors(3); len(got) != 3 || got[0] != 3 || got[2] != 1 {
		t.Errorf("Ancestors(3) = %v", got)
	}
	tests := []struct {
		class, target uint32
		want          bool
	}{
		{3, 1, true},
		{3, 3, true},
		{1, 3, false},
		{2, 3, false},
		{9, 1, false},
	}
	for _, tt := range tests {
		if got := ct.IsA(tt.class, tt.target); got != tt.want {
			t.Errorf("IsA(%d, %d) = %v", tt.class, tt.target, got)
		}
	}
}

func TestClassTableResolve(t *testing.T) {
	ct := NewClassTable()
	ct.Define(1, 0)
	ct.Define(2, 0)
	ct.Inherit(2, 1)
	ct.DefineMethod(1, 10, 100)
	ct.DefineMethod(1, 11, 110)
	ct.DefineMethod(2, 10, 200)

	tests := []struct {
		class, method uint32
		want          uint32
	}{
		{1, 10, 100},
		{2, 10, 200},
		{2, 11, 110},
	}
	for _, tt := range tests {
		got, err := ct.Resolve(tt.class, tt.method)
		if err != nil || got != tt.want {
			t.Errorf("Resolve(%d, %d) = %d, %v; want %d", tt.class, tt.method, got, err, tt.want)
		}
	}
	if _, err := ct.Resolve(2, 12); !errors.Is(err, ErrMethodNotFound) {
		t.Errorf("missing method err = %v", err)
	}
	if err := ct.DefineMethod(5, 1, 1); !errors.Is(err, ErrUnknownClass) {
		t.Errorf("DefineMethod on unknown class err = %v", err)
	}

	classes := ct.Classes()
	classes[0].Methods[10] = 999
	if got, _ := ct.Resolve(1, 10); got != 100 {
		t.Error("Classes() shares method tables with the class table")
	}
}

// ---------------------------------------------------------------------------
// Object instructions
// ---------------------------------------------------------------------------

// Class 1 is the base, class 2 overrides method 10, class 3 is unrelated.
const objectSrc = `
.entry main
main:
	MOV ECX, #2
	CLASS_DEFINE EAX, ECX, #1
	CLASS_DEFINE EAX, ECX, #2
	CLASS_DEFINE EAX, ECX, #3
	MOV EAX, #2
	CLASS_INHERIT EAX, #1
	MOV EBX, #10
	MOV EDX, #1
	METHOD_DEFINE EDX, EBX, @base_speak
	MOV EDX, #2
	METHOD_DEFINE EDX, EBX, @derived_speak
	CLASS_INST ESI, #2
	METHOD_CALL ESI, #10
	MOV EDI, EAX
	MOV EBP, ESI
	TYPE_CAST EBP, #1
	MOV ECX, ESI
	TYPE_CAST ECX, #3
	POLYMORPH EDX, ESI
	CLASS_INST EAX, #1
	METHOD_CALL EAX, #10
	HALT
base_speak:
	MOV EAX, #1
	RET
derived_speak:
	MOV EAX, #2
	RET
`

func TestObjects(t *testing.T) {
	r := mustRun(t, objectSrc)
	th := threadOf(t, r, 0)
	if th.Fault != "" {
		t.Fatalf("fault: %s", th.Fault)
	}
	if got := th.Reg(isa.EDI); got != 2 {
		t.Errorf("override dispatch returned %v, want 2", got)
	}
	if got := th.Reg(isa.EAX); got != 1 {
		t.Errorf("base dispatch returned %v, want 1", got)
	}
	if th.Reg(isa.EBP) != th.Reg(isa.ESI) || th.Reg(isa.ESI) == 0 {
		t.Errorf("upcast = %v, object = %v", th.Reg(isa.EBP), th.Reg(isa.ESI))
	}
	if got := th.Reg(isa.ECX); got != 0 {
		t.Errorf("invalid cast = %v, want 0", got)
	}
	if got := th.Reg(isa.EDX); got != 2 {
		t.Errorf("POLYMORPH = %v, want 2", got)
	}

	obj := uint32(th.Reg(isa.ESI))
	if v, _ := r.ReadMemory(obj); v != 2 {
		t.Errorf("object header = %v, want class 2", v)
	}
	var objAlloc Allocation
	for _, a := range r.Memory.Allocations {
		if a.Base == obj {
			objAlloc = a
		}
	}
	if objAlloc.Size != 3 || objAlloc.Tag != ObjectTag(2) {
		t.Errorf("object allocation = %+v", objAlloc)
	}

	if len(r.Classes) != 3 || r.Classes[1].Parent != 1 {
		t.Errorf("classes = %+v", r.Classes)
	}
	var noted bool
	for _, e := range r.Trace {
		if e.Op == "TYPE_CAST" && strings.Contains(e.Note, "invalid cast") {
			noted = true
		}
	}
	if !noted {
		t.Error("invalid cast not noted in trace")
	}
}

func TestClassInstructionFailures(t *testing.T) {
	r := mustRun(t, `
CLASS_DEFINE EAX, #1
CLASS_DEFINE EBX, #1
CLASS_INST ECX, #9
MOV EDX, #1
CLASS_INHERIT EDX, #1
POLYMORPH ESI, #5
HALT
`)
	th := threadOf(t, r, 0)
	want := map[isa.Register]float64{
		isa.EAX: 1, // defined
		isa.EBX: 0, // duplicate
		isa.ECX: 0, // unknown class
		isa.EDX: 0, // cycle
		isa.ESI: 0, // not an object
	}
	for reg, v := range want {
		if got := th.Reg(reg); got != v {
			t.Errorf("%s = %v, want %v", reg, got, v)
		}
	}
	if th.Fault != "" {
		t.Errorf("recoverable failure faulted: %s", th.Fault)
	}
}

func TestMethodNotFoundFaults(t *testing.T) {
	r := mustRun(t, `
CLASS_DEFINE EAX, #1
CLASS_INST ESI, #1
METHOD_CALL ESI, #4
HALT
`)
	th := threadOf(t, r, 0)
	if th.ExitCode != ExitMethodNotFound || !errors.Is(th.Err(), ErrMethodNotFound) {
		t.Errorf("exit = %d err = %v", th.ExitCode, th.Err())
	}
}

func TestWritingHeaderDoesNotChangeClass(t *testing.T) {
	r := mustRun(t, `
CLASS_DEFINE EAX, #1
CLASS_DEFINE EAX, #2
CLASS_INST ESI, #1
MEM_STORE ESI, #2
POLYMORPH EDX, ESI
HALT
`)
	if got := threadOf(t, r, 0).Reg(isa.EDX); got != 1 {
		t.Errorf("POLYMORPH = %v, want 1", got)
	}
}

func TestClassInstWithoutFields(t *testing.T) {
	r := mustRun(t, `
CLASS_DEFINE EAX, #3
CLASS_INST ESI, #3
HALT
`)
	th := threadOf(t, r, 0)
	if th.Fault != "" {
		t.Fatalf("fault: %s", th.Fault)
	}
	obj := uint32(th.Reg(isa.ESI))
	if obj == 0 {
		t.Fatal("CLASS_INST returned no address")
	}
	v, err := r.ReadMemory(obj)
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	if v != 3 {
		t.Errorf("header = %v, want class 3", v)
	}
	if _, err := r.ReadMemory(obj + 1); err == nil {
		t.Error("instance of a field-less class spans more than its header")
	}
}
