package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chazu/vecvm/manifest"
	"github.com/chazu/vecvm/pkg/isa"
	"github.com/chazu/vecvm/vm"
)

// The programs under examples/ run against the manifest next to them.
func TestExamples(t *testing.T) {
	dir := filepath.Join("..", "..", "examples")
	m, err := manifest.Load(dir)
	if err != nil {
		t.Fatalf("Load examples manifest: %v", err)
	}

	tests := []struct {
		file    string
		eax     float64
		threads int
	}{
		{"factorial.vasm", 120, 1},
		{"counter.vasm", 30, 4},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			p, err := loadProgram(m, filepath.Join(dir, tt.file))
			if err != nil {
				t.Fatal(err)
			}
			opts, err := m.EngineOptions()
			if err != nil {
				t.Fatal(err)
			}
			e := vm.New(opts...)
			if err := e.LoadProgram(p); err != nil {
				t.Fatal(err)
			}
			r, err := e.Run(context.Background(), 0)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if r.Reason != vm.StopHalt {
				t.Errorf("stopped with %s, want halt", r.Reason)
			}
			if len(r.Threads) != tt.threads {
				t.Errorf("%d threads, want %d", len(r.Threads), tt.threads)
			}
			th, _ := r.Thread(0)
			if got := th.Reg(isa.EAX); got != tt.eax {
				t.Errorf("EAX = %v, want %v", got, tt.eax)
			}
			if f := r.Faulted(); len(f) != 0 {
				t.Errorf("faulted threads: %v", f)
			}
		})
	}
}
