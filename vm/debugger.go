package vm

import (
	"fmt"
	"slices"
)

// SetBreakpoint makes Run stop before any thread executes pc.
func (e *Engine) SetBreakpoint(pc uint32) error {
	if e.loaded && int(pc) >= len(e.program) {
		return fmt.Errorf("%w: breakpoint at %d (program has %d instructions)", ErrBadTarget, pc, len(e.program))
	}
	e.breakpoints[pc] = struct{}{}
	return nil
}

// ClearBreakpoint removes the breakpoint at pc.
func (e *Engine) ClearBreakpoint(pc uint32) {
	delete(e.breakpoints, pc)
}

// Breakpoints returns the breakpoint addresses in ascending order.
func (e *Engine) Breakpoints() []uint32 {
	out := make([]uint32, 0, len(e.breakpoints))
	for pc := range e.breakpoints {
		out = append(out, pc)
	}
	slices.Sort(out)
	return out
}

// atBreakpoint reports whether the next thread to run sits on a
// breakpoint. After Run stops at one, the following check is skipped so
// the next Run makes progress.
func (e *Engine) atBreakpoint() bool {
	if e.resuming {
		e.resuming = false
		return false
	}
	if len(e.breakpoints) == 0 || len(e.ready) == 0 {
		return false
	}
	t := e.threads[e.ready[0]]
	if _, ok := e.breakpoints[t.PC]; !ok {
		return false
	}
	e.resuming = true
	e.log.Infof("thread %d stopped at breakpoint %d", t.ID, t.PC)
	return true
}
