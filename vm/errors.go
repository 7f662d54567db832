package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/vecvm/pkg/isa"
)

// Thread-fatal errors. A thread that raises one of these exits with the
// matching exit code; other threads keep running.
var (
	ErrSegFault           = errors.New("segmentation fault")
	ErrCallStackUnderflow = errors.New("call stack underflow")
	ErrDataStackUnderflow = errors.New("data stack underflow")
	ErrMutexOwnership     = errors.New("mutex unlocked by non-owner")
	ErrRecursiveLock      = errors.New("mutex already held by caller")
	ErrUnknownMutex       = errors.New("unknown mutex")
	ErrUnknownThread      = errors.New("unknown thread")
	ErrInvalidAllocation  = errors.New("invalid allocation")
	ErrTypeMismatch       = errors.New("allocation type mismatch")
	ErrNotAnObject        = errors.New("address is not an object")
	ErrMethodNotFound     = errors.New("method not found")
	ErrBadTarget          = errors.New("invalid branch target")
)

// Recoverable errors. The instruction writes a failure signal to its
// destination register and the thread continues.
var (
	ErrInvalidCast       = errors.New("invalid cast")
	ErrCyclicInheritance = errors.New("cyclic inheritance")
	ErrUnknownClass      = errors.New("unknown class")
	ErrDuplicateClass    = errors.New("class already defined")
)

// Simulation-level conditions.
var (
	ErrCycleBudgetExceeded = errors.New("cycle budget exceeded")
	ErrNoProgram           = errors.New("no program loaded")
	ErrBadEntry            = errors.New("entry point outside program")
)

// ErrDecodeAmbiguity is re-exported from isa for callers of this package.
var ErrDecodeAmbiguity = isa.ErrDecodeAmbiguity

// Exit codes recorded in Exited(code) for thread faults. Code 0 is a
// normal exit; THREAD_EXIT may choose any other code.
const (
	ExitOK              = 0
	ExitSegFault        = -11
	ExitStackUnderflow  = -12
	ExitMutexOwnership  = -13
	ExitBadAllocation   = -14
	ExitTypeMismatch    = -15
	ExitMethodNotFound  = -16
	ExitBadTarget       = -17
	ExitUnknownResource = -18
	ExitFault           = -1
)

// exitCodeFor maps a fault cause to its exit code.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, ErrSegFault):
		return ExitSegFault
	case errors.Is(err, ErrCallStackUnderflow), errors.Is(err, ErrDataStackUnderflow):
		return ExitStackUnderflow
	case errors.Is(err, ErrMutexOwnership), errors.Is(err, ErrRecursiveLock):
		return ExitMutexOwnership
	case errors.Is(err, ErrInvalidAllocation):
		return ExitBadAllocation
	case errors.Is(err, ErrTypeMismatch), errors.Is(err, ErrNotAnObject):
		return ExitTypeMismatch
	case errors.Is(err, ErrMethodNotFound):
		return ExitMethodNotFound
	case errors.Is(err, ErrBadTarget):
		return ExitBadTarget
	case errors.Is(err, ErrUnknownMutex), errors.Is(err, ErrUnknownThread):
		return ExitUnknownResource
	}
	return ExitFault
}

// Fault records an error that terminated a thread. Err is the sentinel
// cause; Detail, when set, is the full message it was wrapped in.
type Fault struct {
	Err      error
	ThreadID uint32
	PC       uint32
	Op       string
	Detail   string
}

func (f *Fault) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("thread %d: %s at pc %d: %s", f.ThreadID, f.Op, f.PC, f.Detail)
	}
	return fmt.Sprintf("thread %d: %s at pc %d: %v", f.ThreadID, f.Op, f.PC, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// ExitCode returns the exit code the faulting thread was given.
func (f *Fault) ExitCode() int { return exitCodeFor(f.Err) }
