// Package vm executes programs of instruction vectors.
//
// An Engine decodes a program once at load time and runs it on a
// deterministic cooperative scheduler: one instruction per tick, threads
// taken from a FIFO ready queue. On top of the decoded instruction set it
// provides:
//   - a word-addressed heap with a tagged allocation table
//   - single-inheritance classes with virtual method dispatch
//   - mutexes with FIFO hand-off, reusable barriers and atomic memory ops
//   - per-thread faults that terminate the thread but not the simulation
//
// Identical inputs always produce identical ExecutionResults.
package vm
