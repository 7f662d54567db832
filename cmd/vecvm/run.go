package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/vecvm/manifest"
	"github.com/chazu/vecvm/pkg/isa"
	"github.com/chazu/vecvm/tracestore"
	"github.com/chazu/vecvm/vm"
)

type runOutcome struct {
	path   string
	result *vm.ExecutionResult
	err    error // ErrCycleBudgetExceeded or cancellation; the result is still set
}

// cycleBudget is a -max-cycles value; it must fit the engine's uint32 budget.
type cycleBudget uint32

func (b *cycleBudget) String() string { return strconv.FormatUint(uint64(*b), 10) }

func (b *cycleBudget) Set(s string) error {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("bad cycle budget %q (0..%d)", s, uint32(math.MaxUint32))
	}
	*b = cycleBudget(n)
	return nil
}

// handleRunCommand processes the `vecvm run` subcommand. Each program runs
// on its own engine; with -j > 1 engines run in parallel.
func handleRunCommand(m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var maxCycles cycleBudget
	fs.Var(&maxCycles, "max-cycles", "Cycle budget (default: [engine] max-cycles)")
	showTrace := fs.Bool("trace", false, "Print the execution trace")
	showMemory := fs.Bool("memory", false, "Print the allocation table")
	dumpDir := fs.String("dump", "", "Write each result as CBOR into this directory")
	archive := fs.Bool("archive", false, "Save results to the trace store")
	jobs := fs.Int("j", runtime.NumCPU(), "Programs to run in parallel")
	var breakpoints pcList
	fs.Var(&breakpoints, "break", "Stop before pc executes (repeatable)")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("run needs at least one program")
	}

	opts, err := m.EngineOptions()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	outcomes := make([]runOutcome, fs.NArg())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(*jobs, 1))
	for i, path := range fs.Args() {
		i, path := i, path
		g.Go(func() error {
			p, err := loadProgram(m, path)
			if err != nil {
				return err
			}
			e := vm.New(opts...)
			if err := e.LoadProgram(p); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			for _, pc := range breakpoints {
				if err := e.SetBreakpoint(pc); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			r, err := e.Run(gctx, uint32(maxCycles))
			if r == nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			outcomes[i] = runOutcome{path: path, result: r, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var store *tracestore.Store
	if *archive {
		store, err = tracestore.Open(m.StorePath())
		if err != nil {
			return err
		}
		defer store.Close()
	}

	for _, o := range outcomes {
		printSummary(o)
		if *showMemory {
			printMemory(o.result)
		}
		if *showTrace {
			printTrace(o.result.Trace)
		}
		if *dumpDir != "" {
			if err := dumpResult(*dumpDir, o); err != nil {
				return err
			}
		}
		if store != nil {
			run, err := store.SaveRun(ctx, o.path, o.result)
			if err != nil {
				return err
			}
			fmt.Printf("  archived as %s\n", run.ID)
		}
	}
	return nil
}

func printSummary(o runOutcome) {
	r := o.result
	status := r.Reason.String()
	if errors.Is(o.err, vm.ErrCycleBudgetExceeded) {
		status = "cycle budget exceeded"
	}
	fmt.Printf("%s: %s after %s cycles, %d threads\n", o.path, status, humanize.Comma(int64(r.Cycles)), len(r.Threads))
	for _, t := range r.Threads {
		line := fmt.Sprintf("  thread %d: %s", t.ID, t.State)
		switch t.State {
		case vm.Exited:
			line += fmt.Sprintf(" (%d)", t.ExitCode)
		case vm.Blocked:
			line += fmt.Sprintf(" on %s", t.Block)
		}
		line += fmt.Sprintf(" pc=%d retired=%s", t.PC, humanize.Comma(int64(t.Retired)))
		fmt.Println(line)
		fmt.Printf("    %s\n", formatRegisters(t.Registers))
		if t.Fault != "" {
			fmt.Printf("    fault: %s\n", t.Fault)
		}
	}
	stats := r.Memory.Stats
	fmt.Printf("  heap: %d live allocations, %s allocated, %s freed\n",
		stats.Live, humanize.Bytes(stats.AllocatedWords*8), humanize.Bytes(stats.FreedWords*8))
}

func formatRegisters(regs vm.RegisterFile) string {
	parts := make([]string, 0, isa.NumRegisters)
	for i, v := range regs {
		parts = append(parts, fmt.Sprintf("%s=%v", isa.Register(i+1), v))
	}
	return strings.Join(parts, " ")
}

func printMemory(r *vm.ExecutionResult) {
	for _, a := range r.Memory.Allocations {
		fmt.Printf("  0x%08X  %6d words  %s\n", a.Base, a.Size, a.Tag)
	}
	addrs := make([]uint32, 0, len(r.Memory.Words))
	for addr := range r.Memory.Words {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, addr := range addrs {
		fmt.Printf("    [0x%08X] = %v\n", addr, r.Memory.Words[addr])
	}
}

func printTrace(trace []vm.TraceEntry) {
	for _, e := range trace {
		fmt.Printf("  %s\n", e)
	}
}

func dumpResult(dir string, o runOutcome) error {
	data, err := vm.EncodeResult(o.result)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	base := strings.TrimSuffix(filepath.Base(o.path), filepath.Ext(o.path))
	path := filepath.Join(dir, base+".result.cbor")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	fmt.Printf("  result written to %s (%s)\n", path, humanize.Bytes(uint64(len(data))))
	return nil
}
