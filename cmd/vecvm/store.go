package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/chazu/vecvm/manifest"
	"github.com/chazu/vecvm/tracestore"
)

// pcList collects repeated -break flags.
type pcList []uint32

func (l *pcList) String() string {
	parts := make([]string, len(*l))
	for i, pc := range *l {
		parts[i] = strconv.FormatUint(uint64(pc), 10)
	}
	return strings.Join(parts, ",")
}

func (l *pcList) Set(s string) error {
	pc, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return fmt.Errorf("bad pc %q", s)
	}
	*l = append(*l, uint32(pc))
	return nil
}

// handleRunsCommand lists archived runs, newest first.
func handleRunsCommand(m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	limit := fs.Int("n", 20, "Number of runs to list (0 = all)")
	fs.Parse(args)

	store, err := tracestore.Open(m.StorePath())
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.Runs(context.Background(), *limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No archived runs")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("%s  %-14s %10s cycles  %2d threads  %d faults  %-24s %s\n",
			r.ID, humanize.Time(r.CreatedAt), humanize.Comma(int64(r.Cycles)),
			r.Threads, r.Faults, r.Reason, r.Program)
	}
	return nil
}

// handleTraceCommand prints the trace of one archived run.
func handleTraceCommand(m *manifest.Manifest, args []string) error {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	thread := fs.Int("thread", -1, "Only entries of this thread")
	op := fs.String("op", "", "Only entries of this mnemonic")
	notes := fs.Bool("notes", false, "Only entries with a note")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("trace takes exactly one run id")
	}

	store, err := tracestore.Open(m.StorePath())
	if err != nil {
		return err
	}
	defer store.Close()

	filter := tracestore.TraceFilter{Op: strings.ToUpper(*op), NotesOnly: *notes}
	if int64(*thread) > math.MaxUint32 {
		return fmt.Errorf("bad thread id %d", *thread)
	}
	if *thread >= 0 {
		tid := uint32(*thread)
		filter.Thread = &tid
	}
	ctx := context.Background()
	run, err := store.Get(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	entries, err := store.Trace(ctx, run.ID, filter)
	if err != nil {
		return err
	}
	fmt.Printf("; %s  %s  %s cycles  %s\n", run.ID, run.Program, humanize.Comma(int64(run.Cycles)), run.Reason)
	printTrace(entries)
	return nil
}
