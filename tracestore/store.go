// Package tracestore archives execution results and their traces in SQLite.
package tracestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/vecvm/vm"
)

// ErrRunNotFound indicates the requested run doesn't exist
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	program    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	cycles     INTEGER NOT NULL,
	reason     TEXT NOT NULL,
	halted     INTEGER NOT NULL,
	threads    INTEGER NOT NULL,
	faults     INTEGER NOT NULL,
	result     BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS trace (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	cycle  INTEGER NOT NULL,
	tid    INTEGER NOT NULL,
	pc     INTEGER NOT NULL,
	op     TEXT NOT NULL,
	note   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, cycle)
);
CREATE INDEX IF NOT EXISTS trace_by_thread ON trace (run_id, tid, cycle);
`

// Run is the summary row of an archived execution.
type Run struct {
	ID        string
	Program   string
	CreatedAt time.Time
	Cycles    uint64
	Reason    string
	Halted    bool
	Threads   int
	Faults    int
}

// Store handles SQLite storage for execution runs
type Store struct {
	db   *sql.DB
	path string
	log  commonlog.Logger
	mu   sync.Mutex
}

// Open opens (creating if needed) the archive at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps writes serialized and lets ":memory:" work.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring database: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &Store{
		db:   db,
		path: path,
		log:  commonlog.GetLogger("vecvm.tracestore"),
	}, nil
}

// Path returns the database file the store was opened with.
func (s *Store) Path() string { return s.path }

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveRun archives r under a new run id. The full result is stored as
// canonical CBOR; each trace entry also gets its own row so traces can be
// queried per thread.
func (s *Store) SaveRun(ctx context.Context, program string, r *vm.ExecutionResult) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := vm.EncodeResult(r)
	if err != nil {
		return Run{}, fmt.Errorf("encoding result: %w", err)
	}
	run := Run{
		ID:        uuid.New().String(),
		Program:   program,
		CreatedAt: time.Now().UTC(),
		Cycles:    r.Cycles,
		Reason:    r.Reason.String(),
		Halted:    r.Halted,
		Threads:   len(r.Threads),
		Faults:    len(r.Faulted()),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Run{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, program, created_at, cycles, reason, halted, threads, faults, result)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Program, run.CreatedAt.UnixNano(), int64(run.Cycles), run.Reason,
		run.Halted, run.Threads, run.Faults, blob,
	)
	if err != nil {
		return Run{}, fmt.Errorf("saving run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO trace (run_id, cycle, tid, pc, op, note) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return Run{}, fmt.Errorf("preparing trace insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range r.Trace {
		if _, err := stmt.ExecContext(ctx, run.ID, int64(e.Cycle), e.ThreadID, e.PC, e.Op, e.Note); err != nil {
			return Run{}, fmt.Errorf("saving trace entry %d: %w", e.Cycle, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Run{}, fmt.Errorf("committing run: %w", err)
	}
	s.log.Infof("archived run %s (%s, %d cycles, %d trace rows)", run.ID, program, run.Cycles, len(r.Trace))
	return run, nil
}

const runColumns = "id, program, created_at, cycles, reason, halted, threads, faults"

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var (
		run     Run
		created int64
		cycles  int64
	)
	if err := row.Scan(&run.ID, &run.Program, &created, &cycles, &run.Reason, &run.Halted, &run.Threads, &run.Faults); err != nil {
		return Run{}, err
	}
	run.CreatedAt = time.Unix(0, created).UTC()
	run.Cycles = uint64(cycles)
	return run, nil
}

// Runs returns the most recent runs first. A limit of 0 returns all runs.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM runs ORDER BY seq DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Get returns the summary of run id.
func (s *Store) Get(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM runs WHERE id = ?", id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Run{}, fmt.Errorf("querying run: %w", err)
	}
	return run, nil
}

// Result returns the full archived result of run id.
func (s *Store) Result(ctx context.Context, id string) (*vm.ExecutionResult, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, "SELECT result FROM runs WHERE id = ?", id).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying result: %w", err)
	}
	return vm.DecodeResult(blob)
}

// TraceFilter narrows a trace query.
type TraceFilter struct {
	Thread    *uint32 // only this thread
	Op        string  // only this mnemonic
	NotesOnly bool    // only entries with a note (faults, failed casts, ...)
}

// Trace returns the trace of run id in cycle order.
func (s *Store) Trace(ctx context.Context, id string, f TraceFilter) ([]vm.TraceEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	query := "SELECT cycle, tid, pc, op, note FROM trace WHERE run_id = ?"
	args := []any{id}
	if f.Thread != nil {
		query += " AND tid = ?"
		args = append(args, *f.Thread)
	}
	if f.Op != "" {
		query += " AND op = ?"
		args = append(args, f.Op)
	}
	if f.NotesOnly {
		query += " AND note != ''"
	}
	query += " ORDER BY cycle"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying trace: %w", err)
	}
	defer rows.Close()

	var out []vm.TraceEntry
	for rows.Next() {
		var (
			e     vm.TraceEntry
			cycle int64
		)
		if err := rows.Scan(&cycle, &e.ThreadID, &e.PC, &e.Op, &e.Note); err != nil {
			return nil, fmt.Errorf("scanning trace entry: %w", err)
		}
		e.Cycle = uint64(cycle)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes run id and its trace.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}
