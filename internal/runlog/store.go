// Package runlog provides an append-only SQLite ledger of completed
// agent runs. Each run row records the input, outcome, and token usage
// of one conversational turn; its tool executions are stored in order
// alongside it.
package runlog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Run is one finished conversational turn.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	UserID     string
	SessionID  string
	Channel    string
	Model      string
	Persona    string
	Input      string

	Success       bool
	FinalResponse string
	ErrorCategory string // "model_transport", "tool_resolution", "budget_exceeded", "replay_miss"
	Error         string
	Iterations    int

	InputTokens  int
	OutputTokens int

	Tools []ToolRecord
}

// ToolRecord is one tool execution within a run, in execution order.
type ToolRecord struct {
	Seq           int
	Requested     string // name as the model wrote it
	Action        string // canonical action
	OK            bool
	ErrorCategory string // "not_found", "validation", "transport", "remote"
	Output        string
	DurationMs    int64
	Timestamp     time.Time
}

// Summary holds aggregate counts over a time window.
type Summary struct {
	Runs         int
	Succeeded    int
	Failed       int
	ToolCalls    int
	ToolFailures int
	InputTokens  int64
	OutputTokens int64
}

// Store is an append-only SQLite store for run records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db     *sql.DB
	ownsDB bool
}

// Open creates a run ledger at the given database path. The schema is
// created automatically on first use.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open runlog database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New uses an already-open database. The caller keeps ownership of db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate runlog schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection if the store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id              TEXT PRIMARY KEY,
		started_at      TEXT NOT NULL,
		finished_at     TEXT NOT NULL,
		user_id         TEXT,
		session_id      TEXT,
		channel         TEXT,
		model           TEXT,
		persona         TEXT,
		input           TEXT NOT NULL,
		success         INTEGER NOT NULL,
		final_response  TEXT,
		error_category  TEXT,
		error           TEXT,
		iterations      INTEGER NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id);

	CREATE TABLE IF NOT EXISTS tool_results (
		run_id          TEXT NOT NULL REFERENCES runs(id),
		seq             INTEGER NOT NULL,
		requested       TEXT NOT NULL,
		action          TEXT NOT NULL,
		ok              INTEGER NOT NULL,
		error_category  TEXT,
		output          TEXT,
		duration_ms     INTEGER NOT NULL,
		timestamp       TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a run and its tool records in one transaction. If
// run.ID is empty, a UUIDv7 is generated; the ID used is returned.
func (s *Store) Record(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("generate run ID: %w", err)
		}
		run.ID = id.String()
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = run.FinishedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin runlog transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs
			(id, started_at, finished_at, user_id, session_id, channel, model, persona,
			 input, success, final_response, error_category, error, iterations,
			 input_tokens, output_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.StartedAt.UTC().Format(time.RFC3339),
		run.FinishedAt.UTC().Format(time.RFC3339),
		run.UserID,
		run.SessionID,
		run.Channel,
		run.Model,
		run.Persona,
		run.Input,
		boolInt(run.Success),
		run.FinalResponse,
		run.ErrorCategory,
		run.Error,
		run.Iterations,
		run.InputTokens,
		run.OutputTokens,
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	for i, tr := range run.Tools {
		seq := tr.Seq
		if seq == 0 {
			seq = i + 1
		}
		ts := tr.Timestamp
		if ts.IsZero() {
			ts = run.FinishedAt
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tool_results
				(run_id, seq, requested, action, ok, error_category, output, duration_ms, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, seq, tr.Requested, tr.Action, boolInt(tr.OK), tr.ErrorCategory,
			tr.Output, tr.DurationMs, ts.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return "", fmt.Errorf("insert tool result %d: %w", seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit run: %w", err)
	}
	return run.ID, nil
}

// Get returns one run with its tool records.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	rows, err := s.db.QueryContext(ctx, runSelect+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", id, err)
	}
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("run %s not found", id)
	}
	run := runs[0]

	tools, err := s.db.QueryContext(ctx,
		`SELECT seq, requested, action, ok, COALESCE(error_category, ''), COALESCE(output, ''),
		        duration_ms, timestamp
		 FROM tool_results WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("query tool results for %s: %w", id, err)
	}
	defer tools.Close()
	for tools.Next() {
		var tr ToolRecord
		var ok int
		var ts string
		if err := tools.Scan(&tr.Seq, &tr.Requested, &tr.Action, &ok, &tr.ErrorCategory,
			&tr.Output, &tr.DurationMs, &ts); err != nil {
			return nil, fmt.Errorf("scan tool result: %w", err)
		}
		tr.OK = ok != 0
		tr.Timestamp, _ = time.Parse(time.RFC3339, ts)
		run.Tools = append(run.Tools, tr)
	}
	return &run, tools.Err()
}

// Recent returns the newest runs first, without tool records.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, runSelect+` ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent runs: %w", err)
	}
	return scanRuns(rows)
}

// Summary returns aggregated counts for runs started within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	from := start.UTC().Format(time.RFC3339)
	to := end.UTC().Format(time.RFC3339)

	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0),
		        COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM runs WHERE started_at >= ? AND started_at < ?`,
		from, to,
	).Scan(&sum.Runs, &sum.Succeeded, &sum.InputTokens, &sum.OutputTokens)
	if err != nil {
		return nil, fmt.Errorf("query run summary: %w", err)
	}
	sum.Failed = sum.Runs - sum.Succeeded

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(1 - t.ok), 0)
		 FROM tool_results t JOIN runs r ON r.id = t.run_id
		 WHERE r.started_at >= ? AND r.started_at < ?`,
		from, to,
	).Scan(&sum.ToolCalls, &sum.ToolFailures)
	if err != nil {
		return nil, fmt.Errorf("query tool summary: %w", err)
	}
	return &sum, nil
}

const runSelect = `SELECT id, started_at, finished_at, COALESCE(user_id, ''), COALESCE(session_id, ''),
	COALESCE(channel, ''), COALESCE(model, ''), COALESCE(persona, ''), input, success,
	COALESCE(final_response, ''), COALESCE(error_category, ''), COALESCE(error, ''),
	iterations, input_tokens, output_tokens
	FROM runs`

func scanRuns(rows *sql.Rows) ([]Run, error) {
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		var started, finished string
		var success int
		if err := rows.Scan(&r.ID, &started, &finished, &r.UserID, &r.SessionID, &r.Channel,
			&r.Model, &r.Persona, &r.Input, &success, &r.FinalResponse, &r.ErrorCategory,
			&r.Error, &r.Iterations, &r.InputTokens, &r.OutputTokens); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Success = success != 0
		r.StartedAt, _ = time.Parse(time.RFC3339, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
