// Package sqlite provides a single-node run.Store and runlog.Store backend
// over modernc.org/sqlite, for deployments that don't need a separately
// operated database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowlayer/workflow/ids"
	"github.com/flowlayer/workflow/run"
	"github.com/flowlayer/workflow/runlog"
)

// Store is a sqlite-backed run.Store and runlog.Store pair sharing one
// connection. SQLite serializes writes regardless of connection count, so
// the pool is pinned to a single connection the way a single-node backend
// normally would be.
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// Config configures the sqlite connection.
type Config struct {
	// Path is the database file path (or ":memory:" for a private,
	// in-process database).
	Path string
	// WAL enables write-ahead logging for concurrent readers.
	WAL bool
	// Clock overrides the source of event CreatedAt timestamps, letting
	// tests control them deterministically. Defaults to time.Now.
	Clock func() time.Time
}

// Open opens (creating if necessary) a sqlite database at cfg.Path and runs
// its migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: connect: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Store{db: db, clock: clock}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error_message TEXT,
			error_stack TEXT,
			execution_context TEXT,
			spec_version INTEGER NOT NULL DEFAULT 2,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			expired_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow_name ON runs(workflow_name)`,
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			run_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			correlation_id TEXT,
			spec_version INTEGER NOT NULL DEFAULT 2,
			event_data TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id_seq ON events(run_id, seq)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("sqlite: migration failed: %w", err)
		}
	}
	return nil
}

// Runs returns the run.Store view of s.
func (s *Store) Runs() run.Store { return runStore{s} }

// Events returns the runlog.Store view of s.
func (s *Store) Events() runlog.Store { return eventStore{s} }

type runStore struct{ s *Store }

func (r runStore) Create(ctx context.Context, rec *run.Run) error {
	executionContext, err := marshalMap(rec.ExecutionContext)
	if err != nil {
		return fmt.Errorf("sqlite: marshal execution context: %w", err)
	}
	_, err = r.s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, workflow_name, status, input, output, error_message, error_stack,
			execution_context, spec_version, created_at, started_at, completed_at, expired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.WorkflowName, string(rec.Status), nullRaw(rec.Input), nullRaw(rec.Output),
		failureMessage(rec.Error), failureStack(rec.Error), nullString(executionContext),
		rec.SpecVersion, formatTime(rec.CreatedAt), formatTimePtr(rec.StartedAt),
		formatTimePtr(rec.CompletedAt), formatTimePtr(rec.ExpiredAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return run.ErrConflict
		}
		return fmt.Errorf("sqlite: create run: %w", err)
	}
	return nil
}

func (r runStore) Get(ctx context.Context, runID string) (*run.Run, error) {
	row := r.s.db.QueryRowContext(ctx, `
		SELECT run_id, workflow_name, status, input, output, error_message, error_stack,
			execution_context, spec_version, created_at, started_at, completed_at, expired_at
		FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, run.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get run %s: %w", runID, err)
	}
	return rec, nil
}

func (r runStore) Update(ctx context.Context, runID string, patch func(*run.Run)) (*run.Run, error) {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin update tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx, `
		SELECT run_id, workflow_name, status, input, output, error_message, error_stack,
			execution_context, spec_version, created_at, started_at, completed_at, expired_at
		FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, run.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: update: load run %s: %w", runID, err)
	}

	patch(rec)

	executionContext, err := marshalMap(rec.ExecutionContext)
	if err != nil {
		return nil, fmt.Errorf("sqlite: marshal execution context: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET workflow_name=?, status=?, input=?, output=?, error_message=?, error_stack=?,
			execution_context=?, spec_version=?, started_at=?, completed_at=?, expired_at=?
		WHERE run_id=?`,
		rec.WorkflowName, string(rec.Status), nullRaw(rec.Input), nullRaw(rec.Output),
		failureMessage(rec.Error), failureStack(rec.Error), nullString(executionContext),
		rec.SpecVersion, formatTimePtr(rec.StartedAt), formatTimePtr(rec.CompletedAt),
		formatTimePtr(rec.ExpiredAt), runID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: update run %s: %w", runID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit update for run %s: %w", runID, err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*run.Run, error) {
	var rec run.Run
	var status string
	var input, output, executionContext sql.NullString
	var errorMessage, errorStack sql.NullString
	var createdAt string
	var startedAt, completedAt, expiredAt sql.NullString

	if err := row.Scan(&rec.RunID, &rec.WorkflowName, &status, &input, &output, &errorMessage,
		&errorStack, &executionContext, &rec.SpecVersion, &createdAt, &startedAt, &completedAt,
		&expiredAt); err != nil {
		return nil, err
	}

	rec.Status = run.Status(status)
	if input.Valid {
		rec.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		rec.Output = json.RawMessage(output.String)
	}
	if errorMessage.Valid {
		rec.Error = &run.Failure{Message: errorMessage.String, Stack: errorStack.String}
	}
	if executionContext.Valid && executionContext.String != "" {
		m := map[string]string{}
		if err := json.Unmarshal([]byte(executionContext.String), &m); err != nil {
			return nil, fmt.Errorf("unmarshal execution context: %w", err)
		}
		rec.ExecutionContext = m
	}
	rec.CreatedAt = mustParseTime(createdAt)
	rec.StartedAt = parseTimeNullable(startedAt)
	rec.CompletedAt = parseTimeNullable(completedAt)
	rec.ExpiredAt = parseTimeNullable(expiredAt)
	return &rec, nil
}

type eventStore struct{ s *Store }

func (e eventStore) Append(ctx context.Context, ev *runlog.Event) error {
	if ev.ID == "" {
		ev.ID = ids.New(ids.PrefixEvent)
	}
	ev.CreatedAt = e.s.clock()
	_, err := e.s.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, event_type, correlation_id, spec_version, event_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, string(ev.EventType), nullString(ev.CorrelationID), ev.SpecVersion,
		nullRaw(ev.EventData), formatTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append event for run %s: %w", ev.RunID, err)
	}
	return nil
}

// AppendAndTransition implements runlog.Store. It inserts ev and updates
// runID's run row within the same transaction, so a crash between the two
// writes is impossible: either both land or neither does.
func (e eventStore) AppendAndTransition(ctx context.Context, ev *runlog.Event, runID string, mutate func(*run.Run)) (*run.Run, error) {
	if ev.ID == "" {
		ev.ID = ids.New(ids.PrefixEvent)
	}
	ev.CreatedAt = e.s.clock()

	tx, err := e.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin append-and-transition tx for run %s: %w", runID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, run_id, event_type, correlation_id, spec_version, event_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.RunID, string(ev.EventType), nullString(ev.CorrelationID), ev.SpecVersion,
		nullRaw(ev.EventData), formatTime(ev.CreatedAt),
	); err != nil {
		return nil, fmt.Errorf("sqlite: append-and-transition: insert event for run %s: %w", runID, err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT run_id, workflow_name, status, input, output, error_message, error_stack,
			execution_context, spec_version, created_at, started_at, completed_at, expired_at
		FROM runs WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, run.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: append-and-transition: load run %s: %w", runID, err)
	}

	mutate(rec)

	executionContext, err := marshalMap(rec.ExecutionContext)
	if err != nil {
		return nil, fmt.Errorf("sqlite: marshal execution context: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET workflow_name=?, status=?, input=?, output=?, error_message=?, error_stack=?,
			execution_context=?, spec_version=?, started_at=?, completed_at=?, expired_at=?
		WHERE run_id=?`,
		rec.WorkflowName, string(rec.Status), nullRaw(rec.Input), nullRaw(rec.Output),
		failureMessage(rec.Error), failureStack(rec.Error), nullString(executionContext),
		rec.SpecVersion, formatTimePtr(rec.StartedAt), formatTimePtr(rec.CompletedAt),
		formatTimePtr(rec.ExpiredAt), runID,
	); err != nil {
		return nil, fmt.Errorf("sqlite: append-and-transition: update run %s: %w", runID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: append-and-transition: commit for run %s: %w", runID, err)
	}
	return rec, nil
}

func (e eventStore) List(ctx context.Context, runID, cursor string, limit int) (runlog.Page, error) {
	afterSeq := int64(0)
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return runlog.Page{}, fmt.Errorf("sqlite: malformed cursor %q: %w", cursor, err)
		}
		afterSeq = v
	}
	query := `SELECT seq, id, run_id, event_type, correlation_id, spec_version, event_data, created_at
		FROM events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{runID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := e.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return runlog.Page{}, fmt.Errorf("sqlite: list events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var page runlog.Page
	var lastSeq int64
	for rows.Next() {
		var seq int64
		var ev runlog.Event
		var eventType string
		var correlationID, eventData sql.NullString
		var createdAt string
		if err := rows.Scan(&seq, &ev.ID, &ev.RunID, &eventType, &correlationID, &ev.SpecVersion,
			&eventData, &createdAt); err != nil {
			return runlog.Page{}, fmt.Errorf("sqlite: scan event: %w", err)
		}
		ev.EventType = runlog.EventType(eventType)
		if correlationID.Valid {
			ev.CorrelationID = correlationID.String
		}
		if eventData.Valid {
			ev.EventData = json.RawMessage(eventData.String)
		}
		ev.CreatedAt = mustParseTime(createdAt)
		page.Events = append(page.Events, &ev)
		lastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return runlog.Page{}, fmt.Errorf("sqlite: iterate events for run %s: %w", runID, err)
	}
	if limit > 0 && len(page.Events) == limit {
		page.NextCursor = strconv.FormatInt(lastSeq, 10)
	}
	return page, nil
}

func (e eventStore) All(ctx context.Context, runID string) ([]*runlog.Event, error) {
	var out []*runlog.Event
	cursor := ""
	for {
		page, err := e.List(ctx, runID, cursor, 500)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Events...)
		if page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

func marshalMap(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func failureMessage(f *run.Failure) sql.NullString {
	if f == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: f.Message, Valid: true}
}

func failureStack(f *run.Failure) sql.NullString {
	if f == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: f.Stack, Valid: true}
}

func nullString(v any) sql.NullString {
	switch t := v.(type) {
	case string:
		if t == "" {
			return sql.NullString{}
		}
		return sql.NullString{String: t, Valid: true}
	case []byte:
		if len(t) == 0 {
			return sql.NullString{}
		}
		return sql.NullString{String: string(t), Valid: true}
	default:
		return sql.NullString{}
	}
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func mustParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimeNullable(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	return mustParseTime(s.String)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
