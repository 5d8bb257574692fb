// Package store keeps a history of result rows in PostgreSQL so verdicts can
// be compared across runs.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formprobe/internal/reconcile"
	"github.com/xkilldash9x/formprobe/internal/results"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    input_path TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS result_rows (
    run_id TEXT NOT NULL REFERENCES runs (id),
    row_index INTEGER NOT NULL,
    url TEXT NOT NULL,
    result TEXT NOT NULL,
    overall TEXT NOT NULL,
    notes TEXT NOT NULL,
    form_source TEXT NOT NULL,
    form_submission_id TEXT NOT NULL,
    full_url TEXT NOT NULL,
    params JSONB NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    duration_ms BIGINT NOT NULL,
    PRIMARY KEY (run_id, row_index)
);`

const insertRunSQL = `INSERT INTO runs (id, input_path, started_at) VALUES ($1, $2, $3)`

const insertRowSQL = `
INSERT INTO result_rows (run_id, row_index, url, result, overall, notes, form_source, form_submission_id, full_url, params, started_at, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (run_id, row_index) DO UPDATE SET
    result = EXCLUDED.result,
    overall = EXCLUDED.overall,
    notes = EXCLUDED.notes,
    params = EXCLUDED.params,
    duration_ms = EXCLUDED.duration_ms`

const historySQL = `
SELECT run_id, row_index, result, overall, notes, started_at
FROM result_rows
WHERE url = $1
ORDER BY started_at DESC
LIMIT $2`

var rowColumns = []string{
	"run_id", "row_index", "url", "result", "overall", "notes", "form_source",
	"form_submission_id", "full_url", "params", "started_at", "duration_ms",
}

// HistoryEntry is one past verdict for a URL.
type HistoryEntry struct {
	RunID     string
	Index     int
	Result    reconcile.Verdict
	Overall   reconcile.Verdict
	Notes     string
	StartedAt time.Time
}

// Store provides PostgreSQL persistence for result rows.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// EnsureSchema creates the tables when they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// StartRun records a batch run and returns a sink writing rows under it.
func (s *Store) StartRun(ctx context.Context, runID, inputPath string, startedAt time.Time) (*RunSink, error) {
	if _, err := s.pool.Exec(ctx, insertRunSQL, runID, inputPath, startedAt.UTC()); err != nil {
		return nil, fmt.Errorf("failed to insert run: %w", err)
	}
	return &RunSink{store: s, runID: runID}, nil
}

// PersistRows bulk-loads rows of a finished run in one transaction.
func (s *Store) PersistRows(ctx context.Context, runID string, rows []results.Row) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	src := make([][]interface{}, len(rows))
	for i := range rows {
		args, err := rowArgs(runID, &rows[i])
		if err != nil {
			return err
		}
		src[i] = args
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{"result_rows"}, rowColumns, pgx.CopyFromRows(src))
	if err != nil {
		return fmt.Errorf("failed to copy result rows: %w", err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("mismatch in copied rows count: expected %d, got %d", len(rows), n)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// History returns the latest verdicts recorded for url, newest first.
func (s *Store) History(ctx context.Context, url string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, historySQL, url, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			e               HistoryEntry
			result, overall string
		)
		if err := rows.Scan(&e.RunID, &e.Index, &result, &overall, &e.Notes, &e.StartedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.Result = reconcile.Verdict(result)
		e.Overall = reconcile.Verdict(overall)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

// RunSink writes rows of one run as they finish.
type RunSink struct {
	store *Store
	runID string
}

// RunID returns the id rows are written under.
func (r *RunSink) RunID() string { return r.runID }

// Write upserts a single row.
func (r *RunSink) Write(ctx context.Context, row results.Row) error {
	args, err := rowArgs(r.runID, &row)
	if err != nil {
		return err
	}
	if _, err := r.store.pool.Exec(ctx, insertRowSQL, args...); err != nil {
		return fmt.Errorf("failed to insert result row %d: %w", row.Index, err)
	}
	return nil
}

func rowArgs(runID string, r *results.Row) ([]interface{}, error) {
	params := r.Params
	if params == nil {
		params = map[string]string{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params of row %d: %w", r.Index, err)
	}
	return []interface{}{
		runID,
		r.Index,
		r.URL,
		string(r.Result),
		string(r.Overall),
		r.Notes,
		r.FormSource,
		r.FormSubmissionID,
		r.FullURL,
		b,
		r.StartedAt.UTC(),
		r.Duration.Milliseconds(),
	}, nil
}
