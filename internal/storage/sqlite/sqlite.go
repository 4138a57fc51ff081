package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/sandcastle/internal/sandbox"
	"github.com/michaelbrown/sandcastle/internal/storage"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements storage.Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ storage.Store = (*SQLiteStore)(nil)

// Open creates or opens a SQLite database at the given path and runs migrations.
// Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// timeLayout has fixed width so started_at sorts as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const executionColumns = `id, environment_id, started_at, duration_ms, success,
	error_type, error_message, input_files, output_files`

func (s *SQLiteStore) RecordExecution(ctx context.Context, rec sandbox.ExecutionRecord) error {
	e := storage.FromRecord(rec)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EnvironmentID, e.StartedAt.Format(timeLayout), e.DurationMS, e.Success,
		e.ErrorType, e.ErrorMessage, e.InputFiles, e.OutputFiles,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*storage.Execution, error) {
	// Try exact match first, then prefix match
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	if e, err := scanExecution(row); err == nil {
		return e, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM executions WHERE id LIKE ? || '%'`, id)
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	defer rows.Close()

	var matches []*storage.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("execution not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous execution prefix %q matches %d executions", id, len(matches))
	}
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, opts storage.ListOptions) ([]storage.Execution, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1 = 1`
	var args []any

	switch opts.Status {
	case storage.StatusSucceeded:
		query += ` AND success = 1`
	case storage.StatusFailed:
		query += ` AND success = 0`
	case "":
	default:
		return nil, fmt.Errorf("unknown status filter %q", opts.Status)
	}
	if opts.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, opts.ErrorType)
	}

	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var execs []storage.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *e)
	}
	return execs, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{ByErrorType: map[string]int{}}
	var avg sql.NullFloat64
	var failed sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), AVG(duration_ms)
		FROM executions`).Scan(&stats.Total, &failed, &avg)
	if err != nil {
		return nil, fmt.Errorf("summarizing executions: %w", err)
	}
	stats.Failed = int(failed.Int64)
	stats.AvgDurationMS = avg.Float64

	rows, err := s.db.QueryContext(ctx, `
		SELECT error_type, COUNT(*) FROM executions
		WHERE error_type != '' GROUP BY error_type`)
	if err != nil {
		return nil, fmt.Errorf("grouping executions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		stats.ByErrorType[typ] = n
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE started_at < ?`,
		cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("pruning executions: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Scanner interface to work with both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (*storage.Execution, error) {
	var e storage.Execution
	var startedAt string
	err := s.Scan(&e.ID, &e.EnvironmentID, &startedAt, &e.DurationMS, &e.Success,
		&e.ErrorType, &e.ErrorMessage, &e.InputFiles, &e.OutputFiles)
	if err != nil {
		return nil, err
	}
	e.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	return &e, nil
}
