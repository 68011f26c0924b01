package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/code-sandbox/internal/apperror"
	"github.com/sakif/code-sandbox/internal/model"
	"github.com/sakif/code-sandbox/internal/repository"
)

var _ repository.ExecutionRepository = (*DB)(nil)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Create inserts exec. An empty ID or zero CreatedAt is filled in.
func (db *DB) Create(ctx context.Context, exec *model.Execution) error {
	if exec.ID == "" {
		exec.ID = xid.New().String()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now()
	}
	// stored as text; one zone keeps ORDER BY created_at chronological
	exec.CreatedAt = exec.CreatedAt.UTC()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO executions (id, language, outcome, exit_code, duration_ms, output_bytes, truncated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.Language,
		exec.Outcome,
		exec.ExitCode,
		exec.DurationMS,
		exec.OutputBytes,
		exec.Truncated,
		exec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: creating execution: %w", err)
	}
	return nil
}

func (db *DB) GetByID(ctx context.Context, id string) (*model.Execution, error) {
	var e model.Execution
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, language, outcome, exit_code, duration_ms, output_bytes, truncated, created_at
		 FROM executions
		 WHERE id = ?`,
		id,
	).Scan(&e.ID, &e.Language, &e.Outcome, &e.ExitCode, &e.DurationMS, &e.OutputBytes, &e.Truncated, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("execution", id)
		}
		return nil, fmt.Errorf("sqlite: getting execution %s: %w", id, err)
	}
	return &e, nil
}

// List returns executions newest first. Limit is clamped to [1, 100].
func (db *DB) List(ctx context.Context, opts repository.ListOptions) ([]model.Execution, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset := max(opts.Offset, 0)

	query := `SELECT id, language, outcome, exit_code, duration_ms, output_bytes, truncated, created_at
		 FROM executions`
	args := []any{}
	if opts.Language != "" {
		query += ` WHERE language = ?`
		args = append(args, opts.Language)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing executions: %w", err)
	}
	defer rows.Close()

	execs := make([]model.Execution, 0, limit)
	for rows.Next() {
		var e model.Execution
		if err := rows.Scan(&e.ID, &e.Language, &e.Outcome, &e.ExitCode, &e.DurationMS, &e.OutputBytes, &e.Truncated, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning execution row: %w", err)
		}
		execs = append(execs, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating executions: %w", err)
	}
	return execs, nil
}
