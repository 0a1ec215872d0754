// Package postgres persists evaluation records in PostgreSQL. The full
// record is kept as a JSONB payload alongside indexed columns, so record
// types can grow fields without schema migrations.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/davin/nbot/eval"
)

// Store implements eval.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ eval.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the eval_records table and its indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS eval_records (
			id BIGSERIAL PRIMARY KEY,
			eval_type TEXT NOT NULL,
			ts DOUBLE PRECISION NOT NULL,
			notebook TEXT NOT NULL DEFAULT '',
			cell_index INTEGER NOT NULL DEFAULT -1,
			evaluator TEXT NOT NULL DEFAULT '',
			execution_duration DOUBLE PRECISION NOT NULL DEFAULT 0,
			is_success BOOLEAN NOT NULL DEFAULT FALSE,
			correct_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			payload JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_eval_records_notebook ON eval_records(notebook)`,
		`CREATE INDEX IF NOT EXISTS idx_eval_records_type ON eval_records(eval_type)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init eval_records: %w", err)
		}
	}
	return nil
}

// Append stores one evaluation record.
func (s *Store) Append(rec eval.Record) error {
	return s.AppendContext(context.Background(), rec)
}

// AppendContext stores one evaluation record with a caller-supplied context.
func (s *Store) AppendContext(ctx context.Context, rec eval.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	var base eval.Base
	if err := json.Unmarshal(payload, &base); err != nil {
		return fmt.Errorf("extract record columns: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO eval_records (eval_type, ts, notebook, cell_index, evaluator, execution_duration, is_success, correct_score, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(base.EvalType), base.Timestamp, base.NotebookName, base.CellIndex,
		base.Evaluator, base.ExecutionDuration, base.IsSuccess, base.CorrectScore, payload,
	)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// Records returns the stored records for a notebook in insertion order.
// An empty notebook name returns every record.
func (s *Store) Records(ctx context.Context, notebook string) ([]eval.Record, error) {
	query := `SELECT payload FROM eval_records`
	var args []any
	if notebook != "" {
		query += ` WHERE notebook = $1`
		args = append(args, notebook)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	var records []eval.Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var m map[string]any
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("parse record: %w", err)
		}
		rec, err := eval.Decode(m, func(v any) error { return json.Unmarshal(payload, v) })
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// Notebooks returns the distinct notebook names with stored records,
// sorted alphabetically.
func (s *Store) Notebooks(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT notebook FROM eval_records WHERE notebook != '' ORDER BY notebook`)
	if err != nil {
		return nil, fmt.Errorf("list notebooks: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan notebook: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Close satisfies eval.Store. The pool is caller-owned, so nothing is
// closed here.
func (s *Store) Close() error { return nil }
