// Package sqlite persists evaluation records in a local SQLite file
// using a pure-Go driver. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/davin/nbot/eval"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements eval.Store backed by a local SQLite file. The full
// record is kept as JSON alongside the indexed columns, so record types
// can grow fields without schema migrations.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ eval.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the eval_records table and its indexes.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS eval_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		eval_type TEXT NOT NULL,
		timestamp REAL NOT NULL,
		notebook TEXT NOT NULL DEFAULT '',
		cell_index INTEGER NOT NULL DEFAULT -1,
		evaluator TEXT NOT NULL DEFAULT '',
		execution_duration REAL NOT NULL DEFAULT 0,
		is_success INTEGER NOT NULL DEFAULT 0,
		correct_score REAL NOT NULL DEFAULT 0,
		payload TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_eval_records_notebook ON eval_records(notebook)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_eval_records_type ON eval_records(eval_type)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Append stores one evaluation record.
func (s *Store) Append(rec eval.Record) error {
	return s.AppendContext(context.Background(), rec)
}

// AppendContext stores one evaluation record with a caller-supplied context.
func (s *Store) AppendContext(ctx context.Context, rec eval.Record) error {
	start := time.Now()

	payload, base, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	s.logger.Debug("sqlite: append record", "type", base.EvalType, "notebook", base.NotebookName, "cell_index", base.CellIndex)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO eval_records (eval_type, timestamp, notebook, cell_index, evaluator, execution_duration, is_success, correct_score, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(base.EvalType), base.Timestamp, base.NotebookName, base.CellIndex,
		base.Evaluator, base.ExecutionDuration, boolToInt(base.IsSuccess), base.CorrectScore, string(payload),
	)
	if err != nil {
		s.logger.Error("sqlite: append record failed", "type", base.EvalType, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append record: %w", err)
	}
	s.logger.Debug("sqlite: append record ok", "type", base.EvalType, "duration", time.Since(start))
	return nil
}

// Records returns the stored records for a notebook in insertion order.
// An empty notebook name returns every record.
func (s *Store) Records(ctx context.Context, notebook string) ([]eval.Record, error) {
	start := time.Now()
	s.logger.Debug("sqlite: load records", "notebook", notebook)

	query := `SELECT payload FROM eval_records`
	var args []any
	if notebook != "" {
		query += ` WHERE notebook = ?`
		args = append(args, notebook)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: load records failed", "notebook", notebook, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	var records []eval.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := decodeRecord([]byte(payload))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	s.logger.Debug("sqlite: load records ok", "notebook", notebook, "count", len(records), "duration", time.Since(start))
	return records, nil
}

// Notebooks returns the distinct notebook names with stored records,
// sorted alphabetically.
func (s *Store) Notebooks(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
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

// DB returns the underlying *sql.DB for sharing with Reporter.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeRecord marshals a record to its JSON payload and extracts the
// indexed columns shared by every record type.
func encodeRecord(rec eval.Record) ([]byte, eval.Base, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, eval.Base{}, fmt.Errorf("marshal record: %w", err)
	}
	var base eval.Base
	if err := json.Unmarshal(payload, &base); err != nil {
		return nil, eval.Base{}, fmt.Errorf("extract record columns: %w", err)
	}
	return payload, base, nil
}

// decodeRecord rebuilds a typed record from its JSON payload.
func decodeRecord(payload []byte) (eval.Record, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("parse record: %w", err)
	}
	return eval.Decode(m, func(v any) error { return json.Unmarshal(payload, v) })
}
