package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// ReporterOption configures a SQLite Reporter.
type ReporterOption func(*Reporter)

// WithReporterLogger sets a structured logger for the reporter.
// When set, the reporter emits debug logs for every query including
// timing and row counts. If not set, no logs are emitted.
func WithReporterLogger(l *slog.Logger) ReporterOption {
	return func(r *Reporter) { r.logger = l }
}

// Reporter aggregates stored evaluation records into per-notebook
// summaries using SQL, without loading the records into memory.
//
// Use NewReporter with a shared *sql.DB from Store.DB() so both
// Store and Reporter share the same serialized connection.
type Reporter struct {
	db     *sql.DB
	logger *slog.Logger
}

// Summary is the aggregate of one notebook's evaluation records.
type Summary struct {
	Notebook     string
	Records      int
	Stages       int
	Flows        int
	SuccessRate  float64
	MeanCorrect  float64
	MeanDuration float64
}

// NewReporter creates a Reporter using an existing *sql.DB.
// Pass store.DB() to share the same connection as Store.
func NewReporter(db *sql.DB, opts ...ReporterOption) *Reporter {
	r := &Reporter{db: db, logger: nopLogger}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Summarize returns one summary per notebook, sorted by notebook name.
func (r *Reporter) Summarize(ctx context.Context) ([]Summary, error) {
	start := time.Now()
	r.logger.Debug("sqlite: summarize records")

	rows, err := r.db.QueryContext(ctx, `SELECT
			notebook,
			COUNT(*),
			SUM(CASE WHEN eval_type = 'STAGE' THEN 1 ELSE 0 END),
			SUM(CASE WHEN eval_type = 'FLOW' THEN 1 ELSE 0 END),
			AVG(is_success),
			AVG(correct_score),
			AVG(execution_duration)
		FROM eval_records
		GROUP BY notebook
		ORDER BY notebook`)
	if err != nil {
		r.logger.Error("sqlite: summarize failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("summarize records: %w", err)
	}
	defer rows.Close()

	var summaries []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.Notebook, &s.Records, &s.Stages, &s.Flows,
			&s.SuccessRate, &s.MeanCorrect, &s.MeanDuration); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	r.logger.Debug("sqlite: summarize ok", "notebooks", len(summaries), "duration", time.Since(start))
	return summaries, nil
}

// SummarizeNotebook returns the aggregate for a single notebook. The
// second return value is false when the notebook has no records.
func (r *Reporter) SummarizeNotebook(ctx context.Context, notebook string) (Summary, bool, error) {
	var s Summary
	err := r.db.QueryRowContext(ctx, `SELECT
			notebook,
			COUNT(*),
			SUM(CASE WHEN eval_type = 'STAGE' THEN 1 ELSE 0 END),
			SUM(CASE WHEN eval_type = 'FLOW' THEN 1 ELSE 0 END),
			AVG(is_success),
			AVG(correct_score),
			AVG(execution_duration)
		FROM eval_records
		WHERE notebook = ?
		GROUP BY notebook`, notebook).
		Scan(&s.Notebook, &s.Records, &s.Stages, &s.Flows,
			&s.SuccessRate, &s.MeanCorrect, &s.MeanDuration)
	if err == sql.ErrNoRows {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, fmt.Errorf("summarize notebook: %w", err)
	}
	return s, true, nil
}
