package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Reporter aggregates stored evaluation records into per-notebook
// summaries using SQL, without loading the records into memory.
//
// Like Store, Reporter accepts an externally-owned pool. It is safe to
// share the same pool between Store and Reporter.
type Reporter struct {
	pool *pgxpool.Pool
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

// NewReporter creates a Reporter using an existing pgxpool.Pool.
func NewReporter(pool *pgxpool.Pool) *Reporter {
	return &Reporter{pool: pool}
}

const summaryQuery = `SELECT
		notebook,
		COUNT(*),
		COUNT(*) FILTER (WHERE eval_type = 'STAGE'),
		COUNT(*) FILTER (WHERE eval_type = 'FLOW'),
		AVG(CASE WHEN is_success THEN 1.0 ELSE 0.0 END),
		AVG(correct_score),
		AVG(execution_duration)
	FROM eval_records`

// Summarize returns one summary per notebook, sorted by notebook name.
func (r *Reporter) Summarize(ctx context.Context) ([]Summary, error) {
	rows, err := r.pool.Query(ctx, summaryQuery+` GROUP BY notebook ORDER BY notebook`)
	if err != nil {
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
	return summaries, nil
}

// SummarizeNotebook returns the aggregate for a single notebook. The
// second return value is false when the notebook has no records.
func (r *Reporter) SummarizeNotebook(ctx context.Context, notebook string) (Summary, bool, error) {
	var s Summary
	err := r.pool.QueryRow(ctx, summaryQuery+` WHERE notebook = $1 GROUP BY notebook`, notebook).
		Scan(&s.Notebook, &s.Records, &s.Stages, &s.Flows,
			&s.SuccessRate, &s.MeanCorrect, &s.MeanDuration)
	if errors.Is(err, pgx.ErrNoRows) {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, fmt.Errorf("summarize notebook: %w", err)
	}
	return s, true, nil
}
