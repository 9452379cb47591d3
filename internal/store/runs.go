package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
)

// StartRun records the start of run id.
func (s *SQLiteStore) StartRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs (id, started_at) VALUES (?, ?)`, id, time.Now().UTC())
	return eris.Wrap(err, "store: start run")
}

// FinishRun records the summary of run id.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, sum RunSummary) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, documents = ?, records = ?, output = ?, error = ? WHERE id = ?`,
		time.Now().UTC(), sum.Documents, sum.Records, sum.Output, sum.Error, id)
	if err != nil {
		return eris.Wrap(err, "store: finish run")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Errorf("store: run %s not found", id)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, documents, records, output, error
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			r        Run
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &r.Documents, &r.Records, &r.Output, &r.Error); err != nil {
			return nil, eris.Wrap(err, "store: scanning run")
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, &r)
	}
	return runs, eris.Wrap(rows.Err(), "store: list runs")
}
