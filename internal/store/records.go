package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/hurttlocker/pestmap/internal/parse"
)

// SaveRecords appends recs to the records of runID. The run must exist.
func (s *SQLiteStore) SaveRecords(ctx context.Context, runID string, recs []parse.OutbreakRecord) error {
	for i := 0; i < len(recs); i += s.batchSize {
		end := i + s.batchSize
		if end > len(recs) {
			end = len(recs)
		}
		if err := s.insertRecords(ctx, runID, recs[i:end]); err != nil {
			return eris.Wrapf(err, "store: save records %d-%d", i, end)
		}
	}
	return nil
}

func (s *SQLiteStore) insertRecords(ctx context.Context, runID string, recs []parse.OutbreakRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (run_id, area, lat, lon, year, status, file_name, study, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		if _, err := stmt.ExecContext(ctx, runID, r.Area, r.Latitude, r.Longitude, r.Year,
			r.Status.Code(), r.FileName, r.StudyID, r.Source); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Records returns the records of runID in insertion order.
func (s *SQLiteStore) Records(ctx context.Context, runID string) ([]parse.OutbreakRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT area, lat, lon, year, status, file_name, study, source
		 FROM records WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "store: records")
	}
	defer rows.Close()

	var recs []parse.OutbreakRecord
	for rows.Next() {
		var (
			r      parse.OutbreakRecord
			status int
		)
		if err := rows.Scan(&r.Area, &r.Latitude, &r.Longitude, &r.Year, &status, &r.FileName, &r.StudyID, &r.Source); err != nil {
			return nil, eris.Wrap(err, "store: scanning record")
		}
		r.Status = parse.Status(status)
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "store: records")
}
