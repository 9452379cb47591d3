package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/hurttlocker/pestmap/internal/metrics"
)

// ErrDocumentNotFound is returned when a path is not in the worklist.
var ErrDocumentNotFound = eris.New("store: document not found")

const documentColumns = `id, path, name, processed, relevant, error, run_id, added_at, processed_at`

// EnqueueDocuments adds paths to the worklist. Paths already present keep
// their state. Returns the number of new documents.
func (s *SQLiteStore) EnqueueDocuments(ctx context.Context, paths []string) (int, error) {
	added := 0
	for i := 0; i < len(paths); i += s.batchSize {
		end := i + s.batchSize
		if end > len(paths) {
			end = len(paths)
		}
		n, err := s.enqueueBatch(ctx, paths[i:end])
		added += n
		if err != nil {
			return added, eris.Wrapf(err, "store: enqueue batch %d-%d", i, end)
		}
	}
	return added, nil
}

func (s *SQLiteStore) enqueueBatch(ctx context.Context, paths []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO documents (path, name) VALUES (?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	added := 0
	for _, p := range paths {
		res, err := stmt.ExecContext(ctx, p, filepath.Base(p))
		if err != nil {
			return 0, eris.Wrapf(err, "inserting %s", p)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

// PendingDocuments returns unprocessed documents in enqueue order.
// A limit of zero or less returns all of them.
func (s *SQLiteStore) PendingDocuments(ctx context.Context, limit int) ([]*Document, error) {
	return s.ListDocuments(ctx, ListOpts{State: StatePending, Limit: limit})
}

// GetDocument returns the worklist entry for path.
func (s *SQLiteStore) GetDocument(ctx context.Context, path string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE path = ?`, path)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrDocumentNotFound, path)
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: get document")
	}
	return d, nil
}

// ListDocuments lists worklist entries, optionally filtered by state.
func (s *SQLiteStore) ListDocuments(ctx context.Context, opts ListOpts) ([]*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	switch opts.State {
	case "":
	case StatePending:
		query += ` WHERE processed = 0`
	case StateProcessed:
		query += ` WHERE processed = 1`
	case StateRelevant:
		query += ` WHERE processed = 1 AND relevant = 1`
	case StateFailed:
		query += ` WHERE processed = 1 AND error != ''`
	default:
		return nil, eris.Errorf("store: unknown document state %q", opts.State)
	}
	query += ` ORDER BY id`

	args := []any{}
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	} else if opts.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: list documents")
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: scanning document")
		}
		docs = append(docs, d)
	}
	return docs, eris.Wrap(rows.Err(), "store: list documents")
}

// MarkProcessed records the outcome for path. Documents marked processed are
// not returned by PendingDocuments again until reset.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, path string, o Outcome) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET processed = 1, relevant = ?, error = ?, run_id = ?, processed_at = ? WHERE path = ?`,
		boolInt(o.Relevant), o.Error, o.RunID, time.Now().UTC(), path)
	if err != nil {
		return eris.Wrap(err, "store: mark processed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrap(ErrDocumentNotFound, path)
	}
	return nil
}

// ResetDocuments returns documents to the pending state. With no paths, every
// failed document is reset.
func (s *SQLiteStore) ResetDocuments(ctx context.Context, paths ...string) (int64, error) {
	const reset = `UPDATE documents SET processed = 0, relevant = 0, error = '', run_id = '', processed_at = NULL`
	var (
		res sql.Result
		err error
	)
	if len(paths) == 0 {
		res, err = s.db.ExecContext(ctx, reset+` WHERE processed = 1 AND error != ''`)
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(paths)), ",")
		args := make([]any, len(paths))
		for i, p := range paths {
			args[i] = p
		}
		res, err = s.db.ExecContext(ctx, reset+` WHERE path IN (`+placeholders+`)`, args...)
	}
	if err != nil {
		return 0, eris.Wrap(err, "store: reset documents")
	}
	return res.RowsAffected()
}

// WorklistCounts reports how many documents are in each state.
func (s *SQLiteStore) WorklistCounts(ctx context.Context) (metrics.WorklistCounts, error) {
	var c metrics.WorklistCounts
	err := s.db.QueryRowContext(ctx, `SELECT
			COALESCE(SUM(processed = 0), 0),
			COALESCE(SUM(processed = 1), 0),
			COALESCE(SUM(processed = 1 AND relevant = 1), 0),
			COALESCE(SUM(processed = 1 AND error != ''), 0)
		FROM documents`).Scan(&c.Pending, &c.Processed, &c.Relevant, &c.Failed)
	if err != nil {
		return c, eris.Wrap(err, "store: worklist counts")
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (*Document, error) {
	var (
		d                   Document
		processed, relevant int
		processedAt         sql.NullTime
	)
	if err := r.Scan(&d.ID, &d.Path, &d.Name, &processed, &relevant, &d.Error, &d.RunID, &d.AddedAt, &processedAt); err != nil {
		return nil, err
	}
	d.Processed = processed == 1
	d.Relevant = relevant == 1
	if processedAt.Valid {
		t := processedAt.Time
		d.ProcessedAt = &t
	}
	return &d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
