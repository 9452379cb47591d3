// Package store provides the SQLite storage layer for pestmap.
//
// Everything a run needs to resume lives in a single SQLite database file:
// - The document worklist with per-document outcome
// - Location and region lookup caches
// - Extracted outbreak records, tagged with the run that produced them
// - Run history
package store

import (
	"context"
	"database/sql"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/hurttlocker/pestmap/internal/geo"
	"github.com/hurttlocker/pestmap/internal/metrics"
	"github.com/hurttlocker/pestmap/internal/parse"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.pestmap/pestmap.db"

// DefaultBatchSize is the default batch size for bulk inserts.
const DefaultBatchSize = 500

// Document states accepted by ListOpts.State.
const (
	StatePending   = "pending"
	StateProcessed = "processed"
	StateRelevant  = "relevant"
	StateFailed    = "failed"
)

// Document is one worklist entry.
type Document struct {
	ID          int64      `json:"id"`
	Path        string     `json:"path"`
	Name        string     `json:"name"`
	Processed   bool       `json:"processed"`
	Relevant    bool       `json:"relevant"`
	Error       string     `json:"error,omitempty"`
	RunID       string     `json:"run_id,omitempty"`
	AddedAt     time.Time  `json:"added_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Outcome is what a run learned about one document.
type Outcome struct {
	RunID    string
	Relevant bool
	Error    string
}

// ListOpts controls pagination and filtering for ListDocuments.
type ListOpts struct {
	Limit  int
	Offset int
	State  string // "", "pending", "processed", "relevant", "failed"
}

// Run is one pass over the worklist.
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Documents  int        `json:"documents"`
	Records    int        `json:"records"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// RunSummary is recorded when a run finishes.
type RunSummary struct {
	Documents int
	Records   int
	Output    string
	Error     string
}

// StoreStats holds table sizes.
type StoreStats struct {
	DocumentCount int64 `json:"documents"`
	RecordCount   int64 `json:"records"`
	LocationCount int64 `json:"cached_locations"`
	RegionCount   int64 `json:"cached_regions"`
	RunCount      int64 `json:"runs"`
	DBSizeBytes   int64 `json:"db_size_bytes"`
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath    string
	BatchSize int
}

// Store defines the storage interface.
type Store interface {
	// Worklist
	EnqueueDocuments(ctx context.Context, paths []string) (int, error)
	PendingDocuments(ctx context.Context, limit int) ([]*Document, error)
	GetDocument(ctx context.Context, path string) (*Document, error)
	ListDocuments(ctx context.Context, opts ListOpts) ([]*Document, error)
	MarkProcessed(ctx context.Context, path string, o Outcome) error
	ResetDocuments(ctx context.Context, paths ...string) (int64, error)
	WorklistCounts(ctx context.Context) (metrics.WorklistCounts, error)

	// Records
	SaveRecords(ctx context.Context, runID string, recs []parse.OutbreakRecord) error
	Records(ctx context.Context, runID string) ([]parse.OutbreakRecord, error)

	// Lookup caches
	LoadCache(ctx context.Context) ([]geo.LocationEntry, []geo.RegionEntry, error)
	SaveCache(ctx context.Context, locs []geo.LocationEntry, regs []geo.RegionEntry) error

	// Runs
	StartRun(ctx context.Context, id string) error
	FinishRun(ctx context.Context, id string, sum RunSummary) error
	ListRuns(ctx context.Context, limit int) ([]*Run, error)

	// Observability
	Stats(ctx context.Context) (*StoreStats, error)

	// Maintenance
	Vacuum(ctx context.Context) error
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	dbPath    string
	batchSize int
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}
	cfg.DBPath = expandPath(cfg.DBPath)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, eris.Wrap(err, "store: creating db directory")
		}
	}

	db, err := sql.Open("sqlite", dsn(cfg.DBPath))
	if err != nil {
		return nil, eris.Wrap(err, "store: opening database")
	}
	// every connection to ":memory:" is a separate database
	if cfg.DBPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "store: pinging database")
	}

	s := &SQLiteStore{
		db:        db,
		dbPath:    cfg.DBPath,
		batchSize: cfg.BatchSize,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "store: running migrations")
	}
	return s, nil
}

// connPragmas are applied by the driver to every pooled connection.
// busy_timeout and foreign_keys are per-connection settings.
var connPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"foreign_keys(1)",
}

// dsn adds the connection pragmas to path. Write transactions take the
// write lock at BEGIN so concurrent writers wait instead of failing.
func dsn(path string) string {
	q := url.Values{}
	for _, p := range connPragmas {
		q.Add("_pragma", p)
	}
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

// Stats returns row counts per table and, for file databases, the file size.
func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	stats := &StoreStats{}
	queries := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM documents", &stats.DocumentCount},
		{"SELECT COUNT(*) FROM records", &stats.RecordCount},
		{"SELECT COUNT(*) FROM location_cache", &stats.LocationCount},
		{"SELECT COUNT(*) FROM region_cache", &stats.RegionCount},
		{"SELECT COUNT(*) FROM runs", &stats.RunCount},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, eris.Wrapf(err, "store: querying stats (%s)", q.query)
		}
	}

	if s.dbPath != ":memory:" {
		var pageCount, pageSize int64
		s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
		s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		stats.DBSizeBytes = pageCount * pageSize
	}
	return stats, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vacuum runs VACUUM on the database. Manual only, never automatic.
func (s *SQLiteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return eris.Wrap(err, "store: vacuum")
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
