package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// schemaVersion is bumped whenever a migration step is appended.
const schemaVersion = "2"

// migrate creates all tables if they don't exist and seeds metadata.
func (s *SQLiteStore) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return eris.Wrap(err, "checking bootstrap state")
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	if err := s.seedMeta(); err != nil {
		return eris.Wrap(err, "seeding metadata")
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return eris.Wrap(err, "marking bootstrap complete")
		}
	}

	// Schema evolution: study id from per-document overrides (schema 2)
	if err := s.migrateRecordStudyColumn(); err != nil {
		return eris.Wrap(err, "migrating records.study column")
	}
	return nil
}

func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// Worklist: one row per input file
		`CREATE TABLE IF NOT EXISTS documents (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			path         TEXT UNIQUE NOT NULL,
			name         TEXT NOT NULL,
			processed    INTEGER NOT NULL DEFAULT 0,
			relevant     INTEGER NOT NULL DEFAULT 0,
			error        TEXT NOT NULL DEFAULT '',
			run_id       TEXT NOT NULL DEFAULT '',
			added_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
			processed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_processed ON documents(processed, id)`,

		// Location cache, scoped by the general region it was resolved under
		`CREATE TABLE IF NOT EXISTS location_cache (
			region     TEXT NOT NULL,
			name       TEXT NOT NULL,
			lat        REAL NOT NULL,
			lon        REAL NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (region, name)
		)`,

		`CREATE TABLE IF NOT EXISTS region_cache (
			lat        REAL NOT NULL,
			lon        REAL NOT NULL,
			region     TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (lat, lon)
		)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			started_at  DATETIME NOT NULL,
			finished_at DATETIME,
			documents   INTEGER NOT NULL DEFAULT 0,
			records     INTEGER NOT NULL DEFAULT 0,
			output      TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS records (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id    TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			area      TEXT NOT NULL,
			lat       REAL NOT NULL,
			lon       REAL NOT NULL,
			year      INTEGER NOT NULL,
			status    INTEGER NOT NULL,
			file_name TEXT NOT NULL,
			source    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_run ON records(run_id, id)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return eris.Wrap(err, "beginning bootstrap transaction")
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return eris.Wrapf(err, "executing migration %q", firstLine(stmt))
		}
	}
	return eris.Wrap(tx.Commit(), "committing bootstrap")
}

func (s *SQLiteStore) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return value == "true", nil
}

func (s *SQLiteStore) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}

func (s *SQLiteStore) seedMeta() error {
	defaults := map[string]string{
		"schema_version": schemaVersion,
		"created_at":     time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range defaults {
		if _, err := s.db.Exec("INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", k, v); err != nil {
			return eris.Wrapf(err, "seeding meta key %q", k)
		}
	}
	return nil
}

// migrateRecordStudyColumn adds the study column to records. Databases created
// before per-document overrides existed lack it.
func (s *SQLiteStore) migrateRecordStudyColumn() error {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('records') WHERE name='study'",
	).Scan(&count)
	if err != nil {
		return eris.Wrap(err, "checking for study column")
	}
	if count > 0 {
		return nil
	}
	if _, err := s.db.Exec("ALTER TABLE records ADD COLUMN study TEXT NOT NULL DEFAULT ''"); err != nil && !isDuplicateColumnError(err) {
		return eris.Wrap(err, "adding study column")
	}
	_, err = s.db.Exec("UPDATE meta SET value = ? WHERE key = 'schema_version'", schemaVersion)
	return err
}

func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "duplicate column name")
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}
