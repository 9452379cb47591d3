package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/hurttlocker/pestmap/internal/geo"
)

// LoadCache reads both lookup caches.
func (s *SQLiteStore) LoadCache(ctx context.Context) ([]geo.LocationEntry, []geo.RegionEntry, error) {
	var locs []geo.LocationEntry
	rows, err := s.db.QueryContext(ctx, `SELECT region, name, lat, lon FROM location_cache`)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: load location cache")
	}
	for rows.Next() {
		var e geo.LocationEntry
		if err := rows.Scan(&e.Region, &e.Name, &e.Point.Lat, &e.Point.Lon); err != nil {
			rows.Close()
			return nil, nil, eris.Wrap(err, "store: scanning location cache")
		}
		locs = append(locs, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, eris.Wrap(err, "store: load location cache")
	}

	var regs []geo.RegionEntry
	rows, err = s.db.QueryContext(ctx, `SELECT lat, lon, region FROM region_cache`)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: load region cache")
	}
	defer rows.Close()
	for rows.Next() {
		var e geo.RegionEntry
		if err := rows.Scan(&e.Point.Lat, &e.Point.Lon, &e.Region); err != nil {
			return nil, nil, eris.Wrap(err, "store: scanning region cache")
		}
		regs = append(regs, e)
	}
	return locs, regs, eris.Wrap(rows.Err(), "store: load region cache")
}

// SaveCache upserts cache entries in one transaction.
func (s *SQLiteStore) SaveCache(ctx context.Context, locs []geo.LocationEntry, regs []geo.RegionEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "store: save cache")
	}
	defer tx.Rollback()

	locStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO location_cache (region, name, lat, lon) VALUES (?, ?, ?, ?)
		 ON CONFLICT(region, name) DO UPDATE SET lat = excluded.lat, lon = excluded.lon, updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return eris.Wrap(err, "store: save cache")
	}
	defer locStmt.Close()
	for _, e := range locs {
		if _, err := locStmt.ExecContext(ctx, e.Region, e.Name, e.Point.Lat, e.Point.Lon); err != nil {
			return eris.Wrapf(err, "store: caching location %q", e.Name)
		}
	}

	regStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO region_cache (lat, lon, region) VALUES (?, ?, ?)
		 ON CONFLICT(lat, lon) DO UPDATE SET region = excluded.region, updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return eris.Wrap(err, "store: save cache")
	}
	defer regStmt.Close()
	for _, e := range regs {
		if _, err := regStmt.ExecContext(ctx, e.Point.Lat, e.Point.Lon, e.Region); err != nil {
			return eris.Wrapf(err, "store: caching region for %s", e.Point)
		}
	}
	return eris.Wrap(tx.Commit(), "store: save cache")
}
