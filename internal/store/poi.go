package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertPOI records a resolved POI position, keyed by (target_kind,
// target_ref). Grounded on original_source's app/poi_cache: a concrete
// default implementation of the POI-mapping collaborator §4.4 calls out as
// external, so the planner has something to resolve against in v0.
func (s *Store) UpsertPOI(ctx context.Context, entry POIEntry) error {
	now := s.clock.Now()
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = now
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO poi_cache (target_kind, target_ref, area_id, x, y, yaw, raw_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(target_kind, target_ref) DO UPDATE SET
				area_id = excluded.area_id, x = excluded.x, y = excluded.y, yaw = excluded.yaw,
				raw_json = excluded.raw_json, updated_at = excluded.updated_at;
		`, entry.TargetKind, entry.TargetRef, entry.AreaID, entry.X, entry.Y, entry.Yaw, entry.RawJSON, entry.UpdatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert poi %s/%s: %w", entry.TargetKind, entry.TargetRef, err)
	}
	s.publish("poi.cache_updated", entry)
	return nil
}

// ResolvePOI looks up a cached POI resolution, returning nil if none exists
// (the planner treats that as plan-time resolution failure, §4.4).
func (s *Store) ResolvePOI(ctx context.Context, targetKind, targetRef string) (*POIEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT target_kind, target_ref, area_id, x, y, yaw, raw_json, updated_at
		FROM poi_cache WHERE target_kind = ? AND target_ref = ?;
	`, targetKind, targetRef)
	var e POIEntry
	if err := row.Scan(&e.TargetKind, &e.TargetRef, &e.AreaID, &e.X, &e.Y, &e.Yaw, &e.RawJSON, &e.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve poi %s/%s: %w", targetKind, targetRef, err)
	}
	return &e, nil
}
