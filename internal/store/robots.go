package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpdateObservation records the external poller's latest reading of a
// robot's state. The core never calls this for itself in production; it
// exists so the robot-state-cache collaborator (§6) has somewhere to write,
// and so tests can seed robot state directly.
func (s *Store) UpdateObservation(ctx context.Context, obs RobotObservation) error {
	now := s.clock.Now()
	if obs.FreshAsOf.IsZero() {
		obs.FreshAsOf = now
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO robot_observations (robot_id, online, charging, emergency_stop, pos_x, pos_y, pos_yaw, fresh_as_of)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(robot_id) DO UPDATE SET
				online = excluded.online, charging = excluded.charging,
				emergency_stop = excluded.emergency_stop,
				pos_x = excluded.pos_x, pos_y = excluded.pos_y, pos_yaw = excluded.pos_yaw,
				fresh_as_of = excluded.fresh_as_of;
		`, obs.RobotID, obs.Online, obs.Charging, obs.EmergencyStop, obs.PosX, obs.PosY, obs.PosYaw, obs.FreshAsOf)
		return err
	})
}

// GetObservation returns the cached state for robot_id, or nil if the robot
// has never reported; robotstate treats a registered robot with no
// observation as permissive-unknown.
func (s *Store) GetObservation(ctx context.Context, robotID string) (*RobotObservation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT robot_id, online, charging, emergency_stop, pos_x, pos_y, pos_yaw, fresh_as_of
		FROM robot_observations WHERE robot_id = ?;
	`, robotID)
	var obs RobotObservation
	var online, charging, estop sql.NullBool
	if err := row.Scan(&obs.RobotID, &online, &charging, &estop, &obs.PosX, &obs.PosY, &obs.PosYaw, &obs.FreshAsOf); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get observation %s: %w", robotID, err)
	}
	if online.Valid {
		obs.Online = &online.Bool
	}
	if charging.Valid {
		obs.Charging = &charging.Bool
	}
	if estop.Valid {
		obs.EmergencyStop = &estop.Bool
	}
	return &obs, nil
}

// RunningRobotIDs returns the set of robot ids with a RUNNING workflow run,
// the sole source of the derived "busy" predicate (§9 design notes: busy
// is never a stored flag).
func (s *Store) RunningRobotIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT robot_id FROM workflow_runs WHERE status = ?;`, RunRunning)
	if err != nil {
		return nil, fmt.Errorf("query running robots: %w", err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}
