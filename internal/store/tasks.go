package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateTask inserts a new task. Status is computed from releaseAt: PENDING
// if it is set and in the future, else READY — matching the original's
// permissive "no release time promotes immediately" behavior (see
// DESIGN.md open-question decision).
func (s *Store) CreateTask(ctx context.Context, kind TaskKind, title, targetKind, targetRef string, releaseAt *time.Time) (*Task, error) {
	now := s.clock.Now()
	status := TaskReady
	if releaseAt != nil && releaseAt.After(now) {
		status = TaskPending
	}

	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (kind, title, target_kind, target_ref, release_at, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, kind, title, targetKind, targetRef, releaseAt, status, now, now)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish("task.created", task)
	return task, nil
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var releaseAt sql.NullTime
	var assigned sql.NullString
	if err := row.Scan(&t.ID, &t.Kind, &t.Title, &t.TargetKind, &t.TargetRef,
		&releaseAt, &t.Status, &assigned, &t.Notes, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if releaseAt.Valid {
		t.ReleaseAt = &releaseAt.Time
	}
	if assigned.Valid {
		t.AssignedRobotID = &assigned.String
	}
	return &t, nil
}

const taskSelectCols = `id, kind, title, target_kind, target_ref, release_at, status, assigned_robot_id, notes, created_at, updated_at`

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskSelectCols+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// PromoteDue moves every PENDING task whose release_at is absent or has
// elapsed to READY (C4 promote_due). Idempotent: tasks already READY are
// untouched.
func (s *Store) PromoteDue(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, updated_at = ?
			WHERE status = ? AND (release_at IS NULL OR release_at <= ?);
		`, TaskReady, now, TaskPending, now)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("promote due tasks: %w", err)
	}
	if n > 0 {
		s.publish("queue.updated", map[string]any{"promoted": n})
	}
	return n, nil
}

// ReadyTask is the subset of Task fields the queue manager needs to order
// the ready queue, plus the resolved priority override.
type ReadyTask struct {
	Task
	Override int
}

// ReadyTasks returns every READY, unassigned task with its priority
// override resolved, unordered — the caller (queue package) computes
// effective priority and sorts.
func (s *Store) ReadyTasks(ctx context.Context) ([]ReadyTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.`+taskSelectCols+`, COALESCE(p.override, 0)
		FROM tasks t
		LEFT JOIN priority_overrides p ON p.task_id = t.id
		WHERE t.status = ? AND t.assigned_robot_id IS NULL;
	`, TaskReady)
	if err != nil {
		return nil, fmt.Errorf("query ready tasks: %w", err)
	}
	defer rows.Close()

	var out []ReadyTask
	for rows.Next() {
		var t Task
		var releaseAt sql.NullTime
		var assigned sql.NullString
		var override int
		if err := rows.Scan(&t.ID, &t.Kind, &t.Title, &t.TargetKind, &t.TargetRef,
			&releaseAt, &t.Status, &assigned, &t.Notes, &t.CreatedAt, &t.UpdatedAt, &override); err != nil {
			return nil, fmt.Errorf("scan ready task: %w", err)
		}
		if releaseAt.Valid {
			t.ReleaseAt = &releaseAt.Time
		}
		if assigned.Valid {
			t.AssignedRobotID = &assigned.String
		}
		out = append(out, ReadyTask{Task: t, Override: override})
	}
	return out, rows.Err()
}

// TaskCounts reports the number of tasks per status, plus TOTAL, matching
// the original's stats() shape.
func (s *Store) TaskCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{"TOTAL": 0}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
		counts["TOTAL"] += n
	}
	return counts, rows.Err()
}

// ClaimTask is the sole concurrency barrier in the system (C9 step 6): a
// single-row conditional UPDATE that succeeds only if the task is still
// READY and unassigned. Returns ok=false (not an error) when another actor
// raced ahead of us.
func (s *Store) ClaimTask(ctx context.Context, taskID int64, robotID string) (ok bool, err error) {
	now := s.clock.Now()
	err = retryOnBusy(ctx, 5, func() error {
		res, execErr := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, assigned_robot_id = ?, updated_at = ?
			WHERE id = ? AND status = ? AND assigned_robot_id IS NULL;
		`, TaskAssigned, robotID, now, taskID, TaskReady)
		if execErr != nil {
			return execErr
		}
		n, rowErr := res.RowsAffected()
		if rowErr != nil {
			return rowErr
		}
		ok = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("claim task %d: %w", taskID, err)
	}
	return ok, nil
}

// CompleteTask marks a task DONE. The executor does not call it: a run
// that finishes successfully has its task marked DONE inside AdvanceStep.
func (s *Store) CompleteTask(ctx context.Context, taskID int64) error {
	return s.updateTaskStatus(ctx, taskID, TaskDone, "")
}

// CancelTask moves a task to CANCELED unless it is already terminal
// (no-op, not an error). reason is appended to notes.
func (s *Store) CancelTask(ctx context.Context, taskID int64, reason string) (changed bool, err error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, fmt.Errorf("task %d not found", taskID)
	}
	if task.Status == TaskDone || task.Status == TaskCanceled {
		return false, nil
	}
	now := s.clock.Now()
	notes := appendNote(task.Notes, reason)
	err = retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, notes = ?, updated_at = ? WHERE id = ?;
		`, TaskCanceled, notes, now, taskID)
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("cancel task %d: %w", taskID, err)
	}
	s.publish("task.canceled", map[string]any{"task_id": taskID, "reason": reason})
	return true, nil
}

// Unassign moves an ASSIGNED task back to READY and clears its robot,
// recording reason in notes. Supplemented from the original's
// app/controls/router.py (spec.md §6 names this operation without detail).
func (s *Store) Unassign(ctx context.Context, taskID int64, reason string) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task %d not found", taskID)
	}
	if task.Status != TaskAssigned {
		return fmt.Errorf("task %d is not ASSIGNED (status=%s)", taskID, task.Status)
	}
	now := s.clock.Now()
	notes := appendNote(task.Notes, reason)
	err = retryOnBusy(ctx, 5, func() error {
		_, execErr := s.db.ExecContext(ctx, `
			UPDATE tasks SET status = ?, assigned_robot_id = NULL, notes = ?, updated_at = ? WHERE id = ?;
		`, TaskReady, notes, now, taskID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("unassign task %d: %w", taskID, err)
	}
	s.publish("assignment.unassigned", map[string]any{"task_id": taskID, "reason": reason})
	return nil
}

func (s *Store) updateTaskStatus(ctx context.Context, taskID int64, status TaskStatus, note string) error {
	now := s.clock.Now()
	return retryOnBusy(ctx, 5, func() error {
		var err error
		if note == "" {
			_, err = s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?;`, status, now, taskID)
		} else {
			task, getErr := s.GetTask(ctx, taskID)
			if getErr != nil {
				return getErr
			}
			notes := appendNote(task.Notes, note)
			_, err = s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, notes = ?, updated_at = ? WHERE id = ?;`, status, notes, now, taskID)
		}
		return err
	})
}

func appendNote(existing, add string) string {
	if add == "" {
		return existing
	}
	if existing == "" {
		return add
	}
	return existing + "; " + add
}

// SetPriorityOverride upserts an operator bias for a task (C3).
func (s *Store) SetPriorityOverride(ctx context.Context, taskID int64, override int) error {
	now := s.clock.Now()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO priority_overrides (task_id, override, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET override = excluded.override, updated_at = excluded.updated_at;
		`, taskID, override, now)
		return err
	})
}

// ClearPriorityOverride removes an override. Returns whether a row existed.
func (s *Store) ClearPriorityOverride(ctx context.Context, taskID int64) (bool, error) {
	var found bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM priority_overrides WHERE task_id = ?;`, taskID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		found = n > 0
		return err
	})
	return found, err
}

// GetPriorityOverride returns 0 if no row exists, matching the original's
// get_override semantics.
func (s *Store) GetPriorityOverride(ctx context.Context, taskID int64) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT override FROM priority_overrides WHERE task_id = ?;`, taskID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

// ResetSystem deletes all workflow and task state in FK-safe order,
// returning per-table deleted counts. Supplemented from the original's
// admin reset_system operation.
func (s *Store) ResetSystem(ctx context.Context) (map[string]int64, error) {
	counts := map[string]int64{}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, table := range []string{"workflow_steps", "workflow_runs", "priority_overrides", "tasks"} {
			res, err := tx.ExecContext(ctx, `DELETE FROM `+table+`;`)
			if err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
			n, _ := res.RowsAffected()
			counts[table] = n
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.publish("system.reset", counts)
	return counts, nil
}
