package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PlannedStep is a step template as produced by the planner (C7), not yet
// persisted.
type PlannedStep struct {
	Kind        StepKind
	Code        string
	AreaID      string
	X, Y, Yaw   float64
	StopRadius  float64
	WaitSeconds *int
	Label       string
}

// CreateRun persists a WorkflowRun and its WorkflowSteps in one transaction
// (C9 step 7).
func (s *Store) CreateRun(ctx context.Context, taskID int64, robotID string, steps []PlannedStep) (*WorkflowRun, error) {
	now := s.clock.Now()
	runID := uuid.NewString()
	run := &WorkflowRun{
		ID:               runID,
		TaskID:           taskID,
		RobotID:          robotID,
		Status:           RunRunning,
		CurrentStepIndex: 0,
		TotalSteps:       len(steps),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_runs (id, task_id, robot_id, status, current_step_index, total_steps, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, run.ID, run.TaskID, run.RobotID, run.Status, run.CurrentStepIndex, run.TotalSteps, run.CreatedAt, run.UpdatedAt); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		for i, step := range steps {
			stepID := uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO workflow_steps (id, run_id, step_index, kind, code, area_id, x, y, yaw, stop_radius, wait_seconds, decision, decision_payload, label)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?);
			`, stepID, run.ID, i, step.Kind, step.Code, step.AreaID, step.X, step.Y, step.Yaw, step.StopRadius, step.WaitSeconds, step.Label); err != nil {
				return fmt.Errorf("insert step %d: %w", i, err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("create run for task %d: %w", taskID, err)
	}
	s.publish("workflow.started", run)
	return run, nil
}

func scanRun(row *sql.Row) (*WorkflowRun, error) {
	var r WorkflowRun
	var vendorID sql.NullString
	if err := row.Scan(&r.ID, &r.TaskID, &r.RobotID, &r.Status, &r.CurrentStepIndex, &r.TotalSteps,
		&vendorID, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if vendorID.Valid {
		r.CurrentVendorTaskID = &vendorID.String
	}
	return &r, nil
}

const runSelectCols = `id, task_id, robot_id, status, current_step_index, total_steps, current_vendor_task_id, last_error, created_at, updated_at`

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runSelectCols+` FROM workflow_runs WHERE id = ?;`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return r, nil
}

// RunningRuns returns every RUNNING run, ordered by id — the stable order
// executor.tick_all iterates in (§4.8).
func (s *Store) RunningRuns(ctx context.Context) ([]WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runSelectCols+` FROM workflow_runs WHERE status = ? ORDER BY id ASC;
	`, RunRunning)
	if err != nil {
		return nil, fmt.Errorf("query running runs: %w", err)
	}
	defer rows.Close()

	var out []WorkflowRun
	for rows.Next() {
		var r WorkflowRun
		var vendorID sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &r.RobotID, &r.Status, &r.CurrentStepIndex, &r.TotalSteps,
			&vendorID, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if vendorID.Valid {
			r.CurrentVendorTaskID = &vendorID.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CurrentStep returns the step at run.CurrentStepIndex, or nil if the run
// is already past its last step.
func (s *Store) CurrentStep(ctx context.Context, run *WorkflowRun) (*WorkflowStep, error) {
	if run.CurrentStepIndex >= run.TotalSteps {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, step_index, kind, code, area_id, x, y, yaw, stop_radius, wait_seconds, completed_at, decision, decision_payload, label
		FROM workflow_steps WHERE run_id = ? AND step_index = ?;
	`, run.ID, run.CurrentStepIndex)
	var st WorkflowStep
	var waitSeconds sql.NullInt64
	var completedAt sql.NullTime
	if err := row.Scan(&st.ID, &st.RunID, &st.StepIndex, &st.Kind, &st.Code, &st.AreaID, &st.X, &st.Y, &st.Yaw,
		&st.StopRadius, &waitSeconds, &completedAt, &st.Decision, &st.DecisionPayload, &st.Label); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("current step of run %s: %w", run.ID, err)
	}
	if waitSeconds.Valid {
		v := int(waitSeconds.Int64)
		st.WaitSeconds = &v
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return &st, nil
}

// SetRunVendorTaskID records the vendor task id created for the run's
// current NAVIGATE step.
func (s *Store) SetRunVendorTaskID(ctx context.Context, runID string, vendorTaskID *string) error {
	now := s.clock.Now()
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE workflow_runs SET current_vendor_task_id = ?, updated_at = ? WHERE id = ?;
		`, vendorTaskID, now, runID)
		return err
	})
}

// StampStepDeadline sets completed_at as a forward deadline for a WAIT
// step's first entry; it is reinterpreted as the actual completion stamp
// once the deadline elapses (§4.5 WAIT rule — the field is deliberately
// reused rather than adding a second column).
func (s *Store) StampStepDeadline(ctx context.Context, stepID string, deadline time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE workflow_steps SET completed_at = ? WHERE id = ?;`, deadline, stepID)
		return err
	})
}

// AdvanceStep marks the run's current step complete and moves to the next
// index, finishing the run and its task when the last step completes.
func (s *Store) AdvanceStep(ctx context.Context, run *WorkflowRun, step *WorkflowStep, decision, decisionPayload string) error {
	now := s.clock.Now()
	nextIndex := run.CurrentStepIndex + 1
	finished := nextIndex >= run.TotalSteps

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		completedAt := step.CompletedAt
		if completedAt == nil {
			completedAt = &now
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_steps SET completed_at = ?, decision = ?, decision_payload = ? WHERE id = ?;
		`, completedAt, decision, decisionPayload, step.ID); err != nil {
			return fmt.Errorf("complete step: %w", err)
		}

		status := RunRunning
		if finished {
			status = RunDone
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_runs SET current_step_index = ?, status = ?, current_vendor_task_id = NULL, updated_at = ? WHERE id = ?;
		`, nextIndex, status, now, run.ID); err != nil {
			return fmt.Errorf("advance run: %w", err)
		}

		if finished {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?;`, TaskDone, now, run.TaskID); err != nil {
				return fmt.Errorf("complete task: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("advance step for run %s: %w", run.ID, err)
	}

	s.publish("workflow.step_advanced", map[string]any{"run_id": run.ID, "step_index": step.StepIndex})
	if finished {
		s.publish("workflow.finished", map[string]any{"run_id": run.ID, "task_id": run.TaskID})
	}
	return nil
}

// FailRun transitions a run to FAILED, recording last_error. The task stays
// ASSIGNED (§7: no auto-retry of failed runs in v0; an operator decides).
func (s *Store) FailRun(ctx context.Context, runID, lastError string) error {
	now := s.clock.Now()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE workflow_runs SET status = ?, last_error = ?, current_vendor_task_id = NULL, updated_at = ? WHERE id = ? AND status = ?;
		`, RunFailed, lastError, now, runID, RunRunning)
		return err
	})
	if err != nil {
		return fmt.Errorf("fail run %s: %w", runID, err)
	}
	s.publish("workflow.failed", map[string]any{"run_id": runID, "last_error": lastError})
	return nil
}

// CancelRun moves a run to CANCELED unless already terminal, and cascades
// to the underlying task unless it is already terminal (§4.5 cancellation).
func (s *Store) CancelRun(ctx context.Context, runID, reason string) (changed bool, taskID int64, err error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return false, 0, err
	}
	if run == nil {
		return false, 0, fmt.Errorf("run %s not found", runID)
	}
	if run.Status != RunRunning {
		return false, run.TaskID, nil
	}
	now := s.clock.Now()
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_runs SET status = ?, current_vendor_task_id = NULL, updated_at = ? WHERE id = ? AND status = ?;
		`, RunCanceled, now, runID, RunRunning); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?);
		`, TaskCanceled, now, run.TaskID, TaskDone, TaskCanceled); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return false, 0, fmt.Errorf("cancel run %s: %w", runID, err)
	}
	s.publish("workflow.canceled", map[string]any{"run_id": runID, "reason": reason})
	return true, run.TaskID, nil
}
