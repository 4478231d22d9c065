// Package assignment implements the assignment engine (C9): picking the
// top ready task, finding an eligible free robot, atomically claiming the
// task, and seeding its workflow run.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/roboserve/internal/queue"
	"github.com/basket/roboserve/internal/robotstate"
	"github.com/basket/roboserve/internal/store"
	"github.com/basket/roboserve/internal/workflow"
)

// Result is assign_next's outcome (§4.6). Assigned=false is a policy
// rejection, not an error (§7).
type Result struct {
	Assigned bool
	TaskID   int64
	RobotID  string
	RunID    string
	Reason   string
}

// Engine implements assign_next (C9).
type Engine struct {
	Store      *store.Store
	Queue      *queue.Manager
	RobotState *robotstate.Service
	Planner    *workflow.Planner
	Logger     *slog.Logger
}

// AssignNext runs the full §4.6 algorithm once.
func (e *Engine) AssignNext(ctx context.Context, preferredRobot string) (Result, error) {
	if len(e.RobotState.Registry) == 0 {
		return Result{Reason: "no robots"}, nil
	}

	ranked, err := e.Queue.ReadyQueue(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("assign_next: %w", err)
	}
	if len(ranked) == 0 {
		return Result{Reason: "no ready tasks"}, nil
	}
	top := ranked[0]

	candidates := e.RobotState.Registry
	if preferredRobot != "" && e.RobotState.Registered(preferredRobot) {
		candidates = []string{preferredRobot}
	}

	var lastReason string
	var chosen string
	for _, r := range candidates {
		view, err := e.RobotState.View(ctx, r)
		if err != nil {
			return Result{}, fmt.Errorf("assign_next: %w", err)
		}
		if view.Busy {
			lastReason = fmt.Sprintf("%s busy", r)
			continue
		}
		if !view.Eligible {
			lastReason = fmt.Sprintf("%s ineligible: %s", r, view.Reason)
			continue
		}
		chosen = r
		break
	}
	if chosen == "" {
		if lastReason == "" {
			lastReason = "no eligible robot"
		}
		e.Store.Bus().Publish("assignment.failed", map[string]any{"task_id": top.ID, "reason": lastReason})
		return Result{Reason: lastReason}, nil
	}

	ok, err := e.Store.ClaimTask(ctx, top.ID, chosen)
	if err != nil {
		return Result{}, fmt.Errorf("assign_next: %w", err)
	}
	if !ok {
		e.Store.Bus().Publish("assignment.failed", map[string]any{"task_id": top.ID, "reason": "raced"})
		return Result{Reason: "raced"}, nil
	}

	task, err := e.Store.GetTask(ctx, top.ID)
	if err != nil {
		return Result{}, fmt.Errorf("assign_next: reload claimed task: %w", err)
	}

	steps, err := e.Planner.Plan(ctx, task)
	if err != nil {
		// §4.4: plan-time POI resolution failure means the task never gets
		// a run. The Task state DAG has no FAILED status (only
		// PENDING/READY/ASSIGNED/DONE/CANCELED, per §3), so CANCELED with
		// an explanatory note is the closest terminal state available —
		// see DESIGN.md's decision on this gap.
		var resErr *workflow.ErrPlanResolutionFailed
		reason := err.Error()
		if errors.As(err, &resErr) {
			reason = resErr.Error()
		}
		if _, cancelErr := e.Store.CancelTask(ctx, top.ID, "plan failed: "+reason); cancelErr != nil {
			return Result{}, fmt.Errorf("assign_next: cancel unplannable task: %w", cancelErr)
		}
		e.Store.Bus().Publish("assignment.failed", map[string]any{"task_id": top.ID, "reason": reason})
		return Result{Reason: reason}, nil
	}

	run, err := e.Store.CreateRun(ctx, top.ID, chosen, steps)
	if err != nil {
		return Result{}, fmt.Errorf("assign_next: %w", err)
	}

	result := Result{Assigned: true, TaskID: top.ID, RobotID: chosen, RunID: run.ID}
	e.Store.Bus().Publish("assignment.made", result)
	return result, nil
}
