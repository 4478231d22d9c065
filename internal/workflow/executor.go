package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/roboserve/internal/clockutil"
	"github.com/basket/roboserve/internal/store"
	"github.com/basket/roboserve/internal/vendor"
)

// Outcome is advance-one's result (§4.5).
type Outcome string

const (
	Progressed Outcome = "progressed"
	Waiting    Outcome = "waiting"
	Finished   Outcome = "finished"
	Failed     Outcome = "failed"
	Canceled   Outcome = "canceled"
)

// Executor drives every RUNNING WorkflowRun one sub-step at a time via
// advance-one, the sole progression primitive (C8, §4.5).
type Executor struct {
	Store  *store.Store
	Vendor *vendor.Resilient
	Clock  clockutil.Clock
	Logger *slog.Logger

	// ConfirmSchemas optionally validates a MANUAL_CONFIRM step's
	// decision_payload against a JSON Schema keyed by step code, before
	// Decide accepts it.
	ConfirmSchemas map[string]*jsonschema.Schema
}

// AdvanceOne advances run by at most one sub-step, issuing at most one
// vendor create or state call; when the vendor reports FAILED it also
// issues one best-effort cancel call.
func (e *Executor) AdvanceOne(ctx context.Context, run *store.WorkflowRun) (Outcome, error) {
	if run.Status != store.RunRunning {
		return Canceled, nil
	}

	step, err := e.Store.CurrentStep(ctx, run)
	if err != nil {
		return "", fmt.Errorf("advance run %s: %w", run.ID, err)
	}
	if step == nil {
		// current_step_index already == total_steps; nothing to do.
		return Finished, nil
	}

	switch step.Kind {
	case store.StepNavigate:
		return e.advanceNavigate(ctx, run, step)
	case store.StepWait:
		return e.advanceWait(ctx, run, step)
	case store.StepManualConfirm:
		return Waiting, nil
	default:
		return "", fmt.Errorf("run %s: unknown step kind %q", run.ID, step.Kind)
	}
}

func (e *Executor) advanceNavigate(ctx context.Context, run *store.WorkflowRun, step *store.WorkflowStep) (Outcome, error) {
	if run.CurrentVendorTaskID == nil {
		spec := vendor.NavigateSpec{AreaID: step.AreaID, X: step.X, Y: step.Y, Yaw: step.Yaw, StopRadius: step.StopRadius}
		vendorTaskID, err := e.Vendor.Create(ctx, spec)
		if err != nil {
			// §4.5: "On create failure -> FAILED with last_error." Unlike a
			// polling error this is not treated as transient: Resilient has
			// already exhausted its own retries (or SAFE_MODE refused outright).
			if failErr := e.Store.FailRun(ctx, run.ID, err.Error()); failErr != nil {
				return "", failErr
			}
			return Failed, nil
		}
		if err := e.Store.SetRunVendorTaskID(ctx, run.ID, &vendorTaskID); err != nil {
			return "", err
		}
		return Progressed, nil
	}

	state, err := e.Vendor.State(ctx, *run.CurrentVendorTaskID)
	if err != nil {
		// Transient I/O already retried inside C6; surface as waiting so
		// the next tick tries again (§7).
		e.Logger.Warn("vendor state poll failed, will retry next tick", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		return Waiting, nil
	}

	switch state {
	case vendor.StateRunning:
		return Waiting, nil
	case vendor.StateDone:
		if err := e.Store.AdvanceStep(ctx, run, step, "", ""); err != nil {
			return "", err
		}
		if run.CurrentStepIndex+1 >= run.TotalSteps {
			return Finished, nil
		}
		return Progressed, nil
	case vendor.StateFailed:
		cancel := e.Vendor.Cancel(ctx, *run.CurrentVendorTaskID)
		if !cancel.OK {
			e.Logger.Warn("best-effort vendor cancel after FAILED state did not confirm", slog.String("run_id", run.ID), slog.String("note", cancel.Note))
		}
		if err := e.Store.FailRun(ctx, run.ID, "vendor task reported FAILED"); err != nil {
			return "", err
		}
		return Failed, nil
	default:
		return "", fmt.Errorf("run %s: unrecognized vendor state %q", run.ID, state)
	}
}

func (e *Executor) advanceWait(ctx context.Context, run *store.WorkflowRun, step *store.WorkflowStep) (Outcome, error) {
	now := e.Clock.Now()

	if step.CompletedAt == nil {
		if step.WaitSeconds == nil {
			// Infinite wait (e.g. CHARGING's dock wait): no deadline is
			// stamped; only an external signal can progress this step, and
			// v0 has no such signal wired in, so it waits forever.
			return Waiting, nil
		}
		deadline := now.Add(time.Duration(*step.WaitSeconds) * time.Second)
		if err := e.Store.StampStepDeadline(ctx, step.ID, deadline); err != nil {
			return "", err
		}
		step.CompletedAt = &deadline
		return Waiting, nil
	}

	if now.Before(*step.CompletedAt) {
		return Waiting, nil
	}

	if err := e.Store.AdvanceStep(ctx, run, step, "", ""); err != nil {
		return "", err
	}
	if run.CurrentStepIndex+1 >= run.TotalSteps {
		return Finished, nil
	}
	return Progressed, nil
}

// Decide resolves a MANUAL_CONFIRM step with decision/payload, the only way
// such a step advances (§4.5). Used identically by a human operator and by
// the auto-confirm driver (C12).
func (e *Executor) Decide(ctx context.Context, runID, decision, payload string) error {
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	if run.Status != store.RunRunning {
		return fmt.Errorf("run %s is not RUNNING (status=%s)", runID, run.Status)
	}
	step, err := e.Store.CurrentStep(ctx, run)
	if err != nil {
		return err
	}
	if step == nil || step.Kind != store.StepManualConfirm {
		return fmt.Errorf("run %s is not awaiting a manual confirmation", runID)
	}

	if schema, ok := e.ConfirmSchemas[step.Code]; ok && payload != "" {
		var v any
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return fmt.Errorf("decision payload is not valid JSON: %w", err)
		}
		if err := schema.Validate(v); err != nil {
			return fmt.Errorf("decision payload failed schema for %s: %w", step.Code, err)
		}
	}

	return e.Store.AdvanceStep(ctx, run, step, decision, payload)
}

// CancelRun preempts run regardless of sub-state (§4.5): it moves the run
// to CANCELED and best-effort cancels any outstanding vendor task. A
// vendor call already in flight is allowed to return; it lands on an
// already-CANCELED run and is discarded.
func (e *Executor) CancelRun(ctx context.Context, runID, reason string) error {
	run, err := e.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}
	if run.CurrentVendorTaskID != nil {
		cancel := e.Vendor.Cancel(ctx, *run.CurrentVendorTaskID)
		if !cancel.OK {
			e.Logger.Warn("best-effort vendor cancel on run cancellation did not confirm", slog.String("run_id", runID), slog.String("note", cancel.Note))
		}
	}
	_, _, err = e.Store.CancelRun(ctx, runID, reason)
	return err
}
