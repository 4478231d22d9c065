// Package orchestrator composes the queue manager, assignment engine, and
// workflow executor into the single idempotent progress step: the
// orchestration tick (C11).
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/roboserve/internal/assignment"
	"github.com/basket/roboserve/internal/otelinst"
	"github.com/basket/roboserve/internal/queue"
	"github.com/basket/roboserve/internal/store"
	"github.com/basket/roboserve/internal/workflow"
)

const defaultMaxAssignments = 5

// Summary is the tick's return value (§4.8).
type Summary struct {
	Promoted  int64
	Assigned  int
	Advanced  int
	Finished  int
	Failed    int
	Canceled  int
}

// Orchestrator runs the tick.
type Orchestrator struct {
	Store      *store.Store
	Queue      *queue.Manager
	Assignment *assignment.Engine
	Executor   *workflow.Executor
	Logger     *slog.Logger

	// Metrics and Tracer are optional instrumentation hooks; nil means no
	// telemetry is recorded.
	Metrics *otelinst.Metrics
	Tracer  trace.Tracer
}

// Tick runs promote -> assign up to maxAssignments -> advance every
// RUNNING run by one sub-step, publishing orchestrator.ticked always and
// system.updated when anything observable changed (§4.8).
func (o *Orchestrator) Tick(ctx context.Context, maxAssignments int, preferredRobot string) (Summary, error) {
	if maxAssignments <= 0 {
		maxAssignments = defaultMaxAssignments
	}

	if o.Tracer != nil {
		var span trace.Span
		ctx, span = otelinst.StartInternalSpan(ctx, o.Tracer, "orchestrator.tick")
		defer span.End()
	}
	start := time.Now()
	defer func() {
		if o.Metrics != nil {
			o.Metrics.TickDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	var summary Summary

	promoted, err := o.Queue.PromoteDue(ctx)
	if err != nil {
		return summary, err
	}
	summary.Promoted = promoted

	for i := 0; i < maxAssignments; i++ {
		r, err := o.Assignment.AssignNext(ctx, preferredRobot)
		if err != nil {
			return summary, err
		}
		if !r.Assigned {
			break
		}
		summary.Assigned++
	}

	runs, err := o.Store.RunningRuns(ctx)
	if err != nil {
		return summary, err
	}
	for i := range runs {
		run := &runs[i]
		outcome, err := o.Executor.AdvanceOne(ctx, run)
		if err != nil {
			// §7: a bug/invariant violation in one run never aborts the
			// tick; it is logged and the tick returns the partial work
			// done so far.
			o.Logger.Error("advance_one failed, continuing tick", slog.String("run_id", run.ID), slog.String("error", err.Error()))
			o.Store.Bus().Publish("system.updated", map[string]any{"reason": "invariant", "run_id": run.ID, "error": err.Error()})
			continue
		}
		switch outcome {
		case workflow.Progressed:
			summary.Advanced++
		case workflow.Finished:
			summary.Advanced++
			summary.Finished++
		case workflow.Failed:
			summary.Failed++
		case workflow.Canceled:
			summary.Canceled++
		}
	}

	if o.Metrics != nil {
		o.Metrics.TickAssignments.Add(ctx, int64(summary.Assigned))
		o.Metrics.TickAdvances.Add(ctx, int64(summary.Advanced))
	}

	o.Store.Bus().Publish("orchestrator.ticked", summary)
	if anythingChanged(summary) {
		o.Store.Bus().Publish("system.updated", summary)
	}
	return summary, nil
}

func anythingChanged(s Summary) bool {
	return s.Promoted > 0 || s.Assigned > 0 || s.Advanced > 0 || s.Failed > 0 || s.Canceled > 0
}
