// Package autoconfirm implements the auto-confirm driver (C12): an
// optional background policy that resolves MANUAL_CONFIRM steps without a
// human, by calling the same decide() operation an operator would use. It
// holds no special authority over the store (§4.9, §9).
//
// Structurally this mirrors the teacher's internal/cron/scheduler.go
// periodic-loop pattern: a context-cancelable goroutine on a ticker, with
// bounded graceful stop.
package autoconfirm

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/roboserve/internal/store"
	"github.com/basket/roboserve/internal/workflow"
)

// Decide keyed by code prefix/exact match, §4.9.
func decisionFor(code string) string {
	switch {
	case code == "ORDER_DECISION":
		return "COMPLETED"
	case code == "CLEANUP_HAS_DISHES":
		return "YES"
	case code == "CLEANUP_MORE_DISHES":
		return "NO"
	case strings.HasPrefix(code, "DELIVERY_"):
		return "CONFIRM"
	case strings.HasPrefix(code, "BILLING_"):
		return "CONFIRM"
	default:
		return "CONFIRM"
	}
}

// Config controls the driver's cadence and whether it runs at all
// (AUTO_CONFIRM_ENABLED, AUTO_CONFIRM_INTERVAL_S).
type Config struct {
	Enabled  bool
	Interval time.Duration
}

// Driver polls RUNNING runs and auto-resolves any sitting on a
// MANUAL_CONFIRM step.
type Driver struct {
	Store    *store.Store
	Executor *workflow.Executor
	Logger   *slog.Logger
	Interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDriver(st *store.Store, exec *workflow.Executor, logger *slog.Logger, interval time.Duration) *Driver {
	if interval <= 0 {
		interval = time.Second
	}
	return &Driver{Store: st, Executor: exec, Logger: logger, Interval: interval}
}

// Start runs the poll loop until Stop is called or ctx is canceled.
func (d *Driver) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(runCtx)
	d.Logger.Info("auto-confirm driver started", slog.Duration("interval", d.Interval))
}

// Stop requests shutdown and waits up to 3s for the loop to exit (§5).
func (d *Driver) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		d.Logger.Warn("auto-confirm driver did not stop within grace period, abandoning")
	}
	d.Logger.Info("auto-confirm driver stopped")
}

func (d *Driver) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.tick(ctx); err != nil {
				// Background drivers never affect the orchestrator: log
				// and retry on the next cadence (§7).
				d.Logger.Warn("auto-confirm tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (d *Driver) tick(ctx context.Context) error {
	runs, err := d.Store.RunningRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		step, err := d.Store.CurrentStep(ctx, &run)
		if err != nil {
			d.Logger.Warn("auto-confirm could not read current step", slog.String("run_id", run.ID), slog.String("error", err.Error()))
			continue
		}
		if step == nil || step.Kind != store.StepManualConfirm {
			continue
		}
		decision := decisionFor(step.Code)
		if err := d.Executor.Decide(ctx, run.ID, decision, ""); err != nil {
			d.Logger.Warn("auto-confirm decide failed", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		}
	}
	return nil
}
