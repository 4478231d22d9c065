package orchestrator_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/roboserve/internal/assignment"
	"github.com/basket/roboserve/internal/bus"
	"github.com/basket/roboserve/internal/clockutil"
	"github.com/basket/roboserve/internal/orchestrator"
	"github.com/basket/roboserve/internal/queue"
	"github.com/basket/roboserve/internal/robotstate"
	"github.com/basket/roboserve/internal/store"
	"github.com/basket/roboserve/internal/vendor"
	"github.com/basket/roboserve/internal/workflow"
)

type alwaysDoneVendor struct{}

func (alwaysDoneVendor) Create(ctx context.Context, spec vendor.NavigateSpec) (string, error) {
	return "vendor-1", nil
}
func (alwaysDoneVendor) State(ctx context.Context, vendorTaskID string) (vendor.State, error) {
	return vendor.StateDone, nil
}
func (alwaysDoneVendor) Cancel(ctx context.Context, vendorTaskID string) (vendor.CancelResult, error) {
	return vendor.CancelResult{OK: true}, nil
}

type staticMapper struct{ poi store.POIEntry }

func (m staticMapper) Resolve(ctx context.Context, targetKind, targetRef string) (*store.POIEntry, error) {
	poi := m.poi
	return &poi, nil
}

func newTestOrchestrator(t *testing.T) (*orchestrator.Orchestrator, *store.Store, *clockutil.Fake) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	clock := clockutil.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	eb := bus.New(nil)
	st, err := store.Open(dbPath, eb, clock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	queueMgr := queue.NewManager(st, clock)
	robotSvc := robotstate.NewService(st, []string{"robot-a"})
	planner := workflow.NewPlanner(staticMapper{poi: store.POIEntry{AreaID: "AREA", X: 1, Y: 2}})
	resilientVendor := vendor.NewResilient(alwaysDoneVendor{}, vendor.RetryConfig{
		Retries: 1, Timeout: time.Second, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond,
	}, slog.Default(), func() bool { return false })
	exec := &workflow.Executor{Store: st, Vendor: resilientVendor, Clock: clock, Logger: slog.Default()}
	assignEngine := &assignment.Engine{Store: st, Queue: queueMgr, RobotState: robotSvc, Planner: planner, Logger: slog.Default()}

	orch := &orchestrator.Orchestrator{
		Store: st, Queue: queueMgr, Assignment: assignEngine, Executor: exec, Logger: slog.Default(),
	}
	return orch, st, clock
}

func TestTick_PromotesAssignsAndAdvancesToFinish(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, store.KindNavigate, "go", "AREA", "dock-1", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	summary, err := orch.Tick(ctx, 5, "")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if summary.Assigned != 1 {
		t.Fatalf("expected 1 assignment, got %+v", summary)
	}
	if summary.Advanced != 1 || summary.Finished != 0 {
		t.Fatalf("expected the first tick to only create the vendor task for the NAVIGATE step, got %+v", summary)
	}

	summary, err = orch.Tick(ctx, 5, "")
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if summary.Finished != 1 {
		t.Fatalf("expected the single NAVIGATE step to finish on the second tick, got %+v", summary)
	}

	reloaded, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if reloaded.Status != store.TaskDone {
		t.Fatalf("expected task DONE after tick, got %s", reloaded.Status)
	}
}

func TestTick_PromotesDueTasks(t *testing.T) {
	orch, st, clock := newTestOrchestrator(t)
	ctx := context.Background()

	future := clock.Now().Add(time.Minute)
	if _, err := st.CreateTask(ctx, store.KindNavigate, "later", "AREA", "dock-1", &future); err != nil {
		t.Fatalf("create task: %v", err)
	}

	clock.Advance(2 * time.Minute)
	summary, err := orch.Tick(ctx, 5, "")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if summary.Promoted != 1 {
		t.Fatalf("expected 1 promoted task, got %+v", summary)
	}
}

func TestTick_NoReadyTasksIsNoop(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	summary, err := orch.Tick(context.Background(), 5, "")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if summary.Assigned != 0 || summary.Advanced != 0 {
		t.Fatalf("expected empty tick on idle system, got %+v", summary)
	}
}

func TestTick_RespectsMaxAssignmentsBound(t *testing.T) {
	orch, st, _ := newTestOrchestrator(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := st.CreateTask(ctx, store.KindNavigate, "go", "AREA", "dock-1", nil); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}

	summary, err := orch.Tick(ctx, 1, "")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if summary.Assigned != 1 {
		t.Fatalf("expected assignment bounded to 1 (only one robot available anyway), got %+v", summary)
	}
}
