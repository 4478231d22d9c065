package assignment_test

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/roboserve/internal/assignment"
	"github.com/basket/roboserve/internal/bus"
	"github.com/basket/roboserve/internal/clockutil"
	"github.com/basket/roboserve/internal/queue"
	"github.com/basket/roboserve/internal/robotstate"
	"github.com/basket/roboserve/internal/store"
	"github.com/basket/roboserve/internal/workflow"
)

type staticMapper struct{ poi store.POIEntry }

func (m staticMapper) Resolve(ctx context.Context, targetKind, targetRef string) (*store.POIEntry, error) {
	poi := m.poi
	return &poi, nil
}

type failingMapper struct{}

func (failingMapper) Resolve(ctx context.Context, targetKind, targetRef string) (*store.POIEntry, error) {
	return nil, nil
}

func newTestEngine(t *testing.T, registry []string, mapper workflow.POIMapper) (*assignment.Engine, *store.Store, *clockutil.Fake) {
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
	robotSvc := robotstate.NewService(st, registry)
	planner := workflow.NewPlanner(mapper)
	engine := &assignment.Engine{Store: st, Queue: queueMgr, RobotState: robotSvc, Planner: planner, Logger: slog.Default()}
	return engine, st, clock
}

func TestAssignNext_NoReadyTasks(t *testing.T) {
	engine, _, _ := newTestEngine(t, []string{"robot-a"}, staticMapper{})
	result, err := engine.AssignNext(context.Background(), "")
	if err != nil {
		t.Fatalf("assign next: %v", err)
	}
	if result.Assigned {
		t.Fatalf("expected no assignment with an empty queue")
	}
}

func TestAssignNext_NoRobotsRegistered(t *testing.T) {
	engine, st, _ := newTestEngine(t, nil, staticMapper{})
	ctx := context.Background()
	if _, err := st.CreateTask(ctx, store.KindNavigate, "t", "AREA", "dock-1", nil); err != nil {
		t.Fatalf("create task: %v", err)
	}
	result, err := engine.AssignNext(ctx, "")
	if err != nil {
		t.Fatalf("assign next: %v", err)
	}
	if result.Assigned {
		t.Fatalf("expected no assignment with an empty registry")
	}
}

func TestAssignNext_ClaimsTopPriorityTaskAndSeedsRun(t *testing.T) {
	engine, st, _ := newTestEngine(t, []string{"robot-a"}, staticMapper{poi: store.POIEntry{AreaID: "AREA", X: 1, Y: 2}})
	ctx := context.Background()

	task, err := st.CreateTask(ctx, store.KindNavigate, "t", "AREA", "dock-1", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	result, err := engine.AssignNext(ctx, "")
	if err != nil {
		t.Fatalf("assign next: %v", err)
	}
	if !result.Assigned || result.TaskID != task.ID || result.RobotID != "robot-a" || result.RunID == "" {
		t.Fatalf("unexpected assignment result: %+v", result)
	}

	run, err := st.GetRun(ctx, result.RunID)
	if err != nil || run == nil {
		t.Fatalf("expected run to be persisted: run=%v err=%v", run, err)
	}
}

func TestAssignNext_BusyRobotIsSkipped(t *testing.T) {
	engine, st, _ := newTestEngine(t, []string{"robot-a"}, staticMapper{poi: store.POIEntry{AreaID: "AREA"}})
	ctx := context.Background()

	busyTask, _ := st.CreateTask(ctx, store.KindNavigate, "busy", "AREA", "dock-1", nil)
	st.ClaimTask(ctx, busyTask.ID, "robot-a")
	if _, err := st.CreateRun(ctx, busyTask.ID, "robot-a", []store.PlannedStep{{Kind: store.StepNavigate, Code: "NAV"}}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	if _, err := st.CreateTask(ctx, store.KindNavigate, "queued", "AREA", "dock-1", nil); err != nil {
		t.Fatalf("create task: %v", err)
	}

	result, err := engine.AssignNext(ctx, "")
	if err != nil {
		t.Fatalf("assign next: %v", err)
	}
	if result.Assigned {
		t.Fatalf("expected no assignment, sole robot is busy, got %+v", result)
	}
}

func TestAssignNext_PreferredRobotNarrowsCandidates(t *testing.T) {
	engine, st, _ := newTestEngine(t, []string{"robot-a", "robot-b"}, staticMapper{poi: store.POIEntry{AreaID: "AREA"}})
	ctx := context.Background()

	if _, err := st.CreateTask(ctx, store.KindNavigate, "t", "AREA", "dock-1", nil); err != nil {
		t.Fatalf("create task: %v", err)
	}

	result, err := engine.AssignNext(ctx, "robot-b")
	if err != nil {
		t.Fatalf("assign next: %v", err)
	}
	if !result.Assigned || result.RobotID != "robot-b" {
		t.Fatalf("expected preferred robot-b to be used, got %+v", result)
	}
}

func TestAssignNext_PlanResolutionFailureCancelsTask(t *testing.T) {
	engine, st, _ := newTestEngine(t, []string{"robot-a"}, failingMapper{})
	ctx := context.Background()

	task, err := st.CreateTask(ctx, store.KindNavigate, "t", "AREA", "unknown", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	result, err := engine.AssignNext(ctx, "")
	if err != nil {
		t.Fatalf("assign next: %v", err)
	}
	if result.Assigned {
		t.Fatalf("expected plan resolution failure to prevent assignment")
	}

	reloaded, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if reloaded.Status != store.TaskCanceled {
		t.Fatalf("expected unplannable task to be CANCELED, got %s", reloaded.Status)
	}
}
