package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/roboserve/internal/bus"
	"github.com/basket/roboserve/internal/clockutil"
	"github.com/basket/roboserve/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, *clockutil.Fake) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	clock := clockutil.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	eb := bus.New(nil)
	st, err := store.Open(dbPath, eb, clock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, clock
}

func TestCreateTask_NoReleaseAtIsImmediatelyReady(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, store.KindNavigate, "go to dock", "AREA", "dock-1", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != store.TaskReady {
		t.Fatalf("expected READY, got %s", task.Status)
	}
}

func TestCreateTask_FutureReleaseAtIsPending(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()

	future := clock.Now().Add(time.Hour)
	task, err := st.CreateTask(ctx, store.KindNavigate, "later", "AREA", "dock-1", &future)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Status != store.TaskPending {
		t.Fatalf("expected PENDING, got %s", task.Status)
	}

	if n, err := st.PromoteDue(ctx); err != nil || n != 0 {
		t.Fatalf("expected 0 promoted before release, got %d err=%v", n, err)
	}

	clock.Advance(2 * time.Hour)
	n, err := st.PromoteDue(ctx)
	if err != nil {
		t.Fatalf("promote due: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promoted after release, got %d", n)
	}

	reloaded, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if reloaded.Status != store.TaskReady {
		t.Fatalf("expected READY after promotion, got %s", reloaded.Status)
	}
}

func TestClaimTask_OnlyOneWinnerOnRace(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, store.KindNavigate, "race", "AREA", "dock-1", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	results := make(chan bool, 2)
	for _, robot := range []string{"robot-a", "robot-b"} {
		robot := robot
		go func() {
			ok, err := st.ClaimTask(ctx, task.ID, robot)
			if err != nil {
				t.Errorf("claim task: %v", err)
			}
			results <- ok
		}()
	}

	wins := 0
	for i := 0; i < 2; i++ {
		if <-results {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}

	reloaded, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if reloaded.Status != store.TaskAssigned || reloaded.AssignedRobotID == nil {
		t.Fatalf("expected task assigned, got %+v", reloaded)
	}
}

func TestClaimTask_FailsWhenAlreadyAssigned(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	task, _ := st.CreateTask(ctx, store.KindNavigate, "t", "AREA", "dock-1", nil)
	ok, err := st.ClaimTask(ctx, task.ID, "robot-a")
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed, ok=%v err=%v", ok, err)
	}

	ok, err = st.ClaimTask(ctx, task.ID, "robot-b")
	if err != nil {
		t.Fatalf("claim task: %v", err)
	}
	if ok {
		t.Fatalf("expected second claim to fail")
	}
}

func TestCancelTask_NoopOnTerminalStatus(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	task, _ := st.CreateTask(ctx, store.KindNavigate, "t", "AREA", "dock-1", nil)
	changed, err := st.CancelTask(ctx, task.ID, "operator request")
	if err != nil || !changed {
		t.Fatalf("expected first cancel to change state, changed=%v err=%v", changed, err)
	}

	changed, err = st.CancelTask(ctx, task.ID, "again")
	if err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if changed {
		t.Fatalf("expected no-op cancel on already-terminal task")
	}
}

func TestCreateRun_AndAdvanceStepToCompletion(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	task, _ := st.CreateTask(ctx, store.KindNavigate, "t", "AREA", "dock-1", nil)
	ok, err := st.ClaimTask(ctx, task.ID, "robot-a")
	if err != nil || !ok {
		t.Fatalf("claim task: ok=%v err=%v", ok, err)
	}

	run, err := st.CreateRun(ctx, task.ID, "robot-a", []store.PlannedStep{
		{Kind: store.StepNavigate, Code: "NAV", AreaID: "AREA", X: 1, Y: 2, Yaw: 0, StopRadius: 1, Label: "go"},
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.TotalSteps != 1 || run.Status != store.RunRunning {
		t.Fatalf("unexpected run state: %+v", run)
	}

	step, err := st.CurrentStep(ctx, run)
	if err != nil || step == nil {
		t.Fatalf("current step: step=%v err=%v", step, err)
	}

	if err := st.AdvanceStep(ctx, run, step, "", ""); err != nil {
		t.Fatalf("advance step: %v", err)
	}

	reloadedRun, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if reloadedRun.Status != store.RunDone {
		t.Fatalf("expected run DONE, got %s", reloadedRun.Status)
	}

	reloadedTask, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if reloadedTask.Status != store.TaskDone {
		t.Fatalf("expected task DONE, got %s", reloadedTask.Status)
	}
}

func TestFailRun_TaskStaysAssigned(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	task, _ := st.CreateTask(ctx, store.KindNavigate, "t", "AREA", "dock-1", nil)
	st.ClaimTask(ctx, task.ID, "robot-a")
	run, err := st.CreateRun(ctx, task.ID, "robot-a", []store.PlannedStep{
		{Kind: store.StepNavigate, Code: "NAV", AreaID: "AREA"},
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := st.FailRun(ctx, run.ID, "vendor reported FAILED"); err != nil {
		t.Fatalf("fail run: %v", err)
	}

	reloadedRun, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if reloadedRun.Status != store.RunFailed || reloadedRun.LastError == "" {
		t.Fatalf("expected FAILED with last_error, got %+v", reloadedRun)
	}

	reloadedTask, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if reloadedTask.Status != store.TaskAssigned {
		t.Fatalf("expected task to stay ASSIGNED after run failure, got %s", reloadedTask.Status)
	}
}

func TestPriorityOverride_DefaultsToZero(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	task, _ := st.CreateTask(ctx, store.KindNavigate, "t", "AREA", "dock-1", nil)
	v, err := st.GetPriorityOverride(ctx, task.ID)
	if err != nil || v != 0 {
		t.Fatalf("expected 0 override by default, got %d err=%v", v, err)
	}

	if err := st.SetPriorityOverride(ctx, task.ID, 25); err != nil {
		t.Fatalf("set override: %v", err)
	}
	v, err = st.GetPriorityOverride(ctx, task.ID)
	if err != nil || v != 25 {
		t.Fatalf("expected override 25, got %d err=%v", v, err)
	}
}
