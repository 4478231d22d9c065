package robotstate_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/roboserve/internal/bus"
	"github.com/basket/roboserve/internal/clockutil"
	"github.com/basket/roboserve/internal/robotstate"
	"github.com/basket/roboserve/internal/store"
)

func newTestService(t *testing.T, registry []string) (*robotstate.Service, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	clock := clockutil.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	eb := bus.New(nil)
	st, err := store.Open(dbPath, eb, clock)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return robotstate.NewService(st, registry), st
}

func TestView_UnregisteredRobotIsIneligible(t *testing.T) {
	svc, _ := newTestService(t, []string{"robot-a"})
	view, err := svc.View(context.Background(), "robot-unknown")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Eligible {
		t.Fatalf("expected unregistered robot to be ineligible, got %+v", view)
	}
}

func TestView_NoObservationIsPermissive(t *testing.T) {
	svc, _ := newTestService(t, []string{"robot-a"})
	view, err := svc.View(context.Background(), "robot-a")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if !view.Eligible || view.Busy {
		t.Fatalf("expected eligible, not busy, got %+v", view)
	}
}

func TestView_OfflineIsIneligible(t *testing.T) {
	svc, st := newTestService(t, []string{"robot-a"})
	online := false
	if err := st.UpdateObservation(context.Background(), store.RobotObservation{RobotID: "robot-a", Online: &online}); err != nil {
		t.Fatalf("update observation: %v", err)
	}
	view, err := svc.View(context.Background(), "robot-a")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Eligible {
		t.Fatalf("expected offline robot ineligible, got %+v", view)
	}
}

func TestView_ChargingIsIneligible(t *testing.T) {
	svc, st := newTestService(t, []string{"robot-a"})
	charging := true
	if err := st.UpdateObservation(context.Background(), store.RobotObservation{RobotID: "robot-a", Charging: &charging}); err != nil {
		t.Fatalf("update observation: %v", err)
	}
	view, err := svc.View(context.Background(), "robot-a")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Eligible {
		t.Fatalf("expected charging robot ineligible, got %+v", view)
	}
}

func TestView_EmergencyStopIsIneligible(t *testing.T) {
	svc, st := newTestService(t, []string{"robot-a"})
	estop := true
	if err := st.UpdateObservation(context.Background(), store.RobotObservation{RobotID: "robot-a", EmergencyStop: &estop}); err != nil {
		t.Fatalf("update observation: %v", err)
	}
	view, err := svc.View(context.Background(), "robot-a")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if view.Eligible {
		t.Fatalf("expected e-stopped robot ineligible, got %+v", view)
	}
}

func TestView_BusyDerivedFromRunningRun(t *testing.T) {
	svc, st := newTestService(t, []string{"robot-a"})
	ctx := context.Background()

	task, err := st.CreateTask(ctx, store.KindNavigate, "t", "AREA", "dock-1", nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if ok, err := st.ClaimTask(ctx, task.ID, "robot-a"); err != nil || !ok {
		t.Fatalf("claim task: ok=%v err=%v", ok, err)
	}
	if _, err := st.CreateRun(ctx, task.ID, "robot-a", []store.PlannedStep{{Kind: store.StepNavigate, Code: "NAV"}}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	view, err := svc.View(ctx, "robot-a")
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if !view.Busy {
		t.Fatalf("expected robot busy with a RUNNING run, got %+v", view)
	}
}
