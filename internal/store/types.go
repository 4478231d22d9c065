package store

import "time"

// TaskStatus is a node in the Task lifecycle DAG: PENDING -> READY ->
// ASSIGNED -> DONE, with CANCELED reachable from any non-terminal state.
type TaskStatus string

const (
	TaskPending  TaskStatus = "PENDING"
	TaskReady    TaskStatus = "READY"
	TaskAssigned TaskStatus = "ASSIGNED"
	TaskDone     TaskStatus = "DONE"
	TaskCanceled TaskStatus = "CANCELED"
)

// TaskKind is the fixed set of work kinds the planner knows how to expand.
type TaskKind string

const (
	KindOrdering TaskKind = "ORDERING"
	KindDelivery TaskKind = "DELIVERY"
	KindCleanup  TaskKind = "CLEANUP"
	KindBilling  TaskKind = "BILLING"
	KindNavigate TaskKind = "NAVIGATE"
	KindCharging TaskKind = "CHARGING"
)

// Task is a unit of operator-visible work.
type Task struct {
	ID              int64
	Kind            TaskKind
	Title           string
	TargetKind      string
	TargetRef       string
	ReleaseAt       *time.Time
	Status          TaskStatus
	AssignedRobotID *string
	Notes           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PriorityOverride is an operator bias on one task's effective priority.
type PriorityOverride struct {
	TaskID    int64
	Override  int
	UpdatedAt time.Time
}

// RobotObservation is the most recent cached reading of a robot's state.
// The core never writes this table itself outside of tests; in production
// it is populated by the external robot-state poller via UpdateObservation.
type RobotObservation struct {
	RobotID       string
	Online        *bool
	Charging      *bool
	EmergencyStop *bool
	PosX, PosY    float64
	PosYaw        float64
	FreshAsOf     time.Time
}

// POIEntry is a resolved (area_id, x, y, yaw) for a (target_kind, target_ref)
// pair, the concrete default POI-mapping collaborator §4.4 requires.
type POIEntry struct {
	TargetKind string
	TargetRef  string
	AreaID     string
	X, Y, Yaw  float64
	RawJSON    string
	UpdatedAt  time.Time
}

// RunStatus is the WorkflowRun lifecycle: RUNNING -> {DONE, FAILED, CANCELED}.
type RunStatus string

const (
	RunRunning  RunStatus = "RUNNING"
	RunDone     RunStatus = "DONE"
	RunFailed   RunStatus = "FAILED"
	RunCanceled RunStatus = "CANCELED"
)

// WorkflowRun is one execution of one task on one robot.
type WorkflowRun struct {
	ID                  string
	TaskID              int64
	RobotID             string
	Status              RunStatus
	CurrentStepIndex    int
	TotalSteps          int
	CurrentVendorTaskID *string
	LastError           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// StepKind is the node type within a run's plan.
type StepKind string

const (
	StepNavigate      StepKind = "NAVIGATE"
	StepWait          StepKind = "WAIT"
	StepManualConfirm StepKind = "MANUAL_CONFIRM"
)

// WorkflowStep is one node in a run's plan.
type WorkflowStep struct {
	ID              string
	RunID           string
	StepIndex       int
	Kind            StepKind
	Code            string
	AreaID          string
	X, Y, Yaw       float64
	StopRadius      float64
	WaitSeconds     *int
	CompletedAt     *time.Time
	Decision        string
	DecisionPayload string
	Label           string
}
