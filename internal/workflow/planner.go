// Package workflow implements the workflow planner (C7) and the
// step-by-step workflow executor (C8).
package workflow

import (
	"context"
	"fmt"

	"github.com/basket/roboserve/internal/store"
)

// POIMapper resolves a (target_kind, target_ref) pair to a concrete
// navigable position. A nil entry means the target cannot be resolved; the
// planner then returns *ErrPlanResolutionFailed and no run is persisted.
type POIMapper interface {
	Resolve(ctx context.Context, targetKind, targetRef string) (*store.POIEntry, error)
}

// StoreMapper adapts the store's POI cache to POIMapper — the concrete
// default collaborator (see SPEC_FULL.md's supplemented features).
type StoreMapper struct {
	Store *store.Store
}

func (m StoreMapper) Resolve(ctx context.Context, targetKind, targetRef string) (*store.POIEntry, error) {
	return m.Store.ResolvePOI(ctx, targetKind, targetRef)
}

const defaultStopRadius = 1.0

// ErrPlanResolutionFailed marks the "plan-time POI resolution failed" case.
// The assignment engine turns it into a CANCELED task (with the failure in
// its notes) rather than a persisted run.
type ErrPlanResolutionFailed struct {
	TargetKind, TargetRef string
}

func (e *ErrPlanResolutionFailed) Error() string {
	return fmt.Sprintf("cannot resolve target %s/%s", e.TargetKind, e.TargetRef)
}

func navStep(code string, poi *store.POIEntry) store.PlannedStep {
	return store.PlannedStep{
		Kind:       store.StepNavigate,
		Code:       code,
		AreaID:     poi.AreaID,
		X:          poi.X,
		Y:          poi.Y,
		Yaw:        poi.Yaw,
		StopRadius: defaultStopRadius,
		Label:      code,
	}
}

func confirmStep(code string) store.PlannedStep {
	return store.PlannedStep{Kind: store.StepManualConfirm, Code: code, Label: code}
}

func waitForeverStep(code string) store.PlannedStep {
	return store.PlannedStep{Kind: store.StepWait, Code: code, Label: code}
}

// Planner turns (task.kind, target) into a finite ordered list of
// WorkflowStep templates, fixed per kind for v0 (§4.4).
type Planner struct {
	Mapper POIMapper
}

func NewPlanner(mapper POIMapper) *Planner {
	return &Planner{Mapper: mapper}
}

// Plan resolves task's target and returns its step templates. Returns
// *ErrPlanResolutionFailed when any navigation target cannot be resolved.
func (p *Planner) Plan(ctx context.Context, task *store.Task) ([]store.PlannedStep, error) {
	switch task.Kind {
	case store.KindNavigate:
		poi, err := p.resolve(ctx, task.TargetKind, task.TargetRef)
		if err != nil {
			return nil, err
		}
		return []store.PlannedStep{navStep("NAVIGATE_TARGET", poi)}, nil

	case store.KindDelivery:
		poi, err := p.resolve(ctx, task.TargetKind, task.TargetRef)
		if err != nil {
			return nil, err
		}
		return []store.PlannedStep{
			confirmStep("DELIVERY_LOADED"),
			navStep("DELIVERY_NAVIGATE", poi),
			confirmStep("DELIVERY_ARRIVED"),
			confirmStep("DELIVERY_HANDED_OFF"),
		}, nil

	case store.KindCleanup:
		target, err := p.resolve(ctx, task.TargetKind, task.TargetRef)
		if err != nil {
			return nil, err
		}
		washing, err := p.resolve(ctx, "POI", "washing")
		if err != nil {
			return nil, err
		}
		return []store.PlannedStep{
			navStep("CLEANUP_NAVIGATE", target),
			confirmStep("CLEANUP_HAS_DISHES"),
			navStep("CLEANUP_NAVIGATE_WASHING", washing),
			confirmStep("CLEANUP_MORE_DISHES"),
		}, nil

	case store.KindOrdering:
		poi, err := p.resolve(ctx, task.TargetKind, task.TargetRef)
		if err != nil {
			return nil, err
		}
		return []store.PlannedStep{
			navStep("ORDERING_NAVIGATE", poi),
			confirmStep("ORDER_DECISION"),
		}, nil

	case store.KindBilling:
		poi, err := p.resolve(ctx, task.TargetKind, task.TargetRef)
		if err != nil {
			return nil, err
		}
		return []store.PlannedStep{
			navStep("BILLING_NAVIGATE", poi),
			confirmStep("BILLING_PAID"),
		}, nil

	case store.KindCharging:
		dock, err := p.resolve(ctx, "POI", "charging_dock")
		if err != nil {
			return nil, err
		}
		return []store.PlannedStep{
			navStep("CHARGING_NAVIGATE", dock),
			waitForeverStep("CHARGING_WAIT_UNPARK"),
		}, nil

	default:
		return nil, fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

func (p *Planner) resolve(ctx context.Context, targetKind, targetRef string) (*store.POIEntry, error) {
	poi, err := p.Mapper.Resolve(ctx, targetKind, targetRef)
	if err != nil {
		return nil, fmt.Errorf("resolve %s/%s: %w", targetKind, targetRef, err)
	}
	if poi == nil {
		return nil, &ErrPlanResolutionFailed{TargetKind: targetKind, TargetRef: targetRef}
	}
	return poi, nil
}
