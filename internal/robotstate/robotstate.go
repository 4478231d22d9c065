// Package robotstate is the pure read view over the external robot state
// cache (C5): busy/eligible/reason for a registered robot.
package robotstate

import (
	"context"
	"fmt"

	"github.com/basket/roboserve/internal/store"
)

// View is a robot's derived eligibility snapshot for one tick.
type View struct {
	RobotID  string
	Busy     bool
	Eligible bool
	Reason   string
}

// Service answers eligibility/busy queries against the registry and the
// cached observation + running-run table (§4.2).
type Service struct {
	Store *store.Store
	// Registry is the configured set of robot identities (ROBOT_IDS).
	Registry []string
}

func NewService(st *store.Store, registry []string) *Service {
	return &Service{Store: st, Registry: registry}
}

// Registered reports whether robotID is a known identity. An unregistered
// robot is a hard "not eligible" regardless of cache state (§4.2).
func (s *Service) Registered(robotID string) bool {
	for _, id := range s.Registry {
		if id == robotID {
			return true
		}
	}
	return false
}

// View computes busy/eligible/reason for robotID.
func (s *Service) View(ctx context.Context, robotID string) (View, error) {
	if !s.Registered(robotID) {
		return View{RobotID: robotID, Eligible: false, Reason: "robot not registered"}, nil
	}

	running, err := s.Store.RunningRobotIDs(ctx)
	if err != nil {
		return View{}, fmt.Errorf("robot state view %s: %w", robotID, err)
	}
	busy := running[robotID]

	obs, err := s.Store.GetObservation(ctx, robotID)
	if err != nil {
		return View{}, fmt.Errorf("robot state view %s: %w", robotID, err)
	}

	view := View{RobotID: robotID, Busy: busy, Eligible: true}

	// Absence of a cached observation is permissive (§4.2): the
	// orchestrator must tolerate a transient monitor outage. A missing
	// robot identity (checked above) is the only hard no.
	if obs == nil {
		return view, nil
	}
	if obs.Online != nil && !*obs.Online {
		view.Eligible = false
		view.Reason = "robot offline"
		return view, nil
	}
	if obs.Charging != nil && *obs.Charging {
		view.Eligible = false
		view.Reason = "robot charging"
		return view, nil
	}
	if obs.EmergencyStop != nil && *obs.EmergencyStop {
		view.Eligible = false
		view.Reason = "emergency stop active"
		return view, nil
	}
	return view, nil
}
