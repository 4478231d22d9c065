// Package queue implements the queue manager (C4): promoting due tasks,
// computing effective priority, and ordering the ready queue.
package queue

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/basket/roboserve/internal/clockutil"
	"github.com/basket/roboserve/internal/store"
)

// basePriority is the per-kind base table, §4.1.
var basePriority = map[store.TaskKind]int{
	store.KindDelivery: 100,
	store.KindBilling:  80,
	store.KindOrdering: 60,
	store.KindNavigate: 30,
	store.KindCleanup:  10,
	store.KindCharging: 5,
}

// Manager exposes promote_due, ready_queue, and stats (§4.1).
type Manager struct {
	Store *store.Store
	Clock clockutil.Clock
}

func NewManager(st *store.Store, clock clockutil.Clock) *Manager {
	return &Manager{Store: st, Clock: clock}
}

// PromoteDue moves every due PENDING task to READY and returns the count.
func (m *Manager) PromoteDue(ctx context.Context) (int64, error) {
	return m.Store.PromoteDue(ctx)
}

// RankedTask is a READY task annotated with its resolved effective
// priority, ready for ordering.
type RankedTask struct {
	store.Task
	EffectivePriority float64
}

// ReadyQueue returns READY, unassigned tasks ordered by
// (-effective_priority, created_at ascending) — §4.1, tie-break oldest
// first.
func (m *Manager) ReadyQueue(ctx context.Context) ([]RankedTask, error) {
	tasks, err := m.Store.ReadyTasks(ctx)
	if err != nil {
		return nil, err
	}
	now := m.Clock.Now()

	ranked := make([]RankedTask, 0, len(tasks))
	for _, rt := range tasks {
		ranked = append(ranked, RankedTask{
			Task:              rt.Task,
			EffectivePriority: EffectivePriority(rt.Task.Kind, rt.Override, rt.Task.CreatedAt, now),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].EffectivePriority != ranked[j].EffectivePriority {
			return ranked[i].EffectivePriority > ranked[j].EffectivePriority
		}
		return ranked[i].CreatedAt.Before(ranked[j].CreatedAt)
	})
	return ranked, nil
}

// Stats returns per-status task counts plus TOTAL (§4.1).
func (m *Manager) Stats(ctx context.Context) (map[string]int, error) {
	return m.Store.TaskCounts(ctx)
}

// EffectivePriority = base(kind) + override + aging_bonus(created_at).
// aging_bonus = floor_minutes_since(created_at) / 10.0, one point per ten
// minutes waiting. All times are UTC; naive timestamps from the store are
// interpreted as UTC.
func EffectivePriority(kind store.TaskKind, override int, createdAt, now time.Time) float64 {
	minutesSince := now.Sub(createdAt.UTC()).Minutes()
	if minutesSince < 0 {
		minutesSince = 0
	}
	agingBonus := math.Floor(minutesSince) / 10.0
	return float64(basePriority[kind]+override) + agingBonus
}
