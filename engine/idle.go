package engine

import (
	"math/rand/v2"
	"time"

	"github.com/teamflow-dev/teamflow/types"
)

// Default idle timer draw bounds. A planned duration is drawn uniformly
// from [DefaultIdleMin, DefaultIdleMax) so agents sharing a team do not act
// in lockstep.
const (
	DefaultIdleMin = 30 * time.Second
	DefaultIdleMax = 60 * time.Second
)

// NewIdleTimer draws a randomized idle timer starting at now. min and max
// fall back to the defaults when unset or inconsistent.
func NewIdleTimer(now time.Time, min, max time.Duration) *types.IdleTimer {
	if min <= 0 || max <= min {
		min, max = DefaultIdleMin, DefaultIdleMax
	}
	spread := int((max - min) / time.Second)
	planned := int(min/time.Second) + rand.N(spread)
	return &types.IdleTimer{
		StartTime:              now,
		PlannedDurationSeconds: planned,
	}
}

// NewIdleRecord builds a complete, internally consistent idle record for an
// agent: no task, no processing flag, a fresh idle timer.
func NewIdleRecord(agentID string, now time.Time, min, max time.Duration) *types.AgentStateRecord {
	return &types.AgentStateRecord{
		AgentID:         agentID,
		CurrentState:    types.StateIdle,
		LastStateChange: now,
		IsProcessing:    false,
		IdleTimer:       NewIdleTimer(now, min, max),
	}
}
