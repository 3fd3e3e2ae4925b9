package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/teamflow-dev/teamflow/types"
)

func TestNewIdleTimer_WithinBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		minSec := rapid.IntRange(1, 300).Draw(rt, "minSec")
		spread := rapid.IntRange(1, 300).Draw(rt, "spread")

		min := time.Duration(minSec) * time.Second
		max := min + time.Duration(spread)*time.Second

		timer := NewIdleTimer(time.Now(), min, max)
		if timer.PlannedDurationSeconds < minSec {
			rt.Fatalf("planned %d below min %d", timer.PlannedDurationSeconds, minSec)
		}
		if timer.PlannedDurationSeconds >= minSec+spread {
			rt.Fatalf("planned %d at or above max %d", timer.PlannedDurationSeconds, minSec+spread)
		}
	})
}

func TestNewIdleTimer_FallsBackOnInvalidBounds(t *testing.T) {
	for _, tc := range []struct {
		name     string
		min, max time.Duration
	}{
		{"zero bounds", 0, 0},
		{"max below min", time.Minute, time.Second},
		{"max equals min", time.Minute, time.Minute},
	} {
		t.Run(tc.name, func(t *testing.T) {
			timer := NewIdleTimer(time.Now(), tc.min, tc.max)
			assert.GreaterOrEqual(t, timer.PlannedDurationSeconds, 30)
			assert.Less(t, timer.PlannedDurationSeconds, 60)
		})
	}
}

func TestIdleTimer_RemainingClampsToZero(t *testing.T) {
	start := time.Now()
	timer := &types.IdleTimer{StartTime: start, PlannedDurationSeconds: 45}

	assert.Equal(t, 45*time.Second, timer.Remaining(start))
	assert.Equal(t, 15*time.Second, timer.Remaining(start.Add(30*time.Second)))

	// Past the planned duration the remainder stays zero, never negative.
	assert.Equal(t, time.Duration(0), timer.Remaining(start.Add(50*time.Second)))
	assert.Equal(t, time.Duration(0), timer.Remaining(start.Add(time.Hour)))
}

func TestIdleTimer_Expired(t *testing.T) {
	start := time.Now()
	timer := &types.IdleTimer{StartTime: start, PlannedDurationSeconds: 45}

	assert.False(t, timer.Expired(start.Add(44*time.Second)))
	assert.True(t, timer.Expired(start.Add(45*time.Second)))
	assert.True(t, timer.Expired(start.Add(46*time.Second)))
}

func TestNewIdleRecord(t *testing.T) {
	now := time.Now()
	rec := NewIdleRecord("alice", now, 30*time.Second, 60*time.Second)

	assert.Equal(t, "alice", rec.AgentID)
	assert.Equal(t, types.StateIdle, rec.CurrentState)
	assert.Equal(t, now, rec.LastStateChange)
	assert.False(t, rec.IsProcessing)
	assert.Nil(t, rec.CurrentTask)
	assert.Nil(t, rec.PlannedAction)
	require.NotNil(t, rec.IdleTimer)
	assert.Equal(t, now, rec.IdleTimer.StartTime)
}
