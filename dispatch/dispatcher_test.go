package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teamflow-dev/teamflow/engine"
	"github.com/teamflow-dev/teamflow/internal/events"
	"github.com/teamflow-dev/teamflow/internal/pool"
	"github.com/teamflow-dev/teamflow/store"
	"github.com/teamflow-dev/teamflow/testutil"
	"github.com/teamflow-dev/teamflow/types"
)

// recordingRunner records dispatched work and optionally blocks until
// released, so tests can hold an agent in its busy state.
type recordingRunner struct {
	mu         sync.Mutex
	runs       []*types.QueuedRequest
	autonomous []string
	block      chan struct{}
	err        error
}

func (r *recordingRunner) Run(ctx context.Context, teamID, agentID string, req *types.QueuedRequest) error {
	r.mu.Lock()
	r.runs = append(r.runs, req)
	blk := r.block
	err := r.err
	r.mu.Unlock()
	if blk != nil {
		<-blk
	}
	return err
}

func (r *recordingRunner) RunAutonomous(ctx context.Context, teamID, agentID string) error {
	r.mu.Lock()
	r.autonomous = append(r.autonomous, agentID)
	blk := r.block
	err := r.err
	r.mu.Unlock()
	if blk != nil {
		<-blk
	}
	return err
}

func (r *recordingRunner) runIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.runs))
	for i, req := range r.runs {
		ids[i] = req.ID
	}
	return ids
}

func (r *recordingRunner) autonomousAgents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.autonomous))
	copy(out, r.autonomous)
	return out
}

func setupDispatcher(t *testing.T) (*Dispatcher, *store.Store, *recordingRunner) {
	t.Helper()

	st, _ := testutil.NewTestStore(t)
	logger := zap.NewNop()

	hub := events.NewHub(64, logger)
	p := pool.New(2, 16, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})

	trans := engine.NewTransitioner(st, engine.TransitionConfig{
		Retries: 2,
		Backoff: time.Millisecond,
		IdleMin: 30 * time.Second,
		IdleMax: 60 * time.Second,
	}, logger)

	roster := testutil.NewFakeRoster(testutil.TestTeam())
	d := New(st, roster, trans, p, hub, nil, Config{
		IdleMin: 30 * time.Second,
		IdleMax: 60 * time.Second,
	}, logger)

	runner := &recordingRunner{}
	d.SetRunner(runner)
	trans.SetDrainer(d)

	return d, st, runner
}

func newRequest(id string, action types.ActionType) *types.QueuedRequest {
	return &types.QueuedRequest{
		ID:        id,
		Type:      action,
		TeamID:    "team-1",
		Timestamp: time.Now(),
	}
}

func waitForState(t *testing.T, st *store.Store, teamID, agentID string, want types.AgentState) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := st.GetState(context.Background(), teamID, agentID)
		return err == nil && rec.CurrentState == want && !rec.IsProcessing
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmit_FreeAgentIsDispatchedImmediately(t *testing.T) {
	d, st, runner := setupDispatcher(t)
	ctx := context.Background()
	runner.block = make(chan struct{})

	outcome, err := d.Submit(ctx, "team-1", "alice", newRequest("r1", types.ActionGenerateIdea))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatched, outcome)

	// The busy record is written synchronously, before the work runs.
	rec, err := st.GetState(ctx, "team-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StateAction, rec.CurrentState)
	assert.True(t, rec.IsProcessing)
	require.NotNil(t, rec.CurrentTask)
	assert.Equal(t, string(types.ActionGenerateIdea), rec.CurrentTask.Type)
	assert.Equal(t, types.TriggerAutonomous, rec.CurrentTask.Trigger)

	close(runner.block)
	waitForState(t, st, "team-1", "alice", types.StateIdle)
	assert.Equal(t, []string{"r1"}, runner.runIDs())
}

func TestSubmit_EvaluationOccupiesReflecting(t *testing.T) {
	d, st, runner := setupDispatcher(t)
	ctx := context.Background()
	runner.block = make(chan struct{})
	defer close(runner.block)

	_, err := d.Submit(ctx, "team-1", "alice", newRequest("r1", types.ActionEvaluateIdea))
	require.NoError(t, err)

	rec, err := st.GetState(ctx, "team-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StateReflecting, rec.CurrentState)
}

func TestSubmit_BusyAgentQueuesFIFO(t *testing.T) {
	d, st, runner := setupDispatcher(t)
	ctx := context.Background()
	runner.block = make(chan struct{})

	outcome, err := d.Submit(ctx, "team-1", "alice", newRequest("r1", types.ActionGenerateIdea))
	require.NoError(t, err)
	require.Equal(t, OutcomeDispatched, outcome)

	for _, id := range []string{"r2", "r3"} {
		outcome, err = d.Submit(ctx, "team-1", "alice", newRequest(id, types.ActionGenerateIdea))
		require.NoError(t, err)
		assert.Equal(t, OutcomeQueued, outcome)
	}

	n, err := st.QueueLen(ctx, "team-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Released, the idle transitions drain the queue one request at a time
	// in submission order.
	close(runner.block)
	require.Eventually(t, func() bool {
		return len(runner.runIDs()) == 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"r1", "r2", "r3"}, runner.runIDs())

	waitForState(t, st, "team-1", "alice", types.StateIdle)
	n, err = st.QueueLen(ctx, "team-1", "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubmit_AgentInSessionRejectsWithoutQueueing(t *testing.T) {
	d, st, _ := setupDispatcher(t)
	ctx := context.Background()

	require.NoError(t, st.SetState(ctx, "team-1", "alice", &types.AgentStateRecord{
		AgentID:      "alice",
		CurrentState: types.StateFeedbackSession,
		CurrentTask: &types.TaskInfo{
			Type:        string(types.ActionGiveFeedback),
			SessionInfo: &types.SessionInfo{SessionID: "sess-1"},
		},
	}))

	_, err := d.Submit(ctx, "team-1", "alice", newRequest("r1", types.ActionGenerateIdea))
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrParticipantBusy))
	assert.True(t, types.IsRetryable(err))

	// Sessions take precedence; the request is rejected, not parked.
	n, err := st.QueueLen(ctx, "team-1", "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrainOnIdle_EmptyQueueWritesFreshIdle(t *testing.T) {
	d, st, _ := setupDispatcher(t)
	ctx := context.Background()

	require.NoError(t, st.SetState(ctx, "team-1", "alice", &types.AgentStateRecord{
		AgentID:      "alice",
		CurrentState: types.StateAction,
		IsProcessing: true,
	}))

	require.NoError(t, d.DrainOnIdle(ctx, "team-1", "alice"))

	rec, err := st.GetState(ctx, "team-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StateIdle, rec.CurrentState)
	assert.False(t, rec.IsProcessing)
	require.NotNil(t, rec.IdleTimer)
	assert.GreaterOrEqual(t, rec.IdleTimer.PlannedDurationSeconds, 30)
}

func TestDrainOnIdle_DispatchesOldestQueuedRequest(t *testing.T) {
	d, st, runner := setupDispatcher(t)
	ctx := context.Background()
	runner.block = make(chan struct{})
	defer close(runner.block)

	require.NoError(t, st.Enqueue(ctx, "team-1", "alice", newRequest("first", types.ActionGenerateIdea)))
	require.NoError(t, st.Enqueue(ctx, "team-1", "alice", newRequest("second", types.ActionGenerateIdea)))

	require.NoError(t, d.DrainOnIdle(ctx, "team-1", "alice"))

	require.Eventually(t, func() bool {
		return len(runner.runIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"first"}, runner.runIDs())

	n, err := st.QueueLen(ctx, "team-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestTickIdleAgents_TriggersOnlyExpiredTimers(t *testing.T) {
	d, st, runner := setupDispatcher(t)
	ctx := context.Background()
	runner.block = make(chan struct{})
	defer close(runner.block)

	past := time.Now().Add(-5 * time.Minute)
	require.NoError(t, st.SetState(ctx, "team-1", "alice", &types.AgentStateRecord{
		AgentID:      "alice",
		CurrentState: types.StateIdle,
		IdleTimer:    &types.IdleTimer{StartTime: past, PlannedDurationSeconds: 45},
	}))
	require.NoError(t, st.SetState(ctx, "team-1", "bob", &types.AgentStateRecord{
		AgentID:      "bob",
		CurrentState: types.StateIdle,
		IdleTimer:    &types.IdleTimer{StartTime: time.Now(), PlannedDurationSeconds: 3600},
	}))
	require.NoError(t, st.SetState(ctx, "team-1", "carol", &types.AgentStateRecord{
		AgentID:      "carol",
		CurrentState: types.StateAction,
		IsProcessing: true,
	}))

	triggered, err := d.TickIdleAgents(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, 1, triggered)

	rec, err := st.GetState(ctx, "team-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StatePlan, rec.CurrentState)
	require.NotNil(t, rec.CurrentTask)
	assert.Equal(t, types.TaskTypePlanning, rec.CurrentTask.Type)

	require.Eventually(t, func() bool {
		return len(runner.autonomousAgents()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"alice"}, runner.autonomousAgents())

	// A second tick sees alice already in plan and does not double-trigger.
	triggered, err = d.TickIdleAgents(ctx, "team-1")
	require.NoError(t, err)
	assert.Zero(t, triggered)
}

func TestForceClear_ResetsStateAndQueue(t *testing.T) {
	d, st, _ := setupDispatcher(t)
	ctx := context.Background()

	require.NoError(t, st.SetState(ctx, "team-1", "alice", &types.AgentStateRecord{
		AgentID:      "alice",
		CurrentState: types.StateFeedbackWaiting,
		IsProcessing: true,
		CurrentTask:  &types.TaskInfo{Type: string(types.ActionGiveFeedback)},
	}))
	require.NoError(t, st.Enqueue(ctx, "team-1", "alice", newRequest("stale", types.ActionGenerateIdea)))

	require.NoError(t, d.ForceClear(ctx, "team-1", "alice"))

	rec, err := st.GetState(ctx, "team-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StateIdle, rec.CurrentState)
	assert.False(t, rec.IsProcessing)
	assert.Nil(t, rec.CurrentTask)

	n, err := st.QueueLen(ctx, "team-1", "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResetAllAgents(t *testing.T) {
	d, st, _ := setupDispatcher(t)
	ctx := context.Background()

	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, st.SetState(ctx, "team-1", id, &types.AgentStateRecord{
			AgentID:      id,
			CurrentState: types.StateAction,
			IsProcessing: true,
		}))
	}

	require.NoError(t, d.ResetAllAgents(ctx, "team-1"))

	for _, id := range []string{"alice", "bob", "carol"} {
		rec, err := st.GetState(ctx, "team-1", id)
		require.NoError(t, err)
		assert.Equal(t, types.StateIdle, rec.CurrentState, "agent %s", id)
	}
}

func TestSubmit_RequesterDerivesTrigger(t *testing.T) {
	d, st, runner := setupDispatcher(t)
	ctx := context.Background()
	runner.block = make(chan struct{})
	defer close(runner.block)

	req := newRequest("r1", types.ActionGenerateIdea)
	req.RequesterID = "dana" // the team's human
	req.RequesterName = "Dana"

	_, err := d.Submit(ctx, "team-1", "alice", req)
	require.NoError(t, err)

	rec, err := st.GetState(ctx, "team-1", "alice")
	require.NoError(t, err)
	require.NotNil(t, rec.CurrentTask)
	assert.Equal(t, types.TriggerUserRequest, rec.CurrentTask.Trigger)
	require.NotNil(t, rec.CurrentTask.RequestInfo)
	assert.Equal(t, "dana", rec.CurrentTask.RequestInfo.RequesterID)
}

func TestDrainOnIdle_SaturatedPoolPreservesQueueOrder(t *testing.T) {
	st, _ := testutil.NewTestStore(t)
	logger := zap.NewNop()

	hub := events.NewHub(64, logger)
	p := pool.New(1, 1, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})

	trans := engine.NewTransitioner(st, engine.TransitionConfig{
		Retries: 2,
		Backoff: time.Millisecond,
		IdleMin: 30 * time.Second,
		IdleMax: 60 * time.Second,
	}, logger)
	d := New(st, testutil.NewFakeRoster(testutil.TestTeam()), trans, p, hub, nil, Config{
		IdleMin: 30 * time.Second,
		IdleMax: 60 * time.Second,
	}, logger)
	d.SetRunner(&recordingRunner{})
	trans.SetDrainer(d)
	ctx := context.Background()

	// Occupy the single worker and the single queue slot so the drain's
	// dispatch is rejected by the pool.
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func(context.Context) { close(started); <-release }))
	<-started
	require.NoError(t, p.Submit(func(context.Context) {}))
	defer close(release)

	require.NoError(t, st.Enqueue(ctx, "team-1", "alice", newRequest("first", types.ActionGenerateIdea)))
	require.NoError(t, st.Enqueue(ctx, "team-1", "alice", newRequest("second", types.ActionGenerateIdea)))

	require.NoError(t, d.DrainOnIdle(ctx, "team-1", "alice"))

	// The popped request went back to the queue head: nothing that arrived
	// later may overtake it.
	n, err := st.QueueLen(ctx, "team-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	var order []string
	for i := 0; i < 2; i++ {
		req, ok, err := st.DequeueOne(ctx, "team-1", "alice")
		require.NoError(t, err)
		require.True(t, ok)
		order = append(order, req.ID)
	}
	assert.Equal(t, []string{"first", "second"}, order)

	rec, err := st.GetState(ctx, "team-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StateIdle, rec.CurrentState)
}

func TestBeginWork_IllegalTransitionIsRefused(t *testing.T) {
	d, st, runner := setupDispatcher(t)
	ctx := context.Background()

	prev := &types.AgentStateRecord{
		AgentID:      "alice",
		CurrentState: types.StateFeedbackSession,
		IsProcessing: true,
	}
	require.NoError(t, st.SetState(ctx, "team-1", "alice", prev))

	err := d.beginWork(ctx, "team-1", "alice", prev, newRequest("r1", types.ActionGenerateIdea))
	var invalid engine.ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, types.StateFeedbackSession, invalid.From)
	assert.Equal(t, types.StateAction, invalid.To)

	// The record is untouched and no work was dispatched.
	rec, err := st.GetState(ctx, "team-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, types.StateFeedbackSession, rec.CurrentState)
	assert.Empty(t, runner.runIDs())
}
