// Package dispatch accepts action requests for agents, queues them when the
// agent is busy, dispatches them in the background when it is free, and
// drains one queued request per idle transition.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/teamflow-dev/teamflow/collab"
	"github.com/teamflow-dev/teamflow/engine"
	"github.com/teamflow-dev/teamflow/internal/events"
	"github.com/teamflow-dev/teamflow/internal/metrics"
	"github.com/teamflow-dev/teamflow/internal/pool"
	"github.com/teamflow-dev/teamflow/store"
	"github.com/teamflow-dev/teamflow/types"
)

// Outcome reports how a submitted request was handled.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeQueued     Outcome = "queued"
)

// Runner executes one action or one autonomous plan cycle to completion.
// Implemented by executor.Executor; attached after wiring.
type Runner interface {
	Run(ctx context.Context, teamID, agentID string, req *types.QueuedRequest) error
	RunAutonomous(ctx context.Context, teamID, agentID string) error
}

// Config tunes the dispatcher.
type Config struct {
	IdleMin time.Duration
	IdleMax time.Duration
}

// Dispatcher owns the request queue semantics and all background dispatch.
type Dispatcher struct {
	store   *store.Store
	roster  collab.Roster
	trans   *engine.Transitioner
	pool    *pool.Pool
	hub     *events.Hub
	metrics *metrics.Collector
	logger  *zap.Logger
	cfg     Config

	runner   Runner
	rosterSF singleflight.Group
}

// New creates a Dispatcher. Call SetRunner before submitting work, and
// attach the dispatcher to the Transitioner as its drainer.
func New(st *store.Store, roster collab.Roster, trans *engine.Transitioner, p *pool.Pool, hub *events.Hub, m *metrics.Collector, cfg Config, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:   st,
		roster:  roster,
		trans:   trans,
		pool:    p,
		hub:     hub,
		metrics: m,
		logger:  logger.With(zap.String("component", "dispatch")),
		cfg:     cfg,
	}
}

// SetRunner attaches the action runner. Must be called during wiring.
func (d *Dispatcher) SetRunner(r Runner) {
	d.runner = r
}

// Submit routes an incoming request for an agent.
//
// Agents inside a feedback session reject requests outright: sessions take
// strict precedence and are never silently interrupted, so the request is
// not enqueued either. A busy agent queues the request FIFO; a free agent
// is moved to the task's busy state synchronously and the work dispatched
// in the background.
func (d *Dispatcher) Submit(ctx context.Context, teamID, agentID string, req *types.QueuedRequest) (Outcome, error) {
	rec, err := d.store.GetState(ctx, teamID, agentID)
	if err != nil {
		return "", err
	}

	if rec.InFeedbackSession() {
		d.metrics.RecordDispatch("rejected")
		return "", types.NewErrorf(types.ErrParticipantBusy, "agent %s is in a feedback session", agentID).
			WithRetryable(true).
			WithHTTPStatus(http.StatusConflict)
	}

	if rec.Busy() {
		if err := d.store.Enqueue(ctx, teamID, agentID, req); err != nil {
			return "", err
		}
		d.metrics.RecordDispatch("queued")
		d.updateQueueDepth(ctx, teamID, agentID)
		d.hub.Publish(events.Event{
			Type:    events.EventRequestQueued,
			TeamID:  teamID,
			AgentID: agentID,
		})
		return OutcomeQueued, nil
	}

	if err := d.beginWork(ctx, teamID, agentID, rec, req); err != nil {
		return "", err
	}
	d.metrics.RecordDispatch("dispatched")
	return OutcomeDispatched, nil
}

// DrainOnIdle consumes at most one queued request at the moment the agent
// would become idle. With an empty queue it finalizes the idle state with a
// fresh timer; otherwise it dispatches the popped request instead.
func (d *Dispatcher) DrainOnIdle(ctx context.Context, teamID, agentID string) error {
	req, ok, err := d.store.DequeueOne(ctx, teamID, agentID)
	if err != nil {
		return err
	}
	d.updateQueueDepth(ctx, teamID, agentID)

	if !ok {
		rec := engine.NewIdleRecord(agentID, time.Now(), d.cfg.IdleMin, d.cfg.IdleMax)
		if err := d.store.SetState(ctx, teamID, agentID, rec); err != nil {
			return err
		}
		d.publishState(teamID, agentID, types.StateIdle)
		return nil
	}

	cur, err := d.store.GetState(ctx, teamID, agentID)
	if err != nil {
		return err
	}
	// The drain is the idle transition itself: the popped request leaves
	// from idle even though the interim idle record is never written.
	via := &types.AgentStateRecord{
		AgentID:         agentID,
		CurrentState:    types.StateIdle,
		LastStateChange: time.Now(),
		PlannedAction:   cur.PlannedAction,
	}
	return d.beginWork(ctx, teamID, agentID, via, req)
}

// TickIdleAgents triggers the autonomous planning transition for every
// roster agent whose idle timer has expired. The transition itself moves
// the agent out of idle, so a concurrent second tick observes a non-idle
// state and does nothing; that is the debounce.
func (d *Dispatcher) TickIdleAgents(ctx context.Context, teamID string) (int, error) {
	team, err := d.team(ctx, teamID)
	if err != nil {
		return 0, err
	}

	triggered := 0
	now := time.Now()
	for _, m := range team.Agents() {
		rec, err := d.store.GetState(ctx, teamID, m.ID)
		if err != nil {
			return triggered, err
		}
		if rec.CurrentState != types.StateIdle || rec.IsProcessing {
			continue
		}
		if rec.IdleTimer == nil || !rec.IdleTimer.Expired(now) {
			continue
		}
		if err := d.beginPlanning(ctx, teamID, m.ID, rec); err != nil {
			d.logger.Warn("failed to start planning",
				zap.String("team_id", teamID),
				zap.String("agent_id", m.ID),
				zap.Error(err),
			)
			continue
		}
		triggered++
	}
	return triggered, nil
}

// ForceClear forcibly overwrites the agent's state to idle, clears its
// queue, and verifies the overwrite took. The admin escape hatch: a late
// terminal write from in-flight work can race the overwrite, which the
// verification pass corrects.
func (d *Dispatcher) ForceClear(ctx context.Context, teamID, agentID string) error {
	if err := d.store.ClearQueue(ctx, teamID, agentID); err != nil {
		return err
	}
	d.updateQueueDepth(ctx, teamID, agentID)
	if err := d.trans.ForceIdle(ctx, teamID, agentID); err != nil {
		return err
	}
	d.metrics.RecordForcedClear()
	d.publishState(teamID, agentID, types.StateIdle)
	return d.trans.VerifyCleared(ctx, teamID, agentID)
}

// ResetAllAgents force-clears every agent on the team roster.
func (d *Dispatcher) ResetAllAgents(ctx context.Context, teamID string) error {
	team, err := d.team(ctx, teamID)
	if err != nil {
		return err
	}
	for _, m := range team.Agents() {
		if err := d.ForceClear(ctx, teamID, m.ID); err != nil {
			return fmt.Errorf("reset agent %s: %w", m.ID, err)
		}
	}
	return nil
}

// beginWork writes the busy-state record synchronously, then hands the
// request to the pool. The synchronous write is what makes a concurrent
// second Submit observe "busy" and queue instead of double-dispatching.
func (d *Dispatcher) beginWork(ctx context.Context, teamID, agentID string, prev *types.AgentStateRecord, req *types.QueuedRequest) error {
	busy := d.busyRecord(ctx, teamID, agentID, prev, req)
	if !engine.CanTransition(prev.CurrentState, busy.CurrentState) {
		return engine.ErrInvalidTransition{From: prev.CurrentState, To: busy.CurrentState}
	}
	if err := d.store.SetState(ctx, teamID, agentID, busy); err != nil {
		return err
	}
	d.metrics.RecordTransition(string(prev.CurrentState), string(busy.CurrentState))
	d.publishState(teamID, agentID, busy.CurrentState)

	if err := d.pool.Submit(func(bg context.Context) {
		defer d.finish(bg, teamID, agentID)
		if err := d.runner.Run(bg, teamID, agentID, req); err != nil {
			d.logger.Warn("action run failed",
				zap.String("team_id", teamID),
				zap.String("agent_id", agentID),
				zap.String("action", string(req.Type)),
				zap.Error(err),
			)
		}
	}); err != nil {
		// Pool saturated: fall back to the queue rather than lose the
		// request, and write idle directly (not via drain, which would
		// immediately re-pop the same request against a still-full pool).
		// The request goes back to the queue head so anything enqueued
		// after it cannot overtake it.
		d.logger.Warn("dispatch pool rejected task, requeueing request", zap.Error(err))
		if qErr := d.store.RequeueFront(ctx, teamID, agentID, req); qErr != nil {
			return qErr
		}
		idle := engine.NewIdleRecord(agentID, time.Now(), d.cfg.IdleMin, d.cfg.IdleMax)
		return d.store.SetState(ctx, teamID, agentID, idle)
	}
	return nil
}

// beginPlanning moves an idle agent to plan and runs the autonomous cycle
// in the background.
func (d *Dispatcher) beginPlanning(ctx context.Context, teamID, agentID string, prev *types.AgentStateRecord) error {
	if !engine.CanTransition(prev.CurrentState, types.StatePlan) {
		return engine.ErrInvalidTransition{From: prev.CurrentState, To: types.StatePlan}
	}
	now := time.Now()
	rec := &types.AgentStateRecord{
		AgentID:         agentID,
		CurrentState:    types.StatePlan,
		LastStateChange: now,
		IsProcessing:    true,
		CurrentTask: &types.TaskInfo{
			Type:                     types.TaskTypePlanning,
			Description:              "deciding next autonomous action",
			StartTime:                now,
			EstimatedDurationSeconds: estimatedSeconds(types.TaskTypePlanning),
			Trigger:                  types.TriggerAutonomous,
		},
		PlannedAction: prev.PlannedAction,
	}
	if err := d.store.SetState(ctx, teamID, agentID, rec); err != nil {
		return err
	}
	d.metrics.RecordTransition(string(types.StateIdle), string(types.StatePlan))
	d.publishState(teamID, agentID, types.StatePlan)

	return d.pool.Submit(func(bg context.Context) {
		defer d.finish(bg, teamID, agentID)
		if err := d.runner.RunAutonomous(bg, teamID, agentID); err != nil {
			d.logger.Warn("autonomous cycle failed",
				zap.String("team_id", teamID),
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
		}
	})
}

// finish is the terminal-state guarantee for background work. Whatever the
// run did or failed to do, the agent ends either back in idle (with one
// queued request drained) or in a feedback session that is verified to
// still be active. It must never stay dangling in action or reflecting.
func (d *Dispatcher) finish(ctx context.Context, teamID, agentID string) {
	rec, err := d.store.GetState(ctx, teamID, agentID)
	if err != nil {
		d.logger.Error("cannot read state after action, store unavailable",
			zap.String("team_id", teamID),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		return
	}

	if rec.InFeedbackSession() {
		if sid := rec.SessionID(); sid != "" {
			sess, err := d.store.GetSession(ctx, sid)
			if err == nil && !sess.Terminal() {
				return // session took over the agent; leave it alone
			}
		}
		d.logger.Warn("agent claims a feedback session that is not active, clearing",
			zap.String("team_id", teamID),
			zap.String("agent_id", agentID),
			zap.String("code", string(types.ErrStateCorruption)),
		)
		d.metrics.RecordForcedClear()
	}

	if err := d.trans.ToIdle(ctx, teamID, agentID); err != nil {
		d.logger.Error("terminal idle transition failed",
			zap.String("team_id", teamID),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) busyRecord(ctx context.Context, teamID, agentID string, prev *types.AgentStateRecord, req *types.QueuedRequest) *types.AgentStateRecord {
	now := time.Now()
	trigger := types.TriggerAIRequest
	if team, err := d.team(ctx, teamID); err == nil {
		human, _ := team.Human()
		trigger = req.Trigger(human.ID)
	}
	return &types.AgentStateRecord{
		AgentID:         agentID,
		CurrentState:    engine.StateForAction(req.Type),
		LastStateChange: now,
		IsProcessing:    true,
		CurrentTask: &types.TaskInfo{
			Type:                     string(req.Type),
			Description:              describeAction(req.Type),
			StartTime:                now,
			EstimatedDurationSeconds: estimatedSeconds(string(req.Type)),
			Trigger:                  trigger,
			RequestInfo: &types.RequestInfo{
				RequesterID:   req.RequesterID,
				RequesterName: req.RequesterName,
				Payload:       req.Payload,
			},
		},
		PlannedAction: prev.PlannedAction,
	}
}

func (d *Dispatcher) team(ctx context.Context, teamID string) (*collab.Team, error) {
	v, err, _ := d.rosterSF.Do(teamID, func() (any, error) {
		return d.roster.GetTeam(ctx, teamID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*collab.Team), nil
}

func (d *Dispatcher) updateQueueDepth(ctx context.Context, teamID, agentID string) {
	if n, err := d.store.QueueLen(ctx, teamID, agentID); err == nil {
		d.metrics.SetQueueDepth(teamID, agentID, float64(n))
	}
}

func (d *Dispatcher) publishState(teamID, agentID string, state types.AgentState) {
	d.hub.Publish(events.Event{
		Type:    events.EventStateChanged,
		TeamID:  teamID,
		AgentID: agentID,
		State:   state,
	})
}

func describeAction(action types.ActionType) string {
	switch action {
	case types.ActionGenerateIdea:
		return "generating a new idea"
	case types.ActionEvaluateIdea:
		return "evaluating an idea"
	case types.ActionGiveFeedback:
		return "starting a feedback session"
	case types.ActionMakeRequest:
		return "requesting help from a teammate"
	default:
		return string(action)
	}
}

func estimatedSeconds(taskType string) int {
	switch taskType {
	case string(types.ActionGenerateIdea):
		return 40
	case string(types.ActionEvaluateIdea):
		return 25
	case string(types.ActionGiveFeedback):
		return 30
	case string(types.ActionMakeRequest):
		return 15
	case types.TaskTypePlanning:
		return 10
	default:
		return 30
	}
}
