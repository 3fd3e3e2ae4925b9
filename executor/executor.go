// Package executor runs one concrete agent action to completion: generate
// an idea, evaluate an idea, open a feedback session, or request help from
// a teammate. Generation and memory failures are absorbed here and never
// propagate in a way that could skip the terminal state transition; the
// dispatcher guarantees the agent returns to idle afterwards.
package executor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/teamflow-dev/teamflow/collab"
	"github.com/teamflow-dev/teamflow/engine"
	"github.com/teamflow-dev/teamflow/internal/metrics"
	"github.com/teamflow-dev/teamflow/store"
	"github.com/teamflow-dev/teamflow/types"
)

// SessionCreator opens a feedback session on behalf of an agent.
// Implemented by session.Coordinator.
type SessionCreator interface {
	Create(ctx context.Context, teamID, initiatorRef, targetRef, feedbackContext, opening string) (*types.FeedbackSession, error)
}

// RequestSubmitter forwards a make_request action to the target agent's
// queue. Implemented by dispatch.Dispatcher; attached after wiring.
type RequestSubmitter interface {
	Submit(ctx context.Context, teamID, agentID string, req *types.QueuedRequest) error
}

// Executor implements dispatch.Runner.
type Executor struct {
	store    *store.Store
	gen      collab.Generator
	content  collab.ContentStore
	memory   collab.Memory
	roster   collab.Roster
	sessions SessionCreator
	metrics  *metrics.Collector
	logger   *zap.Logger
	tracer   trace.Tracer

	submitter RequestSubmitter
}

// New creates an Executor. Call SetSubmitter during wiring so make_request
// can reach the dispatcher.
func New(st *store.Store, gen collab.Generator, content collab.ContentStore, memory collab.Memory, roster collab.Roster, sessions SessionCreator, m *metrics.Collector, logger *zap.Logger) *Executor {
	return &Executor{
		store:    st,
		gen:      gen,
		content:  content,
		memory:   memory,
		roster:   roster,
		sessions: sessions,
		metrics:  m,
		logger:   logger.With(zap.String("component", "executor")),
		tracer:   otel.Tracer("teamflow/executor"),
	}
}

// SetSubmitter attaches the request submitter. Must be called during wiring.
func (e *Executor) SetSubmitter(s RequestSubmitter) {
	e.submitter = s
}

// Run executes one requested action. A nil return does not imply the action
// produced an artifact: unmet preconditions and recovered generation
// failures are no-op outcomes, visible only in logs and chat notices.
func (e *Executor) Run(ctx context.Context, teamID, agentID string, req *types.QueuedRequest) error {
	ctx, span := e.tracer.Start(ctx, "executor.run",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.String("agent_id", agentID),
			attribute.String("action", string(req.Type)),
		))
	defer span.End()

	start := time.Now()
	defer func() {
		e.metrics.RecordAction(string(req.Type), time.Since(start))
	}()

	switch req.Type {
	case types.ActionGenerateIdea:
		return e.generateIdea(ctx, teamID, agentID)
	case types.ActionEvaluateIdea:
		return e.evaluateIdea(ctx, teamID, agentID)
	case types.ActionGiveFeedback:
		return e.giveFeedback(ctx, teamID, agentID, req)
	case types.ActionMakeRequest:
		return e.makeRequest(ctx, teamID, agentID, req)
	default:
		e.logger.Warn("unknown action type, skipping",
			zap.String("agent_id", agentID),
			zap.String("action", string(req.Type)),
		)
		return nil
	}
}

// RunAutonomous is one full plan-then-act cycle, entered when an agent's
// idle timer expires. A plan that picks no action is a wait: the agent just
// returns to idle with a fresh timer.
func (e *Executor) RunAutonomous(ctx context.Context, teamID, agentID string) error {
	ctx, span := e.tracer.Start(ctx, "executor.autonomous",
		trace.WithAttributes(
			attribute.String("team_id", teamID),
			attribute.String("agent_id", agentID),
		))
	defer span.End()

	gctx, err := e.buildContext(ctx, teamID, agentID)
	if err != nil {
		return err
	}
	plan, err := e.gen.Generate(ctx, collab.GenerationRequest{
		Kind:    collab.KindPlan,
		TeamID:  teamID,
		AgentID: agentID,
		Context: gctx,
	})
	if err != nil {
		e.metrics.RecordGenerationFailure(string(collab.KindPlan))
		e.logger.Warn("planning generation failed",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		return nil // recoverable; agent goes back to idle
	}

	switch plan.Action {
	case types.ActionGenerateIdea, types.ActionEvaluateIdea, types.ActionGiveFeedback, types.ActionMakeRequest:
	default:
		e.logger.Debug("plan decided to wait", zap.String("agent_id", agentID))
		return nil
	}

	// Planning runs in the background, and the agent may have been claimed
	// by a feedback session or force-cleared in the meantime. Acting is only
	// legal from a state the transition table allows into the action state.
	cur, err := e.store.GetState(ctx, teamID, agentID)
	if err != nil {
		return err
	}
	next := engine.StateForAction(plan.Action)
	if !engine.CanTransition(cur.CurrentState, next) {
		e.logger.Info("planned action dropped, agent no longer available",
			zap.String("agent_id", agentID),
			zap.String("state", string(cur.CurrentState)),
			zap.String("action", string(plan.Action)),
		)
		return nil
	}

	now := time.Now()
	rec := &types.AgentStateRecord{
		AgentID:         agentID,
		CurrentState:    next,
		LastStateChange: now,
		IsProcessing:    true,
		CurrentTask: &types.TaskInfo{
			Type:        string(plan.Action),
			Description: plan.Content,
			StartTime:   now,
			Trigger:     types.TriggerAutonomous,
		},
		PlannedAction: &types.PlannedAction{
			Action:      plan.Action,
			TargetIndex: plan.TargetIndex,
			Reason:      plan.Content,
		},
	}
	if err := e.store.SetState(ctx, teamID, agentID, rec); err != nil {
		return err
	}
	e.metrics.RecordTransition(string(cur.CurrentState), string(rec.CurrentState))

	return e.Run(ctx, teamID, agentID, &types.QueuedRequest{
		ID:        uuid.New().String(),
		Type:      plan.Action,
		Timestamp: now,
		TeamID:    teamID,
	})
}

func (e *Executor) generateIdea(ctx context.Context, teamID, agentID string) error {
	gctx, err := e.buildContext(ctx, teamID, agentID)
	if err != nil {
		return err
	}

	gen, err := e.gen.Generate(ctx, collab.GenerationRequest{
		Kind:    collab.KindIdea,
		TeamID:  teamID,
		AgentID: agentID,
		Context: gctx,
	})
	if err != nil {
		return e.generationFailure(ctx, teamID, agentID, collab.KindIdea, err)
	}

	idea := collab.Idea{
		ID:        uuid.New().String(),
		TeamID:    teamID,
		AuthorID:  agentID,
		Content:   gen.Content,
		CreatedAt: time.Now(),
	}
	if _, err := e.content.AppendIdea(ctx, idea); err != nil {
		return fmt.Errorf("persist idea: %w", err)
	}

	e.notifyMemory(agentID, collab.MemoryIdeaGenerated, gen.Content, "", teamID)
	e.logger.Info("idea generated",
		zap.String("team_id", teamID),
		zap.String("agent_id", agentID),
		zap.String("idea_id", idea.ID),
	)
	return nil
}

func (e *Executor) evaluateIdea(ctx context.Context, teamID, agentID string) error {
	ideas, err := e.content.ListIdeas(ctx, teamID)
	if err != nil {
		return fmt.Errorf("list ideas: %w", err)
	}

	var candidates []collab.Idea
	for _, idea := range ideas {
		if idea.AuthorID == agentID || idea.EvaluatedBy(agentID) {
			continue
		}
		candidates = append(candidates, idea)
	}
	if len(candidates) == 0 {
		// No eligible idea is a no-op outcome, not an error.
		e.logger.Debug("no unevaluated ideas available",
			zap.String("agent_id", agentID),
			zap.String("code", string(types.ErrPreconditionNotMet)),
		)
		return nil
	}

	target := e.pickIdea(ctx, teamID, agentID, candidates)

	gctx, err := e.buildContext(ctx, teamID, agentID)
	if err != nil {
		return err
	}
	gctx["idea_id"] = target.ID
	gctx["idea_content"] = target.Content
	gctx["idea_author"] = target.AuthorID

	gen, err := e.gen.Generate(ctx, collab.GenerationRequest{
		Kind:    collab.KindEvaluation,
		TeamID:  teamID,
		AgentID: agentID,
		Context: gctx,
	})
	if err != nil {
		return e.generationFailure(ctx, teamID, agentID, collab.KindEvaluation, err)
	}

	ev := collab.Evaluation{
		EvaluatorID: agentID,
		Content:     gen.Content,
		CreatedAt:   time.Now(),
	}
	if err := e.content.AppendEvaluation(ctx, teamID, target.ID, ev); err != nil {
		return fmt.Errorf("persist evaluation: %w", err)
	}

	e.notifyMemory(agentID, collab.MemoryIdeaEvaluated, gen.Content, target.AuthorID, teamID)
	e.logger.Info("idea evaluated",
		zap.String("team_id", teamID),
		zap.String("agent_id", agentID),
		zap.String("idea_id", target.ID),
	)
	return nil
}

// pickIdea honors a planned target index when the planning stage selected
// one; otherwise it picks uniformly at random.
func (e *Executor) pickIdea(ctx context.Context, teamID, agentID string, candidates []collab.Idea) collab.Idea {
	rec, err := e.store.GetState(ctx, teamID, agentID)
	if err == nil && rec.PlannedAction != nil && rec.PlannedAction.TargetIndex != nil {
		if i := *rec.PlannedAction.TargetIndex; i >= 0 && i < len(candidates) {
			return candidates[i]
		}
	}
	return candidates[rand.N(len(candidates))]
}

func (e *Executor) giveFeedback(ctx context.Context, teamID, agentID string, req *types.QueuedRequest) error {
	team, err := e.roster.GetTeam(ctx, teamID)
	if err != nil {
		return fmt.Errorf("load team: %w", err)
	}

	targetID := payloadString(req.Payload, "target_id")
	if targetID == "" {
		related := team.RelatedTo(agentID)
		if len(related) == 0 {
			e.logger.Debug("no authorized feedback counterpart",
				zap.String("agent_id", agentID),
				zap.String("code", string(types.ErrPreconditionNotMet)),
			)
			return nil
		}
		targetID = related[rand.N(len(related))].ID
	}

	gctx, err := e.buildContext(ctx, teamID, agentID)
	if err != nil {
		return err
	}
	gctx["target_id"] = targetID

	opening := ""
	if gen, err := e.gen.Generate(ctx, collab.GenerationRequest{
		Kind:    collab.KindReply,
		TeamID:  teamID,
		AgentID: agentID,
		Context: gctx,
	}); err != nil {
		e.metrics.RecordGenerationFailure(string(collab.KindReply))
		e.logger.Warn("opening message generation failed, creating session without one",
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
	} else {
		opening = gen.Content
	}

	fbContext := payloadString(req.Payload, "context")
	if fbContext == "" {
		fbContext = "agent-initiated feedback"
	}
	_, err = e.sessions.Create(ctx, teamID, agentID, targetID, fbContext, opening)
	switch {
	case err == nil:
		return nil
	case types.IsErrorCode(err, types.ErrParticipantBusy),
		types.IsErrorCode(err, types.ErrLockNotAcquired),
		types.IsErrorCode(err, types.ErrAuthorizationDenied):
		// Recoverable for an agent-initiated attempt: log and go idle.
		e.logger.Info("feedback session not created",
			zap.String("agent_id", agentID),
			zap.String("target_id", targetID),
			zap.String("code", string(types.GetErrorCode(err))),
		)
		return nil
	default:
		return err
	}
}

func (e *Executor) makeRequest(ctx context.Context, teamID, agentID string, req *types.QueuedRequest) error {
	team, err := e.roster.GetTeam(ctx, teamID)
	if err != nil {
		return fmt.Errorf("load team: %w", err)
	}

	// The acting agent never targets itself; no eligible target fails
	// closed with no message sent.
	var candidates []collab.Member
	for _, m := range team.Agents() {
		if m.ID != agentID {
			candidates = append(candidates, m)
		}
	}
	targetID := payloadString(req.Payload, "target_id")
	if targetID == agentID {
		targetID = ""
	}
	if targetID == "" {
		if len(candidates) == 0 {
			e.logger.Debug("no eligible request target",
				zap.String("agent_id", agentID),
				zap.String("code", string(types.ErrPreconditionNotMet)),
			)
			return nil
		}
		targetID = candidates[rand.N(len(candidates))].ID
	}

	gctx, err := e.buildContext(ctx, teamID, agentID)
	if err != nil {
		return err
	}
	gctx["target_id"] = targetID

	gen, err := e.gen.Generate(ctx, collab.GenerationRequest{
		Kind:    collab.KindRequest,
		TeamID:  teamID,
		AgentID: agentID,
		Context: gctx,
	})
	if err != nil {
		return e.generationFailure(ctx, teamID, agentID, collab.KindRequest, err)
	}

	if _, err := e.content.AppendChat(ctx, collab.ChatMessage{
		ID:        uuid.New().String(),
		TeamID:    teamID,
		Sender:    agentID,
		Content:   gen.Content,
		CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("persist request message: %w", err)
	}

	requested := types.ActionType(payloadString(req.Payload, "requested_action"))
	if requested == "" {
		requested = types.ActionGenerateIdea
	}
	member, _ := team.Resolve(agentID)
	err = e.submitter.Submit(ctx, teamID, targetID, &types.QueuedRequest{
		ID:            uuid.New().String(),
		Type:          requested,
		RequesterID:   agentID,
		RequesterName: member.Name,
		Payload:       map[string]any{"message": gen.Content},
		Timestamp:     time.Now(),
		TeamID:        teamID,
	})
	if err != nil {
		if types.IsErrorCode(err, types.ErrParticipantBusy) {
			e.logger.Info("request target busy in a session, message delivered only",
				zap.String("agent_id", agentID),
				zap.String("target_id", targetID),
			)
		} else {
			return err
		}
	}

	e.notifyMemory(agentID, collab.MemoryRequestMade, gen.Content, targetID, teamID)
	return nil
}

// buildContext accumulates the generation context: team topic, existing
// content summary, and the agent's recalled memory.
func (e *Executor) buildContext(ctx context.Context, teamID, agentID string) (map[string]any, error) {
	team, err := e.roster.GetTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("load team: %w", err)
	}

	gctx := map[string]any{
		"team_name": team.Name,
		"topic":     team.Topic,
	}
	if ideas, err := e.content.ListIdeas(ctx, teamID); err == nil {
		gctx["idea_count"] = len(ideas)
	}
	if mem, err := e.memory.Recall(ctx, agentID, teamID); err == nil && mem != "" {
		gctx["memory"] = mem
	}
	return gctx, nil
}

// generationFailure records a failed content call, drops a terse system
// notice into the chat, and reports success to the caller: generation
// failures are recoverable and never fatal to the agent's lifecycle.
func (e *Executor) generationFailure(ctx context.Context, teamID, agentID string, kind collab.GenerationKind, cause error) error {
	e.metrics.RecordGenerationFailure(string(kind))
	e.logger.Warn("content generation failed",
		zap.String("team_id", teamID),
		zap.String("agent_id", agentID),
		zap.String("kind", string(kind)),
		zap.String("code", string(types.ErrGenerationFailed)),
		zap.Error(cause),
	)
	if _, err := e.content.AppendChat(ctx, collab.ChatMessage{
		ID:        uuid.New().String(),
		TeamID:    teamID,
		Sender:    agentID,
		Content:   fmt.Sprintf("%s ran into a problem and will try again later.", agentID),
		System:    true,
		CreatedAt: time.Now(),
	}); err != nil {
		e.logger.Warn("failed to append failure notice", zap.Error(err))
	}
	return nil
}

// notifyMemory fires a best-effort memory notification in the background.
// Its failure never rolls back persisted artifacts or blocks a transition.
func (e *Executor) notifyMemory(agentID string, event collab.MemoryEvent, content, relatedAgentID, teamID string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Warn("memory notification panicked", zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.memory.Notify(ctx, agentID, event, content, relatedAgentID, teamID); err != nil {
			e.logger.Warn("memory notification failed",
				zap.String("agent_id", agentID),
				zap.String("event", string(event)),
				zap.Error(err),
			)
		}
	}()
}

func payloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
