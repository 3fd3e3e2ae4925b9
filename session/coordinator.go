// Package session coordinates two-party feedback sessions: creation under
// a pair lock with relationship authorization, reply generation with
// chained AI-AI responses, and idempotent termination that returns every
// participant to idle.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teamflow-dev/teamflow/collab"
	"github.com/teamflow-dev/teamflow/engine"
	"github.com/teamflow-dev/teamflow/internal/events"
	"github.com/teamflow-dev/teamflow/internal/metrics"
	"github.com/teamflow-dev/teamflow/store"
	"github.com/teamflow-dev/teamflow/types"
)

// Config tunes session behavior.
type Config struct {
	// MaxMessages bounds an AI-AI conversation so chained responses cannot
	// loop forever.
	MaxMessages int
	// ChainDelay spaces chained AI-AI counter-responses.
	ChainDelay time.Duration
}

// Coordinator owns the feedback session lifecycle.
type Coordinator struct {
	store   *store.Store
	gen     collab.Generator
	content collab.ContentStore
	memory  collab.Memory
	roster  collab.Roster
	trans   *engine.Transitioner
	hub     *events.Hub
	metrics *metrics.Collector
	logger  *zap.Logger
	tracer  trace.Tracer
	cfg     Config

	// chainLimiter paces chained responses across all sessions so a burst
	// of AI-AI conversations cannot saturate the generator.
	chainLimiter *rate.Limiter

	// schedule is time.AfterFunc, injectable for tests.
	schedule func(d time.Duration, f func())
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(st *store.Store, gen collab.Generator, content collab.ContentStore, memory collab.Memory, roster collab.Roster, trans *engine.Transitioner, hub *events.Hub, m *metrics.Collector, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.MaxMessages < 2 {
		cfg.MaxMessages = 12
	}
	if cfg.ChainDelay <= 0 {
		cfg.ChainDelay = 3 * time.Second
	}
	return &Coordinator{
		store:        st,
		gen:          gen,
		content:      content,
		memory:       memory,
		roster:       roster,
		trans:        trans,
		hub:          hub,
		metrics:      m,
		logger:       logger.With(zap.String("component", "session")),
		tracer:       otel.Tracer("teamflow/session"),
		cfg:          cfg,
		chainLimiter: rate.NewLimiter(rate.Every(time.Second), 4),
		schedule: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// Create opens a feedback session between initiator and target.
//
// Participants are resolved by id or display name. An explicit relationship
// between them must exist in either direction; absence is a hard deny.
// Either participant already in an active session rejects with a busy
// conflict naming the busy side. Creation itself runs under the pair lock:
// a concurrent creation for the same unordered pair loses the lock and is
// rejected immediately rather than waiting.
func (c *Coordinator) Create(ctx context.Context, teamID, initiatorRef, targetRef, feedbackContext, opening string) (*types.FeedbackSession, error) {
	ctx, span := c.tracer.Start(ctx, "session.create",
		trace.WithAttributes(attribute.String("team_id", teamID)))
	defer span.End()

	team, err := c.roster.GetTeam(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("load team: %w", err)
	}

	initiator, ok := team.Resolve(initiatorRef)
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "participant %q not found in team", initiatorRef).
			WithHTTPStatus(http.StatusNotFound)
	}
	target, ok := team.Resolve(targetRef)
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "participant %q not found in team", targetRef).
			WithHTTPStatus(http.StatusNotFound)
	}
	if initiator.ID == target.ID {
		return nil, types.NewError(types.ErrInvalidRequest, "cannot open a feedback session with yourself").
			WithHTTPStatus(http.StatusBadRequest)
	}

	if !team.Related(initiator.ID, target.ID) {
		return nil, types.NewErrorf(types.ErrAuthorizationDenied,
			"no relationship between %s and %s", initiator.Name, target.Name).
			WithHTTPStatus(http.StatusForbidden)
	}

	if busyID, err := c.findBusyParticipant(ctx, teamID, initiator.ID, target.ID); err != nil {
		return nil, err
	} else if busyID != "" {
		return nil, types.NewErrorf(types.ErrParticipantBusy, "participant %s is already in a session", busyID).
			WithRetryable(true).
			WithHTTPStatus(http.StatusConflict)
	}

	acquired, err := c.store.AcquirePairLock(ctx, initiator.ID, target.ID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, types.NewErrorf(types.ErrLockNotAcquired,
			"another session is being created for %s and %s", initiator.Name, target.Name).
			WithRetryable(true).
			WithHTTPStatus(http.StatusConflict)
	}
	defer func() {
		if err := c.store.ReleasePairLock(ctx, initiator.ID, target.ID); err != nil {
			c.logger.Warn("pair lock release failed, TTL will expire it", zap.Error(err))
		}
	}()

	// Re-validate under the lock: a rival creation that passed its own busy
	// scan before we acquired the lock has already written its session by
	// now, and the first scan cannot have seen it.
	if busyID, err := c.findBusyParticipant(ctx, teamID, initiator.ID, target.ID); err != nil {
		return nil, err
	} else if busyID != "" {
		return nil, types.NewErrorf(types.ErrParticipantBusy, "participant %s is already in a session", busyID).
			WithRetryable(true).
			WithHTTPStatus(http.StatusConflict)
	}
	// Both agent participants must be in a state that can legally enter a
	// feedback session. An agent mid-evaluation, for example, cannot.
	for _, m := range []collab.Member{initiator, target} {
		if m.IsUser {
			continue
		}
		rec, err := c.store.GetState(ctx, teamID, m.ID)
		if err != nil {
			return nil, err
		}
		if !engine.CanTransition(rec.CurrentState, types.StateFeedbackSession) {
			return nil, types.NewErrorf(types.ErrParticipantBusy,
				"participant %s cannot join a session from state %s", m.ID, rec.CurrentState).
				WithRetryable(true).
				WithHTTPStatus(http.StatusConflict)
		}
	}

	now := time.Now()
	sess := &types.FeedbackSession{
		ID:     uuid.New().String(),
		TeamID: teamID,
		Status: types.SessionActive,
		Participants: []types.Participant{
			{ID: initiator.ID, Name: initiator.Name, IsUser: initiator.IsUser, JoinedAt: now},
			{ID: target.ID, Name: target.Name, IsUser: target.IsUser, JoinedAt: now},
		},
		FeedbackContext: feedbackContext,
		CreatedAt:       now,
		LastActivityAt:  now,
	}

	if err := c.store.SaveSession(ctx, sess); err != nil {
		return nil, err
	}
	if err := c.store.AddActiveSession(ctx, teamID, sess.ID); err != nil {
		return nil, err
	}
	for _, p := range sess.Participants {
		if err := c.markInSession(ctx, teamID, p, sess); err != nil {
			return nil, err
		}
	}

	c.metrics.RecordSessionCreated()
	c.hub.Publish(events.Event{
		Type:      events.EventSessionCreated,
		TeamID:    teamID,
		SessionID: sess.ID,
	})
	c.logger.Info("feedback session created",
		zap.String("team_id", teamID),
		zap.String("session_id", sess.ID),
		zap.String("initiator", initiator.ID),
		zap.String("target", target.ID),
	)

	if opening != "" {
		if err := c.appendMessage(ctx, sess, initiator.ID, opening, types.MessageNormal); err != nil {
			return nil, err
		}
		if !target.IsUser {
			c.scheduleReply(sess.ID, target.ID)
		}
	}
	return sess, nil
}

// AppendUserMessage records a human participant's message and triggers the
// agent counterpart's reply.
func (c *Coordinator) AppendUserMessage(ctx context.Context, sessionID, senderID, content string) (*types.FeedbackSession, error) {
	sess, err := c.activeSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.HasParticipant(senderID) {
		return nil, types.NewErrorf(types.ErrAuthorizationDenied, "%s is not a participant of this session", senderID).
			WithHTTPStatus(http.StatusForbidden)
	}
	if err := c.appendMessage(ctx, sess, senderID, content, types.MessageNormal); err != nil {
		return nil, err
	}
	if other, ok := sess.Counterpart(senderID); ok && !other.IsUser {
		c.scheduleReply(sess.ID, other.ID)
	}
	return sess, nil
}

// Respond generates and appends triggerAgentID's next reply. When the
// generator signals the conversation should end, or the message bound is
// reached, the session is completed with a summary. Otherwise, if both
// participants are agents, a delayed counter-response keeps the
// conversation chained.
func (c *Coordinator) Respond(ctx context.Context, sessionID, triggerAgentID string) error {
	ctx, span := c.tracer.Start(ctx, "session.respond",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	sess, err := c.activeSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !sess.HasParticipant(triggerAgentID) {
		return types.NewErrorf(types.ErrAuthorizationDenied, "%s is not a participant of this session", triggerAgentID).
			WithHTTPStatus(http.StatusForbidden)
	}

	gen, err := c.gen.Generate(ctx, collab.GenerationRequest{
		Kind:    collab.KindReply,
		TeamID:  sess.TeamID,
		AgentID: triggerAgentID,
		Context: map[string]any{"feedback_context": sess.FeedbackContext},
		History: sess.Messages,
	})
	if err != nil {
		c.metrics.RecordGenerationFailure(string(collab.KindReply))
		return types.NewError(types.ErrGenerationFailed, "reply generation failed").WithCause(err)
	}

	if err := c.appendMessage(ctx, sess, triggerAgentID, gen.Content, types.MessageNormal); err != nil {
		return err
	}

	if gen.ShouldEnd || len(sess.Messages) >= c.cfg.MaxMessages {
		return c.finalize(ctx, sess, triggerAgentID, types.SessionCompleted)
	}

	if sess.AllAgents() {
		if other, ok := sess.Counterpart(triggerAgentID); ok {
			c.scheduleReply(sess.ID, other.ID)
		}
	}
	return nil
}

// End terminates the session. Idempotent: a session already terminal is
// returned as-is with no side effects and no duplicate summary.
func (c *Coordinator) End(ctx context.Context, sessionID, endedBy string) (*types.FeedbackSession, error) {
	ctx, span := c.tracer.Start(ctx, "session.end",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, types.NewErrorf(types.ErrNotFound, "session %s not found", sessionID).
				WithHTTPStatus(http.StatusNotFound)
		}
		return nil, err
	}
	if sess.Terminal() {
		return sess, nil
	}

	// A session that produced conversation completes normally; an empty
	// one is simply ended.
	status := types.SessionEnded
	if sess.RealMessageCount() >= 1 {
		status = types.SessionCompleted
	}
	if err := c.finalize(ctx, sess, endedBy, status); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns the session record.
func (c *Coordinator) Get(ctx context.Context, sessionID string) (*types.FeedbackSession, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, types.NewErrorf(types.ErrNotFound, "session %s not found", sessionID).
			WithHTTPStatus(http.StatusNotFound)
	}
	return sess, err
}

// ActiveSessionsFor lists active sessions involving the given participant,
// self-healing stale set entries on the way.
func (c *Coordinator) ActiveSessionsFor(ctx context.Context, teamID, participantID string) ([]*types.FeedbackSession, error) {
	ids, err := c.store.ActiveSessionIDs(ctx, teamID)
	if err != nil {
		return nil, err
	}
	var out []*types.FeedbackSession
	for _, id := range ids {
		sess, err := c.store.GetSession(ctx, id)
		if errors.Is(err, store.ErrSessionNotFound) || (err == nil && sess.Terminal()) {
			c.selfHeal(ctx, teamID, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if participantID == "" || sess.HasParticipant(participantID) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// EndAllActive terminates every active session of the team. Used by the
// reset escape hatch.
func (c *Coordinator) EndAllActive(ctx context.Context, teamID, endedBy string) error {
	sessions, err := c.ActiveSessionsFor(ctx, teamID, "")
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if _, err := c.End(ctx, sess.ID, endedBy); err != nil {
			return err
		}
	}
	return nil
}

// finalize marks the session terminal, generates the summary when at least
// one real message exists, notifies memories, emits the chat summary,
// removes the session from the active set, and returns every participant
// to idle with the bounded-retry clear and verification pass.
func (c *Coordinator) finalize(ctx context.Context, sess *types.FeedbackSession, endedBy string, status types.SessionStatus) error {
	// Re-check terminal status: two concurrent ending calls race here, and
	// the second must become a no-op.
	cur, err := c.store.GetSession(ctx, sess.ID)
	if err == nil && cur.Terminal() {
		*sess = *cur
		return nil
	}

	now := time.Now()
	sess.Status = status
	sess.EndedAt = &now
	sess.EndedBy = endedBy

	if sess.RealMessageCount() >= 1 {
		if gen, err := c.gen.Generate(ctx, collab.GenerationRequest{
			Kind:    collab.KindSummary,
			TeamID:  sess.TeamID,
			AgentID: endedBy,
			Context: map[string]any{"feedback_context": sess.FeedbackContext},
			History: sess.Messages,
		}); err != nil {
			c.metrics.RecordGenerationFailure(string(collab.KindSummary))
			c.logger.Warn("summary generation failed, ending without summary",
				zap.String("session_id", sess.ID),
				zap.Error(err),
			)
		} else {
			sess.Summary = gen.Content
		}
	}

	if err := c.store.SaveSession(ctx, sess); err != nil {
		return err
	}
	if err := c.store.RemoveActiveSession(ctx, sess.TeamID, sess.ID); err != nil {
		return err
	}

	if sess.Summary != "" {
		for _, p := range sess.Participants {
			if p.IsUser {
				continue
			}
			if err := c.memory.Notify(ctx, p.ID, collab.MemorySessionSummary, sess.Summary, otherID(sess, p.ID), sess.TeamID); err != nil {
				c.logger.Warn("summary memory notification failed",
					zap.String("agent_id", p.ID),
					zap.Error(err),
				)
			}
		}
		if _, err := c.content.AppendChat(ctx, collab.ChatMessage{
			ID:        uuid.New().String(),
			TeamID:    sess.TeamID,
			Sender:    endedBy,
			Content:   "Feedback session concluded: " + sess.Summary,
			System:    true,
			CreatedAt: now,
		}); err != nil {
			c.logger.Warn("failed to append session summary to chat", zap.Error(err))
		}
	}

	for _, p := range sess.Participants {
		if p.IsUser {
			if err := c.store.ClearHumanBusy(ctx, sess.TeamID, p.ID); err != nil {
				c.logger.Warn("failed to clear human busy marker", zap.Error(err))
			}
			continue
		}
		// Bounded retries, then forced overwrite, then verification: state
		// corruption here must never be left unresolved.
		if err := c.trans.ToIdle(ctx, sess.TeamID, p.ID); err != nil {
			c.logger.Error("participant idle transition failed",
				zap.String("agent_id", p.ID),
				zap.Error(err),
			)
		}
		if err := c.trans.VerifyCleared(ctx, sess.TeamID, p.ID); err != nil {
			c.logger.Error("participant state verification failed",
				zap.String("agent_id", p.ID),
				zap.Error(err),
			)
		}
	}

	c.metrics.RecordSessionEnded(string(status))
	c.hub.Publish(events.Event{
		Type:      events.EventSessionEnded,
		TeamID:    sess.TeamID,
		SessionID: sess.ID,
	})
	c.logger.Info("feedback session ended",
		zap.String("session_id", sess.ID),
		zap.String("status", string(status)),
		zap.String("ended_by", endedBy),
	)
	return nil
}

// activeSession loads the session and validates it is still active,
// self-healing a stale active-set entry when it is not.
func (c *Coordinator) activeSession(ctx context.Context, sessionID string) (*types.FeedbackSession, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, types.NewErrorf(types.ErrNotFound, "session %s not found", sessionID).
				WithHTTPStatus(http.StatusNotFound)
		}
		return nil, err
	}
	if sess.Terminal() {
		c.selfHeal(ctx, sess.TeamID, sess.ID)
		return nil, types.NewErrorf(types.ErrInvalidRequest, "session %s is no longer active", sessionID).
			WithHTTPStatus(http.StatusConflict)
	}
	return sess, nil
}

// findBusyParticipant scans the team's active sessions for either
// candidate, removing stale set entries as it goes.
func (c *Coordinator) findBusyParticipant(ctx context.Context, teamID string, candidates ...string) (string, error) {
	ids, err := c.store.ActiveSessionIDs(ctx, teamID)
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		sess, err := c.store.GetSession(ctx, id)
		if errors.Is(err, store.ErrSessionNotFound) || (err == nil && sess.Status != types.SessionActive) {
			c.selfHeal(ctx, teamID, id)
			continue
		}
		if err != nil {
			return "", err
		}
		for _, candidate := range candidates {
			if sess.HasParticipant(candidate) {
				return candidate, nil
			}
		}
	}
	return "", nil
}

func (c *Coordinator) selfHeal(ctx context.Context, teamID, sessionID string) {
	c.logger.Warn("removing stale active-session entry",
		zap.String("team_id", teamID),
		zap.String("session_id", sessionID),
		zap.String("code", string(types.ErrStateCorruption)),
	)
	if err := c.store.RemoveActiveSession(ctx, teamID, sessionID); err != nil {
		c.logger.Warn("self-heal failed", zap.Error(err))
	}
}

// markInSession writes the participant's busy state: agents get a full
// feedback_session state record, humans a lightweight busy marker.
func (c *Coordinator) markInSession(ctx context.Context, teamID string, p types.Participant, sess *types.FeedbackSession) error {
	if p.IsUser {
		return c.store.SetHumanBusy(ctx, teamID, p.ID, sess.ID)
	}
	other, _ := sess.Counterpart(p.ID)
	now := time.Now()
	rec := &types.AgentStateRecord{
		AgentID:         p.ID,
		CurrentState:    types.StateFeedbackSession,
		LastStateChange: now,
		IsProcessing:    true,
		CurrentTask: &types.TaskInfo{
			Type:        string(types.ActionGiveFeedback),
			Description: "in a feedback session with " + other.Name,
			StartTime:   now,
			Trigger:     types.TriggerAIRequest,
			SessionInfo: &types.SessionInfo{
				SessionID:     sess.ID,
				CounterpartID: other.ID,
			},
		},
	}
	if err := c.store.SetState(ctx, teamID, p.ID, rec); err != nil {
		return err
	}
	c.metrics.RecordTransition("", string(types.StateFeedbackSession))
	c.hub.Publish(events.Event{
		Type:      events.EventStateChanged,
		TeamID:    teamID,
		AgentID:   p.ID,
		State:     types.StateFeedbackSession,
		SessionID: sess.ID,
	})
	return nil
}

func (c *Coordinator) appendMessage(ctx context.Context, sess *types.FeedbackSession, sender, content string, typ types.MessageType) error {
	now := time.Now()
	sess.Messages = append(sess.Messages, types.SessionMessage{
		ID:        uuid.New().String(),
		Sender:    sender,
		Content:   content,
		Timestamp: now,
		Type:      typ,
	})
	sess.LastActivityAt = now
	if err := c.store.SaveSession(ctx, sess); err != nil {
		return err
	}
	c.hub.Publish(events.Event{
		Type:      events.EventSessionMessage,
		TeamID:    sess.TeamID,
		AgentID:   sender,
		SessionID: sess.ID,
	})
	return nil
}

// scheduleReply queues a delayed counter-response for an agent. The delay
// plus the limiter keep chained AI-AI conversations paced; the bound in
// Respond keeps them finite.
func (c *Coordinator) scheduleReply(sessionID, agentID string) {
	c.schedule(c.cfg.ChainDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := c.chainLimiter.Wait(ctx); err != nil {
			return
		}
		if err := c.Respond(ctx, sessionID, agentID); err != nil {
			// The session may have ended in the meantime; that is fine.
			c.logger.Debug("chained reply not delivered",
				zap.String("session_id", sessionID),
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
		}
	})
}

func otherID(sess *types.FeedbackSession, id string) string {
	if p, ok := sess.Counterpart(id); ok {
		return p.ID
	}
	return ""
}
