package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teamflow-dev/teamflow/types"
)

// StateStore is the minimal state-record contract the engine needs.
// Implemented by store.Store.
type StateStore interface {
	// GetState never reports absence: a missing record is synthesized as a
	// fresh idle record and persisted before being returned.
	GetState(ctx context.Context, teamID, agentID string) (*types.AgentStateRecord, error)
	// SetState fully overwrites the record and resets its TTL.
	SetState(ctx context.Context, teamID, agentID string, rec *types.AgentStateRecord) error
}

// Drainer consumes one queued request at the moment an agent would
// otherwise become idle. Implemented by dispatch.Dispatcher and attached
// after wiring to avoid a dependency cycle.
type Drainer interface {
	DrainOnIdle(ctx context.Context, teamID, agentID string) error
}

// TransitionConfig tunes the recovery policy.
type TransitionConfig struct {
	Retries int
	Backoff time.Duration
	IdleMin time.Duration
	IdleMax time.Duration
}

// Transitioner is the best-effort idle transition utility: bounded retries
// with backoff, then a forced overwrite, then a verification pass. It is
// the single recovery path shared by the action executor and the feedback
// session coordinator, so a failed background action can never leave an
// agent permanently unavailable.
type Transitioner struct {
	store   StateStore
	drainer Drainer
	logger  *zap.Logger
	retries int
	backoff time.Duration
	idleMin time.Duration
	idleMax time.Duration

	sleep func(time.Duration) // injectable for tests
	now   func() time.Time
}

// NewTransitioner creates a Transitioner. Zero config fields fall back to
// 3 retries, 1s backoff, and the default idle timer bounds.
func NewTransitioner(store StateStore, cfg TransitionConfig, logger *zap.Logger) *Transitioner {
	if cfg.Retries < 1 {
		cfg.Retries = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	return &Transitioner{
		store:   store,
		logger:  logger.With(zap.String("component", "transitioner")),
		retries: cfg.Retries,
		backoff: cfg.Backoff,
		idleMin: cfg.IdleMin,
		idleMax: cfg.IdleMax,
		sleep:   time.Sleep,
		now:     time.Now,
	}
}

// SetDrainer attaches the queue drainer. Must be called during wiring,
// before any transition runs concurrently.
func (t *Transitioner) SetDrainer(d Drainer) {
	t.drainer = d
}

// ToIdle returns the agent to idle. With a drainer attached, the idle
// transition consumes one queued request first; without one it writes a
// fresh idle record directly. After the configured retries are exhausted
// the record is forcibly overwritten so the agent never stays dangling in
// a busy state.
func (t *Transitioner) ToIdle(ctx context.Context, teamID, agentID string) error {
	var lastErr error
	for attempt := 0; attempt < t.retries; attempt++ {
		if attempt > 0 {
			t.sleep(t.backoff)
		}
		if t.drainer != nil {
			lastErr = t.drainer.DrainOnIdle(ctx, teamID, agentID)
		} else {
			lastErr = t.store.SetState(ctx, teamID, agentID, t.freshIdle(agentID))
		}
		if lastErr == nil {
			return nil
		}
		t.logger.Warn("idle transition attempt failed",
			zap.String("team_id", teamID),
			zap.String("agent_id", agentID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}

	t.logger.Error("idle transition retries exhausted, forcing overwrite",
		zap.String("team_id", teamID),
		zap.String("agent_id", agentID),
		zap.Error(lastErr),
	)
	return t.ForceIdle(ctx, teamID, agentID)
}

// ForceIdle overwrites the record to a fresh idle state regardless of what
// any in-flight work believes the state to be. An in-flight terminal write
// can still race with this; VerifyCleared is the second half of the
// mitigation.
func (t *Transitioner) ForceIdle(ctx context.Context, teamID, agentID string) error {
	return t.store.SetState(ctx, teamID, agentID, t.freshIdle(agentID))
}

// VerifyCleared re-reads the agent's record and corrects it if it still
// claims a feedback state, a stale task, or a processing flag. Corruption
// here is self-healed and logged, never surfaced as fatal.
func (t *Transitioner) VerifyCleared(ctx context.Context, teamID, agentID string) error {
	rec, err := t.store.GetState(ctx, teamID, agentID)
	if err != nil {
		return err
	}
	if rec.CurrentState == types.StateIdle && !rec.IsProcessing && rec.CurrentTask == nil {
		return nil
	}
	t.logger.Warn("agent state still busy after clear, overwriting",
		zap.String("team_id", teamID),
		zap.String("agent_id", agentID),
		zap.String("state", string(rec.CurrentState)),
		zap.String("code", string(types.ErrStateCorruption)),
	)
	return t.ForceIdle(ctx, teamID, agentID)
}

func (t *Transitioner) freshIdle(agentID string) *types.AgentStateRecord {
	return NewIdleRecord(agentID, t.now(), t.idleMin, t.idleMax)
}
