package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teamflow-dev/teamflow/engine"
	"github.com/teamflow-dev/teamflow/types"
)

// GetState loads the agent's state record. It never reports absence: when
// the key is missing or unreadable, a fresh idle record is synthesized,
// persisted, and returned.
func (s *Store) GetState(ctx context.Context, teamID, agentID string) (*types.AgentStateRecord, error) {
	data, err := s.client.Get(ctx, s.stateKey(teamID, agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return s.synthesizeIdle(ctx, teamID, agentID)
	}
	if err != nil {
		return nil, storeErr("get state", err)
	}

	var rec types.AgentStateRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt record is unrecoverable as-is; replace it.
		s.logger.Warn("unreadable state record, resetting to idle",
			zap.String("team_id", teamID),
			zap.String("agent_id", agentID),
			zap.Error(err),
		)
		return s.synthesizeIdle(ctx, teamID, agentID)
	}
	return &rec, nil
}

// SetState fully overwrites the record and resets its TTL. Callers must
// construct a complete, internally consistent record; there is no partial
// merge.
func (s *Store) SetState(ctx context.Context, teamID, agentID string, rec *types.AgentStateRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return types.NewError(types.ErrInternalError, "marshal state record").WithCause(err)
	}
	if err := s.client.Set(ctx, s.stateKey(teamID, agentID), data, s.config.StateTTL).Err(); err != nil {
		return storeErr("set state", err)
	}
	return nil
}

// DeleteState removes the record. The next GetState synthesizes idle.
func (s *Store) DeleteState(ctx context.Context, teamID, agentID string) error {
	if err := s.client.Del(ctx, s.stateKey(teamID, agentID)).Err(); err != nil {
		return storeErr("delete state", err)
	}
	return nil
}

func (s *Store) synthesizeIdle(ctx context.Context, teamID, agentID string) (*types.AgentStateRecord, error) {
	rec := engine.NewIdleRecord(agentID, time.Now(), s.config.IdleMin, s.config.IdleMax)
	if err := s.SetState(ctx, teamID, agentID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
