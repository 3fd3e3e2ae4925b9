package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teamflow-dev/teamflow/types"
)

// SaveSession persists the session record. Active sessions carry the
// session TTL; terminal sessions are retained longer for review.
func (s *Store) SaveSession(ctx context.Context, sess *types.FeedbackSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return types.NewError(types.ErrInternalError, "marshal session").WithCause(err)
	}
	ttl := s.config.SessionTTL
	if sess.Terminal() {
		ttl = s.config.CompletedSessionTTL
	}
	if err := s.client.Set(ctx, s.sessionKey(sess.ID), data, ttl).Err(); err != nil {
		return storeErr("save session", err)
	}
	return nil
}

// GetSession loads a session record, or ErrSessionNotFound.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.FeedbackSession, error) {
	data, err := s.client.Get(ctx, s.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	var sess types.FeedbackSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, types.NewError(types.ErrInternalError, "unmarshal session").WithCause(err)
	}
	return &sess, nil
}

// AddActiveSession records the session id in the team's active-session set.
func (s *Store) AddActiveSession(ctx context.Context, teamID, sessionID string) error {
	if err := s.client.SAdd(ctx, s.activeSetKey(teamID), sessionID).Err(); err != nil {
		return storeErr("add active session", err)
	}
	return nil
}

// RemoveActiveSession drops the session id from the team's active set.
// Also the self-healing path for stale entries.
func (s *Store) RemoveActiveSession(ctx context.Context, teamID, sessionID string) error {
	if err := s.client.SRem(ctx, s.activeSetKey(teamID), sessionID).Err(); err != nil {
		return storeErr("remove active session", err)
	}
	return nil
}

// ActiveSessionIDs lists the team's active-session set. Entries may be
// stale; callers cross-check against the session record and self-heal.
func (s *Store) ActiveSessionIDs(ctx context.Context, teamID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.activeSetKey(teamID)).Result()
	if err != nil {
		return nil, storeErr("list active sessions", err)
	}
	return ids, nil
}

// SetHumanBusy marks a human participant as occupied by a session. Humans
// have no AgentStateRecord, so this lightweight record stands in for one.
func (s *Store) SetHumanBusy(ctx context.Context, teamID, participantID, sessionID string) error {
	rec := types.HumanBusyRecord{SessionID: sessionID, Since: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return types.NewError(types.ErrInternalError, "marshal human busy record").WithCause(err)
	}
	if err := s.client.Set(ctx, s.humanBusyKey(teamID, participantID), data, s.config.SessionTTL).Err(); err != nil {
		return storeErr("set human busy", err)
	}
	return nil
}

// ClearHumanBusy removes the human busy marker.
func (s *Store) ClearHumanBusy(ctx context.Context, teamID, participantID string) error {
	if err := s.client.Del(ctx, s.humanBusyKey(teamID, participantID)).Err(); err != nil {
		return storeErr("clear human busy", err)
	}
	return nil
}

// HumanBusy returns the busy marker for a human participant, or nil.
func (s *Store) HumanBusy(ctx context.Context, teamID, participantID string) (*types.HumanBusyRecord, error) {
	data, err := s.client.Get(ctx, s.humanBusyKey(teamID, participantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get human busy", err)
	}
	var rec types.HumanBusyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, types.NewError(types.ErrInternalError, "unmarshal human busy record").WithCause(err)
	}
	return &rec, nil
}
