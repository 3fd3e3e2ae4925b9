package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/teamflow-dev/teamflow/types"
)

// Enqueue appends a request to the tail of the agent's queue. Queues are
// strict FIFO: RPUSH here, LPOP in DequeueOne.
func (s *Store) Enqueue(ctx context.Context, teamID, agentID string, req *types.QueuedRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return types.NewError(types.ErrInternalError, "marshal queued request").WithCause(err)
	}
	if err := s.client.RPush(ctx, s.queueKey(teamID, agentID), data).Err(); err != nil {
		return storeErr("enqueue", err)
	}
	return nil
}

// RequeueFront returns a request to the head of the agent's queue. Used
// when a popped request cannot be dispatched after all: it must go back in
// front of anything that arrived later, or the FIFO order breaks.
func (s *Store) RequeueFront(ctx context.Context, teamID, agentID string, req *types.QueuedRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return types.NewError(types.ErrInternalError, "marshal queued request").WithCause(err)
	}
	if err := s.client.LPush(ctx, s.queueKey(teamID, agentID), data).Err(); err != nil {
		return storeErr("requeue", err)
	}
	return nil
}

// DequeueOne pops the oldest queued request. The second return value is
// false when the queue is empty.
func (s *Store) DequeueOne(ctx context.Context, teamID, agentID string) (*types.QueuedRequest, bool, error) {
	data, err := s.client.LPop(ctx, s.queueKey(teamID, agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeErr("dequeue", err)
	}

	var req types.QueuedRequest
	if err := json.Unmarshal(data, &req); err != nil {
		// Drop the unreadable entry rather than wedge the queue.
		s.logger.Warn("dropping unreadable queue entry")
		return nil, false, nil
	}
	return &req, true, nil
}

// QueueLen returns the number of pending requests for the agent.
func (s *Store) QueueLen(ctx context.Context, teamID, agentID string) (int64, error) {
	n, err := s.client.LLen(ctx, s.queueKey(teamID, agentID)).Result()
	if err != nil {
		return 0, storeErr("queue length", err)
	}
	return n, nil
}

// ClearQueue discards all pending requests for the agent.
func (s *Store) ClearQueue(ctx context.Context, teamID, agentID string) error {
	if err := s.client.Del(ctx, s.queueKey(teamID, agentID)).Err(); err != nil {
		return storeErr("clear queue", err)
	}
	return nil
}
