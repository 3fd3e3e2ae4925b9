package types

import "time"

// QueuedRequest is one entry in an agent's per-team FIFO request queue.
// Created on enqueue and consumed exactly once, either by the dispatcher
// when the agent frees up or by the idle-transition drain.
type QueuedRequest struct {
	ID            string         `json:"id"`
	Type          ActionType     `json:"type"`
	RequesterID   string         `json:"requester_id"`
	RequesterName string         `json:"requester_name"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	TeamID        string         `json:"team_id"`
}

// Trigger derives the task trigger from the requester. Requests without a
// requester id are autonomous; the human requester maps to user_request.
func (q *QueuedRequest) Trigger(humanID string) TaskTrigger {
	switch q.RequesterID {
	case "":
		return TriggerAutonomous
	case humanID:
		return TriggerUserRequest
	default:
		return TriggerAIRequest
	}
}
