package types

import "time"

// AgentState is the lifecycle state of one agent within a team.
type AgentState string

const (
	StateIdle            AgentState = "idle"             // waiting on idle timer
	StatePlan            AgentState = "plan"             // deciding the next autonomous action
	StateAction          AgentState = "action"           // executing a concrete action
	StateReflecting      AgentState = "reflecting"       // evaluating existing content
	StateFeedbackSession AgentState = "feedback_session" // inside a two-party feedback session
	StateFeedbackWaiting AgentState = "feedback_waiting" // in a session, awaiting the counterpart
)

// TaskTrigger records what caused the current task to start.
type TaskTrigger string

const (
	TriggerAutonomous  TaskTrigger = "autonomous"
	TriggerUserRequest TaskTrigger = "user_request"
	TriggerAIRequest   TaskTrigger = "ai_request"
)

// ActionType enumerates the concrete actions an agent can execute.
type ActionType string

const (
	ActionGenerateIdea ActionType = "generate_idea"
	ActionEvaluateIdea ActionType = "evaluate_idea"
	ActionGiveFeedback ActionType = "give_feedback"
	ActionMakeRequest  ActionType = "make_request"
)

// TaskTypePlanning is the task type recorded while an agent is in StatePlan.
// All other task types are ActionType values.
const TaskTypePlanning = "planning"

// RequestInfo identifies who asked for the current task, for tasks triggered
// by a user or another agent.
type RequestInfo struct {
	RequesterID   string         `json:"requester_id"`
	RequesterName string         `json:"requester_name"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// SessionInfo links a feedback_session task to its session record.
type SessionInfo struct {
	SessionID     string `json:"session_id"`
	CounterpartID string `json:"counterpart_id,omitempty"`
}

// TaskInfo describes the task an agent is currently working on. Present iff
// the agent is in plan, action, reflecting, or feedback_session.
type TaskInfo struct {
	Type                     string       `json:"type"`
	Description              string       `json:"description,omitempty"`
	StartTime                time.Time    `json:"start_time"`
	EstimatedDurationSeconds int          `json:"estimated_duration_seconds,omitempty"`
	Trigger                  TaskTrigger  `json:"trigger"`
	RequestInfo              *RequestInfo `json:"request_info,omitempty"`
	SessionInfo              *SessionInfo `json:"session_info,omitempty"`
}

// IdleTimer is the randomized cooldown stored while an agent is idle.
// Remaining time is a pure function of wall-clock time, so observers can
// recompute it after restarts without any running timer.
type IdleTimer struct {
	StartTime              time.Time `json:"start_time"`
	PlannedDurationSeconds int       `json:"planned_duration_seconds"`
}

// Remaining returns how much of the planned idle duration is left at now,
// clamped to zero.
func (t *IdleTimer) Remaining(now time.Time) time.Duration {
	planned := time.Duration(t.PlannedDurationSeconds) * time.Second
	elapsed := now.Sub(t.StartTime)
	if elapsed >= planned {
		return 0
	}
	return planned - elapsed
}

// Expired reports whether the idle cooldown has fully elapsed at now.
func (t *IdleTimer) Expired(now time.Time) bool {
	return t.Remaining(now) == 0
}

// PlannedAction is the output of the planning phase, consumed by the next
// action execution.
type PlannedAction struct {
	Action      ActionType `json:"action"`
	TargetIndex *int       `json:"target_index,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// AgentStateRecord is the per-(team, agent) state record held in the state
// store. Invariant: IdleTimer is meaningful iff CurrentState is idle, and
// CurrentTask is meaningful iff CurrentState is one of plan, action,
// reflecting, feedback_session, feedback_waiting. SetState overwrites the
// whole record, so writers must construct a complete, consistent record.
type AgentStateRecord struct {
	AgentID         string         `json:"agent_id"`
	CurrentState    AgentState     `json:"current_state"`
	LastStateChange time.Time      `json:"last_state_change"`
	IsProcessing    bool           `json:"is_processing"`
	CurrentTask     *TaskInfo      `json:"current_task,omitempty"`
	IdleTimer       *IdleTimer     `json:"idle_timer,omitempty"`
	PlannedAction   *PlannedAction `json:"planned_action,omitempty"`
}

// InFeedbackSession reports whether the record's state counts as "inside a
// feedback session". feedback_waiting is equivalent to feedback_session for
// busy checks and lock recognition.
func (r *AgentStateRecord) InFeedbackSession() bool {
	return r.CurrentState == StateFeedbackSession || r.CurrentState == StateFeedbackWaiting
}

// Busy reports whether the agent cannot accept an immediate dispatch.
func (r *AgentStateRecord) Busy() bool {
	return r.IsProcessing || r.CurrentState != StateIdle
}

// SessionID returns the session id the record is bound to, or "" when the
// agent is not in a session task.
func (r *AgentStateRecord) SessionID() string {
	if r.CurrentTask == nil || r.CurrentTask.SessionInfo == nil {
		return ""
	}
	return r.CurrentTask.SessionInfo.SessionID
}
