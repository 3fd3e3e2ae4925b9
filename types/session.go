package types

import "time"

// SessionStatus is the lifecycle status of a feedback session.
// active -> completed (normal end, with summary) or active -> ended
// (aborted). There is no transition out of a terminal status.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionEnded     SessionStatus = "ended"
)

// MessageType distinguishes real conversation messages from system notices.
type MessageType string

const (
	MessageNormal MessageType = "message"
	MessageSystem MessageType = "system"
)

// Participant is one party of a feedback session.
type Participant struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	IsUser   bool      `json:"is_user"`
	JoinedAt time.Time `json:"joined_at"`
}

// SessionMessage is one entry of a session's append-only transcript.
type SessionMessage struct {
	ID        string      `json:"id"`
	Sender    string      `json:"sender"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Type      MessageType `json:"type"`
}

// FeedbackSession is the record of a bounded two-party conversation.
// A session is active iff its id also appears in the team's active-session
// set; readers that find a mismatch remove the stale set entry.
type FeedbackSession struct {
	ID              string           `json:"id"`
	TeamID          string           `json:"team_id"`
	Status          SessionStatus    `json:"status"`
	Participants    []Participant    `json:"participants"`
	Messages        []SessionMessage `json:"messages"`
	FeedbackContext string           `json:"feedback_context,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	LastActivityAt  time.Time        `json:"last_activity_at"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	EndedBy         string           `json:"ended_by,omitempty"`
	Summary         string           `json:"summary,omitempty"`
}

// Terminal reports whether the session has reached a terminal status.
func (s *FeedbackSession) Terminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionEnded
}

// HasParticipant reports whether id is one of the session's participants.
func (s *FeedbackSession) HasParticipant(id string) bool {
	for _, p := range s.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Counterpart returns the other participant relative to id.
func (s *FeedbackSession) Counterpart(id string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ID != id {
			return p, true
		}
	}
	return Participant{}, false
}

// RealMessageCount counts non-system messages. Sessions with zero real
// messages produce no summary on end.
func (s *FeedbackSession) RealMessageCount() int {
	n := 0
	for _, m := range s.Messages {
		if m.Type != MessageSystem {
			n++
		}
	}
	return n
}

// AllAgents reports whether every participant is a non-human agent.
func (s *FeedbackSession) AllAgents() bool {
	for _, p := range s.Participants {
		if p.IsUser {
			return false
		}
	}
	return true
}

// HumanBusyRecord marks a human participant as occupied by a session.
// Humans have no AgentStateRecord, so their busy-ness is tracked separately.
type HumanBusyRecord struct {
	SessionID string    `json:"session_id"`
	Since     time.Time `json:"since"`
}
