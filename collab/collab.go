// Package collab defines the external collaborator interfaces the
// orchestration engine consumes: content generation, idea/chat persistence,
// per-agent memory, and team roster lookup. The engine depends only on these
// contracts; concrete implementations live in the surrounding product.
package collab

import (
	"context"
	"strings"
	"time"

	"github.com/teamflow-dev/teamflow/types"
)

// RelationKind classifies an explicit relationship between two team members.
type RelationKind string

const (
	RelationSupervisor  RelationKind = "SUPERVISOR"
	RelationSubordinate RelationKind = "SUBORDINATE"
	RelationPeer        RelationKind = "PEER"
)

// Member is one entry of a team roster.
type Member struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsUser bool   `json:"is_user"`
	Role   string `json:"role,omitempty"`
}

// Relationship is a directed relationship edge between two members.
// Authorization checks treat edges as valid in either direction.
type Relationship struct {
	FromID string       `json:"from_id"`
	ToID   string       `json:"to_id"`
	Kind   RelationKind `json:"kind"`
}

// Team is the read-only roster the engine resolves participants against.
type Team struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Topic         string         `json:"topic,omitempty"`
	Members       []Member       `json:"members"`
	Relationships []Relationship `json:"relationships"`
}

// Resolve finds a member by id or, failing that, by case-insensitive
// display name.
func (t *Team) Resolve(ref string) (Member, bool) {
	for _, m := range t.Members {
		if m.ID == ref {
			return m, true
		}
	}
	for _, m := range t.Members {
		if strings.EqualFold(m.Name, ref) {
			return m, true
		}
	}
	return Member{}, false
}

// Related reports whether an explicit relationship exists between a and b
// in either direction. No relationship means no authorization.
func (t *Team) Related(a, b string) bool {
	for _, r := range t.Relationships {
		if (r.FromID == a && r.ToID == b) || (r.FromID == b && r.ToID == a) {
			return true
		}
	}
	return false
}

// RelatedTo returns every member that has a relationship with id, in either
// direction, excluding id itself.
func (t *Team) RelatedTo(id string) []Member {
	seen := make(map[string]bool)
	var out []Member
	for _, r := range t.Relationships {
		other := ""
		switch id {
		case r.FromID:
			other = r.ToID
		case r.ToID:
			other = r.FromID
		default:
			continue
		}
		if seen[other] {
			continue
		}
		if m, ok := t.Resolve(other); ok {
			seen[other] = true
			out = append(out, m)
		}
	}
	return out
}

// Agents returns the non-human members of the team.
func (t *Team) Agents() []Member {
	var out []Member
	for _, m := range t.Members {
		if !m.IsUser {
			out = append(out, m)
		}
	}
	return out
}

// Human returns the human member of the team, if any.
func (t *Team) Human() (Member, bool) {
	for _, m := range t.Members {
		if m.IsUser {
			return m, true
		}
	}
	return Member{}, false
}

// GenerationKind selects what the content collaborator should produce.
type GenerationKind string

const (
	KindIdea       GenerationKind = "idea"
	KindEvaluation GenerationKind = "evaluation"
	KindReply      GenerationKind = "feedback_reply"
	KindSummary    GenerationKind = "summary"
	KindRequest    GenerationKind = "request_message"
	KindPlan       GenerationKind = "plan"
)

// GenerationRequest carries the accumulated context for one generation call:
// team topic, existing content summaries, agent memory, and, for session
// replies and summaries, the full message history.
type GenerationRequest struct {
	Kind    GenerationKind
	TeamID  string
	AgentID string
	Context map[string]any
	History []types.SessionMessage
}

// Generation is the structured result of a generation call. ShouldEnd is
// only meaningful for session replies; Action and TargetIndex only for
// planning decisions.
type Generation struct {
	Content     string
	ShouldEnd   bool
	Action      types.ActionType
	TargetIndex *int
}

// Generator produces idea, evaluation, reply, summary, and planning content.
// Calls may fail with network or parse errors; the engine treats those as
// recoverable and never fatal to an agent's lifecycle.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (*Generation, error)
}

// Idea is a persisted idea artifact with its evaluations.
type Idea struct {
	ID          string       `json:"id"`
	TeamID      string       `json:"team_id"`
	AuthorID    string       `json:"author_id"`
	Content     string       `json:"content"`
	CreatedAt   time.Time    `json:"created_at"`
	Evaluations []Evaluation `json:"evaluations,omitempty"`
}

// EvaluatedBy reports whether evaluatorID already evaluated the idea.
func (i *Idea) EvaluatedBy(evaluatorID string) bool {
	for _, e := range i.Evaluations {
		if e.EvaluatorID == evaluatorID {
			return true
		}
	}
	return false
}

// Evaluation is one evaluation of an idea.
type Evaluation struct {
	EvaluatorID string    `json:"evaluator_id"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// ChatMessage is one entry of the team chat stream.
type ChatMessage struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"team_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	System    bool      `json:"system,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ContentStore persists ideas, evaluations, and chat messages. Appends are
// last-write-wins at the list level; the engine never assumes read-then-write
// atomicity on top of them.
type ContentStore interface {
	AppendIdea(ctx context.Context, idea Idea) (*Idea, error)
	AppendEvaluation(ctx context.Context, teamID, ideaID string, ev Evaluation) error
	ListIdeas(ctx context.Context, teamID string) ([]Idea, error)
	AppendChat(ctx context.Context, msg ChatMessage) (*ChatMessage, error)
}

// MemoryEvent classifies a memory notification.
type MemoryEvent string

const (
	MemoryIdeaGenerated  MemoryEvent = "idea_generated"
	MemoryIdeaEvaluated  MemoryEvent = "idea_evaluated"
	MemoryRequestMade    MemoryEvent = "request_made"
	MemorySessionSummary MemoryEvent = "session_summary"
)

// Memory is the per-agent memory collaborator. Notify is best-effort: its
// failure never rolls back persisted artifacts or blocks state transitions.
type Memory interface {
	Notify(ctx context.Context, agentID string, event MemoryEvent, content, relatedAgentID, teamID string) error
	Recall(ctx context.Context, agentID, teamID string) (string, error)
}

// Roster resolves team ids to their roster and relationship graph.
type Roster interface {
	GetTeam(ctx context.Context, teamID string) (*Team, error)
}
