package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teamflow-dev/teamflow/collab"
	"github.com/teamflow-dev/teamflow/types"
)

// FakeGenerator returns canned Generation results. Set Respond to control
// output per call; otherwise it echoes the kind. Every request is recorded.
type FakeGenerator struct {
	mu       sync.Mutex
	Respond  func(req collab.GenerationRequest) (*collab.Generation, error)
	Requests []collab.GenerationRequest
	Err      error
}

func (g *FakeGenerator) Generate(ctx context.Context, req collab.GenerationRequest) (*collab.Generation, error) {
	g.mu.Lock()
	g.Requests = append(g.Requests, req)
	respond := g.Respond
	err := g.Err
	g.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if respond != nil {
		return respond(req)
	}
	return &collab.Generation{Content: fmt.Sprintf("generated %s for %s", req.Kind, req.AgentID)}, nil
}

// Calls returns a snapshot of the recorded requests.
func (g *FakeGenerator) Calls() []collab.GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]collab.GenerationRequest, len(g.Requests))
	copy(out, g.Requests)
	return out
}

// CallsOf returns the recorded requests of one kind.
func (g *FakeGenerator) CallsOf(kind collab.GenerationKind) []collab.GenerationRequest {
	var out []collab.GenerationRequest
	for _, req := range g.Calls() {
		if req.Kind == kind {
			out = append(out, req)
		}
	}
	return out
}

// FakeContentStore keeps ideas, evaluations, and chat messages in memory.
type FakeContentStore struct {
	mu    sync.Mutex
	Ideas []collab.Idea
	Chat  []collab.ChatMessage

	IdeaErr error
	EvalErr error
	ListErr error
	ChatErr error
}

func (s *FakeContentStore) AppendIdea(ctx context.Context, idea collab.Idea) (*collab.Idea, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.IdeaErr != nil {
		return nil, s.IdeaErr
	}
	if idea.ID == "" {
		idea.ID = uuid.NewString()
	}
	if idea.CreatedAt.IsZero() {
		idea.CreatedAt = time.Now()
	}
	s.Ideas = append(s.Ideas, idea)
	return &idea, nil
}

func (s *FakeContentStore) AppendEvaluation(ctx context.Context, teamID, ideaID string, ev collab.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EvalErr != nil {
		return s.EvalErr
	}
	for i := range s.Ideas {
		if s.Ideas[i].ID == ideaID && s.Ideas[i].TeamID == teamID {
			s.Ideas[i].Evaluations = append(s.Ideas[i].Evaluations, ev)
			return nil
		}
	}
	return fmt.Errorf("idea %s not found", ideaID)
}

func (s *FakeContentStore) ListIdeas(ctx context.Context, teamID string) ([]collab.Idea, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}
	var out []collab.Idea
	for _, idea := range s.Ideas {
		if idea.TeamID == teamID {
			out = append(out, idea)
		}
	}
	return out, nil
}

func (s *FakeContentStore) AppendChat(ctx context.Context, msg collab.ChatMessage) (*collab.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ChatErr != nil {
		return nil, s.ChatErr
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	s.Chat = append(s.Chat, msg)
	return &msg, nil
}

// ChatMessages returns a snapshot of the appended chat messages.
func (s *FakeContentStore) ChatMessages() []collab.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]collab.ChatMessage, len(s.Chat))
	copy(out, s.Chat)
	return out
}

// IdeaList returns a snapshot of the stored ideas.
func (s *FakeContentStore) IdeaList() []collab.Idea {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]collab.Idea, len(s.Ideas))
	copy(out, s.Ideas)
	return out
}

// Notification records one memory Notify call.
type Notification struct {
	AgentID        string
	Event          collab.MemoryEvent
	Content        string
	RelatedAgentID string
	TeamID         string
}

// FakeMemory records notifications and serves a fixed recall string.
type FakeMemory struct {
	mu            sync.Mutex
	Notifications []Notification
	RecallText    string
	NotifyErr     error
	RecallErr     error
}

func (m *FakeMemory) Notify(ctx context.Context, agentID string, event collab.MemoryEvent, content, relatedAgentID, teamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NotifyErr != nil {
		return m.NotifyErr
	}
	m.Notifications = append(m.Notifications, Notification{
		AgentID:        agentID,
		Event:          event,
		Content:        content,
		RelatedAgentID: relatedAgentID,
		TeamID:         teamID,
	})
	return nil
}

func (m *FakeMemory) Recall(ctx context.Context, agentID, teamID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RecallErr != nil {
		return "", m.RecallErr
	}
	return m.RecallText, nil
}

// Notified returns a snapshot of recorded notifications.
func (m *FakeMemory) Notified() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.Notifications))
	copy(out, m.Notifications)
	return out
}

// FakeRoster serves teams from a fixed map.
type FakeRoster struct {
	Teams map[string]*collab.Team
	Err   error
}

// NewFakeRoster builds a roster serving the given teams.
func NewFakeRoster(teams ...*collab.Team) *FakeRoster {
	m := make(map[string]*collab.Team, len(teams))
	for _, t := range teams {
		m[t.ID] = t
	}
	return &FakeRoster{Teams: m}
}

func (r *FakeRoster) GetTeam(ctx context.Context, teamID string) (*collab.Team, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	team, ok := r.Teams[teamID]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "team %s not found", teamID)
	}
	return team, nil
}
