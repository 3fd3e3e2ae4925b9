package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// HTTPConfig configures the HTTP collaborator client.
type HTTPConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// HTTPCollaborators implements Generator, ContentStore, Memory, and Roster
// against the surrounding product's JSON API. The engine never talks to
// the LLM or the idea/chat database directly; this client is its only
// window into them.
type HTTPCollaborators struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPCollaborators creates the client.
func NewHTTPCollaborators(cfg HTTPConfig, logger *zap.Logger) *HTTPCollaborators {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPCollaborators{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With(zap.String("component", "collab_http")),
	}
}

// Generate implements Generator.
func (h *HTTPCollaborators) Generate(ctx context.Context, req GenerationRequest) (*Generation, error) {
	var out Generation
	if err := h.post(ctx, "/internal/generate", req, &out); err != nil {
		return nil, fmt.Errorf("generate %s: %w", req.Kind, err)
	}
	return &out, nil
}

// AppendIdea implements ContentStore.
func (h *HTTPCollaborators) AppendIdea(ctx context.Context, idea Idea) (*Idea, error) {
	var out Idea
	if err := h.post(ctx, "/internal/ideas", idea, &out); err != nil {
		return nil, fmt.Errorf("append idea: %w", err)
	}
	return &out, nil
}

// AppendEvaluation implements ContentStore.
func (h *HTTPCollaborators) AppendEvaluation(ctx context.Context, teamID, ideaID string, ev Evaluation) error {
	path := fmt.Sprintf("/internal/teams/%s/ideas/%s/evaluations", url.PathEscape(teamID), url.PathEscape(ideaID))
	if err := h.post(ctx, path, ev, nil); err != nil {
		return fmt.Errorf("append evaluation: %w", err)
	}
	return nil
}

// ListIdeas implements ContentStore.
func (h *HTTPCollaborators) ListIdeas(ctx context.Context, teamID string) ([]Idea, error) {
	var out []Idea
	path := fmt.Sprintf("/internal/teams/%s/ideas", url.PathEscape(teamID))
	if err := h.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("list ideas: %w", err)
	}
	return out, nil
}

// AppendChat implements ContentStore.
func (h *HTTPCollaborators) AppendChat(ctx context.Context, msg ChatMessage) (*ChatMessage, error) {
	var out ChatMessage
	if err := h.post(ctx, "/internal/chat", msg, &out); err != nil {
		return nil, fmt.Errorf("append chat: %w", err)
	}
	return &out, nil
}

// Notify implements Memory.
func (h *HTTPCollaborators) Notify(ctx context.Context, agentID string, event MemoryEvent, content, relatedAgentID, teamID string) error {
	body := map[string]string{
		"agent_id":         agentID,
		"event":            string(event),
		"content":          content,
		"related_agent_id": relatedAgentID,
		"team_id":          teamID,
	}
	if err := h.post(ctx, "/internal/memory/notify", body, nil); err != nil {
		return fmt.Errorf("memory notify: %w", err)
	}
	return nil
}

// Recall implements Memory.
func (h *HTTPCollaborators) Recall(ctx context.Context, agentID, teamID string) (string, error) {
	var out struct {
		Memory string `json:"memory"`
	}
	path := fmt.Sprintf("/internal/teams/%s/agents/%s/memory", url.PathEscape(teamID), url.PathEscape(agentID))
	if err := h.get(ctx, path, &out); err != nil {
		return "", fmt.Errorf("memory recall: %w", err)
	}
	return out.Memory, nil
}

// GetTeam implements Roster.
func (h *HTTPCollaborators) GetTeam(ctx context.Context, teamID string) (*Team, error) {
	var out Team
	path := fmt.Sprintf("/internal/teams/%s", url.PathEscape(teamID))
	if err := h.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("get team: %w", err)
	}
	return &out, nil
}

func (h *HTTPCollaborators) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return h.do(req, out)
}

func (h *HTTPCollaborators) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return err
	}
	return h.do(req, out)
}

func (h *HTTPCollaborators) do(req *http.Request, out any) error {
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
