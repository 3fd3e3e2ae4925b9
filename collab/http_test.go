package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCollaborators(t *testing.T, handler http.Handler) *HTTPCollaborators {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPCollaborators(HTTPConfig{BaseURL: srv.URL, Timeout: 2 * time.Second}, zap.NewNop())
}

func TestGenerate_RoundTrip(t *testing.T) {
	var gotReq GenerationRequest
	c := newTestCollaborators(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/generate", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		idx := 2
		json.NewEncoder(w).Encode(Generation{Content: "an idea", Action: "generate_idea", TargetIndex: &idx})
	}))

	gen, err := c.Generate(context.Background(), GenerationRequest{
		Kind:    KindPlan,
		TeamID:  "team-1",
		AgentID: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "an idea", gen.Content)
	require.NotNil(t, gen.TargetIndex)
	assert.Equal(t, 2, *gen.TargetIndex)
	assert.Equal(t, KindPlan, gotReq.Kind)
	assert.Equal(t, "alice", gotReq.AgentID)
}

func TestAppendEvaluation_EscapesPathSegments(t *testing.T) {
	var gotPath string
	c := newTestCollaborators(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusNoContent)
	}))

	err := c.AppendEvaluation(context.Background(), "team/1", "idea 2", Evaluation{EvaluatorID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "/internal/teams/team%2F1/ideas/idea%202/evaluations", gotPath)
}

func TestListIdeas_NonSuccessStatusIsAnError(t *testing.T) {
	c := newTestCollaborators(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))

	_, err := c.ListIdeas(context.Background(), "team-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502")
}

func TestRecall_UnwrapsMemoryField(t *testing.T) {
	c := newTestCollaborators(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		json.NewEncoder(w).Encode(map[string]string{"memory": "remembered context"})
	}))

	mem, err := c.Recall(context.Background(), "alice", "team-1")
	require.NoError(t, err)
	assert.Equal(t, "remembered context", mem)
}

func TestGetTeam_ContextCancellation(t *testing.T) {
	c := newTestCollaborators(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetTeam(ctx, "team-1")
	require.Error(t, err)
}
