// Package testutil provides the in-memory collaborators and Redis fixtures
// the engine's tests are built on.
package testutil

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teamflow-dev/teamflow/collab"
	"github.com/teamflow-dev/teamflow/store"
)

// NewTestStore spins up a miniredis instance and a Store connected to it.
// Both are cleaned up when the test ends.
func NewTestStore(t *testing.T) (*store.Store, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := store.DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.IdleMin = 30 * time.Second
	cfg.IdleMax = 60 * time.Second

	st, err := store.New(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return st, mr
}

// TestTeam returns a small roster: three agents and one human, with
// alice-bob and alice-carol related, and the human dana related to
// everyone. bob and carol have no edge between them.
func TestTeam() *collab.Team {
	return &collab.Team{
		ID:    "team-1",
		Name:  "Research",
		Topic: "distributed caching",
		Members: []collab.Member{
			{ID: "alice", Name: "Alice"},
			{ID: "bob", Name: "Bob"},
			{ID: "carol", Name: "Carol"},
			{ID: "dana", Name: "Dana", IsUser: true},
		},
		Relationships: []collab.Relationship{
			{FromID: "alice", ToID: "bob", Kind: collab.RelationPeer},
			{FromID: "alice", ToID: "carol", Kind: collab.RelationSupervisor},
			{FromID: "dana", ToID: "alice", Kind: collab.RelationSupervisor},
			{FromID: "dana", ToID: "bob", Kind: collab.RelationSupervisor},
			{FromID: "dana", ToID: "carol", Kind: collab.RelationSupervisor},
		},
	}
}
