package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/teamflow-dev/teamflow/types"
)

func TestProperty_PairKeySymmetric(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("pair key is identical regardless of argument order", prop.ForAll(
		func(a string, b string) bool {
			return PairKey(a, b) == PairKey(b, a)
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.Property("distinct pairs never share a key", prop.ForAll(
		func(a string, b string, c string) bool {
			if a == c || b == c {
				return true
			}
			return PairKey(a, b) != PairKey(a, c) && PairKey(a, b) != PairKey(b, c)
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestProperty_QueuePreservesArrivalOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("requests dequeue in the order they were enqueued", prop.ForAll(
		func(count int) bool {
			ctx := context.Background()
			_, st := setupTestStore(t)

			for i := 0; i < count; i++ {
				req := &types.QueuedRequest{
					ID:        fmt.Sprintf("req-%d", i),
					Type:      types.ActionGenerateIdea,
					Timestamp: time.Now(),
					TeamID:    "team-1",
				}
				if err := st.Enqueue(ctx, "team-1", "alice", req); err != nil {
					t.Logf("Enqueue failed: %v", err)
					return false
				}
			}

			for i := 0; i < count; i++ {
				got, ok, err := st.DequeueOne(ctx, "team-1", "alice")
				if err != nil || !ok {
					t.Logf("DequeueOne failed at %d: ok=%v err=%v", i, ok, err)
					return false
				}
				if got.ID != fmt.Sprintf("req-%d", i) {
					t.Logf("order violated at %d: got %s", i, got.ID)
					return false
				}
			}

			// Drained queue yields nothing further.
			_, ok, err := st.DequeueOne(ctx, "team-1", "alice")
			if err != nil || ok {
				t.Logf("queue not empty after drain: ok=%v err=%v", ok, err)
				return false
			}
			return true
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
