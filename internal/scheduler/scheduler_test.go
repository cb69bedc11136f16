package scheduler

import (
	"context"
	"testing"

	"github.com/utilityfog/simcore/internal/agent"
)

// TestRunStepPropagatesMemesFromCoordinatorToNeighbors exercises phase 4
// (spec C6/§4.9 phase 4): a coordinator's active memes should spread to
// its topological neighbors' pools during an ordinary step, with the
// affected neighbor's ActiveMemes resynced from its pool afterward.
func TestRunStepPropagatesMemesFromCoordinatorToNeighbors(t *testing.T) {
	s := newTestScheduler(t)
	ordered := s.Pool.OrderedIDs()
	coordinatorID := ordered[0] // lowest agent id; may sit at any node, each of which has a neighbor

	coordState, _ := s.Pool.State(coordinatorID)
	coordState.Role = agent.RoleCoordinator
	sourceMemes := append([]string{}, coordState.ActiveMemes...)
	if len(sourceMemes) == 0 {
		t.Fatalf("expected coordinator to have seeded active memes")
	}

	if err := s.runStep(context.Background(), 1); err != nil {
		t.Fatalf("runStep: %v", err)
	}

	spread := false
	for _, otherID := range ordered[1:] {
		pool, ok := s.MemePool[otherID]
		if !ok {
			continue
		}
		for _, memeID := range sourceMemes {
			if pool.Contains(memeID) {
				spread = true
				st, _ := s.Pool.State(otherID)
				found := false
				for _, am := range st.ActiveMemes {
					if am == memeID {
						found = true
					}
				}
				if !found {
					t.Fatalf("expected agent %s's ActiveMemes resynced with its pool after propagation", otherID)
				}
			}
		}
	}
	if !spread {
		t.Fatalf("expected at least one neighbor pool to receive a propagated meme")
	}
}
