package scheduler

import (
	"fmt"

	"github.com/utilityfog/simcore/internal/agent"
	"github.com/utilityfog/simcore/internal/events"
	"github.com/utilityfog/simcore/internal/evolution"
	"github.com/utilityfog/simcore/internal/meme"
)

// runGenerationBoundary executes spec §4.8's five steps: fitness scoring,
// elitism, dead-node compaction, roulette reproduction into freed tree
// capacity, and the GENERATION_COMPLETE event.
func (s *Scheduler) runGenerationBoundary(step int64) error {
	buf := &events.Buffer{}
	ordered := s.Pool.OrderedIDs()

	inputs := make([]evolution.AgentFitnessInput, 0, len(ordered))
	memesByAgent := make(map[string][]string, len(ordered))
	nodeToAgent := make(map[string]string, len(ordered))
	var deadNodeIDs []string

	for _, id := range ordered {
		st, ok := s.Pool.State(id)
		if !ok {
			continue
		}
		memesByAgent[id] = st.ActiveMemes
		nodeToAgent[st.NodeID] = id
		inputs = append(inputs, evolution.AgentFitnessInput{
			AgentID:         id,
			Energy:          st.Energy,
			Health:          st.Health,
			MessagesHandled: st.MessagesProcessed,
			MemeFitnessMean: s.meanMemeFitness(st.ActiveMemes),
		})
		if st.Dead {
			deadNodeIDs = append(deadNodeIDs, st.NodeID)
		}
	}

	fitness := evolution.ComputeFitness(inputs)
	ranked := evolution.Rank(fitness)
	elites := evolution.Elites(ranked, s.Cfg.EliteFraction)

	deadSet := make(map[string]bool, len(deadNodeIDs))
	for _, id := range ordered {
		if st, ok := s.Pool.State(id); ok && st.Dead {
			deadSet[id] = true
		}
	}
	survivors := make([]string, 0, len(ranked))
	for _, id := range ranked {
		if !deadSet[id] {
			survivors = append(survivors, id)
		}
	}

	result, err := evolution.CompactTree(s.Tree, deadNodeIDs)
	if err != nil {
		return fmt.Errorf("scheduler: generation boundary compaction: %w", err)
	}
	removedAgents := 0
	for _, nodeID := range result.RemovedNodes {
		if agentID, ok := nodeToAgent[nodeID]; ok {
			s.Pool.Remove(agentID)
			s.Router.Unregister(agentID)
			removedAgents++
		}
	}

	// Reproduction fills the slots vacated by dead/trimmed agents, up to
	// whatever tree capacity compaction actually freed (spec §4.8 step 3).
	deficit := removedAgents
	rng := s.Streams.For("evolution")
	childCount := 0
	for i := 0; i < deficit; i++ {
		if len(survivors) == 0 {
			break
		}
		child := evolution.ReproduceChild(survivors, fitness, memesByAgent, s.MemeReg, rng, s.Cfg.MutationRate, s.Cfg.CrossoverRate, s.Cfg.MaxMemesPerAgent, step, buf)
		if child.ParentA == "" || child.ParentB == "" {
			continue
		}
		nodeID, ok := s.placeChild()
		if !ok {
			break // tree has no spare capacity left; population shrinks.
		}

		if err := s.Tree.SetAgent(nodeID, child.AgentID); err != nil {
			return fmt.Errorf("scheduler: placing reproduced agent: %w", err)
		}
		mp := meme.NewPoolFrom(s.Cfg.MaxMemesPerAgent, child.ActiveMemes)
		s.MemePool[child.AgentID] = mp

		s.Pool.Add(agent.State{
			AgentID:     child.AgentID,
			NodeID:      nodeID,
			Energy:      1,
			Health:      1,
			Role:        agent.RoleWorker,
			ActiveMemes: mp.IDs(),
		})
		s.Router.Register(child.AgentID)
		childCount++
	}

	for _, id := range s.Pool.OrderedIDs() {
		if st, ok := s.Pool.State(id); ok {
			*st = agent.ResetFailures(*st)
			st.MessagesProcessed = 0
		}
	}

	evolution.EmitGenerationComplete(buf, step, s.generation, len(elites), childCount, len(result.RemovedNodes))
	for _, ev := range buf.Drain() {
		s.Sink.PublishEvent(ev)
	}
	return nil
}

// placeChild finds the lowest node id (deterministic) with spare
// branching capacity under the depth bound, and creates a new child node
// there via Tree.AddNode (which itself enforces both bounds).
func (s *Scheduler) placeChild() (string, bool) {
	for _, candidate := range s.Tree.NodeIDs() {
		nodeID, err := s.Tree.AddNode(candidate)
		if err == nil {
			return nodeID, true
		}
	}
	return "", false
}

func (s *Scheduler) meanMemeFitness(memeIDs []string) float64 {
	if len(memeIDs) == 0 {
		return 0
	}
	var sum float64
	for _, id := range memeIDs {
		if m, ok := s.MemeReg.Get(id); ok {
			sum += m.Fitness
		}
	}
	return sum / float64(len(memeIDs))
}
