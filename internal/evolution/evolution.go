// Package evolution implements generational fitness scoring, elitist
// selection, roulette-wheel reproduction, and tree compaction (spec C8).
// Grounded on core/deeptreeecho/evolution_optimizer.go's generation/
// fitness/selection loop and core/echobeats/phase_manager.go's
// boundary-triggered phase transitions, repurposed from skill-population
// optimization to agent-population reproduction over a fixed tree.
package evolution

import (
	"math"
	"math/rand"
	"sort"

	"github.com/utilityfog/simcore/internal/events"
	"github.com/utilityfog/simcore/internal/ids"
	"github.com/utilityfog/simcore/internal/meme"
	"github.com/utilityfog/simcore/internal/topology"
)

// AgentFitnessInput is one agent's contribution to the generation-boundary
// fitness recompute (spec §4.8 step 1).
type AgentFitnessInput struct {
	AgentID          string
	Energy           float64
	Health           float64
	MessagesHandled  int
	MemeFitnessMean  float64
}

// Fitness weights are fixed: energy and health matter most, followed by
// message throughput and carried-meme quality.
const (
	weightEnergy  = 0.3
	weightHealth  = 0.3
	weightMessage = 0.2
	weightMeme    = 0.2

	// messageNormalizer caps the messages-handled term's contribution so a
	// single very chatty agent cannot dominate the ranking.
	messageNormalizer = 10.0
)

// ComputeFitness scores every agent as a weighted mean of normalized
// energy, health, message throughput, and carried-meme fitness.
func ComputeFitness(inputs []AgentFitnessInput) map[string]float64 {
	out := make(map[string]float64, len(inputs))
	for _, in := range inputs {
		msgTerm := float64(in.MessagesHandled) / messageNormalizer
		if msgTerm > 1 {
			msgTerm = 1
		}
		out[in.AgentID] = weightEnergy*in.Energy + weightHealth*in.Health + weightMessage*msgTerm + weightMeme*in.MemeFitnessMean
	}
	return out
}

// Rank returns agent ids in descending fitness order, ties broken by
// ascending agent_id for full determinism.
func Rank(fitness map[string]float64) []string {
	agentIDs := make([]string, 0, len(fitness))
	for id := range fitness {
		agentIDs = append(agentIDs, id)
	}
	sort.Slice(agentIDs, func(i, j int) bool {
		if fitness[agentIDs[i]] != fitness[agentIDs[j]] {
			return fitness[agentIDs[i]] > fitness[agentIDs[j]]
		}
		return agentIDs[i] < agentIDs[j]
	})
	return agentIDs
}

// Elites returns the top eliteFraction of ranked, rounded to the nearest
// integer (minimum 0, maximum len(ranked)).
func Elites(ranked []string, eliteFraction float64) []string {
	n := int(math.Round(eliteFraction * float64(len(ranked))))
	if n < 0 {
		n = 0
	}
	if n > len(ranked) {
		n = len(ranked)
	}
	return ranked[:n]
}

// RouletteSelect picks one id from candidates with probability
// proportional to its fitness. Candidates with zero total fitness are
// selected uniformly. Deterministic given draw.
func RouletteSelect(candidates []string, fitness map[string]float64, draw float64) string {
	if len(candidates) == 0 {
		return ""
	}
	var total float64
	for _, c := range candidates {
		total += fitness[c]
	}
	if total <= 0 {
		idx := int(draw * float64(len(candidates)))
		if idx >= len(candidates) {
			idx = len(candidates) - 1
		}
		return candidates[idx]
	}
	target := draw * total
	var cum float64
	for _, c := range candidates {
		cum += fitness[c]
		if cum >= target {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

// ChildSpec describes a newly reproduced agent (spec §4.8 step 3).
type ChildSpec struct {
	AgentID     string
	ParentA     string
	ParentB     string
	ActiveMemes []string
}

// ReproduceChild performs one instance of spec §4.8 step 3: select two
// parents by roulette, cross their meme pools, and mutate each resulting
// meme. survivors are the candidates eligible to be parents (typically
// the full ranked population, since elites can still reproduce). rng
// should be the deterministic evolution-tagged stream
// (internal/ids.Streams.For("evolution")). step and buf let the
// underlying Crossover/Mutate calls emit their events at the real step
// instead of being silently dropped (spec §4.6).
func ReproduceChild(
	survivors []string,
	fitness map[string]float64,
	memesByAgent map[string][]string,
	registry *meme.Registry,
	rng *rand.Rand,
	mutationRate, crossoverRate float64,
	maxMemesPerAgent int,
	step int64,
	buf *events.Buffer,
) ChildSpec {
	parentA := RouletteSelect(survivors, fitness, rng.Float64())
	parentB := RouletteSelect(survivors, fitness, rng.Float64())

	poolA := memesByAgent[parentA]
	poolB := memesByAgent[parentB]

	count := maxInt(len(poolA), len(poolB))
	if count > maxMemesPerAgent {
		count = maxMemesPerAgent
	}

	childID := ids.New(ids.KindAgent)
	var activeMemes []string
	for i := 0; i < count; i++ {
		var ma, mb *meme.Meme
		if len(poolA) > 0 {
			ma, _ = registry.Get(poolA[i%len(poolA)])
		}
		if len(poolB) > 0 {
			mb, _ = registry.Get(poolB[i%len(poolB)])
		}
		switch {
		case ma != nil && mb != nil:
			child := meme.Crossover(registry, ma, mb, crossoverRate, rng, step, buf)
			child = meme.Mutate(registry, child, mutationRate, rng, step, buf)
			activeMemes = append(activeMemes, child.MemeID)
		case ma != nil:
			child := meme.Mutate(registry, ma, mutationRate, rng, step, buf)
			activeMemes = append(activeMemes, child.MemeID)
		case mb != nil:
			child := meme.Mutate(registry, mb, mutationRate, rng, step, buf)
			activeMemes = append(activeMemes, child.MemeID)
		}
	}

	return ChildSpec{AgentID: childID, ParentA: parentA, ParentB: parentB, ActiveMemes: activeMemes}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// CompactionResult reports what happened to the tree when dead agents'
// nodes were detached.
type CompactionResult struct {
	// RemovedNodes is every node id actually deleted from the tree,
	// including nodes trimmed because reparenting would have exceeded the
	// branching bound.
	RemovedNodes []string
}

// CompactTree detaches every node in deadNodeIDs, reparenting each
// detached node's children to its parent in original order, and trims
// deterministically where the branching bound would otherwise be
// violated (spec §4.8 step 4, delegating the mechanics to
// topology.Tree.RemoveNode).
func CompactTree(tree *topology.Tree, deadNodeIDs []string) (CompactionResult, error) {
	sorted := append([]string{}, deadNodeIDs...)
	sort.Strings(sorted)

	var removed []string
	for _, nodeID := range sorted {
		if _, ok := tree.Node(nodeID); !ok {
			continue // already removed as part of an earlier trim
		}
		trimmed, err := tree.RemoveNode(nodeID, true)
		if err != nil {
			return CompactionResult{}, err
		}
		removed = append(removed, nodeID)
		removed = append(removed, trimmed...)
	}
	return CompactionResult{RemovedNodes: removed}, nil
}

// EmitGenerationComplete appends the GENERATION_COMPLETE event (spec §4.8
// step 5).
func EmitGenerationComplete(buf *events.Buffer, step int64, generation int, eliteCount, childCount, removedCount int) {
	if buf == nil {
		return
	}
	buf.Emit(events.New(ids.New(ids.KindEvent), events.KindGenerationComplete, step, map[string]any{
		"generation":    generation,
		"elite_count":   eliteCount,
		"child_count":   childCount,
		"removed_nodes": removedCount,
	}))
}
