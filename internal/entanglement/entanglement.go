// Package entanglement implements the pairwise coupling engine (spec C7).
// Grounded on core/deeptreeecho/theory_of_mind.go's pairwise relationship
// scoring and core/deeptreeecho/hypergraph_integration.go's edge
// strength/decay bookkeeping, repurposed from social-simulation affinity
// to meme-overlap/topological-distance similarity.
package entanglement

import (
	"sort"

	"github.com/utilityfog/simcore/internal/events"
	"github.com/utilityfog/simcore/internal/ids"
)

// Snapshot is the read-only view of one agent a candidate-selection pass
// needs; it is computed once per step from the post-routing agent pool,
// never mutated by this package.
type Snapshot struct {
	AgentID     string
	NodeID      string
	ActiveMemes []string
}

// Pair is an unordered agent pair, always stored canonically with A < B
// lexicographically so map keys and commit order are deterministic (spec
// §4.7 step 2).
type Pair struct {
	A, B string
}

func newPair(x, y string) Pair {
	if x < y {
		return Pair{A: x, B: y}
	}
	return Pair{A: y, B: x}
}

// Entanglement is the live record for one committed pair (spec §3).
type Entanglement struct {
	Pair               Pair
	Strength           float64
	CreatedStep        int64
	LastReinforcedStep int64
}

// Table owns every live Entanglement for a run, keyed by canonical Pair.
type Table struct {
	entries map[Pair]*Entanglement
}

// NewTable creates an empty entanglement table.
func NewTable() *Table {
	return &Table{entries: make(map[Pair]*Entanglement)}
}

// Get returns the live entanglement for (a,b), if any.
func (t *Table) Get(a, b string) (*Entanglement, bool) {
	e, ok := t.entries[newPair(a, b)]
	return e, ok
}

// Len reports the number of live entanglements.
func (t *Table) Len() int {
	return len(t.entries)
}

// All returns every live entanglement, ordered by canonical pair for
// deterministic iteration.
func (t *Table) All() []*Entanglement {
	out := make([]*Entanglement, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Pair.A != out[j].Pair.A {
			return out[i].Pair.A < out[j].Pair.A
		}
		return out[i].Pair.B < out[j].Pair.B
	})
	return out
}

// DistanceFunc returns the topological hop distance between two nodes
// (e.g. via topology.Tree.PathToRoot-derived LCA depth), or an error if
// either node is unknown.
type DistanceFunc func(nodeA, nodeB string) (int, error)

// similarity scores two agents by meme overlap (Jaccard) decayed by
// topological distance, per spec §4.7 step 1.
func similarity(a, b Snapshot, distance DistanceFunc) float64 {
	overlap := jaccard(a.ActiveMemes, b.ActiveMemes)

	dist, err := distance(a.NodeID, b.NodeID)
	if err != nil || dist < 0 {
		return 0
	}
	decay := 1.0 / float64(1+dist)
	return overlap * decay
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]int, len(a)+len(b))
	for _, m := range a {
		set[m] |= 1
	}
	for _, m := range b {
		set[m] |= 2
	}
	var inter, union int
	for _, v := range set {
		union++
		if v == 3 {
			inter++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Candidates selects, for each agent, up to k other agents scoring above
// threshold (spec §4.7 step 1), returning the full set of candidate pairs
// across all agents with duplicates coalesced.
func Candidates(agents []Snapshot, distance DistanceFunc, k int, threshold float64) []Pair {
	ordered := make([]Snapshot, len(agents))
	copy(ordered, agents)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].AgentID < ordered[j].AgentID })

	seen := map[Pair]bool{}
	var pairs []Pair

	for _, a := range ordered {
		type scored struct {
			other string
			score float64
		}
		var scoredOthers []scored
		for _, b := range ordered {
			if a.AgentID == b.AgentID {
				continue
			}
			s := similarity(a, b, distance)
			if s > threshold {
				scoredOthers = append(scoredOthers, scored{other: b.AgentID, score: s})
			}
		}
		sort.Slice(scoredOthers, func(i, j int) bool {
			if scoredOthers[i].score != scoredOthers[j].score {
				return scoredOthers[i].score > scoredOthers[j].score
			}
			return scoredOthers[i].other < scoredOthers[j].other
		})
		if len(scoredOthers) > k {
			scoredOthers = scoredOthers[:k]
		}
		for _, so := range scoredOthers {
			p := newPair(a.AgentID, so.other)
			if !seen[p] {
				seen[p] = true
				pairs = append(pairs, p)
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].A != pairs[j].A {
			return pairs[i].A < pairs[j].A
		}
		return pairs[i].B < pairs[j].B
	})
	return pairs
}

// Perturbation is the energy/health nudge the scheduler applies to one
// agent of a live pair, drawing it toward the other member (spec §4.7
// step 5).
type Perturbation struct {
	AgentID     string
	EnergyDelta float64
	HealthDelta float64
}

// Vitals is the subset of an agent's state the convergence step needs.
type Vitals struct {
	Energy float64
	Health float64
}

// Params bundles the configured entanglement dynamics of spec §6.
type Params struct {
	K                       int
	Threshold               float64
	InitialStrength         float64
	Reinforcement           float64
	DecayRate               float64
	MinEntanglement         float64
	ReinforceEventDelta     float64
	PerturbationScale       float64
}

// Update runs one full entanglement phase (spec §4.7 steps 2-5): commits
// newly selected candidate pairs in deterministic order, reinforces
// re-selected pairs, decays and prunes the rest, and returns the
// correlated perturbations every live pair generates this step. Entering
// pair order is assumed already sorted (Candidates returns sorted pairs).
// vitals carries each agent's current energy/health so the perturbation
// can drift each pair member toward the other (spec §4.7 step 5); an
// agent missing from vitals is skipped.
func Update(t *Table, candidatePairs []Pair, p Params, step int64, buf *events.Buffer, vitals map[string]Vitals) []Perturbation {
	committed := make(map[Pair]bool, len(candidatePairs))

	for _, pair := range candidatePairs {
		committed[pair] = true
		if e, ok := t.entries[pair]; ok {
			before := e.Strength
			e.Strength = min1(e.Strength + p.Reinforcement)
			e.LastReinforcedStep = step
			if e.Strength-before >= p.ReinforceEventDelta {
				emit(buf, step, "reinforced", pair, e.Strength)
			}
		} else {
			e := &Entanglement{
				Pair:               pair,
				Strength:           p.InitialStrength,
				CreatedStep:        step,
				LastReinforcedStep: step,
			}
			t.entries[pair] = e
			emit(buf, step, "created", pair, e.Strength)
		}
	}

	for pair, e := range t.entries {
		if committed[pair] {
			continue
		}
		e.Strength *= 1 - p.DecayRate
		if e.Strength < p.MinEntanglement {
			delete(t.entries, pair)
			emit(buf, step, "destroyed", pair, e.Strength)
		}
	}

	var perturbations []Perturbation
	for _, e := range t.All() {
		va, ok := vitals[e.Pair.A]
		if !ok {
			continue
		}
		vb, ok := vitals[e.Pair.B]
		if !ok {
			continue
		}
		rate := p.PerturbationScale * e.Strength
		perturbations = append(perturbations,
			Perturbation{AgentID: e.Pair.A, EnergyDelta: (vb.Energy - va.Energy) * rate, HealthDelta: (vb.Health - va.Health) * rate},
			Perturbation{AgentID: e.Pair.B, EnergyDelta: (va.Energy - vb.Energy) * rate, HealthDelta: (va.Health - vb.Health) * rate},
		)
	}
	return perturbations
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

func emit(buf *events.Buffer, step int64, action string, pair Pair, strength float64) {
	if buf == nil {
		return
	}
	buf.Emit(events.New(ids.New(ids.KindEvent), events.KindEntanglement, step, map[string]any{
		"action":   action,
		"agent_a":  pair.A,
		"agent_b":  pair.B,
		"strength": strength,
	}))
}
