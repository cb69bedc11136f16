package entanglement

import (
	"testing"

	"github.com/utilityfog/simcore/internal/events"
)

func zeroDistance(a, b string) (int, error) { return 0, nil }

func TestJaccardOverlapFullAndEmpty(t *testing.T) {
	if s := jaccard([]string{"m1", "m2"}, []string{"m1", "m2"}); s != 1 {
		t.Fatalf("expected full overlap score 1, got %f", s)
	}
	if s := jaccard([]string{"m1"}, []string{"m2"}); s != 0 {
		t.Fatalf("expected no overlap score 0, got %f", s)
	}
	if s := jaccard(nil, nil); s != 0 {
		t.Fatalf("expected empty overlap score 0, got %f", s)
	}
}

func TestCandidatesSelectsAboveThresholdOnly(t *testing.T) {
	agents := []Snapshot{
		{AgentID: "a1", NodeID: "n1", ActiveMemes: []string{"m1", "m2"}},
		{AgentID: "a2", NodeID: "n2", ActiveMemes: []string{"m1", "m2"}},
		{AgentID: "a3", NodeID: "n3", ActiveMemes: []string{"m9"}},
	}
	pairs := Candidates(agents, zeroDistance, 3, 0.5)
	if len(pairs) != 1 {
		t.Fatalf("expected exactly 1 candidate pair above threshold, got %d: %v", len(pairs), pairs)
	}
	if pairs[0] != (Pair{A: "a1", B: "a2"}) {
		t.Fatalf("expected pair (a1,a2), got %v", pairs[0])
	}
}

func TestCandidatesRespectsKLimit(t *testing.T) {
	agents := []Snapshot{
		{AgentID: "a1", NodeID: "n1", ActiveMemes: []string{"m1"}},
		{AgentID: "a2", NodeID: "n2", ActiveMemes: []string{"m1"}},
		{AgentID: "a3", NodeID: "n3", ActiveMemes: []string{"m1"}},
		{AgentID: "a4", NodeID: "n4", ActiveMemes: []string{"m1"}},
	}
	pairs := Candidates(agents, zeroDistance, 1, 0.1)
	counts := map[string]int{}
	for _, p := range pairs {
		counts[p.A]++
		counts[p.B]++
	}
	for agentID, c := range counts {
		if c > 2 { // a selects 1, but may also be selected by others
			t.Fatalf("agent %s appears in too many pairs: %d", agentID, c)
		}
	}
}

func TestCandidatesDeterministicOrder(t *testing.T) {
	agents := []Snapshot{
		{AgentID: "a3", NodeID: "n3", ActiveMemes: []string{"m1"}},
		{AgentID: "a1", NodeID: "n1", ActiveMemes: []string{"m1"}},
		{AgentID: "a2", NodeID: "n2", ActiveMemes: []string{"m1"}},
	}
	p1 := Candidates(agents, zeroDistance, 3, 0.1)
	p2 := Candidates(agents, zeroDistance, 3, 0.1)
	if len(p1) != len(p2) {
		t.Fatalf("expected stable pair count across runs")
	}
	for i := range p1 {
		if p1[i] != p2[i] {
			t.Fatalf("expected identical deterministic order, differs at %d: %v vs %v", i, p1, p2)
		}
	}
	for i := 1; i < len(p1); i++ {
		if p1[i-1].A > p1[i].A || (p1[i-1].A == p1[i].A && p1[i-1].B > p1[i].B) {
			t.Fatalf("expected lexicographic pair order, got %v", p1)
		}
	}
}

func baseParams() Params {
	return Params{
		K:                   3,
		Threshold:           0.1,
		InitialStrength:     0.3,
		Reinforcement:       0.1,
		DecayRate:           0.2,
		MinEntanglement:     0.05,
		ReinforceEventDelta: 0.01,
		PerturbationScale:   0.1,
	}
}

func TestUpdateCreatesNewPairWithInitialStrength(t *testing.T) {
	table := NewTable()
	buf := &events.Buffer{}
	Update(table, []Pair{{A: "a1", B: "a2"}}, baseParams(), 1, buf, nil)

	e, ok := table.Get("a1", "a2")
	if !ok {
		t.Fatalf("expected pair committed")
	}
	if e.Strength != 0.3 {
		t.Fatalf("expected initial strength 0.3, got %f", e.Strength)
	}
	if e.CreatedStep != 1 {
		t.Fatalf("expected created_step 1, got %d", e.CreatedStep)
	}

	drained := buf.Drain()
	if len(drained) != 1 || drained[0].Kind != events.KindEntanglement {
		t.Fatalf("expected 1 ENTANGLEMENT event, got %v", drained)
	}
}

func TestUpdateReinforcesExistingPair(t *testing.T) {
	table := NewTable()
	buf := &events.Buffer{}
	Update(table, []Pair{{A: "a1", B: "a2"}}, baseParams(), 1, buf, nil)
	buf.Drain()

	Update(table, []Pair{{A: "a1", B: "a2"}}, baseParams(), 2, buf, nil)
	e, _ := table.Get("a1", "a2")
	if e.Strength != 0.4 {
		t.Fatalf("expected strength 0.3+0.1=0.4 after reinforcement, got %f", e.Strength)
	}
	if e.LastReinforcedStep != 2 {
		t.Fatalf("expected last_reinforced_step updated to 2, got %d", e.LastReinforcedStep)
	}
}

func TestUpdateReinforcementCapsAtOne(t *testing.T) {
	table := NewTable()
	p := baseParams()
	p.InitialStrength = 0.95
	p.Reinforcement = 0.5
	Update(table, []Pair{{A: "a1", B: "a2"}}, p, 1, nil, nil)
	Update(table, []Pair{{A: "a1", B: "a2"}}, p, 2, nil, nil)
	e, _ := table.Get("a1", "a2")
	if e.Strength != 1 {
		t.Fatalf("expected strength capped at 1, got %f", e.Strength)
	}
}

func TestUpdateDecaysUncommittedPairs(t *testing.T) {
	table := NewTable()
	p := baseParams()
	Update(table, []Pair{{A: "a1", B: "a2"}}, p, 1, nil, nil)

	// Step 2: pair not re-selected -> should decay.
	Update(table, nil, p, 2, nil, nil)
	e, ok := table.Get("a1", "a2")
	if !ok {
		t.Fatalf("expected pair to survive decay above min_entanglement")
	}
	expected := 0.3 * (1 - p.DecayRate)
	if e.Strength != expected {
		t.Fatalf("expected decayed strength %f, got %f", expected, e.Strength)
	}
}

func TestUpdateRemovesPairBelowMinEntanglement(t *testing.T) {
	table := NewTable()
	p := baseParams()
	p.InitialStrength = 0.06
	p.MinEntanglement = 0.05
	p.DecayRate = 0.5
	buf := &events.Buffer{}
	Update(table, []Pair{{A: "a1", B: "a2"}}, p, 1, buf, nil)
	buf.Drain()

	Update(table, nil, p, 2, buf, nil)
	if _, ok := table.Get("a1", "a2"); ok {
		t.Fatalf("expected pair removed once below min_entanglement")
	}
	drained := buf.Drain()
	found := false
	for _, ev := range drained {
		if ev.Data["action"] == "destroyed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a destroyed ENTANGLEMENT event, got %v", drained)
	}
}

func TestUpdateEmitsPerturbationForEveryLivePair(t *testing.T) {
	table := NewTable()
	p := baseParams()
	vitals := map[string]Vitals{
		"a1": {Energy: 0.2, Health: 0.2},
		"a2": {Energy: 0.8, Health: 0.8},
	}
	perturbations := Update(table, []Pair{{A: "a1", B: "a2"}}, p, 1, nil, vitals)
	if len(perturbations) != 2 {
		t.Fatalf("expected 2 perturbations (one per agent in the pair), got %d", len(perturbations))
	}
	byAgent := map[string]Perturbation{}
	for _, pert := range perturbations {
		byAgent[pert.AgentID] = pert
	}
	if byAgent["a1"].EnergyDelta <= 0 {
		t.Fatalf("expected the lower-valued agent a1 to drift up, got delta %f", byAgent["a1"].EnergyDelta)
	}
	if byAgent["a2"].EnergyDelta >= 0 {
		t.Fatalf("expected the higher-valued agent a2 to drift down, got delta %f", byAgent["a2"].EnergyDelta)
	}
	if diff := byAgent["a1"].EnergyDelta + byAgent["a2"].EnergyDelta; diff < -1e-9 || diff > 1e-9 {
		t.Fatalf("expected opposite, equal-magnitude deltas (true convergence), got a1=%f a2=%f", byAgent["a1"].EnergyDelta, byAgent["a2"].EnergyDelta)
	}
}

func TestUpdateSkipsPerturbationForAgentsMissingVitals(t *testing.T) {
	table := NewTable()
	p := baseParams()
	perturbations := Update(table, []Pair{{A: "a1", B: "a2"}}, p, 1, nil, nil)
	if len(perturbations) != 0 {
		t.Fatalf("expected no perturbations when vitals are unknown, got %v", perturbations)
	}
}

func TestAllReturnsDeterministicOrder(t *testing.T) {
	table := NewTable()
	Update(table, []Pair{{A: "a3", B: "a9"}, {A: "a1", B: "a2"}}, baseParams(), 1, nil, nil)
	all := table.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 live entanglements, got %d", len(all))
	}
	if all[0].Pair.A != "a1" {
		t.Fatalf("expected lexicographically first pair first, got %v", all[0].Pair)
	}
}
