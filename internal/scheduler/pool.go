package scheduler

import (
	"sort"

	"github.com/utilityfog/simcore/internal/agent"
)

// Pool holds every agent's mutable state for a run, indexed by agent_id,
// with iteration always available in ascending agent_id order so phases
// that must be deterministic (apply, delta emission) can rely on it
// (spec §5 "Ordering guarantees").
type Pool struct {
	states map[string]*agent.State
	order  []string
}

// NewPool creates an empty agent pool.
func NewPool() *Pool {
	return &Pool{states: make(map[string]*agent.State)}
}

// Add registers a new agent, keeping order sorted by agent_id.
func (p *Pool) Add(s agent.State) {
	p.states[s.AgentID] = &s
	p.order = append(p.order, s.AgentID)
	sort.Strings(p.order)
}

// Remove deletes an agent from the pool (e.g. after death + compaction).
func (p *Pool) Remove(agentID string) {
	delete(p.states, agentID)
	for i, id := range p.order {
		if id == agentID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// State returns the live state for agentID.
func (p *Pool) State(agentID string) (*agent.State, bool) {
	s, ok := p.states[agentID]
	return s, ok
}

// OrderedIDs returns every agent id in ascending order.
func (p *Pool) OrderedIDs() []string {
	return append([]string{}, p.order...)
}

// Len reports the live agent count.
func (p *Pool) Len() int {
	return len(p.order)
}
