// Package meme implements meme representation, mutation, crossover, and
// fitness-based eviction (spec C6). Grounded on the generation/fitness/
// mutation bookkeeping already present in
// core/deeptreeecho/evolution_optimizer.go and
// core/deeptreeecho/skill_learning_system.go, repurposed from skills to
// fixed-length opaque genomes.
package meme

import (
	"bytes"
	"math/rand"

	"github.com/utilityfog/simcore/internal/events"
	"github.com/utilityfog/simcore/internal/ids"
)

// Kind enumerates the meme categories of spec §3.
type Kind string

const (
	KindBehavioral     Kind = "behavioral"
	KindCognitive      Kind = "cognitive"
	KindSocial         Kind = "social"
	KindResource       Kind = "resource"
	KindCommunication  Kind = "communication"
)

// Meme is immutable after creation (spec §3): a new version is a new Meme.
type Meme struct {
	MemeID        string
	Kind          Kind
	Genome        []byte
	Fitness       float64
	Generation    int
	ParentMemeIDs []string
}

// Registry is the single source of truth for memes by ID (spec §3
// "Ownership summary"); agents reference memes by ID, never structurally.
type Registry struct {
	memes map[string]*Meme
}

// NewRegistry creates an empty meme registry.
func NewRegistry() *Registry {
	return &Registry{memes: make(map[string]*Meme)}
}

// Put inserts m into the registry, keyed by its MemeID.
func (r *Registry) Put(m *Meme) {
	r.memes[m.MemeID] = m
}

// Get returns the meme for id, if present.
func (r *Registry) Get(id string) (*Meme, bool) {
	m, ok := r.memes[id]
	return m, ok
}

// Seed creates n brand-new, random-genome memes of the given length and
// registers them, returning their ids. Used at run start for
// initial_memes_per_agent.
func Seed(r *Registry, rng *rand.Rand, genomeLen, n int, kinds []Kind) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		genome := make([]byte, genomeLen)
		rng.Read(genome)
		m := &Meme{
			MemeID:     ids.New(ids.KindMeme),
			Kind:       kinds[i%len(kinds)],
			Genome:     genome,
			Fitness:    0,
			Generation: 0,
		}
		r.Put(m)
		out = append(out, m.MemeID)
	}
	return out
}

// Mutate flips each byte of m's genome independently with probability
// mutationRate, producing a new Meme with generation m.Generation+1
// (spec §4.6). Emits a MEME_MUTATE event via buf.
func Mutate(r *Registry, m *Meme, mutationRate float64, rng *rand.Rand, step int64, buf *events.Buffer) *Meme {
	genome := make([]byte, len(m.Genome))
	copy(genome, m.Genome)
	for i := range genome {
		if rng.Float64() < mutationRate {
			genome[i] ^= byte(1 << uint(rng.Intn(8)))
		}
	}
	child := &Meme{
		MemeID:        ids.New(ids.KindMeme),
		Kind:          m.Kind,
		Genome:        genome,
		Fitness:       0,
		Generation:    m.Generation + 1,
		ParentMemeIDs: []string{m.MemeID},
	}
	r.Put(child)
	if buf != nil {
		buf.Emit(events.New(ids.New(ids.KindEvent), events.KindMemeMutate, step, map[string]any{
			"operation":      "mutate",
			"parent_meme_id": m.MemeID,
			"meme_id":        child.MemeID,
			"generation":     child.Generation,
		}))
	}
	return child
}

// Crossover combines m1 and m2 via uniform crossover with probability
// crossoverRate, otherwise single-point crossover at a uniformly chosen
// index (spec §4.6). Emits a MEME_MUTATE event with operation "crossover"
// (the closed event schema has no dedicated crossover kind, mirroring how
// Propagate folds eviction into MEME_SPREAD's evicted_meme_id field).
func Crossover(r *Registry, m1, m2 *Meme, crossoverRate float64, rng *rand.Rand, step int64, buf *events.Buffer) *Meme {
	n := len(m1.Genome)
	if len(m2.Genome) < n {
		n = len(m2.Genome)
	}
	genome := make([]byte, n)

	if rng.Float64() < crossoverRate {
		for i := 0; i < n; i++ {
			if rng.Intn(2) == 0 {
				genome[i] = m1.Genome[i]
			} else {
				genome[i] = m2.Genome[i]
			}
		}
	} else {
		point := rng.Intn(n + 1)
		copy(genome[:point], m1.Genome[:point])
		copy(genome[point:], m2.Genome[point:])
	}

	gen := m1.Generation
	if m2.Generation > gen {
		gen = m2.Generation
	}

	child := &Meme{
		MemeID:        ids.New(ids.KindMeme),
		Kind:          m1.Kind,
		Genome:        genome,
		Fitness:       0,
		Generation:    gen + 1,
		ParentMemeIDs: []string{m1.MemeID, m2.MemeID},
	}
	r.Put(child)
	if buf != nil {
		buf.Emit(events.New(ids.New(ids.KindEvent), events.KindMemeMutate, step, map[string]any{
			"operation":        "crossover",
			"parent_meme_id_a": m1.MemeID,
			"parent_meme_id_b": m2.MemeID,
			"meme_id":          child.MemeID,
			"generation":       child.Generation,
		}))
	}
	return child
}

// Pool is a single agent's bounded set of active meme ids, evicted
// deterministically on overflow (spec §4.6): lowest fitness, ties broken
// by oldest generation then lowest meme_id bytes.
type Pool struct {
	capacity int
	ids      []string
}

// NewPool creates an empty pool with the given capacity.
func NewPool(capacity int) *Pool {
	return &Pool{capacity: capacity}
}

// NewPoolFrom creates a pool pre-populated with memberIDs, truncated to
// capacity if necessary. Used when a reproduced child's active-meme set
// is already known to be within bounds (spec §4.8 step 3).
func NewPoolFrom(capacity int, memberIDs []string) *Pool {
	if len(memberIDs) > capacity {
		memberIDs = memberIDs[:capacity]
	}
	return &Pool{capacity: capacity, ids: append([]string{}, memberIDs...)}
}

// IDs returns the pool's current member ids.
func (p *Pool) IDs() []string {
	return append([]string{}, p.ids...)
}

// Len reports the pool's current size.
func (p *Pool) Len() int {
	return len(p.ids)
}

// Contains reports whether id is already in the pool.
func (p *Pool) Contains(id string) bool {
	for _, x := range p.ids {
		if x == id {
			return true
		}
	}
	return false
}

// Add inserts memeID into the pool; if the pool is at capacity, the
// lowest-fitness member is evicted first (deterministic tie-break).
// Returns the evicted meme id, if any, and a MEME_SPREAD event is the
// caller's responsibility (Propagate emits it).
func (p *Pool) Add(r *Registry, memeID string) (evicted string) {
	if p.Contains(memeID) {
		return ""
	}
	if len(p.ids) < p.capacity {
		p.ids = append(p.ids, memeID)
		return ""
	}

	worst := 0
	for i := 1; i < len(p.ids); i++ {
		if lessFit(r, p.ids[i], p.ids[worst]) {
			worst = i
		}
	}
	evicted = p.ids[worst]
	p.ids[worst] = memeID
	return evicted
}

// lessFit reports whether meme a should be evicted before meme b: lower
// fitness first, then older generation, then lower meme_id bytes.
func lessFit(r *Registry, a, b string) bool {
	ma, _ := r.Get(a)
	mb, _ := r.Get(b)
	if ma == nil || mb == nil {
		return a < b
	}
	if ma.Fitness != mb.Fitness {
		return ma.Fitness < mb.Fitness
	}
	if ma.Generation != mb.Generation {
		return ma.Generation < mb.Generation
	}
	return bytes.Compare([]byte(ma.MemeID), []byte(mb.MemeID)) < 0
}

// Propagate adds memeID to each target pool, subject to capacity, emitting
// a MEME_SPREAD event per target (spec §4.6).
func Propagate(r *Registry, source string, targets map[string]*Pool, memeID string, step int64, buf *events.Buffer) {
	for agentID, pool := range targets {
		evicted := pool.Add(r, memeID)
		data := map[string]any{
			"source_agent_id": source,
			"target_agent_id": agentID,
			"meme_id":         memeID,
		}
		if evicted != "" {
			data["evicted_meme_id"] = evicted
		}
		if buf != nil {
			buf.Emit(events.New(ids.New(ids.KindEvent), events.KindMemeSpread, step, data))
		}
	}
}

// FitnessInput is one agent's contribution to a meme's fitness recompute
// at a generation boundary (spec §4.6).
type FitnessInput struct {
	CarrierEnergy      float64
	CarrierHealth      float64
	PropagationCount   int
}

// UpdateFitness recomputes fitness for every meme referenced in inputs as a
// weighted sum of mean carrier energy/health and propagation count
// observed in the previous generation.
func UpdateFitness(r *Registry, inputsByMeme map[string][]FitnessInput) {
	for memeID, inputs := range inputsByMeme {
		m, ok := r.Get(memeID)
		if !ok || len(inputs) == 0 {
			continue
		}
		var energySum, healthSum float64
		var propSum int
		for _, in := range inputs {
			energySum += in.CarrierEnergy
			healthSum += in.CarrierHealth
			propSum += in.PropagationCount
		}
		n := float64(len(inputs))
		const wEnergy, wHealth, wProp = 0.4, 0.4, 0.2
		m.Fitness = wEnergy*(energySum/n) + wHealth*(healthSum/n) + wProp*float64(propSum)
	}
}
