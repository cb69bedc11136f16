// Package config validates and holds the immutable per-Run configuration
// described in spec §6. Configuration is captured once at Run creation and
// never mutated afterward (design note §9: "module-level mutable
// configuration -> immutable Config per Run, captured at start").
package config

import "fmt"

// SimConfig is the full set of accepted run configuration options (§6).
type SimConfig struct {
	NumAgents    int `json:"num_agents"`
	NetworkDepth int `json:"network_depth"`
	Branching    int `json:"branching_factor"`

	NumGenerations     int `json:"num_generations"`
	StepsPerGeneration int `json:"steps_per_generation"`
	SimulationSteps    int `json:"simulation_steps"`

	MutationRate  float64 `json:"mutation_rate"`
	CrossoverRate float64 `json:"crossover_rate"`

	InitialMemesPerAgent int `json:"initial_memes_per_agent"`
	MaxMemesPerAgent     int `json:"max_memes_per_agent"`

	EnableEntanglement     bool    `json:"enable_entanglement"`
	EntanglementThreshold  float64 `json:"entanglement_threshold"`
	InitialStrength        float64 `json:"initial_strength"`
	Reinforcement          float64 `json:"reinforcement"`
	DecayRate              float64 `json:"decay_rate"`
	MinEntanglement        float64 `json:"min_entanglement"`

	StepDelaySeconds float64 `json:"step_delay_seconds"`

	Seed int64 `json:"seed"`

	WallClockBudgetSeconds float64 `json:"wall_clock_budget_seconds"`

	DeathEnabled  bool    `json:"death_enabled"`
	EnergyDrain   float64 `json:"energy_drain"`
	EnergyGain    float64 `json:"energy_gain"`
	EliteFraction float64 `json:"elite_fraction"`

	MailboxCapacity int `json:"mailbox_capacity"`

	// StatsCadence is the number of steps between `stats` flushes when
	// greater than 1; a `stats` message is always flushed every step when
	// StatsCadence <= 1.
	StatsCadence int `json:"stats_cadence"`

	// EntanglementCandidatesPerAgent is §4.7's `k`.
	EntanglementCandidatesPerAgent int `json:"entanglement_candidates_per_agent"`
}

// Error describes a configuration rejection, naming the offending field per
// SPEC_FULL.md §C.2.
type Error struct {
	Field  string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("configuration error: field %q: %s", e.Field, e.Detail)
}

// Default returns a SimConfig with conservative, spec-consistent defaults;
// callers overlay values parsed from the request body on top of it.
func Default() SimConfig {
	return SimConfig{
		NumAgents:                      1,
		NetworkDepth:                   3,
		Branching:                      3,
		NumGenerations:                 1,
		StepsPerGeneration:             10,
		MutationRate:                   0.01,
		CrossoverRate:                  0.5,
		InitialMemesPerAgent:           2,
		MaxMemesPerAgent:               8,
		EnableEntanglement:             false,
		EntanglementThreshold:          0.6,
		InitialStrength:                0.3,
		Reinforcement:                  0.1,
		DecayRate:                      0.1,
		MinEntanglement:                0.05,
		StepDelaySeconds:               0,
		Seed:                           1,
		WallClockBudgetSeconds:         0,
		DeathEnabled:                   true,
		EnergyDrain:                    0.02,
		EnergyGain:                     0.05,
		EliteFraction:                  0.2,
		MailboxCapacity:                16,
		StatsCadence:                   1,
		EntanglementCandidatesPerAgent: 3,
	}
}

// Validate checks the invariants spec.md §6/§8 place on configuration and
// derives SimulationSteps when unset. Returns a *Error naming the first
// offending field.
func Validate(c *SimConfig) error {
	if c.NumAgents <= 0 {
		return &Error{Field: "num_agents", Detail: "must be >= 1"}
	}
	if c.NetworkDepth < 0 {
		return &Error{Field: "network_depth", Detail: "must be >= 0"}
	}
	if c.Branching <= 0 {
		return &Error{Field: "branching_factor", Detail: "must be >= 1"}
	}
	if c.NumGenerations <= 0 {
		return &Error{Field: "num_generations", Detail: "must be >= 1"}
	}
	if c.StepsPerGeneration <= 0 {
		return &Error{Field: "steps_per_generation", Detail: "must be >= 1"}
	}
	if c.SimulationSteps == 0 {
		c.SimulationSteps = c.NumGenerations * c.StepsPerGeneration
	}
	if c.SimulationSteps <= 0 {
		return &Error{Field: "simulation_steps", Detail: "must be >= 1"}
	}
	if c.MutationRate < 0 || c.MutationRate > 1 {
		return &Error{Field: "mutation_rate", Detail: "must be in [0,1]"}
	}
	if c.CrossoverRate < 0 || c.CrossoverRate > 1 {
		return &Error{Field: "crossover_rate", Detail: "must be in [0,1]"}
	}
	if c.InitialMemesPerAgent < 0 {
		return &Error{Field: "initial_memes_per_agent", Detail: "must be >= 0"}
	}
	if c.MaxMemesPerAgent <= 0 {
		return &Error{Field: "max_memes_per_agent", Detail: "must be >= 1"}
	}
	if c.InitialMemesPerAgent > c.MaxMemesPerAgent {
		return &Error{Field: "initial_memes_per_agent", Detail: "must be <= max_memes_per_agent"}
	}
	if c.EnableEntanglement {
		if c.EntanglementThreshold < 0 || c.EntanglementThreshold > 1 {
			return &Error{Field: "entanglement_threshold", Detail: "must be in [0,1]"}
		}
		if c.InitialStrength < 0 || c.InitialStrength > 1 {
			return &Error{Field: "initial_strength", Detail: "must be in [0,1]"}
		}
		if c.Reinforcement < 0 {
			return &Error{Field: "reinforcement", Detail: "must be >= 0"}
		}
		if c.DecayRate < 0 || c.DecayRate > 1 {
			return &Error{Field: "decay_rate", Detail: "must be in [0,1]"}
		}
		if c.MinEntanglement < 0 || c.MinEntanglement > 1 {
			return &Error{Field: "min_entanglement", Detail: "must be in [0,1]"}
		}
	}
	if c.StepDelaySeconds < 0 {
		return &Error{Field: "step_delay_seconds", Detail: "must be >= 0"}
	}
	if c.WallClockBudgetSeconds < 0 {
		return &Error{Field: "wall_clock_budget_seconds", Detail: "must be >= 0"}
	}
	if c.EliteFraction < 0 || c.EliteFraction > 1 {
		return &Error{Field: "elite_fraction", Detail: "must be in [0,1]"}
	}
	if c.MailboxCapacity <= 0 {
		return &Error{Field: "mailbox_capacity", Detail: "must be >= 1"}
	}
	if c.EntanglementCandidatesPerAgent < 0 {
		return &Error{Field: "entanglement_candidates_per_agent", Detail: "must be >= 0"}
	}
	return nil
}
