package config

import "testing"

func TestValidateRejectsZeroAgents(t *testing.T) {
	c := Default()
	c.NumAgents = 0
	err := Validate(&c)
	var cerr *Error
	if err == nil {
		t.Fatalf("expected error for num_agents=0")
	}
	if e, ok := err.(*Error); !ok || e.Field != "num_agents" {
		t.Fatalf("expected num_agents field error, got %v (%T)", err, err)
	}
	_ = cerr
}

func TestValidateDerivesSimulationSteps(t *testing.T) {
	c := Default()
	c.NumGenerations = 4
	c.StepsPerGeneration = 5
	if err := Validate(&c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.SimulationSteps != 20 {
		t.Fatalf("expected derived simulation_steps=20, got %d", c.SimulationSteps)
	}
}

func TestValidateRejectsOutOfRangeMutationRate(t *testing.T) {
	c := Default()
	c.MutationRate = 1.5
	if err := Validate(&c); err == nil {
		t.Fatalf("expected error for mutation_rate > 1")
	}
}

func TestValidateInitialMemesExceedsMax(t *testing.T) {
	c := Default()
	c.InitialMemesPerAgent = 100
	c.MaxMemesPerAgent = 2
	if err := Validate(&c); err == nil {
		t.Fatalf("expected error when initial memes exceed capacity")
	}
}

func TestValidateEntanglementFieldsOnlyCheckedWhenEnabled(t *testing.T) {
	c := Default()
	c.EnableEntanglement = false
	c.EntanglementThreshold = 5 // out of range, but gate is off
	if err := Validate(&c); err != nil {
		t.Fatalf("unexpected error with entanglement disabled: %v", err)
	}
}
