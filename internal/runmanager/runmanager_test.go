package runmanager

import (
	"testing"
	"time"

	"github.com/utilityfog/simcore/internal/config"
	"github.com/utilityfog/simcore/internal/scheduler"
)

func fastConfig() config.SimConfig {
	cfg := config.Default()
	cfg.NumAgents = 2
	cfg.NetworkDepth = 2
	cfg.Branching = 2
	cfg.NumGenerations = 1
	cfg.StepsPerGeneration = 2
	cfg.StepDelaySeconds = 0
	return cfg
}

func waitForStatus(t *testing.T, m *Manager, runID string, want scheduler.Status, timeout time.Duration) StatusSnapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap, err := m.Status(runID)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if snap.Status == want {
			return snap
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for run %s to reach status %s", runID, want)
	return StatusSnapshot{}
}

func TestCreateRunRejectsInvalidConfig(t *testing.T) {
	m := New()
	cfg := fastConfig()
	cfg.NumAgents = 0
	if _, err := m.CreateRun(cfg); err == nil {
		t.Fatalf("expected an error for num_agents = 0")
	}
}

func TestCreateRunStartsInStartingStatus(t *testing.T) {
	m := New()
	runID, err := m.CreateRun(fastConfig())
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	snap, err := m.Status(runID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if snap.Status != scheduler.StatusStarting {
		t.Fatalf("expected starting status, got %s", snap.Status)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	m := New()
	runID, _ := m.CreateRun(fastConfig())
	if err := m.Start(runID); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := m.Start(runID); err != nil {
		t.Fatalf("second Start should be a no-op, got error: %v", err)
	}
	waitForStatus(t, m, runID, scheduler.StatusCompleted, time.Second)
}

func TestStopUnknownRunReturnsError(t *testing.T) {
	m := New()
	if err := m.Stop("run_does-not-exist"); err == nil {
		t.Fatalf("expected an error for an unknown run id")
	}
}

func TestStopCancelsARunningRun(t *testing.T) {
	m := New()
	cfg := fastConfig()
	cfg.NumGenerations = 100
	cfg.StepsPerGeneration = 1000
	runID, _ := m.CreateRun(cfg)
	if err := m.Start(runID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(runID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestListIncludesAllCreatedRuns(t *testing.T) {
	m := New()
	idA, _ := m.CreateRun(fastConfig())
	idB, _ := m.CreateRun(fastConfig())

	found := map[string]bool{}
	for _, snap := range m.List() {
		found[snap.RunID] = true
	}
	if !found[idA] || !found[idB] {
		t.Fatalf("expected both created runs in List(), got %+v", found)
	}
}

func TestBridgeReturnsFalseForUnknownRun(t *testing.T) {
	m := New()
	if _, ok := m.Bridge("run_missing"); ok {
		t.Fatalf("expected ok=false for an unknown run")
	}
}
