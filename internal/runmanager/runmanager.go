// Package runmanager implements Run lifecycle CRUD (spec C11):
// create/start/stop/status/list, owning each Run's Scheduler and
// SimBridge. Grounded on orchestration/engine.go's Engine (a
// mutex-protected map of id -> entity with Create/Get/List/Update/Delete
// methods), applied one level up: Runs instead of Agents.
package runmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/utilityfog/simcore/internal/config"
	"github.com/utilityfog/simcore/internal/ids"
	"github.com/utilityfog/simcore/internal/scheduler"
	"github.com/utilityfog/simcore/internal/simbridge"
	"github.com/utilityfog/simcore/internal/telemetry"
)

// StatusSnapshot is what `status(run_id)` / `list()` return (spec §4.11).
type StatusSnapshot struct {
	RunID       string           `json:"run_id"`
	Status      scheduler.Status `json:"status"`
	CurrentStep int64            `json:"current_step"`
	TotalSteps  int              `json:"total_steps"`
}

// run bundles one Run's owned components.
type run struct {
	id        string
	sched     *scheduler.Scheduler
	bridge    *simbridge.Bridge
	obs       *telemetry.Observability
	cancel    context.CancelFunc
	runErrCh  chan error
	startOnce sync.Once
}

// Manager owns every live Run for the process (spec C11). Grounded on
// Engine's mutex-protected id-keyed map; an id-keyed map of run_id -> *run
// plays the same role as Engine.agents.
type Manager struct {
	mu   sync.RWMutex
	runs map[string]*run
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{runs: make(map[string]*run)}
}

// CreateRun validates cfg, builds the run's Scheduler/Bridge/Observability,
// and registers it in status `starting` (spec §4.11's create_run). The
// scheduler does not begin stepping until Start is called.
func (m *Manager) CreateRun(cfg config.SimConfig) (string, error) {
	if err := config.Validate(&cfg); err != nil {
		return "", err
	}

	runID := ids.New(ids.KindRun)
	obs := telemetry.New(runID, "info", 60)
	bridge := simbridge.New(runID)

	sched, err := scheduler.New(runID, cfg, obs, bridge)
	if err != nil {
		obs.Close(context.Background())
		return "", fmt.Errorf("runmanager: scheduler construction: %w", err)
	}

	m.mu.Lock()
	m.runs[runID] = &run{id: runID, sched: sched, bridge: bridge, obs: obs, runErrCh: make(chan error, 1)}
	m.mu.Unlock()

	return runID, nil
}

// Start idempotently transitions runID to `running`, launching the
// scheduler's step loop in the background (spec §4.11).
func (m *Manager) Start(runID string) error {
	m.mu.RLock()
	r, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("runmanager: unknown run %q", runID)
	}

	r.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.obs.StartRollup(ctx)
		go func() {
			defer close(r.runErrCh)
			r.runErrCh <- r.sched.Run(ctx)
		}()
	})
	return nil
}

// Stop requests cooperative cancellation for runID and returns once the
// scheduler has emitted its `done` event (spec §4.11). Returns an error if
// runID is unknown.
func (m *Manager) Stop(runID string) error {
	m.mu.RLock()
	r, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("runmanager: unknown run %q", runID)
	}
	r.sched.Cancel()
	if r.cancel != nil {
		r.cancel()
	}
	<-r.runErrCh
	m.releaseIfTerminalAndUnsubscribed(runID)
	return nil
}

// Status returns a snapshot for runID (spec §4.11).
func (m *Manager) Status(runID string) (StatusSnapshot, error) {
	m.mu.RLock()
	r, ok := m.runs[runID]
	m.mu.RUnlock()
	if !ok {
		return StatusSnapshot{}, fmt.Errorf("runmanager: unknown run %q", runID)
	}
	return StatusSnapshot{
		RunID:       r.id,
		Status:      r.sched.Status(),
		CurrentStep: r.sched.Step(),
		TotalSteps:  r.sched.Cfg.SimulationSteps,
	}, nil
}

// List returns every live run's snapshot (spec §4.11's list()).
func (m *Manager) List() []StatusSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]StatusSnapshot, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, StatusSnapshot{
			RunID:       r.id,
			Status:      r.sched.Status(),
			CurrentStep: r.sched.Step(),
			TotalSteps:  r.sched.Cfg.SimulationSteps,
		})
	}
	return out
}

// Bridge returns the SimBridge for runID, for the streaming endpoint to
// subscribe against.
func (m *Manager) Bridge(runID string) (*simbridge.Bridge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, false
	}
	return r.bridge, true
}

func isTerminal(s scheduler.Status) bool {
	switch s {
	case scheduler.StatusCompleted, scheduler.StatusStopped, scheduler.StatusFailed:
		return true
	default:
		return false
	}
}

// releaseIfTerminalAndUnsubscribed drops a run's resources once its
// status is terminal and no subscriber still holds its bridge (spec §4.11
// "the manager owns the lifetime of its SimBridge ... resources are
// released").
func (m *Manager) releaseIfTerminalAndUnsubscribed(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[runID]
	if !ok {
		return
	}
	if !isTerminal(r.sched.Status()) || r.bridge.SubscriberCount() > 0 {
		return
	}
	r.obs.Close(context.Background())
	delete(m.runs, runID)
}

// ReleaseIfDone is called by the streaming layer after a subscriber
// disconnects, to trigger the same terminal-status release check.
func (m *Manager) ReleaseIfDone(runID string) {
	m.releaseIfTerminalAndUnsubscribed(runID)
}
