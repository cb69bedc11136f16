// Package scheduler drives the discrete-step simulation loop (spec C9).
// Grounded on core/echobeats/echobeats.go's ordered phase loop and
// core/echobeats/threephase.go's fixed sub-phase sequencing, with the
// optional parallel agent-apply fan-out modeled on golang.org/x/sync's
// errgroup usage elsewhere in the pack
// (intelligencedev-manifold/internal/*).
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/utilityfog/simcore/internal/agent"
	"github.com/utilityfog/simcore/internal/config"
	"github.com/utilityfog/simcore/internal/entanglement"
	"github.com/utilityfog/simcore/internal/events"
	"github.com/utilityfog/simcore/internal/ids"
	"github.com/utilityfog/simcore/internal/meme"
	"github.com/utilityfog/simcore/internal/messaging"
	"github.com/utilityfog/simcore/internal/telemetry"
	"github.com/utilityfog/simcore/internal/topology"
)

// Status is a Run's lifecycle state (spec §3).
type Status string

const (
	StatusIdle       Status = "idle"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusCompleting Status = "completing"
	StatusCompleted  Status = "completed"
	StatusStopped    Status = "stopped"
	StatusFailed     Status = "failed"
)

// StepStats is the per-step summary of spec §4.9 phase 6.
type StepStats struct {
	Step              int64
	ActiveAgents      int
	MeanEnergy        float64
	MeanHealth        float64
	MemeDiversity     int
	EntanglementCount int
	DroppedMessages   int
}

// AgentDelta is one agent's changed fields for a tick (spec §4.9 phase 7).
type AgentDelta struct {
	AgentID string
	Fields  map[string]any
}

// Sink receives the scheduler's outward-facing messages. SimBridge
// implements this; scheduler depends only on the interface so the two
// packages don't form an import cycle (grounded on orchestration/
// engine.go's callback-based result reporting).
type Sink interface {
	PublishInitState(nodes []string, edges [][2]string, cfg config.SimConfig)
	PublishTick(step int64, deltas []AgentDelta)
	PublishEvent(ev events.Event)
	PublishStats(step int64, stats StepStats)
	PublishDone(status Status, finalStep int64, summary map[string]any)
}

// locator adapts Pool + Tree to messaging.Locator.
type locator struct {
	pool *Pool
	tree *topology.Tree
}

func (l locator) NodeOf(agentID string) (string, bool) {
	s, ok := l.pool.State(agentID)
	if !ok || s.NodeID == "" {
		return "", false
	}
	return s.NodeID, true
}

func (l locator) AgentAt(nodeID string) (string, bool) {
	n, ok := l.tree.Node(nodeID)
	if !ok || n.AgentID == "" {
		return "", false
	}
	return n.AgentID, true
}

// Scheduler owns one run's full mutable state and drives its step loop.
type Scheduler struct {
	RunID string
	Cfg   config.SimConfig

	Tree     *topology.Tree
	Pool     *Pool
	Router   *messaging.Router
	MemeReg  *meme.Registry
	MemePool map[string]*meme.Pool
	EntTable *entanglement.Table

	Streams *ids.Streams
	Obs     *telemetry.Observability
	Sink    Sink

	status     Status
	step       int64
	generation int

	cancelMu sync.Mutex
	canceled bool

	lastSent map[string]agent.State
}

// New builds a Scheduler with a freshly constructed tree and agent
// population, per spec §4.3's breadth-first construction policy and
// §4.4/§4.6's initial agent/meme seeding.
func New(runID string, cfg config.SimConfig, obs *telemetry.Observability, sink Sink) (*Scheduler, error) {
	tree, nodeIDs, err := topology.BreadthFirstFill(cfg.NetworkDepth, cfg.Branching, cfg.NumAgents)
	if err != nil {
		return nil, fmt.Errorf("scheduler: topology construction: %w", err)
	}

	pool := NewPool()
	memeReg := meme.NewRegistry()
	memePools := make(map[string]*meme.Pool)
	streams := ids.NewStreams(cfg.Seed)

	for i, nodeID := range nodeIDs {
		agentID := ids.New(ids.KindAgent)
		if err := tree.SetAgent(nodeID, agentID); err != nil {
			return nil, err
		}
		role := agent.RoleWorker
		if i == 0 {
			role = agent.RoleCoordinator
		}

		rng := streams.For("meme-seed:" + agentID)
		memeIDs := meme.Seed(memeReg, rng, 16, cfg.InitialMemesPerAgent, []meme.Kind{
			meme.KindBehavioral, meme.KindCognitive, meme.KindSocial, meme.KindResource, meme.KindCommunication,
		})
		mp := meme.NewPool(cfg.MaxMemesPerAgent)
		for _, id := range memeIDs {
			mp.Add(memeReg, id)
		}
		memePools[agentID] = mp

		pool.Add(agent.State{
			AgentID:     agentID,
			NodeID:      nodeID,
			Energy:      1,
			Health:      1,
			Role:        role,
			ActiveMemes: mp.IDs(),
		})
	}

	router := messaging.NewRouter(tree, locator{pool: pool, tree: tree}, cfg.MailboxCapacity)
	for _, id := range pool.OrderedIDs() {
		router.Register(id)
	}

	return &Scheduler{
		RunID:    runID,
		Cfg:      cfg,
		Tree:     tree,
		Pool:     pool,
		Router:   router,
		MemeReg:  memeReg,
		MemePool: memePools,
		EntTable: entanglement.NewTable(),
		Streams:  streams,
		Obs:      obs,
		Sink:     sink,
		status:   StatusStarting,
		lastSent: make(map[string]agent.State),
	}, nil
}

// Status returns the run's current lifecycle status.
func (s *Scheduler) Status() Status { return s.status }

// Step returns the last completed step number.
func (s *Scheduler) Step() int64 { return s.step }

// Cancel requests cooperative cancellation. Run checks the flag once per
// step, before the step's phase 1; a step already in progress runs all of
// its phases before the cancellation is observed.
func (s *Scheduler) Cancel() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	s.canceled = true
}

func (s *Scheduler) isCanceled() bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	return s.canceled
}

// Run drives the full simulation to completion, cancellation, or a fatal
// error, publishing init_state once and a tick/stats/event batch per step
// (spec §4.9).
func (s *Scheduler) Run(ctx context.Context) error {
	s.status = StatusRunning
	s.publishInitState()

	for step := int64(1); step <= int64(s.Cfg.SimulationSteps); step++ {
		if s.isCanceled() {
			s.status = StatusStopped
			s.Sink.PublishDone(StatusStopped, s.step, map[string]any{"reason": "cancelled"})
			return nil
		}

		if err := s.runStep(ctx, step); err != nil {
			s.status = StatusFailed
			if s.Obs != nil {
				s.Obs.Errors.Report("scheduler_fatal", map[string]any{"run_id": s.RunID, "step": step, "error": err.Error()})
			}
			s.Sink.PublishEvent(events.New(ids.New(ids.KindEvent), events.KindError, step, map[string]any{
				"error_key": "scheduler_fatal",
				"detail":    err.Error(),
			}))
			s.Sink.PublishDone(StatusFailed, s.step, map[string]any{"error": err.Error()})
			return err
		}

		if s.Cfg.StepDelaySeconds > 0 {
			select {
			case <-ctx.Done():
				s.status = StatusStopped
				s.Sink.PublishDone(StatusStopped, s.step, map[string]any{"reason": "context_done"})
				return nil
			case <-time.After(time.Duration(s.Cfg.StepDelaySeconds * float64(time.Second))):
			}
		}
	}

	s.status = StatusCompleted
	s.Sink.PublishDone(StatusCompleted, s.step, map[string]any{"total_steps": s.Cfg.SimulationSteps})
	return nil
}

// runStep executes the eight ordered sub-phases of spec §4.9 for a single
// step.
func (s *Scheduler) runStep(ctx context.Context, step int64) error {
	buf := &events.Buffer{}

	// Phase 1: inbox snapshot.
	snapshots := make(map[string][]messaging.Envelope, s.Pool.Len())
	overflowCount := make(map[string]int, s.Pool.Len())
	for _, id := range s.Pool.OrderedIDs() {
		mb, ok := s.Router.Mailbox(id)
		if !ok {
			continue
		}
		mb.DropExpired(step)
		snapshots[id] = mb.Snapshot()
		mb.Clear()
	}

	// Phase 2: agent apply, fanned out in parallel, merged by agent_id order.
	ordered := s.Pool.OrderedIDs()
	outboxByAgent := make(map[string][]messaging.Envelope, len(ordered))
	deltaByAgent := make(map[string]map[string]any, len(ordered))
	eventsByAgent := make(map[string][]events.Event, len(ordered))
	nextByAgent := make(map[string]agent.State, len(ordered))

	svc := agent.Services{
		EnergyDrain:              s.Cfg.EnergyDrain,
		EnergyGain:               s.Cfg.EnergyGain,
		HealthRecoveryRate:       0.02,
		HealthPenaltyPerOverflow: 0.1,
		DeathEnabled:             s.Cfg.DeathEnabled,
		QuarantineThreshold:      3,
		HeartbeatInterval:        int64(s.Cfg.StepsPerGeneration),
	}

	g, _ := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, id := range ordered {
		id := id
		g.Go(func() (err error) {
			prior, ok := s.Pool.State(id)
			if !ok {
				return nil
			}

			// A panicking agent is caught here rather than crashing the
			// run: it is recorded as a failure (quarantined once
			// QuarantineThreshold is reached) and reported as an ERROR
			// event instead (spec §7).
			defer func() {
				if r := recover(); r != nil {
					next := agent.RecordFailure(*prior, svc.QuarantineThreshold)
					mu.Lock()
					nextByAgent[id] = next
					if s.Obs != nil {
						s.Obs.Errors.Report("agent_panic", map[string]any{"agent_id": id, "step": step, "panic": fmt.Sprint(r)})
					}
					buf.Emit(events.New(ids.New(ids.KindEvent), events.KindError, step, map[string]any{
						"error_key": "agent_panic",
						"agent_id":  id,
						"detail":    fmt.Sprint(r),
					}))
					mu.Unlock()
				}
			}()

			rng := s.Streams.For("agent:" + id)
			outbox, delta, evs, next := agent.ApplyStep(step, *prior, snapshots[id], overflowCount[id], svc, rng)

			mu.Lock()
			outboxByAgent[id] = outbox
			deltaByAgent[id] = delta
			eventsByAgent[id] = evs
			nextByAgent[id] = next
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var outbox []messaging.Envelope
	var deltas []AgentDelta
	for _, id := range ordered { // deterministic post-order merge by agent_id
		outbox = append(outbox, outboxByAgent[id]...)
		if next, ok := nextByAgent[id]; ok {
			*s.mustState(id) = next
		}
		for _, ev := range eventsByAgent[id] {
			buf.Emit(ev)
		}
		if d := deltaByAgent[id]; len(d) > 0 {
			deltas = append(deltas, AgentDelta{AgentID: id, Fields: d})
		}
	}

	// Phase 3: routing.
	s.Router.Deliver(step, outbox, buf, func(key string, fields map[string]any) bool {
		if tgt, ok := fields["target"].(string); ok {
			overflowCount[tgt]++
		}
		if s.Obs != nil {
			return s.Obs.Errors.Report(key, fields)
		}
		return true
	})

	// Phase 4: meme propagation (spec C6/§4.9 phase 4). Coordinators and
	// relays push each of their active memes to live neighbor agents'
	// pools once per step; eviction and MEME_SPREAD events are handled by
	// meme.Propagate. Targets whose pools actually change need their
	// agent.State.ActiveMemes resynced afterward, since Pool and State
	// are tracked separately.
	touchedByPropagation := make(map[string]bool)
	for _, id := range ordered {
		st, ok := s.Pool.State(id)
		if !ok || st.Dead || st.Quarantined {
			continue
		}
		if st.Role != agent.RoleCoordinator && st.Role != agent.RoleRelay {
			continue
		}
		neighborNodeIDs, err := s.Tree.Neighbors(st.NodeID)
		if err != nil {
			continue
		}
		targets := make(map[string]*meme.Pool)
		for _, nodeID := range neighborNodeIDs {
			n, ok := s.Tree.Node(nodeID)
			if !ok || n.AgentID == "" || n.AgentID == id {
				continue
			}
			tgt, ok := s.Pool.State(n.AgentID)
			if !ok || tgt.Dead {
				continue
			}
			pool, ok := s.MemePool[n.AgentID]
			if !ok {
				continue
			}
			targets[n.AgentID] = pool
		}
		if len(targets) == 0 {
			continue
		}
		for _, memeID := range st.ActiveMemes {
			meme.Propagate(s.MemeReg, id, targets, memeID, step, buf)
		}
		for targetID := range targets {
			touchedByPropagation[targetID] = true
		}
	}
	for agentID := range touchedByPropagation {
		if st, ok := s.Pool.State(agentID); ok {
			if pool, ok := s.MemePool[agentID]; ok {
				st.ActiveMemes = pool.IDs()
			}
		}
	}

	// Phase 5: entanglement update.
	droppedMessages := 0
	if s.Cfg.EnableEntanglement {
		snaps := make([]entanglement.Snapshot, 0, s.Pool.Len())
		vitals := make(map[string]entanglement.Vitals, s.Pool.Len())
		for _, id := range ordered {
			st, _ := s.Pool.State(id)
			snaps = append(snaps, entanglement.Snapshot{AgentID: id, NodeID: st.NodeID, ActiveMemes: st.ActiveMemes})
			vitals[id] = entanglement.Vitals{Energy: st.Energy, Health: st.Health}
		}
		candidates := entanglement.Candidates(snaps, s.Tree.Distance, s.Cfg.EntanglementCandidatesPerAgent, s.Cfg.EntanglementThreshold)
		params := entanglement.Params{
			K:                   s.Cfg.EntanglementCandidatesPerAgent,
			Threshold:           s.Cfg.EntanglementThreshold,
			InitialStrength:     s.Cfg.InitialStrength,
			Reinforcement:       s.Cfg.Reinforcement,
			DecayRate:           s.Cfg.DecayRate,
			MinEntanglement:     s.Cfg.MinEntanglement,
			ReinforceEventDelta: 0.02,
			PerturbationScale:   0.01,
		}
		perturbations := entanglement.Update(s.EntTable, candidates, params, step, buf, vitals)
		for _, p := range perturbations {
			if st, ok := s.Pool.State(p.AgentID); ok {
				st.Energy = clamp01(st.Energy + p.EnergyDelta)
				st.Health = clamp01(st.Health + p.HealthDelta)
			}
		}
	}

	// Phase 6: stats aggregation.
	stats := s.computeStats(step, droppedMessages)

	// Phase 7: emit.
	s.Sink.PublishTick(step, deltas)
	for _, ev := range buf.Drain() {
		s.Sink.PublishEvent(ev)
	}
	if s.Cfg.StatsCadence <= 1 || step%int64(s.Cfg.StatsCadence) == 0 {
		s.Sink.PublishStats(step, stats)
	}
	buf.Emit(events.New(ids.New(ids.KindEvent), events.KindStepComplete, step, map[string]any{"step": step}))
	for _, ev := range buf.Drain() {
		s.Sink.PublishEvent(ev)
	}

	s.step = step

	// Generation boundary.
	if s.Cfg.StepsPerGeneration > 0 && step%int64(s.Cfg.StepsPerGeneration) == 0 {
		s.generation++
		if err := s.runGenerationBoundary(step); err != nil {
			return err
		}
	}

	return nil
}

func (s *Scheduler) mustState(agentID string) *agent.State {
	st, _ := s.Pool.State(agentID)
	return st
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (s *Scheduler) computeStats(step int64, dropped int) StepStats {
	var energySum, healthSum float64
	active := 0
	diversity := map[string]bool{}
	for _, id := range s.Pool.OrderedIDs() {
		st, ok := s.Pool.State(id)
		if !ok || st.Dead {
			continue
		}
		active++
		energySum += st.Energy
		healthSum += st.Health
		for _, m := range st.ActiveMemes {
			diversity[m] = true
		}
	}
	mean := func(sum float64) float64 {
		if active == 0 {
			return 0
		}
		return sum / float64(active)
	}
	return StepStats{
		Step:              step,
		ActiveAgents:      active,
		MeanEnergy:        mean(energySum),
		MeanHealth:        mean(healthSum),
		MemeDiversity:     len(diversity),
		EntanglementCount: s.EntTable.Len(),
		DroppedMessages:   dropped,
	}
}

func (s *Scheduler) publishInitState() {
	var nodeIDs []string
	var edges [][2]string
	collectEdges(s.Tree, s.Tree.Root(), &nodeIDs, &edges)
	sort.Strings(nodeIDs)
	s.Sink.PublishInitState(nodeIDs, edges, s.Cfg)
}

func collectEdges(tree *topology.Tree, root string, nodeIDs *[]string, edges *[][2]string) {
	if root == "" {
		return
	}
	_ = tree.Subtree(root, func(id string) bool {
		*nodeIDs = append(*nodeIDs, id)
		n, ok := tree.Node(id)
		if ok && n.Parent != "" {
			*edges = append(*edges, [2]string{n.Parent, id})
		}
		return true
	})
}
