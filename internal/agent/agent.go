// Package agent implements per-agent state and the step handler (spec C4).
// Grounded on orchestration/engine.go's ExecuteTask (a pure function over a
// task snapshot producing a result plus side-effect-free bookkeeping) and
// core/echobeats/step_processors.go's per-tick processor shape, repurposed
// from task execution to a fixed (energy, health, mailbox) state machine.
package agent

import (
	"math/rand"

	"github.com/utilityfog/simcore/internal/events"
	"github.com/utilityfog/simcore/internal/ids"
	"github.com/utilityfog/simcore/internal/messaging"
)

// Role is the small behavioral enumeration of spec §3.
type Role string

const (
	RoleWorker      Role = "worker"
	RoleRelay       Role = "relay"
	RoleCoordinator Role = "coordinator"
)

// State is an agent's full mutable record (spec §3 Agent). The scheduler
// replaces it with the next state returned by ApplyStep or RecordFailure,
// and also writes it directly in its propagation, entanglement and
// generation-boundary phases; no two goroutines write the same State.
type State struct {
	AgentID           string
	NodeID            string
	Energy            float64
	Health            float64
	Role              Role
	ActiveMemes       []string
	LastStepApplied   int64
	ConsecutiveFails  int
	Quarantined       bool
	Dead              bool

	// MessagesProcessed accumulates inbox envelopes handled since the last
	// generation boundary; the Evolution Driver reads and resets it (spec
	// §4.8 step 1's "messages successfully handled" fitness term).
	MessagesProcessed int
}

// Services bundles the configuration knobs ApplyStep needs, carried in
// from the run's immutable SimConfig (spec §4.4).
type Services struct {
	EnergyDrain              float64
	EnergyGain               float64
	HealthRecoveryRate       float64
	HealthPenaltyPerOverflow float64
	DeathEnabled             bool
	QuarantineThreshold      int
	HeartbeatInterval        int64 // coordinators broadcast_children every N steps; 0 disables
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

// ApplyStep is the pure function of spec §4.4: prior state, this step's
// frozen inbox, and a deterministic RNG in, new outbox/delta/events out.
// overflowCount is the number of envelopes addressed to this agent that
// the router had to drop this step because its mailbox was already full
// (the proxy for "unhandled high-priority envelopes" driving health
// decrement).
func ApplyStep(step int64, prior State, inbox []messaging.Envelope, overflowCount int, svc Services, rng *rand.Rand) (outbox []messaging.Envelope, delta map[string]any, evs []events.Event, next State) {
	next = prior
	next.LastStepApplied = step

	if prior.Quarantined || prior.Dead {
		return nil, nil, nil, next
	}

	processed := len(inbox)
	next.MessagesProcessed = prior.MessagesProcessed + processed

	next.Energy = clamp01(prior.Energy - svc.EnergyDrain + float64(processed)*svc.EnergyGain)

	switch {
	case overflowCount > 0:
		next.Health = clamp01(prior.Health - float64(overflowCount)*svc.HealthPenaltyPerOverflow)
	case processed == 0:
		next.Health = clamp01(prior.Health + svc.HealthRecoveryRate)
	default:
		next.Health = prior.Health
	}

	if svc.HeartbeatInterval > 0 && prior.Role == RoleCoordinator && step > 0 && step%svc.HeartbeatInterval == 0 {
		outbox = append(outbox, messaging.Envelope{
			EnvelopeID: ids.New(ids.KindEnvelope),
			Kind:       "heartbeat",
			Sender:     prior.AgentID,
			Route:      messaging.RouteBroadcastChildren,
			Payload:    map[string]any{"step": step},
			IssuedStep: step,
			ExpiryStep: step + 1,
		})
	}

	if prior.Role == RoleRelay {
		for _, env := range inbox {
			if env.Route == messaging.RoutePropagateToRoot {
				forwarded := env
				forwarded.Sender = prior.AgentID
				outbox = append(outbox, forwarded)
			}
		}
	}

	if svc.DeathEnabled && next.Health <= 0 {
		next.Dead = true
		evs = append(evs, events.New(ids.New(ids.KindEvent), events.KindHealthEvent, step, map[string]any{
			"agent_id": prior.AgentID,
			"reason":   "death",
		}))
	}

	delta = diff(prior, next)
	return outbox, delta, evs, next
}

// diff computes the spec §4.9 phase-7 delta: only fields whose value
// changed between prior and next.
func diff(prior, next State) map[string]any {
	d := map[string]any{}
	if prior.NodeID != next.NodeID {
		d["node_id"] = next.NodeID
	}
	if prior.Energy != next.Energy {
		d["energy"] = next.Energy
	}
	if prior.Health != next.Health {
		d["health"] = next.Health
	}
	if prior.Role != next.Role {
		d["role"] = next.Role
	}
	if !stringSliceEqual(prior.ActiveMemes, next.ActiveMemes) {
		d["active_memes"] = next.ActiveMemes
	}
	if prior.LastStepApplied != next.LastStepApplied {
		d["last_step_applied"] = next.LastStepApplied
	}
	if prior.Dead != next.Dead {
		d["dead"] = next.Dead
	}
	if prior.Quarantined != next.Quarantined {
		d["quarantined"] = next.Quarantined
	}
	return d
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RecordFailure increments the agent's consecutive-failure counter
// (incremented by the scheduler when it recovers a panic out of this
// agent's apply_step, per spec §7) and quarantines it once the threshold
// is reached. Health is halved per spec §7's panic-recovery rule.
func RecordFailure(prior State, threshold int) State {
	next := prior
	next.Health = clamp01(prior.Health * 0.5)
	next.ConsecutiveFails++
	if threshold > 0 && next.ConsecutiveFails >= threshold {
		next.Quarantined = true
	}
	return next
}

// ResetFailures clears the failure counter; the scheduler calls it for
// every agent at each generation boundary, so failures count per
// generation rather than per run of consecutive steps.
func ResetFailures(prior State) State {
	next := prior
	next.ConsecutiveFails = 0
	return next
}
