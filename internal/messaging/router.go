package messaging

import (
	"fmt"

	"github.com/utilityfog/simcore/internal/events"
	"github.com/utilityfog/simcore/internal/ids"
	"github.com/utilityfog/simcore/internal/topology"
)

// Locator resolves between agent_id and the node_id it currently occupies.
// Messaging depends on this narrow interface rather than the agent package
// directly, so agent can in turn depend on messaging without an import
// cycle.
type Locator interface {
	NodeOf(agentID string) (string, bool)
	AgentAt(nodeID string) (string, bool)
}

// Router delivers Envelopes into per-agent bounded Mailboxes according to
// the routing rules of spec §4.5. A single Router instance owns every
// mailbox for a Run.
type Router struct {
	tree     *topology.Tree
	locator  Locator
	mailbox  map[string]*Mailbox
	capacity int
}

// NewRouter creates a Router bound to tree and locator, with newly
// registered agents getting mailboxes of the given capacity.
func NewRouter(tree *topology.Tree, locator Locator, capacity int) *Router {
	return &Router{
		tree:     tree,
		locator:  locator,
		mailbox:  make(map[string]*Mailbox),
		capacity: capacity,
	}
}

// Register creates a mailbox for agentID if one doesn't already exist.
func (r *Router) Register(agentID string) {
	if _, ok := r.mailbox[agentID]; !ok {
		r.mailbox[agentID] = NewMailbox(r.capacity)
	}
}

// Unregister removes agentID's mailbox, e.g. on agent death.
func (r *Router) Unregister(agentID string) {
	delete(r.mailbox, agentID)
}

// Mailbox returns agentID's mailbox, if registered.
func (r *Router) Mailbox(agentID string) (*Mailbox, bool) {
	m, ok := r.mailbox[agentID]
	return m, ok
}

// resolveTargets computes the set of agent ids a given envelope's Route
// should reach, per spec §4.5. Order is deterministic (breadth-first /
// insertion order of the underlying tree) so downstream FIFO guarantees
// hold.
func (r *Router) resolveTargets(sender string, env Envelope) ([]string, error) {
	switch env.Route {
	case RouteUnicast:
		if env.Target == "" {
			return nil, fmt.Errorf("messaging: unicast envelope %s has no target", env.EnvelopeID)
		}
		if _, ok := r.mailbox[env.Target]; !ok {
			return nil, fmt.Errorf("messaging: unknown unicast target %s", env.Target)
		}
		return []string{env.Target}, nil

	case RouteBroadcastChildren:
		node, ok := r.locator.NodeOf(sender)
		if !ok {
			return nil, fmt.Errorf("messaging: sender %s has no node", sender)
		}
		n, ok := r.tree.Node(node)
		if !ok {
			return nil, fmt.Errorf("messaging: node %s not found", node)
		}
		return r.agentsForNodes(n.Children), nil

	case RouteBroadcastSubtree:
		node, ok := r.locator.NodeOf(sender)
		if !ok {
			return nil, fmt.Errorf("messaging: sender %s has no node", sender)
		}
		if _, ok := r.tree.Node(node); !ok {
			return nil, fmt.Errorf("messaging: node %s not found", node)
		}
		var nodeIDs []string
		queue := []string{node}
		for len(queue) > 0 {
			n, ok := r.tree.Node(queue[0])
			queue = queue[1:]
			if !ok {
				continue
			}
			nodeIDs = append(nodeIDs, n.Children...)
			queue = append(queue, n.Children...)
		}
		return r.agentsForNodes(nodeIDs), nil

	case RoutePropagateToRoot:
		node, ok := r.locator.NodeOf(sender)
		if !ok {
			return nil, fmt.Errorf("messaging: sender %s has no node", sender)
		}
		n, ok := r.tree.Node(node)
		if !ok || n.Parent == "" {
			// Already at the root: nothing further to do, not an error.
			return nil, nil
		}
		parentAgent, ok := r.locator.AgentAt(n.Parent)
		if !ok {
			return nil, nil
		}
		return []string{parentAgent}, nil

	default:
		return nil, fmt.Errorf("messaging: unknown route kind %q", env.Route)
	}
}

func (r *Router) agentsForNodes(nodeIDs []string) []string {
	out := make([]string, 0, len(nodeIDs))
	for _, n := range nodeIDs {
		if a, ok := r.locator.AgentAt(n); ok {
			out = append(out, a)
		}
	}
	return out
}

// Deliver routes every envelope in outbox (produced by agents' apply_step
// this step, in agent_id order) into target mailboxes, applying
// backpressure and expiry per spec §4.5. Emits ERROR events for dropped,
// expired, or unroutable envelopes into buf, gated by the same
// rate-limiting decision report makes for its own log line (spec §4.2/§7):
// report returns whether the error was allowed through its limiter, and
// the wire event is only emitted when it was. report may be nil, in which
// case events are never rate-limited.
func (r *Router) Deliver(step int64, outbox []Envelope, buf *events.Buffer, report func(errorKey string, fields map[string]any) bool) {
	seen := make(map[string]map[string]bool) // envelopeID -> set of agent ids already delivered to

	for _, env := range outbox {
		if env.Expired(step) {
			fields := map[string]any{
				"envelope_id": env.EnvelopeID,
				"sender":      env.Sender,
			}
			if reportAllows(report, "envelope_expired", fields) {
				emitError(buf, step, "envelope_expired", fields)
			}
			continue
		}

		targets, err := r.resolveTargets(env.Sender, env)
		if err != nil {
			if reportAllows(report, "routing_error", map[string]any{"sender": env.Sender}) {
				emitError(buf, step, "routing_error", map[string]any{
					"envelope_id": env.EnvelopeID,
					"sender":      env.Sender,
					"detail":      err.Error(),
				})
			}
			continue
		}

		delivered, ok := seen[env.EnvelopeID]
		if !ok {
			delivered = make(map[string]bool)
			seen[env.EnvelopeID] = delivered
		}

		for _, target := range targets {
			if delivered[target] {
				continue
			}
			delivered[target] = true

			mb, ok := r.mailbox[target]
			if !ok {
				continue
			}
			if !mb.Push(env) {
				if reportAllows(report, "mailbox_overflow", map[string]any{"target": target}) {
					emitError(buf, step, "mailbox_overflow", map[string]any{
						"envelope_id": env.EnvelopeID,
						"sender":      env.Sender,
						"target":      target,
					})
				}
			}
		}
	}
}

// reportAllows calls report (if non-nil) and returns its allowed verdict;
// a nil report never rate-limits, so the event is always emitted.
func reportAllows(report func(errorKey string, fields map[string]any) bool, key string, fields map[string]any) bool {
	if report == nil {
		return true
	}
	return report(key, fields)
}

// ExpireAll drops envelopes past their expiry from every registered
// mailbox and returns the total count discarded.
func (r *Router) ExpireAll(step int64) int {
	total := 0
	for _, mb := range r.mailbox {
		total += mb.DropExpired(step)
	}
	return total
}

func emitError(buf *events.Buffer, step int64, key string, data map[string]any) {
	if buf == nil {
		return
	}
	payload := map[string]any{"error_key": key}
	for k, v := range data {
		payload[k] = v
	}
	buf.Emit(events.New(ids.New(ids.KindEvent), events.KindError, step, payload))
}
