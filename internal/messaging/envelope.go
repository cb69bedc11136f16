// Package messaging implements the Messaging Fabric (spec C5): typed
// envelopes, tree-aware routing, bounded per-agent mailboxes, and
// sender-side backpressure. Grounded on the register/unregister/broadcast
// channel pattern of core/webserver/websocket.go's WebSocketHub, adapted
// from a single hub-wide broadcast to per-agent bounded FIFO mailboxes
// addressed through the topology tree.
package messaging

// RouteKind enumerates the delivery strategies of spec §4.5.
type RouteKind string

const (
	RouteUnicast          RouteKind = "unicast"
	RouteBroadcastChildren RouteKind = "broadcast_children"
	RouteBroadcastSubtree RouteKind = "broadcast_subtree"
	RoutePropagateToRoot  RouteKind = "propagate_to_root"
)

// Envelope is a single routed message between agents (spec §3). Payload is
// intentionally untyped: the messaging fabric never interprets message
// contents, only routes and expires them.
type Envelope struct {
	EnvelopeID string
	Kind       string
	Sender     string
	Route      RouteKind
	// Target is the destination agent_id; only meaningful when Route is
	// RouteUnicast.
	Target     string
	Payload    any
	IssuedStep int64
	ExpiryStep int64
}

// Expired reports whether the envelope is no longer deliverable at step.
func (e Envelope) Expired(step int64) bool {
	return e.ExpiryStep > 0 && step > e.ExpiryStep
}
