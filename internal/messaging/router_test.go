package messaging

import (
	"testing"

	"github.com/utilityfog/simcore/internal/events"
	"github.com/utilityfog/simcore/internal/topology"
)

// fakeLocator is a trivial bidirectional agent<->node map for tests.
type fakeLocator struct {
	nodeOf  map[string]string
	agentAt map[string]string
}

func newFakeLocator() *fakeLocator {
	return &fakeLocator{nodeOf: map[string]string{}, agentAt: map[string]string{}}
}

func (f *fakeLocator) place(agentID, nodeID string) {
	f.nodeOf[agentID] = nodeID
	f.agentAt[nodeID] = agentID
}

func (f *fakeLocator) NodeOf(agentID string) (string, bool) {
	n, ok := f.nodeOf[agentID]
	return n, ok
}

func (f *fakeLocator) AgentAt(nodeID string) (string, bool) {
	a, ok := f.agentAt[nodeID]
	return a, ok
}

// buildFixture creates a 3-level tree (root -> mid -> leafA, leafB) with one
// agent per node, and a Router with mailbox capacity cap.
func buildFixture(t *testing.T, cap int) (*Router, *fakeLocator, map[string]string) {
	t.Helper()
	tree := topology.New(5, 5)
	root, _ := tree.AddRoot()
	mid, _ := tree.AddNode(root)
	leafA, _ := tree.AddNode(mid)
	leafB, _ := tree.AddNode(mid)

	loc := newFakeLocator()
	agents := map[string]string{
		"root": root, "mid": mid, "leafA": leafA, "leafB": leafB,
	}
	for agentID, nodeID := range agents {
		loc.place(agentID, nodeID)
	}

	r := NewRouter(tree, loc, cap)
	for agentID := range agents {
		r.Register(agentID)
	}
	return r, loc, agents
}

func TestUnicastDeliversToTarget(t *testing.T) {
	r, _, _ := buildFixture(t, 4)
	buf := &events.Buffer{}
	r.Deliver(1, []Envelope{
		{EnvelopeID: "e1", Sender: "root", Route: RouteUnicast, Target: "leafA"},
	}, buf, nil)

	mb, _ := r.Mailbox("leafA")
	if mb.Len() != 1 {
		t.Fatalf("expected 1 envelope delivered to leafA, got %d", mb.Len())
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no error events, got %d", buf.Len())
	}
}

func TestUnicastUnknownTargetEmitsRoutingError(t *testing.T) {
	r, _, _ := buildFixture(t, 4)
	buf := &events.Buffer{}
	r.Deliver(1, []Envelope{
		{EnvelopeID: "e1", Sender: "root", Route: RouteUnicast, Target: "ghost"},
	}, buf, nil)

	drained := buf.Drain()
	if len(drained) != 1 || drained[0].Kind != events.KindError {
		t.Fatalf("expected 1 ERROR event, got %v", drained)
	}
	if drained[0].Data["error_key"] != "routing_error" {
		t.Fatalf("expected routing_error key, got %v", drained[0].Data["error_key"])
	}
}

func TestBroadcastChildrenReachesDirectChildrenOnly(t *testing.T) {
	r, _, _ := buildFixture(t, 4)
	buf := &events.Buffer{}
	r.Deliver(1, []Envelope{
		{EnvelopeID: "e1", Sender: "mid", Route: RouteBroadcastChildren},
	}, buf, nil)

	for _, id := range []string{"leafA", "leafB"} {
		mb, _ := r.Mailbox(id)
		if mb.Len() != 1 {
			t.Fatalf("expected %s to receive broadcast, got %d", id, mb.Len())
		}
	}
	rootMb, _ := r.Mailbox("root")
	if rootMb.Len() != 0 {
		t.Fatalf("expected root (parent, not child) to receive nothing")
	}
}

func TestBroadcastSubtreeExcludesSenderAndDedupesByEnvelopeID(t *testing.T) {
	r, _, _ := buildFixture(t, 4)
	buf := &events.Buffer{}
	r.Deliver(1, []Envelope{
		{EnvelopeID: "e1", Sender: "root", Route: RouteBroadcastSubtree},
	}, buf, nil)

	rootMb, _ := r.Mailbox("root")
	if rootMb.Len() != 0 {
		t.Fatalf("expected sender to not receive its own broadcast")
	}
	for _, id := range []string{"mid", "leafA", "leafB"} {
		mb, _ := r.Mailbox(id)
		if mb.Len() != 1 {
			t.Fatalf("expected %s to receive exactly 1 envelope, got %d", id, mb.Len())
		}
	}
}

func TestPropagateToRootDeliversOnlyToImmediateParent(t *testing.T) {
	r, _, _ := buildFixture(t, 4)
	buf := &events.Buffer{}
	r.Deliver(1, []Envelope{
		{EnvelopeID: "e1", Sender: "leafA", Route: RoutePropagateToRoot},
	}, buf, nil)

	midMb, _ := r.Mailbox("mid")
	if midMb.Len() != 1 {
		t.Fatalf("expected mid (leafA's parent) to receive 1 envelope, got %d", midMb.Len())
	}
	rootMb, _ := r.Mailbox("root")
	if rootMb.Len() != 0 {
		t.Fatalf("expected root to receive nothing in a single hop")
	}
}

func TestPropagateToRootFromRootIsNoop(t *testing.T) {
	r, _, _ := buildFixture(t, 4)
	buf := &events.Buffer{}
	r.Deliver(1, []Envelope{
		{EnvelopeID: "e1", Sender: "root", Route: RoutePropagateToRoot},
	}, buf, nil)
	if buf.Len() != 0 {
		t.Fatalf("expected no error events for root propagate_to_root, got %d", buf.Len())
	}
}

func TestMailboxOverflowDropsAtSenderAndEmitsEvent(t *testing.T) {
	r, _, _ := buildFixture(t, 1)
	buf := &events.Buffer{}
	r.Deliver(1, []Envelope{
		{EnvelopeID: "e1", Sender: "root", Route: RouteUnicast, Target: "leafA"},
		{EnvelopeID: "e2", Sender: "mid", Route: RouteUnicast, Target: "leafA"},
	}, buf, nil)

	mb, _ := r.Mailbox("leafA")
	if mb.Len() != 1 {
		t.Fatalf("expected mailbox capped at 1, got %d", mb.Len())
	}

	drained := buf.Drain()
	if len(drained) != 1 || drained[0].Data["error_key"] != "mailbox_overflow" {
		t.Fatalf("expected 1 mailbox_overflow event, got %v", drained)
	}
}

func TestExpiredEnvelopeIsDroppedNotDelivered(t *testing.T) {
	r, _, _ := buildFixture(t, 4)
	buf := &events.Buffer{}
	var reportedKeys []string
	report := func(key string, _ map[string]any) bool { reportedKeys = append(reportedKeys, key); return true }

	r.Deliver(10, []Envelope{
		{EnvelopeID: "e1", Sender: "root", Route: RouteUnicast, Target: "leafA", IssuedStep: 1, ExpiryStep: 5},
	}, buf, report)

	mb, _ := r.Mailbox("leafA")
	if mb.Len() != 0 {
		t.Fatalf("expected expired envelope not delivered, got %d", mb.Len())
	}
	if len(reportedKeys) != 1 || reportedKeys[0] != "envelope_expired" {
		t.Fatalf("expected envelope_expired report, got %v", reportedKeys)
	}
}

func TestMailboxOverflowEventSuppressedWhenReportDisallows(t *testing.T) {
	r, _, _ := buildFixture(t, 1)
	buf := &events.Buffer{}
	report := func(string, map[string]any) bool { return false }

	r.Deliver(1, []Envelope{
		{EnvelopeID: "e1", Sender: "root", Route: RouteUnicast, Target: "leafA"},
		{EnvelopeID: "e2", Sender: "mid", Route: RouteUnicast, Target: "leafA"},
	}, buf, report)

	if buf.Len() != 0 {
		t.Fatalf("expected ERROR event suppressed when report disallows, got %d", buf.Len())
	}
}

func TestExpireAllDropsStaleQueuedEnvelopes(t *testing.T) {
	r, _, _ := buildFixture(t, 4)
	r.Deliver(1, []Envelope{
		{EnvelopeID: "e1", Sender: "root", Route: RouteUnicast, Target: "leafA", IssuedStep: 1, ExpiryStep: 3},
	}, nil, nil)

	mb, _ := r.Mailbox("leafA")
	if mb.Len() != 1 {
		t.Fatalf("expected envelope queued before expiry, got %d", mb.Len())
	}

	dropped := r.ExpireAll(10)
	if dropped != 1 {
		t.Fatalf("expected 1 envelope expired, got %d", dropped)
	}
	if mb.Len() != 0 {
		t.Fatalf("expected mailbox drained of expired envelope, got %d", mb.Len())
	}
}

func TestFIFOOrderPerSenderTargetPair(t *testing.T) {
	r, _, _ := buildFixture(t, 4)
	r.Deliver(1, []Envelope{
		{EnvelopeID: "e1", Sender: "root", Route: RouteUnicast, Target: "leafA", Payload: "first"},
		{EnvelopeID: "e2", Sender: "root", Route: RouteUnicast, Target: "leafA", Payload: "second"},
	}, nil, nil)

	mb, _ := r.Mailbox("leafA")
	snap := mb.Snapshot()
	if len(snap) != 2 || snap[0].Payload != "first" || snap[1].Payload != "second" {
		t.Fatalf("expected FIFO order preserved, got %v", snap)
	}
}
