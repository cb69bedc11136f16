// Package simbridge implements the per-run multiplexer between the
// scheduler and external subscribers (spec C10): it converts scheduler
// callbacks into the seven-message wire schema and fans them out to
// bounded per-subscriber channels. Grounded on
// core/webserver/websocket.go's WebSocketHub (register/unregister/
// broadcast channel shape, client send buffers), generalized from a
// single global hub to one hub per run and from an unbounded-drop
// broadcast to the oldest-non-tick-then-oldest-tick eviction policy of
// spec §4.10.
package simbridge

import (
	"sync"

	"github.com/utilityfog/simcore/internal/config"
	"github.com/utilityfog/simcore/internal/events"
	"github.com/utilityfog/simcore/internal/scheduler"
)

// MessageType enumerates the seven wire message kinds of spec §4.10.
type MessageType string

const (
	MessageConnectionConfirmed MessageType = "connection_confirmed"
	MessageInitState           MessageType = "init_state"
	MessageTick                MessageType = "tick"
	MessageEvent               MessageType = "event"
	MessageStats               MessageType = "stats"
	MessageDone                MessageType = "done"
	MessageError               MessageType = "error"
)

// Message is the envelope every wire message is serialized as.
type Message struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

// AgentUpdate mirrors scheduler.AgentDelta over the wire.
type AgentUpdate struct {
	AgentID string         `json:"agent_id"`
	Fields  map[string]any `json:"fields"`
}

const subscriberQueueCapacity = 256

// Subscription is a single subscriber's ordered, bounded message stream.
// Filter, if non-empty, restricts delivered `event` messages to the
// listed event_type values; all other message types always pass.
type Subscription struct {
	id       int64
	messages chan Message
	filter   map[string]bool
	bridge   *Bridge
}

// Messages returns the channel subscribers read from.
func (s *Subscription) Messages() <-chan Message { return s.messages }

// Close detaches the subscription from its bridge.
func (s *Subscription) Close() {
	s.bridge.unsubscribe(s.id)
}

// SetFilter replaces the subscription's event_type filter (the streaming
// layer's client-to-server `subscribe {event_types}` message, spec §6).
// An empty filter passes every event.
func (s *Subscription) SetFilter(eventTypes []string) {
	s.bridge.mu.Lock()
	defer s.bridge.mu.Unlock()
	if len(eventTypes) == 0 {
		s.filter = nil
		return
	}
	filter := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		filter[t] = true
	}
	s.filter = filter
}

// Bridge is the single-producer, many-single-consumer multiplexer for one
// run (spec §4.10, §5 "SimBridge subscriber queues").
type Bridge struct {
	runID string

	mu          sync.Mutex
	subscribers map[int64]*Subscription
	nextSubID   int64

	lastNodes []string
	lastEdges [][2]string
	lastCfg   config.SimConfig
	lastAgent map[string]map[string]any // last fully-known fields per agent, for mid-run replay
	dropped   int64
}

// New creates an empty Bridge for a run.
func New(runID string) *Bridge {
	return &Bridge{
		runID:       runID,
		subscribers: make(map[int64]*Subscription),
		lastAgent:   make(map[string]map[string]any),
	}
}

// Subscribe registers a new subscriber and returns its stream. Per spec
// §4.10, a subscriber joining mid-run is replayed a synthesized
// init_state followed by one full tick before any live messages.
func (b *Bridge) Subscribe(eventTypeFilter []string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	sub := &Subscription{
		id:       b.nextSubID,
		messages: make(chan Message, subscriberQueueCapacity),
		bridge:   b,
	}
	if len(eventTypeFilter) > 0 {
		sub.filter = make(map[string]bool, len(eventTypeFilter))
		for _, t := range eventTypeFilter {
			sub.filter[t] = true
		}
	}
	b.subscribers[sub.id] = sub

	sub.messages <- Message{Type: MessageConnectionConfirmed, Data: map[string]any{"run_id": b.runID}}

	if b.lastNodes != nil {
		sub.messages <- Message{Type: MessageInitState, Data: initStateData(b.lastNodes, b.lastEdges, b.lastCfg)}
		full := make([]AgentUpdate, 0, len(b.lastAgent))
		for agentID, fields := range b.lastAgent {
			full = append(full, AgentUpdate{AgentID: agentID, Fields: fields})
		}
		sub.messages <- Message{Type: MessageTick, Data: map[string]any{"step": 0, "agent_updates": full}}
	}

	return sub
}

func (b *Bridge) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[id]; ok {
		close(sub.messages)
		delete(b.subscribers, id)
	}
}

// SubscriberCount reports how many subscriptions are currently live.
func (b *Bridge) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// DroppedCount reports the total number of messages evicted for
// backpressure across every subscriber (spec §4.10's drop counter).
func (b *Bridge) DroppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func initStateData(nodes []string, edges [][2]string, cfg config.SimConfig) map[string]any {
	edgePairs := make([][2]string, len(edges))
	copy(edgePairs, edges)
	return map[string]any{"nodes": nodes, "edges": edgePairs, "config": cfg}
}

// broadcast delivers msg to every subscriber, applying the backpressure
// policy of spec §4.10 when a subscriber's queue is full: drop the
// oldest non-tick message first, then the oldest tick, then push.
func (b *Bridge) broadcast(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		b.deliverLocked(sub, msg)
	}
}

func (b *Bridge) deliverLocked(sub *Subscription, msg Message) {
	if msg.Type == MessageEvent && sub.filter != nil {
		data, _ := msg.Data.(map[string]any)
		if t, ok := data["event_type"].(string); ok && !sub.filter[t] {
			return
		}
	}

	select {
	case sub.messages <- msg:
		return
	default:
	}

	if b.evictOneLocked(sub, true) {
		select {
		case sub.messages <- msg:
		default:
		}
	}
	b.dropped++
}

// evictOneLocked drains the oldest message from sub's queue that matches
// preferNonTick (true: drop a non-tick message if one exists; otherwise
// drop whatever is oldest). Returns whether a slot was freed.
func (b *Bridge) evictOneLocked(sub *Subscription, preferNonTick bool) bool {
	n := len(sub.messages)
	if n == 0 {
		return false
	}
	buf := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		buf = append(buf, <-sub.messages)
	}

	dropIdx := 0
	if preferNonTick {
		dropIdx = -1
		for i, m := range buf {
			if m.Type != MessageTick {
				dropIdx = i
				break
			}
		}
		if dropIdx == -1 {
			dropIdx = 0
		}
	}

	for i, m := range buf {
		if i == dropIdx {
			continue
		}
		select {
		case sub.messages <- m:
		default:
		}
	}
	return true
}

// PublishInitState implements scheduler.Sink.
func (b *Bridge) PublishInitState(nodes []string, edges [][2]string, cfg config.SimConfig) {
	b.mu.Lock()
	b.lastNodes = append([]string{}, nodes...)
	b.lastEdges = append([][2]string{}, edges...)
	b.lastCfg = cfg
	b.mu.Unlock()
	b.broadcast(Message{Type: MessageInitState, Data: initStateData(nodes, edges, cfg)})
}

// PublishTick implements scheduler.Sink, recording each delta against the
// replay snapshot so a later mid-run subscriber's full-tick replay stays
// current (spec §4.10).
func (b *Bridge) PublishTick(step int64, deltas []scheduler.AgentDelta) {
	updates := make([]AgentUpdate, 0, len(deltas))
	b.mu.Lock()
	for _, d := range deltas {
		merged := b.lastAgent[d.AgentID]
		if merged == nil {
			merged = make(map[string]any, len(d.Fields))
		}
		for k, v := range d.Fields {
			merged[k] = v
		}
		b.lastAgent[d.AgentID] = merged
		updates = append(updates, AgentUpdate{AgentID: d.AgentID, Fields: d.Fields})
	}
	b.mu.Unlock()
	b.broadcast(Message{Type: MessageTick, Data: map[string]any{"step": step, "agent_updates": updates}})
}

// PublishEvent implements scheduler.Sink.
func (b *Bridge) PublishEvent(ev events.Event) {
	b.broadcast(Message{Type: MessageEvent, Data: map[string]any{"event_type": string(ev.Kind), "data": ev.Data}})
}

// PublishStats implements scheduler.Sink.
func (b *Bridge) PublishStats(step int64, stats scheduler.StepStats) {
	b.broadcast(Message{Type: MessageStats, Data: map[string]any{"step": step, "stats": stats}})
}

// PublishDone implements scheduler.Sink; sent exactly once at run end.
func (b *Bridge) PublishDone(status scheduler.Status, finalStep int64, summary map[string]any) {
	b.broadcast(Message{Type: MessageDone, Data: map[string]any{
		"status":     string(status),
		"final_step": finalStep,
		"summary":    summary,
	}})
}

// PublishError sends a terminal or recoverable `error` wire message
// outside the scheduler.Sink contract (e.g. an unknown run_id on the
// streaming endpoint).
func (b *Bridge) PublishError(errMsg, detail string, step *int64) {
	data := map[string]any{"error": errMsg, "detail": detail}
	if step != nil {
		data["step"] = *step
	}
	b.broadcast(Message{Type: MessageError, Data: data})
}

