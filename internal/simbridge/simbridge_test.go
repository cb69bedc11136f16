package simbridge

import (
	"testing"

	"github.com/utilityfog/simcore/internal/config"
	"github.com/utilityfog/simcore/internal/events"
	"github.com/utilityfog/simcore/internal/scheduler"
)

func TestSubscribeSendsConnectionConfirmedFirst(t *testing.T) {
	b := New("run-1")
	sub := b.Subscribe(nil)
	defer sub.Close()

	msg := <-sub.Messages()
	if msg.Type != MessageConnectionConfirmed {
		t.Fatalf("expected connection_confirmed first, got %s", msg.Type)
	}
}

func TestSubscribeBeforeInitStateDoesNotReplay(t *testing.T) {
	b := New("run-1")
	sub := b.Subscribe(nil)
	defer sub.Close()

	<-sub.Messages() // connection_confirmed
	select {
	case msg := <-sub.Messages():
		t.Fatalf("expected no further messages before PublishInitState, got %s", msg.Type)
	default:
	}
}

func TestMidRunSubscribeReplaysInitStateThenFullTick(t *testing.T) {
	b := New("run-1")
	b.PublishInitState([]string{"n1", "n2"}, [][2]string{{"n1", "n2"}}, config.Default())
	b.PublishTick(5, []scheduler.AgentDelta{{AgentID: "a1", Fields: map[string]any{"energy": 0.5}}})

	sub := b.Subscribe(nil)
	defer sub.Close()

	if msg := <-sub.Messages(); msg.Type != MessageConnectionConfirmed {
		t.Fatalf("expected connection_confirmed, got %s", msg.Type)
	}
	initMsg := <-sub.Messages()
	if initMsg.Type != MessageInitState {
		t.Fatalf("expected replayed init_state, got %s", initMsg.Type)
	}
	tickMsg := <-sub.Messages()
	if tickMsg.Type != MessageTick {
		t.Fatalf("expected replayed full tick, got %s", tickMsg.Type)
	}
	data := tickMsg.Data.(map[string]any)
	updates := data["agent_updates"].([]AgentUpdate)
	if len(updates) != 1 || updates[0].AgentID != "a1" {
		t.Fatalf("expected full tick to carry the single known agent's last state, got %+v", updates)
	}
}

func TestPublishDoneSendsExactlyOneDoneMessage(t *testing.T) {
	b := New("run-1")
	sub := b.Subscribe(nil)
	defer sub.Close()

	b.PublishDone(scheduler.StatusCompleted, 20, map[string]any{"total_steps": 20})

	var doneCount int
	for {
		select {
		case msg := <-sub.Messages():
			if msg.Type == MessageDone {
				doneCount++
			}
		default:
			if doneCount != 1 {
				t.Fatalf("expected exactly one done message, got %d", doneCount)
			}
			return
		}
	}
}

func TestEventFilterDropsNonMatchingEventTypes(t *testing.T) {
	b := New("run-1")
	sub := b.Subscribe([]string{"MEME_SPREAD"})
	defer sub.Close()
	<-sub.Messages() // connection_confirmed

	b.PublishEvent(events.New("event_1", events.KindMemeMutate, 1, nil))
	b.PublishEvent(events.New("event_2", events.KindMemeSpread, 1, nil))

	msg := <-sub.Messages()
	data := msg.Data.(map[string]any)
	if data["event_type"] != string(events.KindMemeSpread) {
		t.Fatalf("expected only the filtered-in MEME_SPREAD event, got %v", data["event_type"])
	}
}

func TestDropCounterIncrementsOnFullQueue(t *testing.T) {
	b := New("run-1")
	sub := b.Subscribe(nil)
	defer sub.Close()

	for i := 0; i < subscriberQueueCapacity+10; i++ {
		b.PublishStats(int64(i), scheduler.StepStats{Step: int64(i)})
	}

	if b.DroppedCount() == 0 {
		t.Fatalf("expected DroppedCount to increment once the bounded queue overflowed")
	}
}

func TestUnsubscribeRemovesSubscriberAndClosesChannel(t *testing.T) {
	b := New("run-1")
	sub := b.Subscribe(nil)
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}
	sub.Close()
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after Close, got %d", b.SubscriberCount())
	}
	if _, ok := <-sub.messages; ok {
		t.Fatalf("expected subscriber channel to be closed")
	}
}
