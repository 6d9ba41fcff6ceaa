package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanOut(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(1)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: NudgeSent, Data: NudgeEvent{UserID: 7}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			if ev.Type != NudgeSent || ev.Time.IsZero() {
				t.Fatalf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("event not delivered")
		}
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, must not block

	if ev := <-ch; ev.Type != "a" {
		t.Fatalf("got %q want a", ev.Type)
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected second event %+v", ev)
	default:
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: "after"})
}
