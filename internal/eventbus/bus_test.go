package eventbus

import (
	"testing"
	"time"
)

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: TypeReady, Data: Dispatch{Handle: 3}})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != TypeReady || e.Time.IsZero() {
				t.Fatalf("event = %+v", e)
			}
			if d, ok := e.Data.(Dispatch); !ok || d.Handle != 3 {
				t.Fatalf("data = %#v", e.Data)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber missed event")
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeStarted})
	b.Publish(Event{Type: TypeFinished})
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d", b.Dropped())
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("channel should be closed")
	}
	b.Publish(Event{Type: TypeQueued})
}
