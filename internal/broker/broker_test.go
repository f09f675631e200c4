package broker

import (
	"testing"
	"time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("p1")

	evt := Event{Type: "delivery.delivered", Data: map[string]any{"x": 1}}
	b.Publish("p1", evt)

	select {
	case got := <-ch:
		if got.Type != evt.Type {
			t.Fatalf("got type %s, want %s", got.Type, evt.Type)
		}
		if got.Data["x"].(int) != 1 {
			t.Fatalf("bad payload: %+v", got.Data)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}

	b.Unsubscribe("p1", ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// second unsubscribe must not panic on a closed channel
	b.Unsubscribe("p1", ch)
}

func TestBrokerAllTopicSeesEverything(t *testing.T) {
	b := NewBroker()
	all := b.Subscribe(AllTopic)
	other := b.Subscribe("p2")
	defer b.Unsubscribe(AllTopic, all)
	defer b.Unsubscribe("p2", other)

	b.Publish("p1", Event{Type: "delivery.failed"})

	select {
	case got := <-all:
		if got.Type != "delivery.failed" {
			t.Fatalf("got %s", got.Type)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("all-topic subscriber missed event")
	}
	select {
	case got := <-other:
		t.Fatalf("unrelated topic received %+v", got)
	default:
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("p1")
	defer b.Unsubscribe("p1", ch)
	for i := 0; i < 100; i++ {
		b.Publish("p1", Event{Type: "delivery.retrying"})
	}
	if len(ch) != cap(ch) {
		t.Fatalf("buffer = %d, want full %d", len(ch), cap(ch))
	}
}
