package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/esp32fleet/core/internal/events"
)

func TestPublishThenSubscribeGetsReplay(t *testing.T) {
	b := New()
	defer b.Close()

	b.Publish(events.Event{Type: events.TypeSerial, Line: "a"})
	b.Publish(events.Event{Type: events.TypeSerial, Line: "b"})

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, keepAlive, ok := sub.Next(ctx)
	if !ok || keepAlive || ev.Line != "a" {
		t.Fatalf("first event = %+v, ok=%v, keepAlive=%v", ev, ok, keepAlive)
	}
	ev, _, ok = sub.Next(ctx)
	if !ok || ev.Line != "b" {
		t.Fatalf("second event = %+v, ok=%v", ev, ok)
	}
}

func TestReplayThenLiveOrderPreserved(t *testing.T) {
	b := New()
	defer b.Close()

	b.Publish(events.Event{Type: events.TypeSerial, Line: "replay-1"})
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)
	b.Publish(events.Event{Type: events.TypeSerial, Line: "live-1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ev, _, _ := sub.Next(ctx)
	if ev.Line != "replay-1" {
		t.Fatalf("expected replay-1 first, got %q", ev.Line)
	}
	ev, _, _ = sub.Next(ctx)
	if ev.Line != "live-1" {
		t.Fatalf("expected live-1 second, got %q", ev.Line)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	for i := 0; i < subscriberQueueCap+10; i++ {
		b.Publish(events.Event{Type: events.TypeSerial, LineNumber: i})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, _, ok := sub.Next(ctx)
	if !ok {
		t.Fatal("expected an event")
	}
	if ev.LineNumber != 10 {
		t.Errorf("expected oldest-dropped queue to start at LineNumber 10, got %d", ev.LineNumber)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, ok := sub.Next(ctx)
	if ok {
		t.Fatal("expected no event after unsubscribe")
	}
}
