package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	sub := bus.Subscribe(0)
	defer bus.Unsubscribe(sub)

	bus.Publish(Event{Seq: 1, Ts: time.Now(), Kind: KindTxUpdated, Payload: "ok"})

	select {
	case ev := <-sub.Events():
		if ev.Seq != 1 || ev.Kind != KindTxUpdated {
			t.Fatalf("event = %+v, want seq=1 kind=tx.updated", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	if sub.LastSeenSeq() != 1 {
		t.Errorf("LastSeenSeq() = %d, want 1", sub.LastSeenSeq())
	}
}

func TestBus_SlowSubscriberEvicted(t *testing.T) {
	bus := NewBus(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	sub := bus.Subscribe(0)

	// Never drain sub.Events(): once its one-slot queue is full, every
	// further publish finds it full and the broadcast loop evicts it.
	for i := int64(1); i <= 5; i++ {
		bus.Publish(Event{Seq: i, Ts: time.Now(), Kind: KindTxUpdated})
		time.Sleep(10 * time.Millisecond)
	}

	// Drain whatever made it through (the one buffered event, and possibly
	// a best-effort `lost` sentinel if eviction found room for it), then
	// the channel must be closed.
	deadline := time.After(time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return // evicted: channel closed, test passes
			}
			if ev.Kind == kindLost {
				lost, ok := ev.Payload.(LostPayload)
				if !ok || lost.LastSeenSeq < 0 {
					t.Fatalf("lost payload = %+v, want a LastSeenSeq", ev.Payload)
				}
			}
		case <-deadline:
			t.Fatal("subscriber was never evicted")
		}
	}
}

func TestBus_PublishOrderingPreservedPerSubscriber(t *testing.T) {
	bus := NewBus(16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	sub := bus.Subscribe(0)
	defer bus.Unsubscribe(sub)

	for i := int64(1); i <= 5; i++ {
		bus.Publish(Event{Seq: i, Ts: time.Now(), Kind: KindClearingDone})
	}

	for i := int64(1); i <= 5; i++ {
		select {
		case ev := <-sub.Events():
			if ev.Seq != i {
				t.Fatalf("event %d: seq = %d, want %d", i, ev.Seq, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	sub := bus.Subscribe(0)
	bus.Unsubscribe(sub)

	time.Sleep(20 * time.Millisecond)
	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}
