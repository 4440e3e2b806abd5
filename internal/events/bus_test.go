package events

import (
	"testing"
)

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus()
	var order []int
	bus.Subscribe(TypeUpdate, func(Event) { order = append(order, 1) })
	bus.Subscribe(TypeUpdate, func(Event) { order = append(order, 2) })
	bus.Subscribe(TypeUpdate, func(Event) { order = append(order, 3) })

	bus.Publish(Event{Kind: TypeUpdate, EntryID: "e1"})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected delivery order [1 2 3], got %v", order)
	}
}

func TestPublishOnlyMatchingType(t *testing.T) {
	bus := NewBus()
	var got []Type
	bus.Subscribe(TypeProgress, func(ev Event) { got = append(got, ev.Kind) })

	bus.Publish(Event{Kind: TypeUpdate, EntryID: "e1"})
	bus.Publish(Event{Kind: TypeProgress, EntryID: "e1"})
	bus.Publish(Event{Kind: TypeComplete, EntryID: "e1"})

	if len(got) != 1 || got[0] != TypeProgress {
		t.Fatalf("expected one progress delivery, got %v", got)
	}
}

func TestPanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	bus := NewBus()
	delivered := false
	bus.Subscribe(TypeError, func(Event) { panic("boom") })
	bus.Subscribe(TypeError, func(Event) { delivered = true })

	bus.Publish(Event{Kind: TypeError, EntryID: "e1"})

	if !delivered {
		t.Fatal("expected delivery to continue past a panicking subscriber")
	}
}

func TestUnsubscribeToken(t *testing.T) {
	bus := NewBus()
	count := 0
	token := bus.Subscribe(TypeUpdate, func(Event) { count++ })

	bus.Publish(Event{Kind: TypeUpdate})
	bus.Unsubscribe(token)
	bus.Publish(Event{Kind: TypeUpdate})

	if count != 1 {
		t.Fatalf("expected 1 delivery after unsubscribe, got %d", count)
	}

	// Unknown tokens are a no-op.
	bus.Unsubscribe(token)
	bus.Unsubscribe(Subscription{})
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	count := 0
	tokens := bus.SubscribeAll(func(Event) { count++ })
	if len(tokens) != 5 {
		t.Fatalf("expected 5 tokens, got %d", len(tokens))
	}

	for _, kind := range []Type{TypeUpdate, TypeProgress, TypeComplete, TypeError, TypeDiscovered} {
		bus.Publish(Event{Kind: kind, EntryID: "e1"})
	}
	if count != 5 {
		t.Fatalf("expected 5 deliveries, got %d", count)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	bus := NewBus()
	updates, progresses := 0, 0
	bus.Subscribe(TypeUpdate, func(Event) { updates++ })
	bus.Subscribe(TypeProgress, func(Event) { progresses++ })

	bus.UnsubscribeAll(TypeUpdate)
	bus.Publish(Event{Kind: TypeUpdate})
	bus.Publish(Event{Kind: TypeProgress})
	if updates != 0 || progresses != 1 {
		t.Fatalf("expected only progress delivery, got updates=%d progresses=%d", updates, progresses)
	}

	bus.UnsubscribeAll("")
	bus.Publish(Event{Kind: TypeProgress})
	if progresses != 1 {
		t.Fatalf("expected no delivery after full teardown, got %d", progresses)
	}
}
