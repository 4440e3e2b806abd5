package events

import (
	"log"
	"sync"
)

// Type identifies the kind of lifecycle event published for a queue entry.
type Type string

const (
	TypeUpdate     Type = "update"
	TypeProgress   Type = "progress"
	TypeComplete   Type = "complete"
	TypeError      Type = "error"
	TypeDiscovered Type = "discovered"
)

// ProgressPatch is one task's progress snapshot.
type ProgressPatch struct {
	Progress float64
	Message  string
}

// UpdatePayload is a partial patch for an entry. Nil fields are left untouched.
// Download and Scan progress are distinct patches so a consumer cannot route
// one task's progress into the other's fields.
type UpdatePayload struct {
	Status     *string
	Download   *ProgressPatch
	Scan       *ProgressPatch
	Error      *string
	ArchiveID  *string
	ScanTaskID *string
}

// ProgressPayload carries the per-tick progress snapshot for whichever task is
// currently being polled.
type ProgressPayload struct {
	Download *ProgressPatch
	Scan     *ProgressPatch
}

// CompletePayload marks terminal success.
type CompletePayload struct {
	ArchiveID string
}

// ErrorPayload carries a user-visible failure reason. It does not imply a
// status change by itself.
type ErrorPayload struct {
	Message string
}

// DiscoveredPayload is published once when the scan task is first found.
type DiscoveredPayload struct {
	ScanTaskID string
}

// Event is the discriminated union delivered to subscribers. Exactly the
// payload matching Kind is non-nil.
type Event struct {
	Kind       Type
	EntryID    string
	Update     *UpdatePayload
	Progress   *ProgressPayload
	Complete   *CompletePayload
	Error      *ErrorPayload
	Discovered *DiscoveredPayload
}

// Handler consumes a single event. Panics inside a handler are recovered and
// logged; they never stop delivery to other subscribers.
type Handler func(Event)

// Subscription is the token returned by Subscribe, passed back to Unsubscribe.
type Subscription struct {
	kind Type
	id   uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

// Bus is a typed publish/subscribe hub. Delivery is synchronous and in
// subscription order per event type. The bus holds no history: a subscriber
// attached after a publish never sees that event.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[Type][]subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Type][]subscriber)}
}

// Subscribe registers fn for events of the given type and returns a token for
// Unsubscribe.
func (b *Bus) Subscribe(kind Type, fn Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[kind] = append(b.subs[kind], subscriber{id: b.nextID, fn: fn})
	return Subscription{kind: kind, id: b.nextID}
}

// SubscribeAll registers fn for every event type and returns one token per type.
func (b *Bus) SubscribeAll(fn Handler) []Subscription {
	kinds := []Type{TypeUpdate, TypeProgress, TypeComplete, TypeError, TypeDiscovered}
	tokens := make([]Subscription, 0, len(kinds))
	for _, k := range kinds {
		tokens = append(tokens, b.Subscribe(k, fn))
	}
	return tokens
}

// Unsubscribe removes the subscription identified by the token. Unknown or
// already-removed tokens are a no-op.
func (b *Bus) Unsubscribe(token Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[token.kind]
	for i, s := range list {
		if s.id == token.id {
			b.subs[token.kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll clears every subscriber of one type, or the entire bus when
// kind is empty. Used for teardown.
func (b *Bus) UnsubscribeAll(kind Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if kind == "" {
		b.subs = make(map[Type][]subscriber)
		return
	}
	delete(b.subs, kind)
}

// Publish delivers ev synchronously to every current subscriber of ev.Kind, in
// subscription order. A panicking subscriber does not prevent delivery to the
// rest.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	list := make([]subscriber, len(b.subs[ev.Kind]))
	copy(list, b.subs[ev.Kind])
	b.mu.Unlock()

	for _, s := range list {
		deliver(s.fn, ev)
	}
}

func deliver(fn Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: subscriber panic on %s for entry %s: %v", ev.Kind, ev.EntryID, r)
		}
	}()
	fn(ev)
}
