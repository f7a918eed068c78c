// Package events provides the in-process publish/subscribe bus used to announce
// object, node and reconciliation state transitions.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Known event names. The set is fixed when a Bus is created.
const (
	DataStored            = "dataStored"
	DataRetrieved         = "dataRetrieved"
	DataDeleted           = "dataDeleted"
	SyncStarted           = "syncStarted"
	SyncCompleted         = "syncCompleted"
	VerificationStarted   = "verificationStarted"
	VerificationCompleted = "verificationCompleted"
	NodeAdded             = "nodeAdded"
	NodeUpdated           = "nodeUpdated"
	NodeStatusChanged     = "nodeStatusChanged"
	OperationFailed       = "operationFailed"
)

// DefaultNames lists every event the distribution core publishes.
var DefaultNames = []string{
	DataStored,
	DataRetrieved,
	DataDeleted,
	SyncStarted,
	SyncCompleted,
	VerificationStarted,
	VerificationCompleted,
	NodeAdded,
	NodeUpdated,
	NodeStatusChanged,
	OperationFailed,
}

// Event is a single published notification.
type Event struct {
	Name    string
	Time    time.Time
	Payload any
}

// Handler receives events. A returned error or a panic is logged and does not
// stop delivery to the remaining handlers.
type Handler func(ctx context.Context, e Event) error

// SubscriptionID identifies a handler registration.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler Handler
}

type dispatchKey struct{}

// Bus delivers events synchronously to subscribers in subscription order.
type Bus struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID SubscriptionID
}

// NewBus creates a bus that accepts the given event names. Publishing or
// subscribing to any other name is ignored.
func NewBus(names []string, logger zerolog.Logger) *Bus {
	subs := make(map[string][]subscription, len(names))
	for _, name := range names {
		subs[name] = nil
	}
	return &Bus{
		logger: logger.With().Str("component", "events").Logger(),
		subs:   subs,
	}
}

// Known reports whether name is one of the bus's event names.
func (b *Bus) Known(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[name]
	return ok
}

// Subscribe registers handler for name. It returns an error for unknown names
// or a nil handler.
func (b *Bus) Subscribe(name string, handler Handler) (SubscriptionID, error) {
	if handler == nil {
		return 0, fmt.Errorf("nil handler for event %q", name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list, ok := b.subs[name]
	if !ok {
		return 0, fmt.Errorf("unknown event %q", name)
	}

	b.nextID++
	id := b.nextID
	b.subs[name] = append(list, subscription{id: id, handler: handler})
	return id, nil
}

// Unsubscribe removes a registration. It reports whether anything was removed.
func (b *Bus) Unsubscribe(name string, id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[name]
	for i, s := range list {
		if s.id != id {
			continue
		}
		next := make([]subscription, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		b.subs[name] = next
		return true
	}
	return false
}

// Publish delivers payload to every current subscriber of name, in
// subscription order. Unknown names are a no-op. A handler that publishes the
// event it is currently handling, using the context it was given, is dropped.
func (b *Bus) Publish(ctx context.Context, name string, payload any) {
	if ctx == nil {
		ctx = context.Background()
	}

	b.mu.RLock()
	list, ok := b.subs[name]
	b.mu.RUnlock()
	if !ok {
		return
	}

	active, _ := ctx.Value(dispatchKey{}).(map[string]bool)
	if active[name] {
		b.logger.Warn().Str("event", name).Msg("Dropping nested publish of event being dispatched")
		return
	}
	if len(list) == 0 {
		return
	}

	nested := make(map[string]bool, len(active)+1)
	for k := range active {
		nested[k] = true
	}
	nested[name] = true
	hctx := context.WithValue(ctx, dispatchKey{}, nested)

	e := Event{Name: name, Time: time.Now(), Payload: payload}
	for _, s := range list {
		b.deliver(hctx, s, e)
	}
}

func (b *Bus) deliver(ctx context.Context, s subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", e.Name).
				Uint64("subscription", uint64(s.id)).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()

	if err := s.handler(ctx, e); err != nil {
		b.logger.Warn().Err(err).
			Str("event", e.Name).
			Uint64("subscription", uint64(s.id)).
			Msg("Event handler failed")
	}
}
