// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package bus implements the internal lifecycle event bus described in
// spec §3/§5: a multi-producer, multi-consumer fan-out with a bounded
// channel per subscriber. A subscriber that can't keep up is dropped and
// sent a final ResyncRequired so it knows to resynchronise from the store
// rather than silently missing updates — mirroring the rate-limited,
// best-effort fan-out in the teacher's notification dispatcher.
package bus

import (
	"sync"

	"github.com/prefixd/prefixd/internal/logging"
	"github.com/prefixd/prefixd/internal/mitigation"
)

// EventKind is the closed set of lifecycle event variants.
type EventKind string

const (
	EventMitigationCreated   EventKind = "mitigation_created"
	EventMitigationUpdated   EventKind = "mitigation_updated"
	EventMitigationExpired   EventKind = "mitigation_expired"
	EventMitigationWithdrawn EventKind = "mitigation_withdrawn"
	EventIngested            EventKind = "event_ingested"
	EventResyncRequired      EventKind = "resync_required"
	EventPlaybookReloaded    EventKind = "playbook_reloaded"
)

// LifecycleEvent is the payload delivered to every subscriber. Only the
// fields relevant to Kind are populated; consumers switch on Kind first.
type LifecycleEvent struct {
	Kind         EventKind
	Mitigation   *mitigation.Mitigation
	MitigationID string
	Event        *mitigation.AttackEvent
}

// subscriberBuffer bounds how far a subscriber may lag before it is
// dropped. 256 is above one page of the reconciliation loop's expiry
// pass (200 mitigations); a tick may process several pages.
const subscriberBuffer = 256

type subscriber struct {
	id string
	ch chan LifecycleEvent
}

// Bus fans lifecycle events out to all current subscribers.
type Bus struct {
	logger *logging.Logger

	mu   sync.Mutex
	subs map[string]*subscriber
}

// New builds an empty Bus.
func New(logger *logging.Logger) *Bus {
	return &Bus{
		logger: logger.WithComponent("bus"),
		subs:   make(map[string]*subscriber),
	}
}

// Subscribe registers a new subscriber and returns a receive-only channel
// of events for it. Call Unsubscribe when done to release the channel.
func (b *Bus) Subscribe(id string) <-chan LifecycleEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{id: id, ch: make(chan LifecycleEvent, subscriberBuffer)}
	b.subs[id] = sub
	return sub.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Publish fans ev out to every subscriber. Lifecycle events are emitted
// after the store transaction that produced them commits, so subscribers
// never observe an event whose state isn't yet durable (spec §5).
func (b *Bus) Publish(ev LifecycleEvent) {
	b.mu.Lock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		default:
			b.dropSlowSubscriber(sub)
		}
	}
}

// dropSlowSubscriber removes a subscriber whose buffer is full and
// notifies it (best-effort) that it must resync.
func (b *Bus) dropSlowSubscriber(sub *subscriber) {
	b.logger.Warn("dropping slow subscriber", "subscriber", sub.id)

	b.mu.Lock()
	if current, ok := b.subs[sub.id]; ok && current == sub {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()

	select {
	case sub.ch <- LifecycleEvent{Kind: EventResyncRequired}:
	default:
	}
	close(sub.ch)
}
