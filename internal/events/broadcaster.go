// Package events is the in-process pub/sub bridge between the engine and
// live dashboards: the WAF ingestor and ban engine publish, SSE handlers
// subscribe. Sends never block a publisher; slow subscribers lose their
// oldest events and are told so.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/aegisproxy/aegis/backend/internal/logger"
	"github.com/aegisproxy/aegis/backend/internal/metrics"
	"github.com/aegisproxy/aegis/backend/internal/models"
)

// Topics.
const (
	TopicWAF = "waf"
	TopicBan = "ban"
)

// Event type discriminators carried in the payload.
const (
	TypeWAFEvent  = "waf_event"
	TypeBanEvent  = "ban_event"
	TypeHeartbeat = "heartbeat"
	// TypeLossy is the sentinel injected after a subscriber's buffer
	// overflowed; clients reconnect and resync from the store.
	TypeLossy = "lossy"
)

// Ban event subtypes.
const (
	BanCreated = "ban_created"
	BanRemoved = "ban_removed"
	BanUpdated = "ban_updated"
)

const (
	// subscriberBuffer is the per-subscriber channel bound; beyond it the
	// oldest queued event is dropped.
	subscriberBuffer = 256
	// heartbeatInterval keeps idle SSE connections alive and flushes out
	// dead subscribers.
	heartbeatInterval = 30 * time.Second
	// heartbeatMisses is how many consecutive undeliverable heartbeats a
	// subscriber survives before it is dropped as dead.
	heartbeatMisses = 2
)

// Event is one published payload. WAF events carry Event; ban events carry
// EventType and Data, matching the wire shape the dashboards consume.
type Event struct {
	Type      string `json:"type"`
	Event     any    `json:"event,omitempty"`
	EventType string `json:"eventType,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// WAFEvent wraps a stored event for the waf topic.
func WAFEvent(ev *models.WAFEvent) Event {
	return Event{Type: TypeWAFEvent, Event: ev}
}

// BanEvent wraps a ban lifecycle change for the ban topic.
func BanEvent(eventType string, data any) Event {
	return Event{Type: TypeBanEvent, EventType: eventType, Data: data}
}

// Subscription is one attached consumer. Read from C until it closes; a
// TypeLossy event means the buffer overflowed while you were behind.
type Subscription struct {
	ID     string
	C      <-chan Event
	topics map[string]bool
	ch     chan Event
	missed int
	lossy  bool
}

// Broadcaster fans events out to subscribers with per-subscriber
// backpressure. Publish is safe from any goroutine and never blocks.
type Broadcaster struct {
	log *logrus.Entry

	mu   sync.Mutex
	subs map[string]*Subscription

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		log:  logger.WithComponent("events"),
		subs: make(map[string]*Subscription),
	}
}

// Start launches the heartbeat loop. Calling Start on a running broadcaster
// is a no-op.
func (b *Broadcaster) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.heartbeat(ctx)
}

// Stop halts the heartbeat and closes every subscriber channel.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()
}

// Subscribe attaches a consumer to the given topics (all topics when none
// are named) and returns its subscription.
func (b *Broadcaster) Subscribe(topics ...string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{
		ID:     uuid.NewString(),
		C:      ch,
		ch:     ch,
		topics: make(map[string]bool, len(topics)),
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe detaches a consumer and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Subscribers reports how many consumers are attached.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers ev to every subscriber of topic. A saturated subscriber
// loses its oldest queued event and is marked lossy; delivery to others is
// unaffected.
func (b *Broadcaster) Publish(topic string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if len(sub.topics) > 0 && !sub.topics[topic] {
			continue
		}
		b.send(sub, ev)
	}
}

// ConsumeWAFEvent satisfies the ingestor sink interface: every stored event
// is published on the waf topic.
func (b *Broadcaster) ConsumeWAFEvent(ev *models.WAFEvent) {
	b.Publish(TopicWAF, WAFEvent(ev))
}

// PublishBan publishes a ban lifecycle change on the ban topic.
func (b *Broadcaster) PublishBan(eventType string, data any) {
	b.Publish(TopicBan, BanEvent(eventType, data))
}

// send enqueues one event, evicting the oldest entries when the buffer is
// full. The first overflow also queues the lossy sentinel. Callers hold mu.
func (b *Broadcaster) send(sub *Subscription, ev Event) {
	if !sub.lossy && len(sub.ch) == cap(sub.ch) {
		sub.lossy = true
		b.dropOldest(sub)
		sub.ch <- Event{Type: TypeLossy}
	}
	for {
		select {
		case sub.ch <- ev:
			return
		default:
			b.dropOldest(sub)
		}
	}
}

func (b *Broadcaster) dropOldest(sub *Subscription) {
	select {
	case <-sub.ch:
		metrics.IncBroadcastDropped()
	default:
	}
}

// heartbeat pings every subscriber on a fixed cadence. A subscriber whose
// buffer stays saturated across consecutive heartbeats is considered dead
// and removed.
func (b *Broadcaster) heartbeat(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		b.mu.Lock()
		var dead []*Subscription
		for _, sub := range b.subs {
			select {
			case sub.ch <- Event{Type: TypeHeartbeat}:
				sub.missed = 0
			default:
				sub.missed++
				if sub.missed >= heartbeatMisses {
					dead = append(dead, sub)
				}
			}
		}
		for _, sub := range dead {
			delete(b.subs, sub.ID)
			close(sub.ch)
		}
		b.mu.Unlock()

		if len(dead) > 0 {
			b.log.WithField("removed", len(dead)).Info("dropped unresponsive event subscribers")
		}
	}
}
