package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"trustgate/logging"
)

// Topics published by the core services.
const (
	TopicSecurityAccessDenied      = "security.access_denied"
	TopicSecurityGeofenceViolation = "security.geofence_violation"
	TopicOracleValidated           = "oracle.validated"
	TopicAppealSubmitted           = "appeal.submitted"
	TopicAppealReviewed            = "appeal.reviewed"
	TopicTrustScoreAdjusted        = "trust.score_adjusted"
	TopicBidScored                 = "bid.scored"
	TopicEscrowLocked              = "finance.escrow.locked"
	TopicEscrowReleased            = "finance.escrow.released"
	TopicEscrowStatusChanged       = "finance.escrow.status_changed"
	TopicArbitrationResolved       = "arbitration.resolved"

	// AllTopics subscribes a handler to every topic.
	AllTopics = "*"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	ID         string         `json:"id"`
	Topic      string         `json:"topic"`
	Key        string         `json:"key"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Publisher is the fire-and-forget side of the event bus. Implementations
// must not block on subscribers.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload map[string]any) error
}

type Handler func(ctx context.Context, evt Event)

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, map[string]any) error { return nil }

type subscription struct {
	topic string
	ch    chan Event
}

// Bus is an in-process asynchronous fan-out. Each subscriber owns a buffered
// queue drained by its own goroutine; when a queue is full the event is
// dropped for that subscriber and logged.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	closed bool
	wg     sync.WaitGroup
	buffer int
	now    func() time.Time
	log    logrus.FieldLogger
}

func NewBus(buffer int, log logrus.FieldLogger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{buffer: buffer, now: time.Now, log: logging.OrDiscard(log)}
}

// Subscribe registers h for topic (or AllTopics). Handlers run on a
// background context detached from the publisher.
func (b *Bus) Subscribe(topic string, h Handler) {
	sub := &subscription{topic: topic, ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for evt := range sub.ch {
			b.dispatch(h, evt)
		}
	}()
}

func (b *Bus) dispatch(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{"topic": evt.Topic, "event_id": evt.ID, "panic": r}).Error("events: subscriber panicked")
		}
	}()
	h(context.Background(), evt)
}

func (b *Bus) Publish(_ context.Context, topic, key string, payload map[string]any) error {
	return b.Deliver(Event{
		ID:         uuid.NewString(),
		Topic:      topic,
		Key:        key,
		Payload:    payload,
		OccurredAt: b.now().UTC(),
	})
}

// Deliver fans out a fully formed event, e.g. one relayed from the outbox.
func (b *Bus) Deliver(evt Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, sub := range b.subs {
		if sub.topic != AllTopics && sub.topic != evt.Topic {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.log.WithFields(logrus.Fields{"topic": evt.Topic, "event_id": evt.ID}).Warn("events: subscriber queue full, dropping event")
		}
	}
	return nil
}

// Close stops accepting events and waits for queued ones to drain.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
