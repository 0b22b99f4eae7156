// Package bus is the in-process notification channel for delivery-state
// changes. It holds no history: listeners only see what is published while
// they are connected, and a listener that cannot keep up is skipped.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindReceived   Kind = "event.received"
	KindDelivered  Kind = "event.delivered"
	KindFailed     Kind = "event.failed"
	KindProcessing Kind = "event.processing"
)

type Notification struct {
	Kind           Kind      `json:"kind"`
	RecipientID    uuid.UUID `json:"-"`
	EventID        uuid.UUID `json:"event_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	EventType      *string   `json:"event_type,omitempty"`
	Source         *string   `json:"source,omitempty"`
	Status         string    `json:"status"`
	Attempts       int       `json:"attempts"`
	LastError      *string   `json:"last_error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

const subscriberBuffer = 16

type subscriber struct {
	recipientID uuid.UUID
	ch          chan Notification
}

type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func New() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// Publish fans the notification out to every listener registered for its
// recipient. Sends never block: a full subscriber channel drops the message.
func (b *Bus) Publish(n Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.recipientID != n.RecipientID {
			continue
		}
		select {
		case s.ch <- n:
		default:
		}
	}
}

// Subscribe registers a listener for notifications addressed to recipientID.
// The returned cancel func releases the registration; the channel is never
// closed by the bus, so callers must stop reading after cancelling.
func (b *Bus) Subscribe(recipientID uuid.UUID) (<-chan Notification, func()) {
	s := &subscriber{
		recipientID: recipientID,
		ch:          make(chan Notification, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
	}
	return s.ch, cancel
}
