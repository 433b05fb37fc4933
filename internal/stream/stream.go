// Package stream fan-outs trust lifecycle and security events to in-process
// subscribers, decoupled from any transport.
package stream

import (
	"context"
	"sync"
	"time"
)

// EventType names a lifecycle or security notification.
type EventType string

const (
	EventSessionCreated     EventType = "session.created"
	EventSessionInvalidated EventType = "session.invalidated"
	EventSessionRenewed     EventType = "session.renewed"
	EventSecurityAnomaly    EventType = "security.anomaly"
	EventLockout            EventType = "security.lockout"
	EventTokenRevoked       EventType = "token.revoked"
	EventGrantExpired       EventType = "rbac.grant_expired"
)

// Event describes a single trust notification.
type Event struct {
	Type      EventType         `json:"type"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Bus fan-outs events to all active subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus initialises an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
