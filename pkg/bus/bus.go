// Package bus carries domain events from the services that produce them to
// the consumers that turn them into notifications and live pushes.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope every producer publishes. Type doubles as the topic
// routing key (jobs.created, bids.accepted, payments.settled, ...).
type Event struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	OccurredAt   time.Time       `json:"occurredAt"`
	ActorID      string          `json:"actorId,omitempty"`
	EntityKind   string          `json:"entityKind"`
	EntityID     string          `json:"entityId"`
	TargetUserID string          `json:"targetUserId,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Handler consumes one event. A returned error drops the delivery; bounded
// retries for transient failures belong inside the handler.
type Handler func(ctx context.Context, event Event) error

// Publisher hands an event to the bus and returns without waiting for any
// consumer.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscriber feeds events whose type matches one of the binding patterns
// (AMQP topic syntax: "bids.*", "#") to the handler.
type Subscriber interface {
	Subscribe(ctx context.Context, patterns []string, handler Handler) error
}

type Bus interface {
	Publisher
	Subscriber
	Close() error
}

func normalizeEvent(event Event) (Event, error) {
	event.Type = strings.TrimSpace(event.Type)
	if event.Type == "" {
		return Event{}, errors.New("event type required")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	return event, nil
}

// topicMatch mirrors AMQP topic-exchange semantics: "*" matches exactly one
// dot-separated word, "#" matches zero or more.
func topicMatch(pattern, key string) bool {
	return matchParts(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchParts(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	if pattern[0] == "#" {
		if matchParts(pattern[1:], key) {
			return true
		}
		if len(key) > 0 {
			return matchParts(pattern, key[1:])
		}
		return false
	}
	if len(key) == 0 {
		return false
	}
	if pattern[0] != "*" && pattern[0] != key[0] {
		return false
	}
	return matchParts(pattern[1:], key[1:])
}
