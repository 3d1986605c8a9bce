package bus

import (
	"context"
	"errors"
	"sync"
)

const memoryBusBuffer = 256

// MemoryBus is an in-process bus with the same topic semantics as the AMQP
// one. Tests and single-binary deployments use it. Delivery is at-most-once:
// a subscriber whose buffer is full loses the event instead of stalling the
// publisher.
type MemoryBus struct {
	mu     sync.Mutex
	subs   []*memorySubscriber
	closed bool
}

type memorySubscriber struct {
	patterns []string
	events   chan Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	event, err := normalizeEvent(event)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("bus closed")
	}
	for _, sub := range b.subs {
		if !sub.matches(event.Type) {
			continue
		}
		select {
		case sub.events <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, patterns []string, handler Handler) error {
	if len(patterns) == 0 {
		return errors.New("at least one binding pattern required")
	}
	if handler == nil {
		return errors.New("handler required")
	}
	sub := &memorySubscriber{patterns: patterns, events: make(chan Event, memoryBusBuffer)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("bus closed")
	}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-sub.events:
				if !ok {
					return
				}
				_ = handler(ctx, event)
			}
		}
	}()
	return nil
}

func (s *memorySubscriber) matches(key string) bool {
	for _, p := range s.patterns {
		if topicMatch(p, key) {
			return true
		}
	}
	return false
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.events)
	}
	b.subs = nil
	return nil
}
