package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type AMQPBusConfig struct {
	URL            string
	Exchange       string
	Queue          string
	PublishRetries int
	RetryDelay     time.Duration
	RedialDelay    time.Duration
	Prefetch       int
	Logger         *slog.Logger
}

// AMQPBus is the production bus: a durable topic exchange on RabbitMQ.
// Producers and consumers never see each other; a down consumer only grows
// its queue.
type AMQPBus struct {
	url            string
	exchange       string
	queue          string
	publishRetries int
	retryDelay     time.Duration
	redialDelay    time.Duration
	prefetch       int
	log            *slog.Logger

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel
}

func NewAMQPBus(cfg AMQPBusConfig) (*AMQPBus, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = "gigwire.events"
	}
	publishRetries := cfg.PublishRetries
	if publishRetries <= 0 {
		publishRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 500 * time.Millisecond
	}
	redialDelay := cfg.RedialDelay
	if redialDelay <= 0 {
		redialDelay = 5 * time.Second
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 32
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &AMQPBus{
		url:            url,
		exchange:       exchange,
		queue:          strings.TrimSpace(cfg.Queue),
		publishRetries: publishRetries,
		retryDelay:     retryDelay,
		redialDelay:    redialDelay,
		prefetch:       prefetch,
		log:            logger.With("component", "bus"),
	}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *AMQPBus) connect() error {
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", b.exchange, err)
	}
	b.conn = conn
	b.pubCh = ch
	return nil
}

// Publish hands the event to the exchange. Failures retry with backoff a
// bounded number of times; an exhausted publish surfaces to the caller, which
// decides whether that is fatal.
func (b *AMQPBus) Publish(ctx context.Context, event Event) error {
	event, err := normalizeEvent(event)
	if err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	var lastErr error
	for attempt := 1; attempt <= b.publishRetries; attempt++ {
		if lastErr = b.publishOnce(ctx, event.Type, event.ID, body); lastErr == nil {
			return nil
		}
		b.log.Warn("publish attempt failed", "type", event.Type, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * b.retryDelay):
		}
	}
	return fmt.Errorf("publish %s after %d attempts: %w", event.Type, b.publishRetries, lastErr)
}

func (b *AMQPBus) publishOnce(ctx context.Context, key, id string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh == nil || b.pubCh.IsClosed() {
		if err := b.reconnectLocked(); err != nil {
			return err
		}
	}
	return b.pubCh.PublishWithContext(ctx, b.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (b *AMQPBus) reconnectLocked() error {
	if b.conn != nil && !b.conn.IsClosed() {
		ch, err := b.conn.Channel()
		if err == nil {
			b.pubCh = ch
			return nil
		}
	}
	return b.connect()
}

// Subscribe binds a queue to the given topic patterns and feeds matching
// events to handler. A named queue is durable and survives restarts; an
// empty name yields a private server-named queue.
func (b *AMQPBus) Subscribe(ctx context.Context, patterns []string, handler Handler) error {
	if len(patterns) == 0 {
		return errors.New("at least one binding pattern required")
	}
	if handler == nil {
		return errors.New("handler required")
	}
	deliveries, err := b.openConsume(patterns)
	if err != nil {
		return err
	}
	go b.consumeLoop(ctx, patterns, deliveries, handler)
	return nil
}

func (b *AMQPBus) openConsume(patterns []string) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		if err := b.connect(); err != nil {
			return nil, err
		}
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	named := b.queue != ""
	queue, err := ch.QueueDeclare(b.queue, named, !named, !named, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	for _, pattern := range patterns {
		if err := ch.QueueBind(queue.Name, pattern, b.exchange, false, nil); err != nil {
			ch.Close()
			return nil, fmt.Errorf("bind %s: %w", pattern, err)
		}
	}
	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}
	return deliveries, nil
}

func (b *AMQPBus) consumeLoop(ctx context.Context, patterns []string, deliveries <-chan amqp.Delivery, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				deliveries = b.reopenConsume(ctx, patterns)
				if deliveries == nil {
					return
				}
				continue
			}
			b.dispatch(ctx, d, handler)
		}
	}
}

func (b *AMQPBus) reopenConsume(ctx context.Context, patterns []string) <-chan amqp.Delivery {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.redialDelay):
		}
		deliveries, err := b.openConsume(patterns)
		if err != nil {
			b.log.Warn("consumer reconnect failed", "error", err)
			continue
		}
		b.log.Info("consumer reconnected")
		return deliveries
	}
}

func (b *AMQPBus) dispatch(ctx context.Context, d amqp.Delivery, handler Handler) {
	var event Event
	if err := json.Unmarshal(d.Body, &event); err != nil {
		b.log.Warn("dropping undecodable event", "messageId", d.MessageId, "error", err)
		_ = d.Nack(false, false)
		return
	}
	if err := handler(ctx, event); err != nil {
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

// Close tears down the connection; consume loops end when their delivery
// channels close.
func (b *AMQPBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	b.pubCh = nil
	return err
}
