package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gigwire/pkg/bus"
	"gigwire/pkg/domain"
	"gigwire/pkg/store"
	"gigwire/services/messaging/internal/chat"
)

const storageAttempts = 3

// bindings are the topic patterns the dispatcher consumes. Everything the
// domain services publish about jobs, bids, and payments lands here.
var bindings = []string{"jobs.*", "bids.*", "payments.*"}

// Registry is the live-push slice of the session registry the dispatcher
// needs: direct frames to a user plus subscription lookups for room
// lifecycle pushes.
type Registry interface {
	SendToUser(userID string, frame []byte) bool
	IsSubscribed(roomID, userID string) bool
}

// RecipientOracle expands fan-out events into concrete recipients. The jobs
// service knows which providers are in range of a newly posted job.
type RecipientOracle interface {
	EligibleProviders(ctx context.Context, jobID string) ([]string, error)
}

// Config holds runtime configuration for the dispatcher.
type Config struct {
	Bus        bus.Subscriber
	Store      store.Store
	Registry   Registry
	Jobs       RecipientOracle
	Logger     *slog.Logger
	Workers    int
	RetryDelay time.Duration
}

type handlerSpec struct {
	resolve    func(ctx context.Context, event bus.Event) ([]string, error)
	build      func(event bus.Event) (domain.Notification, error)
	sideEffect func(ctx context.Context, event bus.Event) error
}

// Dispatcher turns domain events into notification rows and live pushes.
// Every event walks received, validated, recorded, then delivered or
// queued-undelivered; the stage travels in the logs.
type Dispatcher struct {
	bus        bus.Subscriber
	store      store.Store
	registry   Registry
	jobs       RecipientOracle
	log        *slog.Logger
	workers    int
	retryDelay time.Duration
	specs      map[string]handlerSpec
}

// New constructs the dispatcher with its per-event-type resolver table.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("event bus required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("session registry required")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("jobs oracle required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 200 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		bus:        cfg.Bus,
		store:      cfg.Store,
		registry:   cfg.Registry,
		jobs:       cfg.Jobs,
		log:        logger.With("component", "dispatch"),
		workers:    workers,
		retryDelay: retryDelay,
	}
	d.specs = map[string]handlerSpec{
		domain.EventJobCreated: {
			resolve: d.resolveEligibleProviders,
			build:   buildJobPosted,
		},
		domain.EventJobCompleted: {
			resolve:    resolveTargetOr(clientFromJobEvent),
			build:      buildJobCompleted,
			sideEffect: d.closeJobRooms,
		},
		domain.EventJobCancelled: {
			resolve:    resolveTargetOr(clientFromJobEvent),
			build:      buildJobCancelled,
			sideEffect: d.closeJobRooms,
		},
		domain.EventBidPlaced: {
			resolve:    resolveTargetOr(clientFromBidEvent),
			build:      buildBidReceived,
			sideEffect: d.openBidRoom,
		},
		domain.EventBidAccepted: {
			resolve: resolveTargetOr(providerFromBidEvent),
			build:   buildBidAccepted,
		},
		domain.EventBidRejected: {
			resolve: resolveTargetOr(providerFromBidEvent),
			build:   buildBidRejected,
		},
		domain.EventPaymentSettled: {
			resolve: resolveTargetOr(payeeFromPaymentEvent),
			build:   buildPaymentSettled,
		},
	}
	return d, nil
}

// Run consumes the bus until ctx is cancelled. Worker goroutines share one
// event channel; a slow event delays at most its own worker.
func (d *Dispatcher) Run(ctx context.Context) error {
	events := make(chan bus.Event, d.workers*4)
	err := d.bus.Subscribe(ctx, bindings, func(ctx context.Context, event bus.Event) error {
		select {
		case events <- event:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	d.log.Info("dispatcher started", "workers", d.workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case event := <-events:
					d.process(gctx, event)
				}
			}
		})
	}
	return g.Wait()
}

// process handles one event end to end. Nothing it hits may take the loop
// down: bad events drop with a log, storage gets bounded retries, and a
// panic is contained to this event.
func (d *Dispatcher) process(ctx context.Context, event bus.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("recovered from event panic", "eventId", event.ID, "type", event.Type, "panic", r)
		}
	}()
	log := d.log.With("eventId", event.ID, "type", event.Type)
	log.Debug("event received", "stage", "received")

	spec, ok := d.specs[event.Type]
	if !ok {
		log.Warn("dropping event of unknown type", "stage", "received")
		return
	}
	recipients, err := spec.resolve(ctx, event)
	if err != nil {
		log.Warn("dropping event: recipients unresolvable", "stage", "received", "error", err)
		return
	}
	template, err := spec.build(event)
	if err != nil {
		log.Warn("dropping event: invalid payload", "stage", "received", "error", err)
		return
	}
	log.Debug("event validated", "stage", "validated", "recipients", len(recipients))

	if spec.sideEffect != nil {
		if err := d.withRetry(ctx, func() error { return spec.sideEffect(ctx, event) }); err != nil {
			log.Error("event side effect failed", "error", err)
		}
	}

	for _, recipientID := range recipients {
		n := template
		n.ID = uuid.NewString()
		n.RecipientID = recipientID
		n.CreatedAt = time.Now().UTC()
		if err := d.withRetry(ctx, func() error { return d.store.SaveNotification(n) }); err != nil {
			log.Error("dropping notification: storage failed", "recipientId", recipientID, "error", err)
			continue
		}
		log.Info("notification recorded", "stage", "recorded", "notificationId", n.ID, "recipientId", recipientID)

		frame, err := chat.Encode(chat.FrameNewNotification, n)
		if err != nil {
			log.Error("encode notification frame", "notificationId", n.ID, "error", err)
			continue
		}
		if d.registry.SendToUser(recipientID, frame) {
			if err := d.store.MarkNotificationDelivered(n.ID, time.Now().UTC()); err != nil {
				log.Warn("record delivery time", "notificationId", n.ID, "error", err)
			}
			log.Info("notification delivered", "stage", "delivered", "notificationId", n.ID, "recipientId", recipientID)
		} else {
			log.Info("notification awaits catch-up", "stage", "queued-undelivered", "notificationId", n.ID, "recipientId", recipientID)
		}
	}
}

func (d *Dispatcher) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= storageAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == storageAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * d.retryDelay):
		}
	}
	return err
}

// resolveEligibleProviders asks the jobs service which providers should hear
// about a new job. Zero providers is a valid answer.
func (d *Dispatcher) resolveEligibleProviders(ctx context.Context, event bus.Event) ([]string, error) {
	jobID := event.EntityID
	if jobID == "" {
		var job domain.JobEvent
		if err := json.Unmarshal(event.Payload, &job); err == nil {
			jobID = job.JobID
		}
	}
	if jobID == "" {
		return nil, errors.New("job event missing job id")
	}
	providers, err := d.jobs.EligibleProviders(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("resolve eligible providers: %w", err)
	}
	return providers, nil
}

// resolveTargetOr prefers the envelope's explicit target and falls back to
// the payload field the event type implies.
func resolveTargetOr(fallback func(event bus.Event) (string, error)) func(context.Context, bus.Event) ([]string, error) {
	return func(_ context.Context, event bus.Event) ([]string, error) {
		if event.TargetUserID != "" {
			return []string{event.TargetUserID}, nil
		}
		userID, err := fallback(event)
		if err != nil {
			return nil, err
		}
		if userID == "" {
			return nil, errors.New("event names no recipient")
		}
		return []string{userID}, nil
	}
}

func clientFromJobEvent(event bus.Event) (string, error) {
	var job domain.JobEvent
	if err := json.Unmarshal(event.Payload, &job); err != nil {
		return "", fmt.Errorf("decode job payload: %w", err)
	}
	return job.ClientID, nil
}

func clientFromBidEvent(event bus.Event) (string, error) {
	var bid domain.BidEvent
	if err := json.Unmarshal(event.Payload, &bid); err != nil {
		return "", fmt.Errorf("decode bid payload: %w", err)
	}
	return bid.ClientID, nil
}

func providerFromBidEvent(event bus.Event) (string, error) {
	var bid domain.BidEvent
	if err := json.Unmarshal(event.Payload, &bid); err != nil {
		return "", fmt.Errorf("decode bid payload: %w", err)
	}
	return bid.ProviderID, nil
}

func payeeFromPaymentEvent(event bus.Event) (string, error) {
	var payment domain.PaymentEvent
	if err := json.Unmarshal(event.Payload, &payment); err != nil {
		return "", fmt.Errorf("decode payment payload: %w", err)
	}
	return payment.PayeeID, nil
}

// openBidRoom materializes the job room between client and bidder so either
// party can start chatting the moment the bid lands. Duplicate bids collapse
// onto the existing room.
func (d *Dispatcher) openBidRoom(ctx context.Context, event bus.Event) error {
	var bid domain.BidEvent
	if err := json.Unmarshal(event.Payload, &bid); err != nil {
		return fmt.Errorf("decode bid payload: %w", err)
	}
	if bid.JobID == "" || bid.ProviderID == "" || bid.ClientID == "" {
		return errors.New("bid event missing room parties")
	}
	now := time.Now().UTC()
	_, created, err := d.store.EnsureRoom(domain.Room{
		ID:            uuid.NewString(),
		Kind:          domain.RoomJob,
		JobID:         bid.JobID,
		CounterpartID: bid.ProviderID,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, []string{bid.ClientID, bid.ProviderID})
	if err != nil {
		return fmt.Errorf("open bid room: %w", err)
	}
	if created {
		d.log.Info("job room opened", "jobId", bid.JobID, "providerId", bid.ProviderID)
	}
	return nil
}

// closeJobRooms deactivates every room of a finished job and tells connected
// participants. History stays readable; new sends bounce.
func (d *Dispatcher) closeJobRooms(ctx context.Context, event bus.Event) error {
	var job domain.JobEvent
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &job); err != nil {
			return fmt.Errorf("decode job payload: %w", err)
		}
	}
	jobID := job.JobID
	if jobID == "" {
		jobID = event.EntityID
	}
	if jobID == "" {
		return errors.New("job event missing job id")
	}
	rooms, err := d.store.DeactivateJobRooms(jobID)
	if err != nil {
		return fmt.Errorf("deactivate rooms for job %s: %w", jobID, err)
	}
	for _, room := range rooms {
		d.pushRoomClosed(room)
	}
	if len(rooms) > 0 {
		d.log.Info("job rooms closed", "jobId", jobID, "rooms", len(rooms))
	}
	return nil
}

func (d *Dispatcher) pushRoomClosed(room domain.Room) {
	participants, err := d.store.ListParticipants(room.ID)
	if err != nil {
		d.log.Warn("list participants of closed room", "roomId", room.ID, "error", err)
		return
	}
	for _, p := range participants {
		frame, err := chat.Encode(chat.FrameRoomUpdated, chat.RoomUpdatedPayload{
			RoomID:     room.ID,
			Subscribed: d.registry.IsSubscribed(room.ID, p.UserID),
			Active:     false,
		})
		if err != nil {
			return
		}
		d.registry.SendToUser(p.UserID, frame)
	}
}
