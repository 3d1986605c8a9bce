package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"gigwire/pkg/domain"
	"gigwire/pkg/storage"
	"gigwire/pkg/store"
	"gigwire/services/messaging/internal/chat"
	"gigwire/services/messaging/internal/jobsclient"
	"gigwire/services/messaging/internal/presence"

	"github.com/google/uuid"
)

const (
	defaultMaxAttachmentBytes = int64(10 << 20)
	defaultAttachmentURLTTL   = 10 * time.Minute
)

// Broadcaster is the slice of the session registry the application drives.
// All outbound frames leave through it, acks included.
type Broadcaster interface {
	Broadcast(roomID string, frame []byte, excludeUserID string) int
	SendToUser(userID string, frame []byte) bool
	Subscribe(roomID string, s *chat.Session)
	Unsubscribe(roomID string, s *chat.Session)
	IsSubscribed(roomID, userID string) bool
	Rooms(sessionID string) []string
	Unregister(s *chat.Session)
}

// RoomAccessOracle resolves job metadata for room access checks. The jobs
// service owns job state; the messaging service only asks.
type RoomAccessOracle interface {
	GetJob(ctx context.Context, jobID string) (jobsclient.Job, error)
}

// TypingTracker is the presence surface the application uses.
type TypingTracker interface {
	Start(ctx context.Context, roomID, userID string) error
	Stop(ctx context.Context, roomID, userID string) error
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL        string
	Store              store.Store
	Registry           Broadcaster
	Typing             TypingTracker
	Objects            storage.ObjectStore
	Jobs               RoomAccessOracle
	Logger             *slog.Logger
	MaxAttachmentBytes int64
	AttachmentURLTTL   time.Duration
}

// App wires storage, the session registry, presence, and the jobs oracle
// into the messaging operations behind both the socket and the HTTP API.
type App struct {
	store    store.Store
	registry Broadcaster
	typing   TypingTracker
	objects  storage.ObjectStore
	jobs     RoomAccessOracle
	logger   *slog.Logger

	maxAttachmentBytes int64
	attachmentURLTTL   time.Duration

	mu        sync.Mutex
	roomLocks map[string]*sync.Mutex
}

// New constructs the application with database-backed storage for messages.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("session registry required")
	}
	if cfg.Typing == nil {
		return nil, fmt.Errorf("typing tracker required")
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("jobs oracle required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBytes := cfg.MaxAttachmentBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxAttachmentBytes
	}
	urlTTL := cfg.AttachmentURLTTL
	if urlTTL <= 0 {
		urlTTL = defaultAttachmentURLTTL
	}
	return &App{
		store:              dataStore,
		registry:           cfg.Registry,
		typing:             cfg.Typing,
		objects:            cfg.Objects,
		jobs:               cfg.Jobs,
		logger:             logger,
		maxAttachmentBytes: maxBytes,
		attachmentURLTTL:   urlTTL,
		roomLocks:          make(map[string]*sync.Mutex),
	}, nil
}

// TypingNotifier adapts presence transitions into room broadcasts. Expiry
// timers fire outside any frame context, so the tracker needs its own path
// to the registry.
func TypingNotifier(reg *chat.Registry) presence.NotifyFunc {
	return func(roomID, userID string, typing bool) {
		frameType := chat.FrameStopTyping
		if typing {
			frameType = chat.FrameTyping
		}
		frame, err := chat.Encode(frameType, chat.TypingPayload{RoomID: roomID, UserID: userID})
		if err != nil {
			return
		}
		reg.Broadcast(roomID, frame, "")
	}
}

// EnsureDirectRoom returns the direct room between the caller and peer,
// creating it on first contact. Concurrent first contacts collapse to one
// room via the pair-key unique index.
func (a *App) EnsureDirectRoom(ctx context.Context, callerID, peerID string) (domain.RoomSummary, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return domain.RoomSummary{}, fmt.Errorf("%w: peer_user_id required", ErrValidation)
	}
	if peerID == callerID {
		return domain.RoomSummary{}, fmt.Errorf("%w: cannot open a room with yourself", ErrValidation)
	}
	now := time.Now().UTC()
	room, _, err := a.store.EnsureRoom(domain.Room{
		ID:        uuid.NewString(),
		Kind:      domain.RoomDirect,
		PairKey:   domain.PairKey(callerID, peerID),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}, []string{callerID, peerID})
	if err != nil {
		return domain.RoomSummary{}, fmt.Errorf("ensure direct room: %w", err)
	}
	return a.roomSummaryFor(room, callerID)
}

// EnsureJobRoom returns the job-scoped room between the job's client and a
// counterpart provider. The caller must be one of the two parties; rooms for
// not-yet-assigned counterparts exist only if a bid event already created
// them.
func (a *App) EnsureJobRoom(ctx context.Context, callerID, jobID, counterpartID string) (domain.RoomSummary, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return domain.RoomSummary{}, fmt.Errorf("%w: job_id required", ErrValidation)
	}
	job, err := a.jobs.GetJob(ctx, jobID)
	if err != nil {
		var apiErr *jobsclient.APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return domain.RoomSummary{}, ErrRoomNotFound
		}
		return domain.RoomSummary{}, fmt.Errorf("resolve job: %w", err)
	}

	counterpartID = strings.TrimSpace(counterpartID)
	if callerID == job.ClientID {
		if counterpartID == "" {
			return domain.RoomSummary{}, fmt.Errorf("%w: counterpart_id required for the job's client", ErrValidation)
		}
	} else {
		// Providers always talk to the client; they cannot pick a counterpart.
		counterpartID = callerID
	}
	if counterpartID == job.ClientID {
		return domain.RoomSummary{}, fmt.Errorf("%w: counterpart must be a provider", ErrValidation)
	}

	// A room created earlier (bid placed) is reachable by either party.
	if room, ok, err := a.store.GetJobRoom(jobID, counterpartID); err != nil {
		return domain.RoomSummary{}, fmt.Errorf("load job room: %w", err)
	} else if ok {
		return a.roomSummaryFor(room, callerID)
	}

	// No bid-created room: only the assigned provider's room may be created
	// on demand.
	if counterpartID != job.AssigneeID || job.AssigneeID == "" {
		return domain.RoomSummary{}, ErrAccessDenied
	}
	now := time.Now().UTC()
	room, _, err := a.store.EnsureRoom(domain.Room{
		ID:            uuid.NewString(),
		Kind:          domain.RoomJob,
		JobID:         jobID,
		CounterpartID: counterpartID,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, []string{job.ClientID, counterpartID})
	if err != nil {
		return domain.RoomSummary{}, fmt.Errorf("ensure job room: %w", err)
	}
	return a.roomSummaryFor(room, callerID)
}

// ListRooms lists the caller's rooms newest-activity first.
func (a *App) ListRooms(userID string) ([]domain.RoomSummary, error) {
	rooms, err := a.store.ListRoomsByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// authorizeRoom loads the room and verifies the caller participates in it.
func (a *App) authorizeRoom(roomID, userID string) (domain.Room, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return domain.Room{}, fmt.Errorf("%w: room_id required", ErrValidation)
	}
	room, ok, err := a.store.GetRoom(roomID)
	if err != nil {
		return domain.Room{}, fmt.Errorf("load room: %w", err)
	}
	if !ok {
		return domain.Room{}, ErrRoomNotFound
	}
	member, err := a.store.IsParticipant(roomID, userID)
	if err != nil {
		return domain.Room{}, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return domain.Room{}, ErrAccessDenied
	}
	return room, nil
}

func (a *App) roomSummaryFor(room domain.Room, callerID string) (domain.RoomSummary, error) {
	summary := domain.RoomSummary{Room: room}
	participants, err := a.store.ListParticipants(room.ID)
	if err != nil {
		return domain.RoomSummary{}, fmt.Errorf("load participants: %w", err)
	}
	for _, p := range participants {
		if p.UserID == callerID {
			summary.UnreadCount = p.UnreadCount
		} else {
			summary.PeerID = p.UserID
		}
	}
	return summary, nil
}

func (a *App) roomLock(roomID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock := a.roomLocks[roomID]
	if lock == nil {
		lock = &sync.Mutex{}
		a.roomLocks[roomID] = lock
	}
	return lock
}
