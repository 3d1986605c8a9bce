package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTypingTTL is how long a typing indicator survives without a refresh.
const DefaultTypingTTL = 4 * time.Second

const sweepTimeout = 3 * time.Second

// expireScript removes a typing entry only when its deadline has passed, so a
// sweep racing a concurrent refresh never clears fresh state. Returns 1 when
// the entry was removed.
var expireScript = redis.NewScript(`
local score = redis.call("ZSCORE", KEYS[1], ARGV[1])
if not score then
  return 0
end
if tonumber(score) > tonumber(ARGV[2]) then
  return 0
end
return redis.call("ZREM", KEYS[1], ARGV[1])
`)

// NotifyFunc receives typing transitions. typing=false means the indicator
// cleared (explicit stop, message send, or expiry).
type NotifyFunc func(roomID, userID string, typing bool)

// Tracker keeps ephemeral per-room typing state in Redis with an in-process
// expiry timer per (room, user). State is intentionally lost on restart;
// nothing here ever touches durable storage. All transitions are emitted
// through a single NotifyFunc, including asynchronous expiries.
type Tracker struct {
	client *redis.Client
	ttl    time.Duration
	notify NotifyFunc
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTracker connects to Redis and returns a typing tracker.
func NewTracker(addr, password string, ttl time.Duration, notify NotifyFunc, logger *slog.Logger) (*Tracker, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("presence tracker redis addr is required")
	}
	if notify == nil {
		return nil, errors.New("presence tracker notify func is required")
	}
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		ttl:    ttl,
		notify: notify,
		logger: logger,
		timers: make(map[string]*time.Timer),
	}, nil
}

// Start marks the user as typing in the room, refreshing the deadline when
// already typing. The typing notification fires only on the idle-to-typing
// transition, so repeated frames from the same client stay silent.
func (t *Tracker) Start(ctx context.Context, roomID, userID string) error {
	key := typingKey(roomID)
	now := time.Now()

	score, err := t.client.ZScore(ctx, key, userID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read typing state: %w", err)
	}
	already := err == nil && int64(score) > now.UnixMilli()

	deadline := now.Add(t.ttl)
	if err := t.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: userID,
	}).Err(); err != nil {
		return fmt.Errorf("refresh typing state: %w", err)
	}
	// Key-level TTL keeps abandoned rooms from accumulating; correctness
	// relies only on member scores.
	_ = t.client.PExpire(ctx, key, 2*t.ttl).Err()

	t.armTimer(roomID, userID)
	if !already {
		t.notify(roomID, userID, true)
	}
	return nil
}

// Stop clears the user's typing state in the room. Clearing an idle user is
// a silent no-op, so message sends can call this unconditionally.
func (t *Tracker) Stop(ctx context.Context, roomID, userID string) error {
	t.disarmTimer(roomID, userID)
	removed, err := t.client.ZRem(ctx, typingKey(roomID), userID).Result()
	if err != nil {
		return fmt.Errorf("clear typing state: %w", err)
	}
	if removed > 0 {
		t.notify(roomID, userID, false)
	}
	return nil
}

// Close stops every pending expiry timer and releases the Redis client.
func (t *Tracker) Close() error {
	t.mu.Lock()
	for key, tm := range t.timers {
		tm.Stop()
		delete(t.timers, key)
	}
	t.mu.Unlock()
	return t.client.Close()
}

func (t *Tracker) armTimer(roomID, userID string) {
	key := roomID + "/" + userID
	t.mu.Lock()
	if old := t.timers[key]; old != nil {
		old.Stop()
	}
	t.timers[key] = time.AfterFunc(t.ttl, func() {
		t.expire(roomID, userID)
	})
	t.mu.Unlock()
}

func (t *Tracker) disarmTimer(roomID, userID string) {
	key := roomID + "/" + userID
	t.mu.Lock()
	if tm := t.timers[key]; tm != nil {
		tm.Stop()
		delete(t.timers, key)
	}
	t.mu.Unlock()
}

func (t *Tracker) expire(roomID, userID string) {
	t.disarmTimer(roomID, userID)

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	removed, err := expireScript.Run(ctx, t.client, []string{typingKey(roomID)}, userID, time.Now().UnixMilli()).Int()
	if err != nil {
		t.logger.Warn("typing expiry sweep failed", "roomID", roomID, "userID", userID, "error", err)
		return
	}
	if removed > 0 {
		t.notify(roomID, userID, false)
	}
}

func typingKey(roomID string) string {
	return "gigwire:typing:" + roomID
}
