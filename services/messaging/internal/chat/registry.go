package chat

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Registry tracks every live session and its room subscriptions. It owns the
// only cross-connection shared state in the service; all mutations go through
// its lock and no internal map ever escapes the API.
type Registry struct {
	mu           sync.RWMutex
	sessions     map[string]*Session            // sessionID -> session
	userSessions map[string]string              // userID -> sessionID
	rooms        map[string]map[string]*Session // roomID -> sessionID -> session
	sessionRooms map[string]map[string]struct{} // sessionID -> set of roomIDs

	logger *slog.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:     make(map[string]*Session),
		userSessions: make(map[string]string),
		rooms:        make(map[string]map[string]*Session),
		sessionRooms: make(map[string]map[string]struct{}),
		logger:       logger,
	}
}

// Register tracks a session, enforcing one active connection per user. A
// prior session for the same user is evicted and closed with CodeSuperseded.
// Returns true when an eviction happened.
func (r *Registry) Register(s *Session) bool {
	var previous *Session

	r.mu.Lock()
	if existingID, ok := r.userSessions[s.userID]; ok {
		if existing := r.sessions[existingID]; existing != nil {
			previous = existing
			r.detachLocked(existingID)
		}
	}
	r.sessions[s.id] = s
	r.userSessions[s.userID] = s.id
	r.sessionRooms[s.id] = make(map[string]struct{})
	r.mu.Unlock()

	if previous != nil {
		previous.Close(CodeSuperseded, "superseded by a newer connection")
		return true
	}
	return false
}

// Unregister removes a session and atomically releases every room
// subscription it holds. Safe to call for sessions already evicted.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	r.detachLocked(s.id)
	r.mu.Unlock()
}

// Subscribe adds the session to a room's live member set. No-op when the
// session is no longer tracked (it lost an eviction race).
func (r *Registry) Subscribe(roomID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.id]; !ok {
		return
	}
	room := r.rooms[roomID]
	if room == nil {
		room = make(map[string]*Session)
		r.rooms[roomID] = room
	}
	room[s.id] = s
	r.sessionRooms[s.id][roomID] = struct{}{}
}

// Unsubscribe removes the session from a room's live member set.
func (r *Registry) Unsubscribe(roomID string, s *Session) {
	r.mu.Lock()
	r.leaveLocked(roomID, s.id)
	r.mu.Unlock()
}

// IsSubscribed reports whether the user has a live session subscribed to the
// room.
func (r *Registry) IsSubscribed(roomID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.rooms[roomID] {
		if s.userID == userID {
			return true
		}
	}
	return false
}

// Rooms returns a snapshot of the room IDs the session subscribes to.
func (r *Registry) Rooms(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	memberships := r.sessionRooms[sessionID]
	out := make([]string, 0, len(memberships))
	for roomID := range memberships {
		out = append(out, roomID)
	}
	return out
}

// Broadcast enqueues a pre-encoded frame to every session subscribed to the
// room, skipping excludeUserID when non-empty. Delivery is best-effort: a
// session whose send buffer is saturated is closed and dropped rather than
// allowed to stall the others. Returns the number of sessions reached.
func (r *Registry) Broadcast(roomID string, frame []byte, excludeUserID string) int {
	r.mu.RLock()
	room := r.rooms[roomID]
	targets := make([]*Session, 0, len(room))
	for _, s := range room {
		if excludeUserID != "" && s.userID == excludeUserID {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := s.enqueue(frame); err != nil {
			r.logger.Warn("dropping session from broadcast", "userID", s.userID, "roomID", roomID, "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// SendToUser enqueues a pre-encoded frame to the user's live session, if any.
func (r *Registry) SendToUser(userID string, frame []byte) bool {
	r.mu.RLock()
	sessionID, ok := r.userSessions[userID]
	if !ok {
		r.mu.RUnlock()
		return false
	}
	s := r.sessions[sessionID]
	r.mu.RUnlock()
	if s == nil {
		return false
	}
	if err := s.enqueue(frame); err != nil {
		r.logger.Warn("dropping session on direct send", "userID", userID, "error", err)
		return false
	}
	return true
}

// CloseAll terminates every tracked session and clears registry state. Used
// on graceful shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.userSessions = make(map[string]string)
	r.rooms = make(map[string]map[string]*Session)
	r.sessionRooms = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (r *Registry) detachLocked(sessionID string) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	if current, ok := r.userSessions[s.userID]; ok && current == sessionID {
		delete(r.userSessions, s.userID)
	}
	for roomID := range r.sessionRooms[sessionID] {
		room := r.rooms[roomID]
		delete(room, sessionID)
		if len(room) == 0 {
			delete(r.rooms, roomID)
		}
	}
	delete(r.sessionRooms, sessionID)
}

func (r *Registry) leaveLocked(roomID, sessionID string) {
	room := r.rooms[roomID]
	if room == nil {
		return
	}
	delete(room, sessionID)
	if len(room) == 0 {
		delete(r.rooms, roomID)
	}
	if memberships, ok := r.sessionRooms[sessionID]; ok {
		delete(memberships, roomID)
	}
}
