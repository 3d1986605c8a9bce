package server

import (
	"net/http"
	"strings"
	"time"

	"gigwire/services/messaging/internal/chat"

	"github.com/gorilla/websocket"
)

const closeWriteWait = 10 * time.Second

// GET /ws
//
// The connection is upgraded before credentials are checked so a rejection
// reaches the client as a close code (4401) instead of a dropped handshake.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.connectLimiter, "too many connection attempts") {
		s.audit(r, "ws.connect", "rate_limited")
		return
	}
	token := connectionToken(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied over HTTP (bad handshake or origin).
		s.audit(r, "ws.connect", "fail", "reason", "handshake_rejected")
		return
	}

	userID := ""
	if token != "" {
		userID, err = s.tokenVerifier.VerifySubject(token)
	}
	if token == "" || err != nil {
		s.audit(r, "ws.connect", "fail", "reason", "invalid_token")
		closeConn(conn, chat.CodeAuthRequired, "authentication required")
		return
	}

	sess := chat.NewSession(conn, userID)
	if err := sess.Send(chat.FrameConnected, chat.ConnectedPayload{UserID: userID, SessionID: sess.ID()}); err != nil {
		s.logger.Error("queue connected frame", "userID", userID, "error", err)
		closeConn(conn, websocket.CloseInternalServerErr, "internal error")
		return
	}
	if evicted := s.registry.Register(sess); evicted {
		s.logger.Debug("superseded previous session", "userID", userID)
	}
	s.audit(r, "ws.connect", "success", "user_id", userID, "session_id", sess.ID())

	// Blocks until the connection drops. The registry detaches the session
	// through the disconnect callback.
	sess.Run(r.Context(), s.app, s.logger)
}

// connectionToken pulls credentials from the token query parameter, falling
// back to the Authorization header. Browsers cannot set headers on WebSocket
// dials, so the query parameter is the primary path.
func connectionToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	if token, ok := bearerToken(r); ok {
		return token
	}
	return ""
}

// closeConn rejects an already-upgraded connection with a close frame. Used
// before any Session exists.
func closeConn(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(closeWriteWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// newOriginChecker matches the Origin header against the configured allow
// list. An empty list permits any origin; requests without an Origin header
// (non-browser clients) always pass.
func newOriginChecker(allowed []string) func(*http.Request) bool {
	allowAny := len(allowed) == 0
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		origin = strings.ToLower(strings.TrimSpace(origin))
		if origin == "" {
			continue
		}
		if origin == "*" {
			allowAny = true
			continue
		}
		allowedSet[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(strings.TrimSpace(r.Header.Get("Origin")))
		if origin == "" || allowAny {
			return true
		}
		_, ok := allowedSet[origin]
		return ok
	}
}
