package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gigwire/internal/ratelimit"
	"gigwire/internal/servicetoken"
	"gigwire/internal/usertoken"
	"gigwire/internal/util"
	"gigwire/pkg/bus"
	"gigwire/services/messaging/internal/app"
	"gigwire/services/messaging/internal/chat"
	"gigwire/services/messaging/internal/security"

	"github.com/gorilla/websocket"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App             *app.App
	Registry        *chat.Registry
	Bus             bus.Publisher
	TokenVerifier   *usertoken.Verifier
	ServiceVerifier *servicetoken.Verifier
	Alerter         *security.AuditAlerter
	Logger          *slog.Logger

	RedisAddr     string
	RedisPassword string

	// TrustedProxies controls when forwarded headers are believed for
	// client IP resolution (rate limit keys, audit logs). Nil trusts none.
	TrustedProxies *util.TrustedProxies

	AllowedOrigins            []string
	ConnectRateLimitPerMinute int
	EventsRateLimitPerMinute  int
}

// Server exposes the socket upgrade, the resource API, and the internal
// publish endpoint of the messaging service.
type Server struct {
	app             *app.App
	registry        *chat.Registry
	bus             bus.Publisher
	tokenVerifier   *usertoken.Verifier
	serviceVerifier *servicetoken.Verifier
	alerter         *security.AuditAlerter
	logger          *slog.Logger
	trustedProxies  *util.TrustedProxies
	mux             *http.ServeMux

	upgrader websocket.Upgrader

	connectLimiter *ratelimit.FixedWindowLimiter
	eventsLimiter  *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, fmt.Errorf("app required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("session registry required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("event bus required")
	}
	if cfg.TokenVerifier == nil {
		return nil, fmt.Errorf("user token verifier required")
	}
	if cfg.ServiceVerifier == nil {
		return nil, fmt.Errorf("service token verifier required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	connectLimit := cfg.ConnectRateLimitPerMinute
	if connectLimit <= 0 {
		connectLimit = 60
	}
	eventsLimit := cfg.EventsRateLimitPerMinute
	if eventsLimit <= 0 {
		eventsLimit = 300
	}
	rateWindow := time.Minute
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "gigwire:messaging:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, rateWindow)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	connectLimiter, err := newLimiter("connect", connectLimit)
	if err != nil {
		return nil, err
	}
	eventsLimiter, err := newLimiter("events", eventsLimit)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:             cfg.App,
		registry:        cfg.Registry,
		bus:             cfg.Bus,
		tokenVerifier:   cfg.TokenVerifier,
		serviceVerifier: cfg.ServiceVerifier,
		alerter:         cfg.Alerter,
		logger:          logger,
		trustedProxies:  cfg.TrustedProxies,
		mux:             http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     newOriginChecker(cfg.AllowedOrigins),
		},
		connectLimiter: connectLimiter,
		eventsLimiter:  eventsLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler. The request log recorder passes
// hijacks through, so the socket upgrade works behind the full chain.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("messaging", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWS)

	// rooms & history (user auth required)
	s.mux.Handle("/api/rooms", s.withUser(s.handleRooms))
	s.mux.Handle("/api/rooms/direct", s.withUser(s.handleDirectRoom))
	s.mux.Handle("/api/rooms/job", s.withUser(s.handleJobRoom))
	s.mux.Handle("/api/rooms/", s.withUser(s.handleRoomByID))

	// notification catch-up
	s.mux.Handle("/api/notifications", s.withUser(s.handleNotifications))
	s.mux.Handle("/api/notifications/read", s.withUser(s.handleNotificationsRead))

	// service-to-service publish
	s.mux.HandleFunc("/internal/events", s.handlePublishEvent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "api.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			s.audit(r, "api.authorize", "fail", "reason", "invalid_signature_or_claims")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

// writeAppError translates application sentinels into HTTP statuses. The
// mapping mirrors the socket error codes so both surfaces agree on outcomes.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrAccessDenied):
		writeError(w, http.StatusForbidden, app.ErrAccessDenied.Error())
	case errors.Is(err, app.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, app.ErrRoomNotFound.Error())
	case errors.Is(err, app.ErrRoomInactive):
		writeError(w, http.StatusConflict, app.ErrRoomInactive.Error())
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "method", r.Method, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

// audit emits a structured security event and feeds the alert counters.
// Threshold breaches surface as a second, louder log line.
func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.trustedProxies)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		s.logger.Info("security_event", logAttrs...)
		return
	}
	s.logger.Warn("security_event", logAttrs...)
	result, err := s.alerter.Observe(event, outcome, ip)
	if err != nil {
		s.logger.Warn("alert counter unavailable", "event", event, "error", err)
		return
	}
	if result.Triggered {
		s.logger.Warn("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
