package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"gigwire/internal/servicetoken"
	"gigwire/pkg/bus"

	"github.com/google/uuid"
)

// POST /internal/events
//
// Publish path for domain services that cannot speak AMQP directly. Topic and
// type compose the routing key ("bids" + "placed" -> "bids.placed"); the rest
// of the body mirrors the bus envelope.
func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.eventsLimiter, "too many publish requests") {
		s.audit(r, "events.publish", "rate_limited")
		return
	}
	token, ok := servicetoken.BearerToken(r)
	if !ok {
		s.audit(r, "events.publish", "fail", "reason", "missing_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	claims, err := s.serviceVerifier.Verify(token)
	if err != nil {
		s.audit(r, "events.publish", "fail", "reason", "invalid_service_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req publishEventRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Topic = strings.TrimSpace(req.Topic)
	req.Type = strings.TrimSpace(req.Type)
	if req.Topic == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "topic and type are required")
		return
	}
	if strings.TrimSpace(req.Entity.Kind) == "" || strings.TrimSpace(req.Entity.ID) == "" {
		writeError(w, http.StatusBadRequest, "entity kind and id are required")
		return
	}

	event := bus.Event{
		ID:           uuid.NewString(),
		Type:         req.Topic + "." + req.Type,
		ActorID:      strings.TrimSpace(req.ActorID),
		EntityKind:   strings.TrimSpace(req.Entity.Kind),
		EntityID:     strings.TrimSpace(req.Entity.ID),
		TargetUserID: strings.TrimSpace(req.TargetUserID),
		Payload:      req.Payload,
	}
	if err := s.bus.Publish(r.Context(), event); err != nil {
		s.audit(r, "events.publish", "fail", "reason", "bus_unavailable")
		s.logger.Error("publish event", "type", event.Type, "error", err)
		writeError(w, http.StatusBadGateway, "event bus unavailable")
		return
	}
	s.audit(r, "events.publish", "success", "issuer", claims.Issuer, "type", event.Type)
	writeJSON(w, http.StatusAccepted, map[string]string{"event_id": event.ID})
}

type publishEventRequest struct {
	Topic        string          `json:"topic"`
	Type         string          `json:"type"`
	Entity       eventEntity     `json:"entity"`
	ActorID      string          `json:"actor_id,omitempty"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type eventEntity struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}
