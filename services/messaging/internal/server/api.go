package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// maxUploadBytes is the transport-level cap on attachment uploads. The
// per-message attachment limit is enforced in the application layer.
const maxUploadBytes = 64 << 20

// GET /api/rooms
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rooms, err := s.app.ListRooms(userID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": rooms,
		"count": len(rooms),
	})
}

// POST /api/rooms/direct
func (s *Server) handleDirectRoom(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req directRoomRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	room, err := s.app.EnsureDirectRoom(r.Context(), userID, req.PeerUserID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// POST /api/rooms/job
func (s *Server) handleJobRoom(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req jobRoomRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	room, err := s.app.EnsureJobRoom(r.Context(), userID, req.JobID, req.CounterpartID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

// /api/rooms/{id}/messages or /api/rooms/{id}/attachments
func (s *Server) handleRoomByID(w http.ResponseWriter, r *http.Request, userID string) {
	path := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	parts := strings.SplitN(path, "/", 2)
	if parts[0] == "" || len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	switch parts[1] {
	case "messages":
		s.handleRoomMessages(w, r, userID, parts[0])
	case "attachments":
		s.handleRoomAttachments(w, r, userID, parts[0])
	default:
		http.NotFound(w, r)
	}
}

// handleRoomMessages serves history, newest first, with keyset pagination via
// the before parameter.
func (s *Server) handleRoomMessages(w http.ResponseWriter, r *http.Request, userID, roomID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		limit = n
	}
	messages, err := s.app.History(r.Context(), userID, roomID, query.Get("before"), limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": messages,
		"count": len(messages),
	})
}

func (s *Server) handleRoomAttachments(w http.ResponseWriter, r *http.Request, userID, roomID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	attachment, err := s.app.UploadAttachment(r.Context(), userID, roomID, header.Filename, header.Header.Get("Content-Type"), header.Size, file)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, attachment)
}

// GET /api/notifications
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	query := r.URL.Query()
	unreadOnly := false
	if raw := query.Get("unread_only"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unread_only must be a boolean")
			return
		}
		unreadOnly = parsed
	}
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be a number")
			return
		}
		limit = n
	}
	notifications, unreadCount, err := s.app.ListNotifications(userID, unreadOnly, query.Get("before"), limit)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"unreadCount":   unreadCount,
	})
}

// POST /api/notifications/read
func (s *Server) handleNotificationsRead(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req markNotificationsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	updated, err := s.app.MarkNotificationsRead(userID, req.IDs)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

type directRoomRequest struct {
	PeerUserID string `json:"peer_user_id"`
}

type jobRoomRequest struct {
	JobID         string `json:"job_id"`
	CounterpartID string `json:"counterpart_id,omitempty"`
}

type markNotificationsRequest struct {
	IDs []string `json:"ids"`
}
