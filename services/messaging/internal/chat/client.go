package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 16 << 10
	sendBuffer     = 256
)

// Application close codes (the 4000-4999 range is reserved for applications).
const (
	// CodeAuthRequired rejects a connection with missing or invalid credentials.
	CodeAuthRequired = 4401
	// CodeSuperseded evicts a session replaced by a newer connection from the
	// same user.
	CodeSuperseded = 4409
)

var (
	errSessionClosed  = errors.New("session closed")
	errSendBufferFull = errors.New("send buffer full")
)

// FrameHandler routes inbound frames and disconnects to the application.
type FrameHandler interface {
	HandleFrame(ctx context.Context, sess *Session, frame Frame)
	HandleDisconnect(ctx context.Context, sess *Session)
}

// Session is one live authenticated connection. Outbound frames go through a
// buffered channel drained by the write pump; inbound frames are handled
// sequentially by the read pump, so per-connection frame order is preserved.
type Session struct {
	id     string
	userID string

	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

// NewSession wraps an upgraded connection for the given user.
func NewSession(conn *websocket.Conn, userID string) *Session {
	return &Session{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// ID returns the unique session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user this session belongs to.
func (s *Session) UserID() string { return s.userID }

// Send encodes an outbound frame and enqueues it for delivery.
func (s *Session) Send(frameType string, payload any) error {
	frame, err := Encode(frameType, payload)
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

// SendError emits a typed error frame. The connection stays open.
func (s *Session) SendError(code, message string) {
	_ = s.Send(FrameError, ErrorPayload{Code: code, Message: message})
}

// enqueue hands a pre-encoded frame to the write pump without blocking. A
// saturated buffer closes the session so fan-out to other sessions never
// stalls behind a slow client.
func (s *Session) enqueue(frame []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	case s.send <- frame:
		return nil
	default:
		s.Close(websocket.CloseGoingAway, "send buffer full")
		return errSendBufferFull
	}
}

// Close terminates the session exactly once, sending a close frame with the
// given code when the transport is still writable.
func (s *Session) Close(code int, reason string) {
	s.once.Do(func() {
		close(s.done)
		if s.conn == nil {
			return
		}
		deadline := time.Now().Add(writeWait)
		_ = s.conn.SetWriteDeadline(deadline)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = s.conn.Close()
	})
}

// Run drives the session until the connection drops: it starts the write
// pump, watches ctx for cancellation, and runs the read pump inline. The
// disconnect callback fires exactly once, after the read pump exits.
func (s *Session) Run(ctx context.Context, handler FrameHandler, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	go s.writePump()
	go func() {
		select {
		case <-ctx.Done():
			s.Close(websocket.CloseGoingAway, "server shutting down")
		case <-s.done:
		}
	}()

	s.readPump(ctx, handler, logger)
	handler.HandleDisconnect(ctx, s)
}

func (s *Session) readPump(ctx context.Context, handler FrameHandler, logger *slog.Logger) {
	defer s.Close(websocket.CloseNormalClosure, "")

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("session read ended", "userID", s.userID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			s.Close(websocket.CloseUnsupportedData, "binary frames are not supported")
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.SendError(ErrCodeMalformed, "frame is not valid JSON")
			continue
		}
		handler.HandleFrame(ctx, s, frame)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.Close(websocket.CloseAbnormalClosure, "write failure")

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
