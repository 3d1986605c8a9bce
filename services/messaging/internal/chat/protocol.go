package chat

import (
	"encoding/json"
	"fmt"
	"time"

	"gigwire/pkg/domain"
)

// Inbound frame types (client → server).
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSend        = "send"
	FrameMarkRead    = "mark_read"
	FrameTyping      = "typing"
	FrameStopTyping  = "stop_typing"
	FrameListRooms   = "list_rooms"
	FrameHeartbeat   = "heartbeat"
)

// Outbound frame types (server → client).
const (
	FrameConnected       = "connected"
	FrameSubscribed      = "subscribed"
	FrameNewMessage      = "new_message"
	FrameReadReceipt     = "read_receipt"
	FrameRoomList        = "room_list"
	FrameRoomUpdated     = "room_updated"
	FrameError           = "error"
	FrameHeartbeatAck    = "heartbeat_ack"
	FrameNewNotification = "new_notification"
	// typing/stop_typing are reused verbatim in the outbound direction.
)

// Error frame codes.
const (
	ErrCodeAccessDenied = "access_denied"
	ErrCodeValidation   = "validation_error"
	ErrCodeUnknownType  = "unknown_type"
	ErrCodeMalformed    = "malformed_payload"
	ErrCodeInternal     = "internal_error"
)

// Frame is the inbound envelope. Payload shape depends on Type.
type Frame struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SendPayload carries the body of a send frame.
type SendPayload struct {
	Content       string `json:"content"`
	ContentType   string `json:"content_type,omitempty"`
	ReplyToID     string `json:"reply_to_id,omitempty"`
	AttachmentKey string `json:"attachment_key,omitempty"`
}

// MarkReadPayload restricts a mark_read frame to specific messages.
// Empty means every unread message in the room.
type MarkReadPayload struct {
	MessageIDs []string `json:"message_ids,omitempty"`
}

// Envelope is the outbound frame wrapper.
type Envelope struct {
	Type    string    `json:"type"`
	TS      time.Time `json:"ts"`
	Payload any       `json:"payload,omitempty"`
}

// ConnectedPayload acknowledges a successful connect.
type ConnectedPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// SubscribedPayload acknowledges a subscribe frame.
type SubscribedPayload struct {
	RoomID string `json:"room_id"`
}

// RoomUpdatedPayload signals that a room's membership or lifecycle state
// changed from this client's point of view (unsubscribe ack, activity in a
// room the client is not subscribed to, or room deactivation).
type RoomUpdatedPayload struct {
	RoomID     string `json:"room_id"`
	Subscribed bool   `json:"subscribed"`
	Active     bool   `json:"active"`
}

// TypingPayload carries typing/stop_typing broadcasts.
type TypingPayload struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// ReadReceiptPayload broadcasts which messages a reader consumed.
type ReadReceiptPayload struct {
	RoomID     string   `json:"room_id"`
	ReaderID   string   `json:"reader_id"`
	MessageIDs []string `json:"message_ids"`
}

// RoomListPayload answers a list_rooms frame.
type RoomListPayload struct {
	Rooms []domain.RoomSummary `json:"rooms"`
}

// ErrorPayload is the typed error frame body.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode serializes an outbound frame with the current timestamp. Frames are
// encoded once and the same bytes fan out to every recipient.
func Encode(frameType string, payload any) ([]byte, error) {
	data, err := json.Marshal(Envelope{
		Type:    frameType,
		TS:      time.Now().UTC(),
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", frameType, err)
	}
	return data, nil
}
