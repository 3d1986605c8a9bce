package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gigwire/services/messaging/internal/chat"
)

// HandleFrame routes one inbound frame. Per-frame failures answer with a
// typed error frame and leave the connection open; only the transport layer
// ever closes a socket.
func (a *App) HandleFrame(ctx context.Context, sess *chat.Session, frame chat.Frame) {
	userID := sess.UserID()
	switch frame.Type {
	case chat.FrameHeartbeat:
		a.sendFrame(userID, chat.FrameHeartbeatAck, nil)

	case chat.FrameSubscribe:
		room, err := a.authorizeRoom(frame.RoomID, userID)
		if err != nil {
			a.sendFrameError(userID, frame.Type, err)
			return
		}
		a.registry.Subscribe(room.ID, sess)
		a.sendFrame(userID, chat.FrameSubscribed, chat.SubscribedPayload{RoomID: room.ID})

	case chat.FrameUnsubscribe:
		room, err := a.authorizeRoom(frame.RoomID, userID)
		if err != nil {
			a.sendFrameError(userID, frame.Type, err)
			return
		}
		a.registry.Unsubscribe(room.ID, sess)
		a.sendFrame(userID, chat.FrameRoomUpdated, chat.RoomUpdatedPayload{
			RoomID:     room.ID,
			Subscribed: false,
			Active:     room.IsActive,
		})

	case chat.FrameSend:
		var payload chat.SendPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			a.sendFrameError(userID, frame.Type, fmt.Errorf("%w: send payload is not valid JSON", ErrValidation))
			return
		}
		// The broadcast echoes back to the sender; no separate ack.
		if _, err := a.SendMessage(ctx, userID, frame.RoomID, SendInput{
			Content:       payload.Content,
			ContentType:   payload.ContentType,
			ReplyToID:     payload.ReplyToID,
			AttachmentKey: payload.AttachmentKey,
		}); err != nil {
			a.sendFrameError(userID, frame.Type, err)
		}

	case chat.FrameMarkRead:
		var payload chat.MarkReadPayload
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				a.sendFrameError(userID, frame.Type, fmt.Errorf("%w: mark_read payload is not valid JSON", ErrValidation))
				return
			}
		}
		if _, err := a.MarkRead(ctx, userID, frame.RoomID, payload.MessageIDs); err != nil {
			a.sendFrameError(userID, frame.Type, err)
		}

	case chat.FrameTyping:
		room, err := a.authorizeRoom(frame.RoomID, userID)
		if err != nil {
			a.sendFrameError(userID, frame.Type, err)
			return
		}
		if err := a.typing.Start(ctx, room.ID, userID); err != nil {
			a.logger.Error("start typing", "roomID", room.ID, "userID", userID, "error", err)
			a.sendFrameError(userID, frame.Type, err)
		}

	case chat.FrameStopTyping:
		room, err := a.authorizeRoom(frame.RoomID, userID)
		if err != nil {
			a.sendFrameError(userID, frame.Type, err)
			return
		}
		if err := a.typing.Stop(ctx, room.ID, userID); err != nil {
			a.logger.Error("stop typing", "roomID", room.ID, "userID", userID, "error", err)
			a.sendFrameError(userID, frame.Type, err)
		}

	case chat.FrameListRooms:
		rooms, err := a.ListRooms(userID)
		if err != nil {
			a.sendFrameError(userID, frame.Type, err)
			return
		}
		a.sendFrame(userID, chat.FrameRoomList, chat.RoomListPayload{Rooms: rooms})

	default:
		a.sendFrame(userID, chat.FrameError, chat.ErrorPayload{
			Code:    chat.ErrCodeUnknownType,
			Message: fmt.Sprintf("unknown frame type %q", frame.Type),
		})
	}
}

// HandleDisconnect releases the session's registry entries and clears its
// typing indicators so peers see stop_typing promptly instead of waiting
// out the expiry window.
func (a *App) HandleDisconnect(_ context.Context, sess *chat.Session) {
	rooms := a.registry.Rooms(sess.ID())
	a.registry.Unregister(sess)

	// The parent context may already be gone; cleanup gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for _, roomID := range rooms {
		if err := a.typing.Stop(ctx, roomID, sess.UserID()); err != nil {
			a.logger.Warn("clear typing on disconnect", "roomID", roomID, "userID", sess.UserID(), "error", err)
		}
	}
}

func (a *App) sendFrame(userID, frameType string, payload any) {
	frame, err := chat.Encode(frameType, payload)
	if err != nil {
		a.logger.Error("encode frame", "type", frameType, "error", err)
		return
	}
	a.registry.SendToUser(userID, frame)
}

func (a *App) sendFrameError(userID, frameType string, err error) {
	code := chat.ErrCodeInternal
	message := "internal error"
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrRoomInactive):
		code = chat.ErrCodeValidation
		message = err.Error()
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrRoomNotFound):
		// Room existence is not revealed to non-participants.
		code = chat.ErrCodeAccessDenied
		message = ErrAccessDenied.Error()
	default:
		a.logger.Error("frame failed", "type", frameType, "userID", userID, "error", err)
	}
	a.sendFrame(userID, chat.FrameError, chat.ErrorPayload{Code: code, Message: message})
}
