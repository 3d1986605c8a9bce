package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gigwire/pkg/domain"
	"gigwire/services/messaging/internal/chat"

	"github.com/google/uuid"
)

// SendInput carries the caller-controlled fields of a send frame.
type SendInput struct {
	Content       string
	ContentType   string
	ReplyToID     string
	AttachmentKey string
}

// SendMessage validates, persists, and fans out one message. Persist and
// broadcast happen under the room's send lock so every subscribed session
// observes messages in persisted order. The sender receives the broadcast
// too; it doubles as the success echo.
func (a *App) SendMessage(ctx context.Context, senderID, roomID string, in SendInput) (domain.Message, error) {
	content := strings.TrimSpace(in.Content)
	attachmentKey := strings.TrimSpace(in.AttachmentKey)
	if content == "" && attachmentKey == "" {
		return domain.Message{}, fmt.Errorf("%w: content required", ErrValidation)
	}
	contentType, err := resolveContentType(in.ContentType, attachmentKey)
	if err != nil {
		return domain.Message{}, err
	}

	room, err := a.authorizeRoom(roomID, senderID)
	if err != nil {
		return domain.Message{}, err
	}
	if !room.IsActive {
		return domain.Message{}, ErrRoomInactive
	}
	if attachmentKey != "" && !strings.HasPrefix(attachmentKey, room.ID+"/") {
		return domain.Message{}, fmt.Errorf("%w: attachment does not belong to this room", ErrValidation)
	}
	replyToID := strings.TrimSpace(in.ReplyToID)
	if replyToID != "" {
		parent, ok, err := a.store.GetMessage(replyToID)
		if err != nil {
			return domain.Message{}, fmt.Errorf("load reply target: %w", err)
		}
		if !ok || parent.RoomID != room.ID {
			return domain.Message{}, fmt.Errorf("%w: reply target not in this room", ErrValidation)
		}
	}

	msg := domain.Message{
		ID:            uuid.NewString(),
		RoomID:        room.ID,
		SenderID:      senderID,
		ContentType:   contentType,
		Body:          content,
		AttachmentKey: attachmentKey,
		ReplyToID:     replyToID,
		CreatedAt:     time.Now().UTC(),
	}
	if attachmentKey != "" {
		url, err := a.objects.PresignGet(ctx, attachmentKey, a.attachmentURLTTL)
		if err != nil {
			a.logger.Error("presign attachment for broadcast", "roomID", room.ID, "key", attachmentKey, "error", err)
		} else {
			msg.AttachmentURL = url
		}
	}
	participants, err := a.store.ListParticipants(room.ID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("load participants: %w", err)
	}
	frame, err := chat.Encode(chat.FrameNewMessage, msg)
	if err != nil {
		return domain.Message{}, err
	}

	lock := a.roomLock(room.ID)
	lock.Lock()
	if err := a.store.AppendMessage(msg); err != nil {
		lock.Unlock()
		return domain.Message{}, fmt.Errorf("append message: %w", err)
	}
	a.registry.Broadcast(room.ID, frame, "")
	lock.Unlock()

	// Participants who are connected but not watching this room get a cheap
	// room-list refresh signal instead of the full message.
	a.pushRoomUpdated(room, participants, senderID)

	if err := a.typing.Stop(ctx, room.ID, senderID); err != nil {
		a.logger.Warn("clear typing on send", "roomID", room.ID, "userID", senderID, "error", err)
	}
	return msg, nil
}

// MarkRead flips unread messages in the room (optionally restricted to ids)
// and broadcasts a read receipt. The receipt echoes back to the reader as
// the ack; when nothing was unread only the reader hears it.
func (a *App) MarkRead(ctx context.Context, readerID, roomID string, messageIDs []string) ([]string, error) {
	room, err := a.authorizeRoom(roomID, readerID)
	if err != nil {
		return nil, err
	}
	readIDs, _, err := a.store.MarkMessagesRead(room.ID, readerID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("mark messages read: %w", err)
	}
	frame, err := chat.Encode(chat.FrameReadReceipt, chat.ReadReceiptPayload{
		RoomID:     room.ID,
		ReaderID:   readerID,
		MessageIDs: readIDs,
	})
	if err != nil {
		return nil, err
	}
	if len(readIDs) > 0 {
		a.registry.Broadcast(room.ID, frame, "")
	} else {
		a.registry.SendToUser(readerID, frame)
	}
	return readIDs, nil
}

// History returns messages before the given cursor, newest first, with
// attachment URLs presigned for this fetch.
func (a *App) History(ctx context.Context, callerID, roomID, beforeID string, limit int) ([]domain.Message, error) {
	room, err := a.authorizeRoom(roomID, callerID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	messages, err := a.store.ListMessagesBefore(room.ID, strings.TrimSpace(beforeID), limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i := range messages {
		if messages[i].AttachmentKey == "" {
			continue
		}
		url, err := a.objects.PresignGet(ctx, messages[i].AttachmentKey, a.attachmentURLTTL)
		if err != nil {
			a.logger.Error("presign attachment for history", "roomID", room.ID, "key", messages[i].AttachmentKey, "error", err)
			continue
		}
		messages[i].AttachmentURL = url
	}
	return messages, nil
}

func (a *App) pushRoomUpdated(room domain.Room, participants []domain.Participant, exceptUserID string) {
	for _, p := range participants {
		if p.UserID == exceptUserID || a.registry.IsSubscribed(room.ID, p.UserID) {
			continue
		}
		frame, err := chat.Encode(chat.FrameRoomUpdated, chat.RoomUpdatedPayload{
			RoomID:     room.ID,
			Subscribed: false,
			Active:     room.IsActive,
		})
		if err != nil {
			return
		}
		a.registry.SendToUser(p.UserID, frame)
	}
}

func resolveContentType(raw, attachmentKey string) (domain.ContentType, error) {
	switch domain.ContentType(strings.TrimSpace(raw)) {
	case "":
		if attachmentKey != "" {
			return domain.ContentFile, nil
		}
		return domain.ContentText, nil
	case domain.ContentText:
		return domain.ContentText, nil
	case domain.ContentImage:
		return domain.ContentImage, nil
	case domain.ContentFile:
		return domain.ContentFile, nil
	default:
		return "", fmt.Errorf("%w: unsupported content type %q", ErrValidation, raw)
	}
}
