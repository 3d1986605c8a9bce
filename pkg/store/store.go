package store

import (
	"time"

	"gigwire/pkg/domain"
)

// Store defines persistence operations for rooms, messages, and notifications.
type Store interface {
	// rooms
	EnsureRoom(room domain.Room, memberIDs []string) (domain.Room, bool, error)
	GetRoom(id string) (domain.Room, bool, error)
	GetJobRoom(jobID, counterpartID string) (domain.Room, bool, error)
	ListRoomsByUser(userID string) ([]domain.RoomSummary, error)
	DeactivateJobRooms(jobID string) ([]domain.Room, error)
	IsParticipant(roomID, userID string) (bool, error)
	ListParticipants(roomID string) ([]domain.Participant, error)

	// messages
	AppendMessage(msg domain.Message) error
	GetMessage(id string) (domain.Message, bool, error)
	ListMessagesBefore(roomID, beforeID string, limit int) ([]domain.Message, error)
	MarkMessagesRead(roomID, readerID string, messageIDs []string) (readIDs []string, remaining int, err error)

	// notifications
	SaveNotification(n domain.Notification) error
	MarkNotificationDelivered(id string, deliveredAt time.Time) error
	ListNotifications(recipientID string, unreadOnly bool, beforeID string, limit int) ([]domain.Notification, error)
	MarkNotificationsRead(recipientID string, ids []string) (int, error)
	CountUnreadNotifications(recipientID string) (int, error)
}
