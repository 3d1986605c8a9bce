package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type RoomModel struct {
	ID                 string  `gorm:"primaryKey"`
	Kind               string  `gorm:"not null;index"`
	JobID              *string `gorm:"uniqueIndex:idx_job_counterpart"`
	CounterpartID      *string `gorm:"uniqueIndex:idx_job_counterpart"`
	PairKey            *string `gorm:"uniqueIndex"`
	LastMessageSnippet string
	LastMessageAt      *time.Time
	IsActive           bool      `gorm:"not null;default:true"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

type ParticipantModel struct {
	ID          string `gorm:"primaryKey"`
	RoomID      string `gorm:"not null;uniqueIndex:idx_room_user"`
	UserID      string `gorm:"not null;uniqueIndex:idx_room_user;index"`
	UnreadCount int    `gorm:"not null;default:0"`
	LastReadAt  *time.Time
	CreatedAt   time.Time `gorm:"not null"`
}

type MessageModel struct {
	ID            string `gorm:"primaryKey"`
	RoomID        string `gorm:"not null;index:idx_room_created"`
	SenderID      string `gorm:"not null;index"`
	ContentType   string `gorm:"not null"`
	Body          string `gorm:"type:text;not null"`
	AttachmentKey *string
	ReplyToID     *string
	IsRead        bool `gorm:"not null;default:false"`
	EditedAt      *time.Time
	CreatedAt     time.Time `gorm:"not null;index:idx_room_created"`
}

type NotificationModel struct {
	ID          string `gorm:"primaryKey"`
	RecipientID string `gorm:"not null;index:idx_recipient_read_created"`
	EntityKind  string `gorm:"not null"`
	EntityID    string `gorm:"not null;index"`
	Type        string `gorm:"not null"`
	Title       string `gorm:"not null"`
	Body        string `gorm:"type:text"`
	Priority    string `gorm:"not null"`
	ActionURL   string
	Metadata    datatypes.JSON `gorm:"type:jsonb"`
	IsRead      bool           `gorm:"not null;default:false;index:idx_recipient_read_created"`
	ReadAt      *time.Time
	DeliveredAt *time.Time
	CreatedAt   time.Time `gorm:"not null;index:idx_recipient_read_created"`
}
