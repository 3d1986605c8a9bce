package domain

import "time"

type RoomKind string

const (
	RoomDirect RoomKind = "direct-pair"
	RoomJob    RoomKind = "job-scoped"
)

// PairKey is the canonical identity of a direct room between two users,
// independent of who initiated it.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

type ContentType string

const (
	ContentText   ContentType = "text"
	ContentImage  ContentType = "image"
	ContentFile   ContentType = "file"
	ContentSystem ContentType = "system"
)

type Room struct {
	ID                 string     `json:"id"`
	Kind               RoomKind   `json:"kind"`
	JobID              string     `json:"jobId,omitempty"`
	CounterpartID      string     `json:"counterpartId,omitempty"`
	PairKey            string     `json:"-"`
	LastMessageSnippet string     `json:"lastMessageSnippet,omitempty"`
	LastMessageAt      *time.Time `json:"lastMessageAt,omitempty"`
	IsActive           bool       `json:"isActive"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

type RoomSummary struct {
	Room
	PeerID      string `json:"peerId"`
	UnreadCount int    `json:"unreadCount"`
}

type Participant struct {
	RoomID      string     `json:"roomId"`
	UserID      string     `json:"userId"`
	UnreadCount int        `json:"unreadCount"`
	LastReadAt  *time.Time `json:"lastReadAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type Message struct {
	ID            string      `json:"id"`
	RoomID        string      `json:"roomId"`
	SenderID      string      `json:"senderId"`
	ContentType   ContentType `json:"contentType"`
	Body          string      `json:"body"`
	AttachmentKey string      `json:"-"`
	AttachmentURL string      `json:"attachmentUrl,omitempty"`
	ReplyToID     string      `json:"replyToId,omitempty"`
	IsRead        bool        `json:"isRead"`
	EditedAt      *time.Time  `json:"editedAt,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

type EntityKind string

const (
	EntityJob     EntityKind = "job"
	EntityBid     EntityKind = "bid"
	EntityPayment EntityKind = "payment"
	EntityMessage EntityKind = "message"
)

type NotificationType string

const (
	NotifJobPosted      NotificationType = "job_posted"
	NotifBidReceived    NotificationType = "bid_received"
	NotifBidAccepted    NotificationType = "bid_accepted"
	NotifBidRejected    NotificationType = "bid_rejected"
	NotifPaymentSettled NotificationType = "payment_settled"
	NotifJobCompleted   NotificationType = "job_completed"
	NotifJobCancelled   NotificationType = "job_cancelled"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type Notification struct {
	ID          string            `json:"id"`
	RecipientID string            `json:"recipientId"`
	EntityKind  EntityKind        `json:"entityKind"`
	EntityID    string            `json:"entityId"`
	Type        NotificationType  `json:"type"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Priority    Priority          `json:"priority"`
	ActionURL   string            `json:"actionUrl,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	IsRead      bool              `json:"isRead"`
	ReadAt      *time.Time        `json:"readAt,omitempty"`
	DeliveredAt *time.Time        `json:"deliveredAt,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}
