package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"
	"unicode/utf8"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"gigwire/pkg/domain"
)

const migrateLockID int64 = 84218421

const snippetMaxLen = 120

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent replicas don't race each other.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreWithDB wraps an already-open connection and migrates without
// the Postgres advisory lock. Tests use this with sqlite.
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&RoomModel{}, &ParticipantModel{}, &MessageModel{}, &NotificationModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// EnsureRoom inserts the room and its participant rows, or returns the
// existing room when its natural key (pair_key / job+counterpart) already
// exists. Concurrent creation races collapse onto the unique index.
func (s *GormStore) EnsureRoom(room domain.Room, memberIDs []string) (domain.Room, bool, error) {
	model := roomToModel(room)
	created := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			existing, ok, err := s.findRoomByKey(tx, room)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("room insert conflicted but no row found for key")
			}
			model = existing
			return nil
		}
		created = true
		rows := make([]ParticipantModel, 0, len(memberIDs))
		for _, userID := range memberIDs {
			rows = append(rows, ParticipantModel{
				ID:        room.ID + ":" + userID,
				RoomID:    room.ID,
				UserID:    userID,
				CreatedAt: room.CreatedAt,
			})
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return domain.Room{}, false, err
	}
	return roomFromModel(model), created, nil
}

func (s *GormStore) findRoomByKey(tx *gorm.DB, room domain.Room) (RoomModel, bool, error) {
	var model RoomModel
	query := tx
	switch room.Kind {
	case domain.RoomDirect:
		query = query.Where("pair_key = ?", room.PairKey)
	case domain.RoomJob:
		query = query.Where("job_id = ? AND counterpart_id = ?", room.JobID, room.CounterpartID)
	default:
		return RoomModel{}, false, fmt.Errorf("unknown room kind %q", room.Kind)
	}
	if err := query.First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return RoomModel{}, false, nil
		}
		return RoomModel{}, false, err
	}
	return model, true, nil
}

// GetRoom retrieves a room.
func (s *GormStore) GetRoom(id string) (domain.Room, bool, error) {
	var model RoomModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Room{}, false, nil
		}
		return domain.Room{}, false, err
	}
	return roomFromModel(model), true, nil
}

// GetJobRoom looks up the job-scoped room for a specific counterpart without
// creating it.
func (s *GormStore) GetJobRoom(jobID, counterpartID string) (domain.Room, bool, error) {
	model, ok, err := s.findRoomByKey(s.db, domain.Room{Kind: domain.RoomJob, JobID: jobID, CounterpartID: counterpartID})
	if err != nil || !ok {
		return domain.Room{}, false, err
	}
	return roomFromModel(model), true, nil
}

// ListRoomsByUser returns the caller's rooms newest-activity first, each with
// the caller's unread count and the other participant's id.
func (s *GormStore) ListRoomsByUser(userID string) ([]domain.RoomSummary, error) {
	var mine []ParticipantModel
	if err := s.db.Where("user_id = ?", userID).Find(&mine).Error; err != nil {
		return nil, err
	}
	if len(mine) == 0 {
		return []domain.RoomSummary{}, nil
	}
	roomIDs := make([]string, 0, len(mine))
	unread := make(map[string]int, len(mine))
	for _, p := range mine {
		roomIDs = append(roomIDs, p.RoomID)
		unread[p.RoomID] = p.UnreadCount
	}
	var rooms []RoomModel
	if err := s.db.Where("id IN ?", roomIDs).
		Order("last_message_at DESC NULLS LAST").
		Order("updated_at DESC").
		Find(&rooms).Error; err != nil {
		return nil, err
	}
	var peers []ParticipantModel
	if err := s.db.Where("room_id IN ? AND user_id <> ?", roomIDs, userID).Find(&peers).Error; err != nil {
		return nil, err
	}
	peerByRoom := make(map[string]string, len(peers))
	for _, p := range peers {
		peerByRoom[p.RoomID] = p.UserID
	}
	res := make([]domain.RoomSummary, 0, len(rooms))
	for _, m := range rooms {
		res = append(res, domain.RoomSummary{
			Room:        roomFromModel(m),
			PeerID:      peerByRoom[m.ID],
			UnreadCount: unread[m.ID],
		})
	}
	return res, nil
}

// DeactivateJobRooms flags every room of a job inactive and returns the
// affected rooms so callers can push updates to live sessions.
func (s *GormStore) DeactivateJobRooms(jobID string) ([]domain.Room, error) {
	var models []RoomModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ? AND is_active = ?", jobID, true).Find(&models).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		ids := make([]string, 0, len(models))
		for _, m := range models {
			ids = append(ids, m.ID)
		}
		return tx.Model(&RoomModel{}).Where("id IN ?", ids).
			Updates(map[string]any{
				"is_active":  false,
				"updated_at": time.Now().UTC(),
			}).Error
	})
	if err != nil {
		return nil, err
	}
	rooms := make([]domain.Room, 0, len(models))
	for _, m := range models {
		r := roomFromModel(m)
		r.IsActive = false
		rooms = append(rooms, r)
	}
	return rooms, nil
}

// IsParticipant checks room membership.
func (s *GormStore) IsParticipant(roomID, userID string) (bool, error) {
	var count int64
	if err := s.db.Model(&ParticipantModel{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListParticipants returns all participant rows of a room.
func (s *GormStore) ListParticipants(roomID string) ([]domain.Participant, error) {
	var models []ParticipantModel
	if err := s.db.Where("room_id = ?", roomID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Participant, 0, len(models))
	for _, m := range models {
		res = append(res, participantFromModel(m))
	}
	return res, nil
}

// AppendMessage persists a message and, in the same transaction, refreshes
// the room's last-message fields and bumps every other participant's unread
// counter.
func (s *GormStore) AppendMessage(msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if err := tx.Model(&RoomModel{}).Where("id = ?", msg.RoomID).
			Updates(map[string]any{
				"last_message_snippet": snippetFor(msg),
				"last_message_at":      msg.CreatedAt,
				"updated_at":           time.Now().UTC(),
			}).Error; err != nil {
			return err
		}
		return tx.Model(&ParticipantModel{}).
			Where("room_id = ? AND user_id <> ?", msg.RoomID, msg.SenderID).
			UpdateColumn("unread_count", gorm.Expr("unread_count + ?", 1)).Error
	})
}

// GetMessage retrieves a message.
func (s *GormStore) GetMessage(id string) (domain.Message, bool, error) {
	var model MessageModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Message{}, false, nil
		}
		return domain.Message{}, false, err
	}
	return messageFromModel(model), true, nil
}

// ListMessagesBefore returns up to limit messages of a room newest first,
// strictly older than beforeID when given (keyset pagination).
func (s *GormStore) ListMessagesBefore(roomID, beforeID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	query := s.db.Where("room_id = ?", roomID)
	if beforeID != "" {
		var cursor MessageModel
		if err := s.db.First(&cursor, "id = ?", beforeID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return []domain.Message{}, nil
			}
			return nil, err
		}
		query = query.Where(
			"(created_at < ? OR (created_at = ? AND id < ?))",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
		)
	}
	var models []MessageModel
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for _, m := range models {
		msgs = append(msgs, messageFromModel(m))
	}
	return msgs, nil
}

// MarkMessagesRead flips unread messages addressed to the reader (optionally
// restricted to messageIDs), then resets the reader's unread counter from a
// recount of what is still unread. Returns the ids affected and the counter.
func (s *GormStore) MarkMessagesRead(roomID, readerID string, messageIDs []string) ([]string, int, error) {
	var readIDs []string
	var remaining int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&MessageModel{}).
			Where("room_id = ? AND sender_id <> ? AND is_read = ?", roomID, readerID, false)
		if len(messageIDs) > 0 {
			query = query.Where("id IN ?", messageIDs)
		}
		if err := query.Pluck("id", &readIDs).Error; err != nil {
			return err
		}
		if len(readIDs) > 0 {
			if err := tx.Model(&MessageModel{}).Where("id IN ?", readIDs).
				Update("is_read", true).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&MessageModel{}).
			Where("room_id = ? AND sender_id <> ? AND is_read = ?", roomID, readerID, false).
			Count(&remaining).Error; err != nil {
			return err
		}
		return tx.Model(&ParticipantModel{}).
			Where("room_id = ? AND user_id = ?", roomID, readerID).
			Updates(map[string]any{
				"unread_count": remaining,
				"last_read_at": time.Now().UTC(),
			}).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return readIDs, int(remaining), nil
}

// SaveNotification records a notification.
func (s *GormStore) SaveNotification(n domain.Notification) error {
	model := notificationToModel(n)
	return s.db.Create(&model).Error
}

// MarkNotificationDelivered stamps the live-push time once.
func (s *GormStore) MarkNotificationDelivered(id string, deliveredAt time.Time) error {
	return s.db.Model(&NotificationModel{}).
		Where("id = ? AND delivered_at IS NULL", id).
		Update("delivered_at", deliveredAt.UTC()).Error
}

// ListNotifications returns a recipient's notifications newest first, keyset
// paginated by beforeID, optionally unread only.
func (s *GormStore) ListNotifications(recipientID string, unreadOnly bool, beforeID string, limit int) ([]domain.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := s.db.Where("recipient_id = ?", recipientID)
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}
	if beforeID != "" {
		var cursor NotificationModel
		if err := s.db.First(&cursor, "id = ?", beforeID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return []domain.Notification{}, nil
			}
			return nil, err
		}
		query = query.Where(
			"(created_at < ? OR (created_at = ? AND id < ?))",
			cursor.CreatedAt, cursor.CreatedAt, cursor.ID,
		)
	}
	var models []NotificationModel
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Notification, 0, len(models))
	for _, m := range models {
		res = append(res, notificationFromModel(m))
	}
	return res, nil
}

// MarkNotificationsRead marks the given notifications read for the recipient
// and reports how many rows actually flipped.
func (s *GormStore) MarkNotificationsRead(recipientID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.Model(&NotificationModel{}).
		Where("recipient_id = ? AND id IN ? AND is_read = ?", recipientID, ids, false).
		Updates(map[string]any{
			"is_read": true,
			"read_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// CountUnreadNotifications returns the recipient's unread notification count.
func (s *GormStore) CountUnreadNotifications(recipientID string) (int, error) {
	var count int64
	if err := s.db.Model(&NotificationModel{}).
		Where("recipient_id = ? AND is_read = ?", recipientID, false).
		Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func snippetFor(msg domain.Message) string {
	switch msg.ContentType {
	case domain.ContentImage:
		return "[image]"
	case domain.ContentFile:
		return "[file]"
	}
	body := msg.Body
	if utf8.RuneCountInString(body) <= snippetMaxLen {
		return body
	}
	runes := []rune(body)
	return string(runes[:snippetMaxLen])
}

func roomToModel(r domain.Room) RoomModel {
	return RoomModel{
		ID:                 r.ID,
		Kind:               string(r.Kind),
		JobID:              optString(r.JobID),
		CounterpartID:      optString(r.CounterpartID),
		PairKey:            optString(r.PairKey),
		LastMessageSnippet: r.LastMessageSnippet,
		LastMessageAt:      r.LastMessageAt,
		IsActive:           r.IsActive,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func roomFromModel(m RoomModel) domain.Room {
	return domain.Room{
		ID:                 m.ID,
		Kind:               domain.RoomKind(m.Kind),
		JobID:              strOrEmpty(m.JobID),
		CounterpartID:      strOrEmpty(m.CounterpartID),
		PairKey:            strOrEmpty(m.PairKey),
		LastMessageSnippet: m.LastMessageSnippet,
		LastMessageAt:      m.LastMessageAt,
		IsActive:           m.IsActive,
		CreatedAt:          m.CreatedAt,
		UpdatedAt:          m.UpdatedAt,
	}
}

func participantFromModel(m ParticipantModel) domain.Participant {
	return domain.Participant{
		RoomID:      m.RoomID,
		UserID:      m.UserID,
		UnreadCount: m.UnreadCount,
		LastReadAt:  m.LastReadAt,
		CreatedAt:   m.CreatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:            msg.ID,
		RoomID:        msg.RoomID,
		SenderID:      msg.SenderID,
		ContentType:   string(msg.ContentType),
		Body:          msg.Body,
		AttachmentKey: optString(msg.AttachmentKey),
		ReplyToID:     optString(msg.ReplyToID),
		IsRead:        msg.IsRead,
		EditedAt:      msg.EditedAt,
		CreatedAt:     msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:            m.ID,
		RoomID:        m.RoomID,
		SenderID:      m.SenderID,
		ContentType:   domain.ContentType(m.ContentType),
		Body:          m.Body,
		AttachmentKey: strOrEmpty(m.AttachmentKey),
		ReplyToID:     strOrEmpty(m.ReplyToID),
		IsRead:        m.IsRead,
		EditedAt:      m.EditedAt,
		CreatedAt:     m.CreatedAt,
	}
}

func notificationToModel(n domain.Notification) NotificationModel {
	meta, _ := json.Marshal(n.Metadata)
	return NotificationModel{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		EntityKind:  string(n.EntityKind),
		EntityID:    n.EntityID,
		Type:        string(n.Type),
		Title:       n.Title,
		Body:        n.Body,
		Priority:    string(n.Priority),
		ActionURL:   n.ActionURL,
		Metadata:    meta,
		IsRead:      n.IsRead,
		ReadAt:      n.ReadAt,
		DeliveredAt: n.DeliveredAt,
		CreatedAt:   n.CreatedAt,
	}
}

func notificationFromModel(m NotificationModel) domain.Notification {
	var meta map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &meta)
	}
	return domain.Notification{
		ID:          m.ID,
		RecipientID: m.RecipientID,
		EntityKind:  domain.EntityKind(m.EntityKind),
		EntityID:    m.EntityID,
		Type:        domain.NotificationType(m.Type),
		Title:       m.Title,
		Body:        m.Body,
		Priority:    domain.Priority(m.Priority),
		ActionURL:   m.ActionURL,
		Metadata:    meta,
		IsRead:      m.IsRead,
		ReadAt:      m.ReadAt,
		DeliveredAt: m.DeliveredAt,
		CreatedAt:   m.CreatedAt,
	}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
