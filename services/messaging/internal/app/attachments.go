package app

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Attachment is the result of an upload: the storage key to reference in a
// later send frame plus a presigned URL for immediate preview.
type Attachment struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// UploadAttachment stores a file under the room's key prefix. The key must
// then be attached to a message via send; uploads themselves are invisible
// to other participants.
func (a *App) UploadAttachment(ctx context.Context, callerID, roomID, filename, contentType string, size int64, r io.Reader) (Attachment, error) {
	room, err := a.authorizeRoom(roomID, callerID)
	if err != nil {
		return Attachment{}, err
	}
	if !room.IsActive {
		return Attachment{}, ErrRoomInactive
	}
	if size <= 0 {
		return Attachment{}, fmt.Errorf("%w: attachment is empty", ErrValidation)
	}
	if size > a.maxAttachmentBytes {
		return Attachment{}, fmt.Errorf("%w: attachment exceeds %d bytes", ErrValidation, a.maxAttachmentBytes)
	}
	if strings.TrimSpace(contentType) == "" {
		contentType = "application/octet-stream"
	}

	name := filepath.Base(strings.TrimSpace(filename))
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "attachment"
	}
	key := room.ID + "/" + uuid.NewString() + "-" + name

	if err := a.objects.Put(ctx, key, r, size, contentType); err != nil {
		return Attachment{}, fmt.Errorf("store attachment: %w", err)
	}
	url, err := a.objects.PresignGet(ctx, key, a.attachmentURLTTL)
	if err != nil {
		return Attachment{}, fmt.Errorf("presign attachment: %w", err)
	}
	return Attachment{Key: key, URL: url}, nil
}
