package app

import (
	"fmt"
	"strings"

	"gigwire/pkg/domain"
)

// ListNotifications returns the caller's notifications newest first along
// with the current unread total. This is the catch-up path for reconnecting
// clients; rows already fetched are never duplicated because pagination is
// keyed on notification id.
func (a *App) ListNotifications(userID string, unreadOnly bool, beforeID string, limit int) ([]domain.Notification, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	items, err := a.store.ListNotifications(userID, unreadOnly, strings.TrimSpace(beforeID), limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	unread, err := a.store.CountUnreadNotifications(userID)
	if err != nil {
		return nil, 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return items, unread, nil
}

// MarkNotificationsRead marks the caller's notifications read and returns
// how many rows actually flipped. Repeats and other users' ids are no-ops.
func (a *App) MarkNotificationsRead(userID string, ids []string) (int, error) {
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	if len(cleaned) == 0 {
		return 0, fmt.Errorf("%w: ids required", ErrValidation)
	}
	affected, err := a.store.MarkNotificationsRead(userID, cleaned)
	if err != nil {
		return 0, fmt.Errorf("mark notifications read: %w", err)
	}
	return affected, nil
}
