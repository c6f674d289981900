// Package store persists the last known notification list per receiver so the
// inbox has something to show before the first REST snapshot arrives.
package store

import (
	"context"

	"github.com/nhle/packrent/internal/model"
)

// Store defines the persistence interface for archived notifications.
type Store interface {
	// SaveNotifications replaces everything archived for receiverID with list,
	// keeping its order.
	SaveNotifications(ctx context.Context, receiverID string, list []model.Notification) error

	// LoadNotifications returns the archived list for receiverID, newest first
	// as it was saved. An unknown receiver yields an empty list.
	LoadNotifications(ctx context.Context, receiverID string) ([]model.Notification, error)

	// DeleteNotifications drops everything archived for receiverID.
	DeleteNotifications(ctx context.Context, receiverID string) error

	// CountUnread reports how many archived entries for receiverID are unread.
	CountUnread(ctx context.Context, receiverID string) (int, error)

	Close() error
}
