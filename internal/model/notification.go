package model

import "time"

// Notification is a single inbox entry, merged from the REST snapshot
// and the realtime channel.
type Notification struct {
	// ID is stable across REST and realtime deliveries.
	ID string `json:"id"`

	// Title is the short headline.
	Title string `json:"title"`

	// Message is the notification body text.
	Message string `json:"message"`

	// IsRead indicates whether the user has seen this notification.
	IsRead bool `json:"is_read"`

	// CreatedAt is when the server generated the notification.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the last server-side modification.
	UpdatedAt time.Time `json:"updated_at"`

	// Data is an opaque side-channel payload used for navigation.
	// The core never interprets it.
	Data map[string]any `json:"data,omitempty"`
}
