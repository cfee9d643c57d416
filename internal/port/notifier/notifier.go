// Package notifier defines the port for pushing operator alerts to chat webhooks.
package notifier

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a notifier has no destination.
var ErrNotConfigured = errors.New("notifier: not configured")

// Alert levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Notification is the payload sent through a Notifier.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level"`
	Source  string `json:"source"` // broadcast event type, e.g. "decision.override"
}

// Notifier delivers alerts to one destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}
