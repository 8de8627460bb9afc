// Package channels defines the interface between the orchestration core
// and the chat-platform connectors, and the manager that routes outbound
// text to the right connector. The connectors themselves (WhatsApp,
// Discord, ...) live outside this core; anything implementing Channel
// can be registered.
package channels

import (
	"context"
	"errors"
)

// Channel is one messaging connector.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp").
	Name() string

	// SendMessage delivers text to the chat identified by id.
	SendMessage(ctx context.Context, id, text string) error

	// OwnsID reports whether this channel is responsible for the
	// given chat id (e.g. a WhatsApp JID).
	OwnsID(id string) bool

	// IsConnected reports whether the channel can currently deliver.
	IsConnected() bool
}

// ErrNoRoute is returned when no connected channel owns a chat id.
var ErrNoRoute = errors.New("no connected channel owns this chat id")
