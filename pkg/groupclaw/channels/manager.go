package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Manager holds the registered channels and routes outbound messages to
// the first connected channel that claims the chat id.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   *slog.Logger
}

// NewManager creates an empty channel manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger.With("component", "channels")}
}

// Register adds a channel. Registration order is routing priority order.
func (m *Manager) Register(c Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, c)
	m.logger.Info("channel registered", "channel", c.Name())
}

// Route delivers text to the chat id via the first connected owning
// channel. Absence of any owning, connected channel is a routing
// failure.
func (m *Manager) Route(ctx context.Context, id, text string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.channels {
		if !c.OwnsID(id) {
			continue
		}
		if !c.IsConnected() {
			m.logger.Warn("owning channel not connected, trying next",
				"channel", c.Name(), "chat_id", id)
			continue
		}
		if err := c.SendMessage(ctx, id, text); err != nil {
			return fmt.Errorf("sending via %s: %w", c.Name(), err)
		}
		return nil
	}
	return fmt.Errorf("routing to %q: %w", id, ErrNoRoute)
}

// IsRoutable reports whether some connected channel owns the chat id.
func (m *Manager) IsRoutable(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.channels {
		if c.OwnsID(id) && c.IsConnected() {
			return true
		}
	}
	return false
}
