package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/goclaw-imessage/internal/bus"
)

// Manager manages all registered channels, handling their lifecycle
// and routing outbound messages to the correct channel.
type Manager struct {
	channels map[string]Channel
	mu       sync.RWMutex
}

// NewManager creates a new channel manager.
// Channels are registered externally via RegisterChannel.
func NewManager() *Manager {
	return &Manager{
		channels: make(map[string]Channel),
	}
}

// StartAll starts all registered channels. A channel that fails to start
// is logged and skipped; the others keep running.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	slog.Info("starting all channels")

	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels started")
	return nil
}

// StopAll gracefully stops all channels.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	slog.Info("stopping all channels")

	for name, channel := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels stopped")
	return nil
}

// Reload replaces the running channel set. The new channels are started
// before the old ones are stopped, so a handoff never leaves a gap where
// no poller holds the lease.
func (m *Manager) Reload(ctx context.Context, next map[string]Channel) {
	for name, channel := range next {
		slog.Info("starting channel", "channel", name, "reload", true)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}

	m.mu.Lock()
	old := m.channels
	m.channels = make(map[string]Channel, len(next))
	for name, channel := range next {
		m.channels[name] = channel
	}
	m.mu.Unlock()

	for name, channel := range old {
		slog.Info("stopping channel", "channel", name, "reload", true)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]interface{})
	for name, channel := range m.channels {
		status[name] = map[string]interface{}{
			"enabled": true,
			"running": channel.IsRunning(),
		}
	}
	return status
}

// GetEnabledChannels returns the names of all registered channels, sorted.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// SendToChannel delivers a text message to a specific channel by name.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	return m.Send(ctx, bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	})
}

// Send routes msg to the channel named by msg.Channel.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) error {
	channel, exists := m.GetChannel(msg.Channel)
	if !exists {
		return fmt.Errorf("channel %s not found", msg.Channel)
	}
	return channel.Send(ctx, msg)
}
