package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"

	"github.com/stellarlinkco/levelbot/internal/bus"
	"github.com/stellarlinkco/levelbot/internal/config"
)

// ChannelManager owns the configured chat channels and routes outbound bus
// messages to them by name.
type ChannelManager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
}

func NewChannelManager(cfg config.ChannelsConfig, b *bus.MessageBus) (*ChannelManager, error) {
	m := &ChannelManager{
		channels: make(map[string]Channel),
		bus:      b,
	}
	if !cfg.Telegram.Enabled {
		return m, nil
	}
	tg, err := NewTelegramChannel(cfg.Telegram, b)
	if err != nil {
		return nil, fmt.Errorf("init telegram channel: %w", err)
	}
	m.Add(tg)
	return m, nil
}

// Add registers ch and routes its outbound messages. Send failures are
// logged; a level-up notice is never retried.
func (m *ChannelManager) Add(ch Channel) {
	name := ch.Name()
	m.channels[name] = ch
	m.bus.SubscribeOutbound(name, func(msg bus.OutboundMessage) {
		if err := ch.Send(msg); err != nil {
			log.Printf("[channel] send to %s chat %s: %v", name, msg.ChatID, err)
		}
	})
}

// StartAll starts every channel in name order and stops at the first failure.
func (m *ChannelManager) StartAll(ctx context.Context) error {
	for _, name := range m.EnabledChannels() {
		log.Printf("[channel] starting %s", name)
		if err := m.channels[name].Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", name, err)
		}
	}
	return nil
}

// StopAll stops every channel. Stop errors are logged and joined.
func (m *ChannelManager) StopAll() error {
	var errs []error
	for _, name := range m.EnabledChannels() {
		if err := m.channels[name].Stop(); err != nil {
			log.Printf("[channel] stop %s: %v", name, err)
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// EnabledChannels returns the registered channel names in order.
func (m *ChannelManager) EnabledChannels() []string {
	return slices.Sorted(maps.Keys(m.channels))
}
