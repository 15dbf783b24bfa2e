package channel

import (
	"context"
	"slices"

	"github.com/stellarlinkco/levelbot/internal/bus"
)

// Channel is a chat platform connection.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel carries what every channel shares.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom []string
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	return BaseChannel{name: name, bus: b, allowFrom: allowFrom}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether chatID may earn XP. An empty allow list admits
// every chat.
func (c *BaseChannel) IsAllowed(chatID string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	return slices.Contains(c.allowFrom, chatID)
}
