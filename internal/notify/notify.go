// Package notify applies level roles and announces level-ups.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strconv"
	"strings"

	"github.com/stellarlinkco/levelbot/internal/bus"
	"github.com/stellarlinkco/levelbot/internal/settings"
	"github.com/stellarlinkco/levelbot/internal/xp"
)

// RoleApplier grants and revokes platform roles of a member.
type RoleApplier interface {
	ApplyRoles(ctx context.Context, guildID, userID string, grant, revoke []string) error
}

// Publisher queues an outbound chat message.
type Publisher interface {
	Publish(ctx context.Context, msg bus.OutboundMessage) error
}

// LogRoleApplier only records role changes. Used when the platform has no
// role model of its own.
type LogRoleApplier struct{}

func (LogRoleApplier) ApplyRoles(_ context.Context, guildID, userID string, grant, revoke []string) error {
	log.Printf("[notify] roles %s/%s grant=%v revoke=%v", guildID, userID, grant, revoke)
	return nil
}

// Handler implements xp.LevelChangeHandler.
type Handler struct {
	roles   RoleApplier
	out     Publisher
	channel string
}

// New returns a handler that publishes announcements to the named bus channel.
// roles may be nil, in which case role changes are skipped.
func New(roles RoleApplier, out Publisher, channel string) *Handler {
	return &Handler{roles: roles, out: out, channel: channel}
}

func (h *Handler) OnLevelChanged(ctx context.Context, c xp.LevelChange) error {
	var errs []error
	if err := h.syncRoles(ctx, c); err != nil {
		errs = append(errs, err)
	}
	if err := h.announce(ctx, c); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (h *Handler) syncRoles(ctx context.Context, c xp.LevelChange) error {
	if h.roles == nil || len(c.Settings.LevelRoleIDs) == 0 {
		return nil
	}
	grant, revoke := RoleDiff(&c.Settings, c.NewLevel)
	if err := h.roles.ApplyRoles(ctx, c.GuildID, c.UserID, grant, revoke); err != nil {
		return fmt.Errorf("apply roles to %s/%s: %w", c.GuildID, c.UserID, err)
	}
	return nil
}

func (h *Handler) announce(ctx context.Context, c xp.LevelChange) error {
	cfg := &c.Settings
	if !c.Announce || !cfg.LevelUpMessageEnabled || c.NewLevel <= c.OldLevel || h.out == nil {
		return nil
	}
	chatID := cfg.LevelUpMessageChannelID
	if chatID == "" {
		chatID = c.ChannelID
	}
	if chatID == "" {
		return nil
	}
	msg := bus.OutboundMessage{
		Channel: h.channel,
		ChatID:  chatID,
		Content: Render(cfg.LevelUpMessageTemplate, c),
	}
	if err := h.out.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish level-up of %s/%s: %w", c.GuildID, c.UserID, err)
	}
	return nil
}

// RoleDiff returns the level roles a member at level should hold and every
// other level role, which should be removed.
func RoleDiff(cfg *settings.Guild, level int) (grant, revoke []string) {
	grant = cfg.RolesForLevel(level)
	for _, id := range cfg.AllLevelRoles() {
		if !slices.Contains(grant, id) {
			revoke = append(revoke, id)
		}
	}
	return grant, revoke
}

// Render fills {user}, {level} and {xp} in tmpl. An empty template uses the
// default one.
func Render(tmpl string, c xp.LevelChange) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = settings.DefaultLevelUpTemplate
	}
	user := c.UserID
	if c.Username != "" {
		user = "@" + c.Username
	}
	r := strings.NewReplacer(
		"{user}", user,
		"{level}", strconv.Itoa(c.NewLevel),
		"{xp}", strconv.Itoa(c.XP),
	)
	return r.Replace(tmpl)
}
