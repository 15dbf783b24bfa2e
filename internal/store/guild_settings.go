package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/stellarlinkco/levelbot/internal/settings"
)

const settingsColumns = `guild_id, xp_gain_enabled, xp_gain_timeframe, xp_gain_minimum, xp_gain_maximum,
	booster_xp_gain_multiplier, message_count_mode, xp_decay_enabled, xp_decay_per_day_percentage,
	xp_decay_grace_period_days, level_up_message_enabled, level_up_message_channel_id,
	level_up_message_template, max_level, stack_level_roles, level_role_ids,
	ignored_channel_ids, ignored_role_ids`

// GuildSettings returns the guild's settings, storing the configured defaults
// the first time a guild is seen. Results are cached; the returned value must
// not be modified.
func (s *Store) GuildSettings(ctx context.Context, guildID string) (*settings.Guild, error) {
	s.mu.RLock()
	cfg, ok := s.settings[guildID]
	s.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	loaded, err := s.Settings(ctx, guildID)
	if errors.Is(err, ErrNotFound) {
		loaded = s.defaults.ForGuild(guildID)
		if err := s.SaveGuildSettings(ctx, loaded); err != nil {
			return nil, err
		}
		log.Printf("[store] created default settings for guild %s", guildID)
		return s.cached(guildID), nil
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.settings[guildID]; ok {
		return cfg, nil
	}
	s.settings[guildID] = &loaded
	return &loaded, nil
}

func (s *Store) cached(guildID string) *settings.Guild {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings[guildID]
}

// Settings reads the stored settings of a guild without creating them.
func (s *Store) Settings(ctx context.Context, guildID string) (settings.Guild, error) {
	var g settings.Guild
	var gain, decay, levelUp, stack int
	var mode, roles, ignoredChannels, ignoredRoles string
	err := s.db.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM guild_settings WHERE guild_id = ?`, guildID).Scan(
		&g.GuildID, &gain, &g.XPGainTimeframeSeconds, &g.XPGainMinimum, &g.XPGainMaximum,
		&g.BoosterXPGainMultiplier, &mode, &decay, &g.XPDecayPerDayPercentage,
		&g.XPDecayGracePeriodDays, &levelUp, &g.LevelUpMessageChannelID,
		&g.LevelUpMessageTemplate, &g.MaxLevel, &stack, &roles,
		&ignoredChannels, &ignoredRoles,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return settings.Guild{}, fmt.Errorf("guild %s settings: %w", guildID, ErrNotFound)
	}
	if err != nil {
		return settings.Guild{}, fmt.Errorf("load guild %s settings: %w", guildID, err)
	}

	g.XPGainEnabled = gain != 0
	g.XPDecayEnabled = decay != 0
	g.LevelUpMessageEnabled = levelUp != 0
	g.StackLevelRoles = stack != 0
	g.MessageCountMode = settings.MessageCountMode(mode)
	g.LevelRoleIDs = map[int][]string{}
	if err := json.Unmarshal([]byte(roles), &g.LevelRoleIDs); err != nil {
		return settings.Guild{}, fmt.Errorf("decode level roles of guild %s: %w", guildID, err)
	}
	if err := json.Unmarshal([]byte(ignoredChannels), &g.IgnoredChannelIDs); err != nil {
		return settings.Guild{}, fmt.Errorf("decode ignored channels of guild %s: %w", guildID, err)
	}
	if err := json.Unmarshal([]byte(ignoredRoles), &g.IgnoredRoleIDs); err != nil {
		return settings.Guild{}, fmt.Errorf("decode ignored roles of guild %s: %w", guildID, err)
	}
	return g, nil
}

// SaveGuildSettings stores g and replaces the cached copy.
func (s *Store) SaveGuildSettings(ctx context.Context, g settings.Guild) error {
	if g.GuildID == "" {
		return fmt.Errorf("save guild settings: empty guild id")
	}
	roles, err := json.Marshal(nonNilRoles(g.LevelRoleIDs))
	if err != nil {
		return fmt.Errorf("encode level roles: %w", err)
	}
	ignoredChannels, err := json.Marshal(nonNil(g.IgnoredChannelIDs))
	if err != nil {
		return fmt.Errorf("encode ignored channels: %w", err)
	}
	ignoredRoles, err := json.Marshal(nonNil(g.IgnoredRoleIDs))
	if err != nil {
		return fmt.Errorf("encode ignored roles: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO guild_settings (`+settingsColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			xp_gain_enabled = excluded.xp_gain_enabled,
			xp_gain_timeframe = excluded.xp_gain_timeframe,
			xp_gain_minimum = excluded.xp_gain_minimum,
			xp_gain_maximum = excluded.xp_gain_maximum,
			booster_xp_gain_multiplier = excluded.booster_xp_gain_multiplier,
			message_count_mode = excluded.message_count_mode,
			xp_decay_enabled = excluded.xp_decay_enabled,
			xp_decay_per_day_percentage = excluded.xp_decay_per_day_percentage,
			xp_decay_grace_period_days = excluded.xp_decay_grace_period_days,
			level_up_message_enabled = excluded.level_up_message_enabled,
			level_up_message_channel_id = excluded.level_up_message_channel_id,
			level_up_message_template = excluded.level_up_message_template,
			max_level = excluded.max_level,
			stack_level_roles = excluded.stack_level_roles,
			level_role_ids = excluded.level_role_ids,
			ignored_channel_ids = excluded.ignored_channel_ids,
			ignored_role_ids = excluded.ignored_role_ids,
			updated_at = excluded.updated_at
	`,
		g.GuildID, boolInt(g.XPGainEnabled), g.XPGainTimeframeSeconds, g.XPGainMinimum, g.XPGainMaximum,
		g.BoosterXPGainMultiplier, string(g.MessageCountMode), boolInt(g.XPDecayEnabled), g.XPDecayPerDayPercentage,
		g.XPDecayGracePeriodDays, boolInt(g.LevelUpMessageEnabled), g.LevelUpMessageChannelID,
		g.LevelUpMessageTemplate, g.MaxLevel, boolInt(g.StackLevelRoles), string(roles),
		string(ignoredChannels), string(ignoredRoles), s.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save guild %s settings: %w", g.GuildID, err)
	}

	c := g.Clone()
	s.mu.Lock()
	s.settings[g.GuildID] = &c
	s.mu.Unlock()
	return nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func nonNilRoles(m map[int][]string) map[int][]string {
	if m == nil {
		return map[int][]string{}
	}
	return m
}
