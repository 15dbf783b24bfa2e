// Package settings holds the per-guild XP configuration consumed by the XP engine.
package settings

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// MessageCountMode selects which messages increment a member's message count.
type MessageCountMode string

const (
	// CountPerMessage counts every message.
	CountPerMessage MessageCountMode = "per_message"
	// CountPerTimeframe counts only messages that land in an elapsed gain timeframe.
	CountPerTimeframe MessageCountMode = "per_timeframe"
)

const (
	DefaultGainTimeframeSeconds = 60
	DefaultGainMinimum          = 15
	DefaultGainMaximum          = 25
	DefaultBoosterMultiplier    = 0
	DefaultDecayPercentPerDay   = 2
	DefaultDecayGraceDays       = 7
	DefaultLevelUpTemplate      = "{user} reached level {level}!"
)

// Guild is the XP configuration of one guild.
type Guild struct {
	GuildID string `json:"guildId"`

	XPGainEnabled           bool             `json:"xpGainEnabled"`
	XPGainTimeframeSeconds  int              `json:"xpGainTimeframe"`
	XPGainMinimum           int              `json:"xpGainMinimum"`
	XPGainMaximum           int              `json:"xpGainMaximum"`
	BoosterXPGainMultiplier int              `json:"boosterXpGainMultiplier"` // percent added on top of the base gain
	MessageCountMode        MessageCountMode `json:"messageCountMode"`

	XPDecayEnabled          bool `json:"xpDecayEnabled"`
	XPDecayPerDayPercentage int  `json:"xpDecayPerDayPercentage"`
	XPDecayGracePeriodDays  int  `json:"xpDecayGracePeriodDays"`

	LevelUpMessageEnabled   bool   `json:"levelUpMessageEnabled"`
	LevelUpMessageChannelID string `json:"levelUpMessageChannelId,omitempty"`
	LevelUpMessageTemplate  string `json:"levelUpMessageTemplate,omitempty"`

	MaxLevel        int              `json:"maxLevel"` // 0 means no cap beyond the level table
	StackLevelRoles bool             `json:"stackLevelRoles"`
	LevelRoleIDs    map[int][]string `json:"levelRoleIds,omitempty"`

	IgnoredChannelIDs []string `json:"ignoredChannelIds,omitempty"`
	IgnoredRoleIDs    []string `json:"ignoredRoleIds,omitempty"`
}

// Default returns the settings a guild gets when it is first seen.
func Default(guildID string) Guild {
	return Guild{
		GuildID:                 guildID,
		XPGainEnabled:           true,
		XPGainTimeframeSeconds:  DefaultGainTimeframeSeconds,
		XPGainMinimum:           DefaultGainMinimum,
		XPGainMaximum:           DefaultGainMaximum,
		BoosterXPGainMultiplier: DefaultBoosterMultiplier,
		MessageCountMode:        CountPerMessage,
		XPDecayEnabled:          false,
		XPDecayPerDayPercentage: DefaultDecayPercentPerDay,
		XPDecayGracePeriodDays:  DefaultDecayGraceDays,
		LevelUpMessageEnabled:   true,
		LevelUpMessageTemplate:  DefaultLevelUpTemplate,
		LevelRoleIDs:            map[int][]string{},
	}
}

// ForGuild returns a copy of s bound to guildID. Used to stamp configured
// defaults onto a newly seen guild.
func (s Guild) ForGuild(guildID string) Guild {
	c := s.Clone()
	c.GuildID = guildID
	return c
}

// Clone returns a deep copy.
func (s Guild) Clone() Guild {
	c := s
	c.LevelRoleIDs = make(map[int][]string, len(s.LevelRoleIDs))
	for lvl, ids := range s.LevelRoleIDs {
		c.LevelRoleIDs[lvl] = slices.Clone(ids)
	}
	c.IgnoredChannelIDs = slices.Clone(s.IgnoredChannelIDs)
	c.IgnoredRoleIDs = slices.Clone(s.IgnoredRoleIDs)
	return c
}

// Validate rejects settings the engine cannot apply.
func (s *Guild) Validate() error {
	switch {
	case s.XPGainTimeframeSeconds < 0:
		return fmt.Errorf("xpGainTimeframe must be >= 0, got %d", s.XPGainTimeframeSeconds)
	case s.XPGainMinimum < 0 || s.XPGainMaximum < s.XPGainMinimum:
		return fmt.Errorf("xp gain range [%d, %d] is invalid", s.XPGainMinimum, s.XPGainMaximum)
	case s.BoosterXPGainMultiplier < 0:
		return fmt.Errorf("boosterXpGainMultiplier must be >= 0, got %d", s.BoosterXPGainMultiplier)
	case s.XPDecayPerDayPercentage < 0 || s.XPDecayPerDayPercentage > 100:
		return fmt.Errorf("xpDecayPerDayPercentage must be within 0..100, got %d", s.XPDecayPerDayPercentage)
	case s.XPDecayGracePeriodDays < 0:
		return fmt.Errorf("xpDecayGracePeriodDays must be >= 0, got %d", s.XPDecayGracePeriodDays)
	case s.MaxLevel < 0:
		return fmt.Errorf("maxLevel must be >= 0, got %d", s.MaxLevel)
	}
	switch MessageCountMode(strings.ToLower(string(s.MessageCountMode))) {
	case CountPerMessage, CountPerTimeframe:
	default:
		return fmt.Errorf("unknown messageCountMode %q", s.MessageCountMode)
	}
	return nil
}

func (s *Guild) GainTimeframe() time.Duration {
	return time.Duration(s.XPGainTimeframeSeconds) * time.Second
}

func (s *Guild) GracePeriod() time.Duration {
	return time.Duration(s.XPDecayGracePeriodDays) * 24 * time.Hour
}

// CountsPerTimeframe reports whether only gain-eligible messages are counted.
func (s *Guild) CountsPerTimeframe() bool {
	return strings.EqualFold(string(s.MessageCountMode), string(CountPerTimeframe))
}

func (s *Guild) IgnoresChannel(channelID string) bool {
	return channelID != "" && slices.Contains(s.IgnoredChannelIDs, channelID)
}

func (s *Guild) IgnoresAnyRole(roleIDs []string) bool {
	for _, id := range roleIDs {
		if slices.Contains(s.IgnoredRoleIDs, id) {
			return true
		}
	}
	return false
}

// RolesForLevel returns the level roles a member at level should hold.
// With StackLevelRoles every role configured at or below level is kept;
// otherwise only the roles of the highest configured level <= level.
func (s *Guild) RolesForLevel(level int) []string {
	var out []string
	best := -1
	for lvl := range s.LevelRoleIDs {
		if lvl > level {
			continue
		}
		if s.StackLevelRoles {
			out = append(out, s.LevelRoleIDs[lvl]...)
		} else if lvl > best {
			best = lvl
		}
	}
	if !s.StackLevelRoles && best >= 0 {
		out = append(out, s.LevelRoleIDs[best]...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// AllLevelRoles returns every role referenced by the level role map.
func (s *Guild) AllLevelRoles() []string {
	var out []string
	for _, ids := range s.LevelRoleIDs {
		out = append(out, ids...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
