package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stellarlinkco/levelbot/internal/settings"
	"github.com/stellarlinkco/levelbot/internal/xp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "levelbot.db"), settings.Default(""))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "levelbot.db")
	s, err := Open(path, settings.Default(""))
	require.NoError(t, err)
	require.NoError(t, s.BulkUpsert(context.Background(), []xp.Row{{GuildID: "g1", UserID: "u1", XP: 5}}))
	require.NoError(t, s.Close())

	s2, err := Open(path, settings.Default(""))
	require.NoError(t, err)
	defer s2.Close()

	var version int
	require.NoError(t, s2.db.QueryRow(`PRAGMA user_version`).Scan(&version))
	assert.Equal(t, schemaVersion, version)

	rows, err := s2.LoadGuild(context.Background(), "g1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 5, rows[0].XP)
}

func TestBulkUpsert_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := xp.Row{
		GuildID: "g1", UserID: "u1", Username: "alice",
		XP: 300, Level: 2, MessageCount: 12, DecayedXP: 7,
		LatestGainTime:    t0,
		LatestMessageTime: t0.Add(time.Minute),
	}
	require.NoError(t, s.BulkUpsert(ctx, []xp.Row{in, {GuildID: "g2", UserID: "u1", XP: 1}}))

	got, err := s.Member(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.Equal(t, in, got)
	assert.True(t, got.LatestDecayTime.IsZero(), "null times load as zero")

	in.XP = 10
	in.Level = 0
	in.LatestDecayTime = t0.Add(time.Hour)
	require.NoError(t, s.BulkUpsert(ctx, []xp.Row{in}))

	rows, err := s.LoadGuild(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, in, rows[0])
}

func TestBulkUpsert_KeepsExactTimes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	in := xp.Row{
		GuildID: "g1", UserID: "u1", XP: 1,
		LatestGainTime:    now,
		LatestMessageTime: now.Add(1234567 * time.Nanosecond),
		LatestDecayTime:   now.Add(-time.Nanosecond),
	}
	require.NoError(t, s.BulkUpsert(ctx, []xp.Row{in}))

	got, err := s.Member(ctx, "g1", "u1")
	require.NoError(t, err)
	assert.True(t, in.LatestGainTime.Equal(got.LatestGainTime), "gain %v != %v", in.LatestGainTime, got.LatestGainTime)
	assert.True(t, in.LatestMessageTime.Equal(got.LatestMessageTime), "message %v != %v", in.LatestMessageTime, got.LatestMessageTime)
	assert.True(t, in.LatestDecayTime.Equal(got.LatestDecayTime), "decay %v != %v", in.LatestDecayTime, got.LatestDecayTime)
}

func TestBulkUpsert_Empty(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.BulkUpsert(context.Background(), nil))
}

func TestMember_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Member(context.Background(), "g1", "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGuildSettings_CreatesDefaults(t *testing.T) {
	defaults := settings.Default("")
	defaults.XPGainMinimum = 5
	defaults.XPGainMaximum = 9
	s, err := Open(filepath.Join(t.TempDir(), "levelbot.db"), defaults)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.Settings(ctx, "g1")
	require.ErrorIs(t, err, ErrNotFound)

	cfg, err := s.GuildSettings(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", cfg.GuildID)
	assert.Equal(t, 5, cfg.XPGainMinimum)

	again, err := s.GuildSettings(ctx, "g1")
	require.NoError(t, err)
	assert.Same(t, cfg, again)

	stored, err := s.Settings(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 9, stored.XPGainMaximum)

	guilds, err := s.Guilds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, guilds)
}

func TestSaveGuildSettings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	g := settings.Default("g1")
	g.XPDecayEnabled = true
	g.MessageCountMode = settings.CountPerTimeframe
	g.StackLevelRoles = true
	g.LevelRoleIDs = map[int][]string{5: {"r5"}, 10: {"r10a", "r10b"}}
	g.IgnoredChannelIDs = []string{"spam"}
	g.IgnoredRoleIDs = []string{"muted"}
	g.LevelUpMessageChannelID = "announcements"
	g.MaxLevel = 40
	require.NoError(t, s.SaveGuildSettings(ctx, g))

	got, err := s.Settings(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, g, got)

	cached, err := s.GuildSettings(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, g, *cached)

	g.XPDecayEnabled = false
	require.NoError(t, s.SaveGuildSettings(ctx, g))
	cached, err = s.GuildSettings(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, cached.XPDecayEnabled)

	assert.Error(t, s.SaveGuildSettings(ctx, settings.Guild{}))
}

func TestDecayEligibleGuilds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"active", "idle", "off"} {
		g := settings.Default(id)
		g.XPDecayEnabled = id != "off"
		require.NoError(t, s.SaveGuildSettings(ctx, g))
	}
	old := t0.Add(-30 * 24 * time.Hour)
	require.NoError(t, s.BulkUpsert(ctx, []xp.Row{
		{GuildID: "active", UserID: "u1", LatestMessageTime: t0.Add(-time.Hour)},
		{GuildID: "idle", UserID: "u1", LatestMessageTime: t0.Add(-time.Hour)},
		{GuildID: "idle", UserID: "u2", LatestMessageTime: old},
		{GuildID: "off", UserID: "u1", LatestMessageTime: old},
		{GuildID: "unknown", UserID: "u1", LatestMessageTime: old},
	}))

	ids, err := s.DecayEligibleGuilds(ctx, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"idle"}, ids)
}

func TestTopMembersAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.BulkUpsert(ctx, []xp.Row{
		{GuildID: "g1", UserID: "a", XP: 10},
		{GuildID: "g1", UserID: "b", XP: 30},
		{GuildID: "g1", UserID: "c", XP: 20},
		{GuildID: "g2", UserID: "a", XP: 99},
	}))
	_, err := s.GuildSettings(ctx, "g1")
	require.NoError(t, err)

	top, err := s.TopMembers(ctx, "g1", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "b", top[0].UserID)
	assert.Equal(t, "c", top[1].UserID)

	guilds, members, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, guilds)
	assert.Equal(t, 4, members)
}
