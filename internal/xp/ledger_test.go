package xp

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_NonNegativeAndDecayedMonotonic(t *testing.T) {
	l := newLedger("g1")
	rec, err := l.InitiateMember("u1", "alice", t0)
	require.NoError(t, err)

	rec.GainXP(50, 0, t0)
	rec.OffsetXP(-80, 0)
	assert.Equal(t, 0, rec.XP())

	rec.OffsetXP(30, 0)
	prev := rec.DecayedXP()
	for _, amount := range []int{10, 50, 0, 7} {
		rec.DecayXP(amount, 0, t0)
		assert.GreaterOrEqual(t, rec.XP(), 0)
		assert.GreaterOrEqual(t, rec.DecayedXP(), prev)
		prev = rec.DecayedXP()
	}
	assert.Equal(t, 0, rec.XP())
	assert.Equal(t, 67, rec.DecayedXP())
	assert.Equal(t, t0, rec.LatestDecayTime())
}

func TestRecord_RegisterMessage(t *testing.T) {
	l := newLedger("g1")
	rec, err := l.InitiateMember("u1", "alice", t0)
	require.NoError(t, err)

	later := t0.Add(time.Minute)
	rec.RegisterMessage(later)
	rec.RegisterMessage(later.Add(time.Second))
	assert.Equal(t, 2, rec.MessageCount())
	assert.Equal(t, later.Add(time.Second), rec.LatestMessageTime())
}

func TestRecord_MessageTimeNeverMovesBackwards(t *testing.T) {
	l := newLedger("g1")
	rec, err := l.InitiateMember("u1", "alice", t0)
	require.NoError(t, err)

	later := t0.Add(time.Hour)
	rec.RegisterMessage(later)
	rec.RegisterMessage(t0.Add(time.Minute))
	assert.Equal(t, 2, rec.MessageCount())
	assert.Equal(t, later, rec.LatestMessageTime())

	l.MarkSynced()
	rec.SeeMessage(t0)
	assert.False(t, l.Dirty(), "an older sighting changes nothing")
	rec.SeeMessage(later.Add(time.Minute))
	assert.Equal(t, later.Add(time.Minute), rec.LatestMessageTime())
	assert.Equal(t, 2, rec.MessageCount())
	assert.True(t, l.Dirty())
}

func TestLedger_InitiateTwice(t *testing.T) {
	l := newLedger("g1")
	_, err := l.InitiateMember("u1", "alice", t0)
	require.NoError(t, err)

	_, err = l.InitiateMember("u1", "alice", t0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMemberExists))
	assert.Equal(t, 1, l.Len())
}

func TestLedger_DirtyPropagation(t *testing.T) {
	l := newLedgerFromRows("g1", []Row{
		{GuildID: "g1", UserID: "u1", XP: 10},
		{GuildID: "g1", UserID: "u2", XP: 20},
	})
	assert.False(t, l.Dirty(), "hydrated ledger must be clean")
	assert.Empty(t, l.Unsynced())

	rec, ok := l.Get("u2")
	require.True(t, ok)
	rec.OffsetXP(5, 0)

	assert.True(t, l.Dirty())
	unsynced := l.Unsynced()
	require.Len(t, unsynced, 1)
	assert.Equal(t, "u2", unsynced[0].UserID())

	l.MarkSynced()
	assert.False(t, l.Dirty())
	assert.Empty(t, l.Unsynced())
}

func TestLedger_InitiateMarksDirty(t *testing.T) {
	l := newLedger("g1")
	rec, err := l.InitiateMember("u1", "alice", t0)
	require.NoError(t, err)
	assert.True(t, l.Dirty())
	assert.Equal(t, t0, rec.LatestGainTime())
	assert.Equal(t, t0, rec.LatestMessageTime())
	assert.Zero(t, rec.XP())
	assert.Zero(t, rec.MessageCount())
}

func TestLedger_RankOf(t *testing.T) {
	l := newLedgerFromRows("g1", []Row{
		{UserID: "a", XP: 50},
		{UserID: "b", XP: 100},
		{UserID: "c", XP: 50},
		{UserID: "d", XP: 10},
	})

	// 1 + members with strictly greater xp
	assert.Equal(t, 1, l.RankOf("b"))
	assert.Equal(t, 2, l.RankOf("a"))
	assert.Equal(t, 2, l.RankOf("c"))
	assert.Equal(t, 4, l.RankOf("d"))
	assert.Equal(t, 5, l.RankOf("nobody"))

	rec, _ := l.Get("d")
	rec.OffsetXP(200, 0)
	assert.Equal(t, 1, l.RankOf("d"), "rank cache must be invalidated on mutation")
	assert.Equal(t, 2, l.RankOf("b"))
}

func TestLedger_Top(t *testing.T) {
	l := newLedgerFromRows("g1", []Row{
		{UserID: "a", XP: 50},
		{UserID: "b", XP: 100},
		{UserID: "c", XP: 50},
		{UserID: "d", XP: 10},
	})

	top := l.Top(3)
	require.Len(t, top, 3)
	assert.Equal(t, "b", top[0].Row.UserID)
	assert.Equal(t, 1, top[0].Rank)
	// ties keep insertion order and share a rank
	assert.Equal(t, "a", top[1].Row.UserID)
	assert.Equal(t, "c", top[2].Row.UserID)
	assert.Equal(t, 2, top[1].Rank)
	assert.Equal(t, 2, top[2].Rank)

	assert.Len(t, l.Top(0), 4)
}

func TestLedger_InactiveSince(t *testing.T) {
	l := newLedgerFromRows("g1", []Row{
		{UserID: "old", LatestMessageTime: t0.Add(-10 * 24 * time.Hour)},
		{UserID: "new", LatestMessageTime: t0},
	})
	got := l.InactiveSince(t0.Add(-7 * 24 * time.Hour))
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].UserID())
}
