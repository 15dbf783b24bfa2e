package xp

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Ledger is the collection of member records of one guild.
//
// The member set, the rank cache and every dirty flag are guarded by mu.
// Record fields are guarded by the coordination locks in Service.
type Ledger struct {
	guildID string

	mu      sync.Mutex
	members map[string]*Record
	order   []*Record // insertion order, the tie-breaker for ranking
	ranked  []*Record // nil when stale
	dirty   bool
}

func newLedger(guildID string) *Ledger {
	return &Ledger{
		guildID: guildID,
		members: make(map[string]*Record),
	}
}

// newLedgerFromRows hydrates a ledger from persisted rows. Hydrated records are clean.
func newLedgerFromRows(guildID string, rows []Row) *Ledger {
	l := newLedger(guildID)
	for _, row := range rows {
		if _, ok := l.members[row.UserID]; ok {
			continue
		}
		rec := &Record{
			ledger:                   l,
			userID:                   row.UserID,
			username:                 row.Username,
			xp:                       row.XP,
			level:                    row.Level,
			messageCount:             row.MessageCount,
			decayedXP:                row.DecayedXP,
			latestGainTime:           row.LatestGainTime,
			latestMessageTime:        row.LatestMessageTime,
			latestDecayTime:          row.LatestDecayTime,
			latestLevelUpMessageTime: row.LatestLevelUpMessageTime,
		}
		l.members[row.UserID] = rec
		l.order = append(l.order, rec)
	}
	return l
}

func (l *Ledger) GuildID() string { return l.guildID }

// Get returns the member's record, if any.
func (l *Ledger) Get(userID string) (*Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.members[userID]
	return rec, ok
}

// Len returns the number of members.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.members)
}

// InitiateMember creates a zero-state record with gain and message times set
// to now. Callers check Get first under the member lock.
func (l *Ledger) InitiateMember(userID, username string, now time.Time) (*Record, error) {
	l.mu.Lock()
	if _, ok := l.members[userID]; ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("initiate %s/%s: %w", l.guildID, userID, ErrMemberExists)
	}
	rec := &Record{
		ledger:            l,
		userID:            userID,
		username:          username,
		latestGainTime:    now,
		latestMessageTime: now,
	}
	l.members[userID] = rec
	l.order = append(l.order, rec)
	l.mu.Unlock()

	rec.markDirty()
	return rec, nil
}

// Dirty reports whether any member has unsynced changes.
func (l *Ledger) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

// Unsynced returns the dirty members.
func (l *Ledger) Unsynced() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		return nil
	}
	var out []*Record
	for _, rec := range l.order {
		if rec.dirty {
			out = append(out, rec)
		}
	}
	return out
}

// MarkSynced clears the dirty flag of the ledger and every member.
func (l *Ledger) MarkSynced() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range l.order {
		rec.dirty = false
	}
	l.dirty = false
}

// InactiveSince returns the members whose latest message is before cutoff.
func (l *Ledger) InactiveSince(cutoff time.Time) []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Record
	for _, rec := range l.order {
		if rec.latestMessageTime.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out
}

// RankOf returns the 1-based rank of userID by descending xp: one plus the
// number of members with strictly more xp. Absent users rank last+1.
func (l *Ledger) RankOf(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.members[userID]
	if !ok {
		return len(l.members) + 1
	}
	ranked := l.sortedLocked()
	// first member with xp <= rec.xp
	return sort.Search(len(ranked), func(i int) bool { return ranked[i].xp <= rec.xp }) + 1
}

// Standing is a member's position on the leaderboard.
type Standing struct {
	Rank int
	Row  Row
}

// Top returns up to limit members ordered by xp. Ties share a rank and keep
// insertion order. A limit <= 0 returns everyone.
func (l *Ledger) Top(limit int) []Standing {
	l.mu.Lock()
	defer l.mu.Unlock()

	ranked := l.sortedLocked()
	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}
	out := make([]Standing, 0, limit)
	rank := 0
	for i := 0; i < limit; i++ {
		if i == 0 || ranked[i].xp != ranked[i-1].xp {
			rank = i + 1
		}
		out = append(out, Standing{Rank: rank, Row: ranked[i].Row()})
	}
	return out
}

func (l *Ledger) sortedLocked() []*Record {
	if l.ranked != nil {
		return l.ranked
	}
	ranked := make([]*Record, len(l.order))
	copy(ranked, l.order)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].xp > ranked[j].xp })
	l.ranked = ranked
	return ranked
}

// touch marks rec dirty, propagates to the ledger and invalidates the rank cache.
func (l *Ledger) touch(rec *Record) {
	l.mu.Lock()
	rec.dirty = true
	l.dirty = true
	l.ranked = nil
	l.mu.Unlock()
}
