package xp

import "time"

// MemberKey identifies a member within a guild.
type MemberKey struct {
	GuildID string
	UserID  string
}

func (k MemberKey) String() string {
	return k.GuildID + "/" + k.UserID
}

// Row is the persisted form of a Record.
type Row struct {
	GuildID                  string
	UserID                   string
	Username                 string
	XP                       int
	Level                    int
	MessageCount             int
	DecayedXP                int
	LatestGainTime           time.Time
	LatestMessageTime        time.Time
	LatestDecayTime          time.Time // zero when the member never decayed
	LatestLevelUpMessageTime time.Time // zero when no level-up was announced
}

// Record is one member's XP ledger entry. It is mutated only through its
// methods, by callers holding that member's lock.
type Record struct {
	ledger *Ledger

	userID                   string
	username                 string
	xp                       int
	level                    int
	messageCount             int
	decayedXP                int
	latestGainTime           time.Time
	latestMessageTime        time.Time
	latestDecayTime          time.Time
	latestLevelUpMessageTime time.Time

	// guarded by ledger.mu
	dirty bool
}

func (r *Record) UserID() string               { return r.userID }
func (r *Record) Username() string             { return r.username }
func (r *Record) XP() int                      { return r.xp }
func (r *Record) Level() int                   { return r.level }
func (r *Record) MessageCount() int            { return r.messageCount }
func (r *Record) DecayedXP() int               { return r.decayedXP }
func (r *Record) LatestGainTime() time.Time    { return r.latestGainTime }
func (r *Record) LatestMessageTime() time.Time { return r.latestMessageTime }
func (r *Record) LatestDecayTime() time.Time   { return r.latestDecayTime }

// Key returns the member's identity.
func (r *Record) Key() MemberKey {
	return MemberKey{GuildID: r.ledger.guildID, UserID: r.userID}
}

// Row snapshots the record for persistence.
func (r *Record) Row() Row {
	return Row{
		GuildID:                  r.ledger.guildID,
		UserID:                   r.userID,
		Username:                 r.username,
		XP:                       r.xp,
		Level:                    r.level,
		MessageCount:             r.messageCount,
		DecayedXP:                r.decayedXP,
		LatestGainTime:           r.latestGainTime,
		LatestMessageTime:        r.latestMessageTime,
		LatestDecayTime:          r.latestDecayTime,
		LatestLevelUpMessageTime: r.latestLevelUpMessageTime,
	}
}

// GainXP adds amount and sets the precomputed level.
func (r *Record) GainXP(amount, newLevel int, now time.Time) {
	r.xp += amount
	if r.xp < 0 {
		r.xp = 0
	}
	r.level = newLevel
	r.latestGainTime = now
	r.markDirty()
}

// OffsetXP adds amount, which may be negative, flooring xp at 0.
func (r *Record) OffsetXP(amount, newLevel int) {
	r.xp += amount
	if r.xp < 0 {
		r.xp = 0
	}
	r.level = newLevel
	r.markDirty()
}

// DecayXP removes amount, flooring xp at 0. decayedXP grows by amount.
func (r *Record) DecayXP(amount, newLevel int, now time.Time) {
	if amount < 0 {
		amount = 0
	}
	r.xp -= amount
	if r.xp < 0 {
		r.xp = 0
	}
	r.decayedXP += amount
	r.latestDecayTime = now
	r.level = newLevel
	r.markDirty()
}

// RegisterMessage counts one message sent at messageTime. The latest message
// time never moves backwards.
func (r *Record) RegisterMessage(messageTime time.Time) {
	r.messageCount++
	if messageTime.After(r.latestMessageTime) {
		r.latestMessageTime = messageTime
	}
	r.markDirty()
}

// SeeMessage records activity at messageTime without counting a message.
func (r *Record) SeeMessage(messageTime time.Time) {
	if !messageTime.After(r.latestMessageTime) {
		return
	}
	r.latestMessageTime = messageTime
	r.markDirty()
}

// MarkLevelUpAnnounced stamps the time a level-up message was issued.
func (r *Record) MarkLevelUpAnnounced(now time.Time) {
	r.latestLevelUpMessageTime = now
	r.markDirty()
}

// setUsername refreshes the display cache. The new name is written on the next
// sync that includes this record.
func (r *Record) setUsername(name string) {
	if name != "" {
		r.username = name
	}
}

func (r *Record) markDirty() {
	r.ledger.touch(r)
}
