package xp

import "time"

// Mutation is a request to change one member's XP. The set of kinds is closed:
// MessageGain, DirectOffset, Reset and Decay.
type Mutation interface {
	Member() MemberKey
	isMutation()
}

// MessageGain is a chat message that may grant XP.
type MessageGain struct {
	GuildID     string
	UserID      string
	Username    string
	ChannelID   string
	RoleIDs     []string
	MessageTime time.Time
	IsBooster   bool
}

// DirectOffset adds Amount, which may be negative, to a member's XP.
type DirectOffset struct {
	GuildID  string
	UserID   string
	Username string
	Amount   int
}

// Reset drives a member's XP to exactly 0.
type Reset struct {
	GuildID  string
	UserID   string
	Username string
}

// Decay is one scheduled decay tick.
type Decay struct {
	GuildID string
	UserID  string
	Due     time.Time
}

func (m MessageGain) Member() MemberKey  { return MemberKey{GuildID: m.GuildID, UserID: m.UserID} }
func (m DirectOffset) Member() MemberKey { return MemberKey{GuildID: m.GuildID, UserID: m.UserID} }
func (m Reset) Member() MemberKey        { return MemberKey{GuildID: m.GuildID, UserID: m.UserID} }
func (m Decay) Member() MemberKey        { return MemberKey{GuildID: m.GuildID, UserID: m.UserID} }

func (MessageGain) isMutation()  {}
func (DirectOffset) isMutation() {}
func (Reset) isMutation()        {}
func (Decay) isMutation()        {}

// Action is an item of the direct action queue: a DirectOffset, a Reset or a Transfer.
type Action interface {
	Guild() string
	isAction()
}

// Transfer moves XP from one member to another as two offsets.
type Transfer struct {
	GuildID      string
	FromUserID   string
	FromUsername string
	ToUserID     string
	ToUsername   string
	Amount       int
}

func (m DirectOffset) Guild() string { return m.GuildID }
func (m Reset) Guild() string        { return m.GuildID }
func (m Transfer) Guild() string     { return m.GuildID }

func (DirectOffset) isAction() {}
func (Reset) isAction()        {}
func (Transfer) isAction()     {}

// Reason names what caused a level change.
type Reason string

const (
	ReasonMessage  Reason = "message"
	ReasonAction   Reason = "action"
	ReasonDecay    Reason = "decay"
	ReasonTransfer Reason = "transfer"
)
