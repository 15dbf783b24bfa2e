package xp

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/stellarlinkco/levelbot/internal/levels"
	"github.com/stellarlinkco/levelbot/internal/settings"
)

// decayInterval is the minimum spacing between two decay ticks of one member.
const decayInterval = 24 * time.Hour

// Outcome describes the effect of one applied mutation.
type Outcome struct {
	Applied      bool
	OldLevel     int
	NewLevel     int
	XP           int
	Delta        int
	LevelChanged bool
	// Announce is set when a message-driven level-up should be announced.
	Announce bool
}

// Engine decides XP deltas and levels and applies them to records. It does no
// I/O; callers pass the guild's ledger and settings and hold the member lock.
type Engine struct {
	levels   *levels.Model
	now      func() time.Time
	randIntn func(n int) int
}

func NewEngine(model *levels.Model) *Engine {
	return &Engine{
		levels:   model,
		now:      time.Now,
		randIntn: rand.IntN,
	}
}

// Levels returns the engine's level table.
func (e *Engine) Levels() *levels.Model { return e.levels }

// Apply dispatches m to the matching entry point.
func (e *Engine) Apply(ledger *Ledger, cfg *settings.Guild, m Mutation) (Outcome, error) {
	switch m := m.(type) {
	case MessageGain:
		return e.OnMessage(ledger, cfg, m)
	case DirectOffset:
		return e.OnAction(ledger, cfg, m)
	case Reset:
		return e.OnAction(ledger, cfg, m)
	case Decay:
		return e.OnDecay(ledger, cfg, m)
	default:
		return Outcome{}, fmt.Errorf("%T: %w", m, ErrUnknownMutation)
	}
}

// OnMessage registers a message and grants XP when the gain timeframe has elapsed.
func (e *Engine) OnMessage(ledger *Ledger, cfg *settings.Guild, ev MessageGain) (Outcome, error) {
	if cfg == nil {
		return Outcome{}, ErrSettingsMissing
	}
	now := e.now()
	rec, err := e.member(ledger, ev.UserID, ev.Username, now)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{OldLevel: rec.level, NewLevel: rec.level, XP: rec.xp}

	timeframe := cfg.GainTimeframe()
	first := rec.messageCount == 0
	perTimeframe := cfg.CountsPerTimeframe()
	if !perTimeframe {
		rec.RegisterMessage(ev.MessageTime)
		out.Applied = true
	}

	if !cfg.XPGainEnabled {
		if perTimeframe {
			// without gains the window runs from the previous message
			if first || !ev.MessageTime.Before(rec.latestMessageTime.Add(timeframe)) {
				rec.RegisterMessage(ev.MessageTime)
			} else {
				rec.SeeMessage(ev.MessageTime)
			}
			out.Applied = true
		}
		return out, nil
	}

	if first {
		// the very first message is always gain-eligible
		rec.latestGainTime = now.Add(-timeframe)
	}
	if now.Sub(rec.latestGainTime) < timeframe {
		if perTimeframe {
			rec.SeeMessage(ev.MessageTime)
		}
		return out, nil
	}
	if perTimeframe {
		rec.RegisterMessage(ev.MessageTime)
	}

	amount := e.gainAmount(cfg, ev.IsBooster)
	newLevel := e.levels.LevelForXP(rec.xp+amount, cfg.MaxLevel)
	rec.GainXP(amount, newLevel, now)

	out.Applied = true
	out.Delta = amount
	out.XP = rec.xp
	out.NewLevel = rec.level
	out.LevelChanged = out.NewLevel != out.OldLevel
	if out.NewLevel > out.OldLevel && cfg.LevelUpMessageEnabled {
		rec.MarkLevelUpAnnounced(now)
		out.Announce = true
	}
	return out, nil
}

func (e *Engine) gainAmount(cfg *settings.Guild, booster bool) int {
	lo, hi := cfg.XPGainMinimum, cfg.XPGainMaximum
	if hi < lo {
		hi = lo
	}
	amount := lo + e.randIntn(hi-lo+1)
	if booster {
		amount += amount * cfg.BoosterXPGainMultiplier / 100
	}
	return amount
}

// OnAction applies a DirectOffset or a Reset. A reset offsets by -xp.
func (e *Engine) OnAction(ledger *Ledger, cfg *settings.Guild, m Mutation) (Outcome, error) {
	if cfg == nil {
		return Outcome{}, ErrSettingsMissing
	}
	var userID, username string
	var offset int
	reset := false
	switch a := m.(type) {
	case DirectOffset:
		userID, username, offset = a.UserID, a.Username, a.Amount
	case Reset:
		userID, username, reset = a.UserID, a.Username, true
	default:
		return Outcome{}, fmt.Errorf("action %T: %w", m, ErrUnknownMutation)
	}

	rec, err := e.member(ledger, userID, username, e.now())
	if err != nil {
		return Outcome{}, err
	}
	if reset {
		offset = -rec.xp
	}
	out := Outcome{OldLevel: rec.level, XP: rec.xp}

	newXP := rec.xp + offset
	if newXP < 0 {
		newXP = 0
	}
	newLevel := e.levels.LevelForXP(newXP, cfg.MaxLevel)
	rec.OffsetXP(offset, newLevel)

	out.Applied = true
	out.Delta = rec.xp - out.XP
	out.XP = rec.xp
	out.NewLevel = rec.level
	out.LevelChanged = out.NewLevel != out.OldLevel
	return out, nil
}

// OnDecay applies one decay tick if the member is still inactive past the
// grace period and has not decayed within the last day. Otherwise it is a no-op.
func (e *Engine) OnDecay(ledger *Ledger, cfg *settings.Guild, d Decay) (Outcome, error) {
	if cfg == nil {
		return Outcome{}, ErrSettingsMissing
	}
	rec, ok := ledger.Get(d.UserID)
	if !ok || !cfg.XPDecayEnabled {
		return Outcome{}, nil
	}
	out := Outcome{OldLevel: rec.level, NewLevel: rec.level, XP: rec.xp}

	now := e.now()
	if !rec.latestMessageTime.Before(now.Add(-cfg.GracePeriod())) {
		return out, nil
	}
	if !rec.latestDecayTime.IsZero() && now.Sub(rec.latestDecayTime) < decayInterval {
		return out, nil
	}

	amount := rec.xp * cfg.XPDecayPerDayPercentage / 100
	if amount > rec.xp {
		amount = rec.xp
	}
	newLevel := e.levels.LevelForXP(rec.xp-amount, cfg.MaxLevel)
	rec.DecayXP(amount, newLevel, now)

	out.Applied = true
	out.Delta = -amount
	out.XP = rec.xp
	out.NewLevel = rec.level
	out.LevelChanged = out.NewLevel != out.OldLevel
	return out, nil
}

// member fetches or lazily initiates the record and refreshes its username.
func (e *Engine) member(ledger *Ledger, userID, username string, now time.Time) (*Record, error) {
	if rec, ok := ledger.Get(userID); ok {
		rec.setUsername(username)
		return rec, nil
	}
	return ledger.InitiateMember(userID, username, now)
}

// nextDecay is when the member's next decay tick is due.
func nextDecay(rec *Record, grace time.Duration) time.Time {
	if !rec.latestDecayTime.IsZero() && rec.latestDecayTime.After(rec.latestMessageTime) {
		return rec.latestDecayTime.Add(decayInterval)
	}
	return rec.latestMessageTime.Add(grace)
}
