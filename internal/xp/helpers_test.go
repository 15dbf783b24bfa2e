package xp

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/stellarlinkco/levelbot/internal/levels"
	"github.com/stellarlinkco/levelbot/internal/settings"
)

var t0 = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestEngine returns an engine on the default curve whose random draw is
// always the minimum gain.
func newTestEngine(c *clock) *Engine {
	e := NewEngine(levels.Default(levels.DefaultMaxLevel))
	e.now = c.Now
	e.randIntn = func(int) int { return 0 }
	return e
}

func fixedGain(amount int) *settings.Guild {
	cfg := settings.Default("g1")
	cfg.XPGainMinimum = amount
	cfg.XPGainMaximum = amount
	cfg.XPGainTimeframeSeconds = 60
	cfg.LevelUpMessageEnabled = false
	return &cfg
}

type memStore struct {
	mu       sync.Mutex
	rows     map[MemberKey]Row
	upserts  int
	failNext error
	loads    int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[MemberKey]Row)}
}

func (m *memStore) LoadGuild(_ context.Context, guildID string) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	var out []Row
	for k, r := range m.rows {
		if k.GuildID == guildID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memStore) DecayEligibleGuilds(_ context.Context, _ time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for k := range m.rows {
		if !seen[k.GuildID] {
			seen[k.GuildID] = true
			out = append(out, k.GuildID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) BulkUpsert(_ context.Context, rows []Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.upserts++
	for _, r := range rows {
		m.rows[MemberKey{GuildID: r.GuildID, UserID: r.UserID}] = r
	}
	return nil
}

func (m *memStore) row(guildID, userID string) (Row, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[MemberKey{GuildID: guildID, UserID: userID}]
	return r, ok
}

type memSettings struct {
	mu     sync.Mutex
	guilds map[string]*settings.Guild
	fail   map[string]error
}

func newMemSettings(cfgs ...*settings.Guild) *memSettings {
	m := &memSettings{guilds: map[string]*settings.Guild{}, fail: map[string]error{}}
	for _, c := range cfgs {
		m.guilds[c.GuildID] = c
	}
	return m
}

func (m *memSettings) GuildSettings(_ context.Context, guildID string) (*settings.Guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[guildID]; err != nil {
		return nil, err
	}
	if cfg, ok := m.guilds[guildID]; ok {
		return cfg, nil
	}
	cfg := settings.Default(guildID)
	m.guilds[guildID] = &cfg
	return &cfg, nil
}

type recordedChanges struct {
	mu      sync.Mutex
	changes []LevelChange
	err     error
}

func (r *recordedChanges) OnLevelChanged(_ context.Context, c LevelChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return r.err
}

func (r *recordedChanges) all() []LevelChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LevelChange(nil), r.changes...)
}

var errWrite = errors.New("disk full")
