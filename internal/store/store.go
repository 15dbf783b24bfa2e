// Package store persists member XP rows and guild settings in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stellarlinkco/levelbot/internal/settings"
	"github.com/stellarlinkco/levelbot/internal/xp"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// ErrNotFound is returned when a guild or member has no stored row.
var ErrNotFound = errors.New("not found")

// Store is the SQLite backed persistence gateway. It implements
// xp.Persistence and xp.SettingsProvider.
type Store struct {
	db       *sql.DB
	defaults settings.Guild
	now      func() time.Time

	mu       sync.RWMutex
	settings map[string]*settings.Guild
}

// Open opens or creates the database at dbPath. Guilds seen for the first
// time get a copy of defaults.
func Open(dbPath string, defaults settings.Guild) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; BulkUpsert transactions must not interleave
	db.SetMaxOpenConns(1)

	s := &Store{
		db:       db,
		defaults: defaults,
		now:      time.Now,
		settings: make(map[string]*settings.Guild),
	}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS guild_settings (
			guild_id TEXT PRIMARY KEY,
			xp_gain_enabled INTEGER NOT NULL DEFAULT 1,
			xp_gain_timeframe INTEGER NOT NULL DEFAULT 60,
			xp_gain_minimum INTEGER NOT NULL DEFAULT 15,
			xp_gain_maximum INTEGER NOT NULL DEFAULT 25,
			booster_xp_gain_multiplier INTEGER NOT NULL DEFAULT 0,
			message_count_mode TEXT NOT NULL DEFAULT 'per_message',
			xp_decay_enabled INTEGER NOT NULL DEFAULT 0,
			xp_decay_per_day_percentage INTEGER NOT NULL DEFAULT 2,
			xp_decay_grace_period_days INTEGER NOT NULL DEFAULT 7,
			level_up_message_enabled INTEGER NOT NULL DEFAULT 1,
			level_up_message_channel_id TEXT NOT NULL DEFAULT '',
			level_up_message_template TEXT NOT NULL DEFAULT '',
			max_level INTEGER NOT NULL DEFAULT 0,
			stack_level_roles INTEGER NOT NULL DEFAULT 0,
			level_role_ids TEXT NOT NULL DEFAULT '{}',
			ignored_channel_ids TEXT NOT NULL DEFAULT '[]',
			ignored_role_ids TEXT NOT NULL DEFAULT '[]',
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS member_xp (
			guild_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			xp INTEGER NOT NULL DEFAULT 0,
			level INTEGER NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0,
			decayed_xp INTEGER NOT NULL DEFAULT 0,
			latest_gain_time INTEGER,
			latest_message_time INTEGER,
			latest_decay_time INTEGER,
			latest_level_up_message_time INTEGER,
			PRIMARY KEY (guild_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_member_xp_activity ON member_xp(guild_id, latest_message_time)`,
		`CREATE INDEX IF NOT EXISTS idx_member_xp_rank ON member_xp(guild_id, xp DESC)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

const memberColumns = `guild_id, user_id, username, xp, level, message_count, decayed_xp,
	latest_gain_time, latest_message_time, latest_decay_time, latest_level_up_message_time`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (xp.Row, error) {
	var r xp.Row
	var gain, msg, decay, levelUp sql.NullInt64
	if err := sc.Scan(&r.GuildID, &r.UserID, &r.Username, &r.XP, &r.Level, &r.MessageCount, &r.DecayedXP,
		&gain, &msg, &decay, &levelUp); err != nil {
		return xp.Row{}, err
	}
	r.LatestGainTime = fromUnixNano(gain)
	r.LatestMessageTime = fromUnixNano(msg)
	r.LatestDecayTime = fromUnixNano(decay)
	r.LatestLevelUpMessageTime = fromUnixNano(levelUp)
	return r, nil
}

// LoadGuild returns every member row of a guild.
func (s *Store) LoadGuild(ctx context.Context, guildID string) ([]xp.Row, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+memberColumns+` FROM member_xp WHERE guild_id = ? ORDER BY rowid ASC`, guildID)
	if err != nil {
		return nil, fmt.Errorf("load guild %s: %w", guildID, err)
	}
	defer rows.Close()

	out := make([]xp.Row, 0)
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member rows: %w", err)
	}
	return out, nil
}

// Member returns one stored member row.
func (s *Store) Member(ctx context.Context, guildID, userID string) (xp.Row, error) {
	r, err := scanRow(s.db.QueryRowContext(ctx,
		`SELECT `+memberColumns+` FROM member_xp WHERE guild_id = ? AND user_id = ?`, guildID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return xp.Row{}, fmt.Errorf("member %s/%s: %w", guildID, userID, ErrNotFound)
	}
	if err != nil {
		return xp.Row{}, fmt.Errorf("load member %s/%s: %w", guildID, userID, err)
	}
	return r, nil
}

// TopMembers returns up to limit stored rows of a guild by descending xp.
func (s *Store) TopMembers(ctx context.Context, guildID string, limit int) ([]xp.Row, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memberColumns+` FROM member_xp
		WHERE guild_id = ?
		ORDER BY xp DESC, rowid ASC
		LIMIT ?
	`, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("top members %s: %w", guildID, err)
	}
	defer rows.Close()

	out := make([]xp.Row, 0, limit)
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan member row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DecayEligibleGuilds lists guilds with decay enabled and at least one member
// whose latest message is older than the guild's grace period at now.
func (s *Store) DecayEligibleGuilds(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT m.guild_id
		FROM member_xp m
		JOIN guild_settings g ON g.guild_id = m.guild_id
		WHERE g.xp_decay_enabled = 1
		  AND COALESCE(m.latest_message_time, 0) < ? - g.xp_decay_grace_period_days * 86400000000000
		ORDER BY m.guild_id
	`, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("decay eligible guilds: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan guild id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// BulkUpsert writes rows in one transaction. Existing rows are overwritten.
func (s *Store) BulkUpsert(ctx context.Context, rows []xp.Row) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO member_xp (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			username = excluded.username,
			xp = excluded.xp,
			level = excluded.level,
			message_count = excluded.message_count,
			decayed_xp = excluded.decayed_xp,
			latest_gain_time = excluded.latest_gain_time,
			latest_message_time = excluded.latest_message_time,
			latest_decay_time = excluded.latest_decay_time,
			latest_level_up_message_time = excluded.latest_level_up_message_time
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.GuildID, r.UserID, r.Username, r.XP, r.Level, r.MessageCount, r.DecayedXP,
			toUnixNano(r.LatestGainTime), toUnixNano(r.LatestMessageTime),
			toUnixNano(r.LatestDecayTime), toUnixNano(r.LatestLevelUpMessageTime),
		); err != nil {
			return fmt.Errorf("upsert member %s/%s: %w", r.GuildID, r.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

// Stats counts stored guilds and members.
func (s *Store) Stats(ctx context.Context) (guilds, members int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(1) FROM guild_settings),
			(SELECT COUNT(1) FROM member_xp)
	`).Scan(&guilds, &members)
	if err != nil {
		return 0, 0, fmt.Errorf("stats: %w", err)
	}
	return guilds, members, nil
}

// Guilds lists every guild with stored settings.
func (s *Store) Guilds(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT guild_id FROM guild_settings ORDER BY guild_id`)
	if err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan guild id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Member times are stored as Unix nanoseconds so a sync round trip keeps the
// exact instant. Zero times are NULL.
func toUnixNano(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromUnixNano(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
