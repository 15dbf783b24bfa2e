package xp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stellarlinkco/levelbot/internal/settings"
)

// SettingsProvider returns a guild's XP settings, creating defaults on first access.
type SettingsProvider interface {
	GuildSettings(ctx context.Context, guildID string) (*settings.Guild, error)
}

// Persistence is the durable row store behind the ledgers.
type Persistence interface {
	LedgerLoader
	// DecayEligibleGuilds lists guilds with decay enabled and at least one
	// member whose latest message is older than the guild's grace period at now.
	DecayEligibleGuilds(ctx context.Context, now time.Time) ([]string, error)
	// BulkUpsert writes rows keyed by (guild, user), last write wins.
	BulkUpsert(ctx context.Context, rows []Row) error
}

// LevelChange is passed to the LevelChangeHandler after a mutation moved a
// member to a different level.
type LevelChange struct {
	GuildID   string
	UserID    string
	Username  string
	OldLevel  int
	NewLevel  int
	XP        int
	Reason    Reason
	ChannelID string
	Announce  bool
	Settings  settings.Guild
}

// LevelChangeHandler performs level role sync and level-up notification.
// It runs outside every lock; its errors are logged and never undo XP changes.
type LevelChangeHandler interface {
	OnLevelChanged(ctx context.Context, change LevelChange) error
}

// LevelChangeFunc adapts a function to LevelChangeHandler.
type LevelChangeFunc func(ctx context.Context, change LevelChange) error

func (f LevelChangeFunc) OnLevelChanged(ctx context.Context, change LevelChange) error {
	return f(ctx, change)
}

// Options configure a Service.
type Options struct {
	// SerializeMutations applies every mutation under one exclusive lock.
	// When false, mutations of different members run in parallel and only
	// whole-ledger readers (sync, decay scan, ranking) take the exclusive lock.
	SerializeMutations bool
	Handler            LevelChangeHandler
	Registerer         prometheus.Registerer
}

// Service coordinates XP mutations: it owns the queues, the lock discipline,
// the periodic workers and the level change side effects.
//
// Lock order is always global first, member second.
type Service struct {
	engine    *Engine
	registry  *Registry
	store     Persistence
	settings  SettingsProvider
	handler   LevelChangeHandler
	metrics   *Metrics
	serialize bool

	global sync.RWMutex
	locks  *memberLocks

	messages fifo[MessageGain]
	actions  fifo[Action]
	decay    decayQueue

	pendingMu sync.Mutex
	pending   map[MemberKey]struct{}
}

func NewService(engine *Engine, store Persistence, cfgs SettingsProvider, opts Options) *Service {
	s := &Service{
		engine:    engine,
		registry:  NewRegistry(store),
		store:     store,
		settings:  cfgs,
		handler:   opts.Handler,
		serialize: opts.SerializeMutations,
		locks:     newMemberLocks(),
		pending:   make(map[MemberKey]struct{}),
	}
	s.metrics = newMetrics(opts.Registerer,
		func() float64 { return float64(s.registry.Len()) },
		func() float64 { return float64(s.locks.Len()) },
	)
	return s
}

// Registry exposes the resident ledgers.
func (s *Service) Registry() *Registry { return s.registry }

// EnqueueMessageEvent queues a chat message for XP processing.
func (s *Service) EnqueueMessageEvent(ev MessageGain) {
	if ev.MessageTime.IsZero() {
		ev.MessageTime = s.engine.now()
	}
	s.messages.Push(ev)
}

// EnqueueXPAction queues an award (positive offset), a take-away (negative
// offset) or, when reset is set, a reset to zero.
func (s *Service) EnqueueXPAction(guildID, userID, username string, offset int, reset bool) {
	if reset {
		s.actions.Push(Reset{GuildID: guildID, UserID: userID, Username: username})
		return
	}
	s.actions.Push(DirectOffset{GuildID: guildID, UserID: userID, Username: username, Amount: offset})
}

// EnqueueTransfer queues a move of amount XP between two members. The transfer
// can be partial: the destination is credited only what the source actually
// had, up to amount. A source with no XP fails the transfer when it is applied.
func (s *Service) EnqueueTransfer(t Transfer) error {
	if t.Amount <= 0 || t.FromUserID == t.ToUserID || t.FromUserID == "" || t.ToUserID == "" {
		return fmt.Errorf("transfer %d from %q to %q: %w", t.Amount, t.FromUserID, t.ToUserID, ErrInvalidTransfer)
	}
	s.actions.Push(t)
	return nil
}

// QueueDepths reports the number of queued items per queue.
func (s *Service) QueueDepths() map[string]int {
	return map[string]int{
		"messages": s.messages.Len(),
		"actions":  s.actions.Len(),
		"decay":    s.decay.Len(),
	}
}

func (s *Service) recordDepths() {
	for name, n := range s.QueueDepths() {
		s.metrics.queueDepth.WithLabelValues(name).Set(float64(n))
	}
}

// lockMutation takes the global lock in the mode mutations use.
func (s *Service) lockMutation() func() {
	if s.serialize {
		s.global.Lock()
		return s.global.Unlock
	}
	s.global.RLock()
	return s.global.RUnlock
}

// lockSnapshot excludes every mutation.
func (s *Service) lockSnapshot() func() {
	s.global.Lock()
	return s.global.Unlock
}

// resolve fetches the guild's settings and ledger. Both may do I/O and are
// called before any lock is taken.
func (s *Service) resolve(ctx context.Context, guildID string) (*settings.Guild, *Ledger, error) {
	cfg, err := s.settings.GuildSettings(ctx, guildID)
	if err != nil {
		return nil, nil, fmt.Errorf("guild %s settings: %w", guildID, err)
	}
	if cfg == nil {
		return nil, nil, fmt.Errorf("guild %s: %w", guildID, ErrSettingsMissing)
	}
	ledger, err := s.registry.Ledger(ctx, guildID)
	if err != nil {
		return nil, nil, err
	}
	return cfg, ledger, nil
}

// ConsumeMessages drains the message events queued when it starts. A message
// whose member is busy is put back at the tail and retried on the next run.
// It returns the number of events applied.
func (s *Service) ConsumeMessages(ctx context.Context) int {
	defer s.recordDepths()
	applied := 0
	for n := s.messages.Len(); n > 0; n-- {
		ev, ok := s.messages.Pop()
		if !ok {
			break
		}
		done, err := s.processMessage(ctx, ev)
		if err != nil {
			s.metrics.dropped.WithLabelValues("messages").Inc()
			log.Printf("[xp] drop message event %s: %v", ev.Member(), err)
			continue
		}
		if done {
			applied++
		}
	}
	if applied > 0 {
		s.metrics.processed.WithLabelValues("messages").Add(float64(applied))
	}
	return applied
}

func (s *Service) processMessage(ctx context.Context, ev MessageGain) (bool, error) {
	cfg, ledger, err := s.resolve(ctx, ev.GuildID)
	if err != nil {
		return false, err
	}
	if cfg.IgnoresChannel(ev.ChannelID) || cfg.IgnoresAnyRole(ev.RoleIDs) {
		return false, nil
	}

	unlock := s.lockMutation()
	ml := s.locks.get(ev.Member())
	if !ml.TryLock() {
		unlock()
		s.messages.Push(ev)
		s.metrics.requeued.Inc()
		return false, nil
	}
	out, err := s.engine.OnMessage(ledger, cfg, ev)
	ml.Unlock()
	unlock()
	if err != nil {
		return false, err
	}

	if out.LevelChanged {
		s.levelChanged(ctx, LevelChange{
			GuildID:   ev.GuildID,
			UserID:    ev.UserID,
			Username:  ev.Username,
			OldLevel:  out.OldLevel,
			NewLevel:  out.NewLevel,
			XP:        out.XP,
			Reason:    ReasonMessage,
			ChannelID: ev.ChannelID,
			Announce:  out.Announce,
			Settings:  cfg.Clone(),
		})
	}
	return out.Applied, nil
}

// ConsumeActions drains the direct action queue. Each action blocks on its
// member lock.
func (s *Service) ConsumeActions(ctx context.Context) int {
	defer s.recordDepths()
	applied := 0
	for n := s.actions.Len(); n > 0; n-- {
		a, ok := s.actions.Pop()
		if !ok {
			break
		}
		var err error
		switch a := a.(type) {
		case Transfer:
			err = s.transfer(ctx, a)
		case DirectOffset:
			err = s.applyAction(ctx, a, a.Username)
		case Reset:
			err = s.applyAction(ctx, a, a.Username)
		default:
			err = fmt.Errorf("action %T: %w", a, ErrUnknownMutation)
		}
		if err != nil {
			s.metrics.dropped.WithLabelValues("actions").Inc()
			log.Printf("[xp] drop action for guild %s: %v", a.Guild(), err)
			continue
		}
		applied++
	}
	if applied > 0 {
		s.metrics.processed.WithLabelValues("actions").Add(float64(applied))
	}
	return applied
}

func (s *Service) applyAction(ctx context.Context, m Mutation, username string) error {
	key := m.Member()
	cfg, ledger, err := s.resolve(ctx, key.GuildID)
	if err != nil {
		return err
	}

	unlock := s.lockMutation()
	ml := s.locks.get(key)
	ml.Lock()
	out, err := s.engine.OnAction(ledger, cfg, m)
	ml.Unlock()
	unlock()
	if err != nil {
		return err
	}

	if out.LevelChanged {
		s.levelChanged(ctx, LevelChange{
			GuildID:  key.GuildID,
			UserID:   key.UserID,
			Username: username,
			OldLevel: out.OldLevel,
			NewLevel: out.NewLevel,
			XP:       out.XP,
			Reason:   ReasonAction,
			Settings: cfg.Clone(),
		})
	}
	return nil
}

// transfer debits the source then credits the destination with the amount
// actually debited. If the credit fails the source is refunded. The two steps
// are not one atomic write: a crash in between loses the debited XP.
func (s *Service) transfer(ctx context.Context, t Transfer) error {
	cfg, ledger, err := s.resolve(ctx, t.GuildID)
	if err != nil {
		return err
	}
	from := MemberKey{GuildID: t.GuildID, UserID: t.FromUserID}
	to := MemberKey{GuildID: t.GuildID, UserID: t.ToUserID}

	unlock := s.lockMutation()

	src := s.locks.get(from)
	src.Lock()
	rec, ok := ledger.Get(t.FromUserID)
	if !ok || rec.xp <= 0 {
		src.Unlock()
		unlock()
		return fmt.Errorf("transfer from %s: no xp to give: %w", from, ErrInvalidTransfer)
	}
	amount := min(t.Amount, rec.xp)
	debit, err := s.engine.OnAction(ledger, cfg, DirectOffset{GuildID: t.GuildID, UserID: t.FromUserID, Username: t.FromUsername, Amount: -amount})
	src.Unlock()
	if err != nil {
		unlock()
		return fmt.Errorf("transfer debit %s: %w", from, err)
	}

	dst := s.locks.get(to)
	dst.Lock()
	credit, err := s.engine.OnAction(ledger, cfg, DirectOffset{GuildID: t.GuildID, UserID: t.ToUserID, Username: t.ToUsername, Amount: amount})
	dst.Unlock()
	if err != nil {
		src.Lock()
		_, rerr := s.engine.OnAction(ledger, cfg, DirectOffset{GuildID: t.GuildID, UserID: t.FromUserID, Amount: amount})
		src.Unlock()
		unlock()
		if rerr != nil {
			return fmt.Errorf("transfer credit %s: %w (refund of %s failed: %v)", to, err, from, rerr)
		}
		return fmt.Errorf("transfer credit %s, refunded %s: %w", to, from, err)
	}
	unlock()

	if debit.LevelChanged {
		s.levelChanged(ctx, LevelChange{
			GuildID: t.GuildID, UserID: t.FromUserID, Username: t.FromUsername,
			OldLevel: debit.OldLevel, NewLevel: debit.NewLevel, XP: debit.XP,
			Reason: ReasonTransfer, Settings: cfg.Clone(),
		})
	}
	if credit.LevelChanged {
		s.levelChanged(ctx, LevelChange{
			GuildID: t.GuildID, UserID: t.ToUserID, Username: t.ToUsername,
			OldLevel: credit.OldLevel, NewLevel: credit.NewLevel, XP: credit.XP,
			Reason: ReasonTransfer, Settings: cfg.Clone(),
		})
	}
	return nil
}

// ProduceDecay hydrates the guilds the store reports as decay-eligible, then
// queues one decay tick for every inactive member not already pending.
// It returns the number of ticks queued.
func (s *Service) ProduceDecay(ctx context.Context) int {
	defer s.recordDepths()
	now := s.engine.now()

	ids, err := s.store.DecayEligibleGuilds(ctx, now)
	if err != nil {
		log.Printf("[decay] list eligible guilds: %v", err)
	}
	for _, id := range ids {
		if _, err := s.registry.Ledger(ctx, id); err != nil {
			log.Printf("[decay] %v", err)
		}
	}

	queued := 0
	for _, ledger := range s.registry.All() {
		cfg, err := s.settings.GuildSettings(ctx, ledger.guildID)
		if err != nil || cfg == nil {
			log.Printf("[decay] guild %s settings unavailable: %v", ledger.guildID, err)
			continue
		}
		if !cfg.XPDecayEnabled {
			continue
		}
		grace := cfg.GracePeriod()
		cutoff := now.Add(-grace)

		unlock := s.lockSnapshot()
		for _, rec := range ledger.InactiveSince(cutoff) {
			key := rec.Key()
			ml := s.locks.get(key)
			ml.Lock()
			if s.markPending(key) {
				s.decay.Push(nextDecay(rec, grace), key)
				queued++
			}
			ml.Unlock()
		}
		unlock()
	}
	if queued > 0 {
		log.Printf("[decay] queued %d decay ticks", queued)
	}
	return queued
}

func (s *Service) markPending(key MemberKey) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if _, ok := s.pending[key]; ok {
		return false
	}
	s.pending[key] = struct{}{}
	return true
}

func (s *Service) clearPending(key MemberKey) {
	s.pendingMu.Lock()
	delete(s.pending, key)
	s.pendingMu.Unlock()
}

// ConsumeDecay applies every queued decay tick that is due, earliest first,
// and stops at the first one that is not. It returns the number of ticks
// that changed a record.
func (s *Service) ConsumeDecay(ctx context.Context) int {
	defer s.recordDepths()
	applied := 0
	for {
		item, ok := s.decay.PopDue(s.engine.now())
		if !ok {
			break
		}
		done, err := s.processDecay(ctx, item)
		if err != nil {
			s.metrics.dropped.WithLabelValues("decay").Inc()
			log.Printf("[decay] drop tick %s: %v", item.key, err)
			continue
		}
		if done {
			applied++
		}
	}
	if applied > 0 {
		s.metrics.processed.WithLabelValues("decay").Add(float64(applied))
		log.Printf("[decay] applied %d decay ticks", applied)
	}
	return applied
}

func (s *Service) processDecay(ctx context.Context, item decayItem) (bool, error) {
	cfg, ledger, err := s.resolve(ctx, item.key.GuildID)
	if err != nil {
		s.clearPending(item.key)
		return false, err
	}

	unlock := s.lockMutation()
	ml := s.locks.get(item.key)
	ml.Lock()
	out, err := s.engine.OnDecay(ledger, cfg, Decay{GuildID: item.key.GuildID, UserID: item.key.UserID, Due: item.due})
	s.clearPending(item.key)
	var username string
	if rec, ok := ledger.Get(item.key.UserID); ok {
		username = rec.username
	}
	ml.Unlock()
	unlock()
	if err != nil {
		return false, err
	}

	if out.LevelChanged {
		s.levelChanged(ctx, LevelChange{
			GuildID:  item.key.GuildID,
			UserID:   item.key.UserID,
			Username: username,
			OldLevel: out.OldLevel,
			NewLevel: out.NewLevel,
			XP:       out.XP,
			Reason:   ReasonDecay,
			Settings: cfg.Clone(),
		})
	}
	return out.Applied, nil
}

// Sync flushes every dirty record to the store. Dirty flags are cleared
// before the write; if the write fails every included record is marked dirty
// again and a *SyncError is returned.
func (s *Service) Sync(ctx context.Context) error {
	unlock := s.lockSnapshot()
	var rows []Row
	var included []*Record
	for _, ledger := range s.registry.All() {
		recs := ledger.Unsynced()
		if len(recs) == 0 {
			continue
		}
		for _, rec := range recs {
			rows = append(rows, rec.Row())
		}
		included = append(included, recs...)
		ledger.MarkSynced()
	}
	unlock()

	if len(rows) == 0 {
		return nil
	}

	start := time.Now()
	err := s.store.BulkUpsert(ctx, rows)
	s.metrics.syncSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		unlock := s.lockSnapshot()
		for _, rec := range included {
			rec.markDirty()
		}
		unlock()
		s.metrics.syncFailures.Inc()
		return &SyncError{Rows: len(rows), Err: err}
	}
	s.metrics.syncedRows.Add(float64(len(rows)))
	log.Printf("[sync] wrote %d member rows", len(rows))
	return nil
}

// Rank returns the member's rank and row. ok is false when the member has no
// record; rank is then last+1.
func (s *Service) Rank(ctx context.Context, guildID, userID string) (rank int, row Row, ok bool, err error) {
	ledger, err := s.registry.Ledger(ctx, guildID)
	if err != nil {
		return 0, Row{}, false, err
	}
	unlock := s.lockSnapshot()
	defer unlock()
	rank = ledger.RankOf(userID)
	rec, ok := ledger.Get(userID)
	if ok {
		row = rec.Row()
	}
	return rank, row, ok, nil
}

// Leaderboard returns the top limit members of a guild.
func (s *Service) Leaderboard(ctx context.Context, guildID string, limit int) ([]Standing, error) {
	ledger, err := s.registry.Ledger(ctx, guildID)
	if err != nil {
		return nil, err
	}
	unlock := s.lockSnapshot()
	defer unlock()
	return ledger.Top(limit), nil
}

func (s *Service) levelChanged(ctx context.Context, change LevelChange) {
	s.metrics.levelChanges.WithLabelValues(string(change.Reason)).Inc()
	if s.handler == nil {
		return
	}
	if err := s.handler.OnLevelChanged(ctx, change); err != nil {
		log.Printf("[notify] level change %s/%s %d->%d: %v",
			change.GuildID, change.UserID, change.OldLevel, change.NewLevel, err)
	}
}

// IsSyncError reports whether err came from a failed flush.
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}
