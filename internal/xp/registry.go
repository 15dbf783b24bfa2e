package xp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// LedgerLoader loads the persisted rows of one guild.
type LedgerLoader interface {
	LoadGuild(ctx context.Context, guildID string) ([]Row, error)
}

// Registry holds every resident guild ledger. A ledger is hydrated from the
// loader on first access and stays resident; there is no eviction.
type Registry struct {
	loader LedgerLoader

	mu      sync.RWMutex
	ledgers map[string]*Ledger
	group   singleflight.Group
}

func NewRegistry(loader LedgerLoader) *Registry {
	return &Registry{
		loader:  loader,
		ledgers: make(map[string]*Ledger),
	}
}

// Ledger returns the guild's ledger, hydrating it on first access. Concurrent
// first accesses share a single load.
func (r *Registry) Ledger(ctx context.Context, guildID string) (*Ledger, error) {
	if l, ok := r.Cached(guildID); ok {
		return l, nil
	}

	v, err, _ := r.group.Do(guildID, func() (any, error) {
		if l, ok := r.Cached(guildID); ok {
			return l, nil
		}
		var rows []Row
		if r.loader != nil {
			var err error
			rows, err = r.loader.LoadGuild(ctx, guildID)
			if err != nil {
				return nil, fmt.Errorf("hydrate guild %s: %w", guildID, err)
			}
		}
		l := newLedgerFromRows(guildID, rows)

		r.mu.Lock()
		r.ledgers[guildID] = l
		r.mu.Unlock()
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Ledger), nil
}

// Cached returns the ledger only if it is already resident.
func (r *Registry) Cached(guildID string) (*Ledger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.ledgers[guildID]
	return l, ok
}

// All returns the resident ledgers ordered by guild ID.
func (r *Registry) All() []*Ledger {
	r.mu.RLock()
	out := make([]*Ledger, 0, len(r.ledgers))
	for _, l := range r.ledgers {
		out = append(out, l)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].guildID < out[j].guildID })
	return out
}

// Len returns the number of resident ledgers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ledgers)
}
