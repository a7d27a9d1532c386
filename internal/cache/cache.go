package cache

import (
	"sync"
	"sync/atomic"

	"fxrates/internal/clock"
	"fxrates/internal/rates"
)

type table = map[rates.Pair]rates.CachedRate

// Cache holds the best-known rate per pair. Readers load an immutable map through an
// atomic pointer and never block; writers are serialised and publish a fresh copy.
type Cache struct {
	mu    sync.Mutex
	snap  atomic.Pointer[table]
	clock clock.Clock
}

// New returns an empty cache.
func New(clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real{}
	}
	c := &Cache{clock: clk}
	empty := make(table)
	c.snap.Store(&empty)
	return c
}

// Get returns the cached rate for pair.
func (c *Cache) Get(pair rates.Pair) (rates.CachedRate, bool) {
	r, ok := (*c.snap.Load())[pair]
	return r, ok
}

// All returns every cached rate sorted by pair.
func (c *Cache) All() []rates.CachedRate {
	current := *c.snap.Load()
	pairs := make([]rates.Pair, 0, len(current))
	for p := range current {
		pairs = append(pairs, p)
	}
	rates.SortPairs(pairs)

	out := make([]rates.CachedRate, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, current[p])
	}
	return out
}

// Len returns the number of cached pairs.
func (c *Cache) Len() int {
	return len(*c.snap.Load())
}

// Set stores one sample.
func (c *Cache) Set(sample rates.Sample) rates.Change {
	changes := c.SetBatch([]rates.Sample{sample})
	if len(changes) == 0 {
		return rates.Change{}
	}
	return changes[0]
}

// SetBatch stores samples under one copy of the map and returns the resulting changes.
// Non-positive rates are ignored. LastUpdated never moves backwards.
func (c *Cache) SetBatch(samples []rates.Sample) []rates.Change {
	if len(samples) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	current := *c.snap.Load()
	next := make(table, len(current)+len(samples))
	for p, r := range current {
		next[p] = r
	}

	changes := make([]rates.Change, 0, len(samples))
	for _, s := range samples {
		if !s.Rate.IsPositive() {
			continue
		}
		updated := rates.CachedRate{
			Pair:           s.Pair,
			Rate:           s.Rate,
			LastUpdated:    now,
			AsOf:           s.AsOf,
			SourceProvider: s.Provider,
		}

		change := rates.Change{Pair: s.Pair, New: updated}
		if prev, ok := next[s.Pair]; ok {
			if prev.LastUpdated.After(now) {
				updated.LastUpdated = prev.LastUpdated
				change.New = updated
			}
			old := prev
			change.Old = &old
		}
		next[s.Pair] = updated
		changes = append(changes, change)
	}

	c.snap.Store(&next)
	return changes
}

// Restore loads previously persisted rates without touching their timestamps. Entries
// already present with a newer LastUpdated are kept.
func (c *Cache) Restore(entries []rates.CachedRate) int {
	if len(entries) == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current := *c.snap.Load()
	next := make(table, len(current)+len(entries))
	for p, r := range current {
		next[p] = r
	}

	restored := 0
	for _, e := range entries {
		if !e.Rate.IsPositive() {
			continue
		}
		if prev, ok := next[e.Pair]; ok && !e.LastUpdated.After(prev.LastUpdated) {
			continue
		}
		next[e.Pair] = e
		restored++
	}

	c.snap.Store(&next)
	return restored
}
