package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FilterCache caches symbol filters per (venue, symbol) with a TTL. Filters
// change rarely; a stale entry is evicted early when the venue rejects an
// order with a filter violation.
type FilterCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[filterKey]*filterEntry
}

type filterKey struct {
	venue  string
	symbol string
}

type filterEntry struct {
	filters   Filters
	fetchedAt time.Time
}

// NewFilterCache creates a cache with the given TTL.
func NewFilterCache(ttl time.Duration) *FilterCache {
	return &FilterCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[filterKey]*filterEntry),
	}
}

// Get returns the cached filters for (venue, symbol), calling fetch on a miss
// or after the TTL has elapsed. A failed fetch is not cached.
func (c *FilterCache) Get(ctx context.Context, venue, symbol string, fetch func(context.Context, string) (Filters, error)) (Filters, error) {
	key := filterKey{venue: venue, symbol: symbol}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.fetchedAt) < c.ttl {
		f := e.filters
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()

	f, err := fetch(ctx, symbol)
	if err != nil {
		return Filters{}, err
	}

	c.mu.Lock()
	c.entries[key] = &filterEntry{filters: f, fetchedAt: c.now()}
	c.mu.Unlock()

	log.Debug().
		Str("venue", venue).
		Str("symbol", symbol).
		Str("lot_step", f.LotStep.String()).
		Str("tick_size", f.TickSize.String()).
		Msg("symbol filters refreshed")
	return f, nil
}

// Evict drops the entry for (venue, symbol). Called when the venue rejects
// an order with a filter violation, so the next access refetches.
func (c *FilterCache) Evict(venue, symbol string) {
	c.mu.Lock()
	delete(c.entries, filterKey{venue: venue, symbol: symbol})
	c.mu.Unlock()
}
