package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FilterCache keeps per-symbol filters and refreshes them after ttl. Callers
// get a value copy, so a cycle holds one immutable snapshot.
type FilterCache struct {
	reader Reader
	ttl    time.Duration
	nowFn  func() time.Time

	mu      sync.Mutex
	entries map[string]Filters
}

func NewFilterCache(reader Reader, ttl time.Duration) *FilterCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &FilterCache{
		reader:  reader,
		ttl:     ttl,
		nowFn:   time.Now,
		entries: make(map[string]Filters),
	}
}

func (c *FilterCache) Get(ctx context.Context, symbol string) (Filters, error) {
	c.mu.Lock()
	cached, ok := c.entries[symbol]
	c.mu.Unlock()
	if ok && c.nowFn().Sub(cached.FetchedAt) < c.ttl {
		return cached, nil
	}
	fresh, err := c.reader.Filters(ctx, symbol)
	if err != nil {
		if ok {
			// stale filters beat no filters; tick and step rarely change
			return cached, nil
		}
		return Filters{}, fmt.Errorf("load filters %s: %w", symbol, err)
	}
	if !fresh.TickSize.IsPositive() || !fresh.StepSize.IsPositive() {
		return Filters{}, fmt.Errorf("load filters %s: tick=%s step=%s must be > 0", symbol, fresh.TickSize, fresh.StepSize)
	}
	fresh.Symbol = symbol
	fresh.FetchedAt = c.nowFn()
	c.mu.Lock()
	c.entries[symbol] = fresh
	c.mu.Unlock()
	return fresh, nil
}
