package market

import (
	"strings"
	"sync"
	"time"

	"gptbot/internal/decision"
	"gptbot/internal/gateway/exchange"
)

// DefaultCacheTTL is how long a ticker, positions or open_orders read stays
// fresh.
const DefaultCacheTTL = 3 * time.Second

// Cache holds the latest ticker, positions and open orders per symbol. Only
// this package writes to it; the pipeline reads.
type Cache struct {
	ttl   time.Duration
	nowFn func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value any
	at    time.Time
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{ttl: ttl, nowFn: time.Now, entries: make(map[string]cacheEntry)}
}

// Cacheable reports whether results of kind may be served from the cache.
func Cacheable(kind decision.DataKind) bool {
	switch kind {
	case decision.KindTicker, decision.KindPositions, decision.KindOpenOrders:
		return true
	default:
		return false
	}
}

func cacheKey(symbol string, kind decision.DataKind) string {
	return strings.ToUpper(symbol) + "|" + string(kind)
}

func (c *Cache) put(symbol string, kind decision.DataKind, v any) {
	if !Cacheable(kind) {
		return
	}
	c.mu.Lock()
	c.entries[cacheKey(symbol, kind)] = cacheEntry{value: v, at: c.nowFn()}
	c.mu.Unlock()
}

// Get returns the entry when it is younger than the TTL.
func (c *Cache) Get(symbol string, kind decision.DataKind) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[cacheKey(symbol, kind)]
	c.mu.RUnlock()
	if !ok || c.nowFn().Sub(e.at) >= c.ttl {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) Ticker(symbol string) (exchange.Ticker, bool) {
	v, ok := c.Get(symbol, decision.KindTicker)
	if !ok {
		return exchange.Ticker{}, false
	}
	t, ok := v.(exchange.Ticker)
	return t, ok
}

func (c *Cache) Positions(symbol string) ([]exchange.Position, bool) {
	v, ok := c.Get(symbol, decision.KindPositions)
	if !ok {
		return nil, false
	}
	p, ok := v.([]exchange.Position)
	return p, ok
}

func (c *Cache) OpenOrders(symbol string) ([]exchange.Order, bool) {
	v, ok := c.Get(symbol, decision.KindOpenOrders)
	if !ok {
		return nil, false
	}
	o, ok := v.([]exchange.Order)
	return o, ok
}
