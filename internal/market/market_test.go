package market

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gptbot/internal/decision"
	"gptbot/internal/gateway/exchange"
	"gptbot/internal/pkg/retry"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 30, 0, time.UTC)

type fakeReader struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	depth int
	limit int
}

func newFakeReader() *fakeReader {
	return &fakeReader{calls: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeReader) hit(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.fail[op]
}

func (f *fakeReader) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fakeReader) Filters(context.Context, string) (exchange.Filters, error) {
	return exchange.Filters{}, f.hit("filters")
}

func (f *fakeReader) Ticker(_ context.Context, symbol string) (exchange.Ticker, error) {
	return exchange.Ticker{Symbol: symbol, Last: d("100.05"), Bid: d("100"), Ask: d("100.1")}, f.hit("ticker")
}

func (f *fakeReader) OrderBook(_ context.Context, symbol string, depth int) (exchange.OrderBook, error) {
	f.mu.Lock()
	f.depth = depth
	f.mu.Unlock()
	return exchange.OrderBook{
		Symbol: symbol,
		Bids:   []exchange.BookLevel{{Price: d("100"), Qty: d("3")}, {Price: d("99.9"), Qty: d("1")}},
		Asks:   []exchange.BookLevel{{Price: d("100.1"), Qty: d("1")}},
	}, f.hit("orderbook")
}

func (f *fakeReader) Candles(_ context.Context, _ string, interval string, limit int) ([]exchange.Candle, error) {
	f.mu.Lock()
	f.limit = limit
	f.mu.Unlock()
	if err := f.hit("candles:" + interval); err != nil {
		return nil, err
	}
	step := time.Minute.Milliseconds() * 5
	if interval == "1h" {
		step = time.Hour.Milliseconds()
	}
	// Newest candle opened just before t0 and is still forming.
	last := t0.UnixMilli() - 1000
	out := make([]exchange.Candle, limit)
	for i := range out {
		p := 100 + float64(i)*0.1
		out[i] = exchange.Candle{OpenTime: last - int64(limit-1-i)*step, Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 5}
	}
	return out, nil
}

func (f *fakeReader) Trades(context.Context, string, int) ([]exchange.Trade, error) {
	return []exchange.Trade{
		{Side: decision.SideBuy, Qty: d("2"), Time: t0.Add(-10 * time.Second)},
		{Side: decision.SideSell, Qty: d("0.5"), Time: t0.Add(-20 * time.Second)},
		{Side: decision.SideSell, Qty: d("9"), Time: t0.Add(-5 * time.Minute)},
	}, f.hit("trades")
}

func (f *fakeReader) Positions(_ context.Context, symbol string) ([]exchange.Position, error) {
	return []exchange.Position{{Symbol: symbol, Side: exchange.PositionLong, Size: d("0.5"), EntryPrice: d("90")}}, f.hit("positions")
}

func (f *fakeReader) OpenOrders(context.Context, string) ([]exchange.Order, error) {
	return []exchange.Order{{OrderID: "1"}}, f.hit("open_orders")
}

func (f *fakeReader) Balance(context.Context) (exchange.Balance, error) {
	return exchange.Balance{Asset: "USDT", Total: d("1000"), Free: d("800")}, f.hit("balance")
}

func (f *fakeReader) Funding(_ context.Context, symbol string) (exchange.Funding, error) {
	return exchange.Funding{Symbol: symbol, Rate: d("0.0001"), MarkPrice: d("100.02"), IndexPrice: d("100.01")}, f.hit("funding")
}

func (f *fakeReader) OpenInterest(_ context.Context, symbol string) (exchange.OpenInterest, error) {
	return exchange.OpenInterest{Symbol: symbol, Value: d("12345")}, f.hit("open_interest")
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

var fastRetry = retry.Policy{Attempts: 2, Min: time.Millisecond, Max: time.Millisecond, Factor: 1}

func newFixture() (*fakeReader, *Cache, *clock) {
	clk := &clock{now: t0}
	cache := NewCache(DefaultCacheTTL)
	cache.nowFn = clk.Now
	return newFakeReader(), cache, clk
}

func TestBuildSnapshot(t *testing.T) {
	r, cache, clk := newFixture()
	s := NewSnapshotter(r, cache, "5m")
	s.nowFn = clk.Now
	s.retry = fastRetry

	snap, err := s.Build(context.Background(), "btcusdt")
	require.NoError(t, err)
	m := snap.Market
	assert.Equal(t, "BTCUSDT", m.Symbol)
	assert.True(t, m.OrderBook.BestBid.Equal(d("100")))
	assert.True(t, m.OrderBook.Spread.Equal(d("0.1")))
	assert.True(t, m.OrderBook.BidVolume.Equal(d("4")))
	assert.InDelta(t, 0.6, m.OrderBook.Imbalance, 1e-9)
	assert.Equal(t, 2, m.TradesFlow1m.Ticks)
	assert.True(t, m.TradesFlow1m.CVDDelta.Equal(d("1.5")))
	require.Contains(t, m.Features, "5m")
	require.Contains(t, m.Features, "1h")
	assert.Equal(t, 249, m.Features["5m"].Count, "forming candle dropped")
	require.NotNil(t, m.Funding)
	assert.Empty(t, m.Warnings)

	pos, ok := snap.Account.Position()
	require.True(t, ok)
	assert.True(t, pos.Size.Equal(d("0.5")))
	assert.True(t, snap.Account.PositionNotional().Equal(d("45")))

	q := snap.Quote()
	assert.True(t, q.Ask.Equal(d("100.1")))
	assert.True(t, q.Last.Equal(d("100.05")))

	_, ok = cache.Ticker("BTCUSDT")
	assert.True(t, ok)
	orders, ok := cache.OpenOrders("BTCUSDT")
	assert.True(t, ok)
	assert.Len(t, orders, 1)
}

func TestBuildDegradesOptionalReads(t *testing.T) {
	r, cache, clk := newFixture()
	r.fail["funding"] = &exchange.RejectedError{Venue: "bybit", Op: "funding", Message: "nope"}
	r.fail["candles:1h"] = errors.New("boom")
	s := NewSnapshotter(r, cache, "5m")
	s.nowFn = clk.Now
	s.retry = fastRetry

	snap, err := s.Build(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, snap.Market.Funding)
	assert.NotContains(t, snap.Market.Features, "1h")
	assert.Equal(t, []string{"funding unavailable", "parent_candles unavailable"}, snap.Market.Warnings)
}

func TestBuildFailsOnRequiredRead(t *testing.T) {
	r, cache, clk := newFixture()
	r.fail["positions"] = &exchange.TransportError{Venue: "bybit", Op: "positions", Err: errors.New("timeout")}
	s := NewSnapshotter(r, cache, "5m")
	s.nowFn = clk.Now
	s.retry = fastRetry

	_, err := s.Build(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, exchange.IsTransport(err))
	assert.Equal(t, 2, r.count("positions"), "transport errors on reads are retried")
}

func TestCollectServesFreshCacheWithoutFetching(t *testing.T) {
	r, cache, clk := newFixture()
	cache.put("BTCUSDT", decision.KindTicker, exchange.Ticker{Symbol: "BTCUSDT", Last: d("1")})
	cache.put("BTCUSDT", decision.KindPositions, []exchange.Position{})
	ds := NewDataService(r, cache, "5m")
	ds.nowFn = clk.Now
	ds.retry = fastRetry

	data, live, err := ds.Collect(context.Background(), "BTCUSDT", []decision.DataRequest{
		{Kind: decision.KindTicker},
		{Kind: decision.KindPositions},
	})
	require.NoError(t, err)
	assert.False(t, live)
	assert.Len(t, data, 2)
	assert.Zero(t, r.count("ticker"))

	clk.now = clk.now.Add(DefaultCacheTTL)
	_, live, err = ds.Collect(context.Background(), "BTCUSDT", []decision.DataRequest{{Kind: decision.KindTicker}})
	require.NoError(t, err)
	assert.True(t, live, "entry aged out at exactly the ttl")
	assert.Equal(t, 1, r.count("ticker"))
}

func TestCollectLiveKinds(t *testing.T) {
	r, cache, clk := newFixture()
	ds := NewDataService(r, cache, "5m")
	ds.nowFn = clk.Now
	ds.retry = fastRetry

	reqs := []decision.DataRequest{
		{Kind: decision.KindOHLCV, Args: map[string]any{"interval": "1h", "limit": float64(60)}},
		{Kind: decision.KindOrderBook, Args: map[string]any{"depth": "10"}},
		{Kind: decision.KindMarkPrice},
		{Kind: decision.KindOpenOrders},
		{Kind: decision.KindOpenOrders},
	}
	data, live, err := ds.Collect(context.Background(), "BTCUSDT", reqs)
	require.NoError(t, err)
	assert.True(t, live)
	assert.Len(t, data, 4)
	assert.Equal(t, 1, r.count("open_orders"), "duplicate item served once")

	ohlcv := data[reqs[0].CacheKey()].(map[string]any)
	assert.Len(t, ohlcv["candles"], 60)
	assert.Contains(t, ohlcv, "features")

	mark := data["mark_price"].(map[string]any)
	assert.True(t, mark["mark_price"].(decimal.Decimal).Equal(d("100.02")))

	_, ok := cache.OpenOrders("BTCUSDT")
	assert.True(t, ok, "live open_orders refresh the cache")
}

func TestCollectHonoursModelArgs(t *testing.T) {
	r, cache, clk := newFixture()
	ds := NewDataService(r, cache, "5m")
	ds.nowFn = clk.Now
	ds.retry = fastRetry

	raw := `{"action":"request_data","idempotency_key":"k","params":{"requests":[` +
		`{"kind":"orderbook","args":{"depth":50}},` +
		`{"kind":"ohlcv","args":{"timeframe":"1h","limit":50}}]}}`
	dec, err := decision.ValidateRaw(raw, decision.Policy{AllowedActions: decision.AllActions, RemainingInfoRequests: 3})
	require.NoError(t, err)

	data, live, err := ds.Collect(context.Background(), "BTCUSDT", dec.RequestData.Requests)
	require.NoError(t, err)
	assert.True(t, live)
	assert.Equal(t, 50, r.depth)
	assert.Equal(t, 1, r.count("candles:1h"))
	assert.Zero(t, r.count("candles:5m"))
	assert.Equal(t, 51, r.limit, "one extra for the forming candle")

	ohlcv := data[dec.RequestData.Requests[1].CacheKey()].(map[string]any)
	assert.Equal(t, "1h", ohlcv["interval"])
	assert.Len(t, ohlcv["candles"], 50)
}

func TestCollectItemErrorDoesNotAbort(t *testing.T) {
	r, cache, clk := newFixture()
	r.fail["balance"] = &exchange.RejectedError{Venue: "bybit", Op: "balance", Message: "denied"}
	ds := NewDataService(r, cache, "5m")
	ds.nowFn = clk.Now
	ds.retry = fastRetry

	data, live, err := ds.Collect(context.Background(), "BTCUSDT", []decision.DataRequest{
		{Kind: decision.KindBalance},
		{Kind: decision.KindOpenInterest},
	})
	require.NoError(t, err)
	assert.True(t, live)
	assert.Contains(t, data["balance"], "error")
	assert.Equal(t, 1, r.count("balance"), "rejections are not retried")
	assert.IsType(t, exchange.OpenInterest{}, data["open_interest"])
}

func TestDropUnclosed(t *testing.T) {
	open := t0.Add(-time.Minute).UnixMilli()
	candles := []exchange.Candle{{OpenTime: open - 300_000}, {OpenTime: open}}
	assert.Len(t, DropUnclosed(candles, 5*time.Minute, t0, DefaultCandleGrace), 1)
	later := time.UnixMilli(open).Add(5*time.Minute + DefaultCandleGrace)
	assert.Len(t, DropUnclosed(candles, 5*time.Minute, later, DefaultCandleGrace), 2)
	assert.Len(t, DropUnclosed(candles, 0, t0, DefaultCandleGrace), 2)
}

func TestArgInt(t *testing.T) {
	assert.Equal(t, 20, argInt(nil, "depth", 20, 200))
	assert.Equal(t, 200, argInt(map[string]any{"depth": float64(5000)}, "depth", 20, 200))
	assert.Equal(t, 20, argInt(map[string]any{"depth": float64(-1)}, "depth", 20, 200))
	assert.Equal(t, 15, argInt(map[string]any{"depth": " 15 "}, "depth", 20, 200))
	assert.Equal(t, 50, argInt(map[string]any{"depth": json.Number("50")}, "depth", 20, 200))
	assert.Equal(t, 50, argInt(map[string]any{"depth": json.Number("50.0")}, "depth", 20, 200))
	assert.Equal(t, 200, argInt(map[string]any{"depth": json.Number("1e12")}, "depth", 20, 200))
	assert.Equal(t, 20, argInt(map[string]any{"depth": json.Number("-3")}, "depth", 20, 200))
}
