package market

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gptbot/internal/analysis/indicator"
	"gptbot/internal/decision"
	"gptbot/internal/gateway/exchange"
	"gptbot/internal/logger"
	"gptbot/internal/pkg/retry"
	"gptbot/internal/scheduler"
)

const (
	maxCandleLimit = 500
	maxBookDepth   = 200
	maxTradeLimit  = 1000
)

// DataService answers request_data decisions.
type DataService struct {
	reader   exchange.Reader
	cache    *Cache
	interval string
	retry    retry.Policy
	nowFn    func() time.Time
}

func NewDataService(reader exchange.Reader, cache *Cache, interval string) *DataService {
	return &DataService{
		reader:   reader,
		cache:    cache,
		interval: interval,
		retry:    retry.DefaultPolicy,
		nowFn:    time.Now,
	}
}

// Collect serves every request in order, keyed by DataRequest.CacheKey. Items
// that fail carry an "error" entry instead of aborting the batch. fetchedLive
// is false only when every item came from the cache.
func (d *DataService) Collect(ctx context.Context, symbol string, reqs []decision.DataRequest) (map[string]any, bool, error) {
	symbol = strings.ToUpper(symbol)
	out := make(map[string]any, len(reqs))
	fetchedLive := false
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return out, fetchedLive, err
		}
		key := req.CacheKey()
		if _, seen := out[key]; seen {
			continue
		}
		if Cacheable(req.Kind) {
			if v, ok := d.cache.Get(symbol, req.Kind); ok {
				out[key] = v
				continue
			}
		}
		fetchedLive = true
		v, err := d.fetch(ctx, symbol, req)
		if err != nil {
			logger.Warnf("request_data %s %s failed: %v", symbol, key, err)
			out[key] = map[string]any{"error": err.Error()}
			continue
		}
		d.cache.put(symbol, req.Kind, v)
		out[key] = v
	}
	return out, fetchedLive, nil
}

func (d *DataService) fetch(ctx context.Context, symbol string, req decision.DataRequest) (any, error) {
	var out any
	err := retry.Do(ctx, d.retry, exchange.IsTransport, func(ctx context.Context) error {
		v, err := d.fetchOnce(ctx, symbol, req)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (d *DataService) fetchOnce(ctx context.Context, symbol string, req decision.DataRequest) (any, error) {
	switch req.Kind {
	case decision.KindTicker:
		return d.reader.Ticker(ctx, symbol)
	case decision.KindPositions:
		return d.reader.Positions(ctx, symbol)
	case decision.KindOpenOrders:
		return d.reader.OpenOrders(ctx, symbol)
	case decision.KindBalance:
		return d.reader.Balance(ctx)
	case decision.KindOpenInterest:
		return d.reader.OpenInterest(ctx, symbol)
	case decision.KindFundingRate:
		f, err := d.reader.Funding(ctx, symbol)
		if err != nil {
			return nil, err
		}
		return map[string]any{"rate": f.Rate, "next_funding_time": f.NextFundingTime}, nil
	case decision.KindMarkPrice:
		f, err := d.reader.Funding(ctx, symbol)
		if err != nil {
			return nil, err
		}
		return map[string]any{"mark_price": f.MarkPrice}, nil
	case decision.KindIndexPrice:
		f, err := d.reader.Funding(ctx, symbol)
		if err != nil {
			return nil, err
		}
		return map[string]any{"index_price": f.IndexPrice}, nil
	case decision.KindOrderBook:
		depth := argInt(req.Args, "depth", defaultBookDepth, maxBookDepth)
		return d.reader.OrderBook(ctx, symbol, depth)
	case decision.KindTrades:
		limit := argInt(req.Args, "limit", 100, maxTradeLimit)
		trades, err := d.reader.Trades(ctx, symbol, limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"trades": trades,
			"flow":   SummarizeTrades(trades, tradesFlowWindow, d.nowFn()),
		}, nil
	case decision.KindOHLCV:
		return d.ohlcv(ctx, symbol, req.Args)
	default:
		return nil, fmt.Errorf("unsupported kind %q", req.Kind)
	}
}

func (d *DataService) ohlcv(ctx context.Context, symbol string, args map[string]any) (any, error) {
	interval := argString(args, "timeframe", argString(args, "interval", d.interval))
	limit := argInt(args, "limit", 100, maxCandleLimit)
	dur, ok := scheduler.ParseIntervalDuration(interval)
	if !ok {
		return nil, fmt.Errorf("invalid interval %q", interval)
	}
	// One extra candle covers the in-progress one dropped below.
	candles, err := d.reader.Candles(ctx, symbol, interval, limit+1)
	if err != nil {
		return nil, err
	}
	candles = DropUnclosed(candles, dur, d.nowFn(), DefaultCandleGrace)
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	res := map[string]any{"interval": interval, "candles": candles}
	if f, err := indicator.Compute(interval, candles); err == nil {
		res["features"] = f
	}
	return res, nil
}

func argInt(args map[string]any, key string, def, max int) int {
	n := def
	switch v := args[key].(type) {
	case float64:
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			n = int(v)
		}
	case int:
		n = v
	case json.Number:
		if i, err := v.Int64(); err == nil && i <= math.MaxInt32 {
			n = int(i)
		} else if f, err := v.Float64(); err == nil && f < math.MaxInt32 {
			n = int(f)
		} else if err == nil {
			n = max
		}
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			n = parsed
		}
	}
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func argString(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}
