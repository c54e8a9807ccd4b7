// Package market assembles the snapshot handed to the model and serves its
// request_data follow-ups.
package market

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"gptbot/internal/analysis/indicator"
	"gptbot/internal/decision"
	"gptbot/internal/gateway/exchange"
	"gptbot/internal/logger"
	"gptbot/internal/normalize"
	"gptbot/internal/pkg/retry"
	"gptbot/internal/scheduler"
)

const (
	defaultCandleLimit = 250
	defaultBookDepth   = 20
	defaultTradeLimit  = 500
	bookSummaryLevels  = 5
	tradesFlowWindow   = time.Minute
)

type BookSummary struct {
	BestBid   decimal.Decimal `json:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask"`
	Spread    decimal.Decimal `json:"spread"`
	SpreadBps float64         `json:"spread_bps"`
	BidVolume decimal.Decimal `json:"bid_volume_top5"`
	AskVolume decimal.Decimal `json:"ask_volume_top5"`
	Imbalance float64         `json:"imbalance"`
}

type TradesFlow struct {
	Window     string          `json:"window"`
	BuyVolume  decimal.Decimal `json:"buy_volume"`
	SellVolume decimal.Decimal `json:"sell_volume"`
	Ticks      int             `json:"ticks"`
	CVDDelta   decimal.Decimal `json:"cvd_delta"`
}

type MarketSnapshot struct {
	Symbol       string                        `json:"symbol"`
	Time         time.Time                     `json:"time"`
	Interval     string                        `json:"interval"`
	Ticker       exchange.Ticker               `json:"ticker"`
	OrderBook    BookSummary                   `json:"order_book_summary"`
	Features     map[string]indicator.Features `json:"features"`
	TradesFlow1m TradesFlow                    `json:"trades_flow_1m"`
	Funding      *exchange.Funding             `json:"funding,omitempty"`
	OpenInterest *exchange.OpenInterest        `json:"open_interest,omitempty"`
	Warnings     []string                      `json:"warnings,omitempty"`
}

type AccountSnapshot struct {
	Balance    exchange.Balance    `json:"balance"`
	Positions  []exchange.Position `json:"positions"`
	OpenOrders []exchange.Order    `json:"open_orders"`
}

// Position returns the first non-empty position.
func (a AccountSnapshot) Position() (exchange.Position, bool) {
	for _, p := range a.Positions {
		if !p.Size.IsZero() {
			return p, true
		}
	}
	return exchange.Position{}, false
}

func (a AccountSnapshot) PositionNotional() decimal.Decimal {
	total := decimal.Zero
	for _, p := range a.Positions {
		total = total.Add(p.Notional())
	}
	return total
}

type Snapshot struct {
	Market  MarketSnapshot  `json:"market_snapshot"`
	Account AccountSnapshot `json:"account_snapshot"`
}

// Quote is the price reference used by the normalizer.
func (s Snapshot) Quote() normalize.Quote {
	q := normalize.Quote{
		Bid:  s.Market.OrderBook.BestBid,
		Ask:  s.Market.OrderBook.BestAsk,
		Last: s.Market.Ticker.Last,
	}
	if !q.Bid.IsPositive() {
		q.Bid = s.Market.Ticker.Bid
	}
	if !q.Ask.IsPositive() {
		q.Ask = s.Market.Ticker.Ask
	}
	return q
}

// Snapshotter is the only writer of the shared Cache.
type Snapshotter struct {
	reader   exchange.Reader
	cache    *Cache
	interval string
	retry    retry.Policy
	nowFn    func() time.Time
}

func NewSnapshotter(reader exchange.Reader, cache *Cache, interval string) *Snapshotter {
	return &Snapshotter{
		reader:   reader,
		cache:    cache,
		interval: interval,
		retry:    retry.DefaultPolicy,
		nowFn:    time.Now,
	}
}

// Build reads everything the model sees for one cycle. Ticker, book, base
// candles and the account are required; the rest degrade to warnings.
func (s *Snapshotter) Build(ctx context.Context, symbol string) (Snapshot, error) {
	symbol = strings.ToUpper(symbol)
	now := s.nowFn()
	var (
		ticker     exchange.Ticker
		book       exchange.OrderBook
		base       []exchange.Candle
		parent     []exchange.Candle
		trades     []exchange.Trade
		funding    exchange.Funding
		oi         exchange.OpenInterest
		balance    exchange.Balance
		positions  []exchange.Position
		openOrders []exchange.Order
	)
	parentInterval := scheduler.ParentInterval(s.interval)

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	optional := map[string]error{}
	hard := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := s.read(gctx, fn); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	soft := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := s.read(gctx, fn); err != nil {
				mu.Lock()
				optional[name] = err
				mu.Unlock()
			}
			return nil
		})
	}

	hard("ticker", func(c context.Context) (err error) {
		ticker, err = s.reader.Ticker(c, symbol)
		return
	})
	hard("orderbook", func(c context.Context) (err error) {
		book, err = s.reader.OrderBook(c, symbol, defaultBookDepth)
		return
	})
	hard("candles", func(c context.Context) (err error) {
		base, err = s.reader.Candles(c, symbol, s.interval, defaultCandleLimit)
		return
	})
	hard("balance", func(c context.Context) (err error) {
		balance, err = s.reader.Balance(c)
		return
	})
	hard("positions", func(c context.Context) (err error) {
		positions, err = s.reader.Positions(c, symbol)
		return
	})
	hard("open_orders", func(c context.Context) (err error) {
		openOrders, err = s.reader.OpenOrders(c, symbol)
		return
	})
	if parentInterval != s.interval {
		soft("parent_candles", func(c context.Context) (err error) {
			parent, err = s.reader.Candles(c, symbol, parentInterval, defaultCandleLimit)
			return
		})
	}
	soft("trades", func(c context.Context) (err error) {
		trades, err = s.reader.Trades(c, symbol, defaultTradeLimit)
		return
	})
	soft("funding", func(c context.Context) (err error) {
		funding, err = s.reader.Funding(c, symbol)
		return
	})
	soft("open_interest", func(c context.Context) (err error) {
		oi, err = s.reader.OpenInterest(c, symbol)
		return
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Market: MarketSnapshot{
			Symbol:       symbol,
			Time:         now.UTC(),
			Interval:     s.interval,
			Ticker:       ticker,
			OrderBook:    SummarizeBook(book, bookSummaryLevels),
			Features:     make(map[string]indicator.Features, 2),
			TradesFlow1m: SummarizeTrades(trades, tradesFlowWindow, now),
		},
		Account: AccountSnapshot{Balance: balance, Positions: positions, OpenOrders: openOrders},
	}
	names := make([]string, 0, len(optional))
	for name := range optional {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		logger.Warnf("snapshot %s: %s unavailable: %v", symbol, name, optional[name])
		snap.Market.Warnings = append(snap.Market.Warnings, name+" unavailable")
	}
	if _, ok := optional["funding"]; !ok {
		snap.Market.Funding = &funding
	}
	if _, ok := optional["open_interest"]; !ok {
		snap.Market.OpenInterest = &oi
	}
	s.addFeatures(&snap.Market, s.interval, base, now)
	if _, failed := optional["parent_candles"]; !failed && parentInterval != s.interval {
		s.addFeatures(&snap.Market, parentInterval, parent, now)
	}

	s.cache.put(symbol, decision.KindTicker, ticker)
	s.cache.put(symbol, decision.KindPositions, positions)
	s.cache.put(symbol, decision.KindOpenOrders, openOrders)
	return snap, nil
}

func (s *Snapshotter) addFeatures(m *MarketSnapshot, interval string, candles []exchange.Candle, now time.Time) {
	if d, ok := scheduler.ParseIntervalDuration(interval); ok {
		candles = DropUnclosed(candles, d, now, DefaultCandleGrace)
	}
	f, err := indicator.Compute(interval, candles)
	if err != nil {
		m.Warnings = append(m.Warnings, fmt.Sprintf("features %s: %v", interval, err))
		return
	}
	m.Features[interval] = f
}

func (s *Snapshotter) read(ctx context.Context, fn func(context.Context) error) error {
	return retry.Do(ctx, s.retry, exchange.IsTransport, fn)
}

// SummarizeBook reduces the book to touch prices and top-level depth.
func SummarizeBook(b exchange.OrderBook, levels int) BookSummary {
	out := BookSummary{BestBid: b.BestBid(), BestAsk: b.BestAsk()}
	out.BidVolume = sumQty(b.Bids, levels)
	out.AskVolume = sumQty(b.Asks, levels)
	if out.BestBid.IsPositive() && out.BestAsk.IsPositive() {
		out.Spread = out.BestAsk.Sub(out.BestBid)
		mid := out.BestAsk.Add(out.BestBid).Div(decimal.NewFromInt(2))
		out.SpreadBps, _ = out.Spread.Div(mid).Mul(decimal.NewFromInt(10000)).Round(2).Float64()
	}
	if total := out.BidVolume.Add(out.AskVolume); total.IsPositive() {
		out.Imbalance, _ = out.BidVolume.Sub(out.AskVolume).Div(total).Round(4).Float64()
	}
	return out
}

func sumQty(levels []exchange.BookLevel, n int) decimal.Decimal {
	total := decimal.Zero
	for i, l := range levels {
		if i >= n {
			break
		}
		total = total.Add(l.Qty)
	}
	return total
}

// SummarizeTrades aggregates the trades inside window ending at now.
func SummarizeTrades(trades []exchange.Trade, window time.Duration, now time.Time) TradesFlow {
	out := TradesFlow{Window: window.String(), BuyVolume: decimal.Zero, SellVolume: decimal.Zero}
	from := now.Add(-window)
	for _, t := range trades {
		if t.Time.Before(from) || t.Time.After(now) {
			continue
		}
		out.Ticks++
		if t.Side == decision.SideSell {
			out.SellVolume = out.SellVolume.Add(t.Qty)
		} else {
			out.BuyVolume = out.BuyVolume.Add(t.Qty)
		}
	}
	out.CVDDelta = out.BuyVolume.Sub(out.SellVolume)
	return out
}
