// Package binance implements the exchange contract against Binance USDⓈ-M
// futures.
package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"gptbot/internal/decision"
	"gptbot/internal/gateway/exchange"
)

const venue = "binance"

// API codes that mean the request may not have been processed.
var transientCodes = map[int64]bool{
	-1000: true, // unknown
	-1001: true, // disconnected
	-1003: true, // too many requests
	-1007: true, // timeout waiting for backend
	-1008: true, // server busy
}

const (
	codeNoMarginChange   = -4046
	codeNoLeverageChange = -4028
)

type Client struct {
	cfg     Config
	client  *futures.Client
	limiter *rate.Limiter
}

var _ exchange.Exchange = (*Client)(nil)

func New(cfg Config) *Client {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	burst := int(final.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		cfg:     final,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(final.RequestsPerSecond), burst),
	}
}

func (c *Client) Name() string { return venue }

func (c *Client) wait(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &exchange.TransportError{Venue: venue, Op: op, Err: err}
	}
	return nil
}

// classify maps go-binance errors onto the exchange taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		// code 0 means the body was not an API error, typically a 5xx page
		if apiErr.Code == 0 || transientCodes[apiErr.Code] {
			return &exchange.TransportError{Venue: venue, Op: op, Err: err}
		}
		return &exchange.RejectedError{Venue: venue, Op: op, Code: int(apiErr.Code), Message: apiErr.Message}
	}
	return exchange.Classify(venue, op, err)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func sym(symbol string) string { return strings.ToUpper(strings.TrimSpace(symbol)) }

func (c *Client) Filters(ctx context.Context, symbol string) (exchange.Filters, error) {
	if err := c.wait(ctx, "exchange_info"); err != nil {
		return exchange.Filters{}, err
	}
	info, err := c.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return exchange.Filters{}, classify("exchange_info", err)
	}
	want := sym(symbol)
	for _, s := range info.Symbols {
		if s.Symbol != want {
			continue
		}
		f := exchange.Filters{Symbol: s.Symbol, FetchedAt: time.Now()}
		if pf := s.PriceFilter(); pf != nil {
			f.TickSize, f.MinPrice, f.MaxPrice = dec(pf.TickSize), dec(pf.MinPrice), dec(pf.MaxPrice)
		}
		if lf := s.LotSizeFilter(); lf != nil {
			f.StepSize, f.MinQty, f.MaxQty = dec(lf.StepSize), dec(lf.MinQuantity), dec(lf.MaxQuantity)
		}
		if nf := s.MinNotionalFilter(); nf != nil {
			f.MinNotional = dec(nf.Notional)
		}
		return f, nil
	}
	return exchange.Filters{}, fmt.Errorf("binance: symbol %s not listed", want)
}

func (c *Client) Ticker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	s := sym(symbol)
	if err := c.wait(ctx, "ticker"); err != nil {
		return exchange.Ticker{}, err
	}
	books, err := c.client.NewListBookTickersService().Symbol(s).Do(ctx)
	if err != nil {
		return exchange.Ticker{}, classify("book_ticker", err)
	}
	stats, err := c.client.NewListPriceChangeStatsService().Symbol(s).Do(ctx)
	if err != nil {
		return exchange.Ticker{}, classify("ticker_24h", err)
	}
	tk := exchange.Ticker{Symbol: s, Time: time.Now()}
	if len(books) > 0 && books[0] != nil {
		tk.Bid, tk.Ask = dec(books[0].BidPrice), dec(books[0].AskPrice)
	}
	if len(stats) > 0 && stats[0] != nil {
		tk.Last = dec(stats[0].LastPrice)
		tk.High24h = dec(stats[0].HighPrice)
		tk.Low24h = dec(stats[0].LowPrice)
		tk.Volume24h = dec(stats[0].Volume)
	}
	if fd, err := c.Funding(ctx, s); err == nil {
		tk.Mark, tk.Index, tk.FundingRate = fd.MarkPrice, fd.IndexPrice, fd.Rate
	}
	return tk, nil
}

func (c *Client) OrderBook(ctx context.Context, symbol string, depth int) (exchange.OrderBook, error) {
	switch {
	case depth <= 5:
		depth = 5
	case depth <= 10:
		depth = 10
	case depth <= 20:
		depth = 20
	default:
		depth = 50
	}
	if err := c.wait(ctx, "depth"); err != nil {
		return exchange.OrderBook{}, err
	}
	res, err := c.client.NewDepthService().Symbol(sym(symbol)).Limit(depth).Do(ctx)
	if err != nil {
		return exchange.OrderBook{}, classify("depth", err)
	}
	book := exchange.OrderBook{Symbol: sym(symbol), Time: time.Now()}
	for _, b := range res.Bids {
		book.Bids = append(book.Bids, exchange.BookLevel{Price: dec(b.Price), Qty: dec(b.Quantity)})
	}
	for _, a := range res.Asks {
		book.Asks = append(book.Asks, exchange.BookLevel{Price: dec(a.Price), Qty: dec(a.Quantity)})
	}
	return book, nil
}

func (c *Client) Candles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	if limit <= 0 || limit > 1500 {
		limit = 200
	}
	if err := c.wait(ctx, "klines"); err != nil {
		return nil, err
	}
	kls, err := c.client.NewKlinesService().Symbol(sym(symbol)).Interval(strings.ToLower(interval)).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("klines", err)
	}
	out := make([]exchange.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, exchange.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
		})
	}
	return out, nil
}

func (c *Client) Trades(ctx context.Context, symbol string, limit int) ([]exchange.Trade, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	if err := c.wait(ctx, "trades"); err != nil {
		return nil, err
	}
	rows, err := c.client.NewRecentTradesService().Symbol(sym(symbol)).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify("trades", err)
	}
	out := make([]exchange.Trade, 0, len(rows))
	for _, r := range rows {
		if r == nil {
			continue
		}
		side := decision.SideBuy
		if r.IsBuyerMaker {
			side = decision.SideSell
		}
		out = append(out, exchange.Trade{
			ID:    strconv.FormatInt(r.ID, 10),
			Price: dec(r.Price),
			Qty:   dec(r.Quantity),
			Side:  side,
			Time:  time.UnixMilli(r.Time),
		})
	}
	return out, nil
}

func (c *Client) Positions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	if err := c.wait(ctx, "position_risk"); err != nil {
		return nil, err
	}
	rows, err := c.client.NewGetPositionRiskService().Symbol(sym(symbol)).Do(ctx)
	if err != nil {
		return nil, classify("position_risk", err)
	}
	var out []exchange.Position
	for _, r := range rows {
		if r == nil {
			continue
		}
		amt := dec(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := exchange.PositionLong
		if amt.IsNegative() {
			side = exchange.PositionShort
		}
		out = append(out, exchange.Position{
			Symbol:        r.Symbol,
			Side:          side,
			Size:          amt.Abs(),
			EntryPrice:    dec(r.EntryPrice),
			MarkPrice:     dec(r.MarkPrice),
			UnrealizedPnL: dec(r.UnRealizedProfit),
			Leverage:      dec(r.Leverage),
		})
	}
	return out, nil
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	if err := c.wait(ctx, "open_orders"); err != nil {
		return nil, err
	}
	rows, err := c.client.NewListOpenOrdersService().Symbol(sym(symbol)).Do(ctx)
	if err != nil {
		return nil, classify("open_orders", err)
	}
	out := make([]exchange.Order, 0, len(rows))
	for _, o := range rows {
		if o == nil {
			continue
		}
		out = append(out, exchange.Order{
			Symbol:        o.Symbol,
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Side:          decision.Side(strings.ToLower(string(o.Side))),
			Type:          strings.ToLower(string(o.Type)),
			Price:         dec(o.Price),
			Qty:           dec(o.OrigQuantity),
			Filled:        dec(o.ExecutedQuantity),
			Status:        string(o.Status),
			ReduceOnly:    o.ReduceOnly,
			CreatedAt:     time.UnixMilli(o.Time),
		})
	}
	return out, nil
}

func (c *Client) Balance(ctx context.Context) (exchange.Balance, error) {
	if err := c.wait(ctx, "balance"); err != nil {
		return exchange.Balance{}, err
	}
	rows, err := c.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return exchange.Balance{}, classify("balance", err)
	}
	for _, b := range rows {
		if b != nil && strings.EqualFold(b.Asset, "USDT") {
			return exchange.Balance{Asset: "USDT", Total: dec(b.Balance), Free: dec(b.AvailableBalance)}, nil
		}
	}
	return exchange.Balance{Asset: "USDT"}, nil
}

func (c *Client) Funding(ctx context.Context, symbol string) (exchange.Funding, error) {
	s := sym(symbol)
	if err := c.wait(ctx, "premium_index"); err != nil {
		return exchange.Funding{}, err
	}
	res, err := c.client.NewPremiumIndexService().Symbol(s).Do(ctx)
	if err != nil {
		return exchange.Funding{}, classify("premium_index", err)
	}
	for _, entry := range res {
		if entry == nil || !strings.EqualFold(entry.Symbol, s) {
			continue
		}
		return exchange.Funding{
			Symbol:          entry.Symbol,
			Rate:            dec(entry.LastFundingRate),
			MarkPrice:       dec(entry.MarkPrice),
			IndexPrice:      dec(entry.IndexPrice),
			NextFundingTime: time.UnixMilli(entry.NextFundingTime),
		}, nil
	}
	return exchange.Funding{}, fmt.Errorf("binance: funding not available for %s", s)
}

func (c *Client) OpenInterest(ctx context.Context, symbol string) (exchange.OpenInterest, error) {
	if err := c.wait(ctx, "open_interest"); err != nil {
		return exchange.OpenInterest{}, err
	}
	res, err := c.client.NewGetOpenInterestService().Symbol(sym(symbol)).Do(ctx)
	if err != nil {
		return exchange.OpenInterest{}, classify("open_interest", err)
	}
	return exchange.OpenInterest{Symbol: res.Symbol, Value: dec(res.OpenInterest), Time: time.UnixMilli(res.Time)}, nil
}
