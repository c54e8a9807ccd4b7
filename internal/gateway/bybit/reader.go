package bybit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"gptbot/internal/decision"
	"gptbot/internal/gateway/exchange"
)

func dec(r gjson.Result) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(r.String()))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func millis(r gjson.Result) time.Time {
	ms := r.Int()
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func side(s string) decision.Side {
	if strings.EqualFold(s, "Sell") {
		return decision.SideSell
	}
	return decision.SideBuy
}

func (c *Client) Filters(ctx context.Context, symbol string) (exchange.Filters, error) {
	raw, err := c.do(ctx, opInstruments, linear(symbol))
	if err != nil {
		return exchange.Filters{}, err
	}
	item := gjson.GetBytes(raw, "list.0")
	if !item.Exists() {
		return exchange.Filters{}, fmt.Errorf("bybit: no instrument info for %s", symbol)
	}
	return exchange.Filters{
		Symbol:      item.Get("symbol").String(),
		TickSize:    dec(item.Get("priceFilter.tickSize")),
		MinPrice:    dec(item.Get("priceFilter.minPrice")),
		MaxPrice:    dec(item.Get("priceFilter.maxPrice")),
		StepSize:    dec(item.Get("lotSizeFilter.qtyStep")),
		MinQty:      dec(item.Get("lotSizeFilter.minOrderQty")),
		MaxQty:      dec(item.Get("lotSizeFilter.maxOrderQty")),
		MinNotional: dec(item.Get("lotSizeFilter.minNotionalValue")),
		FetchedAt:   time.Now(),
	}, nil
}

func (c *Client) tickerItem(ctx context.Context, symbol string) (gjson.Result, error) {
	raw, err := c.do(ctx, opTickers, linear(symbol))
	if err != nil {
		return gjson.Result{}, err
	}
	item := gjson.GetBytes(raw, "list.0")
	if !item.Exists() {
		return gjson.Result{}, fmt.Errorf("bybit: no ticker for %s", symbol)
	}
	return item, nil
}

func (c *Client) Ticker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	item, err := c.tickerItem(ctx, symbol)
	if err != nil {
		return exchange.Ticker{}, err
	}
	return exchange.Ticker{
		Symbol:       item.Get("symbol").String(),
		Last:         dec(item.Get("lastPrice")),
		Bid:          dec(item.Get("bid1Price")),
		Ask:          dec(item.Get("ask1Price")),
		Mark:         dec(item.Get("markPrice")),
		Index:        dec(item.Get("indexPrice")),
		High24h:      dec(item.Get("highPrice24h")),
		Low24h:       dec(item.Get("lowPrice24h")),
		Volume24h:    dec(item.Get("volume24h")),
		FundingRate:  dec(item.Get("fundingRate")),
		OpenInterest: dec(item.Get("openInterest")),
		Time:         time.Now(),
	}, nil
}

func (c *Client) OrderBook(ctx context.Context, symbol string, depth int) (exchange.OrderBook, error) {
	if depth <= 0 {
		depth = 25
	}
	params := linear(symbol)
	params["limit"] = depth
	raw, err := c.do(ctx, opOrderBook, params)
	if err != nil {
		return exchange.OrderBook{}, err
	}
	res := gjson.ParseBytes(raw)
	book := exchange.OrderBook{Symbol: strings.ToUpper(symbol), Time: millis(res.Get("ts"))}
	for _, lvl := range res.Get("b").Array() {
		book.Bids = append(book.Bids, exchange.BookLevel{Price: dec(lvl.Get("0")), Qty: dec(lvl.Get("1"))})
	}
	for _, lvl := range res.Get("a").Array() {
		book.Asks = append(book.Asks, exchange.BookLevel{Price: dec(lvl.Get("0")), Qty: dec(lvl.Get("1"))})
	}
	return book, nil
}

// bybitInterval maps "5m"/"1h"/"1d" to the v5 kline interval values.
func bybitInterval(interval string) (string, error) {
	iv := strings.ToLower(strings.TrimSpace(interval))
	switch iv {
	case "1d":
		return "D", nil
	case "1w":
		return "W", nil
	}
	if strings.HasSuffix(iv, "m") {
		return strings.TrimSuffix(iv, "m"), nil
	}
	if strings.HasSuffix(iv, "h") {
		var h int
		if _, err := fmt.Sscanf(iv, "%dh", &h); err == nil && h > 0 {
			return fmt.Sprintf("%d", h*60), nil
		}
	}
	return "", fmt.Errorf("bybit: unsupported interval %q", interval)
}

func (c *Client) Candles(ctx context.Context, symbol, interval string, limit int) ([]exchange.Candle, error) {
	iv, err := bybitInterval(interval)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	params := linear(symbol)
	params["interval"] = iv
	params["limit"] = limit
	raw, err := c.do(ctx, opKline, params)
	if err != nil {
		return nil, err
	}
	rows := gjson.GetBytes(raw, "list").Array()
	out := make([]exchange.Candle, 0, len(rows))
	for _, row := range rows {
		out = append(out, exchange.Candle{
			OpenTime: row.Get("0").Int(),
			Open:     row.Get("1").Float(),
			High:     row.Get("2").Float(),
			Low:      row.Get("3").Float(),
			Close:    row.Get("4").Float(),
			Volume:   row.Get("5").Float(),
		})
	}
	// v5 returns newest first
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out, nil
}

func (c *Client) Trades(ctx context.Context, symbol string, limit int) ([]exchange.Trade, error) {
	if limit <= 0 || limit > 1000 {
		limit = 500
	}
	params := linear(symbol)
	params["limit"] = limit
	raw, err := c.do(ctx, opTrades, params)
	if err != nil {
		return nil, err
	}
	rows := gjson.GetBytes(raw, "list").Array()
	out := make([]exchange.Trade, 0, len(rows))
	for _, row := range rows {
		out = append(out, exchange.Trade{
			ID:    row.Get("execId").String(),
			Price: dec(row.Get("price")),
			Qty:   dec(row.Get("size")),
			Side:  side(row.Get("side").String()),
			Time:  millis(row.Get("time")),
		})
	}
	return out, nil
}

func (c *Client) Positions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	raw, err := c.do(ctx, opPositions, linear(symbol))
	if err != nil {
		return nil, err
	}
	var out []exchange.Position
	for _, row := range gjson.GetBytes(raw, "list").Array() {
		size := dec(row.Get("size"))
		if size.IsZero() {
			continue
		}
		ps := exchange.PositionLong
		if strings.EqualFold(row.Get("side").String(), "Sell") {
			ps = exchange.PositionShort
		}
		out = append(out, exchange.Position{
			Symbol:        row.Get("symbol").String(),
			Side:          ps,
			Size:          size.Abs(),
			EntryPrice:    dec(row.Get("avgPrice")),
			MarkPrice:     dec(row.Get("markPrice")),
			UnrealizedPnL: dec(row.Get("unrealisedPnl")),
			Leverage:      dec(row.Get("leverage")),
		})
	}
	return out, nil
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error) {
	raw, err := c.do(ctx, opOpenOrders, linear(symbol))
	if err != nil {
		return nil, err
	}
	rows := gjson.GetBytes(raw, "list").Array()
	out := make([]exchange.Order, 0, len(rows))
	for _, row := range rows {
		out = append(out, exchange.Order{
			Symbol:        row.Get("symbol").String(),
			OrderID:       row.Get("orderId").String(),
			ClientOrderID: row.Get("orderLinkId").String(),
			Side:          side(row.Get("side").String()),
			Type:          strings.ToLower(row.Get("orderType").String()),
			Price:         dec(row.Get("price")),
			Qty:           dec(row.Get("qty")),
			Filled:        dec(row.Get("cumExecQty")),
			Status:        row.Get("orderStatus").String(),
			ReduceOnly:    row.Get("reduceOnly").Bool(),
			CreatedAt:     millis(row.Get("createdTime")),
		})
	}
	return out, nil
}

func (c *Client) Balance(ctx context.Context) (exchange.Balance, error) {
	raw, err := c.do(ctx, opWallet, map[string]interface{}{"accountType": "UNIFIED", "coin": "USDT"})
	if err != nil {
		return exchange.Balance{}, err
	}
	acct := gjson.GetBytes(raw, "list.0")
	bal := exchange.Balance{
		Asset: "USDT",
		Total: dec(acct.Get("totalEquity")),
		Free:  dec(acct.Get("totalAvailableBalance")),
	}
	for _, coin := range acct.Get("coin").Array() {
		if !strings.EqualFold(coin.Get("coin").String(), "USDT") {
			continue
		}
		if bal.Total.IsZero() {
			bal.Total = dec(coin.Get("walletBalance"))
		}
		if bal.Free.IsZero() {
			bal.Free = dec(coin.Get("availableToWithdraw"))
		}
	}
	return bal, nil
}

func (c *Client) Funding(ctx context.Context, symbol string) (exchange.Funding, error) {
	item, err := c.tickerItem(ctx, symbol)
	if err != nil {
		return exchange.Funding{}, err
	}
	return exchange.Funding{
		Symbol:          item.Get("symbol").String(),
		Rate:            dec(item.Get("fundingRate")),
		MarkPrice:       dec(item.Get("markPrice")),
		IndexPrice:      dec(item.Get("indexPrice")),
		NextFundingTime: millis(item.Get("nextFundingTime")),
	}, nil
}

func (c *Client) OpenInterest(ctx context.Context, symbol string) (exchange.OpenInterest, error) {
	item, err := c.tickerItem(ctx, symbol)
	if err != nil {
		return exchange.OpenInterest{}, err
	}
	return exchange.OpenInterest{
		Symbol: item.Get("symbol").String(),
		Value:  dec(item.Get("openInterest")),
		Time:   time.Now(),
	}, nil
}
