package exchange

import (
	"time"

	"github.com/shopspring/decimal"

	"gptbot/internal/decision"
)

// Filters are the per-symbol numeric constraints of the venue.
type Filters struct {
	Symbol      string          `json:"symbol"`
	TickSize    decimal.Decimal `json:"tick_size"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MaxQty      decimal.Decimal `json:"max_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
	MinPrice    decimal.Decimal `json:"min_price"`
	MaxPrice    decimal.Decimal `json:"max_price"`
	FetchedAt   time.Time       `json:"fetched_at"`
}

type Ticker struct {
	Symbol       string          `json:"symbol"`
	Last         decimal.Decimal `json:"last"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Mark         decimal.Decimal `json:"mark"`
	Index        decimal.Decimal `json:"index"`
	High24h      decimal.Decimal `json:"high_24h"`
	Low24h       decimal.Decimal `json:"low_24h"`
	Volume24h    decimal.Decimal `json:"volume_24h"`
	FundingRate  decimal.Decimal `json:"funding_rate"`
	OpenInterest decimal.Decimal `json:"open_interest"`
	Time         time.Time       `json:"time"`
}

type BookLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

type OrderBook struct {
	Symbol string      `json:"symbol"`
	Bids   []BookLevel `json:"bids"`
	Asks   []BookLevel `json:"asks"`
	Time   time.Time   `json:"time"`
}

func (b OrderBook) BestBid() decimal.Decimal {
	if len(b.Bids) == 0 {
		return decimal.Zero
	}
	return b.Bids[0].Price
}

func (b OrderBook) BestAsk() decimal.Decimal {
	if len(b.Asks) == 0 {
		return decimal.Zero
	}
	return b.Asks[0].Price
}

// Candle keeps float64 prices because indicator math runs on float64.
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

type Trade struct {
	ID    string          `json:"id"`
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
	Side  decision.Side   `json:"side"`
	Time  time.Time       `json:"time"`
}

type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Leverage      decimal.Decimal `json:"leverage"`
}

// Notional values the position at entry price, falling back to mark.
func (p Position) Notional() decimal.Decimal {
	price := p.EntryPrice
	if !price.IsPositive() {
		price = p.MarkPrice
	}
	return p.Size.Abs().Mul(price)
}

// CloseSide is the order side that reduces the position.
func (p Position) CloseSide() decision.Side {
	if p.Side == PositionShort {
		return decision.SideBuy
	}
	return decision.SideSell
}

type Order struct {
	Symbol        string          `json:"symbol"`
	OrderID       string          `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Side          decision.Side   `json:"side"`
	Type          string          `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	Filled        decimal.Decimal `json:"filled"`
	Status        string          `json:"status"`
	ReduceOnly    bool            `json:"reduce_only"`
	CreatedAt     time.Time       `json:"created_at"`
}

type Balance struct {
	Asset string          `json:"asset"`
	Total decimal.Decimal `json:"total"`
	Free  decimal.Decimal `json:"free"`
}

type Funding struct {
	Symbol          string          `json:"symbol"`
	Rate            decimal.Decimal `json:"rate"`
	MarkPrice       decimal.Decimal `json:"mark_price"`
	IndexPrice      decimal.Decimal `json:"index_price"`
	NextFundingTime time.Time       `json:"next_funding_time"`
}

type OpenInterest struct {
	Symbol string          `json:"symbol"`
	Value  decimal.Decimal `json:"value"`
	Time   time.Time       `json:"time"`
}

// OrderRequest is one limit order. TakeProfit/StopLoss are attached to the
// entry; both are zero for reduce-only closes.
type OrderRequest struct {
	Symbol        string
	Side          decision.Side
	Price         decimal.Decimal
	Qty           decimal.Decimal
	TakeProfit    decimal.Decimal
	StopLoss      decimal.Decimal
	PostOnly      bool
	TimeInForce   decision.TimeInForce
	ReduceOnly    bool
	ClientOrderID string
}

type OrderAck struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
	Status        string `json:"status"`
	// Notes carries non-fatal problems, e.g. a bracket leg the venue refused
	// after the entry was accepted.
	Notes []string `json:"notes,omitempty"`
}

type CancelAck struct {
	Symbol   string   `json:"symbol"`
	OrderIDs []string `json:"order_ids,omitempty"`
	All      bool     `json:"all,omitempty"`
}
