package exchange

import (
	"context"
)

// Reader covers every read-only call. Reads are safe to retry.
type Reader interface {
	Filters(ctx context.Context, symbol string) (Filters, error)
	Ticker(ctx context.Context, symbol string) (Ticker, error)
	OrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
	Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	Trades(ctx context.Context, symbol string, limit int) ([]Trade, error)
	Positions(ctx context.Context, symbol string) ([]Position, error)
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	Balance(ctx context.Context) (Balance, error)
	Funding(ctx context.Context, symbol string) (Funding, error)
	OpenInterest(ctx context.Context, symbol string) (OpenInterest, error)
}

// Trader covers mutations. A mutation is issued at most once per call and is
// never retried by the adapter.
type Trader interface {
	PlaceLimitOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (CancelAck, error)
	CancelAll(ctx context.Context, symbol string) (CancelAck, error)
}

type Exchange interface {
	Name() string
	Reader
	Trader
	// Prepare applies leverage and margin mode for a symbol. Called once at
	// startup by check/once/run.
	Prepare(ctx context.Context, symbol string, leverage int, marginMode string) error
}
