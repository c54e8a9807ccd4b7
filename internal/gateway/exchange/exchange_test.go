package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gptbot/internal/decision"
)

type stubReader struct {
	Reader
	filters Filters
	err     error
	calls   int
}

func (s *stubReader) Filters(ctx context.Context, symbol string) (Filters, error) {
	s.calls++
	return s.filters, s.err
}

func testFilters() Filters {
	return Filters{
		TickSize: decimal.RequireFromString("0.1"),
		StepSize: decimal.RequireFromString("0.001"),
		MinQty:   decimal.RequireFromString("0.001"),
	}
}

func TestClientOrderIDDeterministic(t *testing.T) {
	a := ClientOrderID("entry-1")
	assert.Equal(t, a, ClientOrderID("entry-1"))
	assert.NotEqual(t, a, ClientOrderID("entry-2"))
	assert.Len(t, a, len("gptbot-")+24)
	assert.Regexp(t, `^gptbot-[0-9a-f]{24}$`, a)
}

func TestFilterCacheRefreshesAfterTTL(t *testing.T) {
	r := &stubReader{filters: testFilters()}
	c := NewFilterCache(r, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.nowFn = func() time.Time { return now }

	f, err := c.Get(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", f.Symbol)
	_, _ = c.Get(context.Background(), "BTCUSDT")
	assert.Equal(t, 1, r.calls)

	now = now.Add(2 * time.Minute)
	_, err = c.Get(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 2, r.calls)
}

func TestFilterCacheServesStaleOnError(t *testing.T) {
	r := &stubReader{filters: testFilters()}
	c := NewFilterCache(r, time.Minute)
	now := time.Now()
	c.nowFn = func() time.Time { return now }
	_, err := c.Get(context.Background(), "BTCUSDT")
	require.NoError(t, err)

	r.err = errors.New("boom")
	now = now.Add(time.Hour)
	f, err := c.Get(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, f.TickSize.Equal(decimal.RequireFromString("0.1")))

	_, err = c.Get(context.Background(), "ETHUSDT")
	assert.Error(t, err)
}

func TestFilterCacheRejectsZeroTick(t *testing.T) {
	r := &stubReader{filters: Filters{StepSize: decimal.NewFromInt(1)}}
	_, err := NewFilterCache(r, 0).Get(context.Background(), "BTCUSDT")
	assert.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	rej := &RejectedError{Venue: "bybit", Op: "place", Code: 110007, Message: "insufficient balance"}
	assert.True(t, IsRejected(fmt.Errorf("wrap: %w", rej)))
	assert.False(t, IsTransport(rej))

	err := Classify("bybit", "place", context.DeadlineExceeded)
	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Same(t, rej, Classify("bybit", "place", rej))
	assert.NoError(t, Classify("bybit", "place", nil))
}

func TestPositionHelpers(t *testing.T) {
	p := Position{Side: PositionShort, Size: decimal.RequireFromString("-2"), EntryPrice: decimal.NewFromInt(50)}
	assert.Equal(t, decision.SideBuy, p.CloseSide())
	assert.True(t, p.Notional().Equal(decimal.NewFromInt(100)))

	p = Position{Side: PositionLong, Size: decimal.NewFromInt(1), MarkPrice: decimal.NewFromInt(10)}
	assert.Equal(t, decision.SideSell, p.CloseSide())
	assert.True(t, p.Notional().Equal(decimal.NewFromInt(10)))

	book := OrderBook{}
	assert.True(t, book.BestBid().IsZero())
	book.Asks = []BookLevel{{Price: decimal.NewFromInt(101)}}
	assert.True(t, book.BestAsk().Equal(decimal.NewFromInt(101)))
}
