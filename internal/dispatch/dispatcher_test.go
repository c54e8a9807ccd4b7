package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gptbot/internal/decision"
	"gptbot/internal/gateway/exchange"
	"gptbot/internal/ledger"
	"gptbot/internal/normalize"
)

type mockTrader struct{ mock.Mock }

func (m *mockTrader) PlaceLimitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(exchange.OrderAck), args.Error(1)
}

func (m *mockTrader) CancelOrder(ctx context.Context, symbol, orderID string) (exchange.CancelAck, error) {
	args := m.Called(ctx, symbol, orderID)
	return args.Get(0).(exchange.CancelAck), args.Error(1)
}

func (m *mockTrader) CancelAll(ctx context.Context, symbol string) (exchange.CancelAck, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(exchange.CancelAck), args.Error(1)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var filters = exchange.Filters{Symbol: "BTCUSDT", TickSize: d("0.1"), StepSize: d("0.001"), MinQty: d("0.001")}

const testOwner = "host/1/cycle-1"

func openLedger(t *testing.T) *ledger.SQLiteLedger {
	t.Helper()
	l, err := ledger.OpenSQLite(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func claim(t *testing.T, l ledger.Ledger, dec decision.Decision) {
	t.Helper()
	c, err := l.RecordOrFetch(context.Background(), ledger.IntentFor(dec, "BTCUSDT", testOwner))
	require.NoError(t, err)
	require.Equal(t, ledger.Fresh, c.Result)
}

func placeDecision(key string) (decision.Decision, decision.PlaceOrderParams) {
	order := decision.PlaceOrderParams{
		Side: decision.SideBuy, Price: d("100.0"), Qty: d("0.010"),
		TakeProfit: d("110.0"), StopLoss: d("95.0"), PostOnly: true, TimeInForce: decision.TimeInForceGTC,
	}
	return decision.Decision{Action: decision.ActionPlaceOrder, IdempotencyKey: key, PlaceOrder: &order}, order
}

func TestPlaceOrderSettlesWithOrderID(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	trader := &mockTrader{}
	dec, order := placeDecision("entry-1")
	claim(t, l, dec)

	trader.On("PlaceLimitOrder", mock.Anything, mock.MatchedBy(func(r exchange.OrderRequest) bool {
		return r.ClientOrderID == exchange.ClientOrderID("entry-1") && r.TakeProfit.Equal(d("110")) && !r.ReduceOnly
	})).Return(exchange.OrderAck{OrderID: "42", Notes: []string{"sl leg refused"}}, nil).Once()

	out, err := New(trader, l, Options{}).Execute(ctx, testOwner, PlanPlaceOrder("BTCUSDT", dec, order))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomePlaced, out.Status)
	assert.Equal(t, "42", out.OrderID)
	assert.Equal(t, []string{"sl leg refused"}, out.Detail["notes"])

	rec, ok, err := l.Get(ctx, "entry-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusSettled, rec.Status)
	assert.Equal(t, "42", rec.Outcome.OrderID)

	n, err := l.OrdersSince(ctx, "BTCUSDT", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	trader.AssertExpectations(t)
}

func TestVenueRejectionSettlesKey(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	trader := &mockTrader{}
	dec, order := placeDecision("entry-2")
	claim(t, l, dec)
	trader.On("PlaceLimitOrder", mock.Anything, mock.Anything).
		Return(exchange.OrderAck{}, &exchange.RejectedError{Venue: "bybit", Op: "place", Code: 110007, Message: "insufficient balance"}).Once()

	out, err := New(trader, l, Options{}).Execute(ctx, testOwner, PlanPlaceOrder("BTCUSDT", dec, order))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeRejected, out.Status)
	assert.Contains(t, out.Error, "insufficient balance")

	c, err := l.RecordOrFetch(ctx, ledger.IntentFor(dec, "BTCUSDT", testOwner))
	require.NoError(t, err)
	assert.Equal(t, ledger.Duplicate, c.Result)
	assert.Equal(t, ledger.OutcomeRejected, c.Record.Outcome.Status)
}

func TestTransportErrorReleasesKey(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	trader := &mockTrader{}
	dec, order := placeDecision("entry-3")
	claim(t, l, dec)
	trader.On("PlaceLimitOrder", mock.Anything, mock.Anything).
		Return(exchange.OrderAck{}, &exchange.TransportError{Venue: "bybit", Op: "place", Err: context.DeadlineExceeded}).Once()

	_, err := New(trader, l, Options{}).Execute(ctx, testOwner, PlanPlaceOrder("BTCUSDT", dec, order))
	require.ErrorIs(t, err, ErrUnsettled)
	trader.AssertNumberOfCalls(t, "PlaceLimitOrder", 1)

	_, ok, err := l.Get(ctx, "entry-3")
	require.NoError(t, err)
	assert.False(t, ok, "released key has no record")
	claim(t, l, dec)
}

func TestMutationSurvivesCycleCancel(t *testing.T) {
	l := openLedger(t)
	trader := &mockTrader{}
	dec, order := placeDecision("entry-4")
	claim(t, l, dec)
	ctx, cancel := context.WithCancel(context.Background())
	trader.On("PlaceLimitOrder", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		cancel()
		assert.NoError(t, args.Get(0).(context.Context).Err())
	}).Return(exchange.OrderAck{OrderID: "7"}, nil).Once()

	out, err := New(trader, l, Options{}).Execute(ctx, testOwner, PlanPlaceOrder("BTCUSDT", dec, order))
	require.NoError(t, err)
	assert.Equal(t, "7", out.OrderID)
	rec, _, err := l.Get(context.Background(), "entry-4")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSettled, rec.Status)
}

func TestDryRunRecordsAttemptWithoutMutation(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	trader := &mockTrader{}
	dec, order := placeDecision("entry-5")
	claim(t, l, dec)

	out, err := New(trader, l, Options{DryRun: true}).Execute(ctx, testOwner, PlanPlaceOrder("BTCUSDT", dec, order))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeDryRun, out.Status)
	assert.Equal(t, "100", out.Detail["price"])
	trader.AssertNotCalled(t, "PlaceLimitOrder", mock.Anything, mock.Anything)

	n, err := l.OrdersSince(ctx, "BTCUSDT", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDoNothingSettlesWithoutExchangeCall(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	trader := &mockTrader{}
	dec := decision.DoNothing("idle-1", "flat market")
	claim(t, l, dec)

	out, err := New(trader, l, Options{}).Execute(ctx, testOwner, PlanNoop("BTCUSDT", dec))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeNoop, out.Status)
	assert.Equal(t, "flat market", out.Detail["reason"])
	assert.Empty(t, trader.Calls)
}

func TestCancelByIDAndAll(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	trader := &mockTrader{}
	byID := decision.Decision{Action: decision.ActionCancelOrder, IdempotencyKey: "c-1", CancelOrder: &decision.CancelOrderParams{OrderID: "99"}}
	all := decision.Decision{Action: decision.ActionCancelOrder, IdempotencyKey: "c-2", CancelOrder: &decision.CancelOrderParams{AllForSymbol: true}}
	claim(t, l, byID)
	claim(t, l, all)
	trader.On("CancelOrder", mock.Anything, "BTCUSDT", "99").Return(exchange.CancelAck{Symbol: "BTCUSDT", OrderIDs: []string{"99"}}, nil).Once()
	trader.On("CancelAll", mock.Anything, "BTCUSDT").Return(exchange.CancelAck{Symbol: "BTCUSDT", All: true}, nil).Once()

	disp := New(trader, l, Options{})
	p, err := PlanCancel("BTCUSDT", byID)
	require.NoError(t, err)
	out, err := disp.Execute(ctx, testOwner, p)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeCancelled, out.Status)
	assert.Equal(t, "99", out.OrderID)

	p, err = PlanCancel("BTCUSDT", all)
	require.NoError(t, err)
	assert.True(t, p.CancelAll)
	out, err = disp.Execute(ctx, testOwner, p)
	require.NoError(t, err)
	assert.Equal(t, true, out.Detail["all"])
	trader.AssertExpectations(t)
}

func closeDecision(key, pct string) decision.Decision {
	return decision.Decision{
		Action:         decision.ActionClosePosition,
		IdempotencyKey: key,
		ClosePosition:  &decision.ClosePositionParams{SizePct: d(pct), ReduceOnly: true},
	}
}

func TestPlanClose(t *testing.T) {
	q := normalize.Quote{Bid: d("100.0"), Ask: d("100.1"), Last: d("100.05")}
	long := &exchange.Position{Symbol: "BTCUSDT", Side: exchange.PositionLong, Size: d("0.0105")}

	p, err := PlanClose("BTCUSDT", closeDecision("x-1", "50"), long, q, filters)
	require.NoError(t, err)
	require.NotNil(t, p.Order)
	assert.Equal(t, decision.SideSell, p.Order.Side)
	assert.True(t, p.Order.Price.Equal(d("100.0")), "sell closes at the bid")
	assert.True(t, p.Order.Qty.Equal(d("0.005")))
	assert.True(t, p.Order.ReduceOnly)
	assert.True(t, p.Order.TakeProfit.IsZero())
	assert.Equal(t, decision.TimeInForceGTC, p.Order.TimeInForce)

	short := &exchange.Position{Side: exchange.PositionShort, Size: d("0.002")}
	p, err = PlanClose("BTCUSDT", closeDecision("x-2", "100"), short, q, filters)
	require.NoError(t, err)
	assert.Equal(t, decision.SideBuy, p.Order.Side)
	assert.True(t, p.Order.Price.Equal(d("100.1")))

	p, err = PlanClose("BTCUSDT", closeDecision("x-3", "100"), nil, q, filters)
	require.NoError(t, err)
	assert.True(t, p.NoPosition)

	_, err = PlanClose("BTCUSDT", closeDecision("x-4", "1"), short, q, filters)
	assert.ErrorIs(t, err, decision.ErrQtyBelowMinimum)
}

func TestCloseWithoutPositionSettlesNoPosition(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	trader := &mockTrader{}
	dec := closeDecision("x-5", "100")
	claim(t, l, dec)
	p, err := PlanClose("BTCUSDT", dec, nil, normalize.Quote{}, filters)
	require.NoError(t, err)

	out, err := New(trader, l, Options{}).Execute(ctx, testOwner, p)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeNoPosition, out.Status)
	assert.Empty(t, trader.Calls)
}

func TestCloseIssuesReduceOnlyOrder(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)
	trader := &mockTrader{}
	dec := closeDecision("x-6", "100")
	claim(t, l, dec)
	long := &exchange.Position{Side: exchange.PositionLong, Size: d("0.003")}
	p, err := PlanClose("BTCUSDT", dec, long, normalize.Quote{Bid: d("99.9"), Ask: d("100")}, filters)
	require.NoError(t, err)
	trader.On("PlaceLimitOrder", mock.Anything, mock.MatchedBy(func(r exchange.OrderRequest) bool {
		return r.ReduceOnly && r.Side == decision.SideSell && r.Qty.Equal(d("0.003"))
	})).Return(exchange.OrderAck{OrderID: "c9"}, nil).Once()

	out, err := New(trader, l, Options{}).Execute(ctx, testOwner, p)
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeClosed, out.Status)
	trader.AssertExpectations(t)
}

func TestCommitWithoutClaimFails(t *testing.T) {
	l := openLedger(t)
	dec := decision.DoNothing("never-claimed", "")
	_, err := New(&mockTrader{}, l, Options{}).Execute(context.Background(), testOwner, PlanNoop("BTCUSDT", dec))
	assert.True(t, errors.Is(err, ledger.ErrNotClaimed))
}
