package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"gptbot/internal/decision"
	"gptbot/internal/gateway/exchange"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func order(price, qty string) decision.PlaceOrderParams {
	return decision.PlaceOrderParams{Side: decision.SideBuy, Price: d(price), Qty: d(qty), TakeProfit: d("200"), StopLoss: d("1")}
}

var (
	place   = decision.Decision{Action: decision.ActionPlaceOrder, IdempotencyKey: "k"}
	limits  = Limits{MaxOpenOrders: 2, MaxOrdersPerHour: 3, MaxPositionNotional: d("1000")}
	filters = exchange.Filters{TickSize: d("0.01"), StepSize: d("0.001"), MinQty: d("0.001")}
)

func TestCheckOrderOfLimits(t *testing.T) {
	tests := []struct {
		name string
		exp  Exposure
		ord  decision.PlaceOrderParams
		want Reason
	}{
		{"open orders first", Exposure{OpenOrders: 2, OrdersLastHour: 9}, order("100", "100"), ReasonMaxOpenOrders},
		{"rate second", Exposure{OpenOrders: 1, OrdersLastHour: 3}, order("100", "100"), ReasonMaxOrderRate},
		{"notional third", Exposure{PositionNotional: d("-950")}, order("100", "1"), ReasonMaxPositionNotional},
		{"allowed", Exposure{OpenOrders: 1, OrdersLastHour: 2, PositionNotional: d("800")}, order("100", "2"), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Check(place, tt.ord, limits, tt.exp, filters)
			assert.Equal(t, tt.want, v.Reason)
			assert.Equal(t, tt.want == "", v.Allowed)
		})
	}
}

func TestNonPlaceActionsPassThrough(t *testing.T) {
	full := Exposure{OpenOrders: 99, OrdersLastHour: 99, PositionNotional: d("99999")}
	for _, a := range []decision.Action{decision.ActionCancelOrder, decision.ActionClosePosition, decision.ActionDoNothing} {
		v := Check(decision.Decision{Action: a}, decision.PlaceOrderParams{}, limits, full, filters)
		assert.True(t, v.Allowed, a)
		assert.NoError(t, v.Err())
	}
}

func TestMarginFitReducesQty(t *testing.T) {
	exp := Exposure{HasBalance: true, FreeBalance: d("10.2"), Leverage: 5}
	v := Check(place, order("100", "1"), limits, exp, filters)
	assert.True(t, v.Allowed)
	assert.True(t, v.Reduced)
	// 10.2 * 5 / 1.02 / 100 = 0.5
	assert.True(t, v.Order.Qty.Equal(d("0.5")), v.Order.Qty.String())
}

func TestMarginFitAllowsWhenCovered(t *testing.T) {
	exp := Exposure{HasBalance: true, FreeBalance: d("1000"), Leverage: 5}
	v := Check(place, order("100", "1"), limits, exp, filters)
	assert.True(t, v.Allowed)
	assert.False(t, v.Reduced)
	assert.True(t, v.Order.Qty.Equal(d("1")))
}

func TestMarginFitDeniesBelowMinimum(t *testing.T) {
	exp := Exposure{HasBalance: true, FreeBalance: d("0.01"), Leverage: 1}
	v := Check(place, order("100", "1"), limits, exp, filters)
	assert.False(t, v.Allowed)
	assert.Equal(t, ReasonInsufficientMargin, v.Reason)

	err := v.Err()
	ve, ok := decision.AsValidationError(err)
	assert.True(t, ok)
	assert.Equal(t, decision.ClassRisk, ve.Class)
	assert.False(t, errors.Is(err, decision.ErrQtyBelowMinimum))
}

func TestRemainingNotional(t *testing.T) {
	assert.True(t, RemainingNotional(limits, Exposure{PositionNotional: d("400")}).Equal(d("600")))
	assert.True(t, RemainingNotional(limits, Exposure{PositionNotional: d("1400")}).IsZero())
}
