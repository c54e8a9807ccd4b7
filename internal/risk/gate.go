package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gptbot/internal/decision"
	"gptbot/internal/gateway/exchange"
	"gptbot/internal/normalize"
)

type Reason string

const (
	ReasonMaxOpenOrders       Reason = "MaxOpenOrders"
	ReasonMaxOrderRate        Reason = "MaxOrderRate"
	ReasonMaxPositionNotional Reason = "MaxPositionNotional"
	ReasonInsufficientMargin  Reason = "InsufficientMargin"
)

// marginBuffer covers fees and mark drift between check and fill.
var marginBuffer = decimal.RequireFromString("1.02")

// Limits are copied at cycle start; a reload never changes them mid-cycle.
type Limits struct {
	MaxOpenOrders       int
	MaxOrdersPerHour    int
	MaxPositionNotional decimal.Decimal
}

// Exposure is the account state the gate judges against.
type Exposure struct {
	OpenOrders       int
	OrdersLastHour   int
	PositionNotional decimal.Decimal

	// Margin fit runs only when the balance is known and leverage > 0.
	HasBalance  bool
	FreeBalance decimal.Decimal
	Leverage    int
}

// RemainingNotional is how much more notional a new order may add.
func RemainingNotional(l Limits, e Exposure) decimal.Decimal {
	rest := l.MaxPositionNotional.Sub(e.PositionNotional.Abs())
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// Verdict never carries an error: denial is a normal outcome.
type Verdict struct {
	Allowed bool
	Reason  Reason
	Detail  string
	// Order is the order to dispatch. It differs from the input only when
	// the margin fit reduced qty.
	Order   decision.PlaceOrderParams
	Reduced bool
}

// Err renders a denial in the shared error taxonomy for logs and journal.
func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return &decision.ValidationError{Class: decision.ClassRisk, Rule: decision.Rule(v.Reason), Detail: v.Detail}
}

func allow(o decision.PlaceOrderParams) Verdict {
	return Verdict{Allowed: true, Order: o}
}

func deny(o decision.PlaceOrderParams, r Reason, format string, args ...any) Verdict {
	return Verdict{Reason: r, Detail: fmt.Sprintf(format, args...), Order: o}
}

// Check gates place_order only; cancel, close and do_nothing pass through
// since they can only reduce risk.
func Check(d decision.Decision, order decision.PlaceOrderParams, l Limits, e Exposure, f exchange.Filters) Verdict {
	if d.Action != decision.ActionPlaceOrder {
		return Verdict{Allowed: true}
	}
	if l.MaxOpenOrders > 0 && e.OpenOrders >= l.MaxOpenOrders {
		return deny(order, ReasonMaxOpenOrders, "open orders %d >= limit %d", e.OpenOrders, l.MaxOpenOrders)
	}
	if l.MaxOrdersPerHour > 0 && e.OrdersLastHour >= l.MaxOrdersPerHour {
		return deny(order, ReasonMaxOrderRate, "orders in last hour %d >= limit %d", e.OrdersLastHour, l.MaxOrdersPerHour)
	}
	if l.MaxPositionNotional.IsPositive() {
		projected := e.PositionNotional.Abs().Add(order.Notional())
		if projected.GreaterThan(l.MaxPositionNotional) {
			return deny(order, ReasonMaxPositionNotional, "projected notional %s > limit %s",
				projected.StringFixed(2), l.MaxPositionNotional.StringFixed(2))
		}
	}
	return fitMargin(order, e, f)
}

func fitMargin(order decision.PlaceOrderParams, e Exposure, f exchange.Filters) Verdict {
	if !e.HasBalance || e.Leverage <= 0 {
		return allow(order)
	}
	lev := decimal.NewFromInt(int64(e.Leverage))
	required := order.Notional().Div(lev).Mul(marginBuffer)
	if e.FreeBalance.GreaterThanOrEqual(required) {
		return allow(order)
	}
	if !e.FreeBalance.IsPositive() || !order.Price.IsPositive() {
		return deny(order, ReasonInsufficientMargin, "free balance %s, required %s", e.FreeBalance.StringFixed(2), required.StringFixed(2))
	}
	affordable := normalize.FloorToStep(e.FreeBalance.Mul(lev).Div(marginBuffer).Div(order.Price), f.StepSize)
	reduced := order
	reduced.Qty = affordable
	if !affordable.IsPositive() ||
		(f.MinQty.IsPositive() && affordable.LessThan(f.MinQty)) ||
		(f.MinNotional.IsPositive() && reduced.Notional().LessThan(f.MinNotional)) {
		return deny(order, ReasonInsufficientMargin, "free balance %s affords qty %s, below venue minimum",
			e.FreeBalance.StringFixed(2), affordable)
	}
	v := allow(reduced)
	v.Reduced = true
	v.Detail = fmt.Sprintf("qty %s -> %s to fit free balance %s", order.Qty, affordable, e.FreeBalance.StringFixed(2))
	return v
}
