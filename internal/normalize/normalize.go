// Package normalize fits validated order parameters to a venue's tick, step
// and notional constraints. Every function here is pure.
package normalize

import (
	"fmt"

	"github.com/shopspring/decimal"

	"gptbot/internal/decision"
	"gptbot/internal/gateway/exchange"
)

// Quote is the top of book at decision time. Zero fields mean unknown.
type Quote struct {
	Bid  decimal.Decimal
	Ask  decimal.Decimal
	Last decimal.Decimal
}

func (q Quote) hasBook() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive()
}

// Result is the normalized order plus a human-readable list of every change
// that was applied.
type Result struct {
	Order       decision.PlaceOrderParams
	Adjustments []string
}

func (r Result) Adjusted() bool { return len(r.Adjustments) > 0 }

// PlaceOrder rounds price to the maker side, keeps it off the opposing touch,
// rounds the bracket to tick and floors qty to step. Applying it to its own
// output returns the same order.
func PlaceOrder(in decision.PlaceOrderParams, q Quote, f exchange.Filters) (Result, error) {
	if !f.TickSize.IsPositive() || !f.StepSize.IsPositive() {
		return Result{}, decision.NewError(decision.ErrInvalidPrice, "filters", "tick=%s step=%s must be > 0", f.TickSize, f.StepSize)
	}
	out := in
	var notes []string
	note := func(format string, args ...any) { notes = append(notes, fmt.Sprintf(format, args...)) }

	switch in.Side {
	case decision.SideBuy:
		out.Price = FloorToStep(in.Price, f.TickSize)
		if bound, ok := makerBound(decision.SideBuy, q, f.TickSize); ok && out.Price.GreaterThan(bound) {
			note("price %s above maker bound %s", out.Price, bound)
			out.Price = bound
			out.PostOnly = true
		}
	case decision.SideSell:
		out.Price = CeilToStep(in.Price, f.TickSize)
		if bound, ok := makerBound(decision.SideSell, q, f.TickSize); ok && out.Price.LessThan(bound) {
			note("price %s below maker bound %s", out.Price, bound)
			out.Price = bound
			out.PostOnly = true
		}
	default:
		return Result{}, decision.NewError(decision.ErrInvalidPrice, "params.side", "unknown side %q", in.Side)
	}
	if !out.Price.Equal(in.Price) {
		note("price %s -> %s", in.Price, out.Price)
	}
	if in.PostOnly != out.PostOnly {
		note("post_only forced")
	}
	if err := checkPriceBounds(out.Price, f); err != nil {
		return Result{}, err
	}

	out.TakeProfit = RoundToStep(in.TakeProfit, f.TickSize)
	out.StopLoss = RoundToStep(in.StopLoss, f.TickSize)
	if !out.TakeProfit.Equal(in.TakeProfit) || !out.StopLoss.Equal(in.StopLoss) {
		note("bracket tp=%s sl=%s", out.TakeProfit, out.StopLoss)
	}
	if err := checkBracket(out); err != nil {
		return Result{}, err
	}

	qty, err := fitQty(in.Qty, f)
	if err != nil {
		return Result{}, err
	}
	if !qty.Equal(in.Qty) {
		note("qty %s -> %s", in.Qty, qty)
	}
	out.Qty = qty
	if f.MinNotional.IsPositive() && out.Notional().LessThan(f.MinNotional) {
		return Result{}, decision.NewError(decision.ErrNotionalBelowMinimum, "params.qty",
			"notional %s below minimum %s", out.Notional(), f.MinNotional)
	}
	return Result{Order: out, Adjustments: notes}, nil
}

// makerBound is the most aggressive price that still rests on the book:
// one tick inside the opposing touch, or one tick off last when the book is
// empty.
func makerBound(side decision.Side, q Quote, tick decimal.Decimal) (decimal.Decimal, bool) {
	if side == decision.SideBuy {
		ref := q.Ask
		if !q.hasBook() {
			ref = q.Last
		}
		if !ref.IsPositive() {
			return decimal.Zero, false
		}
		return FloorToStep(ref, tick).Sub(tick), true
	}
	ref := q.Bid
	if !q.hasBook() {
		ref = q.Last
	}
	if !ref.IsPositive() {
		return decimal.Zero, false
	}
	return CeilToStep(ref, tick).Add(tick), true
}

func checkPriceBounds(price decimal.Decimal, f exchange.Filters) error {
	if !price.IsPositive() {
		return decision.NewError(decision.ErrInvalidPrice, "params.price", "normalized price %s must be > 0", price)
	}
	if f.MinPrice.IsPositive() && price.LessThan(f.MinPrice) {
		return decision.NewError(decision.ErrInvalidPrice, "params.price", "%s below min price %s", price, f.MinPrice)
	}
	if f.MaxPrice.IsPositive() && price.GreaterThan(f.MaxPrice) {
		return decision.NewError(decision.ErrInvalidPrice, "params.price", "%s above max price %s", price, f.MaxPrice)
	}
	return nil
}

func checkBracket(o decision.PlaceOrderParams) error {
	ok := o.StopLoss.IsPositive() && o.TakeProfit.IsPositive()
	if o.Side == decision.SideBuy {
		ok = ok && o.StopLoss.LessThan(o.Price) && o.TakeProfit.GreaterThan(o.Price)
	} else {
		ok = ok && o.TakeProfit.LessThan(o.Price) && o.StopLoss.GreaterThan(o.Price)
	}
	if !ok {
		return decision.NewError(decision.ErrInvalidBracket, "params",
			"bracket collapsed after rounding (side=%s price=%s tp=%s sl=%s)", o.Side, o.Price, o.TakeProfit, o.StopLoss)
	}
	return nil
}

func fitQty(qty decimal.Decimal, f exchange.Filters) (decimal.Decimal, error) {
	floored := FloorToStep(qty, f.StepSize)
	if !floored.IsPositive() || (f.MinQty.IsPositive() && floored.LessThan(f.MinQty)) {
		return decimal.Zero, decision.NewError(decision.ErrQtyBelowMinimum, "params.qty",
			"qty %s floors to %s, minimum %s", qty, floored, f.MinQty)
	}
	if f.MaxQty.IsPositive() && floored.GreaterThan(f.MaxQty) {
		floored = FloorToStep(f.MaxQty, f.StepSize)
	}
	return floored, nil
}

// CloseQty sizes a reduce-only close from the open position. A full close
// whose floor drops below min_qty falls back to the raw position size so a
// dust remainder can still be flattened.
func CloseQty(positionSize, sizePct decimal.Decimal, f exchange.Filters) (decimal.Decimal, error) {
	size := positionSize.Abs()
	if !size.IsPositive() {
		return decimal.Zero, decision.NewError(decision.ErrQtyBelowMinimum, "params.size_pct", "no open position")
	}
	raw := size.Mul(sizePct).Div(decimal.NewFromInt(100))
	qty := raw
	if f.StepSize.IsPositive() {
		qty = FloorToStep(raw, f.StepSize)
	}
	full := sizePct.GreaterThanOrEqual(decimal.NewFromInt(100))
	if qty.IsPositive() && (!f.MinQty.IsPositive() || qty.GreaterThanOrEqual(f.MinQty)) {
		return qty, nil
	}
	if full {
		return size, nil
	}
	return decimal.Zero, decision.NewError(decision.ErrQtyBelowMinimum, "params.size_pct",
		"close of %s%% of %s floors to %s, minimum %s", sizePct, size, qty, f.MinQty)
}

// ClosePrice is the touch on the side a reduce-only close trades against: bid
// when selling, ask when buying, last when the book is empty.
func ClosePrice(side decision.Side, q Quote, f exchange.Filters) (decimal.Decimal, error) {
	ref := q.Ask
	if side == decision.SideSell {
		ref = q.Bid
	}
	if !ref.IsPositive() {
		ref = q.Last
	}
	if !ref.IsPositive() {
		return decimal.Zero, decision.NewError(decision.ErrInvalidPrice, "price", "no bid, ask or last price for close")
	}
	if f.TickSize.IsPositive() {
		ref = RoundToStep(ref, f.TickSize)
	}
	return ref, nil
}

func FloorToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

func CeilToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Ceil().Mul(step)
}

func RoundToStep(v, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	return v.Div(step).Round(0).Mul(step)
}
