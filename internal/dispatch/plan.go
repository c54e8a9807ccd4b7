package dispatch

import (
	"fmt"
	"strings"

	"gptbot/internal/decision"
	"gptbot/internal/gateway/exchange"
	"gptbot/internal/normalize"
)

// Plan is the concrete exchange instruction derived from one validated,
// normalized and risk-cleared decision.
type Plan struct {
	Symbol   string
	Decision decision.Decision

	// Order is set for place_order and for a close with an open position.
	Order *exchange.OrderRequest

	CancelOrderID string
	CancelAll     bool

	// NoPosition marks a close_position without anything to close.
	NoPosition bool
}

// PlanPlaceOrder wraps an order that already went through the normalizer and
// the risk gate.
func PlanPlaceOrder(symbol string, d decision.Decision, order decision.PlaceOrderParams) Plan {
	return Plan{
		Symbol:   symbol,
		Decision: d,
		Order: &exchange.OrderRequest{
			Symbol:        symbol,
			Side:          order.Side,
			Price:         order.Price,
			Qty:           order.Qty,
			TakeProfit:    order.TakeProfit,
			StopLoss:      order.StopLoss,
			PostOnly:      order.PostOnly,
			TimeInForce:   order.TimeInForce,
			ClientOrderID: exchange.ClientOrderID(d.IdempotencyKey),
		},
	}
}

// PlanClose sizes a close as one GTC limit on the opposite side at the touch
// price. A missing position yields a NoPosition plan, not an error.
func PlanClose(symbol string, d decision.Decision, pos *exchange.Position, q normalize.Quote, f exchange.Filters) (Plan, error) {
	if d.ClosePosition == nil {
		return Plan{}, fmt.Errorf("close_position without params")
	}
	p := Plan{Symbol: symbol, Decision: d}
	if pos == nil || pos.Size.IsZero() {
		p.NoPosition = true
		return p, nil
	}
	qty, err := normalize.CloseQty(pos.Size, d.ClosePosition.SizePct, f)
	if err != nil {
		return Plan{}, err
	}
	side := pos.CloseSide()
	price, err := normalize.ClosePrice(side, q, f)
	if err != nil {
		return Plan{}, err
	}
	p.Order = &exchange.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Price:         price,
		Qty:           qty,
		TimeInForce:   decision.TimeInForceGTC,
		ReduceOnly:    d.ClosePosition.ReduceOnly,
		ClientOrderID: exchange.ClientOrderID(d.IdempotencyKey),
	}
	return p, nil
}

func PlanCancel(symbol string, d decision.Decision) (Plan, error) {
	if d.CancelOrder == nil {
		return Plan{}, fmt.Errorf("cancel_order without params")
	}
	p := Plan{Symbol: symbol, Decision: d}
	if id := strings.TrimSpace(d.CancelOrder.OrderID); id != "" {
		p.CancelOrderID = id
	} else {
		p.CancelAll = true
	}
	return p, nil
}

func PlanNoop(symbol string, d decision.Decision) Plan {
	return Plan{Symbol: symbol, Decision: d}
}
