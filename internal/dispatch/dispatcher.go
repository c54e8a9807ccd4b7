// Package dispatch turns a claimed decision into exactly one exchange mutation
// and settles its ledger key.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gptbot/internal/decision"
	"gptbot/internal/gateway/exchange"
	"gptbot/internal/ledger"
	"gptbot/internal/logger"
	"gptbot/internal/metrics"
)

const defaultCallTimeout = 15 * time.Second

// ErrUnsettled wraps a transport failure of a mutation. The key was released,
// so the same intent may be retried in a later cycle.
var ErrUnsettled = errors.New("dispatch: mutation outcome unknown, key released")

type Options struct {
	DryRun      bool
	CallTimeout time.Duration
}

type Dispatcher struct {
	trader      exchange.Trader
	ledger      ledger.Ledger
	dryRun      bool
	callTimeout time.Duration
	nowFn       func() time.Time
}

func New(trader exchange.Trader, l ledger.Ledger, opts Options) *Dispatcher {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &Dispatcher{
		trader:      trader,
		ledger:      l,
		dryRun:      opts.DryRun,
		callTimeout: opts.CallTimeout,
		nowFn:       time.Now,
	}
}

func (d *Dispatcher) DryRun() bool { return d.dryRun }

// Execute runs a plan whose key owner claimed Fresh. Exactly one of
// Commit or Release happens before it returns. A venue rejection settles the
// key with a rejected outcome and is not an error; a transport failure
// releases the key and returns ErrUnsettled.
func (d *Dispatcher) Execute(ctx context.Context, owner string, p Plan) (ledger.Outcome, error) {
	key := p.Decision.IdempotencyKey
	out, err := d.run(ctx, p)
	if err != nil {
		var rejected *exchange.RejectedError
		if errors.As(err, &rejected) {
			out = ledger.Outcome{Status: ledger.OutcomeRejected, Error: rejected.Error()}
			if p.Order != nil {
				out.ClientOrderID = p.Order.ClientOrderID
			}
			logger.Warnf("dispatch %s key=%s rejected by venue: %v", p.Symbol, key, err)
			metrics.Error("dispatch_rejected")
			return out, d.commit(ctx, key, owner, out)
		}
		metrics.Error("dispatch_transport")
		if rerr := d.ledger.Release(context.WithoutCancel(ctx), key, owner); rerr != nil {
			logger.Errorf("dispatch %s key=%s release failed: %v", p.Symbol, key, rerr)
		}
		return ledger.Outcome{}, fmt.Errorf("%w: %v", ErrUnsettled, err)
	}
	return out, d.commit(ctx, key, owner, out)
}

// commit runs detached from ctx: once the mutation returned, the outcome must
// be written even if the cycle was cancelled meanwhile.
func (d *Dispatcher) commit(ctx context.Context, key, owner string, out ledger.Outcome) error {
	if err := d.ledger.Commit(context.WithoutCancel(ctx), key, owner, out); err != nil {
		logger.Errorf("dispatch key=%s commit failed: %v", key, err)
		return fmt.Errorf("commit %s: %w", key, err)
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, p Plan) (ledger.Outcome, error) {
	switch p.Decision.Action {
	case decision.ActionDoNothing:
		return ledger.Outcome{Status: ledger.OutcomeNoop, Detail: detail("reason", p.Decision.Reason)}, nil
	case decision.ActionPlaceOrder:
		if p.Order == nil {
			return ledger.Outcome{}, fmt.Errorf("place_order plan without order")
		}
		return d.placeOrder(ctx, p, ledger.OutcomePlaced)
	case decision.ActionClosePosition:
		if p.NoPosition {
			return ledger.Outcome{Status: ledger.OutcomeNoPosition}, nil
		}
		if p.Order == nil {
			return ledger.Outcome{}, fmt.Errorf("close_position plan without order")
		}
		return d.placeOrder(ctx, p, ledger.OutcomeClosed)
	case decision.ActionCancelOrder:
		return d.cancel(ctx, p)
	default:
		return ledger.Outcome{}, fmt.Errorf("action %s cannot be dispatched", p.Decision.Action)
	}
}

func (d *Dispatcher) placeOrder(ctx context.Context, p Plan, status string) (ledger.Outcome, error) {
	req := *p.Order
	attempt := ledger.OrderAttempt{
		Symbol:         p.Symbol,
		IdempotencyKey: p.Decision.IdempotencyKey,
		ClientOrderID:  req.ClientOrderID,
		Side:           req.Side,
		Price:          req.Price,
		Qty:            req.Qty,
		ReduceOnly:     req.ReduceOnly,
		DryRun:         d.dryRun,
		At:             d.nowFn(),
	}
	if err := d.ledger.RecordOrderAttempt(ctx, attempt); err != nil {
		logger.Warnf("dispatch %s key=%s order attempt not recorded: %v", p.Symbol, attempt.IdempotencyKey, err)
	}
	if d.dryRun {
		logger.Infof("[dry-run] %s %s %s qty=%s price=%s reduce_only=%t", p.Symbol, p.Decision.Action, req.Side, req.Qty, req.Price, req.ReduceOnly)
		metrics.OrderPlaced(string(req.Side))
		return ledger.Outcome{
			Status:        ledger.OutcomeDryRun,
			ClientOrderID: req.ClientOrderID,
			Detail:        orderDetail(req),
		}, nil
	}
	callCtx, cancel := d.mutationContext(ctx)
	defer cancel()
	ack, err := d.trader.PlaceLimitOrder(callCtx, req)
	if err != nil {
		return ledger.Outcome{}, err
	}
	metrics.OrderPlaced(string(req.Side))
	logger.Infof("dispatch %s %s %s qty=%s price=%s order=%s", p.Symbol, p.Decision.Action, req.Side, req.Qty, req.Price, ack.OrderID)
	out := ledger.Outcome{
		Status:        status,
		OrderID:       ack.OrderID,
		ClientOrderID: firstNonEmpty(ack.ClientOrderID, req.ClientOrderID),
		Detail:        orderDetail(req),
	}
	if len(ack.Notes) > 0 {
		out.Detail["notes"] = ack.Notes
	}
	return out, nil
}

func (d *Dispatcher) cancel(ctx context.Context, p Plan) (ledger.Outcome, error) {
	if d.dryRun {
		logger.Infof("[dry-run] %s cancel order=%q all=%t", p.Symbol, p.CancelOrderID, p.CancelAll)
		return ledger.Outcome{
			Status:  ledger.OutcomeDryRun,
			OrderID: p.CancelOrderID,
			Detail:  detail("cancel_all", p.CancelAll),
		}, nil
	}
	callCtx, cancel := d.mutationContext(ctx)
	defer cancel()
	var (
		ack exchange.CancelAck
		err error
	)
	if p.CancelAll {
		ack, err = d.trader.CancelAll(callCtx, p.Symbol)
	} else {
		ack, err = d.trader.CancelOrder(callCtx, p.Symbol, p.CancelOrderID)
	}
	if err != nil {
		return ledger.Outcome{}, err
	}
	return ledger.Outcome{
		Status:  ledger.OutcomeCancelled,
		OrderID: p.CancelOrderID,
		Detail:  map[string]any{"order_ids": ack.OrderIDs, "all": ack.All},
	}, nil
}

// mutationContext keeps an issued mutation alive until its own timeout even
// when the cycle context is cancelled.
func (d *Dispatcher) mutationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d.callTimeout)
}

func orderDetail(req exchange.OrderRequest) map[string]any {
	m := map[string]any{
		"side":          string(req.Side),
		"price":         req.Price.String(),
		"qty":           req.Qty.String(),
		"time_in_force": string(req.TimeInForce),
		"post_only":     req.PostOnly,
		"reduce_only":   req.ReduceOnly,
	}
	if req.TakeProfit.IsPositive() {
		m["take_profit"] = req.TakeProfit.String()
	}
	if req.StopLoss.IsPositive() {
		m["stop_loss"] = req.StopLoss.String()
	}
	return m
}

func detail(k string, v any) map[string]any {
	if s, ok := v.(string); ok && s == "" {
		return nil
	}
	return map[string]any{k: v}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
