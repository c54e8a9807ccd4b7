package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"gptbot/internal/budget"
	"gptbot/internal/decision"
	"gptbot/internal/dispatch"
	"gptbot/internal/gateway/provider"
	"gptbot/internal/journal"
	"gptbot/internal/ledger"
	"gptbot/internal/logger"
	"gptbot/internal/metrics"
	"gptbot/internal/normalize"
	"gptbot/internal/risk"
	"gptbot/internal/trace"
)

// Substitution rules that are not validator or risk rules.
const (
	RuleModelUnavailable = "ModelUnavailable"
	RuleRoundLimit       = "RoundLimit"
	RuleDataUnavailable  = "DataUnavailable"
)

const orderRateWindow = time.Hour

type CycleResult struct {
	CycleID        string
	Symbol         string
	Rounds         int
	Decision       decision.Decision
	Substituted    bool
	Rule           string
	Claim          ledger.ClaimResult
	ParamsMismatch bool
	Outcome        *ledger.Outcome
	Budget         budget.Budget
}

// RunCycle runs one decision cycle for symbol. The returned error is set for
// infrastructure failures (snapshot, ledger, unsettled mutation); every
// model-originated problem ends in a substituted do_nothing instead.
func (e *Engine) RunCycle(ctx context.Context, symbol string) (res CycleResult, err error) {
	symbol = normalizeSymbol(symbol)
	if e.settings.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.settings.CycleTimeout)
		defer cancel()
	}
	st := CycleState{ID: e.newID(), Symbol: symbol, StartedAt: e.nowFn(), Limits: e.Limits()}
	ctx, span := trace.Start(ctx, "cycle", attribute.String("symbol", symbol), attribute.String("cycle_id", st.ID))
	defer func() { trace.End(span, err) }()
	metrics.CycleRun()

	res = CycleResult{CycleID: st.ID, Symbol: symbol}
	filters, err := e.deps.Filters.Get(ctx, symbol)
	if err != nil {
		metrics.Error("filters")
		return res, fmt.Errorf("filters %s: %w", symbol, err)
	}
	st.Filters = e.effectiveFilters(filters)
	if st.Snapshot, err = e.deps.Snapshots.Build(ctx, symbol); err != nil {
		metrics.Error("snapshot")
		return res, fmt.Errorf("snapshot %s: %w", symbol, err)
	}
	if st.OrdersLastHour, err = e.deps.Ledger.OrdersSince(ctx, symbol, st.StartedAt.Add(-orderRateWindow)); err != nil {
		metrics.Error("ledger")
		return res, fmt.Errorf("order rate %s: %w", symbol, err)
	}
	st.Budget = budget.New(st.Limits.MaxInfoRequestsPerCycle)
	st.ExtraData = map[string]any{}
	logger.Infof("cycle %s %s start remaining_info=%d open_orders=%d orders_1h=%d",
		st.ID, symbol, st.Budget.Remaining(), len(st.Snapshot.Account.OpenOrders), st.OrdersLastHour)

	for {
		st.Round++
		res.Rounds = st.Round
		metrics.SetRemaining(symbol, st.Budget.Remaining())
		if st.Round > st.MaxRounds() {
			logger.Warnf("cycle %s %s: round limit %d reached", st.ID, symbol, st.MaxRounds())
			return e.substitute(ctx, st, res, nil, RuleRoundLimit, fmt.Sprintf("more than %d model rounds", st.MaxRounds()))
		}
		pol, view := e.BuildPolicy(st)
		raw, err := e.ask(ctx, st, view)
		if err != nil {
			metrics.Error("model")
			logger.Warnf("cycle %s %s: model call failed: %v", st.ID, symbol, err)
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return e.substitute(ctx, st, res, nil, RuleModelUnavailable, err.Error())
		}
		e.record(ctx, journal.Entry{CycleID: st.ID, Symbol: symbol, Round: st.Round, Stage: journal.StageModel, Raw: raw})

		d, err := decision.ValidateRaw(raw, pol)
		if err != nil {
			rule := ruleOf(err)
			metrics.Decision("unknown", "rejected")
			e.record(ctx, journal.Entry{
				CycleID: st.ID, Symbol: symbol, Round: st.Round, Stage: journal.StageRejected,
				Raw: raw, Rule: rule, Detail: err.Error(),
			})
			return e.substitute(ctx, st, res, nil, rule, err.Error())
		}
		e.record(ctx, journal.Entry{
			CycleID: st.ID, Symbol: symbol, Round: st.Round, Stage: journal.StageValidated,
			Action: string(d.Action), IdempotencyKey: d.IdempotencyKey, Detail: d.Summary(),
		})

		if d.Action != decision.ActionRequestData {
			st.Budget = st.Budget.Finish()
			return e.execute(ctx, st, res, d)
		}

		data, live, err := e.deps.Data.Collect(ctx, symbol, d.RequestData.Requests)
		if err != nil {
			metrics.Error("request_data")
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return e.substitute(ctx, st, res, &d, RuleDataUnavailable, err.Error())
		}
		st.Budget = st.Budget.Record(live)
		metrics.InfoRequest(!live)
		metrics.Decision(string(d.Action), "served")
		for k, v := range data {
			st.ExtraData[k] = v
		}
		e.record(ctx, journal.Entry{
			CycleID: st.ID, Symbol: symbol, Round: st.Round, Stage: journal.StageRequestServed,
			Action: string(d.Action), IdempotencyKey: d.IdempotencyKey,
			Detail: fmt.Sprintf("items=%d live=%t remaining=%d", len(d.RequestData.Requests), live, st.Budget.Remaining()),
			Outcome: map[string]any{
				"keys":         mapKeys(data),
				"live":         live,
				"consumed":     st.Budget.Consumed(),
				"cache_served": st.Budget.CacheServed(),
			},
		})
	}
}

func (e *Engine) ask(ctx context.Context, st CycleState, view provider.PolicyView) (string, error) {
	ctx, span := trace.Start(ctx, "model", attribute.Int("round", st.Round))
	req := provider.Request{
		Symbol:          st.Symbol,
		CycleID:         st.ID,
		MarketSnapshot:  st.Snapshot.Market,
		AccountSnapshot: st.Snapshot.Account,
		Config: map[string]any{
			"symbol":    st.Symbol,
			"timeframe": e.settings.Timeframe,
			"leverage":  e.settings.Leverage,
		},
		Policy: view,
		Counters: provider.Counters{
			RemainingInfoRequests: st.Budget.Remaining(),
			Round:                 st.Round,
		},
		Flags:  map[string]any{"dry_run": e.settings.DryRun, "budget_state": st.Budget.State().String()},
		Notice: st.Budget.Notice(),
	}
	if len(st.ExtraData) > 0 {
		req.ExtraData = st.ExtraData
	}
	raw, err := e.deps.Decider.Decide(ctx, req)
	trace.End(span, err)
	return raw, err
}

// execute takes a terminal decision through normalize, risk, ledger and
// dispatch.
func (e *Engine) execute(ctx context.Context, st CycleState, res CycleResult, d decision.Decision) (CycleResult, error) {
	plan, err := e.plan(st, d)
	if err != nil {
		var denied *denial
		if errors.As(err, &denied) {
			metrics.Decision(string(d.Action), "denied")
			e.record(ctx, journal.Entry{
				CycleID: st.ID, Symbol: st.Symbol, Round: st.Round, Stage: journal.StageDenied,
				Action: string(d.Action), IdempotencyKey: d.IdempotencyKey,
				Rule: string(denied.verdict.Reason), Detail: denied.verdict.Detail,
			})
			return e.substitute(ctx, st, res, &d, string(denied.verdict.Reason), denied.verdict.Detail)
		}
		metrics.Decision(string(d.Action), "rejected")
		rule := ruleOf(err)
		e.record(ctx, journal.Entry{
			CycleID: st.ID, Symbol: st.Symbol, Round: st.Round, Stage: journal.StageRejected,
			Action: string(d.Action), IdempotencyKey: d.IdempotencyKey, Rule: rule, Detail: err.Error(),
		})
		return e.substitute(ctx, st, res, &d, rule, err.Error())
	}
	return e.settle(ctx, st, res, plan)
}

type denial struct{ verdict risk.Verdict }

func (d *denial) Error() string { return d.verdict.Err().Error() }

func (e *Engine) plan(st CycleState, d decision.Decision) (dispatch.Plan, error) {
	quote := st.Snapshot.Quote()
	switch d.Action {
	case decision.ActionPlaceOrder:
		n, err := normalize.PlaceOrder(*d.PlaceOrder, quote, st.Filters)
		if err != nil {
			return dispatch.Plan{}, err
		}
		if n.Adjusted() {
			logger.Infof("cycle %s %s key=%s normalized: %v", st.ID, st.Symbol, d.IdempotencyKey, n.Adjustments)
		}
		v := risk.Check(d, n.Order, st.riskLimits(), st.exposure(e.settings.Leverage), st.Filters)
		if !v.Allowed {
			return dispatch.Plan{}, &denial{verdict: v}
		}
		if v.Reduced {
			logger.Warnf("cycle %s %s key=%s margin fit: %s", st.ID, st.Symbol, d.IdempotencyKey, v.Detail)
		}
		return dispatch.PlanPlaceOrder(st.Symbol, d, v.Order), nil
	case decision.ActionClosePosition:
		p, ok := st.Snapshot.Account.Position()
		if !ok {
			return dispatch.PlanClose(st.Symbol, d, nil, quote, st.Filters)
		}
		return dispatch.PlanClose(st.Symbol, d, &p, quote, st.Filters)
	case decision.ActionCancelOrder:
		return dispatch.PlanCancel(st.Symbol, d)
	case decision.ActionDoNothing:
		return dispatch.PlanNoop(st.Symbol, d), nil
	default:
		return dispatch.Plan{}, decision.NewError(decision.ErrSchema, "action", "%s is not terminal", d.Action)
	}
}

// settle claims the key and dispatches on Fresh. Duplicates replay the stored
// outcome without touching the exchange.
func (e *Engine) settle(ctx context.Context, st CycleState, res CycleResult, plan dispatch.Plan) (CycleResult, error) {
	d := plan.Decision
	res.Decision = d
	res.Budget = st.Budget
	owner := e.owner + "/" + st.ID
	claim, err := e.deps.Ledger.RecordOrFetch(ctx, ledger.IntentFor(d, st.Symbol, owner))
	if err != nil {
		metrics.Error("ledger")
		return res, fmt.Errorf("ledger claim %s: %w", d.IdempotencyKey, err)
	}
	res.Claim = claim.Result
	res.ParamsMismatch = claim.ParamsMismatch

	switch claim.Result {
	case ledger.Duplicate:
		res.Outcome = claim.Record.Outcome
		metrics.Decision(string(d.Action), "duplicate")
		if claim.ParamsMismatch {
			logger.Warnf("cycle %s %s key=%s reused with different parameters: replaying prior outcome (prior=%q now=%q)",
				st.ID, st.Symbol, d.IdempotencyKey, claim.Record.Summary, d.Summary())
		} else {
			logger.Infof("cycle %s %s key=%s duplicate, replaying prior outcome", st.ID, st.Symbol, d.IdempotencyKey)
		}
		e.record(ctx, journal.Entry{
			CycleID: st.ID, Symbol: st.Symbol, Round: st.Round, Stage: journal.StageDuplicate,
			Action: string(d.Action), IdempotencyKey: d.IdempotencyKey, Detail: claim.Record.Summary,
			Outcome: map[string]any{"params_mismatch": claim.ParamsMismatch, "prior": outcomeMap(claim.Record.Outcome)},
		})
		return res, nil
	case ledger.InFlight:
		metrics.Decision(string(d.Action), "in_flight")
		logger.Warnf("cycle %s %s key=%s is claimed by %s since %s, skipping",
			st.ID, st.Symbol, d.IdempotencyKey, claim.Record.Owner, claim.Record.ClaimedAt.Format(time.RFC3339))
		e.record(ctx, journal.Entry{
			CycleID: st.ID, Symbol: st.Symbol, Round: st.Round, Stage: journal.StageDuplicate,
			Action: string(d.Action), IdempotencyKey: d.IdempotencyKey, Detail: "in flight",
		})
		return res, nil
	}

	dctx, span := trace.Start(ctx, "dispatch", attribute.String("action", string(d.Action)), attribute.String("key", d.IdempotencyKey))
	out, err := e.deps.Dispatcher.Execute(dctx, owner, plan)
	trace.End(span, err)
	if err != nil {
		metrics.Decision(string(d.Action), "transport_error")
		e.record(ctx, journal.Entry{
			CycleID: st.ID, Symbol: st.Symbol, Round: st.Round, Stage: journal.StageTransportError,
			Action: string(d.Action), IdempotencyKey: d.IdempotencyKey, Detail: err.Error(),
		})
		return res, err
	}
	res.Outcome = &out
	metrics.Decision(string(d.Action), out.Status)
	e.record(ctx, journal.Entry{
		CycleID: st.ID, Symbol: st.Symbol, Round: st.Round, Stage: journal.StageDispatched,
		Action: string(d.Action), IdempotencyKey: d.IdempotencyKey, Outcome: outcomeMap(&out),
	})
	logger.Infof("cycle %s %s done action=%s key=%s outcome=%s rounds=%d info_live=%d info_cached=%d",
		st.ID, st.Symbol, d.Action, d.IdempotencyKey, out.Status, st.Round, st.Budget.Consumed(), st.Budget.CacheServed())
	return res, nil
}

// substitute replaces a rejected or denied decision with do_nothing under a
// cycle-scoped key. The original key stays unsettled.
func (e *Engine) substitute(ctx context.Context, st CycleState, res CycleResult, orig *decision.Decision, rule, detail string) (CycleResult, error) {
	sub := decision.DoNothing(st.ID+":substitute", "substituted: "+rule)
	st.Budget = st.Budget.Finish()
	res.Substituted = true
	res.Rule = rule
	metrics.Substitution(rule)

	entry := journal.Entry{
		CycleID: st.ID, Symbol: st.Symbol, Round: st.Round, Stage: journal.StageSubstituted,
		Rule: rule, Detail: detail,
		Outcome: map[string]any{"substitute_key": sub.IdempotencyKey},
	}
	origKey := ""
	if orig != nil {
		origKey = orig.IdempotencyKey
		entry.Action = string(orig.Action)
		entry.IdempotencyKey = orig.IdempotencyKey
		entry.Outcome["original"] = orig.Summary()
	}
	logger.Warnf("cycle %s %s: substituting do_nothing rule=%s key=%q: %s", st.ID, st.Symbol, rule, origKey, detail)
	e.record(ctx, entry)
	return e.settle(ctx, st, res, dispatch.PlanNoop(st.Symbol, sub))
}

func ruleOf(err error) string {
	if ve, ok := decision.AsValidationError(err); ok {
		return string(ve.Rule)
	}
	return string(decision.RuleSchema)
}

func outcomeMap(o *ledger.Outcome) map[string]any {
	if o == nil {
		return nil
	}
	m := map[string]any{"status": o.Status}
	if o.OrderID != "" {
		m["order_id"] = o.OrderID
	}
	if o.ClientOrderID != "" {
		m["client_order_id"] = o.ClientOrderID
	}
	if o.Error != "" {
		m["error"] = o.Error
	}
	for k, v := range o.Detail {
		m[k] = v
	}
	return m
}

func mapKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
