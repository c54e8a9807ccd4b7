package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"gptbot/internal/budget"
	"gptbot/internal/config"
	"gptbot/internal/decision"
	"gptbot/internal/gateway/exchange"
	"gptbot/internal/gateway/provider"
	"gptbot/internal/market"
	"gptbot/internal/risk"
)

// CycleState is threaded through one cycle by value. Nothing in it is shared
// with other cycles.
type CycleState struct {
	ID             string
	Symbol         string
	StartedAt      time.Time
	Limits         config.LimitsConfig
	Filters        exchange.Filters
	Snapshot       market.Snapshot
	OrdersLastHour int
	Budget         budget.Budget
	Round          int
	ExtraData      map[string]any
}

// MaxRounds bounds model calls per cycle so cache-served requests cannot
// stall the loop.
func (st CycleState) MaxRounds() int {
	return 2*st.Limits.MaxInfoRequestsPerCycle + 2
}

func (st CycleState) riskLimits() risk.Limits {
	return risk.Limits{
		MaxOpenOrders:       st.Limits.MaxOpenOrders,
		MaxOrdersPerHour:    st.Limits.MaxOrdersPerHour,
		MaxPositionNotional: decimal.NewFromFloat(st.Limits.MaxPositionUSDT),
	}
}

func (st CycleState) exposure(leverage int) risk.Exposure {
	acct := st.Snapshot.Account
	return risk.Exposure{
		OpenOrders:       len(acct.OpenOrders),
		OrdersLastHour:   st.OrdersLastHour,
		PositionNotional: acct.PositionNotional(),
		HasBalance:       acct.Balance.Asset != "" || acct.Balance.Total.IsPositive(),
		FreeBalance:      acct.Balance.Free,
		Leverage:         leverage,
	}
}

// placeAllowed mirrors the risk gate so the model is not offered an action
// that would certainly be denied.
func (st CycleState) placeAllowed() bool {
	l := st.riskLimits()
	e := st.exposure(0)
	if l.MaxOpenOrders > 0 && e.OpenOrders >= l.MaxOpenOrders {
		return false
	}
	if l.MaxOrdersPerHour > 0 && e.OrdersLastHour >= l.MaxOrdersPerHour {
		return false
	}
	if l.MaxPositionNotional.IsPositive() && !risk.RemainingNotional(l, e).IsPositive() {
		return false
	}
	return true
}

// BuildPolicy returns what the validator enforces and what the model is told.
func (e *Engine) BuildPolicy(st CycleState) (decision.Policy, provider.PolicyView) {
	allowed := make([]decision.Action, 0, len(decision.AllActions))
	if st.placeAllowed() {
		allowed = append(allowed, decision.ActionPlaceOrder)
	}
	allowed = append(allowed, decision.ActionCancelOrder, decision.ActionClosePosition, decision.ActionDoNothing)
	if st.Budget.AllowsRequest() {
		allowed = append(allowed, decision.ActionRequestData)
	}

	tif := decision.TimeInForce(e.settings.Risk.DefaultTimeInForce)
	if tif == "" {
		tif = decision.TimeInForceGTC
	}
	pol := decision.Policy{
		AllowedActions:        allowed,
		RemainingInfoRequests: st.Budget.Remaining(),
		DefaultPostOnly:       e.settings.PostOnly,
		DefaultTimeInForce:    tif,
		ForceReduceOnly:       e.settings.Risk.ReduceOnlyWhenClosing,
	}

	l := st.riskLimits()
	x := st.exposure(e.settings.Leverage)
	view := provider.PolicyView{
		AllowedActions: allowed,
		Constraints: map[string]any{
			"max_open_orders":     l.MaxOpenOrders,
			"open_orders":         x.OpenOrders,
			"max_orders_per_hour": l.MaxOrdersPerHour,
			"orders_last_hour":    x.OrdersLastHour,
			"max_position_usdt":   l.MaxPositionNotional.StringFixed(2),
			"position_notional":   x.PositionNotional.StringFixed(2),
			"remaining_notional":  risk.RemainingNotional(l, x).StringFixed(2),
			"free_balance":        x.FreeBalance.StringFixed(2),
			"leverage":            e.settings.Leverage,
			"tick_size":           st.Filters.TickSize.String(),
			"step_size":           st.Filters.StepSize.String(),
			"min_qty":             st.Filters.MinQty.String(),
			"min_notional":        st.Filters.MinNotional.String(),
			"time_in_force":       string(tif),
			"post_only_default":   e.settings.PostOnly,
			"bracket_required":    true,
		},
	}
	return pol, view
}

// effectiveFilters fills a missing venue min_notional from config.
func (e *Engine) effectiveFilters(f exchange.Filters) exchange.Filters {
	if !f.MinNotional.IsPositive() && e.settings.Risk.MinNotionalUSDT > 0 {
		f.MinNotional = decimal.NewFromFloat(e.settings.Risk.MinNotionalUSDT)
	}
	return f
}
