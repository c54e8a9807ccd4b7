package decision

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Policy is the per-round context the validator checks a decision against.
type Policy struct {
	AllowedActions        []Action
	RemainingInfoRequests int

	DefaultPostOnly    bool
	DefaultTimeInForce TimeInForce
	// ForceReduceOnly overrides an explicit reduce_only=false on close.
	ForceReduceOnly bool
}

func (p Policy) allows(a Action) bool {
	for _, allowed := range p.AllowedActions {
		if allowed == a {
			return true
		}
	}
	return false
}

var hundred = decimal.NewFromInt(100)

// ValidateRaw parses and validates a raw model answer in one step.
func ValidateRaw(raw string, p Policy) (Decision, error) {
	payload, err := ParseResponse(raw)
	if err != nil {
		return Decision{}, err
	}
	return Validate(payload, p)
}

// Validate applies, in order: strict schema match, budget terminal check,
// allowed actions, bracket sides, cancel target, numeric parsing. It has no
// side effects.
func Validate(payload map[string]any, p Policy) (Decision, error) {
	if err := checkSchema(payload); err != nil {
		return Decision{}, err
	}
	action := Action(payload["action"].(string))
	d := Decision{
		Action:         action,
		IdempotencyKey: strings.TrimSpace(payload["idempotency_key"].(string)),
	}
	if reason, ok := payload["reason"].(string); ok {
		d.Reason = reason
	}
	if action == ActionRequestData && p.RemainingInfoRequests <= 1 {
		return Decision{}, NewError(ErrTerminalRequired, "action",
			"request_data not permitted with remaining_info_requests=%d", p.RemainingInfoRequests)
	}
	if !p.allows(action) {
		return Decision{}, NewError(ErrActionNotAllowed, "action", "%s is not in allowed_actions", action)
	}
	params, _ := payload["params"].(map[string]any)

	var err error
	switch action {
	case ActionPlaceOrder:
		d.PlaceOrder, err = parsePlaceOrder(params, p)
	case ActionCancelOrder:
		d.CancelOrder, err = parseCancelOrder(params)
	case ActionClosePosition:
		d.ClosePosition, err = parseClosePosition(params, p)
	case ActionRequestData:
		d.RequestData = parseRequestData(params)
	}
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

func parsePlaceOrder(params map[string]any, p Policy) (*PlaceOrderParams, error) {
	out := &PlaceOrderParams{Side: Side(params["side"].(string))}

	price, err := parseDecimal(params["price"])
	if err != nil {
		return nil, NewError(ErrInvalidNumber, "params.price", "%v", err)
	}
	if !price.IsPositive() {
		return nil, NewError(ErrInvalidNumber, "params.price", "must be > 0")
	}
	out.Price = price

	if out.TakeProfit, err = bracketLeg(params, "take_profit"); err != nil {
		return nil, err
	}
	if out.StopLoss, err = bracketLeg(params, "stop_loss"); err != nil {
		return nil, err
	}
	switch out.Side {
	case SideBuy:
		if !out.TakeProfit.GreaterThan(price) || !out.StopLoss.LessThan(price) {
			return nil, NewError(ErrInvalidBracket, "params", "buy requires stop_loss < price < take_profit (sl=%s price=%s tp=%s)",
				out.StopLoss, price, out.TakeProfit)
		}
	case SideSell:
		if !out.TakeProfit.LessThan(price) || !out.StopLoss.GreaterThan(price) {
			return nil, NewError(ErrInvalidBracket, "params", "sell requires take_profit < price < stop_loss (tp=%s price=%s sl=%s)",
				out.TakeProfit, price, out.StopLoss)
		}
	}

	qty, err := parseDecimal(params["qty"])
	if err != nil {
		return nil, NewError(ErrInvalidNumber, "params.qty", "%v", err)
	}
	if !qty.IsPositive() {
		return nil, NewError(ErrInvalidNumber, "params.qty", "must be > 0")
	}
	out.Qty = qty

	out.PostOnly = p.DefaultPostOnly
	if v, ok := params["post_only"].(bool); ok {
		out.PostOnly = v
	}
	out.TimeInForce = p.DefaultTimeInForce
	if out.TimeInForce == "" {
		out.TimeInForce = TimeInForceGTC
	}
	if v, ok := params["time_in_force"].(string); ok {
		out.TimeInForce = TimeInForce(v)
	}
	return out, nil
}

func bracketLeg(params map[string]any, field string) (decimal.Decimal, error) {
	raw, ok := params[field]
	if !ok || raw == nil {
		return decimal.Zero, NewError(ErrInvalidBracket, "params."+field, "is required and must not be null")
	}
	v, err := parseDecimal(raw)
	if err != nil {
		return decimal.Zero, NewError(ErrInvalidBracket, "params."+field, "%v", err)
	}
	if !v.IsPositive() {
		return decimal.Zero, NewError(ErrInvalidBracket, "params."+field, "must be > 0")
	}
	return v, nil
}

func parseCancelOrder(params map[string]any) (*CancelOrderParams, error) {
	out := &CancelOrderParams{}
	if id, ok := params["order_id"].(string); ok {
		out.OrderID = strings.TrimSpace(id)
	}
	if all, ok := params["all_for_symbol"].(bool); ok {
		out.AllForSymbol = all
	}
	if (out.OrderID != "") == out.AllForSymbol {
		return nil, NewError(ErrAmbiguousTarget, "params", "exactly one of order_id or all_for_symbol=true is required")
	}
	return out, nil
}

func parseClosePosition(params map[string]any, p Policy) (*ClosePositionParams, error) {
	out := &ClosePositionParams{SizePct: hundred, ReduceOnly: true}
	if raw, ok := params["size_pct"]; ok && raw != nil {
		v, err := parseDecimal(raw)
		if err != nil {
			return nil, NewError(ErrInvalidNumber, "params.size_pct", "%v", err)
		}
		if !v.IsPositive() || v.GreaterThan(hundred) {
			return nil, NewError(ErrInvalidNumber, "params.size_pct", "must be within (0, 100], got %s", v)
		}
		out.SizePct = v
	}
	if v, ok := params["reduce_only"].(bool); ok {
		out.ReduceOnly = v
	}
	if p.ForceReduceOnly {
		out.ReduceOnly = true
	}
	return out, nil
}

func parseRequestData(params map[string]any) *RequestDataParams {
	items, _ := params["requests"].([]any)
	out := &RequestDataParams{Requests: make([]DataRequest, 0, len(items))}
	for _, item := range items {
		m, _ := item.(map[string]any)
		req := DataRequest{Kind: DataKind(m["kind"].(string))}
		if args, ok := m["args"].(map[string]any); ok && len(args) > 0 {
			req.Args = args
		}
		out.Requests = append(out.Requests, req)
	}
	return out
}

var plainDecimal = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

type numberError string

func (e numberError) Error() string { return string(e) }

// parseDecimal accepts JSON numbers and plain decimal strings such as "101.5".
// Percentages, thousands separators, signs and exponents inside strings are
// refused.
func parseDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return decimal.Zero, numberError("not a finite decimal: " + n.String())
		}
		return d, checkMagnitude(d)
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, numberError("not a finite decimal")
		}
		d := decimal.NewFromFloat(n)
		return d, checkMagnitude(d)
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case string:
		s := strings.TrimSpace(n)
		if len(s) > 2*maxDigits || !plainDecimal.MatchString(s) {
			return decimal.Zero, numberError("not a plain decimal: " + n)
		}
		d := decimal.RequireFromString(s)
		return d, checkMagnitude(d)
	default:
		return decimal.Zero, numberError("not a number")
	}
}
