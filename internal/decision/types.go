package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionPlaceOrder    Action = "place_order"
	ActionCancelOrder   Action = "cancel_order"
	ActionClosePosition Action = "close_position"
	ActionDoNothing     Action = "do_nothing"
	ActionRequestData   Action = "request_data"
)

// AllActions lists every action in a stable order.
var AllActions = []Action{ActionPlaceOrder, ActionCancelOrder, ActionClosePosition, ActionDoNothing, ActionRequestData}

// IsTerminal reports whether the action ends a decision cycle.
func (a Action) IsTerminal() bool {
	return a != ActionRequestData
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

type DataKind string

const (
	KindOHLCV        DataKind = "ohlcv"
	KindOrderBook    DataKind = "orderbook"
	KindTrades       DataKind = "trades"
	KindTicker       DataKind = "ticker"
	KindFundingRate  DataKind = "funding_rate"
	KindMarkPrice    DataKind = "mark_price"
	KindIndexPrice   DataKind = "index_price"
	KindPositions    DataKind = "positions"
	KindBalance      DataKind = "balance"
	KindOpenOrders   DataKind = "open_orders"
	KindOpenInterest DataKind = "open_interest"
)

type PlaceOrderParams struct {
	Side        Side            `json:"side"`
	Price       decimal.Decimal `json:"price"`
	Qty         decimal.Decimal `json:"qty"`
	TakeProfit  decimal.Decimal `json:"take_profit"`
	StopLoss    decimal.Decimal `json:"stop_loss"`
	PostOnly    bool            `json:"post_only"`
	TimeInForce TimeInForce     `json:"time_in_force"`
}

// Notional is price*qty in quote currency.
func (p PlaceOrderParams) Notional() decimal.Decimal {
	return p.Price.Mul(p.Qty)
}

type CancelOrderParams struct {
	OrderID      string `json:"order_id,omitempty"`
	AllForSymbol bool   `json:"all_for_symbol,omitempty"`
}

type ClosePositionParams struct {
	SizePct    decimal.Decimal `json:"size_pct"`
	ReduceOnly bool            `json:"reduce_only"`
}

type DataRequest struct {
	Kind DataKind       `json:"kind"`
	Args map[string]any `json:"args,omitempty"`
}

// CacheKey identifies a request by kind and canonical args.
func (r DataRequest) CacheKey() string {
	if len(r.Args) == 0 {
		return string(r.Kind)
	}
	b, err := json.Marshal(r.Args)
	if err != nil {
		return string(r.Kind)
	}
	return string(r.Kind) + ":" + string(b)
}

type RequestDataParams struct {
	Requests []DataRequest `json:"requests"`
}

// Decision is a tagged union: exactly one params pointer matching Action is
// non-nil (none for do_nothing).
type Decision struct {
	Action         Action
	IdempotencyKey string
	Reason         string

	PlaceOrder    *PlaceOrderParams
	CancelOrder   *CancelOrderParams
	ClosePosition *ClosePositionParams
	RequestData   *RequestDataParams
}

func DoNothing(key, reason string) Decision {
	return Decision{Action: ActionDoNothing, IdempotencyKey: key, Reason: reason}
}

func (d Decision) params() any {
	switch d.Action {
	case ActionPlaceOrder:
		return d.PlaceOrder
	case ActionCancelOrder:
		return d.CancelOrder
	case ActionClosePosition:
		return d.ClosePosition
	case ActionRequestData:
		return d.RequestData
	default:
		return struct{}{}
	}
}

type wireDecision struct {
	Action         Action `json:"action"`
	IdempotencyKey string `json:"idempotency_key"`
	Reason         string `json:"reason,omitempty"`
	Params         any    `json:"params"`
}

// MarshalJSON renders the same wire shape the validator accepts.
func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireDecision{
		Action:         d.Action,
		IdempotencyKey: d.IdempotencyKey,
		Reason:         d.Reason,
		Params:         d.params(),
	})
}

// Fingerprint hashes action and params, ignoring key and reason. Two decisions
// with the same key but different fingerprints are a reused key.
func (d Decision) Fingerprint() string {
	b, err := json.Marshal(struct {
		Action Action `json:"action"`
		Params any    `json:"params"`
	}{d.Action, d.params()})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Summary is a short human-readable form for logs and ledger records.
func (d Decision) Summary() string {
	switch d.Action {
	case ActionPlaceOrder:
		p := d.PlaceOrder
		if p == nil {
			break
		}
		return fmt.Sprintf("place_order %s %s@%s tp=%s sl=%s post_only=%v tif=%s",
			p.Side, p.Qty, p.Price, p.TakeProfit, p.StopLoss, p.PostOnly, p.TimeInForce)
	case ActionCancelOrder:
		if d.CancelOrder == nil {
			break
		}
		if d.CancelOrder.AllForSymbol {
			return "cancel_order all_for_symbol"
		}
		return "cancel_order id=" + d.CancelOrder.OrderID
	case ActionClosePosition:
		if d.ClosePosition == nil {
			break
		}
		return fmt.Sprintf("close_position size_pct=%s reduce_only=%v", d.ClosePosition.SizePct, d.ClosePosition.ReduceOnly)
	case ActionRequestData:
		if d.RequestData == nil {
			break
		}
		kinds := make([]string, 0, len(d.RequestData.Requests))
		for _, r := range d.RequestData.Requests {
			kinds = append(kinds, string(r.Kind))
		}
		return "request_data " + strings.Join(kinds, ",")
	}
	return string(d.Action)
}
