package bybit

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"gptbot/internal/decision"
	"gptbot/internal/gateway/exchange"
	"gptbot/internal/logger"
)

// leverage not modified
const codeLeverageUnchanged = 110043

func orderSide(s decision.Side) string {
	if s == decision.SideSell {
		return "Sell"
	}
	return "Buy"
}

func orderParams(req exchange.OrderRequest) map[string]interface{} {
	params := linear(req.Symbol)
	params["side"] = orderSide(req.Side)
	params["orderType"] = "Limit"
	params["qty"] = req.Qty.String()
	params["price"] = req.Price.String()
	tif := string(req.TimeInForce)
	if tif == "" {
		tif = string(decision.TimeInForceGTC)
	}
	if req.PostOnly {
		tif = "PostOnly"
	}
	params["timeInForce"] = tif
	if req.ClientOrderID != "" {
		params["orderLinkId"] = req.ClientOrderID
	}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}
	if req.TakeProfit.IsPositive() {
		params["takeProfit"] = req.TakeProfit.String()
		params["tpTriggerBy"] = "MarkPrice"
	}
	if req.StopLoss.IsPositive() {
		params["stopLoss"] = req.StopLoss.String()
		params["slTriggerBy"] = "MarkPrice"
	}
	if req.TakeProfit.IsPositive() || req.StopLoss.IsPositive() {
		params["tpslMode"] = "Full"
	}
	return params
}

func (c *Client) PlaceLimitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	raw, err := c.do(ctx, opPlace, orderParams(req))
	if err != nil {
		return exchange.OrderAck{}, err
	}
	res := gjson.ParseBytes(raw)
	return exchange.OrderAck{
		OrderID:       res.Get("orderId").String(),
		ClientOrderID: res.Get("orderLinkId").String(),
		Status:        "new",
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (exchange.CancelAck, error) {
	params := linear(symbol)
	if strings.HasPrefix(orderID, "gptbot-") {
		params["orderLinkId"] = orderID
	} else {
		params["orderId"] = orderID
	}
	raw, err := c.do(ctx, opCancel, params)
	if err != nil {
		return exchange.CancelAck{}, err
	}
	id := gjson.GetBytes(raw, "orderId").String()
	if id == "" {
		id = orderID
	}
	return exchange.CancelAck{Symbol: strings.ToUpper(symbol), OrderIDs: []string{id}}, nil
}

func (c *Client) CancelAll(ctx context.Context, symbol string) (exchange.CancelAck, error) {
	raw, err := c.do(ctx, opCancelAll, linear(symbol))
	if err != nil {
		return exchange.CancelAck{}, err
	}
	ack := exchange.CancelAck{Symbol: strings.ToUpper(symbol), All: true}
	for _, row := range gjson.GetBytes(raw, "list").Array() {
		ack.OrderIDs = append(ack.OrderIDs, row.Get("orderId").String())
	}
	return ack, nil
}

// Prepare sets symmetric leverage. Unified accounts carry margin mode at the
// account level, so marginMode is only reported.
func (c *Client) Prepare(ctx context.Context, symbol string, leverage int, marginMode string) error {
	if leverage <= 0 {
		return nil
	}
	params := linear(symbol)
	params["buyLeverage"] = strconv.Itoa(leverage)
	params["sellLeverage"] = strconv.Itoa(leverage)
	_, err := c.do(ctx, opLeverage, params)
	var rej *exchange.RejectedError
	if errors.As(err, &rej) && rej.Code == codeLeverageUnchanged {
		err = nil
	}
	if err != nil {
		return err
	}
	logger.Infof("bybit %s leverage=%dx margin_mode=%s (account level)", symbol, leverage, marginMode)
	return nil
}
