package binance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/futures"

	"gptbot/internal/decision"
	"gptbot/internal/gateway/exchange"
	"gptbot/internal/logger"
)

func sideType(s decision.Side) futures.SideType {
	if s == decision.SideSell {
		return futures.SideTypeSell
	}
	return futures.SideTypeBuy
}

func timeInForce(req exchange.OrderRequest) futures.TimeInForceType {
	if req.PostOnly {
		return futures.TimeInForceTypeGTX
	}
	switch req.TimeInForce {
	case decision.TimeInForceIOC:
		return futures.TimeInForceTypeIOC
	case decision.TimeInForceFOK:
		return futures.TimeInForceTypeFOK
	default:
		return futures.TimeInForceTypeGTC
	}
}

// PlaceLimitOrder submits the entry, then the take-profit and stop-loss legs
// as closePosition trigger orders. A refused leg is reported in the ack notes;
// the entry stands.
func (c *Client) PlaceLimitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	if err := c.wait(ctx, "place_order"); err != nil {
		return exchange.OrderAck{}, err
	}
	svc := c.client.NewCreateOrderService().
		Symbol(sym(req.Symbol)).
		Side(sideType(req.Side)).
		Type(futures.OrderTypeLimit).
		TimeInForce(timeInForce(req)).
		Quantity(req.Qty.String()).
		Price(req.Price.String())
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return exchange.OrderAck{}, classify("place_order", err)
	}
	ack := exchange.OrderAck{
		OrderID:       strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Status:        strings.ToLower(string(res.Status)),
	}
	if req.ReduceOnly {
		return ack, nil
	}
	legs := []struct {
		name  string
		typ   futures.OrderType
		price string
		ok    bool
	}{
		{"take_profit", futures.OrderTypeTakeProfitMarket, req.TakeProfit.String(), req.TakeProfit.IsPositive()},
		{"stop_loss", futures.OrderTypeStopMarket, req.StopLoss.String(), req.StopLoss.IsPositive()},
	}
	for _, leg := range legs {
		if !leg.ok {
			continue
		}
		if err := c.placeTrigger(ctx, req, leg.typ, leg.price, leg.name); err != nil {
			note := fmt.Sprintf("%s leg failed: %v", leg.name, err)
			ack.Notes = append(ack.Notes, note)
			logger.Warnf("binance %s %s", sym(req.Symbol), note)
		}
	}
	return ack, nil
}

func (c *Client) placeTrigger(ctx context.Context, req exchange.OrderRequest, typ futures.OrderType, stopPrice, name string) error {
	if err := c.wait(ctx, name); err != nil {
		return err
	}
	svc := c.client.NewCreateOrderService().
		Symbol(sym(req.Symbol)).
		Side(sideType(req.Side.Opposite())).
		Type(typ).
		StopPrice(stopPrice).
		ClosePosition(true).
		WorkingType(futures.WorkingTypeMarkPrice)
	if req.ClientOrderID != "" {
		suffix := "-tp"
		if typ == futures.OrderTypeStopMarket {
			suffix = "-sl"
		}
		svc = svc.NewClientOrderID(req.ClientOrderID + suffix)
	}
	_, err := svc.Do(ctx)
	return classify(name, err)
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (exchange.CancelAck, error) {
	if err := c.wait(ctx, "cancel_order"); err != nil {
		return exchange.CancelAck{}, err
	}
	svc := c.client.NewCancelOrderService().Symbol(sym(symbol))
	if id, err := strconv.ParseInt(orderID, 10, 64); err == nil {
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(orderID)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return exchange.CancelAck{}, classify("cancel_order", err)
	}
	return exchange.CancelAck{Symbol: sym(symbol), OrderIDs: []string{strconv.FormatInt(res.OrderID, 10)}}, nil
}

func (c *Client) CancelAll(ctx context.Context, symbol string) (exchange.CancelAck, error) {
	if err := c.wait(ctx, "cancel_all"); err != nil {
		return exchange.CancelAck{}, err
	}
	if err := c.client.NewCancelAllOpenOrdersService().Symbol(sym(symbol)).Do(ctx); err != nil {
		return exchange.CancelAck{}, classify("cancel_all", err)
	}
	return exchange.CancelAck{Symbol: sym(symbol), All: true}, nil
}

func (c *Client) Prepare(ctx context.Context, symbol string, leverage int, marginMode string) error {
	s := sym(symbol)
	marginType := futures.MarginTypeCrossed
	if strings.EqualFold(marginMode, "isolated") {
		marginType = futures.MarginTypeIsolated
	}
	if err := c.wait(ctx, "margin_type"); err != nil {
		return err
	}
	err := classify("margin_type", c.client.NewChangeMarginTypeService().Symbol(s).MarginType(marginType).Do(ctx))
	if !isCode(err, codeNoMarginChange) && err != nil {
		return err
	}
	if leverage <= 0 {
		return nil
	}
	if err := c.wait(ctx, "leverage"); err != nil {
		return err
	}
	_, err = c.client.NewChangeLeverageService().Symbol(s).Leverage(leverage).Do(ctx)
	if err = classify("leverage", err); err != nil && !isCode(err, codeNoLeverageChange) {
		return err
	}
	logger.Infof("binance %s leverage=%dx margin=%s", s, leverage, marginType)
	return nil
}

func isCode(err error, code int) bool {
	var rej *exchange.RejectedError
	return errors.As(err, &rej) && rej.Code == code
}
