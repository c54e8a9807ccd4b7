// Package bybit implements the exchange contract against Bybit v5 linear
// perpetuals.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	bybitapi "github.com/bybit-exchange/bybit.go.api"
	"golang.org/x/time/rate"

	"gptbot/internal/gateway/exchange"
	"gptbot/internal/logger"
)

const venue = "bybit"

type op string

const (
	opInstruments op = "instruments"
	opTickers     op = "tickers"
	opOrderBook   op = "orderbook"
	opKline       op = "kline"
	opTrades      op = "trades"
	opPositions   op = "positions"
	opOpenOrders  op = "open_orders"
	opWallet      op = "wallet"
	opPlace       op = "place_order"
	opCancel      op = "cancel_order"
	opCancelAll   op = "cancel_all"
	opLeverage    op = "set_leverage"
)

// Codes that mean "try later" rather than "no".
var transientCodes = map[int]bool{
	10000: true, // server timeout
	10006: true, // too many visits
	10016: true, // internal error
	10429: true, // system level frequency protection
}

// caller issues one v5 request and returns the raw result payload.
type caller interface {
	call(ctx context.Context, o op, params map[string]interface{}) (json.RawMessage, error)
}

type sdkCaller struct {
	client *bybitapi.Client
}

func (s *sdkCaller) call(ctx context.Context, o op, params map[string]interface{}) (json.RawMessage, error) {
	req := s.client.NewUtaBybitServiceWithParams(params)
	var (
		resp *bybitapi.ServerResponse
		err  error
	)
	switch o {
	case opInstruments:
		resp, err = req.GetInstrumentInfo(ctx)
	case opTickers:
		resp, err = req.GetMarketTickers(ctx)
	case opOrderBook:
		resp, err = req.GetOrderBookInfo(ctx)
	case opKline:
		resp, err = req.GetMarketKline(ctx)
	case opTrades:
		resp, err = req.GetPublicRecentTrades(ctx)
	case opPositions:
		resp, err = req.GetPositionList(ctx)
	case opOpenOrders:
		resp, err = req.GetOpenOrders(ctx)
	case opWallet:
		resp, err = req.GetAccountWallet(ctx)
	case opPlace:
		resp, err = req.PlaceOrder(ctx)
	case opCancel:
		resp, err = req.CancelOrder(ctx)
	case opCancelAll:
		resp, err = req.CancelAllOrders(ctx)
	case opLeverage:
		resp, err = req.SetPositionLeverage(ctx)
	default:
		return nil, fmt.Errorf("bybit: unknown op %s", o)
	}
	if err != nil {
		return nil, &exchange.TransportError{Venue: venue, Op: string(o), Err: err}
	}
	if resp == nil {
		return nil, &exchange.TransportError{Venue: venue, Op: string(o), Err: fmt.Errorf("empty response")}
	}
	if resp.RetCode != 0 {
		if transientCodes[resp.RetCode] {
			return nil, &exchange.TransportError{Venue: venue, Op: string(o),
				Err: fmt.Errorf("retCode=%d %s", resp.RetCode, resp.RetMsg)}
		}
		return nil, &exchange.RejectedError{Venue: venue, Op: string(o), Code: resp.RetCode, Message: resp.RetMsg}
	}
	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("bybit: encode %s result: %w", o, err)
	}
	return payload, nil
}

// Client is the Bybit adapter. Every call waits on a shared limiter.
type Client struct {
	cfg     Config
	api     caller
	limiter *rate.Limiter
}

var _ exchange.Exchange = (*Client)(nil)

func New(cfg Config) *Client {
	final := cfg.withDefaults()
	sdk := bybitapi.NewBybitHttpClient(final.APIKey, final.APISecret, bybitapi.WithBaseURL(final.RESTBaseURL))
	sdk.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	logger.Debugf("bybit client base=%s testnet=%v rps=%.1f", final.RESTBaseURL, final.Testnet, final.RequestsPerSecond)
	return newWithCaller(final, &sdkCaller{client: sdk})
}

func newWithCaller(cfg Config, api caller) *Client {
	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		cfg:     cfg,
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
	}
}

func (c *Client) Name() string { return venue }

func (c *Client) do(ctx context.Context, o op, params map[string]interface{}) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &exchange.TransportError{Venue: venue, Op: string(o), Err: err}
	}
	if params == nil {
		params = map[string]interface{}{}
	}
	params["category"] = "linear"
	return c.api.call(ctx, o, params)
}

func linear(symbol string) map[string]interface{} {
	return map[string]interface{}{"symbol": strings.ToUpper(symbol)}
}
