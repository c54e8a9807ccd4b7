package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gptbot/internal/decision"
	"gptbot/internal/gateway/exchange"
)

type recorded struct {
	path string
	form map[string]string
}

type fakeVenue struct {
	mu       sync.Mutex
	requests []recorded
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
}

// routes are keyed without the API version so tests survive SDK endpoint bumps
var versionSegment = regexp.MustCompile(`^/fapi/v[0-9]+/`)

func (f *fakeVenue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	path := versionSegment.ReplaceAllString(r.URL.Path, "/fapi/")
	form := map[string]string{}
	for k := range r.Form {
		form[k] = r.Form.Get(k)
	}
	f.mu.Lock()
	f.requests = append(f.requests, recorded{path: path, form: form})
	route := f.routes[r.Method+" "+path]
	f.mu.Unlock()
	if route == nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":-1121,"msg":"no route"}`))
		return
	}
	route(w, r)
}

func reply(status int, body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

func newTestClient(t *testing.T, routes map[string]func(http.ResponseWriter, *http.Request)) (*Client, *fakeVenue) {
	venue := &fakeVenue{routes: routes}
	srv := httptest.NewServer(venue)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "k", APISecret: "s", RESTBaseURL: srv.URL, RequestsPerSecond: 1000}), venue
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFiltersFromExchangeInfo(t *testing.T) {
	c, _ := newTestClient(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /fapi/exchangeInfo": reply(200, `{"symbols":[
			{"symbol":"ETHUSDT","filters":[]},
			{"symbol":"BTCUSDT","filters":[
				{"filterType":"PRICE_FILTER","tickSize":"0.10","minPrice":"556.80","maxPrice":"4529764"},
				{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"1000"},
				{"filterType":"MIN_NOTIONAL","notional":"100"}]}]}`),
	})
	f, err := c.Filters(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.True(t, f.TickSize.Equal(d("0.1")))
	assert.True(t, f.StepSize.Equal(d("0.001")))
	assert.True(t, f.MinNotional.Equal(d("100")))

	_, err = c.Filters(context.Background(), "DOGEUSDT")
	assert.Error(t, err)
}

func TestPlaceLimitOrderWithBracket(t *testing.T) {
	c, venue := newTestClient(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /fapi/order": reply(200, `{"orderId":123,"clientOrderId":"gptbot-abc","status":"NEW"}`),
	})
	ack, err := c.PlaceLimitOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: decision.SideBuy, Price: d("100.09"), Qty: d("0.01"),
		TakeProfit: d("102"), StopLoss: d("98"), PostOnly: true, ClientOrderID: "gptbot-abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "123", ack.OrderID)
	assert.Equal(t, "new", ack.Status)
	assert.Empty(t, ack.Notes)

	require.Len(t, venue.requests, 3)
	entry := venue.requests[0].form
	assert.Equal(t, "LIMIT", entry["type"])
	assert.Equal(t, "GTX", entry["timeInForce"])
	assert.Equal(t, "BUY", entry["side"])
	assert.Equal(t, "gptbot-abc", entry["newClientOrderId"])

	tp := venue.requests[1].form
	assert.Equal(t, "TAKE_PROFIT_MARKET", tp["type"])
	assert.Equal(t, "SELL", tp["side"])
	assert.Equal(t, "102", tp["stopPrice"])
	assert.Equal(t, "true", tp["closePosition"])

	sl := venue.requests[2].form
	assert.Equal(t, "STOP_MARKET", sl["type"])
	assert.Equal(t, "gptbot-abc-sl", sl["newClientOrderId"])
}

func TestReduceOnlyCloseSkipsBracket(t *testing.T) {
	c, venue := newTestClient(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /fapi/order": reply(200, `{"orderId":9,"status":"NEW"}`),
	})
	_, err := c.PlaceLimitOrder(context.Background(), exchange.OrderRequest{
		Symbol: "BTCUSDT", Side: decision.SideSell, Price: d("100"), Qty: d("1"), ReduceOnly: true,
		TimeInForce: decision.TimeInForceGTC,
	})
	require.NoError(t, err)
	require.Len(t, venue.requests, 1)
	assert.Equal(t, "true", venue.requests[0].form["reduceOnly"])
	assert.Equal(t, "GTC", venue.requests[0].form["timeInForce"])
}

func TestErrorsClassified(t *testing.T) {
	c, _ := newTestClient(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /fapi/order":   reply(400, `{"code":-2019,"msg":"Margin is insufficient."}`),
		"GET /fapi/balance":  reply(429, `{"code":-1003,"msg":"Too many requests"}`),
		"DELETE /fapi/order": reply(502, `<html>bad gateway</html>`),
	})
	_, err := c.PlaceLimitOrder(context.Background(), exchange.OrderRequest{Symbol: "BTCUSDT", Side: decision.SideBuy,
		Price: d("1"), Qty: d("1")})
	assert.True(t, exchange.IsRejected(err))

	_, err = c.Balance(context.Background())
	assert.True(t, exchange.IsTransport(err))

	_, err = c.CancelOrder(context.Background(), "BTCUSDT", "42")
	assert.True(t, exchange.IsTransport(err))
}

func TestPrepareIgnoresNoChangeCodes(t *testing.T) {
	c, _ := newTestClient(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /fapi/marginType": reply(400, `{"code":-4046,"msg":"No need to change margin type."}`),
		"POST /fapi/leverage":   reply(200, `{"leverage":5,"maxNotionalValue":"1000000","symbol":"BTCUSDT"}`),
	})
	assert.NoError(t, c.Prepare(context.Background(), "BTCUSDT", 5, "cross"))
}

func TestPositionsSigned(t *testing.T) {
	c, _ := newTestClient(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /fapi/positionRisk": reply(200, `[
			{"symbol":"BTCUSDT","positionAmt":"-0.020","entryPrice":"100.0","markPrice":"101.0","unRealizedProfit":"-0.02","leverage":"5"},
			{"symbol":"BTCUSDT","positionAmt":"0","entryPrice":"0","markPrice":"101.0","unRealizedProfit":"0","leverage":"5"}]`),
	})
	ps, err := c.Positions(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, exchange.PositionShort, ps[0].Side)
	assert.True(t, ps[0].Size.Equal(d("0.02")))
}
