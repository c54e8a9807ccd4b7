package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestSeriesExposed(t *testing.T) {
	CycleRun()
	OrderPlaced("buy")
	Error("model")
	Decision("place_order", "dispatched")
	Substitution("QtyBelowMinimum")
	InfoRequest(true)
	InfoRequest(false)
	SetRemaining("BTCUSDT", 1)

	out := scrape(t)
	assert.Contains(t, out, "gptbot_cycles_total 1")
	assert.Contains(t, out, `gptbot_orders_placed_total{side="buy"} 1`)
	assert.Contains(t, out, `gptbot_errors_total{stage="model"} 1`)
	assert.Contains(t, out, `gptbot_decisions_total{action="place_order",result="dispatched"} 1`)
	assert.Contains(t, out, `gptbot_substitutions_total{reason="QtyBelowMinimum"} 1`)
	assert.Contains(t, out, `gptbot_info_requests_total{served="cache"} 1`)
	assert.Contains(t, out, `gptbot_remaining_info_requests{symbol="BTCUSDT"} 1`)
	assert.Contains(t, out, "go_goroutines")
}
