// Package indicator computes the feature block attached to each market
// snapshot.
package indicator

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"gptbot/internal/gateway/exchange"
)

// Features is the latest value of every indicator for one timeframe. A zero
// value means the series was too short; the name is then listed in Warnings.
type Features struct {
	Interval     string   `json:"interval"`
	Count        int      `json:"count"`
	Close        float64  `json:"close"`
	EMA20        float64  `json:"ema20"`
	EMA50        float64  `json:"ema50"`
	EMA200       float64  `json:"ema200"`
	RSI14        float64  `json:"rsi14"`
	ATR14        float64  `json:"atr14"`
	BB20Mid      float64  `json:"bb20_mid"`
	BB20Std      float64  `json:"bb20_std"`
	VWAP         float64  `json:"vwap"`
	Volatility30 float64  `json:"volatility30"`
	Trend        string   `json:"trend,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Compute derives Features from closed candles ordered oldest first.
func Compute(interval string, candles []exchange.Candle) (Features, error) {
	out := Features{Interval: interval, Count: len(candles)}
	if len(candles) == 0 {
		return out, fmt.Errorf("no candles")
	}
	n := len(candles)
	closes := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}
	out.Close = closes[n-1]

	ema := func(name string, period int) float64 {
		if n < period {
			out.Warnings = append(out.Warnings, name)
			return 0
		}
		return round4(lastValid(talib.Ema(closes, period)))
	}
	out.EMA20 = ema("ema20", 20)
	out.EMA50 = ema("ema50", 50)
	out.EMA200 = ema("ema200", 200)

	if n > 14 {
		out.RSI14 = round4(lastValid(talib.Rsi(closes, 14)))
		out.ATR14 = round4(lastValid(talib.Atr(highs, lows, closes, 14)))
	} else {
		out.Warnings = append(out.Warnings, "rsi14", "atr14")
	}

	if n >= 20 {
		out.BB20Mid = round4(lastValid(talib.Sma(closes, 20)))
		out.BB20Std = round4(lastValid(talib.StdDev(closes, 20, 1)))
	} else {
		out.Warnings = append(out.Warnings, "bb20")
	}

	out.VWAP = round4(vwap(candles))

	if n > 30 {
		out.Volatility30 = round6(volatility(closes[n-31:]))
	} else {
		out.Warnings = append(out.Warnings, "volatility30")
	}

	out.Trend = trend(out.Close, out.EMA20, out.EMA50)
	return out, nil
}

// vwap uses the typical price of each candle.
func vwap(candles []exchange.Candle) float64 {
	var pv, vol float64
	for _, c := range candles {
		tp := (c.High + c.Low + c.Close) / 3
		pv += tp * c.Volume
		vol += c.Volume
	}
	if vol <= 0 {
		return 0
	}
	return pv / vol
}

// volatility is the standard deviation of log returns over the window.
func volatility(closes []float64) float64 {
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}
	if len(returns) < 2 {
		return 0
	}
	return lastValid(talib.StdDev(returns, len(returns), 1))
}

func trend(price, fast, slow float64) string {
	if fast == 0 || slow == 0 {
		return "unknown"
	}
	switch {
	case price > fast && fast > slow:
		return "up"
	case price < fast && fast < slow:
		return "down"
	default:
		return "range"
	}
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
