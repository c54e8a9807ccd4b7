package market

import (
	"time"

	"gptbot/internal/gateway/exchange"
)

const DefaultCandleGrace = 10 * time.Second

// DropUnclosed removes the last candle while it is still forming. Both venues
// return the in-progress candle as the newest element.
func DropUnclosed(candles []exchange.Candle, interval time.Duration, now time.Time, grace time.Duration) []exchange.Candle {
	if len(candles) == 0 || interval <= 0 {
		return candles
	}
	if grace < 0 {
		grace = 0
	}
	last := candles[len(candles)-1]
	if last.OpenTime <= 0 {
		return candles
	}
	cutoff := last.OpenTime + interval.Milliseconds() + grace.Milliseconds()
	if now.UnixMilli() < cutoff {
		return candles[:len(candles)-1]
	}
	return candles
}
