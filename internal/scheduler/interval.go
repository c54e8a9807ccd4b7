package scheduler

import (
	"strconv"
	"strings"
	"time"
)

var intervalUnits = map[byte]time.Duration{
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
	'w': 7 * 24 * time.Hour,
}

// ParseIntervalDuration accepts timeframes as written in config ("5m", "4h",
// "1d") and Bybit kline codes ("60", "D", "W").
func ParseIntervalDuration(interval string) (time.Duration, bool) {
	tf := strings.ToLower(strings.TrimSpace(interval))
	switch tf {
	case "":
		return 0, false
	case "d", "w":
		return intervalUnits[tf[0]], true
	}
	unit, ok := intervalUnits[tf[len(tf)-1]]
	digits := tf[:len(tf)-1]
	if !ok {
		unit, digits = time.Minute, tf
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 || digits[0] == '+' {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// ParentInterval is the higher timeframe used for context features.
func ParentInterval(interval string) string {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case "1m", "3m":
		return "15m"
	case "5m":
		return "1h"
	case "15m", "30m", "1h", "2h":
		return "4h"
	case "4h", "6h", "12h":
		return "1d"
	default:
		return "1w"
	}
}
