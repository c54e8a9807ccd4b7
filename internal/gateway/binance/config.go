package binance

import (
	"strings"
	"time"
)

type Config struct {
	APIKey            string
	APISecret         string
	RESTBaseURL       string
	Testnet           bool
	HTTPTimeout       time.Duration
	RequestsPerSecond float64
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimRight(strings.TrimSpace(out.RESTBaseURL), "/")
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://fapi.binance.com"
		if out.Testnet {
			out.RESTBaseURL = "https://testnet.binancefuture.com"
		}
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if out.RequestsPerSecond <= 0 {
		out.RequestsPerSecond = 8
	}
	return out
}
