package bybit

import (
	"strings"
	"time"
)

const (
	mainnetURL = "https://api.bybit.com"
	testnetURL = "https://api-testnet.bybit.com"
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
		out.RESTBaseURL = mainnetURL
		if out.Testnet {
			out.RESTBaseURL = testnetURL
		}
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 10 * time.Second
	}
	if out.RequestsPerSecond <= 0 {
		out.RequestsPerSecond = 8
	}
	return out
}
