package gateway

import (
	"fmt"
	"strings"

	"gptbot/internal/config"
	"gptbot/internal/gateway/binance"
	"gptbot/internal/gateway/bybit"
	"gptbot/internal/gateway/exchange"
)

// NewExchangeFromConfig builds the adapter named by exchange.name.
func NewExchangeFromConfig(cfg *config.Config) (exchange.Exchange, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	ex := cfg.Exchange
	switch strings.ToLower(strings.TrimSpace(ex.Name)) {
	case "", "bybit":
		return bybit.New(bybit.Config{
			APIKey:            ex.APIKey,
			APISecret:         ex.APISecret,
			RESTBaseURL:       ex.RESTBaseURL,
			Testnet:           ex.Testnet,
			HTTPTimeout:       ex.Timeout(),
			RequestsPerSecond: ex.RequestsPerSecond,
		}), nil
	case "binance", "binance-futures":
		return binance.New(binance.Config{
			APIKey:            ex.APIKey,
			APISecret:         ex.APISecret,
			RESTBaseURL:       ex.RESTBaseURL,
			Testnet:           ex.Testnet,
			HTTPTimeout:       ex.Timeout(),
			RequestsPerSecond: ex.RequestsPerSecond,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", ex.Name)
	}
}
