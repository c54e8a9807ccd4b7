package config

import (
	"fmt"
	"strings"

	"gptbot/internal/pkg/symbol"
	"gptbot/internal/scheduler"
)

func validate(c *Config) error {
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if err := c.Chat.validate(); err != nil {
		return err
	}
	if err := c.Runtime.validate(); err != nil {
		return err
	}
	return c.Ledger.validate()
}

func (e *ExchangeConfig) validate() error {
	switch e.Name {
	case "bybit", "binance":
	default:
		return fmt.Errorf("exchange.name must be bybit or binance, got %q", e.Name)
	}
	for _, s := range append([]string{e.Symbol}, e.Symbols...) {
		if strings.TrimSpace(s) != "" && !symbol.IsValid(s) {
			return fmt.Errorf("exchange symbol %q has no known quote currency", s)
		}
	}
	if len(e.ResolveSymbols()) == 0 {
		return fmt.Errorf("exchange.symbols must not be empty")
	}
	if _, ok := scheduler.ParseIntervalDuration(e.Timeframe); !ok {
		return fmt.Errorf("exchange.timeframe %q is not a valid interval", e.Timeframe)
	}
	if e.Leverage < 1 {
		return fmt.Errorf("exchange.leverage must be >= 1")
	}
	if e.MarginMode != "cross" && e.MarginMode != "isolated" {
		return fmt.Errorf("exchange.margin_mode must be cross or isolated")
	}
	if e.TimeoutSeconds <= 0 {
		return fmt.Errorf("exchange.timeout_seconds must be > 0")
	}
	if e.RequestsPerSecond <= 0 {
		return fmt.Errorf("exchange.requests_per_second must be > 0")
	}
	return nil
}

// Validate is exported for the hot-reload path, which swaps limits only.
func (l LimitsConfig) Validate() error {
	if l.MaxInfoRequestsPerCycle < 0 {
		return fmt.Errorf("limits.max_info_requests_per_cycle must be >= 0")
	}
	if l.MaxOpenOrders < 0 {
		return fmt.Errorf("limits.max_open_orders must be >= 0")
	}
	if l.MaxPositionUSDT < 0 {
		return fmt.Errorf("limits.max_position_usdt must be >= 0")
	}
	if l.MaxOrdersPerHour < 0 {
		return fmt.Errorf("limits.max_orders_per_hour must be >= 0")
	}
	return nil
}

func (c *ChatConfig) validate() error {
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("chat.model is required")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("chat.temperature must be within [0, 2]")
	}
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("chat.timeout_seconds must be > 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("chat.max_retries must be >= 0")
	}
	return nil
}

func (r *RuntimeConfig) validate() error {
	if r.DecisionOffsetSeconds < 0 {
		return fmt.Errorf("runtime.decision_offset_seconds must be >= 0")
	}
	if strings.TrimSpace(r.StateDBPath) == "" {
		return fmt.Errorf("runtime.state_db_path is required")
	}
	if r.CycleTimeoutSeconds <= 0 {
		return fmt.Errorf("runtime.cycle_timeout_seconds must be > 0")
	}
	return nil
}

func (l *LedgerConfig) validate() error {
	switch l.Backend {
	case "sqlite":
	case "redis":
		if strings.TrimSpace(l.RedisAddr) == "" {
			return fmt.Errorf("ledger.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("ledger.backend must be sqlite or redis, got %q", l.Backend)
	}
	return nil
}
