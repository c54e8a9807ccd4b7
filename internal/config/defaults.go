package config

import (
	"os"
	"strings"
)

const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogFormat      = "text"
	defaultLogMaxSizeMB      = 50
	defaultLogMaxBackups     = 5
	defaultExchangeName      = "bybit"
	defaultSymbol            = "BTCUSDT"
	defaultTimeframe         = "5m"
	defaultLeverage          = 5
	defaultMarginMode        = "cross"
	defaultExchangeTimeout   = 10
	defaultRequestsPerSecond = 8
	defaultFiltersRefresh    = 300
	defaultMaxInfoRequests   = 5
	defaultMaxOpenOrders     = 5
	defaultMaxPositionUSDT   = 1000
	defaultMaxOrdersPerHour  = 10
	defaultTimeInForce       = "GTC"
	defaultChatProvider      = "openai"
	defaultChatModel         = "gpt-4o-mini"
	defaultChatAPIURL        = "https://api.openai.com/v1"
	defaultChatTimeout       = 60
	defaultChatRetries       = 2
	defaultChatFallbackModel = "gpt-4o-mini"
	defaultStateDB           = "data/state.db"
	defaultJournalDB         = "data/journal.db"
	defaultDecisionOffset    = 5
	defaultCycleTimeout      = 120
	defaultExchangeCallLimit = 15
	defaultClaimStaleAfter   = 600
	defaultLedgerBackend     = "sqlite"
	defaultRedisAddr         = "127.0.0.1:6379"
	defaultRedisPrefix       = "gptbot:"
	defaultServiceName       = "gptbot"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Limits.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Chat.applyDefaults(keys)
	c.Runtime.applyDefaults(keys)
	c.Ledger.applyDefaults(keys)
	applyFieldDefaults(keys, stringFieldDefault("tracing.service_name", &c.Tracing.ServiceName, defaultServiceName))
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		intFieldDefault("app.log_max_size_mb", &a.LogMaxSizeMB, defaultLogMaxSizeMB),
		intFieldDefault("app.log_max_backups", &a.LogMaxBackups, defaultLogMaxBackups),
	)
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.name", &e.Name, defaultExchangeName),
		stringFieldDefault("exchange.timeframe", &e.Timeframe, defaultTimeframe),
		intFieldDefault("exchange.leverage", &e.Leverage, defaultLeverage),
		stringFieldDefault("exchange.margin_mode", &e.MarginMode, defaultMarginMode),
		intFieldDefault("exchange.timeout_seconds", &e.TimeoutSeconds, defaultExchangeTimeout),
		floatFieldDefault("exchange.requests_per_second", &e.RequestsPerSecond, defaultRequestsPerSecond),
		intFieldDefault("exchange.filters_refresh_seconds", &e.FiltersRefreshSeconds, defaultFiltersRefresh),
	)
	e.Name = strings.ToLower(strings.TrimSpace(e.Name))
	e.MarginMode = strings.ToLower(strings.TrimSpace(e.MarginMode))
	if len(e.ResolveSymbols()) == 0 {
		e.Symbols = []string{defaultSymbol}
	}
	e.APIKey = firstNonEmpty(e.APIKey, os.Getenv(strings.ToUpper(e.Name)+"_API_KEY"))
	e.APISecret = firstNonEmpty(e.APISecret, os.Getenv(strings.ToUpper(e.Name)+"_API_SECRET"))
}

func (l *LimitsConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("limits.max_info_requests_per_cycle", &l.MaxInfoRequestsPerCycle, defaultMaxInfoRequests),
		intFieldDefault("limits.max_open_orders", &l.MaxOpenOrders, defaultMaxOpenOrders),
		floatFieldDefault("limits.max_position_usdt", &l.MaxPositionUSDT, defaultMaxPositionUSDT),
		intFieldDefault("limits.max_orders_per_hour", &l.MaxOrdersPerHour, defaultMaxOrdersPerHour),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		boolFieldDefault("risk.reduce_only_when_closing", &r.ReduceOnlyWhenClosing, true),
		stringFieldDefault("risk.default_time_in_force", &r.DefaultTimeInForce, defaultTimeInForce),
	)
	r.DefaultTimeInForce = strings.ToUpper(strings.TrimSpace(r.DefaultTimeInForce))
}

func (c *ChatConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("chat.provider", &c.Provider, defaultChatProvider),
		stringFieldDefault("chat.model", &c.Model, defaultChatModel),
		stringFieldDefault("chat.api_url", &c.APIURL, defaultChatAPIURL),
		intFieldDefault("chat.timeout_seconds", &c.TimeoutSeconds, defaultChatTimeout),
		intFieldDefault("chat.max_retries", &c.MaxRetries, defaultChatRetries),
		stringFieldDefault("chat.fallback_model", &c.FallbackModel, defaultChatFallbackModel),
	)
	c.APIKey = firstNonEmpty(c.APIKey, os.Getenv("OPENAI_API_KEY"))
}

func (r *RuntimeConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("runtime.state_db_path", &r.StateDBPath, defaultStateDB),
		stringFieldDefault("runtime.journal_db_path", &r.JournalDBPath, defaultJournalDB),
		intFieldDefault("runtime.decision_offset_seconds", &r.DecisionOffsetSeconds, defaultDecisionOffset),
		intFieldDefault("runtime.cycle_timeout_seconds", &r.CycleTimeoutSeconds, defaultCycleTimeout),
		intFieldDefault("runtime.exchange_call_timeout_seconds", &r.ExchangeCallTimeoutSeconds, defaultExchangeCallLimit),
		intFieldDefault("runtime.claim_stale_after_seconds", &r.ClaimStaleAfterSeconds, defaultClaimStaleAfter),
	)
}

func (l *LedgerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("ledger.backend", &l.Backend, defaultLedgerBackend),
		stringFieldDefault("ledger.redis_addr", &l.RedisAddr, defaultRedisAddr),
		stringFieldDefault("ledger.redis_prefix", &l.RedisPrefix, defaultRedisPrefix),
	)
	l.Backend = strings.ToLower(strings.TrimSpace(l.Backend))
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

// intFieldDefault only fills keys absent from every layer, so an explicit 0
// survives.
func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target == 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target == 0 },
		apply: func() { *target = def },
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:   key,
		apply: func() { *target = def },
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
