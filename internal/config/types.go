package config

import (
	"strings"
	"time"

	"gptbot/internal/pkg/symbol"
)

// Config is the root configuration of the bot.
type Config struct {
	App      AppConfig      `yaml:"app"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Limits   LimitsConfig   `yaml:"limits"`
	Risk     RiskConfig     `yaml:"risk"`
	Chat     ChatConfig     `yaml:"chat"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type AppConfig struct {
	Env           string `yaml:"env"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	LogPath       string `yaml:"log_path"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LLMLog        string `yaml:"llm_log_path"`
	LLMDump       bool   `yaml:"llm_dump_payload"`
	HTTPAddr      string `yaml:"http_addr"`
}

type ExchangeConfig struct {
	Name                  string   `yaml:"name"`
	Symbol                string   `yaml:"symbol"`
	Symbols               []string `yaml:"symbols"`
	Timeframe             string   `yaml:"timeframe"`
	Leverage              int      `yaml:"leverage"`
	MarginMode            string   `yaml:"margin_mode"`
	PostOnly              bool     `yaml:"post_only"`
	Testnet               bool     `yaml:"testnet"`
	APIKey                string   `yaml:"api_key"`
	APISecret             string   `yaml:"api_secret"`
	RESTBaseURL           string   `yaml:"rest_base_url"`
	TimeoutSeconds        int      `yaml:"timeout_seconds"`
	RequestsPerSecond     float64  `yaml:"requests_per_second"`
	FiltersRefreshSeconds int      `yaml:"filters_refresh_seconds"`
}

// ResolveSymbols merges the single-symbol shorthand with the list, upper-cased
// and de-duplicated.
func (e ExchangeConfig) ResolveSymbols() []string {
	raw := make([]string, 0, len(e.Symbols)+1)
	raw = append(raw, e.Symbols...)
	if s := strings.TrimSpace(e.Symbol); s != "" {
		raw = append(raw, s)
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = symbol.Normalize(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (e ExchangeConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// LimitsConfig is the hot-reloadable part of the configuration. A cycle copies
// it once and never observes later changes.
type LimitsConfig struct {
	MaxInfoRequestsPerCycle int     `yaml:"max_info_requests_per_cycle"`
	MaxOpenOrders           int     `yaml:"max_open_orders"`
	MaxPositionUSDT         float64 `yaml:"max_position_usdt"`
	MaxOrdersPerHour        int     `yaml:"max_orders_per_hour"`
}

type RiskConfig struct {
	ReduceOnlyWhenClosing bool    `yaml:"reduce_only_when_closing"`
	DefaultTimeInForce    string  `yaml:"default_time_in_force"`
	MinNotionalUSDT       float64 `yaml:"min_notional_usdt"`
}

type ChatConfig struct {
	Provider         string  `yaml:"provider"`
	Model            string  `yaml:"model"`
	Temperature      float64 `yaml:"temperature"`
	APIURL           string  `yaml:"api_url"`
	APIKey           string  `yaml:"api_key"`
	SystemPromptPath string  `yaml:"system_prompt_path"`
	TimeoutSeconds   int     `yaml:"timeout_seconds"`
	MaxRetries       int     `yaml:"max_retries"`
	FallbackModel    string  `yaml:"fallback_model"`
}

func (c ChatConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type RuntimeConfig struct {
	DryRun                     bool   `yaml:"dry_run"`
	StateDBPath                string `yaml:"state_db_path"`
	JournalDBPath              string `yaml:"journal_db_path"`
	DecisionOffsetSeconds      int    `yaml:"decision_offset_seconds"`
	RunImmediately             bool   `yaml:"run_immediately"`
	CycleTimeoutSeconds        int    `yaml:"cycle_timeout_seconds"`
	ExchangeCallTimeoutSeconds int    `yaml:"exchange_call_timeout_seconds"`
	ClaimStaleAfterSeconds     int    `yaml:"claim_stale_after_seconds"`
}

func (r RuntimeConfig) CycleTimeout() time.Duration {
	return time.Duration(r.CycleTimeoutSeconds) * time.Second
}

func (r RuntimeConfig) ExchangeCallTimeout() time.Duration {
	return time.Duration(r.ExchangeCallTimeoutSeconds) * time.Second
}

func (r RuntimeConfig) ClaimStaleAfter() time.Duration {
	return time.Duration(r.ClaimStaleAfterSeconds) * time.Second
}

func (r RuntimeConfig) DecisionOffset() time.Duration {
	return time.Duration(r.DecisionOffsetSeconds) * time.Second
}

type LedgerConfig struct {
	Backend       string `yaml:"backend"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// keySet tracks the dotted paths explicitly present in any config layer.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	_, ok := k[strings.ToLower(strings.TrimSpace(path))]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
