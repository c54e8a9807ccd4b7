package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "exchange:\n  symbol: ethusdt\n")

	cfg, err := LoadWithOptions(LoadOptions{Path: path, Environ: []string{}})
	require.NoError(t, err)

	assert.Equal(t, "bybit", cfg.Exchange.Name)
	assert.Equal(t, []string{"ETHUSDT"}, cfg.Exchange.ResolveSymbols())
	assert.Equal(t, "5m", cfg.Exchange.Timeframe)
	assert.Equal(t, 5, cfg.Exchange.Leverage)
	assert.Equal(t, 5, cfg.Limits.MaxInfoRequestsPerCycle)
	assert.Equal(t, 5, cfg.Limits.MaxOpenOrders)
	assert.Equal(t, 1000.0, cfg.Limits.MaxPositionUSDT)
	assert.Equal(t, 10, cfg.Limits.MaxOrdersPerHour)
	assert.True(t, cfg.Risk.ReduceOnlyWhenClosing)
	assert.Equal(t, "gpt-4o-mini", cfg.Chat.Model)
	assert.Equal(t, "sqlite", cfg.Ledger.Backend)
	assert.False(t, cfg.Runtime.DryRun)
}

func TestExplicitZeroSurvivesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
limits:
  max_info_requests_per_cycle: 0
  max_orders_per_hour: 0
risk:
  reduce_only_when_closing: false
`)
	cfg, err := LoadWithOptions(LoadOptions{Path: path, Environ: []string{}})
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Limits.MaxInfoRequestsPerCycle)
	assert.Equal(t, 0, cfg.Limits.MaxOrdersPerHour)
	assert.Equal(t, 5, cfg.Limits.MaxOpenOrders)
	assert.False(t, cfg.Risk.ReduceOnlyWhenClosing)
}

func TestLayerPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "exchange:\n  timeframe: 15m\n  leverage: 3\n")
	path := writeFile(t, dir, "config.yaml", "include:\n  - base.yaml\nexchange:\n  leverage: 7\n  testnet: false\n")

	cfg, err := LoadWithOptions(LoadOptions{
		Path: path,
		Environ: []string{
			"GPTBOT__EXCHANGE__TESTNET=true",
			"GPTBOT__LIMITS__MAX_OPEN_ORDERS=2",
			"GPTBOT__EXCHANGE__SYMBOLS=BTCUSDT,ETHUSDT",
			"UNRELATED=1",
		},
		Overrides: map[string]any{"runtime.dry_run": true, "exchange.timeframe": "1h"},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Exchange.Leverage)
	assert.Equal(t, "1h", cfg.Exchange.Timeframe)
	assert.True(t, cfg.Exchange.Testnet)
	assert.Equal(t, 2, cfg.Limits.MaxOpenOrders)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Exchange.ResolveSymbols())
	assert.True(t, cfg.Runtime.DryRun)
}

func TestIncludeCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "include:\n  - b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "include:\n  - a.yaml\n")
	_, err := LoadWithOptions(LoadOptions{Path: path, Environ: []string{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "include cycle")
}

func TestMissingConfigFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.yaml")
	_, err := LoadWithOptions(LoadOptions{Path: missing, Environ: []string{}})
	require.Error(t, err)

	cfg, err := LoadWithOptions(LoadOptions{Path: missing, AllowMissing: true, Environ: []string{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, cfg.Exchange.ResolveSymbols())
}

func TestValidationErrors(t *testing.T) {
	cases := map[string]string{
		"exchange":  "exchange:\n  name: kraken\n",
		"timeframe": "exchange:\n  timeframe: 7x\n",
		"symbol":    "exchange:\n  symbol: DOGE\n",
		"limits":    "limits:\n  max_open_orders: -1\n",
		"ledger":    "ledger:\n  backend: mongo\n",
		"chat":      "chat:\n  temperature: 3\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "config.yaml", body)
			_, err := LoadWithOptions(LoadOptions{Path: path, Environ: []string{}})
			assert.Error(t, err)
		})
	}
}

func TestDumpYAMLMasksSecrets(t *testing.T) {
	cfg := Config{}
	cfg.Exchange.APIKey = "abcdefgh1234"
	cfg.Chat.APIKey = "sk-secretvalue"
	out, err := cfg.DumpYAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "abcdefgh1234")
	assert.Contains(t, string(out), "****1234")
	assert.NotContains(t, string(out), "sk-secretvalue")
}

func TestEnvOverlayCasting(t *testing.T) {
	overlay := envOverlay([]string{
		"GPTBOT__RUNTIME__DRY_RUN=true",
		"GPTBOT__CHAT__TEMPERATURE=0.2",
		"GPTBOT__EXCHANGE__NAME=binance",
		"GPTBOT____BROKEN=1",
	}, EnvPrefix)
	runtime := overlay["runtime"].(map[string]any)
	assert.Equal(t, true, runtime["dry_run"])
	chat := overlay["chat"].(map[string]any)
	assert.Equal(t, 0.2, chat["temperature"])
	exchange := overlay["exchange"].(map[string]any)
	assert.Equal(t, "binance", exchange["name"])
	_, ok := overlay[""]
	assert.False(t, ok)
}
