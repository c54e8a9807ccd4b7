package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"gptbot/internal/app"
	"gptbot/internal/config"
	"gptbot/internal/logger"
)

const usage = `usage: gptbot <check|once|run> [flags]

  check  validate config, credentials and connectivity, print effective config
  once   run one decision cycle per symbol on the latest closed candle
  run    run cycles on every closed candle until interrupted
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cmd := args[0]
	fs := pflag.NewFlagSet("gptbot "+cmd, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", envOr("GPTBOT_CONFIG", "config.yaml"), "config file")
	envFile := fs.String("env-file", ".env", "env file loaded before the config")
	symbol := fs.String("symbol", "", "trade only this symbol")
	timeframe := fs.String("timeframe", "", "candle timeframe, e.g. 5m or 1h")
	venue := fs.String("exchange", "", "bybit or binance")
	testnet := fs.Bool("testnet", false, "use the venue testnet")
	dryRun := fs.Bool("dry-run", false, "never send mutations to the exchange")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}

	overrides := map[string]any{}
	if *symbol != "" {
		overrides["exchange.symbol"] = *symbol
		overrides["exchange.symbols"] = []string{}
	}
	if *timeframe != "" {
		overrides["exchange.timeframe"] = *timeframe
	}
	if *venue != "" {
		overrides["exchange.name"] = *venue
	}
	if fs.Changed("testnet") {
		overrides["exchange.testnet"] = *testnet
	}
	if fs.Changed("dry-run") {
		overrides["runtime.dry_run"] = *dryRun
	}
	opts := config.LoadOptions{Path: *cfgPath, EnvFile: *envFile, Overrides: overrides}

	cfg, err := config.LoadWithOptions(opts)
	if err != nil {
		log.Printf("load config: %v", err)
		return 1
	}
	if err := setupLogging(cfg.App); err != nil {
		log.Printf("setup logging: %v", err)
		return 1
	}
	defer logger.Close()
	logger.Infof("✓ config loaded (env=%s, exchange=%s, dry_run=%v)", cfg.App.Env, cfg.Exchange.Name, cfg.Runtime.DryRun)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(ctx, cfg, app.WithLoadOptions(opts))
	if err != nil {
		logger.Errorf("init: %v", err)
		return 1
	}
	defer a.Close()

	switch cmd {
	case "check":
		if err := a.Check(ctx, stdout); err != nil {
			logger.Errorf("check failed: %v", err)
			return 1
		}
		logger.Infof("✓ check passed")
	case "once":
		results, err := a.RunOnce(ctx)
		for _, res := range results {
			status := "-"
			if res.Outcome != nil {
				status = res.Outcome.Status
			}
			fmt.Fprintf(stdout, "%s cycle=%s action=%s key=%s claim=%s outcome=%s substituted=%v\n",
				res.Symbol, res.CycleID, res.Decision.Action, res.Decision.IdempotencyKey, res.Claim, status, res.Substituted)
		}
		if err != nil {
			logger.Errorf("once: %v", err)
			return 1
		}
	case "run":
		if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("run: %v", err)
			return 1
		}
	default:
		fmt.Fprint(stderr, usage)
		return 2
	}
	return 0
}

func setupLogging(c config.AppConfig) error {
	if err := logger.Setup(logger.Options{
		Level:      c.LogLevel,
		Format:     c.LogFormat,
		Path:       c.LogPath,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
	}); err != nil {
		return err
	}
	logger.SetLLMWriter(nil)
	if c.LLMDump && strings.TrimSpace(c.LLMLog) != "" {
		logger.SetLLMWriter(&lumberjack.Logger{
			Filename:   c.LLMLog,
			MaxSize:    c.LogMaxSizeMB,
			MaxBackups: c.LogMaxBackups,
		})
	}
	logger.EnableLLMPayloadDump(c.LLMDump)
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
