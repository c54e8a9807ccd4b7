package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"gptbot/internal/config"
	"gptbot/internal/dispatch"
	"gptbot/internal/engine"
	"gptbot/internal/gateway"
	"gptbot/internal/gateway/exchange"
	"gptbot/internal/gateway/provider"
	"gptbot/internal/journal"
	"gptbot/internal/ledger"
	"gptbot/internal/logger"
	"gptbot/internal/market"
	"gptbot/internal/trace"
	httpapi "gptbot/internal/transport/http"
)

type AppBuilder struct {
	cfg      *config.Config
	loadOpts config.LoadOptions

	exchangeFn  func(*config.Config) (exchange.Exchange, error)
	traceOutput io.Writer
}

type AppBuilderOption func(*AppBuilder)

// builderOptions is a named slice so the wire injector can take it as one
// argument.
type builderOptions []AppBuilderOption

// WithExchange replaces the configured venue adapter.
func WithExchange(ex exchange.Exchange) AppBuilderOption {
	return func(b *AppBuilder) {
		b.exchangeFn = func(*config.Config) (exchange.Exchange, error) { return ex, nil }
	}
}

// WithLoadOptions records how cfg was loaded so run can watch the file.
func WithLoadOptions(opts config.LoadOptions) AppBuilderOption {
	return func(b *AppBuilder) { b.loadOpts = opts }
}

func WithTraceOutput(w io.Writer) AppBuilderOption {
	return func(b *AppBuilder) { b.traceOutput = w }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:         cfg,
		exchangeFn:  gateway.NewExchangeFromConfig,
		traceOutput: os.Stdout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func provideAppBuilder(cfg *config.Config, opts builderOptions) *AppBuilder {
	return NewAppBuilder(cfg, opts...)
}

func provideAppFromBuilder(ctx context.Context, b *AppBuilder) (*App, error) {
	return b.Build(ctx)
}

// Build opens every store and client. Nothing talks to the exchange or the
// model yet.
func (b *AppBuilder) Build(ctx context.Context) (_ *App, err error) {
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	a := &App{cfg: cfg, loadOpts: b.loadOpts}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.traceShutdown, err = trace.Setup(cfg.Tracing, b.traceOutput); err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	if a.exchange, err = b.exchangeFn(cfg); err != nil {
		return nil, err
	}
	logger.Infof("✓ exchange adapter: %s", a.exchange.Name())

	led, err := ledger.Open(ctx, cfg.Ledger, cfg.Runtime.StateDBPath,
		ledger.WithStaleAfter(cfg.Runtime.ClaimStaleAfter()))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.ledger = led
	jr, err := journal.Open(cfg.Runtime.JournalDBPath)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	a.journal = jr

	cache := market.NewCache(market.DefaultCacheTTL)
	a.filters = exchange.NewFilterCache(a.exchange, time.Duration(cfg.Exchange.FiltersRefreshSeconds)*time.Second)

	decider, err := provider.NewDecider(provider.NewChatClient(cfg.Chat), cfg.Chat.Model, cfg.Chat.SystemPromptPath)
	if err != nil {
		return nil, err
	}

	a.engine, err = engine.New(engine.Deps{
		Snapshots: market.NewSnapshotter(a.exchange, cache, cfg.Exchange.Timeframe),
		Data:      market.NewDataService(a.exchange, cache, cfg.Exchange.Timeframe),
		Decider:   decider,
		Filters:   a.filters,
		Ledger:    a.ledger,
		Dispatcher: dispatch.New(a.exchange, a.ledger, dispatch.Options{
			DryRun:      cfg.Runtime.DryRun,
			CallTimeout: cfg.Runtime.ExchangeCallTimeout(),
		}),
		Journal: a.journal,
	}, engine.SettingsFromConfig(cfg))
	if err != nil {
		return nil, err
	}

	if cfg.App.HTTPAddr != "" {
		a.http, err = httpapi.NewServer(httpapi.ServerConfig{
			Addr:    cfg.App.HTTPAddr,
			Ledger:  a.ledger,
			Journal: a.journal,
			Status:  a.status,
		})
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}
