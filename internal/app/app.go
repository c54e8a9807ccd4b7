// Package app assembles the bot from configuration and drives the check,
// once and run entry points.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"gptbot/internal/config"
	"gptbot/internal/engine"
	"gptbot/internal/gateway/exchange"
	"gptbot/internal/journal"
	"gptbot/internal/ledger"
	"gptbot/internal/logger"
	"gptbot/internal/pkg/circuit"
	"gptbot/internal/scheduler"
	httpapi "gptbot/internal/transport/http"
)

type App struct {
	cfg      *config.Config
	loadOpts config.LoadOptions

	exchange exchange.Exchange
	filters  *exchange.FilterCache
	ledger   ledger.Ledger
	journal  *journal.Store
	engine   *engine.Engine
	http     *httpapi.Server

	traceShutdown func(context.Context) error
	lastCycle     atomic.Value // time.Time
}

// NewApp builds the application without starting anything.
func NewApp(ctx context.Context, cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return buildAppWithWire(ctx, cfg, builderOptions(opts))
}

func (a *App) Engine() *engine.Engine { return a.engine }

// Check validates connectivity: filters for every symbol, the balance, and
// the ledger. The effective configuration is written to w.
func (a *App) Check(ctx context.Context, w io.Writer) error {
	out, err := a.cfg.DumpYAML()
	if err != nil {
		return err
	}
	if w != nil {
		if _, err := w.Write(out); err != nil {
			return err
		}
	}
	for _, sym := range a.engine.Symbols() {
		f, err := a.filters.Get(ctx, sym)
		if err != nil {
			return err
		}
		logger.Infof("✓ %s filters tick=%s step=%s min_qty=%s min_notional=%s",
			sym, f.TickSize, f.StepSize, f.MinQty, f.MinNotional)
	}
	bal, err := a.exchange.Balance(ctx)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	logger.Infof("✓ balance %s total=%s free=%s", bal.Asset, bal.Total.StringFixed(2), bal.Free.StringFixed(2))
	if _, _, err := a.ledger.Get(ctx, "check"); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	logger.Infof("✓ ledger backend=%s", ledgerBackend(a.cfg.Ledger))
	return nil
}

// RunOnce runs a single cycle per symbol on the latest closed candle.
func (a *App) RunOnce(ctx context.Context) ([]engine.CycleResult, error) {
	logger.InfoBlock(a.summary())
	if err := a.prepare(ctx); err != nil {
		return nil, err
	}
	if interval, ok := scheduler.ParseIntervalDuration(a.cfg.Exchange.Timeframe); ok {
		candle := scheduler.LastClosedCandle(time.Now(), interval)
		logger.Infof("once: evaluating %s candle opened %s", a.cfg.Exchange.Timeframe, candle.Format(time.RFC3339))
	}
	var (
		results []engine.CycleResult
		errs    []error
	)
	for _, sym := range a.engine.Symbols() {
		res, err := a.engine.RunCycle(ctx, sym)
		a.lastCycle.Store(time.Now())
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Run blocks until ctx is cancelled: scheduled cycles, the optional HTTP
// surface and config hot reload.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.engine == nil {
		return fmt.Errorf("app not initialized")
	}
	logger.InfoBlock(a.summary())
	if err := a.prepare(ctx); err != nil {
		return err
	}
	config.Watch(ctx, a.loadOpts, a.engine.UpdateLimits)

	group, ctx := errgroup.WithContext(ctx)
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		return a.engine.Run(ctx)
	})
	return group.Wait()
}

// prepare applies leverage and margin mode. Dry runs leave the venue alone.
func (a *App) prepare(ctx context.Context) error {
	if a.cfg.Runtime.DryRun {
		return nil
	}
	for _, sym := range a.engine.Symbols() {
		if err := a.exchange.Prepare(ctx, sym, a.cfg.Exchange.Leverage, a.cfg.Exchange.MarginMode); err != nil {
			return fmt.Errorf("prepare %s: %w", sym, err)
		}
	}
	return nil
}

func (a *App) status() map[string]any {
	out := map[string]any{
		"exchange": a.exchange.Name(),
		"symbols":  a.engine.Symbols(),
		"dry_run":  a.cfg.Runtime.DryRun,
		"limits":   a.engine.Limits(),
	}
	breakers := a.engine.Breakers()
	out["breakers"] = breakers
	for _, st := range breakers {
		if st.State != circuit.Closed {
			out["status"] = "degraded"
			break
		}
	}
	if t, ok := a.lastCycle.Load().(time.Time); ok {
		out["last_cycle"] = t.UTC().Format(time.RFC3339)
	}
	return out
}

func (a *App) summary() string {
	cfg := a.cfg
	l := a.engine.Limits()
	return strings.Join([]string{
		fmt.Sprintf("exchange=%s testnet=%v dry_run=%v", a.exchange.Name(), cfg.Exchange.Testnet, cfg.Runtime.DryRun),
		fmt.Sprintf("symbols=%s timeframe=%s leverage=%d", strings.Join(a.engine.Symbols(), ","), cfg.Exchange.Timeframe, cfg.Exchange.Leverage),
		fmt.Sprintf("limits info=%d open=%d position=%.2f per_hour=%d",
			l.MaxInfoRequestsPerCycle, l.MaxOpenOrders, l.MaxPositionUSDT, l.MaxOrdersPerHour),
		fmt.Sprintf("model=%s ledger=%s", cfg.Chat.Model, ledgerBackend(cfg.Ledger)),
	}, "\n")
}

// Close releases stores and flushes spans. Safe on a partially built App.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
	}
	if a.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.traceShutdown(ctx))
	}
	return errors.Join(errs...)
}

func ledgerBackend(c config.LedgerConfig) string {
	if c.Backend == "" {
		return "sqlite"
	}
	return c.Backend
}
