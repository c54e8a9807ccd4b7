package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"gptbot/internal/logger"
	"gptbot/internal/pkg/circuit"
	"gptbot/internal/scheduler"
)

const (
	breakerThreshold = 5
	breakerCooldown  = 2 * time.Minute
)

// Run schedules one cycle per closed candle for every symbol and blocks until
// ctx is cancelled. Cycles of one symbol never overlap.
func (e *Engine) Run(ctx context.Context) error {
	interval, ok := scheduler.ParseIntervalDuration(e.settings.Timeframe)
	if !ok {
		return fmt.Errorf("engine: unsupported timeframe %q", e.settings.Timeframe)
	}
	if len(e.settings.Symbols) == 0 {
		return errors.New("engine: no symbols configured")
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, sym := range e.settings.Symbols {
		symbol := normalizeSymbol(sym)
		g.Go(func() error {
			e.runSymbol(gctx, symbol, interval)
			return nil
		})
	}
	err := g.Wait()
	logger.Infof("engine: stopped")
	return err
}

func (e *Engine) runSymbol(ctx context.Context, symbol string, interval time.Duration) {
	cb := e.breakers[symbol]
	if cb == nil {
		cb = circuit.New(symbol, breakerThreshold, breakerCooldown)
	}
	s := scheduler.NewAlignedScheduler(ctx, interval, interval, e.settings.DecisionOffset)
	s.Name = symbol
	s.RunImmediately = e.settings.RunImmediately
	s.Start(func(closedAt time.Time) {
		if !cb.Allow() {
			logger.Warnf("engine: %s cycle for candle %s skipped, breaker open", symbol, closedAt.Format(time.RFC3339))
			return
		}
		res, err := e.RunCycle(ctx, symbol)
		if err != nil && ctx.Err() != nil {
			return
		}
		cb.Observe(err)
		if err != nil {
			logger.Errorf("engine: %s cycle %s failed: %v", symbol, res.CycleID, err)
		}
	})
}
