// Package engine runs decision cycles: snapshot, model rounds, validation,
// normalization, risk, ledger claim and dispatch.
package engine

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"gptbot/internal/config"
	"gptbot/internal/decision"
	"gptbot/internal/dispatch"
	"gptbot/internal/gateway/exchange"
	"gptbot/internal/gateway/provider"
	"gptbot/internal/journal"
	"gptbot/internal/ledger"
	"gptbot/internal/logger"
	"gptbot/internal/market"
	"gptbot/internal/pkg/circuit"
	"gptbot/internal/pkg/symbol"
)

type SnapshotBuilder interface {
	Build(ctx context.Context, symbol string) (market.Snapshot, error)
}

type DataCollector interface {
	Collect(ctx context.Context, symbol string, reqs []decision.DataRequest) (map[string]any, bool, error)
}

type Decider interface {
	Decide(ctx context.Context, req provider.Request) (string, error)
}

type FilterSource interface {
	Get(ctx context.Context, symbol string) (exchange.Filters, error)
}

type Executor interface {
	Execute(ctx context.Context, owner string, p dispatch.Plan) (ledger.Outcome, error)
}

type Deps struct {
	Snapshots  SnapshotBuilder
	Data       DataCollector
	Decider    Decider
	Filters    FilterSource
	Ledger     ledger.Ledger
	Dispatcher Executor
	Journal    journal.Recorder
}

// Settings are fixed for the lifetime of the engine; only Limits reload.
type Settings struct {
	Symbols        []string
	Timeframe      string
	Leverage       int
	PostOnly       bool
	DryRun         bool
	Limits         config.LimitsConfig
	Risk           config.RiskConfig
	CycleTimeout   time.Duration
	DecisionOffset time.Duration
	RunImmediately bool
}

// SettingsFromConfig picks the engine's view of the full configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Symbols:        cfg.Exchange.ResolveSymbols(),
		Timeframe:      cfg.Exchange.Timeframe,
		Leverage:       cfg.Exchange.Leverage,
		PostOnly:       cfg.Exchange.PostOnly,
		DryRun:         cfg.Runtime.DryRun,
		Limits:         cfg.Limits,
		Risk:           cfg.Risk,
		CycleTimeout:   cfg.Runtime.CycleTimeout(),
		DecisionOffset: cfg.Runtime.DecisionOffset(),
		RunImmediately: cfg.Runtime.RunImmediately,
	}
}

type Engine struct {
	deps     Deps
	settings Settings
	owner    string

	mu     sync.RWMutex
	limits config.LimitsConfig

	breakers map[string]*circuit.Breaker

	newID func() string
	nowFn func() time.Time
}

func New(deps Deps, s Settings) (*Engine, error) {
	switch {
	case deps.Snapshots == nil, deps.Data == nil, deps.Decider == nil:
		return nil, fmt.Errorf("engine: snapshot, data and decider are required")
	case deps.Filters == nil, deps.Ledger == nil, deps.Dispatcher == nil:
		return nil, fmt.Errorf("engine: filters, ledger and dispatcher are required")
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	if err := s.Limits.Validate(); err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	breakers := make(map[string]*circuit.Breaker, len(s.Symbols))
	for _, sym := range s.Symbols {
		name := normalizeSymbol(sym)
		breakers[name] = circuit.New(name, breakerThreshold, breakerCooldown)
	}
	return &Engine{
		breakers: breakers,
		deps:     deps,
		settings: s,
		owner:    fmt.Sprintf("%s/%d", host, os.Getpid()),
		limits:   s.Limits,
		newID:    uuid.NewString,
		nowFn:    time.Now,
	}, nil
}

// UpdateLimits takes effect from the next cycle on.
func (e *Engine) UpdateLimits(l config.LimitsConfig) {
	if err := l.Validate(); err != nil {
		logger.Warnf("engine: ignoring invalid limits reload: %v", err)
		return
	}
	e.mu.Lock()
	e.limits = l
	e.mu.Unlock()
	logger.Infof("engine: limits reloaded max_info=%d max_open=%d max_position=%.2f max_per_hour=%d",
		l.MaxInfoRequestsPerCycle, l.MaxOpenOrders, l.MaxPositionUSDT, l.MaxOrdersPerHour)
}

// Breakers reports the per-symbol cycle breaker state.
func (e *Engine) Breakers() map[string]circuit.Status {
	out := make(map[string]circuit.Status, len(e.breakers))
	for sym, b := range e.breakers {
		out[sym] = b.Status()
	}
	return out
}

func (e *Engine) Limits() config.LimitsConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.limits
}

func (e *Engine) Symbols() []string {
	return append([]string(nil), e.settings.Symbols...)
}

func (e *Engine) record(ctx context.Context, entry journal.Entry) {
	if entry.Time.IsZero() {
		entry.Time = e.nowFn().UTC()
	}
	if err := e.deps.Journal.Append(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warnf("journal append %s/%s failed: %v", entry.Symbol, entry.Stage, err)
	}
}

func normalizeSymbol(s string) string {
	return symbol.Normalize(s)
}
