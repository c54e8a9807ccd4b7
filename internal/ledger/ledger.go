// Package ledger is the durable idempotency record: one entry per intent key,
// claimed atomically before dispatch and settled exactly once after.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gptbot/internal/config"
	"gptbot/internal/decision"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSettled Status = "settled"
)

// Outcome statuses written by the dispatcher.
const (
	OutcomePlaced     = "placed"
	OutcomeCancelled  = "cancelled"
	OutcomeClosed     = "closed"
	OutcomeNoop       = "noop"
	OutcomeNoPosition = "no_position"
	OutcomeRejected   = "rejected"
	OutcomeDryRun     = "dry_run"
)

type Outcome struct {
	Status        string         `json:"status"`
	OrderID       string         `json:"order_id,omitempty"`
	ClientOrderID string         `json:"client_order_id,omitempty"`
	Error         string         `json:"error,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
}

type Record struct {
	Key         string    `json:"key"`
	Symbol      string    `json:"symbol"`
	Action      string    `json:"action"`
	Summary     string    `json:"summary"`
	Fingerprint string    `json:"fingerprint"`
	Owner       string    `json:"owner,omitempty"`
	Status      Status    `json:"status"`
	Outcome     *Outcome  `json:"outcome,omitempty"`
	ClaimedAt   time.Time `json:"claimed_at"`
	SettledAt   time.Time `json:"settled_at,omitempty"`
}

// Intent is what a cycle tries to claim.
type Intent struct {
	Key         string
	Symbol      string
	Action      decision.Action
	Summary     string
	Fingerprint string
	Owner       string
}

// IntentFor builds the claim for a decision.
func IntentFor(d decision.Decision, symbol, owner string) Intent {
	return Intent{
		Key:         d.IdempotencyKey,
		Symbol:      symbol,
		Action:      d.Action,
		Summary:     d.Summary(),
		Fingerprint: d.Fingerprint(),
		Owner:       owner,
	}
}

type ClaimResult int

const (
	// Fresh: the caller owns the key and must Commit or Release it.
	Fresh ClaimResult = iota
	// Duplicate: the key is settled; Record.Outcome is the prior outcome.
	Duplicate
	// InFlight: another cycle holds an unsettled claim on the key.
	InFlight
)

func (r ClaimResult) String() string {
	switch r {
	case Fresh:
		return "fresh"
	case Duplicate:
		return "duplicate"
	case InFlight:
		return "in_flight"
	default:
		return fmt.Sprintf("claim(%d)", int(r))
	}
}

type Claim struct {
	Result ClaimResult
	Record Record
	// ParamsMismatch is set when a settled key is presented again with a
	// different action or parameters.
	ParamsMismatch bool
}

// OrderAttempt is one submitted (or dry-run) order; the hourly rate limit
// counts these.
type OrderAttempt struct {
	Symbol         string          `json:"symbol"`
	IdempotencyKey string          `json:"idempotency_key"`
	ClientOrderID  string          `json:"client_order_id,omitempty"`
	Side           decision.Side   `json:"side"`
	Price          decimal.Decimal `json:"price"`
	Qty            decimal.Decimal `json:"qty"`
	ReduceOnly     bool            `json:"reduce_only"`
	DryRun         bool            `json:"dry_run"`
	At             time.Time       `json:"at"`
}

var (
	ErrNotClaimed     = errors.New("ledger: key not claimed")
	ErrAlreadySettled = errors.New("ledger: key already settled")
	ErrNotOwner       = errors.New("ledger: claim held by another owner")
	ErrEmptyKey       = errors.New("ledger: empty idempotency key")
)

type Ledger interface {
	RecordOrFetch(ctx context.Context, in Intent) (Claim, error)
	// Commit and Release only act on a pending claim held by owner.
	Commit(ctx context.Context, key, owner string, out Outcome) error
	Release(ctx context.Context, key, owner string) error
	Get(ctx context.Context, key string) (Record, bool, error)
	RecordOrderAttempt(ctx context.Context, a OrderAttempt) error
	OrdersSince(ctx context.Context, symbol string, since time.Time) (int, error)
	Close() error
}

type options struct {
	staleAfter time.Duration
	nowFn      func() time.Time
}

type Option func(*options)

// WithStaleAfter lets a pending claim older than d be taken over, which
// recovers keys orphaned by a crash between claim and settle. Zero disables.
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) { o.staleAfter = d }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.nowFn = now }
}

func buildOptions(opts []Option) options {
	o := options{nowFn: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (o options) stale(claimedAt time.Time) bool {
	return o.staleAfter > 0 && o.nowFn().Sub(claimedAt) >= o.staleAfter
}

// classify turns an existing record into the claim answer for in.
func classify(rec Record, in Intent) Claim {
	if rec.Status == StatusSettled {
		return Claim{Result: Duplicate, Record: rec, ParamsMismatch: rec.Fingerprint != in.Fingerprint}
	}
	return Claim{Result: InFlight, Record: rec}
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}

// Open picks the backend named by cfg.Backend.
func Open(ctx context.Context, cfg config.LedgerConfig, sqlitePath string, opts ...Option) (Ledger, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "sqlite":
		return OpenSQLite(sqlitePath, opts...)
	case "redis":
		return OpenRedis(ctx, cfg, opts...)
	default:
		return nil, fmt.Errorf("unsupported ledger backend: %s", cfg.Backend)
	}
}
