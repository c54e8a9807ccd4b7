package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"gptbot/internal/decision"
)

type recordModel struct {
	Key         string         `gorm:"column:idem_key;primaryKey"`
	Symbol      string         `gorm:"column:symbol;index"`
	Action      string         `gorm:"column:action"`
	Summary     string         `gorm:"column:summary"`
	Fingerprint string         `gorm:"column:fingerprint"`
	Owner       string         `gorm:"column:owner"`
	Status      string         `gorm:"column:status;index"`
	Outcome     datatypes.JSON `gorm:"column:outcome"`
	ClaimedAt   int64          `gorm:"column:claimed_at"`
	SettledAt   int64          `gorm:"column:settled_at"`
}

func (recordModel) TableName() string { return "idempotency_ledger" }

type orderAttemptModel struct {
	ID             int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Symbol         string `gorm:"column:symbol;index:idx_orders_symbol_ts"`
	IdempotencyKey string `gorm:"column:idem_key"`
	ClientOrderID  string `gorm:"column:client_order_id"`
	Side           string `gorm:"column:side"`
	Price          string `gorm:"column:price"`
	Qty            string `gorm:"column:qty"`
	ReduceOnly     bool   `gorm:"column:reduce_only"`
	DryRun         bool   `gorm:"column:dry_run"`
	CreatedAt      int64  `gorm:"column:created_at;index:idx_orders_symbol_ts"`
}

func (orderAttemptModel) TableName() string { return "orders_log" }

// SQLiteLedger persists the ledger and the order log in one SQLite file.
type SQLiteLedger struct {
	db   *gorm.DB
	opts options
}

var _ Ledger = (*SQLiteLedger)(nil)

func OpenSQLite(path string, opts ...Option) (*SQLiteLedger, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("ledger: database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&recordModel{}, &orderAttemptModel{}); err != nil {
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &SQLiteLedger{db: db, opts: buildOptions(opts)}, nil
}

func (s *SQLiteLedger) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteLedger) RecordOrFetch(ctx context.Context, in Intent) (Claim, error) {
	if err := checkKey(in.Key); err != nil {
		return Claim{}, err
	}
	now := s.opts.nowFn()
	m := recordModel{
		Key:         in.Key,
		Symbol:      in.Symbol,
		Action:      string(in.Action),
		Summary:     in.Summary,
		Fingerprint: in.Fingerprint,
		Owner:       in.Owner,
		Status:      string(StatusPending),
		ClaimedAt:   now.UnixMilli(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return Claim{}, fmt.Errorf("ledger: claim %s: %w", in.Key, res.Error)
	}
	if res.RowsAffected == 1 {
		return Claim{Result: Fresh, Record: toRecord(m)}, nil
	}

	var existing recordModel
	if err := s.db.WithContext(ctx).Where("idem_key = ?", in.Key).First(&existing).Error; err != nil {
		return Claim{}, fmt.Errorf("ledger: fetch %s: %w", in.Key, err)
	}
	rec := toRecord(existing)
	if rec.Status == StatusPending && s.opts.stale(rec.ClaimedAt) {
		// compare-and-swap on claimed_at so only one taker wins
		upd := s.db.WithContext(ctx).Model(&recordModel{}).
			Where("idem_key = ? AND status = ? AND claimed_at = ?", in.Key, string(StatusPending), existing.ClaimedAt).
			Updates(map[string]any{"claimed_at": now.UnixMilli(), "owner": in.Owner})
		if upd.Error != nil {
			return Claim{}, fmt.Errorf("ledger: take over %s: %w", in.Key, upd.Error)
		}
		if upd.RowsAffected == 1 {
			rec.ClaimedAt = time.UnixMilli(now.UnixMilli())
			rec.Owner = in.Owner
			return Claim{Result: Fresh, Record: rec}, nil
		}
		if err := s.db.WithContext(ctx).Where("idem_key = ?", in.Key).First(&existing).Error; err != nil {
			return Claim{}, fmt.Errorf("ledger: fetch %s: %w", in.Key, err)
		}
		rec = toRecord(existing)
	}
	return classify(rec, in), nil
}

func (s *SQLiteLedger) Commit(ctx context.Context, key, owner string, out Outcome) error {
	if err := checkKey(key); err != nil {
		return err
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("ledger: encode outcome: %w", err)
	}
	res := s.db.WithContext(ctx).Model(&recordModel{}).
		Where("idem_key = ? AND status = ? AND owner = ?", key, string(StatusPending), owner).
		Updates(map[string]any{
			"status":     string(StatusSettled),
			"outcome":    datatypes.JSON(payload),
			"settled_at": s.opts.nowFn().UnixMilli(),
		})
	if res.Error != nil {
		return fmt.Errorf("ledger: commit %s: %w", key, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return s.missingOrSettled(ctx, key)
}

func (s *SQLiteLedger) Release(ctx context.Context, key, owner string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).
		Where("idem_key = ? AND status = ? AND owner = ?", key, string(StatusPending), owner).
		Delete(&recordModel{})
	if res.Error != nil {
		return fmt.Errorf("ledger: release %s: %w", key, res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	return s.missingOrSettled(ctx, key)
}

func (s *SQLiteLedger) missingOrSettled(ctx context.Context, key string) error {
	rec, ok, err := s.Get(ctx, key)
	switch {
	case err != nil:
		return err
	case !ok:
		return ErrNotClaimed
	case rec.Status == StatusPending:
		return ErrNotOwner
	default:
		return ErrAlreadySettled
	}
}

func (s *SQLiteLedger) Get(ctx context.Context, key string) (Record, bool, error) {
	var m recordModel
	err := s.db.WithContext(ctx).Where("idem_key = ?", key).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("ledger: get %s: %w", key, err)
	}
	return toRecord(m), true, nil
}

func (s *SQLiteLedger) RecordOrderAttempt(ctx context.Context, a OrderAttempt) error {
	at := a.At
	if at.IsZero() {
		at = s.opts.nowFn()
	}
	m := orderAttemptModel{
		Symbol:         a.Symbol,
		IdempotencyKey: a.IdempotencyKey,
		ClientOrderID:  a.ClientOrderID,
		Side:           string(a.Side),
		Price:          a.Price.String(),
		Qty:            a.Qty.String(),
		ReduceOnly:     a.ReduceOnly,
		DryRun:         a.DryRun,
		CreatedAt:      at.UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("ledger: record order attempt: %w", err)
	}
	return nil
}

func (s *SQLiteLedger) OrdersSince(ctx context.Context, symbol string, since time.Time) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&orderAttemptModel{}).
		Where("symbol = ? AND created_at >= ?", symbol, since.UnixMilli()).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: count orders: %w", err)
	}
	return int(n), nil
}

// Attempts lists the order log for a symbol, newest first.
func (s *SQLiteLedger) Attempts(ctx context.Context, symbol string, limit int) ([]OrderAttempt, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []orderAttemptModel
	if err := s.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]OrderAttempt, 0, len(rows))
	for _, r := range rows {
		price, _ := decimal.NewFromString(r.Price)
		qty, _ := decimal.NewFromString(r.Qty)
		out = append(out, OrderAttempt{
			Symbol:         r.Symbol,
			IdempotencyKey: r.IdempotencyKey,
			ClientOrderID:  r.ClientOrderID,
			Side:           decision.Side(r.Side),
			Price:          price,
			Qty:            qty,
			ReduceOnly:     r.ReduceOnly,
			DryRun:         r.DryRun,
			At:             time.UnixMilli(r.CreatedAt),
		})
	}
	return out, nil
}

func toRecord(m recordModel) Record {
	rec := Record{
		Key:         m.Key,
		Symbol:      m.Symbol,
		Action:      m.Action,
		Summary:     m.Summary,
		Fingerprint: m.Fingerprint,
		Owner:       m.Owner,
		Status:      Status(m.Status),
		ClaimedAt:   time.UnixMilli(m.ClaimedAt),
	}
	if m.SettledAt > 0 {
		rec.SettledAt = time.UnixMilli(m.SettledAt)
	}
	if len(m.Outcome) > 0 {
		var out Outcome
		if err := json.Unmarshal(m.Outcome, &out); err == nil {
			rec.Outcome = &out
		}
	}
	return rec
}
