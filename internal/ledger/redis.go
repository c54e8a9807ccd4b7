package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"gptbot/internal/config"
)

const orderLogRetention = 24 * time.Hour

// Each record is a hash; scripts keep claim, takeover, commit and release
// atomic across processes sharing the same Redis.
var (
	claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1`)

	takeoverScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'pending' then return 0 end
if redis.call('HGET', KEYS[1], 'claimed_at') ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'claimed_at', ARGV[2], 'owner', ARGV[3])
return 1`)

	commitScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if not s then return 0 end
if s ~= 'pending' then return -1 end
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then return -2 end
redis.call('HSET', KEYS[1], 'status', 'settled', 'outcome', ARGV[2], 'settled_at', ARGV[3])
return 1`)

	releaseScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if not s then return 0 end
if s ~= 'pending' then return -1 end
if redis.call('HGET', KEYS[1], 'owner') ~= ARGV[1] then return -2 end
redis.call('DEL', KEYS[1])
return 1`)
)

type RedisLedger struct {
	client *redis.Client
	prefix string
	opts   options
}

var _ Ledger = (*RedisLedger)(nil)

func OpenRedis(ctx context.Context, cfg config.LedgerConfig, opts ...Option) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ledger: redis ping %s: %w", cfg.RedisAddr, err)
	}
	return NewRedis(client, cfg.RedisPrefix, opts...), nil
}

func NewRedis(client *redis.Client, prefix string, opts ...Option) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix, opts: buildOptions(opts)}
}

func (r *RedisLedger) Close() error {
	return r.client.Close()
}

func (r *RedisLedger) recordKey(key string) string {
	return r.prefix + "ledger:" + key
}

func (r *RedisLedger) ordersKey(symbol string) string {
	return r.prefix + "orders:" + strings.ToUpper(symbol)
}

// claimAttempts bounds retries when a key is released between the claim
// attempt and the read that follows it.
const claimAttempts = 3

func (r *RedisLedger) RecordOrFetch(ctx context.Context, in Intent) (Claim, error) {
	if err := checkKey(in.Key); err != nil {
		return Claim{}, err
	}
	for i := 0; i < claimAttempts; i++ {
		claim, found, err := r.tryClaim(ctx, in)
		if err != nil || found {
			return claim, err
		}
	}
	return Claim{}, fmt.Errorf("ledger: claim %s: key released %d times while claiming", in.Key, claimAttempts)
}

// tryClaim reports found=false when the key vanished before it could be read.
func (r *RedisLedger) tryClaim(ctx context.Context, in Intent) (Claim, bool, error) {
	now := r.opts.nowFn().UnixMilli()
	rk := r.recordKey(in.Key)
	ok, err := claimScript.Run(ctx, r.client, []string{rk},
		"key", in.Key,
		"symbol", in.Symbol,
		"action", string(in.Action),
		"summary", in.Summary,
		"fingerprint", in.Fingerprint,
		"owner", in.Owner,
		"status", string(StatusPending),
		"claimed_at", strconv.FormatInt(now, 10),
	).Int()
	if err != nil {
		return Claim{}, false, fmt.Errorf("ledger: claim %s: %w", in.Key, err)
	}
	if ok == 1 {
		rec, _, err := r.Get(ctx, in.Key)
		if err != nil {
			return Claim{}, false, err
		}
		return Claim{Result: Fresh, Record: rec}, true, nil
	}

	rec, found, err := r.Get(ctx, in.Key)
	if err != nil {
		return Claim{}, false, err
	}
	if !found {
		return Claim{}, false, nil
	}
	if rec.Status == StatusPending && r.opts.stale(rec.ClaimedAt) {
		took, err := takeoverScript.Run(ctx, r.client, []string{rk},
			strconv.FormatInt(rec.ClaimedAt.UnixMilli(), 10),
			strconv.FormatInt(now, 10),
			in.Owner,
		).Int()
		if err != nil {
			return Claim{}, false, fmt.Errorf("ledger: take over %s: %w", in.Key, err)
		}
		if took == 1 {
			rec.ClaimedAt = time.UnixMilli(now)
			rec.Owner = in.Owner
			return Claim{Result: Fresh, Record: rec}, true, nil
		}
		if rec, _, err = r.Get(ctx, in.Key); err != nil {
			return Claim{}, false, err
		}
	}
	return classify(rec, in), true, nil
}

func (r *RedisLedger) Commit(ctx context.Context, key, owner string, out Outcome) error {
	if err := checkKey(key); err != nil {
		return err
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("ledger: encode outcome: %w", err)
	}
	res, err := commitScript.Run(ctx, r.client, []string{r.recordKey(key)},
		owner, string(payload), strconv.FormatInt(r.opts.nowFn().UnixMilli(), 10)).Int()
	if err != nil {
		return fmt.Errorf("ledger: commit %s: %w", key, err)
	}
	return scriptResult(res)
}

func (r *RedisLedger) Release(ctx context.Context, key, owner string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	res, err := releaseScript.Run(ctx, r.client, []string{r.recordKey(key)}, owner).Int()
	if err != nil {
		return fmt.Errorf("ledger: release %s: %w", key, err)
	}
	return scriptResult(res)
}

func scriptResult(res int) error {
	switch res {
	case 1:
		return nil
	case -1:
		return ErrAlreadySettled
	case -2:
		return ErrNotOwner
	default:
		return ErrNotClaimed
	}
}

func (r *RedisLedger) Get(ctx context.Context, key string) (Record, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.recordKey(key)).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("ledger: get %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	rec := Record{
		Key:         fields["key"],
		Symbol:      fields["symbol"],
		Action:      fields["action"],
		Summary:     fields["summary"],
		Fingerprint: fields["fingerprint"],
		Owner:       fields["owner"],
		Status:      Status(fields["status"]),
		ClaimedAt:   parseMillis(fields["claimed_at"]),
		SettledAt:   parseMillis(fields["settled_at"]),
	}
	if raw := fields["outcome"]; raw != "" {
		var out Outcome
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			rec.Outcome = &out
		}
	}
	return rec, true, nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

type orderLogEntry struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idem_key"`
	ClientOrderID  string `json:"client_order_id"`
	Side           string `json:"side"`
	Price          string `json:"price"`
	Qty            string `json:"qty"`
	ReduceOnly     bool   `json:"reduce_only"`
	DryRun         bool   `json:"dry_run"`
}

func (r *RedisLedger) RecordOrderAttempt(ctx context.Context, a OrderAttempt) error {
	at := a.At
	if at.IsZero() {
		at = r.opts.nowFn()
	}
	member, err := json.Marshal(orderLogEntry{
		ID:             uuid.NewString(),
		IdempotencyKey: a.IdempotencyKey,
		ClientOrderID:  a.ClientOrderID,
		Side:           string(a.Side),
		Price:          a.Price.String(),
		Qty:            a.Qty.String(),
		ReduceOnly:     a.ReduceOnly,
		DryRun:         a.DryRun,
	})
	if err != nil {
		return err
	}
	key := r.ordersKey(a.Symbol)
	cutoff := strconv.FormatInt(at.Add(-orderLogRetention).UnixMilli(), 10)
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: string(member)})
		p.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: record order attempt: %w", err)
	}
	return nil
}

func (r *RedisLedger) OrdersSince(ctx context.Context, symbol string, since time.Time) (int, error) {
	n, err := r.client.ZCount(ctx, r.ordersKey(symbol), strconv.FormatInt(since.UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("ledger: count orders: %w", err)
	}
	return int(n), nil
}
