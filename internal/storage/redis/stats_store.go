package redis

import (
	"context"
	_ "embed"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/money"
	"IntelMarket-Chain/internal/reputation"
)

//go:embed stats.lua
var statsLuaScript string

var incrementScript = goredis.NewScript(statsLuaScript)

// 去重键保留一周，远长于任何凭证有效期与重试周期。
const paymentDedupeTTL = 7 * 24 * time.Hour

// StatsStore 通过 Lua 脚本原子更新信誉计数。
type StatsStore struct {
	client goredis.Cmdable
	prefix string
}

// NewStatsStore 创建计数存储。
func NewStatsStore(client goredis.Cmdable, prefix string) *StatsStore {
	return &StatsStore{client: client, prefix: prefix}
}

// Increment 实现 reputation.Store。
func (s *StatsStore) Increment(ctx context.Context, paymentID, tierID string, amount money.Amount, at time.Time) error {
	keys := s.incrementKeys(paymentID)
	args := []any{int64(amount), tierID, at.UnixMilli(), paymentDedupeTTL.Milliseconds()}
	if err := incrementScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行计数脚本失败")
	}
	return nil
}

// Load 实现 reputation.Store。
func (s *StatsStore) Load(ctx context.Context) (reputation.Stats, error) {
	totals, err := s.client.HGetAll(ctx, s.totalsKey()).Result()
	if err != nil {
		return reputation.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取总收入失败")
	}
	tiers, err := s.client.HGetAll(ctx, s.tiersKey()).Result()
	if err != nil {
		return reputation.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取档位计数失败")
	}
	return decodeStats(totals, tiers)
}

func decodeStats(totals, tiers map[string]string) (reputation.Stats, error) {
	stats := reputation.Stats{Consultations: make(map[string]int64, len(tiers))}
	if v, ok := totals["total_revenue"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return stats, xerrors.Wrap(xerrors.CodeStorageFailure, err, "总收入格式错误")
		}
		stats.TotalRevenue = money.Amount(n)
	}
	if v, ok := totals["last_payment_at"]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return stats, xerrors.Wrap(xerrors.CodeStorageFailure, err, "付款时间格式错误")
		}
		if ms > 0 {
			stats.LastPaymentAt = time.UnixMilli(ms).UTC()
		}
	}
	for tier, v := range tiers {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return stats, xerrors.Wrap(xerrors.CodeStorageFailure, err, "档位计数格式错误")
		}
		stats.Consultations[tier] = n
	}
	return stats, nil
}

func (s *StatsStore) incrementKeys(paymentID string) []string {
	keys := []string{s.totalsKey(), s.tiersKey()}
	if paymentID != "" {
		keys = append(keys, prefixed(s.prefix, "reputation:payment:"+paymentID))
	}
	return keys
}

func (s *StatsStore) totalsKey() string { return prefixed(s.prefix, "reputation:totals") }
func (s *StatsStore) tiersKey() string  { return prefixed(s.prefix, "reputation:tiers") }
