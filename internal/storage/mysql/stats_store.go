package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/money"
	"IntelMarket-Chain/internal/reputation"
)

const (
	upsertTotalsSQL = `INSERT INTO reputation_totals (id, total_revenue, last_payment_at) VALUES (1, ?, ?)
    ON DUPLICATE KEY UPDATE total_revenue = total_revenue + VALUES(total_revenue),
    last_payment_at = GREATEST(last_payment_at, VALUES(last_payment_at))`
	upsertTierSQL = `INSERT INTO reputation_tiers (tier_id, consultations) VALUES (?, 1)
    ON DUPLICATE KEY UPDATE consultations = consultations + 1`
	claimPaymentSQL = `INSERT IGNORE INTO reputation_payments (payment_id, recorded_at) VALUES (?, ?)`
	selectTotalsSQL = `SELECT total_revenue, last_payment_at FROM reputation_totals WHERE id = 1`
	selectTiersSQL  = `SELECT tier_id, consultations FROM reputation_tiers`
)

// StatsStore 以原子 upsert 维护信誉计数，并发写入不会丢失更新。
type StatsStore struct {
	db *sql.DB
}

// NewStatsStore 基于已迁移的连接池创建存储。
func NewStatsStore(db *sql.DB) *StatsStore {
	return &StatsStore{db: db}
}

// Increment 实现 reputation.Store。
// 非空 paymentID 先写入 reputation_payments，已存在则整个事务回滚且不计数。
func (s *StatsStore) Increment(ctx context.Context, paymentID, tierID string, amount money.Amount, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启计数事务失败")
	}
	if paymentID != "" {
		res, err := tx.ExecContext(ctx, claimPaymentSQL, paymentID, toMillis(at))
		if err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记付款失败")
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			tx.Rollback()
			return nil
		}
	}
	if _, err := tx.ExecContext(ctx, upsertTotalsSQL, int64(amount), toMillis(at)); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新总收入失败")
	}
	if _, err := tx.ExecContext(ctx, upsertTierSQL, tierID); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新档位计数失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交计数事务失败")
	}
	return nil
}

// Load 实现 reputation.Store。
func (s *StatsStore) Load(ctx context.Context) (reputation.Stats, error) {
	stats := reputation.Stats{Consultations: make(map[string]int64)}
	var total, last int64
	err := s.db.QueryRowContext(ctx, selectTotalsSQL).Scan(&total, &last)
	if err != nil && !stdErrors.Is(err, sql.ErrNoRows) {
		return stats, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询总收入失败")
	}
	stats.TotalRevenue = money.Amount(total)
	stats.LastPaymentAt = fromMillis(last)

	rows, err := s.db.QueryContext(ctx, selectTiersSQL)
	if err != nil {
		return stats, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询档位计数失败")
	}
	defer rows.Close()
	for rows.Next() {
		var tier string
		var count int64
		if err := rows.Scan(&tier, &count); err != nil {
			return stats, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析档位计数失败")
		}
		stats.Consultations[tier] = count
	}
	return stats, rows.Err()
}
