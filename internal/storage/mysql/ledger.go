package mysql

import (
	"context"
	"database/sql"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/money"
	"IntelMarket-Chain/internal/revenue"
)

const (
	insertAllocationSQL = `INSERT INTO revenue_allocations (batch_id, source, amount, created_at) VALUES (?, ?, ?, ?)`
	insertShareSQL      = `INSERT INTO revenue_shares (batch_id, bucket, amount) VALUES (?, ?, ?)`
	upsertBucketSQL     = `INSERT INTO revenue_bucket_totals (bucket, amount) VALUES (?, ?)
    ON DUPLICATE KEY UPDATE amount = amount + VALUES(amount)`
	selectBucketTotalsSQL = `SELECT bucket, amount FROM revenue_bucket_totals`
)

// AllocationLedger 在单个事务中写入分账批次、各桶明细与累计值。
type AllocationLedger struct {
	db *sql.DB
}

// NewAllocationLedger 基于已迁移的连接池创建账本。
func NewAllocationLedger(db *sql.DB) *AllocationLedger {
	return &AllocationLedger{db: db}
}

// Commit 实现 revenue.Ledger。
func (l *AllocationLedger) Commit(ctx context.Context, a revenue.Allocation) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启分账事务失败")
	}
	if _, err := tx.ExecContext(ctx, insertAllocationSQL, a.BatchID, a.Source, int64(a.Amount), toMillis(a.CreatedAt)); err != nil {
		tx.Rollback()
		if isDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "分账批次已存在: "+a.BatchID)
		}
		return xerrors.Wrap(revenue.CodeLedgerCommit, err, "写入分账批次失败")
	}
	for _, share := range a.Shares {
		if _, err := tx.ExecContext(ctx, insertShareSQL, a.BatchID, share.Bucket, int64(share.Amount)); err != nil {
			tx.Rollback()
			return xerrors.Wrap(revenue.CodeLedgerCommit, err, "写入分账明细失败")
		}
		if _, err := tx.ExecContext(ctx, upsertBucketSQL, share.Bucket, int64(share.Amount)); err != nil {
			tx.Rollback()
			return xerrors.Wrap(revenue.CodeLedgerCommit, err, "更新资金桶累计失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(revenue.CodeLedgerCommit, err, "提交分账事务失败")
	}
	return nil
}

// Totals 实现 revenue.Ledger。
func (l *AllocationLedger) Totals(ctx context.Context) (map[string]money.Amount, error) {
	rows, err := l.db.QueryContext(ctx, selectBucketTotalsSQL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询资金桶累计失败")
	}
	defer rows.Close()
	totals := make(map[string]money.Amount)
	for rows.Next() {
		var bucket string
		var amount int64
		if err := rows.Scan(&bucket, &amount); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析资金桶累计失败")
		}
		totals[bucket] = money.Amount(amount)
	}
	return totals, rows.Err()
}
