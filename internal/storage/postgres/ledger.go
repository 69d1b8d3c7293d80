package postgres

import (
	"context"
	_ "embed"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/money"
	"IntelMarket-Chain/internal/revenue"
)

//go:embed schema.sql
var schemaSQL string

const (
	insertAllocationSQL = `INSERT INTO revenue_allocations (batch_id, source, amount, created_at) VALUES ($1, $2, $3, $4)`
	insertShareSQL      = `INSERT INTO revenue_shares (batch_id, bucket, amount) VALUES ($1, $2, $3)`
	upsertBucketSQL     = `INSERT INTO revenue_bucket_totals (bucket, amount) VALUES ($1, $2)
		ON CONFLICT (bucket) DO UPDATE SET amount = revenue_bucket_totals.amount + EXCLUDED.amount`
	selectTotalsSQL = `SELECT bucket, amount FROM revenue_bucket_totals`
)

// database 由 *pgxpool.Pool 实现，测试中可替换。
type database interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Connect 建立连接池并确认可用。
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("PostgreSQL DSN 不能为空")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 PostgreSQL 失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("无法连接到 PostgreSQL: %w", err)
	}
	return pool, nil
}

// AllocationLedger 在单个事务中写入分账批次、明细与各桶累计。
type AllocationLedger struct {
	db database
}

// NewAllocationLedger 创建账本并确保表结构存在。
func NewAllocationLedger(ctx context.Context, pool *pgxpool.Pool) (*AllocationLedger, error) {
	l := &AllocationLedger{db: pool}
	if err := l.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// EnsureSchema 执行内嵌的建表语句。
func (l *AllocationLedger) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := l.db.Exec(ctx, stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化分账表失败")
		}
	}
	return nil
}

// Commit 实现 revenue.Ledger。
func (l *AllocationLedger) Commit(ctx context.Context, a revenue.Allocation) error {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启分账事务失败")
	}
	// 提交成功后 Rollback 为空操作。
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, insertAllocationSQL, a.BatchID, a.Source, int64(a.Amount), a.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if stdErrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return xerrors.New(xerrors.CodeConflict, "分账批次已存在: "+a.BatchID)
		}
		return xerrors.Wrap(revenue.CodeLedgerCommit, err, "写入分账批次失败")
	}
	for _, share := range a.Shares {
		if _, err := tx.Exec(ctx, insertShareSQL, a.BatchID, share.Bucket, int64(share.Amount)); err != nil {
			return xerrors.Wrap(revenue.CodeLedgerCommit, err, "写入分账明细失败")
		}
		if _, err := tx.Exec(ctx, upsertBucketSQL, share.Bucket, int64(share.Amount)); err != nil {
			return xerrors.Wrap(revenue.CodeLedgerCommit, err, "更新资金桶累计失败")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return xerrors.Wrap(revenue.CodeLedgerCommit, err, "提交分账事务失败")
	}
	return nil
}

// Totals 实现 revenue.Ledger。
func (l *AllocationLedger) Totals(ctx context.Context) (map[string]money.Amount, error) {
	rows, err := l.db.Query(ctx, selectTotalsSQL)
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
