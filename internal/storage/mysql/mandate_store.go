package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"encoding/json"
	"fmt"
	"time"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/mandate"
	"IntelMarket-Chain/internal/money"
)

const (
	insertChainSQL = `INSERT INTO mandate_chains
    (session_id, status, total_spent, failure_reason, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?)`
	insertRecordSQL = `INSERT INTO mandate_records
    (session_id, record_id, stage, body, created_at)
    VALUES (?, ?, ?, ?, ?)`
	selectChainSQL = `SELECT session_id, status, total_spent, failure_reason, created_at, updated_at
    FROM mandate_chains WHERE session_id = ?`
	selectRecordsSQL = `SELECT body FROM mandate_records WHERE session_id = ? ORDER BY seq`
	touchChainSQL    = `UPDATE mandate_chains SET updated_at = ? WHERE session_id = ?`
	finishChainSQL   = `UPDATE mandate_chains SET status = ?, total_spent = ?, failure_reason = ?, updated_at = ?
    WHERE session_id = ?`
	listStaleSQL = `SELECT session_id FROM mandate_chains
    WHERE status = ? AND updated_at < ? ORDER BY updated_at LIMIT ?`
)

// MandateStore 使用 MySQL 保存采购会话。会话状态行在追加记录时通过
// SELECT ... FOR UPDATE 加锁，保证阶段校验与写入的原子性。
type MandateStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMandateStore 基于已迁移的连接池创建存储。
func NewMandateStore(db *sql.DB) *MandateStore {
	return &MandateStore{db: db, now: time.Now}
}

// Close 实现 mandate.Store。连接池由调用方统一关闭。
func (s *MandateStore) Close() error { return nil }

// Create 实现 mandate.Store。
func (s *MandateStore) Create(ctx context.Context, intent mandate.Intent) error {
	chain, err := mandate.NewChain(intent)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		st := chain.State()
		if _, err := tx.ExecContext(ctx, insertChainSQL,
			st.SessionID, string(st.Status), int64(st.TotalSpent), st.FailureReason,
			toMillis(st.CreatedAt), toMillis(st.UpdatedAt),
		); err != nil {
			if isDuplicate(err) {
				return xerrors.New(xerrors.CodeConflict, "会话已存在: "+intent.SessionID)
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
		}
		return insertRecord(ctx, tx, chain.Records[0])
	})
}

// Append 实现 mandate.Store。
func (s *MandateStore) Append(ctx context.Context, rec mandate.Record) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		chain, err := loadChain(ctx, tx, rec.SessionID(), true)
		if err != nil {
			return err
		}
		if err := chain.Apply(rec); err != nil {
			return err
		}
		if err := insertRecord(ctx, tx, rec); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, touchChainSQL, toMillis(chain.UpdatedAt), chain.SessionID); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话时间失败")
		}
		return nil
	})
}

// Finish 实现 mandate.Store。
func (s *MandateStore) Finish(ctx context.Context, sessionID string, status mandate.Status, spent money.Amount, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		chain, err := loadChain(ctx, tx, sessionID, true)
		if err != nil {
			return err
		}
		if err := chain.Finish(status, spent, reason, s.now()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, finishChainSQL,
			string(chain.Status), int64(chain.TotalSpent), chain.FailureReason, toMillis(chain.UpdatedAt), sessionID,
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新会话终态失败")
		}
		return nil
	})
}

// Get 实现 mandate.Store。
func (s *MandateStore) Get(ctx context.Context, sessionID string) (*mandate.Chain, error) {
	return loadChain(ctx, s.db, sessionID, false)
}

// ListStale 实现 mandate.Store。
func (s *MandateStore) ListStale(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, listStaleSQL, string(mandate.StatusInProgress), toMillis(before), limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询滞留会话失败")
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析滞留会话失败")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *MandateStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

func insertRecord(ctx context.Context, q querier, rec mandate.Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("序列化审计记录失败: %w", err)
	}
	if _, err := q.ExecContext(ctx, insertRecordSQL,
		rec.SessionID(), rec.ID(), string(rec.Stage), string(body), toMillis(rec.CreatedAt()),
	); err != nil {
		if isDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "审计记录已存在: "+rec.ID())
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计记录失败")
	}
	return nil
}

func loadChain(ctx context.Context, q querier, sessionID string, forUpdate bool) (*mandate.Chain, error) {
	query := selectChainSQL
	if forUpdate {
		query += " FOR UPDATE"
	}
	var (
		state            mandate.ChainState
		status           string
		spent            int64
		created, updated int64
	)
	err := q.QueryRowContext(ctx, query, sessionID).Scan(&state.SessionID, &status, &spent, &state.FailureReason, &created, &updated)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, mandate.ErrChainNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询会话失败")
	}
	state.Status = mandate.Status(status)
	state.TotalSpent = money.Amount(spent)
	state.CreatedAt = fromMillis(created)
	state.UpdatedAt = fromMillis(updated)

	rows, err := q.QueryContext(ctx, selectRecordsSQL, sessionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计记录失败")
	}
	defer rows.Close()
	var records []mandate.Record
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取审计记录失败")
		}
		var rec mandate.Record
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计记录失败")
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审计记录失败")
	}
	return mandate.Replay(state, records)
}
