package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/mandate"
	"IntelMarket-Chain/internal/money"
)

var (
	chainsBucket  = []byte("mandate_chains")
	recordsBucket = []byte("mandate_records")
)

// MandateStore 将会话状态与追加写入的记录分别保存在两个 bucket 中。
// 记录键为 "<session>/<全局序号>"，同一会话的记录按写入顺序排列。
type MandateStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenMandateStore 打开（或创建）数据库文件并确保 bucket 存在。
func OpenMandateStore(path string) (*MandateStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开 BoltDB 失败: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{chainsBucket, recordsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化 BoltDB bucket 失败: %w", err)
	}
	return &MandateStore{db: db, now: time.Now}, nil
}

// Close 释放数据库文件锁。
func (s *MandateStore) Close() error {
	return s.db.Close()
}

// Create 实现 mandate.Store。
func (s *MandateStore) Create(ctx context.Context, intent mandate.Intent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chain, err := mandate.NewChain(intent)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(chainsBucket).Get([]byte(intent.SessionID)) != nil {
			return xerrors.New(xerrors.CodeConflict, "会话已存在: "+intent.SessionID)
		}
		if err := putRecord(tx, chain.Records[0]); err != nil {
			return err
		}
		return putState(tx, chain.State())
	})
}

// Append 实现 mandate.Store。校验与写入在同一个写事务中完成。
func (s *MandateStore) Append(ctx context.Context, rec mandate.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		chain, err := loadChain(tx, rec.SessionID())
		if err != nil {
			return err
		}
		if err := chain.Apply(rec); err != nil {
			return err
		}
		if err := putRecord(tx, rec); err != nil {
			return err
		}
		return putState(tx, chain.State())
	})
}

// Finish 实现 mandate.Store。
func (s *MandateStore) Finish(ctx context.Context, sessionID string, status mandate.Status, spent money.Amount, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		chain, err := loadChain(tx, sessionID)
		if err != nil {
			return err
		}
		if err := chain.Finish(status, spent, reason, s.now()); err != nil {
			return err
		}
		return putState(tx, chain.State())
	})
}

// Get 实现 mandate.Store。
func (s *MandateStore) Get(ctx context.Context, sessionID string) (*mandate.Chain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var chain *mandate.Chain
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		chain, err = loadChain(tx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// ListStale 实现 mandate.Store。
func (s *MandateStore) ListStale(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var stale []mandate.ChainState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chainsBucket).ForEach(func(_, v []byte) error {
			var state mandate.ChainState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			if state.Status == mandate.StatusInProgress && state.UpdatedAt.Before(before) {
				stale = append(stale, state)
			}
			return nil
		})
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历会话失败")
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]string, 0, len(stale))
	for _, st := range stale {
		ids = append(ids, st.SessionID)
	}
	return ids, nil
}

func loadChain(tx *bolt.Tx, sessionID string) (*mandate.Chain, error) {
	raw := tx.Bucket(chainsBucket).Get([]byte(sessionID))
	if raw == nil {
		return nil, mandate.ErrChainNotFound
	}
	var state mandate.ChainState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析会话状态失败")
	}

	prefix := []byte(sessionID + "/")
	var records []mandate.Record
	c := tx.Bucket(recordsBucket).Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var rec mandate.Record
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计记录失败")
		}
		records = append(records, rec)
	}
	return mandate.Replay(state, records)
}

func putState(tx *bolt.Tx, state mandate.ChainState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return tx.Bucket(chainsBucket).Put([]byte(state.SessionID), data)
}

func putRecord(tx *bolt.Tx, rec mandate.Record) error {
	b := tx.Bucket(recordsBucket)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s/%020d", rec.SessionID(), seq)
	return b.Put([]byte(key), data)
}

func hasPrefix(key, prefix []byte) bool {
	return len(key) >= len(prefix) && string(key[:len(prefix)]) == string(prefix)
}
