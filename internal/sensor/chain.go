package sensor

import (
	"context"
	"strconv"

	"IntelMarket-Chain/internal/web3"
)

// SnapshotFunc 返回各条链的最新状态，与 provider.Registry.Snapshots 签名一致。
type SnapshotFunc func(ctx context.Context) (map[string]web3.ChainSnapshot, error)

// ChainSource 把链上状态转换为读数，键形如 chain.<name>.block_number。
type ChainSource struct {
	snapshots SnapshotFunc
}

// NewChainSource 创建链上读数来源。
func NewChainSource(snapshots SnapshotFunc) *ChainSource {
	return &ChainSource{snapshots: snapshots}
}

// Snapshot 实现 Source。
func (c *ChainSource) Snapshot(ctx context.Context) (map[string]string, error) {
	if c == nil || c.snapshots == nil {
		return map[string]string{}, nil
	}
	snaps, err := c.snapshots(ctx)
	if err != nil {
		return nil, err
	}
	readings := make(map[string]string, len(snaps)*2)
	for name, snap := range snaps {
		prefix := "chain." + name + "."
		readings[prefix+"chain_id"] = strconv.FormatUint(snap.ChainID, 10)
		readings[prefix+"block_number"] = strconv.FormatUint(snap.BlockNumber, 10)
	}
	return readings, nil
}
