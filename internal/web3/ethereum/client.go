package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"IntelMarket-Chain/internal/payment"
	"IntelMarket-Chain/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name          string
	RPCURL        string
	ChainID       uint64
	Confirmations uint64
	Notes         string
}

// chainReader mirrors the subset of ethclient used for settlement checks.
type chainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name          string
	notes         string
	confirmations uint64
	reader        chainReader
	closer        func()
	mu            sync.Mutex
}

// NewClient dials the configured RPC endpoint. When a chain id is configured
// the remote node must report the same id.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	client := newClient(cfg, eth, eth.Close)
	if cfg.ChainID != 0 {
		remote, err := eth.ChainID(ctx)
		if err != nil {
			eth.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		if !remote.IsUint64() || remote.Uint64() != cfg.ChainID {
			eth.Close()
			return nil, fmt.Errorf("链 %s 的节点返回链 ID %s，期望 %d", cfg.Name, remote, cfg.ChainID)
		}
	}
	return client, nil
}

func newClient(cfg Config, reader chainReader, closer func()) *Client {
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	return &Client{
		name:          cfg.Name,
		notes:         cfg.Notes,
		confirmations: confirmations,
		reader:        reader,
		closer:        closer,
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
	c.reader = nil
}

func (c *Client) chain() (chainReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil {
		return nil, errors.New("以太坊客户端已关闭")
	}
	return c.reader, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	reader, err := c.chain()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := reader.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := reader.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{ChainID: chainID.Uint64(), BlockNumber: blockNumber, Notes: c.notes}, nil
}

// Confirm reports whether txHash is mined successfully with at least the
// configured number of confirmations. A missing receipt or a shallow block
// returns web3.ErrPending.
func (c *Client) Confirm(ctx context.Context, txHash string) (payment.Settlement, error) {
	settlement := payment.Settlement{Chain: c.name, TxHash: txHash, Status: payment.SettlementPending}
	raw, err := hexutil.Decode(txHash)
	if err != nil || len(raw) != common.HashLength {
		return settlement, fmt.Errorf("非法的交易哈希 %q", txHash)
	}
	reader, err := c.chain()
	if err != nil {
		return settlement, err
	}

	receipt, err := reader.TransactionReceipt(ctx, common.BytesToHash(raw))
	if err != nil {
		if errors.Is(err, gethcore.NotFound) {
			return settlement, web3.ErrPending
		}
		return settlement, fmt.Errorf("查询交易回执失败: %w", err)
	}
	if receipt.BlockNumber != nil {
		settlement.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		settlement.Status = payment.SettlementFailed
		return settlement, nil
	}

	head, err := reader.BlockNumber(ctx)
	if err != nil {
		return settlement, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	if head >= settlement.BlockNumber {
		settlement.Confirmations = head - settlement.BlockNumber + 1
	}
	if settlement.Confirmations < c.confirmations {
		return settlement, web3.ErrPending
	}
	settlement.Status = payment.SettlementConfirmed
	return settlement, nil
}
