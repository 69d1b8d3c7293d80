package ethereum

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"IntelMarket-Chain/internal/payment"
	"IntelMarket-Chain/internal/web3"
)

type stubChain struct {
	chainID  int64
	head     uint64
	receipts map[common.Hash]*coretypes.Receipt
	err      error
}

func (s *stubChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(s.chainID), nil }

func (s *stubChain) BlockNumber(context.Context) (uint64, error) { return s.head, nil }

func (s *stubChain) TransactionReceipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	if s.err != nil {
		return nil, s.err
	}
	receipt, ok := s.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

var (
	minedHash    = common.HexToHash("0x" + strings.Repeat("11", 32))
	revertedHash = common.HexToHash("0x" + strings.Repeat("22", 32))
)

func newStubClient(head uint64) (*Client, *stubChain) {
	stub := &stubChain{
		chainID: 84532,
		head:    head,
		receipts: map[common.Hash]*coretypes.Receipt{
			minedHash:    {Status: coretypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)},
			revertedHash: {Status: coretypes.ReceiptStatusFailed, BlockNumber: big.NewInt(100)},
		},
	}
	return newClient(Config{Name: "base-sepolia", Confirmations: 3}, stub, nil), stub
}

func TestConfirmRequiresDepth(t *testing.T) {
	ctx := context.Background()
	client, stub := newStubClient(101)

	_, err := client.Confirm(ctx, minedHash.Hex())
	if !errors.Is(err, web3.ErrPending) {
		t.Fatalf("expected pending with 2 confirmations, got %v", err)
	}

	stub.head = 102
	settlement, err := client.Confirm(ctx, minedHash.Hex())
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if settlement.Status != payment.SettlementConfirmed || settlement.Confirmations != 3 {
		t.Fatalf("unexpected settlement: %+v", settlement)
	}
}

func TestConfirmMissingAndReverted(t *testing.T) {
	ctx := context.Background()
	client, _ := newStubClient(200)

	if _, err := client.Confirm(ctx, "0x"+strings.Repeat("33", 32)); !errors.Is(err, web3.ErrPending) {
		t.Fatalf("unknown tx should be pending, got %v", err)
	}
	settlement, err := client.Confirm(ctx, revertedHash.Hex())
	if err != nil {
		t.Fatalf("confirm reverted: %v", err)
	}
	if settlement.Status != payment.SettlementFailed {
		t.Fatalf("expected failed status, got %s", settlement.Status)
	}
	if _, err := client.Confirm(ctx, "0x1234"); err == nil {
		t.Fatalf("short hash should be rejected")
	}
}

func TestSnapshotAndClose(t *testing.T) {
	client, _ := newStubClient(42)
	snapshot, err := client.FetchChainSnapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snapshot.ChainID != 84532 || snapshot.BlockNumber != 42 {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
	client.Close()
	if _, err := client.FetchChainSnapshot(context.Background()); err == nil {
		t.Fatalf("closed client should fail")
	}
}
