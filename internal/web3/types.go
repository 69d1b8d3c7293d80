package web3

import (
	"context"
	"errors"

	"IntelMarket-Chain/internal/payment"
)

// ErrPending reports a transaction that is not yet mined or not yet deep enough.
var ErrPending = errors.New("transaction pending confirmation")

// ChainSnapshot represents summarized network metadata.
type ChainSnapshot struct {
	ChainID     uint64
	BlockNumber uint64
	Notes       string
}

// Client is the per-chain capability the settlement confirmer needs.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Confirm(ctx context.Context, txHash string) (payment.Settlement, error)
	Close()
}
