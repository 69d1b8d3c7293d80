package payment

import (
	"context"
)

// SettlementStatus 描述链上交易的确认状态。
type SettlementStatus string

const (
	SettlementConfirmed SettlementStatus = "confirmed"
	SettlementPending   SettlementStatus = "pending"
	SettlementFailed    SettlementStatus = "failed"
)

// Settlement 是链上确认的结果。
type Settlement struct {
	Chain         string
	TxHash        string
	Status        SettlementStatus
	BlockNumber   uint64
	Confirmations uint64
}

// SettlementConfirmer 查询交易在链上的确认情况。
type SettlementConfirmer interface {
	Confirm(ctx context.Context, chain, txHash string) (Settlement, error)
}
