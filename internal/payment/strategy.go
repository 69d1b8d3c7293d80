package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Attempt 保存一次校验过程中的共享状态。
type Attempt struct {
	Header       string
	Requirements Requirements
	Proof        *Proof
	Now          time.Time

	reserved bool
}

// Strategy 是校验级联中的一个命名步骤。
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, attempt *Attempt) Outcome
}

type signatureStrategy struct {
	skew   time.Duration
	window time.Duration
}

func (signatureStrategy) Name() string { return "signature" }

func (s signatureStrategy) Evaluate(_ context.Context, attempt *Attempt) Outcome {
	if strings.TrimSpace(attempt.Header) == "" {
		return rejected(ReasonMissingProof, nil)
	}
	proof, err := DecodeHeader(attempt.Header)
	if err != nil {
		return rejected(ReasonMalformedProof, err)
	}
	if err := proof.checkStructure(); err != nil {
		return rejected(ReasonMalformedProof, err)
	}
	if err := proof.VerifySignature(); err != nil {
		return rejected(ReasonMalformedProof, err)
	}
	attempt.Proof = proof

	if attempt.Now.Before(proof.IssuedTime().Add(-s.skew)) {
		return rejected(ReasonExpired, fmt.Errorf("凭证签发时间晚于当前时间"))
	}
	if !attempt.Now.Before(proof.ExpiryTime()) {
		return rejected(ReasonExpired, fmt.Errorf("凭证已于 %s 失效", proof.ExpiryTime().UTC().Format(time.RFC3339)))
	}
	// 有效期不能超过重放窗口，否则 nonce 过期后凭证仍可再次使用。
	if proof.ExpiryTime().Sub(proof.IssuedTime()) > s.window {
		return rejected(ReasonExpired, fmt.Errorf("凭证有效期超过重放窗口 %s", s.window))
	}
	return inconclusive()
}

type tierMatchStrategy struct{}

func (tierMatchStrategy) Name() string { return "tier_match" }

func (tierMatchStrategy) Evaluate(_ context.Context, attempt *Attempt) Outcome {
	proof, req := attempt.Proof, attempt.Requirements
	switch {
	case proof.Tier != req.Tier:
		return rejected(ReasonPriceMismatch, fmt.Errorf("档位不一致: %s != %s", proof.Tier, req.Tier))
	case proof.Amount != req.Amount:
		return rejected(ReasonPriceMismatch, fmt.Errorf("金额不一致: %d != %d", proof.Amount, req.Amount))
	case !strings.EqualFold(proof.Currency, req.Currency):
		return rejected(ReasonPriceMismatch, fmt.Errorf("币种不一致: %s != %s", proof.Currency, req.Currency))
	case proof.Chain != req.Chain:
		return rejected(ReasonPriceMismatch, fmt.Errorf("链不一致: %s != %s", proof.Chain, req.Chain))
	case common.HexToAddress(proof.PayTo) != common.HexToAddress(req.PayTo):
		return rejected(ReasonPriceMismatch, fmt.Errorf("收款地址不一致"))
	}
	return inconclusive()
}

type replayStrategy struct {
	window ReplayWindow
	ttl    time.Duration
	skew   time.Duration
}

func (replayStrategy) Name() string { return "replay" }

// reservation 覆盖凭证剩余的全部有效期再加时钟偏差，nonce 记录不能早于凭证失效。
func (s replayStrategy) reservation(attempt *Attempt) time.Duration {
	ttl := attempt.Proof.ExpiryTime().Sub(attempt.Now) + s.skew
	if ttl < s.ttl {
		ttl = s.ttl
	}
	return ttl
}

func (s replayStrategy) Evaluate(ctx context.Context, attempt *Attempt) Outcome {
	fresh, err := s.window.Reserve(ctx, attempt.Proof.ReplayKey(), s.reservation(attempt))
	if err != nil {
		return rejected(ReasonReplayDetected, fmt.Errorf("重放窗口不可用: %w", err))
	}
	if !fresh {
		return rejected(ReasonReplayDetected, nil)
	}
	attempt.reserved = true
	return inconclusive()
}

type settlementStrategy struct {
	confirmer SettlementConfirmer
	timeout   time.Duration
}

func (settlementStrategy) Name() string { return "settlement" }

func (s settlementStrategy) Evaluate(ctx context.Context, attempt *Attempt) Outcome {
	if !attempt.Requirements.RequiresSettlement {
		return accepted()
	}
	if attempt.Proof.TxHash == "" || s.confirmer == nil {
		return inconclusive()
	}
	confirmCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	settlement, err := s.confirmer.Confirm(confirmCtx, attempt.Proof.Chain, attempt.Proof.TxHash)
	if err != nil {
		return rejected(ReasonChainUnconfirmed, err)
	}
	if settlement.Status != SettlementConfirmed {
		return rejected(ReasonChainUnconfirmed, fmt.Errorf("交易 %s 状态为 %s", attempt.Proof.TxHash, settlement.Status))
	}
	return accepted()
}

type honorStrategy struct{}

func (honorStrategy) Name() string { return "honor" }

func (honorStrategy) Evaluate(context.Context, *Attempt) Outcome { return accepted() }
