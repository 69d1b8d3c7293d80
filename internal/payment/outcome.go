package payment

import (
	"IntelMarket-Chain/internal/pricing"
)

// Reason 是拒绝原因的封闭枚举。
type Reason string

const (
	ReasonMissingProof     Reason = "missing_proof"
	ReasonMalformedProof   Reason = "malformed_proof"
	ReasonPriceMismatch    Reason = "price_mismatch"
	ReasonReplayDetected   Reason = "replay_detected"
	ReasonChainUnconfirmed Reason = "chain_unconfirmed"
	ReasonExpired          Reason = "expired"
)

// Verdict 是单个策略的判定结果。
type Verdict int

const (
	Inconclusive Verdict = iota
	Accept
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	default:
		return "inconclusive"
	}
}

// Outcome 是策略的输出。
type Outcome struct {
	Verdict Verdict
	Reason  Reason
	Err     error
}

func accepted() Outcome { return Outcome{Verdict: Accept} }

func inconclusive() Outcome { return Outcome{Verdict: Inconclusive} }

func rejected(reason Reason, err error) Outcome {
	return Outcome{Verdict: Reject, Reason: reason, Err: err}
}

// Result 是一次完整校验的结构化结果，非法输入同样以 Result 返回而不会报错。
type Result struct {
	Valid        bool
	Reason       Reason
	Strategy     string
	Proof        *Proof
	Requirements pricing.Requirements
	Err          error
}

// Challenge 是 402 响应体：拒绝原因加上重新付款所需的报价。
type Challenge struct {
	Reason       Reason               `json:"reason"`
	Message      string               `json:"message,omitempty"`
	Requirements pricing.Requirements `json:"requirements"`
}
