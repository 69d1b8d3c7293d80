package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/money"
	"IntelMarket-Chain/pkg/logger"
)

// RefusalReason 是签名器拒绝出具凭证的原因。
type RefusalReason string

const (
	RefusalNoSigningKey        RefusalReason = "no_signing_key"
	RefusalBudgetExceeded      RefusalReason = "budget_exceeded"
	RefusalUnsupportedChain    RefusalReason = "unsupported_chain"
	RefusalInvalidRequirements RefusalReason = "invalid_requirements"
)

// Refusal 描述签名器拒绝的原因，同时携带统一错误码。
type Refusal struct {
	Reason RefusalReason
	cause  *xerrors.Error
}

func (r *Refusal) Error() string {
	return fmt.Sprintf("payment signing refused (%s): %v", r.Reason, r.cause)
}

func (r *Refusal) Unwrap() error { return r.cause }

func refuse(reason RefusalReason, code xerrors.Code, cause error, message string) *Refusal {
	return &Refusal{Reason: reason, cause: xerrors.Wrap(code, cause, message)}
}

// BudgetState 是会话的预算上限与已花费金额。
type BudgetState struct {
	Ceiling money.Amount
	Spent   money.Amount
}

// Remaining 返回剩余预算。
func (b BudgetState) Remaining() money.Amount {
	if b.Spent >= b.Ceiling {
		return 0
	}
	return b.Ceiling - b.Spent
}

// Signer 在预算约束下构造并签名出站凭证。
type Signer struct {
	keys     KeyStore
	chains   map[string]struct{}
	lifetime time.Duration
	now      func() time.Time
	nonce    func() string
}

// SignerOption 定义可选配置。
type SignerOption func(*Signer)

// WithProofLifetime 设置凭证有效期，不应超过对端的重放窗口。
func WithProofLifetime(lifetime time.Duration) SignerOption {
	return func(s *Signer) {
		if lifetime > 0 {
			s.lifetime = lifetime
		}
	}
}

// WithSignerClock 替换时间来源。
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// WithNonceSource 替换 nonce 生成方式。
func WithNonceSource(nonce func() string) SignerOption {
	return func(s *Signer) {
		if nonce != nil {
			s.nonce = nonce
		}
	}
}

// NewSigner 构造签名器。keys 为空时所有请求都会以 no_signing_key 拒绝。
func NewSigner(keys KeyStore, chains []string, opts ...SignerOption) *Signer {
	s := &Signer{
		keys:     keys,
		chains:   make(map[string]struct{}, len(chains)),
		lifetime: 5 * time.Minute,
		now:      time.Now,
		nonce:    uuid.NewString,
	}
	for _, chain := range chains {
		if chain = strings.TrimSpace(chain); chain != "" {
			s.chains[chain] = struct{}{}
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Address 返回签名地址；未配置私钥时返回零地址。
func (s *Signer) Address() common.Address {
	if s.keys == nil {
		return common.Address{}
	}
	return s.keys.Address()
}

// BuildProof 构造与报价完全一致的签名凭证。拒绝时返回 *Refusal。
func (s *Signer) BuildProof(ctx context.Context, req Requirements, budget BudgetState) (*Proof, error) {
	if s.keys == nil {
		return nil, refuse(RefusalNoSigningKey, CodeSigningKeyMissing, nil, "未配置签名私钥")
	}
	if err := validateRequirements(req); err != nil {
		return nil, refuse(RefusalInvalidRequirements, CodeRequirementsInvalid, err, "报价不完整")
	}
	if _, ok := s.chains[req.Chain]; !ok {
		return nil, refuse(RefusalUnsupportedChain, CodeChainUnsupported, nil, fmt.Sprintf("不支持的链 %s", req.Chain))
	}
	amount := money.Amount(req.Amount)
	if budget.Spent < 0 || amount > budget.Remaining() {
		return nil, refuse(RefusalBudgetExceeded, CodeBudgetExceeded, nil,
			fmt.Sprintf("已花费 %d + 本次 %d 超过预算上限 %d", budget.Spent, amount, budget.Ceiling))
	}

	now := s.now()
	proof := &Proof{
		Version:   ProofVersion,
		Tier:      req.Tier,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Chain:     req.Chain,
		PayTo:     common.HexToAddress(req.PayTo).Hex(),
		Payer:     s.keys.Address().Hex(),
		Nonce:     s.nonce(),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(s.lifetime).Unix(),
	}
	sig, err := s.keys.Sign(ctx, []byte(proof.SigningMessage()))
	if err != nil {
		return nil, refuse(RefusalNoSigningKey, CodeSigningKeyMissing, err, "签名失败")
	}
	proof.Signature = hexutil.Encode(sig)

	logger.Audit().Info("已签发付款凭证",
		slog.String("tier", proof.Tier),
		slog.Int64("amount", proof.Amount),
		slog.String("chain", proof.Chain),
		slog.String("payer", proof.Payer),
		slog.String("nonce", proof.Nonce),
	)
	return proof, nil
}

func validateRequirements(req Requirements) error {
	switch {
	case strings.TrimSpace(req.Tier) == "":
		return fmt.Errorf("缺少档位")
	case req.Amount <= 0:
		return fmt.Errorf("金额必须大于 0")
	case strings.TrimSpace(req.Currency) == "":
		return fmt.Errorf("缺少币种")
	case strings.TrimSpace(req.Chain) == "":
		return fmt.Errorf("缺少链")
	case !common.IsHexAddress(req.PayTo):
		return fmt.Errorf("收款地址非法")
	}
	return nil
}
