package payment

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// HeaderName 是携带付款凭证的 HTTP 头。
const HeaderName = "X-PAYMENT"

// ProofVersion 是当前凭证格式版本。
const ProofVersion = 1

// Proof 是调用方为某个档位出具的签名付款凭证。
type Proof struct {
	Version   int    `json:"version"`
	Tier      string `json:"tier"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Chain     string `json:"chain"`
	PayTo     string `json:"pay_to"`
	Payer     string `json:"payer"`
	Nonce     string `json:"nonce"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
	TxHash    string `json:"tx_hash,omitempty"`
	Signature string `json:"signature"`
}

// SigningMessage 返回签名覆盖的确定性文本。
func (p *Proof) SigningMessage() string {
	var b strings.Builder
	fmt.Fprintf(&b, "intelmarket-payment:v%d\n", p.Version)
	fmt.Fprintf(&b, "tier:%s\n", p.Tier)
	fmt.Fprintf(&b, "amount:%d\n", p.Amount)
	fmt.Fprintf(&b, "currency:%s\n", p.Currency)
	fmt.Fprintf(&b, "chain:%s\n", p.Chain)
	fmt.Fprintf(&b, "pay_to:%s\n", strings.ToLower(p.PayTo))
	fmt.Fprintf(&b, "payer:%s\n", strings.ToLower(p.Payer))
	fmt.Fprintf(&b, "nonce:%s\n", p.Nonce)
	fmt.Fprintf(&b, "issued_at:%d\n", p.IssuedAt)
	fmt.Fprintf(&b, "expires_at:%d\n", p.ExpiresAt)
	fmt.Fprintf(&b, "tx_hash:%s", strings.ToLower(p.TxHash))
	return b.String()
}

// ReplayKey 是凭证在重放窗口中的唯一键。
func (p *Proof) ReplayKey() string {
	return strings.ToLower(p.Payer) + "|" + p.Nonce
}

// IssuedTime 返回签发时间。
func (p *Proof) IssuedTime() time.Time { return time.Unix(p.IssuedAt, 0) }

// ExpiryTime 返回失效时间。
func (p *Proof) ExpiryTime() time.Time { return time.Unix(p.ExpiresAt, 0) }

// Encode 将凭证编码为 X-PAYMENT 头的值。
func (p *Proof) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeHeader 解析 X-PAYMENT 头；未知字段视为格式错误。
func DecodeHeader(header string) (*Proof, error) {
	header = strings.TrimSpace(header)
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		raw, err = base64.RawURLEncoding.DecodeString(header)
		if err != nil {
			return nil, fmt.Errorf("凭证不是合法的 base64: %w", err)
		}
	}
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	var proof Proof
	if err := decoder.Decode(&proof); err != nil {
		return nil, fmt.Errorf("凭证 JSON 解析失败: %w", err)
	}
	return &proof, nil
}

// checkStructure 校验凭证的必填字段。
func (p *Proof) checkStructure() error {
	switch {
	case p.Version != ProofVersion:
		return fmt.Errorf("不支持的凭证版本 %d", p.Version)
	case p.Tier == "":
		return fmt.Errorf("凭证缺少 tier")
	case p.Amount <= 0:
		return fmt.Errorf("凭证金额必须大于 0")
	case p.Currency == "" || p.Chain == "":
		return fmt.Errorf("凭证缺少币种或链")
	case !common.IsHexAddress(p.PayTo):
		return fmt.Errorf("pay_to 不是合法地址")
	case !common.IsHexAddress(p.Payer):
		return fmt.Errorf("payer 不是合法地址")
	case strings.TrimSpace(p.Nonce) == "":
		return fmt.Errorf("凭证缺少 nonce")
	case p.ExpiresAt <= p.IssuedAt:
		return fmt.Errorf("凭证有效期非法")
	case p.TxHash != "" && !isHexHash(p.TxHash):
		return fmt.Errorf("tx_hash 格式非法")
	case p.Signature == "":
		return fmt.Errorf("凭证未签名")
	}
	return nil
}

func isHexHash(value string) bool {
	raw, err := hexutil.Decode(value)
	return err == nil && len(raw) == common.HashLength
}

// RecoverSigner 从签名中恢复签名者地址。
func (p *Proof) RecoverSigner() (common.Address, error) {
	sig, err := hexutil.Decode(p.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("签名不是合法的十六进制: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("签名长度非法: %d", len(sig))
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(p.SigningMessage())), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("恢复签名公钥失败: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySignature 判断签名是否由声明的付款方出具。
func (p *Proof) VerifySignature() error {
	signer, err := p.RecoverSigner()
	if err != nil {
		return err
	}
	if signer != common.HexToAddress(p.Payer) {
		return fmt.Errorf("签名者 %s 与付款方 %s 不一致", signer.Hex(), p.Payer)
	}
	return nil
}
