package mandate

import (
	"fmt"
	"time"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/money"
)

// Status 表示会话在生命周期中的状态。
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage 标识审计记录所处的阶段。
type Stage string

const (
	StageIntent  Stage = "intent"
	StageCart    Stage = "cart"
	StagePayment Stage = "payment"
	StageReceipt Stage = "receipt"
)

// 失败原因。
const (
	ReasonPaymentSigningFailed = "payment_signing_failed"
	ReasonRemoteCallFailed     = "remote_call_failed"
	ReasonAbandonedTimeout     = "abandoned_timeout"
)

// Intent 记录采购意图与预算上限。
type Intent struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Seeker    string       `json:"seeker"`
	Goal      string       `json:"goal"`
	TierID    string       `json:"tier_id"`
	Budget    money.Amount `json:"budget"`
	CreatedAt time.Time    `json:"created_at"`
}

// Cart 记录对某个档位当前价格的锁定，过期后需要重新创建。
type Cart struct {
	ID             string       `json:"id"`
	SessionID      string       `json:"session_id"`
	IntentID       string       `json:"intent_id"`
	TierID         string       `json:"tier_id"`
	Price          money.Amount `json:"price"`
	Currency       string       `json:"currency"`
	Chain          string       `json:"chain"`
	PayTo          string       `json:"pay_to"`
	Endpoint       string       `json:"endpoint"`
	CatalogVersion string       `json:"catalog_version"`
	ExpiresAt      time.Time    `json:"expires_at"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Payment 记录已签发的付款凭证。
type Payment struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	CartID    string       `json:"cart_id"`
	Amount    money.Amount `json:"amount"`
	Nonce     string       `json:"nonce"`
	Payer     string       `json:"payer"`
	Header    string       `json:"header"`
	CreatedAt time.Time    `json:"created_at"`
}

// Receipt 记录远端调用的结果。
type Receipt struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	PaymentID string    `json:"payment_id"`
	Success   bool      `json:"success"`
	Payload   string    `json:"payload,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Record 是追加到审计存储的单条不可变记录，恰好设置一个阶段字段。
type Record struct {
	Stage   Stage    `json:"stage"`
	Intent  *Intent  `json:"intent,omitempty"`
	Cart    *Cart    `json:"cart,omitempty"`
	Payment *Payment `json:"payment,omitempty"`
	Receipt *Receipt `json:"receipt,omitempty"`
}

// SessionID 返回记录所属的会话。
func (r Record) SessionID() string {
	switch r.Stage {
	case StageIntent:
		if r.Intent != nil {
			return r.Intent.SessionID
		}
	case StageCart:
		if r.Cart != nil {
			return r.Cart.SessionID
		}
	case StagePayment:
		if r.Payment != nil {
			return r.Payment.SessionID
		}
	case StageReceipt:
		if r.Receipt != nil {
			return r.Receipt.SessionID
		}
	}
	return ""
}

// ID 返回记录自身的 ID。
func (r Record) ID() string {
	switch {
	case r.Intent != nil:
		return r.Intent.ID
	case r.Cart != nil:
		return r.Cart.ID
	case r.Payment != nil:
		return r.Payment.ID
	case r.Receipt != nil:
		return r.Receipt.ID
	}
	return ""
}

// CreatedAt 返回记录创建时间。
func (r Record) CreatedAt() time.Time {
	switch {
	case r.Intent != nil:
		return r.Intent.CreatedAt
	case r.Cart != nil:
		return r.Cart.CreatedAt
	case r.Payment != nil:
		return r.Payment.CreatedAt
	case r.Receipt != nil:
		return r.Receipt.CreatedAt
	}
	return time.Time{}
}

// Chain 汇总一个会话的审计记录。各阶段字段指向该阶段的最新记录。
type Chain struct {
	SessionID     string       `json:"session_id"`
	Intent        *Intent      `json:"intent,omitempty"`
	Cart          *Cart        `json:"cart,omitempty"`
	Payment       *Payment     `json:"payment,omitempty"`
	Receipt       *Receipt     `json:"receipt,omitempty"`
	Records       []Record     `json:"records"`
	Status        Status       `json:"status"`
	TotalSpent    money.Amount `json:"total_spent"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// NewChain 以意图记录开启会话。
func NewChain(intent Intent) (*Chain, error) {
	if intent.SessionID == "" || intent.ID == "" {
		return nil, xerrors.New(CodeStageOrder, "意图缺少会话或记录 ID")
	}
	c := &Chain{
		SessionID: intent.SessionID,
		Status:    StatusInProgress,
		CreatedAt: intent.CreatedAt,
		UpdatedAt: intent.CreatedAt,
	}
	in := intent
	c.Intent = &in
	c.Records = []Record{{Stage: StageIntent, Intent: &in}}
	return c, nil
}

// Apply 校验阶段顺序与关联关系后追加记录。
func (c *Chain) Apply(rec Record) error {
	if c.Status.Terminal() {
		return xerrors.New(CodeChainTerminal, fmt.Sprintf("会话 %s 已是 %s", c.SessionID, c.Status))
	}
	if sid := rec.SessionID(); sid != c.SessionID {
		return xerrors.New(CodeStageOrder, fmt.Sprintf("记录属于会话 %q 而非 %q", sid, c.SessionID))
	}
	if rec.ID() == "" {
		return xerrors.New(CodeStageOrder, "记录缺少 ID")
	}

	switch rec.Stage {
	case StageCart:
		if c.Intent == nil || rec.Cart.IntentID != c.Intent.ID {
			return xerrors.New(CodeStageOrder, "购物车必须关联当前会话的意图")
		}
		if c.Payment != nil {
			return xerrors.New(CodeStageOrder, "付款后不能再创建购物车")
		}
		cart := *rec.Cart
		c.Cart = &cart
		rec.Cart = &cart
	case StagePayment:
		if c.Cart == nil || rec.Payment.CartID != c.Cart.ID {
			return xerrors.New(CodeStageOrder, "付款必须关联最新的购物车")
		}
		if c.Payment != nil {
			return xerrors.New(CodeStageOrder, "会话已存在付款记录")
		}
		p := *rec.Payment
		c.Payment = &p
		rec.Payment = &p
	case StageReceipt:
		if c.Payment == nil || rec.Receipt.PaymentID != c.Payment.ID {
			return xerrors.New(CodeStageOrder, "回执必须关联付款记录")
		}
		if c.Receipt != nil {
			return xerrors.New(CodeStageOrder, "会话已存在回执")
		}
		r := *rec.Receipt
		c.Receipt = &r
		rec.Receipt = &r
	default:
		return xerrors.New(CodeStageOrder, fmt.Sprintf("无法追加阶段 %q", rec.Stage))
	}

	c.Records = append(c.Records, rec)
	if at := rec.CreatedAt(); at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	return nil
}

// Finish 将会话从进行中切换为终态。完成态必须带有成功回执。
func (c *Chain) Finish(status Status, spent money.Amount, reason string, at time.Time) error {
	if !status.Terminal() {
		return xerrors.New(CodeStageOrder, fmt.Sprintf("非法的终态 %q", status))
	}
	if c.Status.Terminal() {
		return xerrors.New(CodeChainTerminal, fmt.Sprintf("会话 %s 已是 %s", c.SessionID, c.Status))
	}
	if status == StatusCompleted && (c.Receipt == nil || !c.Receipt.Success) {
		return xerrors.New(CodeStageOrder, "没有成功回执的会话不能完成")
	}
	if spent < c.TotalSpent {
		return xerrors.New(CodeStageOrder, "累计花费不能减少")
	}
	c.Status = status
	c.TotalSpent = spent
	c.FailureReason = reason
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
	return nil
}

// Clone 返回深拷贝。
func (c *Chain) Clone() *Chain {
	if c == nil {
		return nil
	}
	out := *c
	out.Records = make([]Record, len(c.Records))
	copy(out.Records, c.Records)
	return &out
}

// ChainState 是会话中可变部分的持久化形式。
type ChainState struct {
	SessionID     string       `json:"session_id"`
	Status        Status       `json:"status"`
	TotalSpent    money.Amount `json:"total_spent"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// State 返回会话的可变状态。
func (c *Chain) State() ChainState {
	return ChainState{
		SessionID:     c.SessionID,
		Status:        c.Status,
		TotalSpent:    c.TotalSpent,
		FailureReason: c.FailureReason,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

// Replay 按写入顺序重放审计记录并恢复可变状态，供持久化存储重建会话视图。
func Replay(state ChainState, records []Record) (*Chain, error) {
	if len(records) == 0 || records[0].Stage != StageIntent || records[0].Intent == nil {
		return nil, xerrors.New(CodeStageOrder, "会话 "+state.SessionID+" 缺少意图记录")
	}
	chain, err := NewChain(*records[0].Intent)
	if err != nil {
		return nil, err
	}
	for _, rec := range records[1:] {
		if err := chain.Apply(rec); err != nil {
			return nil, err
		}
	}
	chain.Status = state.Status
	chain.TotalSpent = state.TotalSpent
	chain.FailureReason = state.FailureReason
	if !state.UpdatedAt.IsZero() {
		chain.UpdatedAt = state.UpdatedAt
	}
	return chain, nil
}
