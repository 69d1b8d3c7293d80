package mandate

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/money"
	"IntelMarket-Chain/internal/payment"
	"IntelMarket-Chain/internal/pricing"
	"IntelMarket-Chain/pkg/logger"
)

// ProofSigner 构造出站付款凭证。
type ProofSigner interface {
	BuildProof(ctx context.Context, req payment.Requirements, budget payment.BudgetState) (*payment.Proof, error)
}

// Remote 调用对端受付款保护的接口。实现返回的错误若带有 Temporary() bool
// 且为 true，则视为暂时性失败。
type Remote interface {
	Fetch(ctx context.Context, endpoint, header string) ([]byte, error)
}

// PurchaseRequest 描述一次出站采购。
type PurchaseRequest struct {
	Seeker string       `json:"seeker"`
	Goal   string       `json:"goal"`
	TierID string       `json:"tier_id"`
	Budget money.Amount `json:"budget"`
}

// Executor 按 intent → cart → payment → receipt 的顺序推进会话。
type Executor struct {
	store       Store
	prices      pricing.Source
	signer      ProofSigner
	remote      Remote
	cartTTL     time.Duration
	callTimeout time.Duration
	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
	newID       func() string
	logger      *slog.Logger

	// inflight 记录本进程内正在推进的会话，同一会话同时只有一个 Resume。
	inflight sync.Map
}

// Option 定义可选配置。
type Option func(*Executor)

// WithCartTTL 设置购物车有效期。
func WithCartTTL(ttl time.Duration) Option {
	return func(e *Executor) {
		if ttl > 0 {
			e.cartTTL = ttl
		}
	}
}

// WithCallTimeout 设置远端调用（含重试）的总超时。
func WithCallTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.callTimeout = timeout
		}
	}
}

// WithMaxAttempts 设置暂时性失败时的最大尝试次数。
func WithMaxAttempts(attempts int) Option {
	return func(e *Executor) {
		if attempts > 0 {
			e.maxAttempts = attempts
		}
	}
}

// WithBackoff 设置首次重试前的等待时间，之后按倍数增长。
func WithBackoff(base time.Duration) Option {
	return func(e *Executor) {
		if base >= 0 {
			e.backoff = base
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor 构造执行器。
func NewExecutor(store Store, prices pricing.Source, signer ProofSigner, remote Remote, opts ...Option) *Executor {
	e := &Executor{
		store:       store,
		prices:      prices,
		signer:      signer,
		remote:      remote,
		cartTTL:     2 * time.Minute,
		callTimeout: 30 * time.Second,
		maxAttempts: 3,
		backoff:     500 * time.Millisecond,
		now:         time.Now,
		newID:       uuid.NewString,
		logger:      logger.Named("mandate"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Get 返回会话当前视图。
func (e *Executor) Get(ctx context.Context, sessionID string) (*Chain, error) {
	return e.store.Get(ctx, sessionID)
}

// CreateIntent 开启新会话。
func (e *Executor) CreateIntent(ctx context.Context, req PurchaseRequest) (*Intent, error) {
	req.Seeker = strings.TrimSpace(req.Seeker)
	req.TierID = strings.TrimSpace(req.TierID)
	switch {
	case req.Seeker == "":
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "seeker 不能为空")
	case req.TierID == "":
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "tier_id 不能为空")
	case !req.Budget.IsPositive():
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "预算必须大于 0")
	}
	intent := Intent{
		ID:        e.newID(),
		SessionID: e.newID(),
		Seeker:    req.Seeker,
		Goal:      strings.TrimSpace(req.Goal),
		TierID:    req.TierID,
		Budget:    req.Budget,
		CreatedAt: e.now(),
	}
	if err := e.store.Create(ctx, intent); err != nil {
		return nil, e.storageError(err, "写入意图失败")
	}
	e.audit(Record{Stage: StageIntent, Intent: &intent},
		slog.String("seeker", intent.Seeker),
		slog.String("tier", intent.TierID),
		slog.Int64("budget", int64(intent.Budget)),
	)
	return &intent, nil
}

// CreateCart 以档位当前价格锁定购物车。price 必须与价目表当前价格一致。
func (e *Executor) CreateCart(ctx context.Context, sessionID string, price money.Amount) (*Cart, error) {
	chain, err := e.activeChain(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	quote, err := e.prices.Quote(ctx, chain.Intent.TierID)
	if err != nil {
		return nil, classifyRemote(err)
	}
	if money.Amount(quote.Amount) != price {
		return nil, xerrors.New(CodePriceMismatch,
			fmt.Sprintf("档位 %s 当前价格为 %d，购物车价格为 %d", quote.Tier, quote.Amount, price))
	}
	if remaining := chain.Intent.Budget - chain.TotalSpent; price > remaining {
		return nil, xerrors.New(payment.CodeBudgetExceeded,
			fmt.Sprintf("价格 %d 超过剩余预算 %d", price, remaining))
	}

	now := e.now()
	cart := Cart{
		ID:             e.newID(),
		SessionID:      sessionID,
		IntentID:       chain.Intent.ID,
		TierID:         quote.Tier,
		Price:          price,
		Currency:       quote.Currency,
		Chain:          quote.Chain,
		PayTo:          quote.PayTo,
		Endpoint:       quote.Endpoint,
		CatalogVersion: quote.CatalogVersion,
		ExpiresAt:      now.Add(e.cartTTL),
		CreatedAt:      now,
	}
	if err := e.store.Append(ctx, Record{Stage: StageCart, Cart: &cart}); err != nil {
		return nil, e.storageError(err, "写入购物车失败")
	}
	e.audit(Record{Stage: StageCart, Cart: &cart},
		slog.Int64("price", int64(cart.Price)),
		slog.String("catalog_version", cart.CatalogVersion),
		slog.Time("expires_at", cart.ExpiresAt),
	)
	return &cart, nil
}

// CreatePayment 为最新购物车签发凭证。购物车过期时返回 CART_EXPIRED 且会话保持进行中；
// 签名器拒绝时会话转为失败。
func (e *Executor) CreatePayment(ctx context.Context, sessionID string) (*Payment, error) {
	chain, err := e.activeChain(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cart := chain.Cart
	if cart == nil {
		return nil, xerrors.New(CodeStageOrder, "尚未创建购物车")
	}
	if !e.now().Before(cart.ExpiresAt) {
		return nil, xerrors.New(CodeCartExpired, fmt.Sprintf("购物车 %s 已于 %s 过期", cart.ID, cart.ExpiresAt.Format(time.RFC3339)))
	}

	req := payment.Requirements{
		Tier:           cart.TierID,
		Amount:         int64(cart.Price),
		Currency:       cart.Currency,
		Chain:          cart.Chain,
		PayTo:          cart.PayTo,
		Endpoint:       cart.Endpoint,
		CatalogVersion: cart.CatalogVersion,
	}
	budget := payment.BudgetState{Ceiling: chain.Intent.Budget, Spent: chain.TotalSpent}
	proof, err := e.signer.BuildProof(ctx, req, budget)
	if err == nil && proof == nil {
		err = xerrors.New(payment.CodeSigningKeyMissing, "签名器未返回凭证")
	}
	if err != nil {
		if finishErr := e.store.Finish(ctx, sessionID, StatusFailed, chain.TotalSpent, ReasonPaymentSigningFailed); finishErr != nil {
			e.logger.Error("回写签名失败状态出错", slog.Any("error", finishErr), slog.String("session_id", sessionID))
		}
		logger.Audit().Warn("mandate chain failed",
			slog.String("session_id", sessionID),
			slog.String("reason", ReasonPaymentSigningFailed),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	header, err := proof.Encode()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "编码付款凭证失败")
	}

	p := Payment{
		ID:        e.newID(),
		SessionID: sessionID,
		CartID:    cart.ID,
		Amount:    cart.Price,
		Nonce:     proof.Nonce,
		Payer:     proof.Payer,
		Header:    header,
		CreatedAt: e.now(),
	}
	if err := e.store.Append(ctx, Record{Stage: StagePayment, Payment: &p}); err != nil {
		return nil, e.storageError(err, "写入付款记录失败")
	}
	e.audit(Record{Stage: StagePayment, Payment: &p},
		slog.Int64("amount", int64(p.Amount)),
		slog.String("nonce", p.Nonce),
		slog.String("payer", p.Payer),
	)
	return &p, nil
}

// Call 携带付款凭证调用对端接口。暂时性失败按指数退避重试，总耗时受 callTimeout 限制。
func (e *Executor) Call(ctx context.Context, sessionID string) ([]byte, error) {
	chain, err := e.activeChain(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if chain.Payment == nil || chain.Cart == nil {
		return nil, xerrors.New(CodeStageOrder, "尚未创建付款记录")
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	delay := e.backoff
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		payload, err := e.remote.Fetch(callCtx, chain.Cart.Endpoint, chain.Payment.Header)
		if err == nil {
			return payload, nil
		}
		lastErr = classifyRemote(err)
		if !xerrors.RetryableError(lastErr) || attempt == e.maxAttempts {
			break
		}
		e.logger.Warn("远端调用失败，准备重试",
			slog.String("session_id", sessionID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		select {
		case <-callCtx.Done():
			return nil, xerrors.Wrap(CodeRemoteCallFailed, callCtx.Err(), "远端调用超时")
		case <-time.After(delay):
		}
		delay *= 2
	}
	return nil, lastErr
}

// CreateReceipt 记录远端调用结果并把会话推进到终态。
func (e *Executor) CreateReceipt(ctx context.Context, sessionID string, payload []byte, callErr error) (*Receipt, error) {
	chain, err := e.activeChain(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if chain.Payment == nil {
		return nil, xerrors.New(CodeStageOrder, "尚未创建付款记录")
	}
	receipt := Receipt{
		ID:        e.newID(),
		SessionID: sessionID,
		PaymentID: chain.Payment.ID,
		Success:   callErr == nil,
		CreatedAt: e.now(),
	}
	if callErr == nil {
		receipt.Payload = string(payload)
	} else {
		receipt.ErrorCode = string(xerrors.CodeOf(callErr))
		receipt.Error = callErr.Error()
	}
	if err := e.store.Append(ctx, Record{Stage: StageReceipt, Receipt: &receipt}); err != nil {
		return nil, e.storageError(err, "写入回执失败")
	}
	e.audit(Record{Stage: StageReceipt, Receipt: &receipt},
		slog.Bool("success", receipt.Success),
		slog.String("error_code", receipt.ErrorCode),
	)

	status, spent, reason := StatusCompleted, chain.TotalSpent+chain.Payment.Amount, ""
	if callErr != nil {
		status, spent, reason = StatusFailed, chain.TotalSpent, ReasonRemoteCallFailed
	}
	if err := e.store.Finish(ctx, sessionID, status, spent, reason); err != nil {
		return &receipt, e.storageError(err, "回写会话终态失败")
	}
	logger.Audit().Info("mandate chain finished",
		slog.String("session_id", sessionID),
		slog.String("status", string(status)),
		slog.Int64("total_spent", int64(spent)),
		slog.String("reason", reason),
	)
	return &receipt, nil
}

// Run 创建意图并推进到终态。
func (e *Executor) Run(ctx context.Context, req PurchaseRequest) (*Chain, error) {
	intent, err := e.CreateIntent(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.Resume(ctx, intent.SessionID)
}

// Resume 从最新记录处继续推进会话。除调用方取消外，任何失败都会让会话进入终态。
func (e *Executor) Resume(ctx context.Context, sessionID string) (*Chain, error) {
	chain, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if chain.Status.Terminal() {
		return chain, nil
	}
	if _, busy := e.inflight.LoadOrStore(sessionID, struct{}{}); busy {
		e.logger.Info("会话正在推进中，忽略重复投递", slog.String("session_id", sessionID))
		return chain, nil
	}
	defer e.inflight.Delete(sessionID)

	runErr := e.advance(ctx, chain)
	if runErr != nil && ctx.Err() != nil {
		// 会话保持进行中，由清理任务处理。
		return chain, runErr
	}
	if lostRace(runErr) {
		// 另一个进程已写入后续阶段或终态，会话归它推进，这里不能改写状态。
		e.logger.Warn("会话已被并发推进，放弃本次推进",
			slog.String("session_id", sessionID),
			slog.String("code", string(xerrors.CodeOf(runErr))),
		)
		latest, err := e.store.Get(ctx, sessionID)
		if err != nil {
			return chain, err
		}
		return latest, nil
	}
	if runErr != nil {
		e.fail(ctx, sessionID, runErr)
	}
	latest, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return chain, stdErrors.Join(runErr, err)
	}
	return latest, runErr
}

// Abort 将进行中的会话标记为失败，用于会话无法被调度推进的情况。
func (e *Executor) Abort(ctx context.Context, sessionID string, cause error) {
	e.fail(ctx, sessionID, cause)
}

func (e *Executor) advance(ctx context.Context, chain *Chain) error {
	sessionID := chain.SessionID
	if chain.Payment == nil {
		if chain.Cart == nil || !e.now().Before(chain.Cart.ExpiresAt) {
			if err := e.lockCart(ctx, sessionID, chain.Intent.TierID); err != nil {
				return err
			}
		}
		_, err := e.CreatePayment(ctx, sessionID)
		if xerrors.CodeOf(err) == CodeCartExpired {
			if err := e.lockCart(ctx, sessionID, chain.Intent.TierID); err != nil {
				return err
			}
			_, err = e.CreatePayment(ctx, sessionID)
		}
		if err != nil {
			return err
		}
	}

	payload, callErr := e.Call(ctx, sessionID)
	if callErr != nil && ctx.Err() != nil {
		return callErr
	}
	if _, err := e.CreateReceipt(ctx, sessionID, payload, callErr); err != nil {
		return err
	}
	return callErr
}

// lostRace 判断错误是否来自并发写入者：阶段顺序冲突或会话已被其他写入者结束。
func lostRace(err error) bool {
	switch xerrors.CodeOf(err) {
	case CodeStageOrder, CodeChainTerminal:
		return true
	}
	return false
}

func (e *Executor) lockCart(ctx context.Context, sessionID, tierID string) error {
	quote, err := e.prices.Quote(ctx, tierID)
	if err != nil {
		return classifyRemote(err)
	}
	_, err = e.CreateCart(ctx, sessionID, money.Amount(quote.Amount))
	return err
}

func (e *Executor) fail(ctx context.Context, sessionID string, cause error) {
	chain, err := e.store.Get(ctx, sessionID)
	if err != nil || chain.Status.Terminal() {
		return
	}
	reason := strings.ToLower(string(xerrors.CodeOf(cause)))
	if err := e.store.Finish(ctx, sessionID, StatusFailed, chain.TotalSpent, reason); err != nil {
		e.logger.Error("回写会话失败状态出错", slog.Any("error", err), slog.String("session_id", sessionID))
		return
	}
	logger.Audit().Warn("mandate chain failed",
		slog.String("session_id", sessionID),
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)
}

func (e *Executor) activeChain(ctx context.Context, sessionID string) (*Chain, error) {
	chain, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if chain.Status.Terminal() {
		return nil, xerrors.New(CodeChainTerminal, fmt.Sprintf("会话 %s 已是 %s", sessionID, chain.Status))
	}
	if chain.Intent == nil {
		return nil, xerrors.New(CodeStageOrder, "会话缺少意图")
	}
	return chain, nil
}

func (e *Executor) storageError(err error, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

func (e *Executor) audit(rec Record, attrs ...slog.Attr) {
	args := []any{
		slog.String("session_id", rec.SessionID()),
		slog.String("stage", string(rec.Stage)),
		slog.String("record_id", rec.ID()),
	}
	for _, attr := range attrs {
		args = append(args, attr)
	}
	logger.Audit().Info("mandate stage recorded", args...)
}

// classifyRemote 将对端错误映射为统一错误码。
func classifyRemote(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	var temporary interface{ Temporary() bool }
	if stdErrors.As(err, &temporary) && temporary.Temporary() {
		return xerrors.Wrap(CodeRemoteCallFailed, err, "")
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(CodeRemoteCallFailed, err, "远端调用超时")
	}
	if temporary != nil {
		return xerrors.Wrap(CodeRemoteRejected, err, "")
	}
	return xerrors.Wrap(CodeRemoteCallFailed, err, "")
}
