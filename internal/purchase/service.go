package purchase

import (
	"context"
	"log/slog"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/mandate"
	"IntelMarket-Chain/pkg/logger"
)

// CodePurchasePublish 表示会话未能进入调度队列。
const CodePurchasePublish xerrors.Code = "PURCHASE_PUBLISH_FAILED"

func init() {
	xerrors.Register(CodePurchasePublish, xerrors.Attributes{
		Message:  "purchase could not be queued",
		Class:    xerrors.ClassTransient,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Mandates 是调度层需要的会话执行能力，由 mandate.Executor 实现。
type Mandates interface {
	CreateIntent(ctx context.Context, req mandate.PurchaseRequest) (*mandate.Intent, error)
	Resume(ctx context.Context, sessionID string) (*mandate.Chain, error)
	Abort(ctx context.Context, sessionID string, cause error)
	Get(ctx context.Context, sessionID string) (*mandate.Chain, error)
}

// Service 负责采购的提交与查询。
type Service struct {
	mandates Mandates
	producer Producer
}

// NewService 构造采购服务。
func NewService(mandates Mandates, producer Producer) *Service {
	return &Service{mandates: mandates, producer: producer}
}

// Submit 写入意图并把会话推入队列，返回意图以便调用方轮询会话状态。
// 入队失败时会话立即失败，不会留下无人推进的意图。
func (s *Service) Submit(ctx context.Context, req mandate.PurchaseRequest) (*mandate.Intent, error) {
	if s.mandates == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "采购服务未初始化")
	}
	intent, err := s.mandates.CreateIntent(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, intent.SessionID); err != nil {
		wrapped := xerrors.Wrap(CodePurchasePublish, err, "发布采购会话失败")
		logger.L().Error("采购入队失败", slog.Any("error", err), slog.String("session_id", intent.SessionID))
		s.mandates.Abort(context.WithoutCancel(ctx), intent.SessionID, wrapped)
		return nil, wrapped
	}
	return intent, nil
}

// Get 返回会话当前状态。
func (s *Service) Get(ctx context.Context, sessionID string) (*mandate.Chain, error) {
	if s.mandates == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "采购服务未初始化")
	}
	return s.mandates.Get(ctx, sessionID)
}
