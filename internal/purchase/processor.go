package purchase

import (
	"context"
	"log/slog"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/mandate"
	"IntelMarket-Chain/internal/observability/alerting"
	"IntelMarket-Chain/internal/observability/metrics"
	"IntelMarket-Chain/pkg/logger"
)

// Processor 负责从队列消费会话并推进到终态。
type Processor struct {
	mandates    Mandates
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(mandates Mandates, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		mandates:    mandates,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("purchase"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.mandates == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置采购消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, sessionID string) error {
	chain, err := p.mandates.Resume(ctx, sessionID)
	if chain == nil {
		if xerrors.CodeOf(err) == mandate.CodeChainNotFound {
			p.logger.Debug("跳过不存在的会话", slog.String("session_id", sessionID))
			return nil
		}
		p.logger.Error("加载采购会话失败", slog.Any("error", err), slog.String("session_id", sessionID))
		alerting.NotifyError(ctx, p.alerter, err, "purchase", sessionID)
		return err
	}

	switch chain.Status {
	case mandate.StatusCompleted:
		metrics.ObserveMandate(string(chain.Status))
		p.logger.Info("采购完成",
			slog.String("session_id", sessionID),
			slog.Int64("spent", int64(chain.TotalSpent)),
		)
		return nil
	case mandate.StatusFailed:
		metrics.ObserveMandate(string(chain.Status))
		p.logger.Warn("采购失败",
			slog.String("session_id", sessionID),
			slog.String("reason", chain.FailureReason),
		)
		if err == nil {
			// 会话在此前已失败，本次只是重复投递。
			return nil
		}
		p.alertFailure(ctx, chain, err)
		return err
	default:
		if err == nil {
			// 重复投递：会话正由其他 worker 推进。
			p.logger.Debug("会话推进中，跳过重复投递", slog.String("session_id", sessionID))
			return nil
		}
		// 调用方取消，会话保持进行中，由清理任务收尾。
		p.logger.Info("采购中断", slog.String("session_id", sessionID), slog.Any("error", err))
		return err
	}
}

// alertFailure 对每个失败的会话告警，不受错误码告警属性的限制。
func (p *Processor) alertFailure(ctx context.Context, chain *mandate.Chain, cause error) {
	if p.alerter == nil {
		return
	}
	event := alerting.EventFromError(cause, "purchase", chain.SessionID)
	if event.Metadata == nil {
		event.Metadata = make(map[string]string)
	}
	event.Metadata["reason"] = chain.FailureReason
	if chain.Intent != nil {
		event.Metadata["tier"] = chain.Intent.TierID
	}
	if err := p.alerter.Notify(context.WithoutCancel(ctx), event); err != nil {
		p.logger.Warn("告警投递失败", slog.Any("error", err), slog.String("session_id", chain.SessionID))
	}
}
