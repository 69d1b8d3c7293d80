package reputation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"

	"IntelMarket-Chain/pkg/logger"
)

// Publisher 将信号发布给外部协作方。
type Publisher interface {
	Publish(ctx context.Context, signals Signals) error
	Close() error
}

// LogPublisher 将信号写入审计日志。
type LogPublisher struct{}

// Publish 实现 Publisher。
func (LogPublisher) Publish(_ context.Context, s Signals) error {
	attrs := []any{
		slog.Int64("total_revenue", int64(s.TotalRevenue)),
		slog.Int64("consultation_count", s.ConsultationCount),
		slog.Int("active_tier_count", s.ActiveTierCount),
	}
	if s.LastPaymentAt != nil {
		attrs = append(attrs, slog.Time("last_payment_at", *s.LastPaymentAt))
	}
	logger.Audit().Info("reputation signals", attrs...)
	return nil
}

// Close 实现 Publisher。
func (LogPublisher) Close() error { return nil }

// NATSPublisher 通过 NATS 主题发布信号。
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher 连接 NATS。
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	if url == "" {
		return nil, errors.New("NATS URL 不能为空")
	}
	if subject == "" {
		subject = "intelmarket.reputation"
	}
	conn, err := nats.Connect(url, nats.Name("intelmarket-reputation"))
	if err != nil {
		return nil, fmt.Errorf("连接 NATS 失败: %w", err)
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// Publish 实现 Publisher。
func (p *NATSPublisher) Publish(ctx context.Context, s Signals) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("序列化信号失败: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("NATS 发布失败: %w", err)
	}
	if _, ok := ctx.Deadline(); ok {
		return p.conn.FlushWithContext(ctx)
	}
	return p.conn.FlushTimeout(5 * time.Second)
}

// Close 实现 Publisher。
func (p *NATSPublisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	p.conn.Close()
	return nil
}

// RabbitMQPublisher 通过 RabbitMQ fanout 交换机发布信号。
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitMQPublisher 连接 RabbitMQ 并声明交换机。
func NewRabbitMQPublisher(url, exchange string) (*RabbitMQPublisher, error) {
	if url == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	if exchange == "" {
		exchange = "intelmarket.reputation"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 交换机失败: %w", err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish 实现 Publisher。
func (p *RabbitMQPublisher) Publish(ctx context.Context, s Signals) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("序列化信号失败: %w", err)
	}
	return p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   s.GeneratedAt,
		Body:        data,
	})
}

// Close 实现 Publisher。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Reporter 按固定周期导出并发布信号。
type Reporter struct {
	aggregator *Aggregator
	publisher  Publisher
	interval   time.Duration
}

// NewReporter 构造周期发布器。
func NewReporter(aggregator *Aggregator, publisher Publisher, interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reporter{aggregator: aggregator, publisher: publisher, interval: interval}
}

// PublishOnce 导出并发布一次。
func (r *Reporter) PublishOnce(ctx context.Context) error {
	signals, err := r.aggregator.ExportSignals(ctx)
	if err != nil {
		return err
	}
	return r.publisher.Publish(ctx, signals)
}

// Run 循环发布直到 ctx 取消。
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.PublishOnce(ctx); err != nil {
				logger.Named("reputation").Warn("发布信誉信号失败", slog.Any("error", err))
			}
		}
	}
}
