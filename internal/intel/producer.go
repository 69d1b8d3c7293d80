package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/llm"
	"IntelMarket-Chain/internal/pricing"
	"IntelMarket-Chain/internal/sensor"
	"IntelMarket-Chain/pkg/logger"
)

// CodeUnsupportedKind 表示档位类型没有对应的生成方式。
const CodeUnsupportedKind xerrors.Code = "INTEL_UNSUPPORTED_KIND"

func init() {
	xerrors.Register(CodeUnsupportedKind, xerrors.Attributes{
		Message:  "tier kind has no producer",
		Class:    xerrors.ClassFatal,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Payload 是交付给付费方的载荷结构。
type Payload struct {
	Tier        string            `json:"tier"`
	Kind        pricing.Kind      `json:"kind"`
	GeneratedAt time.Time         `json:"generated_at"`
	Readings    map[string]string `json:"readings,omitempty"`
	Analysis    string            `json:"analysis,omitempty"`
}

// Producer 根据档位类型生成载荷。
type Producer struct {
	sensors sensor.Source
	llm     llm.Client
	now     func() time.Time
	logger  *slog.Logger
}

// Option 定义可选配置。
type Option func(*Producer)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(p *Producer) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProducer 创建载荷生成器。未配置补全服务时 oracle 与 digest 档位会失败。
func NewProducer(sensors sensor.Source, client llm.Client, opts ...Option) *Producer {
	p := &Producer{
		sensors: sensors,
		llm:     client,
		now:     time.Now,
		logger:  logger.Named("intel"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.sensors == nil {
		p.sensors = sensor.NewStaticSource(nil)
	}
	return p
}

// Compute 生成指定档位的载荷。
func (p *Producer) Compute(ctx context.Context, tier pricing.Tier) ([]byte, error) {
	readings, err := p.sensors.Snapshot(ctx)
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(sensor.CodeSensorUnavailable, err, "")
		}
		return nil, err
	}

	payload := Payload{Tier: tier.ID, Kind: tier.Kind}
	switch tier.Kind {
	case pricing.KindSensor:
		payload.Readings = readings
	case pricing.KindOracle:
		analysis, err := llm.CompleteNonEmpty(ctx, p.llm, oraclePrompt(tier, readings))
		if err != nil {
			return nil, err
		}
		payload.Readings = readings
		payload.Analysis = analysis
	case pricing.KindDigest:
		analysis, err := llm.CompleteNonEmpty(ctx, p.llm, digestPrompt(tier, readings))
		if err != nil {
			return nil, err
		}
		payload.Analysis = analysis
	default:
		return nil, xerrors.New(CodeUnsupportedKind, fmt.Sprintf("档位 %s 的类型 %q 无法生成", tier.ID, tier.Kind))
	}
	payload.GeneratedAt = p.now().UTC()

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化载荷失败: %w", err)
	}
	p.logger.Debug("载荷已生成",
		slog.String("tier", tier.ID),
		slog.String("kind", string(tier.Kind)),
		slog.Int("bytes", len(encoded)),
	)
	return encoded, nil
}

// ComputeFunc 返回绑定到档位的计算函数，签名与 cache.ComputeFunc 一致。
func (p *Producer) ComputeFunc(tier pricing.Tier) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		return p.Compute(ctx, tier)
	}
}

func oraclePrompt(tier pricing.Tier, readings map[string]string) string {
	var b strings.Builder
	b.WriteString("Assess the current situation from the readings below and give a short verdict ")
	b.WriteString("with the key risks.\n")
	writeContext(&b, tier, readings)
	return b.String()
}

func digestPrompt(tier pricing.Tier, readings map[string]string) string {
	var b strings.Builder
	b.WriteString("Summarize the readings below into a brief digest of at most five bullet points.\n")
	writeContext(&b, tier, readings)
	return b.String()
}

func writeContext(b *strings.Builder, tier pricing.Tier, readings map[string]string) {
	if desc := strings.TrimSpace(tier.Description); desc != "" {
		fmt.Fprintf(b, "Topic: %s\n", desc)
	}
	b.WriteString("Readings:\n")
	if len(readings) == 0 {
		b.WriteString("- (none)\n")
		return
	}
	for _, key := range sensor.Keys(readings) {
		fmt.Fprintf(b, "- %s: %s\n", key, readings[key])
	}
}
