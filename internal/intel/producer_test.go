package intel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/llm"
	"IntelMarket-Chain/internal/pricing"
	"IntelMarket-Chain/internal/sensor"
)

var fixedNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func newProducer(client llm.Client) *Producer {
	src := sensor.NewStaticSource(map[string]string{"humidity": "40", "temperature_c": "21.5"})
	return NewProducer(src, client, WithClock(func() time.Time { return fixedNow }))
}

func decode(t *testing.T, raw []byte) Payload {
	t.Helper()
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return p
}

func TestSensorTierReturnsReadings(t *testing.T) {
	raw, err := newProducer(nil).Compute(context.Background(), pricing.Tier{ID: "sensor-snapshot", Kind: pricing.KindSensor})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	p := decode(t, raw)
	if p.Readings["temperature_c"] != "21.5" || p.Analysis != "" || !p.GeneratedAt.Equal(fixedNow) {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestOracleTierUsesCompletion(t *testing.T) {
	var prompt string
	client := llm.Func(func(_ context.Context, in string) (string, error) {
		prompt = in
		return " 风险可控 ", nil
	})
	tier := pricing.Tier{ID: "oracle", Kind: pricing.KindOracle, Description: "greenhouse climate"}
	raw, err := newProducer(client).Compute(context.Background(), tier)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	p := decode(t, raw)
	if p.Analysis != "风险可控" || len(p.Readings) != 2 {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if !strings.Contains(prompt, "greenhouse climate") || strings.Index(prompt, "humidity") > strings.Index(prompt, "temperature_c") {
		t.Fatalf("prompt should carry topic and sorted readings: %q", prompt)
	}
}

func TestDigestEmptyCompletionFails(t *testing.T) {
	client := llm.Func(func(context.Context, string) (string, error) { return "   ", nil })
	_, err := newProducer(client).Compute(context.Background(), pricing.Tier{ID: "digest", Kind: pricing.KindDigest})
	if xerrors.CodeOf(err) != llm.CodeEmptyCompletion {
		t.Fatalf("expected empty completion error, got %v", err)
	}
}

func TestProducerFailures(t *testing.T) {
	if _, err := newProducer(nil).Compute(context.Background(), pricing.Tier{ID: "oracle", Kind: pricing.KindOracle}); xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("missing llm should be an initialization failure, got %v", err)
	}
	if _, err := newProducer(nil).Compute(context.Background(), pricing.Tier{ID: "x", Kind: "weather"}); xerrors.CodeOf(err) != CodeUnsupportedKind {
		t.Fatalf("expected unsupported kind, got %v", err)
	}

	broken := sensor.FuncSource(func(context.Context) (map[string]string, error) {
		return nil, errors.New("offline")
	})
	p := NewProducer(broken, nil)
	if _, err := p.ComputeFunc(pricing.Tier{ID: "s", Kind: pricing.KindSensor})(context.Background()); xerrors.CodeOf(err) != sensor.CodeSensorUnavailable {
		t.Fatalf("expected sensor error, got %v", err)
	}
}
