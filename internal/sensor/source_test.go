package sensor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/web3"
)

func TestLoadStaticSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "readings.json")
	content := `{"temperature_c": 21.5, "status": "nominal", "zones": [1, 2]}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write readings: %v", err)
	}

	src, err := LoadStaticSource(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	readings, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if readings["temperature_c"] != "21.5" || readings["status"] != "nominal" || readings["zones"] != "[1,2]" {
		t.Fatalf("unexpected readings: %v", readings)
	}

	readings["status"] = "mutated"
	again, _ := src.Snapshot(context.Background())
	if again["status"] != "nominal" {
		t.Fatalf("snapshot must return a copy")
	}
}

func TestLoadStaticSourceErrors(t *testing.T) {
	if _, err := LoadStaticSource(" "); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := LoadStaticSource(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestCombineOverridesAndWrapsErrors(t *testing.T) {
	base := NewStaticSource(map[string]string{"a": "1", "b": "2"})
	override := FuncSource(func(context.Context) (map[string]string, error) {
		return map[string]string{"b": "3"}, nil
	})

	readings, err := Combine(base, nil, override).Snapshot(context.Background())
	if err != nil {
		t.Fatalf("combine: %v", err)
	}
	if readings["a"] != "1" || readings["b"] != "3" {
		t.Fatalf("unexpected merge result: %v", readings)
	}
	if keys := Keys(readings); len(keys) != 2 || keys[0] != "a" {
		t.Fatalf("unexpected keys %v", keys)
	}

	broken := FuncSource(func(context.Context) (map[string]string, error) {
		return nil, errors.New("sensor offline")
	})
	_, err = Combine(base, broken).Snapshot(context.Background())
	if xerrors.CodeOf(err) != CodeSensorUnavailable || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable sensor error, got %v", err)
	}
}

func TestChainSource(t *testing.T) {
	src := NewChainSource(func(context.Context) (map[string]web3.ChainSnapshot, error) {
		return map[string]web3.ChainSnapshot{
			"base": {ChainID: 8453, BlockNumber: 1200},
		}, nil
	})
	readings, err := src.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if readings["chain.base.chain_id"] != "8453" || readings["chain.base.block_number"] != "1200" {
		t.Fatalf("unexpected readings: %v", readings)
	}

	empty, err := NewChainSource(nil).Snapshot(context.Background())
	if err != nil || len(empty) != 0 {
		t.Fatalf("nil snapshot func should yield empty readings")
	}
}
