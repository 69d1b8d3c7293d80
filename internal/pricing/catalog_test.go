package pricing

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	xerrors "IntelMarket-Chain/internal/errors"
)

const sampleCatalog = `
version: "2026-10-01"
currency: usdc
decimals: 6
chain: base-sepolia
pay_to: "0x1111111111111111111111111111111111111111"
confirm_above: "0.10"
tiers:
  sensor-snapshot:
    kind: sensor
    price: "0.005"
    ttl: 30s
    description: 环境传感器快照
  oracle:
    kind: oracle
    price: "0.15"
    ttl: 5m
    description: 基于传感器与大模型的综合研判
    endpoint: /api/v1/intel/oracle
`

func loadSample(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return catalog
}

func TestEveryTierHasPositivePriceAndTTL(t *testing.T) {
	catalog := loadSample(t)
	for _, listed := range catalog.Tiers() {
		tier, err := catalog.GetTier(listed.ID)
		if err != nil {
			t.Fatalf("get tier %s: %v", listed.ID, err)
		}
		if tier.TTL <= 0 || tier.Price <= 0 {
			t.Fatalf("tier %s has invalid ttl/price: %+v", tier.ID, tier)
		}
	}
}

func TestCatalogValues(t *testing.T) {
	catalog := loadSample(t)

	sensor, err := catalog.GetTier("sensor-snapshot")
	if err != nil {
		t.Fatalf("get sensor tier: %v", err)
	}
	if sensor.Price != 5000 || sensor.TTL != 30*time.Second {
		t.Fatalf("unexpected sensor tier: %+v", sensor)
	}
	if sensor.Endpoint != "/api/v1/intel/sensor-snapshot" {
		t.Fatalf("expected default endpoint, got %s", sensor.Endpoint)
	}

	req, err := catalog.Quote(context.Background(), "oracle")
	if err != nil {
		t.Fatalf("quote oracle: %v", err)
	}
	if req.Price != "0.15" || req.Amount != 150000 || req.Currency != "USDC" {
		t.Fatalf("unexpected oracle requirements: %+v", req)
	}
	if !req.RequiresSettlement {
		t.Fatalf("oracle is above confirm threshold")
	}
	if sensorReq := catalog.Requirements(sensor); sensorReq.RequiresSettlement {
		t.Fatalf("sensor tier is below confirm threshold")
	}
}

func TestGetTierNotFound(t *testing.T) {
	catalog := loadSample(t)
	_, err := catalog.GetTier("missing")
	if xerrors.CodeOf(err) != CodeTierNotFound {
		t.Fatalf("expected TIER_NOT_FOUND, got %v", err)
	}
}

func TestParseCatalogRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"zero price":    strings.Replace(sampleCatalog, `price: "0.005"`, `price: "0"`, 1),
		"zero ttl":      strings.Replace(sampleCatalog, "ttl: 30s", "ttl: 0s", 1),
		"bad pay_to":    strings.Replace(sampleCatalog, "0x1111111111111111111111111111111111111111", "nope", 1),
		"bad kind":      strings.Replace(sampleCatalog, "kind: sensor", "kind: tts", 1),
		"too precise":   strings.Replace(sampleCatalog, `price: "0.005"`, `price: "0.0000001"`, 1),
		"missing descr": strings.Replace(sampleCatalog, "description: 环境传感器快照", "description: \"\"", 1),
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(content))
			if err == nil {
				t.Fatalf("expected error")
			}
			if xerrors.ClassOf(err) != xerrors.ClassFatal {
				t.Fatalf("catalog errors must be fatal, got %s", xerrors.ClassOf(err))
			}
		})
	}
}

func TestSnapshotRoundTripsRequirements(t *testing.T) {
	catalog := loadSample(t)
	snapshot := catalog.Snapshot()
	if len(snapshot.Tiers) != 2 || snapshot.Tiers[0].ID != "oracle" {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	fromSnapshot, ok := snapshot.Requirements("oracle")
	if !ok {
		t.Fatalf("oracle missing from snapshot")
	}
	direct, _ := catalog.Quote(context.Background(), "oracle")
	if fromSnapshot != direct {
		t.Fatalf("snapshot requirements differ:\n%+v\n%+v", fromSnapshot, direct)
	}
}

func TestShippedCatalogLoads(t *testing.T) {
	catalog, err := LoadCatalog(filepath.Join("..", "..", "configs", "tiers.yaml"))
	if err != nil {
		t.Fatalf("load shipped catalog: %v", err)
	}
	req, err := catalog.Quote(context.Background(), "oracle")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if req.Amount != 150000 || !req.RequiresSettlement {
		t.Fatalf("oracle should cost 0.15 and require settlement: %+v", req)
	}
}
