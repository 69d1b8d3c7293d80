package pricing

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/money"
)

const (
	CodeCatalogInvalid xerrors.Code = "CATALOG_INVALID"
	CodeTierNotFound   xerrors.Code = "TIER_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeCatalogInvalid, xerrors.Attributes{
		Message:  "pricing catalog invalid",
		Class:    xerrors.ClassFatal,
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTierNotFound, xerrors.Attributes{
		Message:  "tier not found",
		Class:    xerrors.ClassValidation,
		Severity: xerrors.SeverityInfo,
	})
}

// Kind 决定服务档位的载荷如何生成。
type Kind string

const (
	KindSensor Kind = "sensor"
	KindOracle Kind = "oracle"
	KindDigest Kind = "digest"
)

// Tier 是一个带价格与缓存时长的付费服务档位，加载后不可变。
type Tier struct {
	ID          string
	Kind        Kind
	Price       money.Amount
	PriceText   string
	TTL         time.Duration
	Description string
	Endpoint    string
}

// Requirements 是付款凭证必须与之完全一致的档位报价。
type Requirements struct {
	Tier               string `json:"tier"`
	Amount             int64  `json:"amount"`
	Price              string `json:"price"`
	Currency           string `json:"currency"`
	Decimals           int32  `json:"decimals"`
	Chain              string `json:"chain"`
	PayTo              string `json:"pay_to"`
	Endpoint           string `json:"endpoint"`
	Description        string `json:"description"`
	CatalogVersion     string `json:"catalog_version"`
	RequiresSettlement bool   `json:"requires_settlement"`
}

// Source 提供档位的当前报价，可以是本地价目表，也可以是对端公开的价目表。
type Source interface {
	Quote(ctx context.Context, tierID string) (Requirements, error)
}

// Catalog 是启动时加载并校验的档位集合。
type Catalog struct {
	version      string
	currency     string
	decimals     int32
	chain        string
	payTo        common.Address
	confirmAbove money.Amount
	tiers        map[string]Tier
}

type catalogFile struct {
	Version      string              `yaml:"version"`
	Currency     string              `yaml:"currency"`
	Decimals     int32               `yaml:"decimals"`
	Chain        string              `yaml:"chain"`
	PayTo        string              `yaml:"pay_to"`
	ConfirmAbove string              `yaml:"confirm_above"`
	Tiers        map[string]tierFile `yaml:"tiers"`
}

type tierFile struct {
	Kind        string        `yaml:"kind"`
	Price       string        `yaml:"price"`
	TTL         time.Duration `yaml:"ttl"`
	Description string        `yaml:"description"`
	Endpoint    string        `yaml:"endpoint"`
}

// LoadCatalog 读取并校验 YAML 价目表。
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(CodeCatalogInvalid, "价目表路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(CodeCatalogInvalid, err, "读取价目表失败")
	}
	return ParseCatalog(content)
}

// ParseCatalog 解析 YAML 内容，任何字段不合法都会返回 CATALOG_INVALID。
func ParseCatalog(content []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, xerrors.Wrap(CodeCatalogInvalid, err, "解析价目表失败")
	}
	return buildCatalog(file)
}

func buildCatalog(file catalogFile) (*Catalog, error) {
	invalid := func(format string, args ...any) error {
		return xerrors.New(CodeCatalogInvalid, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(file.Version) == "" {
		return nil, invalid("价目表缺少 version")
	}
	if strings.TrimSpace(file.Currency) == "" {
		return nil, invalid("价目表缺少 currency")
	}
	if file.Decimals < 0 || file.Decimals > 18 {
		return nil, invalid("decimals 必须在 0-18 之间: %d", file.Decimals)
	}
	if strings.TrimSpace(file.Chain) == "" {
		return nil, invalid("价目表缺少 chain")
	}
	if !common.IsHexAddress(file.PayTo) {
		return nil, invalid("pay_to 不是合法地址: %q", file.PayTo)
	}
	if len(file.Tiers) == 0 {
		return nil, invalid("价目表没有任何档位")
	}

	catalog := &Catalog{
		version:  strings.TrimSpace(file.Version),
		currency: strings.ToUpper(strings.TrimSpace(file.Currency)),
		decimals: file.Decimals,
		chain:    strings.TrimSpace(file.Chain),
		payTo:    common.HexToAddress(file.PayTo),
		tiers:    make(map[string]Tier, len(file.Tiers)),
	}
	if strings.TrimSpace(file.ConfirmAbove) != "" {
		threshold, err := money.Parse(file.ConfirmAbove, file.Decimals)
		if err != nil {
			return nil, xerrors.Wrap(CodeCatalogInvalid, err, "confirm_above 不合法")
		}
		catalog.confirmAbove = threshold
	}

	for id, raw := range file.Tiers {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, invalid("档位 ID 不能为空")
		}
		kind := Kind(strings.ToLower(strings.TrimSpace(raw.Kind)))
		switch kind {
		case KindSensor, KindOracle, KindDigest:
		default:
			return nil, invalid("档位 %s 的 kind 不受支持: %q", id, raw.Kind)
		}
		price, err := money.Parse(raw.Price, file.Decimals)
		if err != nil {
			return nil, xerrors.Wrap(CodeCatalogInvalid, err, fmt.Sprintf("档位 %s 价格不合法", id))
		}
		if !price.IsPositive() {
			return nil, invalid("档位 %s 价格必须大于 0", id)
		}
		if raw.TTL <= 0 {
			return nil, invalid("档位 %s 的 ttl 必须大于 0", id)
		}
		if strings.TrimSpace(raw.Description) == "" {
			return nil, invalid("档位 %s 缺少 description", id)
		}
		endpoint := strings.TrimSpace(raw.Endpoint)
		if endpoint == "" {
			endpoint = "/api/v1/intel/" + id
		}
		catalog.tiers[id] = Tier{
			ID:          id,
			Kind:        kind,
			Price:       price,
			PriceText:   price.Format(file.Decimals),
			TTL:         raw.TTL,
			Description: strings.TrimSpace(raw.Description),
			Endpoint:    endpoint,
		}
	}
	return catalog, nil
}

// Version 返回价目表版本；价格变化必须伴随新版本。
func (c *Catalog) Version() string { return c.version }

// Currency 返回计价币种。
func (c *Catalog) Currency() string { return c.currency }

// Decimals 返回币种精度。
func (c *Catalog) Decimals() int32 { return c.decimals }

// Chain 返回收款链。
func (c *Catalog) Chain() string { return c.chain }

// GetTier 按 ID 返回档位。
func (c *Catalog) GetTier(id string) (Tier, error) {
	tier, ok := c.tiers[id]
	if !ok {
		return Tier{}, xerrors.New(CodeTierNotFound, fmt.Sprintf("档位 %s 不存在", id))
	}
	return tier, nil
}

// Tiers 返回按 ID 排序的全部档位。
func (c *Catalog) Tiers() []Tier {
	tiers := make([]Tier, 0, len(c.tiers))
	for _, tier := range c.tiers {
		tiers = append(tiers, tier)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].ID < tiers[j].ID })
	return tiers
}

// Requirements 将档位投影为付款凭证需要匹配的报价。
func (c *Catalog) Requirements(tier Tier) Requirements {
	return Requirements{
		Tier:               tier.ID,
		Amount:             int64(tier.Price),
		Price:              tier.PriceText,
		Currency:           c.currency,
		Decimals:           c.decimals,
		Chain:              c.chain,
		PayTo:              c.payTo.Hex(),
		Endpoint:           tier.Endpoint,
		Description:        tier.Description,
		CatalogVersion:     c.version,
		RequiresSettlement: c.confirmAbove > 0 && tier.Price >= c.confirmAbove,
	}
}

// Quote 实现 Source 接口。
func (c *Catalog) Quote(_ context.Context, tierID string) (Requirements, error) {
	tier, err := c.GetTier(tierID)
	if err != nil {
		return Requirements{}, err
	}
	return c.Requirements(tier), nil
}

var _ Source = (*Catalog)(nil)
