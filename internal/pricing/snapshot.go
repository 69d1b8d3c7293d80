package pricing

// TierAnnouncement 是公开价目中的单个档位。
type TierAnnouncement struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Price       string `json:"price"`
	Amount      int64  `json:"amount"`
	TTLSeconds  int64  `json:"ttl_seconds"`
	Description string `json:"description"`
	Endpoint    string `json:"endpoint"`
}

// Announcement 是无需付款即可获取的价目快照。
type Announcement struct {
	Version      string             `json:"version"`
	Currency     string             `json:"currency"`
	Decimals     int32              `json:"decimals"`
	Chain        string             `json:"chain"`
	PayTo        string             `json:"pay_to"`
	ConfirmAbove int64              `json:"confirm_above,omitempty"`
	Tiers        []TierAnnouncement `json:"tiers"`
}

// Snapshot 生成价目快照。
func (c *Catalog) Snapshot() Announcement {
	tiers := c.Tiers()
	announcement := Announcement{
		Version:      c.version,
		Currency:     c.currency,
		Decimals:     c.decimals,
		Chain:        c.chain,
		PayTo:        c.payTo.Hex(),
		ConfirmAbove: int64(c.confirmAbove),
		Tiers:        make([]TierAnnouncement, 0, len(tiers)),
	}
	for _, tier := range tiers {
		announcement.Tiers = append(announcement.Tiers, TierAnnouncement{
			ID:          tier.ID,
			Kind:        string(tier.Kind),
			Price:       tier.PriceText,
			Amount:      int64(tier.Price),
			TTLSeconds:  int64(tier.TTL.Seconds()),
			Description: tier.Description,
			Endpoint:    tier.Endpoint,
		})
	}
	return announcement
}

// Requirements 从公开价目中还原某个档位的报价，用于买方侧的价格锁定。
func (a Announcement) Requirements(tierID string) (Requirements, bool) {
	for _, tier := range a.Tiers {
		if tier.ID != tierID {
			continue
		}
		return Requirements{
			Tier:               tier.ID,
			Amount:             tier.Amount,
			Price:              tier.Price,
			Currency:           a.Currency,
			Decimals:           a.Decimals,
			Chain:              a.Chain,
			PayTo:              a.PayTo,
			Endpoint:           tier.Endpoint,
			Description:        tier.Description,
			CatalogVersion:     a.Version,
			RequiresSettlement: a.ConfirmAbove > 0 && tier.Amount >= a.ConfirmAbove,
		}, true
	}
	return Requirements{}, false
}
