package intelclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	xerrors "IntelMarket-Chain/internal/errors"
	"IntelMarket-Chain/internal/pricing"
)

// RemoteCatalog implements pricing.Source from a counterpart's pricing
// announcement, refreshing it after ttl.
type RemoteCatalog struct {
	client *Client
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	cached    pricing.Announcement
	fetchedAt time.Time
}

// NewRemoteCatalog creates a catalog view backed by client.
func NewRemoteCatalog(client *Client, ttl time.Duration) *RemoteCatalog {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RemoteCatalog{client: client, ttl: ttl, now: time.Now}
}

// Quote returns the counterpart's current requirements for tierID.
func (r *RemoteCatalog) Quote(ctx context.Context, tierID string) (pricing.Requirements, error) {
	announcement, err := r.announcement(ctx)
	if err != nil {
		return pricing.Requirements{}, err
	}
	req, ok := announcement.Requirements(tierID)
	if !ok {
		return pricing.Requirements{}, xerrors.New(pricing.CodeTierNotFound, fmt.Sprintf("counterpart does not offer tier %q", tierID))
	}
	return req, nil
}

// Invalidate drops the cached announcement.
func (r *RemoteCatalog) Invalidate() {
	r.mu.Lock()
	r.fetchedAt = time.Time{}
	r.mu.Unlock()
}

func (r *RemoteCatalog) announcement(ctx context.Context) (pricing.Announcement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.fetchedAt.IsZero() && r.now().Sub(r.fetchedAt) < r.ttl {
		return r.cached, nil
	}
	announcement, err := r.client.Pricing(ctx)
	if err != nil {
		return pricing.Announcement{}, err
	}
	r.cached = announcement
	r.fetchedAt = r.now()
	return announcement, nil
}
