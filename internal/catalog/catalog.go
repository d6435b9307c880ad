// Package catalog is the coupons-and-stores backend behind the HTTP API. It
// keeps its data in memory and is meant for development, demos and tests.
package catalog

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/cashback-api/internal/clock"
)

// CouponsPath is the cache invalidation prefix for coupon reads.
const CouponsPath = "/api/coupons"

// Store is a merchant.
type Store struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Cashback string `json:"cashback"`
}

// Coupon is a redeemable offer.
type Coupon struct {
	ID          string    `json:"id"`
	StoreID     string    `json:"storeId"`
	Code        string    `json:"code"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CashbackPct float64   `json:"cashbackPct"`
	ExpiresAt   time.Time `json:"expiresAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Invalidator drops cached GET responses under a path prefix.
type Invalidator interface {
	Invalidate(ctx context.Context, pathPrefix string) (int, error)
}

// Catalog holds stores and coupons.
type Catalog struct {
	mu      sync.RWMutex
	stores  []Store
	coupons []Coupon

	ids   *Identities
	cache Invalidator
	clock clock.Clock
	log   *slog.Logger

	searches atomic.Int64
}

// Option configures a Catalog.
type Option func(*Catalog)

func WithInvalidator(inv Invalidator) Option { return func(c *Catalog) { c.cache = inv } }

func WithClock(cl clock.Clock) Option { return func(c *Catalog) { c.clock = clock.OrSystem(cl) } }

func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) {
		if l != nil {
			c.log = l
		}
	}
}

// New returns an empty catalog whose user endpoints are served from ids.
func New(ids *Identities, opts ...Option) *Catalog {
	c := &Catalog{ids: ids, clock: clock.System{}, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Catalog) AddStore(s Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores = append(c.stores, s)
}

func (c *Catalog) Stores() []Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.stores)
}

func (c *Catalog) store(id string) (Store, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.stores {
		if s.ID == id {
			return s, true
		}
	}
	return Store{}, false
}

// AddCoupon stores cp and invalidates cached coupon reads. Invalidation
// failures are logged; the coupon is stored regardless.
func (c *Catalog) AddCoupon(ctx context.Context, cp Coupon) {
	c.mu.Lock()
	c.coupons = append(c.coupons, cp)
	c.mu.Unlock()

	if c.cache == nil {
		return
	}
	if _, err := c.cache.Invalidate(ctx, CouponsPath); err != nil {
		c.log.WarnContext(ctx, "cache.invalidate.fail", slog.String("prefix", CouponsPath), slog.String("err", err.Error()))
	}
}

// Coupons returns one page of unexpired coupons, optionally for one store,
// newest first, together with the total count.
func (c *Catalog) Coupons(storeID string, page, limit int) ([]Coupon, int) {
	now := c.clock.Now()
	c.mu.RLock()
	var live []Coupon
	for _, cp := range c.coupons {
		if storeID != "" && cp.StoreID != storeID {
			continue
		}
		if !cp.ExpiresAt.IsZero() && !now.Before(cp.ExpiresAt) {
			continue
		}
		live = append(live, cp)
	}
	c.mu.RUnlock()

	slices.SortStableFunc(live, func(a, b Coupon) int { return b.CreatedAt.Compare(a.CreatedAt) })
	total := len(live)
	start := (page - 1) * limit
	if start >= total {
		return []Coupon{}, total
	}
	return live[start:min(start+limit, total)], total
}

func (c *Catalog) Coupon(id string) (Coupon, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, cp := range c.coupons {
		if cp.ID == id {
			return cp, true
		}
	}
	return Coupon{}, false
}

// Search matches q case-insensitively against store names and coupon
// titles.
func (c *Catalog) Search(q string, limit int) ([]Store, []Coupon) {
	c.searches.Add(1)
	q = strings.ToLower(q)
	c.mu.RLock()
	defer c.mu.RUnlock()
	var stores []Store
	for _, s := range c.stores {
		if len(stores) < limit && strings.Contains(strings.ToLower(s.Name), q) {
			stores = append(stores, s)
		}
	}
	var coupons []Coupon
	for _, cp := range c.coupons {
		if len(coupons) < limit && strings.Contains(strings.ToLower(cp.Title), q) {
			coupons = append(coupons, cp)
		}
	}
	return stores, coupons
}

// Analytics summarizes the catalog.
type Analytics struct {
	Stores   int   `json:"stores"`
	Coupons  int   `json:"coupons"`
	Users    int   `json:"users"`
	Searches int64 `json:"searches"`
}

func (c *Catalog) Analytics() Analytics {
	c.mu.RLock()
	a := Analytics{Stores: len(c.stores), Coupons: len(c.coupons)}
	c.mu.RUnlock()
	a.Users = c.ids.Len()
	a.Searches = c.searches.Load()
	return a
}
