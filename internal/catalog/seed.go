package catalog

import (
	"context"
	"fmt"

	"github.com/ggoodman/cashback-api/auth"
)

// Demo credentials created by SeedDemo.
const (
	DemoUserEmail  = "alice@example.com"
	DemoAdminEmail = "admin@example.com"
	DemoPassword   = "cashback-demo-password"
)

// SeedDemo loads a small fixed data set. Coupons expire a year after the
// catalog clock's current reading.
func (c *Catalog) SeedDemo(ctx context.Context) error {
	if _, err := c.ids.Add(DemoUserEmail, "Alice", auth.RoleUser, DemoPassword); err != nil {
		return fmt.Errorf("seed user: %w", err)
	}
	if _, err := c.ids.Add(DemoAdminEmail, "Admin", auth.RoleAdmin, DemoPassword); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	stores := []Store{
		{ID: "acme", Name: "Acme Outfitters", Domain: "acme.example", Cashback: "5%"},
		{ID: "globex", Name: "Globex Electronics", Domain: "globex.example", Cashback: "3%"},
		{ID: "initech", Name: "Initech Office Supply", Domain: "initech.example", Cashback: "8%"},
	}
	for _, s := range stores {
		c.AddStore(s)
	}

	now := c.clock.Now()
	exp := now.AddDate(1, 0, 0)
	coupons := []Coupon{
		{ID: "c-1001", StoreID: "acme", Code: "TRAIL10", Title: "10% off hiking shoes", CashbackPct: 5, ExpiresAt: exp, CreatedAt: now},
		{ID: "c-1002", StoreID: "globex", Code: "VOLT25", Title: "$25 off headphones", CashbackPct: 3, ExpiresAt: exp, CreatedAt: now},
		{ID: "c-1003", StoreID: "initech", Code: "TPS15", Title: "15% off staplers", CashbackPct: 8, ExpiresAt: exp, CreatedAt: now},
	}
	c.mu.Lock()
	c.coupons = append(c.coupons, coupons...)
	c.mu.Unlock()
	return nil
}
