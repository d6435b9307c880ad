package catalog

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ggoodman/cashback-api/apierror"
	"github.com/ggoodman/cashback-api/auth"
	"github.com/ggoodman/cashback-api/pipeline"
	"github.com/ggoodman/cashback-api/ratelimit"
	"github.com/google/uuid"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	// Response cache lifetimes for anonymous reads; cacheTtls may override.
	listingTTL  = 300 * time.Second
	resourceTTL = 1800 * time.Second
)

// Pagination is reported in the envelope's meta.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

// Routes returns the catalog endpoints with their default cache lifetimes.
func (c *Catalog) Routes() []pipeline.Route {
	return []pipeline.Route{
		{Method: "GET", Pattern: "/api/coupons", Name: "coupons.list", Public: true, CacheTTL: listingTTL, Handler: c.listCoupons},
		{Method: "GET", Pattern: "/api/coupons/:id", Name: "coupons.get", Public: true, CacheTTL: resourceTTL, Handler: c.getCoupon},
		{Method: "POST", Pattern: "/api/coupons", Name: "coupons.create", Roles: []string{auth.RoleAdmin}, Handler: c.createCoupon},
		{Method: "GET", Pattern: "/api/stores", Name: "stores.list", Public: true, CacheTTL: listingTTL, Handler: c.listStores},
		// Search is a read; it is exempt from CSRF verification.
		{Method: "POST", Pattern: "/api/search", Name: "search", Public: true, CSRFExempt: true, RateLimit: ratelimit.BucketSearch, Handler: c.search},
		{Method: "GET", Pattern: "/api/users/me", Name: "users.me", Handler: c.getMe},
		{Method: "PUT", Pattern: "/api/users/me", Name: "users.me.update", Handler: c.updateMe},
		{Method: "GET", Pattern: "/api/admin/analytics", Name: "admin.analytics", Scopes: []auth.Scope{auth.ScopeAnalytics, auth.ScopeAdmin}, Handler: c.analytics},
	}
}

func positiveInt(req *pipeline.Request, name string, def, max int) (int, error) {
	raw := req.Query.Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, apierror.Fieldf(name, "must be a positive integer")
	}
	if max > 0 && n > max {
		return 0, apierror.Fieldf(name, "must be at most %d", max)
	}
	return n, nil
}

func (c *Catalog) listCoupons(ex *pipeline.Exchange) error {
	page, err := positiveInt(ex.Request, "page", 1, 0)
	if err != nil {
		return err
	}
	limit, err := positiveInt(ex.Request, "limit", defaultPageSize, maxPageSize)
	if err != nil {
		return err
	}
	coupons, total := c.Coupons(ex.Request.Query.Get("store"), page, limit)
	ex.Response.OKMeta(http.StatusOK, coupons, map[string]any{
		"pagination": Pagination{Page: page, Limit: limit, Total: total},
	})
	return nil
}

func (c *Catalog) getCoupon(ex *pipeline.Exchange) error {
	id := ex.Request.Param("id")
	cp, ok := c.Coupon(id)
	if !ok {
		return apierror.NotFound("coupon " + id)
	}
	ex.Response.OK(http.StatusOK, cp)
	return nil
}

type createCouponRequest struct {
	StoreID     string     `json:"storeId" validate:"required"`
	Code        string     `json:"code" validate:"required,max=32"`
	Title       string     `json:"title" validate:"required,max=200"`
	Description string     `json:"description" validate:"max=2000"`
	CashbackPct float64    `json:"cashbackPct" validate:"gt=0,lte=100"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

func (c *Catalog) createCoupon(ex *pipeline.Exchange) error {
	var in createCouponRequest
	if err := ex.Request.Decode(&in); err != nil {
		return err
	}
	if _, ok := c.store(in.StoreID); !ok {
		return apierror.Fieldf("storeId", "is not a known store")
	}
	now := c.clock.Now()
	cp := Coupon{
		ID:          uuid.NewString(),
		StoreID:     in.StoreID,
		Code:        in.Code,
		Title:       in.Title,
		Description: in.Description,
		CashbackPct: in.CashbackPct,
		CreatedAt:   now,
	}
	if in.ExpiresAt != nil {
		if !in.ExpiresAt.After(now) {
			return apierror.Fieldf("expiresAt", "must be in the future")
		}
		cp.ExpiresAt = *in.ExpiresAt
	}
	c.AddCoupon(ex.Context(), cp)
	ex.Response.OK(http.StatusCreated, cp)
	return nil
}

func (c *Catalog) listStores(ex *pipeline.Exchange) error {
	ex.Response.OK(http.StatusOK, c.Stores())
	return nil
}

type searchRequest struct {
	Q     string `json:"q" validate:"required,max=200"`
	Limit int    `json:"limit" validate:"omitempty,min=1,max=100"`
}

type searchResult struct {
	Stores  []Store  `json:"stores"`
	Coupons []Coupon `json:"coupons"`
}

func (c *Catalog) search(ex *pipeline.Exchange) error {
	var in searchRequest
	if err := ex.Request.Decode(&in); err != nil {
		return err
	}
	if in.Limit == 0 {
		in.Limit = defaultPageSize
	}
	stores, coupons := c.Search(in.Q, in.Limit)
	if stores == nil {
		stores = []Store{}
	}
	if coupons == nil {
		coupons = []Coupon{}
	}
	ex.Response.OK(http.StatusOK, searchResult{Stores: stores, Coupons: coupons})
	return nil
}

func (c *Catalog) me(ex *pipeline.Exchange) (User, error) {
	p := ex.Request.Principal()
	u, ok := c.ids.User(p.Subject)
	if !ok {
		return User{}, apierror.NotFound("user " + p.Subject)
	}
	return u, nil
}

func (c *Catalog) getMe(ex *pipeline.Exchange) error {
	u, err := c.me(ex)
	if err != nil {
		return err
	}
	ex.Response.OK(http.StatusOK, u)
	return nil
}

type updateMeRequest struct {
	Name  string `json:"name" validate:"required,max=100"`
	Email string `json:"email" validate:"omitempty,email"`
}

func (c *Catalog) updateMe(ex *pipeline.Exchange) error {
	u, err := c.me(ex)
	if err != nil {
		return err
	}
	var in updateMeRequest
	if err := ex.Request.Decode(&in); err != nil {
		return err
	}
	u, err = c.ids.UpdateProfile(u.ID, in.Name, in.Email)
	if err != nil {
		return err
	}
	ex.Response.OK(http.StatusOK, u)
	return nil
}

func (c *Catalog) analytics(ex *pipeline.Exchange) error {
	ex.Response.OK(http.StatusOK, c.Analytics())
	return nil
}
