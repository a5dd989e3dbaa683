package ratelimit

import (
	"strings"
	"time"
)

// Tier names a policy bucket selecting which numeric limits apply.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierAdmin      Tier = "admin"
)

// Tiers lists every tier from least to most privileged.
var Tiers = []Tier{TierFree, TierPro, TierEnterprise, TierAdmin}

// ParseTier maps a name onto a Tier. Unknown names yield TierFree and false.
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierFree:
		return TierFree, true
	case TierPro:
		return TierPro, true
	case TierEnterprise:
		return TierEnterprise, true
	case TierAdmin:
		return TierAdmin, true
	}
	return TierFree, false
}

// Category groups paths that share a limit.
type Category string

const (
	CategoryAPI    Category = "api"
	CategorySearch Category = "search"
	CategoryUpload Category = "upload"
	CategoryAuth   Category = "auth"
	CategoryRFQ    Category = "rfq"

	// Fixed limits that ignore the caller's tier.
	CategorySignIn   Category = "signin"
	CategorySignUp   Category = "signup"
	CategoryExport   Category = "export"
	CategoryDeletion Category = "deletion"
)

// TierTable holds the per-tier limit for each tiered category.
type TierTable map[Tier]map[Category]Config

func perMinute(n int) Config {
	return Config{Window: time.Minute, MaxRequests: n}
}

func perQuarterHour(n int) Config {
	return Config{Window: 15 * time.Minute, MaxRequests: n}
}

// DefaultTierTable returns the stock limits.
func DefaultTierTable() TierTable {
	return TierTable{
		TierFree: {
			CategoryAPI:    perMinute(100),
			CategorySearch: perMinute(50),
			CategoryUpload: perMinute(10),
			CategoryAuth:   perQuarterHour(5),
			CategoryRFQ:    perMinute(20),
		},
		TierPro: {
			CategoryAPI:    perMinute(500),
			CategorySearch: perMinute(200),
			CategoryUpload: perMinute(50),
			CategoryAuth:   perQuarterHour(10),
			CategoryRFQ:    perMinute(100),
		},
		TierEnterprise: {
			CategoryAPI:    perMinute(2000),
			CategorySearch: perMinute(1000),
			CategoryUpload: perMinute(200),
			CategoryAuth:   perQuarterHour(20),
			CategoryRFQ:    perMinute(500),
		},
		TierAdmin: {
			CategoryAPI:    perMinute(10000),
			CategorySearch: perMinute(5000),
			CategoryUpload: perMinute(1000),
			CategoryAuth:   perQuarterHour(50),
			CategoryRFQ:    perMinute(2000),
		},
	}
}

// Route binds path substrings to a category. Matching is case-insensitive.
type Route struct {
	Category Category
	Patterns []string
	// Limit is used for fixed routes; tiered routes leave it zero.
	Limit Config
}

func (r Route) matches(path string) bool {
	for _, p := range r.Patterns {
		if p != "" && strings.Contains(path, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

const (
	day   = 24 * time.Hour
	month = 30 * day
)

// DefaultFixedRoutes returns the severe limits for sensitive paths. They are
// consulted before any tier lookup.
func DefaultFixedRoutes() []Route {
	return []Route{
		{
			Category: CategorySignIn,
			Patterns: []string{"/auth/signin", "/auth/login", "/signin", "/login"},
			Limit:    Config{Window: time.Hour, MaxRequests: 3, BlockDuration: time.Hour},
		},
		{
			Category: CategorySignUp,
			Patterns: []string{"/auth/signup", "/signup", "/register"},
			Limit:    Config{Window: day, MaxRequests: 10, BlockDuration: day},
		},
		{
			Category: CategoryExport,
			Patterns: []string{"/export"},
			Limit:    Config{Window: day, MaxRequests: 5, BlockDuration: day},
		},
		{
			Category: CategoryDeletion,
			Patterns: []string{"/account/delete", "/delete-account", "/gdpr/delete"},
			Limit:    Config{Window: month, MaxRequests: 1, BlockDuration: month},
		},
	}
}

// DefaultTieredRoutes returns the substring routing for tiered categories.
// Paths matching none of them fall into CategoryAPI.
func DefaultTieredRoutes() []Route {
	return []Route{
		{Category: CategorySearch, Patterns: []string{"/search"}},
		{Category: CategoryUpload, Patterns: []string{"/upload"}},
		{Category: CategoryRFQ, Patterns: []string{"/rfq"}},
		{Category: CategoryAuth, Patterns: []string{"/auth"}},
	}
}

// Router resolves the limit that applies to a path for a tier.
type Router struct {
	fixed  []Route
	tiered []Route
	table  TierTable
}

// NewRouter builds a router. Nil arguments select the defaults.
func NewRouter(table TierTable, fixed, tiered []Route) *Router {
	if table == nil {
		table = DefaultTierTable()
	}
	if fixed == nil {
		fixed = DefaultFixedRoutes()
	}
	if tiered == nil {
		tiered = DefaultTieredRoutes()
	}
	return &Router{fixed: fixed, tiered: tiered, table: table}
}

// DefaultRouter returns a router with the stock table and routes.
func DefaultRouter() *Router {
	return NewRouter(nil, nil, nil)
}

// Resolve returns the category and limit for path. Fixed routes win over tiers.
func (r *Router) Resolve(path string, tier Tier) (Category, Config) {
	p := strings.ToLower(path)
	for _, route := range r.fixed {
		if route.matches(p) {
			return route.Category, route.Limit
		}
	}
	category := CategoryAPI
	for _, route := range r.tiered {
		if route.matches(p) {
			category = route.Category
			break
		}
	}
	return category, r.Limit(tier, category)
}

// HasCategory reports whether category names a fixed route or a tiered limit.
func (r *Router) HasCategory(category Category) bool {
	for _, route := range r.fixed {
		if route.Category == category {
			return true
		}
	}
	for _, limits := range r.table {
		if _, ok := limits[category]; ok {
			return true
		}
	}
	return false
}

// Limit looks up a tiered limit, falling back to the free tier and then to
// the api category.
func (r *Router) Limit(tier Tier, category Category) Config {
	for _, route := range r.fixed {
		if route.Category == category {
			return route.Limit
		}
	}
	limits, ok := r.table[tier]
	if !ok {
		limits = r.table[TierFree]
	}
	if cfg, ok := limits[category]; ok {
		return cfg
	}
	if cfg, ok := limits[CategoryAPI]; ok {
		return cfg
	}
	return DefaultTierTable()[TierFree][CategoryAPI]
}
