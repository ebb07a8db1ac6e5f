package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// TenantConfig overrides the default submission limit for one tenant.
type TenantConfig struct {
	// TenantID is the organization id the limit applies to.
	TenantID string

	// RateLimit is the sustained submissions per second. Zero disables
	// limiting for this tenant.
	RateLimit float64

	// RateBurst is the token-bucket size. Defaults to 1 when RateLimit is set.
	RateBurst int
}

// TenantLimiter throttles submissions per tenant with one token bucket per
// tenant, created lazily. It is safe for concurrent use.
type TenantLimiter struct {
	mu        sync.Mutex
	def       TenantConfig
	overrides map[string]TenantConfig
	limiters  map[string]*rate.Limiter
}

// NewTenantLimiter limits every tenant to perSecond with the given burst.
// A zero perSecond disables the default limit.
func NewTenantLimiter(perSecond float64, burst int) *TenantLimiter {
	return &TenantLimiter{
		def:       TenantConfig{RateLimit: perSecond, RateBurst: burst},
		overrides: make(map[string]TenantConfig),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// SetTenantConfig replaces the limit of one tenant. The tenant's bucket
// starts full again.
func (l *TenantLimiter) SetTenantConfig(cfg TenantConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[cfg.TenantID] = cfg
	delete(l.limiters, cfg.TenantID)
}

// Allow reports whether tenantID may submit now and spends a token if so.
// Submissions without a tenant are never limited.
func (l *TenantLimiter) Allow(tenantID string) bool {
	if l == nil || tenantID == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[tenantID]
	if !ok {
		cfg, ok := l.overrides[tenantID]
		if !ok {
			cfg = l.def
		}
		lim = newLimiter(cfg)
		l.limiters[tenantID] = lim
	}
	return lim.Allow()
}

func newLimiter(cfg TenantConfig) *rate.Limiter {
	if cfg.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
}
