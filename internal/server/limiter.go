package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// staleAfter is how long an idle tenant keeps its limiter.
const staleAfter = 10 * time.Minute

// TenantLimiter bounds intent admission per tenant with a token bucket.
//
// Thread-safety: safe for concurrent use.
type TenantLimiter struct {
	mu      sync.Mutex
	tenants map[string]*tenantBucket
	limit   rate.Limit
	burst   int
	now     func() time.Time
	sweptAt time.Time
}

type tenantBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTenantLimiter allows rps requests per second per tenant with the given
// burst.
func NewTenantLimiter(rps float64, burst int) *TenantLimiter {
	return &TenantLimiter{
		tenants: make(map[string]*tenantBucket),
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether tenantID may submit now, consuming a token if so.
func (l *TenantLimiter) Allow(tenantID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)
	b, ok := l.tenants[tenantID]
	if !ok {
		b = &tenantBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.tenants[tenantID] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// sweep drops idle tenants at most once per staleAfter.
func (l *TenantLimiter) sweep(now time.Time) {
	if now.Sub(l.sweptAt) < staleAfter {
		return
	}
	l.sweptAt = now
	for id, b := range l.tenants {
		if now.Sub(b.lastSeen) > staleAfter {
			delete(l.tenants, id)
		}
	}
}

// Tenants returns the number of tracked tenants.
func (l *TenantLimiter) Tenants() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tenants)
}
