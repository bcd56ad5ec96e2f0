package tariff

import (
	"context"
	"fmt"
	"time"

	goCache "github.com/patrickmn/go-cache"

	"github.com/bher20/aquabill/internal/billing"
	"github.com/bher20/aquabill/internal/metrics"
)

// DefaultTTL is how long a resolved tariff stays cached.
const DefaultTTL = 10 * time.Minute

// CachedResolver memoizes successful lookups of another resolver. Not-found
// results and faults are never cached, so a tariff added later is picked up
// on the next calculation.
type CachedResolver struct {
	next  billing.TariffResolver
	cache *goCache.Cache
}

func NewCachedResolver(next billing.TariffResolver, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedResolver{
		next:  next,
		cache: goCache.New(ttl, 2*ttl),
	}
}

func cacheKey(class billing.CustomerClass, year int) string {
	return fmt.Sprintf("tariff:v1:%s:%d", class, year)
}

func (c *CachedResolver) Resolve(ctx context.Context, class billing.CustomerClass, year int) (*billing.TariffConfiguration, error) {
	k := cacheKey(class, year)
	if v, ok := c.cache.Get(k); ok {
		metrics.TariffCacheLookupsTotal.WithLabelValues("hit").Inc()
		return v.(*billing.TariffConfiguration).Clone(), nil
	}
	metrics.TariffCacheLookupsTotal.WithLabelValues("miss").Inc()

	cfg, err := c.next.Resolve(ctx, class, year)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, nil
	}
	c.cache.Set(k, cfg.Clone(), goCache.DefaultExpiration)
	return cfg, nil
}

// Invalidate drops one cached configuration.
func (c *CachedResolver) Invalidate(class billing.CustomerClass, year int) {
	c.cache.Delete(cacheKey(class, year))
}
