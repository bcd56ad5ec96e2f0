package tariff

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bher20/aquabill/internal/billing"
)

type key struct {
	class billing.CustomerClass
	year  int
}

// StaticResolver serves a fixed set of configurations from memory.
type StaticResolver struct {
	mu      sync.RWMutex
	tariffs map[key]*billing.TariffConfiguration
}

// NewStaticResolver indexes cfgs by class and year. Two configurations for
// the same key are an error.
func NewStaticResolver(cfgs ...*billing.TariffConfiguration) (*StaticResolver, error) {
	r := &StaticResolver{tariffs: make(map[key]*billing.TariffConfiguration, len(cfgs))}
	for _, c := range cfgs {
		if c == nil {
			continue
		}
		k := key{c.CustomerClass, c.Year}
		if _, dup := r.tariffs[k]; dup {
			return nil, fmt.Errorf("duplicate tariff for %s/%d", c.CustomerClass, c.Year)
		}
		r.tariffs[k] = c.Clone()
	}
	return r, nil
}

func (r *StaticResolver) Resolve(_ context.Context, class billing.CustomerClass, year int) (*billing.TariffConfiguration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.tariffs[key{class, year}]
	if !ok || len(c.Tiers) == 0 {
		return nil, fmt.Errorf("%w: %s/%d", billing.ErrTariffNotFound, class, year)
	}
	return c.Clone(), nil
}

// Put adds or replaces one configuration.
func (r *StaticResolver) Put(c *billing.TariffConfiguration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tariffs[key{c.CustomerClass, c.Year}] = c.Clone()
}

// All returns the configurations ordered by year, then class.
func (r *StaticResolver) All() []*billing.TariffConfiguration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*billing.TariffConfiguration, 0, len(r.tariffs))
	for _, c := range r.tariffs {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year < out[j].Year
		}
		return out[i].CustomerClass < out[j].CustomerClass
	})
	return out
}
