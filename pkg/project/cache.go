package project

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCacheSize is used when a non-positive cache size is configured.
const DefaultCacheSize = 1024

// Cache is a Getter which keeps recently used projects in memory in front of
// a slower Getter. Lookups that fail are not cached.
type Cache struct {
	inner Getter

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	cacheSize   prometheus.Gauge

	// mut serializes misses for the same cache so concurrent runs for the
	// same project only hit the inner Getter once.
	mut   sync.Mutex
	cache *lru.Cache[int64, *Project]
}

var _ Getter = (*Cache)(nil)

// NewCache returns a Cache of the given size in front of inner.
func NewCache(inner Getter, size int, reg prometheus.Registerer) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[int64, *Project](size)
	if err != nil {
		return nil, fmt.Errorf("creating project cache: %w", err)
	}

	c := &Cache{
		inner: inner,
		cache: cache,
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stackproc_project_cache_hits_total",
			Help: "Total number of project cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stackproc_project_cache_misses_total",
			Help: "Total number of project cache misses.",
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stackproc_project_cache_size",
			Help: "Number of projects held in the cache.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.cacheHits, c.cacheMisses, c.cacheSize)
	}
	return c, nil
}

// Get implements Getter.
func (c *Cache) Get(ctx context.Context, id int64) (*Project, error) {
	if p, ok := c.cache.Get(id); ok {
		c.cacheHits.Inc()
		return p, nil
	}

	c.mut.Lock()
	defer c.mut.Unlock()

	// Another caller may have filled the entry while we waited.
	if p, ok := c.cache.Get(id); ok {
		c.cacheHits.Inc()
		return p, nil
	}
	c.cacheMisses.Inc()

	p, err := c.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, p)
	c.cacheSize.Set(float64(c.cache.Len()))
	return p, nil
}
