package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics
var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_cache_hits_total",
		Help: "Cache hits by backend",
	}, []string{"backend"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_cache_misses_total",
		Help: "Cache misses by backend",
	}, []string{"backend"})

	cacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_engine_cache_invalidations_total",
		Help: "Keys invalidated by backend",
	}, []string{"backend"})
)
