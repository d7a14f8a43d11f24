package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// RegisterRedisPool exports connection pool stats of the shared store.
func (m *ServerMetrics) RegisterRedisPool(stats func() *redis.PoolStats) {
	gauge := func(name, help string, fn func(*redis.PoolStats) uint32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return float64(fn(stats())) })
	}
	counter := func(name, help string, fn func(*redis.PoolStats) uint32) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help},
			func() float64 { return float64(fn(stats())) })
	}
	m.reg.MustRegister(
		gauge("edgeguard_redis_pool_total_conns", "Open connections in the redis pool",
			func(s *redis.PoolStats) uint32 { return s.TotalConns }),
		gauge("edgeguard_redis_pool_idle_conns", "Idle connections in the redis pool",
			func(s *redis.PoolStats) uint32 { return s.IdleConns }),
		counter("edgeguard_redis_pool_hits_total", "Pool lookups that found a free connection",
			func(s *redis.PoolStats) uint32 { return s.Hits }),
		counter("edgeguard_redis_pool_misses_total", "Pool lookups that had to dial",
			func(s *redis.PoolStats) uint32 { return s.Misses }),
		counter("edgeguard_redis_pool_timeouts_total", "Pool waits that timed out",
			func(s *redis.PoolStats) uint32 { return s.Timeouts }),
	)
}
