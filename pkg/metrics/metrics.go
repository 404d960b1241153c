package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors for the access layer. They are not registered by default;
// hosts that scrape call Register with their registry of choice.
var (
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vaultsq_cache_hits_total",
		Help: "Cumulative number of reads served from the result cache.",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vaultsq_cache_misses_total",
		Help: "Cumulative number of reads that required storage execution.",
	})
	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vaultsq_cache_evictions_total",
		Help: "Cumulative number of cached results evicted under capacity pressure.",
	})
	CacheInvalidatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vaultsq_cache_invalidated_total",
		Help: "Cumulative number of cached results removed by change-feed invalidation.",
	})
	StorageExecTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vaultsq_storage_exec_total",
		Help: "Cumulative number of statements executed against the storage engine.",
	})
	BusyRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vaultsq_busy_retries_total",
		Help: "Cumulative number of internal retries of busy storage operations.",
	})
	FatalErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vaultsq_fatal_errors_total",
		Help: "Cumulative number of fatal engine errors which poisoned a connection.",
	})
)

// Register registers all collectors of this package with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		CacheHitsTotal,
		CacheMissesTotal,
		CacheEvictionsTotal,
		CacheInvalidatedTotal,
		StorageExecTotal,
		BusyRetriesTotal,
		FatalErrorsTotal,
	)
}
