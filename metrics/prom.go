package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "burnbin_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteViewed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burnbin_paste_viewed_total",
			Help: "no. of successful paste views",
		},
		[]string{"variant"},
	)
	PasteNotFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "burnbin_paste_not_found_total",
		Help: "no. of fetches answered as not found",
	})
	TombstoneHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "burnbin_tombstone_hits_total",
		Help: "no. of fetches short-circuited by an exhausted-paste tombstone",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burnbin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burnbin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "burnbin_prune_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	PrunedPastes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "burnbin_pruned_pastes_total",
		Help: "no. of expired or exhausted pastes deleted by the cleaner",
	})
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burnbin_store_errors_total",
			Help: "no. of failed store operations",
		},
		[]string{"op"},
	)
)
