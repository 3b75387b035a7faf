package license

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Name:      "validations_total",
		Help:      "License validation requests by outcome.",
	}, []string{"result"})

	validationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "keygate",
		Name:      "validation_duration_seconds",
		Help:      "End-to-end latency of the admission algorithm.",
		Buckets:   prometheus.DefBuckets,
	})

	securityEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "keygate",
		Name:      "security_events_total",
		Help:      "Security events raised by the abuse detector, by type.",
	}, []string{"type"})

	sweeperExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keygate",
		Name:      "sweeper_expired_total",
		Help:      "Keys transitioned to expired by the sweeper.",
	})

	sweeperPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "keygate",
		Name:      "sweeper_purged_total",
		Help:      "Expired keys purged after the retention window.",
	})
)
