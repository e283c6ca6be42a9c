// Package metrics exposes the service's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsTotal counts successful attendance records by method.
	RecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_records_total",
		Help: "Successful attendance records by verification method.",
	}, []string{"method"})

	// RejectionsTotal counts typed rejections by kind.
	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_rejections_total",
		Help: "Rejected operations by rejection kind.",
	}, []string{"kind"})

	// TokensIssuedTotal counts self-mark links issued.
	TokensIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_link_tokens_issued_total",
		Help: "Self-mark link tokens issued.",
	})

	// SessionsInProgress tracks currently open sessions.
	SessionsInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollcall_sessions_in_progress",
		Help: "Sessions currently accepting attendance.",
	})
)
