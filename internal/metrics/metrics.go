// Package metrics exposes prometheus instrumentation for the registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "nodereg"
)

var (
	// PingsTotal counts handled pings by outcome
	PingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pings_total",
			Help:      "Total number of node pings handled",
		},
		[]string{"result"}, // ok/invalid/unauthorized/conflict/exhausted/not_found/error
	)

	// SlotClaimRetries counts slot claims lost to another node
	SlotClaimRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_claim_retries_total",
			Help:      "Total number of slot claims rejected by the uniqueness constraint",
		},
	)

	// SlotsAssigned counts successful slot assignments
	SlotsAssigned = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_assigned_total",
			Help:      "Total number of slot numbers assigned",
		},
	)

	// DNSSyncTotal counts DNS synchronization runs by outcome
	DNSSyncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_sync_total",
			Help:      "Total number of DNS synchronizations",
		},
		[]string{"result"}, // ok/failed
	)

	// StaleRecordsCleared counts IP addresses taken away from stale nodes
	StaleRecordsCleared = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_records_cleared_total",
			Help:      "Total number of stale node records whose IP address was cleared",
		},
	)

	// DNSCommandDuration measures update command latency
	DNSCommandDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dns_command_duration_seconds",
			Help:      "DNS update command latency in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60},
		},
	)
)

// RecordPing records the outcome of one ping.
func RecordPing(result string) {
	PingsTotal.WithLabelValues(result).Inc()
}

// RecordDNSSync records the outcome of one synchronization.
func RecordDNSSync(ok bool) {
	if ok {
		DNSSyncTotal.WithLabelValues("ok").Inc()
		return
	}
	DNSSyncTotal.WithLabelValues("failed").Inc()
}

// RecordDNSCommand records the duration of one update command run.
func RecordDNSCommand(d time.Duration) {
	DNSCommandDuration.Observe(d.Seconds())
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
