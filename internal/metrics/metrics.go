// Package metrics exposes Prometheus metrics for the content filter:
//
//   - chatguard_scans_total: scans by source and outcome (clean, flagged, redacted)
//   - chatguard_detections_total: detections by category
//   - chatguard_scan_duration_seconds: scan latency by source
//   - chatguard_cache_lookups_total: result cache hits and misses
//   - chatguard_rate_limited_total: rejected requests
//   - chatguard_audit_writes_total: audit store writes by status
//   - chatguard_websocket_clients: connected dashboard clients
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/donezo/chatguard/internal/policy"
)

// Scan outcomes
const (
	OutcomeClean    = "clean"
	OutcomeFlagged  = "flagged"
	OutcomeRedacted = "redacted"
)

var (
	// ScansTotal counts scanned messages
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatguard_scans_total",
			Help: "Total number of scanned messages",
		},
		[]string{"source", "outcome"},
	)

	// DetectionsTotal counts messages per detected category
	DetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatguard_detections_total",
			Help: "Messages in which a category was detected",
		},
		[]string{"category"},
	)

	// ScanDuration tracks scan latency in seconds
	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatguard_scan_duration_seconds",
			Help:    "Scan duration in seconds",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
		[]string{"source"},
	)

	// CacheLookupsTotal counts result cache lookups
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatguard_cache_lookups_total",
			Help: "Result cache lookups by result",
		},
		[]string{"result"},
	)

	// RateLimitedTotal counts rejected requests
	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatguard_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	// AuditWritesTotal counts audit store writes
	AuditWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatguard_audit_writes_total",
			Help: "Audit record writes by status",
		},
		[]string{"status"},
	)

	// WebSocketClients tracks connected dashboard clients
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatguard_websocket_clients",
			Help: "Connected websocket clients",
		},
	)
)

// Outcome classifies a scan result
func Outcome(result policy.ScanResult) string {
	switch {
	case result.HasViolation:
		return OutcomeRedacted
	case result.Flagged():
		return OutcomeFlagged
	default:
		return OutcomeClean
	}
}

// RecordScan records one scan result
func RecordScan(source string, result policy.ScanResult, duration time.Duration) {
	ScansTotal.WithLabelValues(source, Outcome(result)).Inc()
	ScanDuration.WithLabelValues(source).Observe(duration.Seconds())
	for _, c := range result.Categories {
		DetectionsTotal.WithLabelValues(string(c)).Inc()
	}
}

// RecordCacheLookup records a cache hit or miss
func RecordCacheLookup(hit bool) {
	if hit {
		CacheLookupsTotal.WithLabelValues("hit").Inc()
		return
	}
	CacheLookupsTotal.WithLabelValues("miss").Inc()
}

// RecordAuditWrite records the outcome of an audit write of n records
func RecordAuditWrite(n int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	AuditWritesTotal.WithLabelValues(status).Add(float64(n))
}
