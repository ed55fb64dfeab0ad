// Package metrics exposes Prometheus collectors for the sync engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tombolacan/tombola/internal/record"
	"github.com/tombolacan/tombola/internal/store"
)

// Pass results.
const (
	PassCompleted = "completed"
	PassBusy      = "busy"
	PassOffline   = "offline"
	PassFailed    = "failed"
)

// Record outcomes.
const (
	OutcomeSynced   = "synced"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
	OutcomeStorage  = "storage_failure"
	OutcomeSkipped  = "skipped"
)

var (
	// SyncPassesTotal counts sync pass requests by result.
	SyncPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tombola_sync_passes_total",
		Help: "Total number of sync pass requests by result",
	}, []string{"result"})

	// SyncRecordsTotal counts per-record sync outcomes.
	SyncRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tombola_sync_records_total",
		Help: "Total number of records processed by sync passes, by outcome",
	}, []string{"outcome"})

	// SyncPassDuration measures completed pass duration.
	SyncPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tombola_sync_pass_duration_seconds",
		Help:    "Duration of completed sync passes in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	})

	// AttachmentUploadsTotal counts best-effort attachment uploads.
	AttachmentUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tombola_attachment_uploads_total",
		Help: "Total number of attachment uploads by result",
	}, []string{"result"})

	// Records is the current number of local records per status.
	Records = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tombola_records",
		Help: "Current number of local records by status",
	}, []string{"status"})
)

// RecordPass records a pass request. Duration is observed only for
// completed passes.
func RecordPass(result string, duration time.Duration) {
	SyncPassesTotal.WithLabelValues(result).Inc()
	if result == PassCompleted {
		SyncPassDuration.Observe(duration.Seconds())
	}
}

// RecordOutcome records the outcome of one record within a pass.
func RecordOutcome(outcome string) {
	SyncRecordsTotal.WithLabelValues(outcome).Inc()
}

// RecordAttachmentUpload records an attachment upload attempt.
func RecordAttachmentUpload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	AttachmentUploadsTotal.WithLabelValues(result).Inc()
}

// SetRecordCounts publishes aggregate counts to the status gauge.
func SetRecordCounts(stats store.Stats) {
	for _, s := range record.AllStatuses {
		Records.WithLabelValues(string(s)).Set(float64(stats.Count(s)))
	}
}
