// Package metrics holds the Prometheus instruments for the compliance core.
// All methods are safe to call on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the compliance core.
type Metrics struct {
	AuditEventsAppended    *prometheus.CounterVec
	AuditAppendFailures    prometheus.Counter
	ViolationsDetected     *prometheus.CounterVec
	IntegrityTampered      prometheus.Gauge
	IntegrityChecks        prometheus.Counter
	CryptoFailures         *prometheus.CounterVec
	BatchItemsDropped      *prometheus.CounterVec
	KeyRotations           prometheus.Counter
	CurrentKeyVersion      prometheus.Gauge
	RetentionPurged        *prometheus.CounterVec
	LiveSubscribers        prometheus.Gauge
	LiveSubscribersEvicted prometheus.Counter
}

// New creates and registers all metrics against reg. Pass
// prometheus.DefaultRegisterer in the server and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AuditEventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ehr_audit_events_appended_total",
			Help: "Audit events appended to the tamper-evident chain",
		}, []string{"type", "severity"}),
		AuditAppendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "ehr_audit_append_failures_total",
			Help: "Audit appends rejected or failed before reaching the chain",
		}),
		ViolationsDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ehr_compliance_violations_detected_total",
			Help: "Compliance violations stored by the detector",
		}, []string{"type"}),
		IntegrityTampered: f.NewGauge(prometheus.GaugeOpts{
			Name: "ehr_audit_integrity_tampered_events",
			Help: "Tampered events found by the most recent integrity verification",
		}),
		IntegrityChecks: f.NewCounter(prometheus.CounterOpts{
			Name: "ehr_audit_integrity_checks_total",
			Help: "Integrity verifications run",
		}),
		CryptoFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ehr_crypto_failures_total",
			Help: "Failed encrypt/decrypt operations by reason",
		}, []string{"op", "reason"}),
		BatchItemsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ehr_crypto_batch_items_dropped_total",
			Help: "Items silently dropped from batch encrypt/decrypt",
		}, []string{"op"}),
		KeyRotations: f.NewCounter(prometheus.CounterOpts{
			Name: "ehr_encryption_key_rotations_total",
			Help: "Encryption key rotations performed",
		}),
		CurrentKeyVersion: f.NewGauge(prometheus.GaugeOpts{
			Name: "ehr_encryption_current_key_version",
			Help: "Key version used for new encryptions",
		}),
		RetentionPurged: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ehr_retention_purged_total",
			Help: "Records removed by the retention enforcer",
		}, []string{"collection"}),
		LiveSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "ehr_live_subscribers",
			Help: "Currently registered live audit event subscribers",
		}),
		LiveSubscribersEvicted: f.NewCounter(prometheus.CounterOpts{
			Name: "ehr_live_subscribers_evicted_total",
			Help: "Live subscribers dropped for being closed or too slow",
		}),
	}
}

func (m *Metrics) EventAppended(eventType, severity string) {
	if m == nil {
		return
	}
	m.AuditEventsAppended.WithLabelValues(eventType, severity).Inc()
}

func (m *Metrics) AppendFailed() {
	if m == nil {
		return
	}
	m.AuditAppendFailures.Inc()
}

func (m *Metrics) ViolationDetected(violationType string) {
	if m == nil {
		return
	}
	m.ViolationsDetected.WithLabelValues(violationType).Inc()
}

func (m *Metrics) IntegrityVerified(tampered int) {
	if m == nil {
		return
	}
	m.IntegrityChecks.Inc()
	m.IntegrityTampered.Set(float64(tampered))
}

func (m *Metrics) CryptoFailed(op, reason string) {
	if m == nil {
		return
	}
	m.CryptoFailures.WithLabelValues(op, reason).Inc()
}

func (m *Metrics) BatchItemDropped(op string) {
	if m == nil {
		return
	}
	m.BatchItemsDropped.WithLabelValues(op).Inc()
}

func (m *Metrics) KeyRotated(newVersion int) {
	if m == nil {
		return
	}
	m.KeyRotations.Inc()
	m.CurrentKeyVersion.Set(float64(newVersion))
}

func (m *Metrics) SetKeyVersion(version int) {
	if m == nil {
		return
	}
	m.CurrentKeyVersion.Set(float64(version))
}

func (m *Metrics) RetentionRemoved(collection string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RetentionPurged.WithLabelValues(collection).Add(float64(n))
}

func (m *Metrics) SetLiveSubscribers(n int) {
	if m == nil {
		return
	}
	m.LiveSubscribers.Set(float64(n))
}

func (m *Metrics) SubscriberEvicted() {
	if m == nil {
		return
	}
	m.LiveSubscribersEvicted.Inc()
}
