package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PoolMetrics instruments the SPM role controller.
type PoolMetrics struct {
	role        prometheus.Gauge
	startsTotal *prometheus.CounterVec
	stopsTotal  *prometheus.CounterVec
	migrations  *prometheus.CounterVec
}

// NewPoolMetrics creates Prometheus-backed controller metrics, or nil if
// InitRegistry was never called.
func NewPoolMetrics() *PoolMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &PoolMetrics{
		role: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "spoold_spm_role",
				Help: "Current SPM role (0=free, 1=contending, 2=acquired)",
			},
		),
		startsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "spoold_spm_starts_total",
				Help: "StartSPM attempts by result",
			},
			[]string{"result"}, // "acquired", "failed", "rejected"
		),
		stopsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "spoold_spm_stops_total",
				Help: "StopSPM calls by result",
			},
			[]string{"result"},
		),
		migrations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "spoold_spm_master_migrations_total",
				Help: "Master domain migrations by result",
			},
			[]string{"result"},
		),
	}
}

func (m *PoolMetrics) SetRole(role int) {
	if m == nil {
		return
	}
	m.role.Set(float64(role))
}

func (m *PoolMetrics) RecordStart(result string) {
	if m == nil {
		return
	}
	m.startsTotal.WithLabelValues(result).Inc()
}

func (m *PoolMetrics) RecordStop(result string) {
	if m == nil {
		return
	}
	m.stopsTotal.WithLabelValues(result).Inc()
}

func (m *PoolMetrics) RecordMigration(result string) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(result).Inc()
}
