package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MailboxMetrics instruments both mailbox roles.
//
// Returns nil from the constructor when metrics are disabled; all methods
// tolerate a nil receiver.
type MailboxMetrics struct {
	flushes        *prometheus.CounterVec
	ioErrors       *prometheus.CounterVec
	checksumErrors prometheus.Counter
	requestsSent   prometheus.Counter
	repliesSent    prometheus.Counter
	dispatched     *prometheus.CounterVec
	completions    prometheus.Counter
	slotsInFlight  prometheus.Gauge
}

// NewMailboxMetrics creates Prometheus-backed mailbox metrics, or nil if
// InitRegistry was never called.
func NewMailboxMetrics() *MailboxMetrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &MailboxMetrics{
		flushes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "spoold_mailbox_flushes_total",
				Help: "Mailbox buffer flushes to the shared device by role",
			},
			[]string{"role"}, // "hsm", "spm"
		),
		ioErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "spoold_mailbox_io_errors_total",
				Help: "Recoverable block transport failures by role",
			},
			[]string{"role"},
		),
		checksumErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "spoold_mailbox_checksum_errors_total",
				Help: "Host mailboxes skipped for one pass due to checksum mismatch",
			},
		),
		requestsSent: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "spoold_mailbox_requests_sent_total",
				Help: "Requests accepted into a local mailbox slot",
			},
		),
		repliesSent: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "spoold_mailbox_replies_sent_total",
				Help: "Replies written by the coordinator",
			},
		),
		dispatched: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "spoold_mailbox_dispatched_total",
				Help: "Requests dispatched to handlers by opcode",
			},
			[]string{"opcode"},
		),
		completions: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "spoold_mailbox_completions_total",
				Help: "Completion callbacks invoked on the requester side",
			},
		),
		slotsInFlight: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "spoold_mailbox_slots_in_flight",
				Help: "Outstanding request slots on this host",
			},
		),
	}
}

func (m *MailboxMetrics) RecordFlush(role string) {
	if m == nil {
		return
	}
	m.flushes.WithLabelValues(role).Inc()
}

func (m *MailboxMetrics) RecordIOError(role string) {
	if m == nil {
		return
	}
	m.ioErrors.WithLabelValues(role).Inc()
}

func (m *MailboxMetrics) RecordChecksumError() {
	if m == nil {
		return
	}
	m.checksumErrors.Inc()
}

func (m *MailboxMetrics) RecordRequestSent() {
	if m == nil {
		return
	}
	m.requestsSent.Inc()
}

func (m *MailboxMetrics) RecordReplySent() {
	if m == nil {
		return
	}
	m.repliesSent.Inc()
}

func (m *MailboxMetrics) RecordDispatch(opcode string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(opcode).Inc()
}

func (m *MailboxMetrics) RecordCompletion() {
	if m == nil {
		return
	}
	m.completions.Inc()
}

func (m *MailboxMetrics) SetSlotsInFlight(n int) {
	if m == nil {
		return
	}
	m.slotsInFlight.Set(float64(n))
}
