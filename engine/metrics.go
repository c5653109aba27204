package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics, or one
// that was never registered, is a no-op.
type Metrics struct {
	registerOnce sync.Once

	pointsApplied      *prometheus.CounterVec
	demotions          *prometheus.CounterVec
	deductionsCreated  *prometheus.CounterVec
	deductionsReviewed *prometheus.CounterVec
	rolesExpired       prometheus.Counter
	monthlyResets      prometheus.Counter
}

// Register registers collectors with registry. Subsequent calls are no-ops.
func (m *Metrics) Register(registry prometheus.Registerer) {
	if m == nil || registry == nil {
		return
	}
	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.pointsApplied = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rankd_point_events_total",
			Help: "Total number of point events appended, by kind",
		}, []string{"kind"})

		m.demotions = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rankd_demotions_total",
			Help: "Total number of automatic demotions, by target rank",
		}, []string{"to"})

		m.deductionsCreated = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rankd_deductions_created_total",
			Help: "Total number of deduction requests created, by initial status",
		}, []string{"status"})

		m.deductionsReviewed = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rankd_deductions_reviewed_total",
			Help: "Total number of deduction requests reviewed, by decision",
		}, []string{"decision"})

		m.rolesExpired = factory.NewCounter(prometheus.CounterOpts{
			Name: "rankd_roles_expired_total",
			Help: "Total number of temporary roles reverted to the base rank",
		})

		m.monthlyResets = factory.NewCounter(prometheus.CounterOpts{
			Name: "rankd_monthly_resets_total",
			Help: "Total number of monthly point resets performed",
		})
	})
}

func (m *Metrics) incEvent(kind EventKind) {
	if m != nil && m.pointsApplied != nil {
		m.pointsApplied.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) incDemotion(to RankID) {
	if m != nil && m.demotions != nil {
		m.demotions.WithLabelValues(string(to)).Inc()
	}
}

func (m *Metrics) incDeductionCreated(status RequestStatus) {
	if m != nil && m.deductionsCreated != nil {
		m.deductionsCreated.WithLabelValues(string(status)).Inc()
	}
}

func (m *Metrics) incDeductionReviewed(d Decision) {
	if m != nil && m.deductionsReviewed != nil {
		m.deductionsReviewed.WithLabelValues(string(d)).Inc()
	}
}

func (m *Metrics) incRoleExpired() {
	if m != nil && m.rolesExpired != nil {
		m.rolesExpired.Inc()
	}
}

func (m *Metrics) incMonthlyReset() {
	if m != nil && m.monthlyResets != nil {
		m.monthlyResets.Inc()
	}
}
