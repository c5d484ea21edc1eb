package session

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts session lifecycle events.
type Metrics struct {
	created         *prometheus.CounterVec
	superseded      prometheus.Counter
	revoked         *prometheus.CounterVec
	authentications *prometheus.CounterVec
	refreshes       prometheus.Counter
	policyDenials   *prometheus.CounterVec
	swept           prometheus.Counter
}

// NewMetrics builds the counters and registers them on reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jaspr", Subsystem: "session", Name: "created_total",
			Help: "Sessions issued, by role and ER flag.",
		}, []string{"role", "in_er"}),
		superseded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jaspr", Subsystem: "session", Name: "superseded_total",
			Help: "ER patient sessions removed because a newer one was issued.",
		}),
		revoked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jaspr", Subsystem: "session", Name: "revoked_total",
			Help: "Sessions removed by logout or teardown, by reason.",
		}, []string{"reason"}),
		authentications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jaspr", Subsystem: "session", Name: "authentications_total",
			Help: "Token authentications, by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jaspr", Subsystem: "session", Name: "refreshes_total",
			Help: "Sliding expiry extensions written.",
		}),
		policyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jaspr", Subsystem: "session", Name: "policy_denials_total",
			Help: "Session requests rejected by policy, by class.",
		}, []string{"class"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jaspr", Subsystem: "session", Name: "swept_total",
			Help: "Expired sessions removed by the sweeper.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.created, m.superseded, m.revoked, m.authentications, m.refreshes, m.policyDenials, m.swept)
	}
	return m
}

// The methods below are safe on a nil *Metrics.

func (m *Metrics) sessionCreated(p Params) {
	if m != nil {
		m.created.WithLabelValues(string(p.Role), strconv.FormatBool(p.InER)).Inc()
	}
}

func (m *Metrics) sessionSuperseded(n int) {
	if m != nil {
		m.superseded.Add(float64(n))
	}
}

func (m *Metrics) sessionRevoked(reason string, n int) {
	if m != nil {
		m.revoked.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) authenticated(outcome string) {
	if m != nil {
		m.authentications.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) refreshed() {
	if m != nil {
		m.refreshes.Inc()
	}
}

func (m *Metrics) policyDenied(internal bool) {
	if m != nil {
		class := "user_facing"
		if internal {
			class = "internal"
		}
		m.policyDenials.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) expiredSwept(n int64) {
	if m != nil {
		m.swept.Add(float64(n))
	}
}
