package controller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/types"
)

// Metrics holds the reconciler's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	// ReconcileErrors counts failed reconciliations by error kind.
	ReconcileErrors *prometheus.CounterVec
	// TokenExpiry is the expiry of the current token per SasGenerator, as a
	// Unix timestamp.
	TokenExpiry *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg (use
// [sigs.k8s.io/controller-runtime/pkg/metrics.Registry] in production).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReconcileErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sas_operator_reconcile_errors_total",
			Help: "Total number of failed reconciliations by error kind.",
		}, []string{"kind"}),
		TokenExpiry: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sas_operator_token_expiry_timestamp_seconds",
			Help: "Expiry of the current SAS token as a Unix timestamp.",
		}, []string{"namespace", "name"}),
	}
	reg.MustRegister(m.ReconcileErrors, m.TokenExpiry)
	return m
}

func (m *Metrics) recordError(kind string) {
	if m == nil {
		return
	}
	m.ReconcileErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) observeExpiry(key types.NamespacedName, expiry time.Time) {
	if m == nil {
		return
	}
	m.TokenExpiry.WithLabelValues(key.Namespace, key.Name).Set(float64(expiry.Unix()))
}

func (m *Metrics) forget(key types.NamespacedName) {
	if m == nil {
		return
	}
	m.TokenExpiry.DeleteLabelValues(key.Namespace, key.Name)
}
