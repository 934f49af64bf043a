package sas

import (
	"context"
	"errors"
	"time"

	operrors "github.com/lukasngl/sas-operator/internal/errors"
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// InstrumentedIssuer wraps a [TokenIssuer] with Prometheus metrics and
// structured logging. Create via [Instrument].
type InstrumentedIssuer struct {
	TokenIssuer

	// IssueDuration observes the duration of Issue calls, retries included.
	IssueDuration *prometheus.HistogramVec
	// IssueTotal counts Issue calls by result.
	IssueTotal *prometheus.CounterVec
	// IssueAttempts observes how many attempts each Issue call made.
	IssueAttempts prometheus.Histogram
}

// Instrument wraps an issuer with Prometheus metrics collection. Metrics are
// registered on the given registerer (use
// [sigs.k8s.io/controller-runtime/pkg/metrics.Registry] in production).
func Instrument(i TokenIssuer, reg prometheus.Registerer) *InstrumentedIssuer {
	ii := &InstrumentedIssuer{
		TokenIssuer: i,
		IssueDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "sas_operator_issue_duration_seconds",
			Help: "Duration of SAS issuance in seconds, including retries.",
		}, []string{"result"}),
		IssueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sas_operator_issue_total",
			Help: "Total number of SAS issuance calls.",
		}, []string{"result"}),
		IssueAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sas_operator_issue_attempts",
			Help:    "Number of attempts per SAS issuance call.",
			Buckets: []float64{1, 2, 3, 4, 5, 10},
		}),
	}
	reg.MustRegister(ii.IssueDuration, ii.IssueTotal, ii.IssueAttempts)
	return ii
}

// Issue delegates to the inner issuer and records duration and outcome.
func (i *InstrumentedIssuer) Issue(ctx context.Context, req Request) (*TokenInfo, error) {
	ctx = log.IntoContext(ctx,
		log.FromContext(ctx).WithValues("operation", "issue"))

	start := time.Now()
	info, err := i.TokenIssuer.Issue(ctx, req)
	duration := time.Since(start)

	label := resultLabel(err)
	i.IssueDuration.WithLabelValues(label).Observe(duration.Seconds())
	i.IssueTotal.WithLabelValues(label).Inc()

	l := log.FromContext(ctx).WithValues("duration", duration)
	if err != nil {
		var issueErr *operrors.IssuanceError
		if errors.As(err, &issueErr) && issueErr.Attempts > 0 {
			i.IssueAttempts.Observe(float64(issueErr.Attempts))
		}
		l.Error(err, "issue failed")
	} else {
		i.IssueAttempts.Observe(float64(info.Attempts))
		l.Info("issue complete", "expiry", info.Expiry, "attempts", info.Attempts)
	}
	return info, err
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
