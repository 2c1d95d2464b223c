package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/blackmichael/retweet-curator/internal/domain"
)

const namespace = "retweet_curator"

// Recorder implements domain.Metrics with Prometheus collectors registered
// on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	decisions  *prometheus.CounterVec
	rejections *prometheus.CounterVec
	retweets   *prometheus.CounterVec
	reconciled *prometheus.CounterVec
	backups    *prometheus.CounterVec
}

var _ domain.Metrics = (*Recorder)(nil)

// NewRecorder creates a Recorder with Go runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Candidates evaluated, by outcome.",
		}, []string{"outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "check_failures_total",
			Help:      "Failed checks per evaluated candidate, by check.",
		}, []string{"check"}),
		retweets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retweets_total",
			Help:      "Retweet attempts, by result.",
		}, []string{"result"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_total",
			Help:      "Posts reconciled, by resulting status.",
		}, []string{"status"}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Store backups, by result.",
		}, []string{"result"}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.decisions,
		r.rejections,
		r.retweets,
		r.reconciled,
		r.backups,
	)
	return r
}

// Registry returns the registry to expose over HTTP.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) ObserveDecision(d domain.Decision) {
	outcome := "accepted"
	if !d.Accepted {
		outcome = "rejected"
	}
	r.decisions.WithLabelValues(outcome).Inc()
	for _, check := range d.Rationale.Failed() {
		r.rejections.WithLabelValues(check).Inc()
	}
}

func (r *Recorder) ObserveRetweet(result string) {
	r.retweets.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveReconcile(status domain.Status) {
	r.reconciled.WithLabelValues(string(status)).Inc()
}

// ObserveBackup counts a backup attempt.
func (r *Recorder) ObserveBackup(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.backups.WithLabelValues(result).Inc()
}
