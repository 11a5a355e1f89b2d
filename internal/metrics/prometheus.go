// Package metrics exports engine lifecycle events as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/snapmeta/snapmeta/pkg/api"
)

// PrometheusObserver implements api.Observer on top of a Prometheus
// registry. It is served by the host's /metrics endpoint.
type PrometheusObserver struct {
	instances        *prometheus.CounterVec
	activityOutcomes *prometheus.CounterVec
	activityRetries  *prometheus.CounterVec
	activityDuration *prometheus.HistogramVec
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver registers the engine metrics with reg and returns
// the observer. A nil reg uses the default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		instances: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapmeta_instances_total",
				Help: "Orchestration instances by lifecycle event (started, completed, failed)",
			},
			[]string{"event"},
		),
		activityOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapmeta_activity_outcomes_total",
				Help: "Terminal activity outcomes by activity name and result",
			},
			[]string{"activity", "result"},
		),
		activityRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapmeta_activity_retries_total",
				Help: "Dispatcher retry attempts beyond the first, by activity name",
			},
			[]string{"activity"},
		),
		activityDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "snapmeta_activity_duration_seconds",
				Help:    "Wall-clock duration of terminal activity invocations, including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"activity"},
		),
	}

	reg.MustRegister(o.instances, o.activityOutcomes, o.activityRetries, o.activityDuration)
	return o
}

func (o *PrometheusObserver) OnInstanceStart(ctx context.Context, inst *api.OrchestrationInstance) {
	o.instances.WithLabelValues("started").Inc()
}

func (o *PrometheusObserver) OnInstanceCompleted(ctx context.Context, inst *api.OrchestrationInstance) {
	o.instances.WithLabelValues("completed").Inc()
}

func (o *PrometheusObserver) OnInstanceFailed(ctx context.Context, inst *api.OrchestrationInstance, reason string) {
	o.instances.WithLabelValues("failed").Inc()
}

func (o *PrometheusObserver) OnActivityStart(ctx context.Context, instanceID, activity string, sequence int) {
}

func (o *PrometheusObserver) OnActivityCompleted(ctx context.Context, instanceID, activity string, sequence int, err error, attempts int, d time.Duration) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	o.activityOutcomes.WithLabelValues(activity, result).Inc()
	if attempts > 1 {
		o.activityRetries.WithLabelValues(activity).Add(float64(attempts - 1))
	}
	o.activityDuration.WithLabelValues(activity).Observe(d.Seconds())
}
