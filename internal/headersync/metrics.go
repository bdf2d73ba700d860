package headersync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "headersync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of download rounds started.
	Rounds metrics.Counter
	// Number of rounds that failed and were scheduled for retry.
	RoundFailures metrics.Counter
	// Number of tasks created.
	TasksCreated metrics.Counter
	// Number of tasks whose first error failed their round.
	TaskFailures metrics.Counter
	// Number of headers committed to the index by successful tasks.
	HeadersDownloaded metrics.Counter
	// Number of headers indexed locally.
	LocalHeight metrics.Gauge
	// Remote tip height plus one, as of the last poll.
	TargetHeight metrics.Gauge
	// Number of tasks currently registered.
	LiveTasks metrics.Gauge
}

// PrometheusMetrics returns Metrics built using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Rounds: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "rounds",
			Help:      "Number of download rounds started.",
		}, labels).With(labelsAndValues...),
		RoundFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "round_failures",
			Help:      "Number of rounds that failed and were scheduled for retry.",
		}, labels).With(labelsAndValues...),
		TasksCreated: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "tasks_created",
			Help:      "Number of tasks created.",
		}, labels).With(labelsAndValues...),
		TaskFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "task_failures",
			Help:      "Number of tasks whose first error failed their round.",
		}, labels).With(labelsAndValues...),
		HeadersDownloaded: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "headers_downloaded",
			Help:      "Number of headers committed to the index by successful tasks.",
		}, labels).With(labelsAndValues...),
		LocalHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "local_height",
			Help:      "Number of headers indexed locally.",
		}, labels).With(labelsAndValues...),
		TargetHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "target_height",
			Help:      "Remote tip height plus one, as of the last poll.",
		}, labels).With(labelsAndValues...),
		LiveTasks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "live_tasks",
			Help:      "Number of tasks currently registered.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Rounds:            discard.NewCounter(),
		RoundFailures:     discard.NewCounter(),
		TasksCreated:      discard.NewCounter(),
		TaskFailures:      discard.NewCounter(),
		HeadersDownloaded: discard.NewCounter(),
		LocalHeight:       discard.NewGauge(),
		TargetHeight:      discard.NewGauge(),
		LiveTasks:         discard.NewGauge(),
	}
}
