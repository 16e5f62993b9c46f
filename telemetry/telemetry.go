// Package telemetry counts what the link does so an operator can see how
// often tests fail or degrade to the fallback path.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives telemetry events from the link. Implementations must
// be cheap: hooks run inline with the command/poll loop.
type Collector interface {
	TestStarted()
	TestCompleted(fallback bool)
	TestFailed(reason string)
	PollIteration()
}

type noopCollector struct{}

// Noop returns a collector that discards all events.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) TestStarted()       {}
func (noopCollector) TestCompleted(bool) {}
func (noopCollector) TestFailed(string)  {}
func (noopCollector) PollIteration()     {}

// PrometheusCollector exposes link counters via Prometheus.
type PrometheusCollector struct {
	started   prometheus.Counter
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	polls     prometheus.Counter
}

var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the link metrics with the provided
// registerer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &PrometheusCollector{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tooltalk_torque_tests_started_total",
			Help: "Number of torque tests started.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tooltalk_torque_tests_completed_total",
			Help: "Number of torque tests completed, by result parsing outcome.",
		}, []string{"result"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tooltalk_torque_tests_failed_total",
			Help: "Number of torque tests failed, by reason.",
		}, []string{"reason"}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tooltalk_result_polls_total",
			Help: "Number of last-result poll iterations.",
		}),
	}

	for _, col := range []prometheus.Collector{c.started, c.completed, c.failed, c.polls} {
		if err := reg.Register(col); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return nil, err
			}
		}
	}
	return c, nil
}

func (c *PrometheusCollector) TestStarted() {
	c.started.Inc()
}

func (c *PrometheusCollector) TestCompleted(fallback bool) {
	result := "parsed"
	if fallback {
		result = "fallback"
	}
	c.completed.WithLabelValues(result).Inc()
}

func (c *PrometheusCollector) TestFailed(reason string) {
	c.failed.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) PollIteration() {
	c.polls.Inc()
}
