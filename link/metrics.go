package link

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an optional Prometheus instrumentation sink for CbsAgent and
// TwinClient. A nil *Metrics is never touched; every call site guards on
// it, so instrumentation is opt-in.
type Metrics struct {
	putTokenAttempted prometheus.Counter
	putTokenSucceeded prometheus.Counter
	putTokenFailed    prometheus.Counter
	putTokenTimedOut  prometheus.Counter

	twinRequestsSent      *prometheus.CounterVec
	twinRequestDuration   prometheus.Histogram
	twinDesiredPropsPushed prometheus.Counter
}

// NewMetrics registers a fresh set of collectors on reg. Pass
// prometheus.DefaultRegisterer to publish through the default handler, or a
// dedicated registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		putTokenAttempted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "twinlink",
			Subsystem: "cbs",
			Name:      "put_token_attempted_total",
			Help:      "Number of put-token requests sent.",
		}),
		putTokenSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "twinlink",
			Subsystem: "cbs",
			Name:      "put_token_succeeded_total",
			Help:      "Number of put-token requests that received a 200 status.",
		}),
		putTokenFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "twinlink",
			Subsystem: "cbs",
			Name:      "put_token_failed_total",
			Help:      "Number of put-token requests that failed (send error or any status other than 200).",
		}),
		putTokenTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "twinlink",
			Subsystem: "cbs",
			Name:      "put_token_timed_out_total",
			Help:      "Number of put-token requests that never received a response.",
		}),
		twinRequestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "twinlink",
			Subsystem: "twin",
			Name:      "requests_sent_total",
			Help:      "Number of twin requests sent, by operation.",
		}, []string{"operation"}),
		twinRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "twinlink",
			Subsystem: "twin",
			Name:      "request_duration_seconds",
			Help:      "Round trip latency of twin GET/PATCH requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		twinDesiredPropsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "twinlink",
			Subsystem: "twin",
			Name:      "desired_properties_pushed_total",
			Help:      "Number of desired-property push notifications applied.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.putTokenAttempted, m.putTokenSucceeded, m.putTokenFailed, m.putTokenTimedOut,
			m.twinRequestsSent, m.twinRequestDuration, m.twinDesiredPropsPushed,
		)
	}
	return m
}

func (m *Metrics) PutTokenAttempted() { m.putTokenAttempted.Inc() }
func (m *Metrics) PutTokenSucceeded() { m.putTokenSucceeded.Inc() }
func (m *Metrics) PutTokenFailed()    { m.putTokenFailed.Inc() }
func (m *Metrics) PutTokenTimedOut()  { m.putTokenTimedOut.Inc() }

func (m *Metrics) TwinRequestSent(operation string) { m.twinRequestsSent.WithLabelValues(operation).Inc() }
func (m *Metrics) ObserveTwinRequestSeconds(seconds float64) {
	m.twinRequestDuration.Observe(seconds)
}
func (m *Metrics) DesiredPropertyPushed() { m.twinDesiredPropsPushed.Inc() }
