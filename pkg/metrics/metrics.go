// Package metrics exports the proxy's Prometheus instrumentation.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the engine's metric set. A nil *Collector is valid and
// records nothing, so instrumentation stays optional.
type Collector struct {
	requestsTotal    *prometheus.CounterVec
	responsesRelayed *prometheus.CounterVec
	forkBranches     prometheus.Counter
	sendFailures     prometheus.Counter
	activeContexts   prometheus.Gauge
}

// New registers the metric set on reg.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipio",
			Name:      "requests_total",
			Help:      "Inbound SIP requests by method.",
		}, []string{"method"}),
		responsesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipio",
			Name:      "responses_relayed_total",
			Help:      "Responses relayed toward callers by status class.",
		}, []string{"class"}),
		forkBranches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sipio",
			Name:      "fork_branches_total",
			Help:      "Client transactions created for forwarded branches.",
		}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sipio",
			Name:      "send_failures_total",
			Help:      "Branches dropped because the transport send failed.",
		}),
		activeContexts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sipio",
			Name:      "active_contexts",
			Help:      "Transaction contexts currently stored.",
		}),
	}
}

func (c *Collector) RequestReceived(method string) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(method).Inc()
}

func (c *Collector) ResponseRelayed(statusCode int) {
	if c == nil {
		return
	}
	c.responsesRelayed.WithLabelValues(strconv.Itoa(statusCode/100) + "xx").Inc()
}

func (c *Collector) BranchForwarded() {
	if c == nil {
		return
	}
	c.forkBranches.Inc()
}

func (c *Collector) SendFailed() {
	if c == nil {
		return
	}
	c.sendFailures.Inc()
}

func (c *Collector) ContextsActive(n int) {
	if c == nil {
		return
	}
	c.activeContexts.Set(float64(n))
}
