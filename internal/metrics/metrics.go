// Package metrics exposes Prometheus collectors for the subscription
// router and BPMN event-subscription behavior, namespaced under
// eventcore_subscription.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every collector the router and bpmn packages report
// through, registered once at process startup.
type Metrics struct {
	registerer prometheus.Registerer
	registered bool

	commandsSent     *prometheus.CounterVec
	commandsDropped  *prometheus.CounterVec
	triggersConsumed *prometheus.CounterVec
	publishLatency   *prometheus.HistogramVec
}

func newCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "eventcore",
		Subsystem: "subscription",
		Name:      name,
		Help:      help,
	}, labels)
}

func newHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "eventcore",
		Subsystem: "subscription",
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
}

// New builds a Metrics bound to registerer. A nil registerer uses
// prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:       registerer,
		commandsSent:     newCounterVec("commands_sent_total", "Subscription wire commands actually transmitted", []string{"command"}),
		commandsDropped:  newCounterVec("commands_dropped_total", "Subscription wire commands skipped because the target partition's leader is unknown", []string{"command"}),
		triggersConsumed: newCounterVec("triggers_consumed_total", "Event triggers consumed by a trigger* operation", []string{"element_type"}),
		publishLatency:   newHistogramVec("deferred_publish_latency_seconds", "Time between an event trigger being consumed and its deferred record being published", []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}, []string{"element_type"}),
	}
}

// Register registers every collector. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{m.commandsSent, m.commandsDropped, m.triggersConsumed, m.publishLatency}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// CommandSent records that command was transmitted to its target partition.
func (m *Metrics) CommandSent(command string) {
	m.commandsSent.WithLabelValues(command).Inc()
}

// CommandDropped records that command was skipped because its target
// partition's leader was unknown.
func (m *Metrics) CommandDropped(command string) {
	m.commandsDropped.WithLabelValues(command).Inc()
}

// TriggerConsumed records that a trigger* operation consumed one
// EventTrigger for elementType.
func (m *Metrics) TriggerConsumed(elementType string) {
	m.triggersConsumed.WithLabelValues(elementType).Inc()
}

// ObservePublishLatency records the delay between consuming a trigger and
// publishing its deferred record, in seconds.
func (m *Metrics) ObservePublishLatency(elementType string, seconds float64) {
	m.publishLatency.WithLabelValues(elementType).Observe(seconds)
}
