package pubsub

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the registry's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	topics      prometheus.Gauge
	subscribers prometheus.Gauge
	events      prometheus.Counter
	dropped     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		topics: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "messenger_pubsub_topics",
			Help: "Current number of topics with at least one subscriber",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "messenger_pubsub_subscribers",
			Help: "Current number of live subscriptions",
		}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messenger_pubsub_events_published_total",
			Help: "Total number of events published",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "messenger_pubsub_subscribers_dropped_total",
			Help: "Total number of subscribers dropped for a full or closed queue",
		}),
	}
	reg.MustRegister(m.topics, m.subscribers, m.events, m.dropped)
	return m
}

func (m *Metrics) topicAdded() {
	if m != nil {
		m.topics.Inc()
	}
}

func (m *Metrics) topicRemoved() {
	if m != nil {
		m.topics.Dec()
	}
}

func (m *Metrics) subscriberAdded() {
	if m != nil {
		m.subscribers.Inc()
	}
}

func (m *Metrics) subscriberRemoved() {
	if m != nil {
		m.subscribers.Dec()
	}
}

func (m *Metrics) subscriberDropped() {
	if m != nil {
		m.subscribers.Dec()
		m.dropped.Inc()
	}
}

func (m *Metrics) published() {
	if m != nil {
		m.events.Inc()
	}
}
