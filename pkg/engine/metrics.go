package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus instruments.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	RequestsEmitted  *prometheus.CounterVec
	ProcessingErrors *prometheus.CounterVec
	SnoopedTemplates *prometheus.CounterVec
}

// NewMetrics registers the engine's instruments with the given registerer.
// Pass prometheus.DefaultRegisterer outside of tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mapper_messages_received_total",
			Help: "Messages received per tenant and direction.",
		}, []string{"tenant", "direction"}),
		RequestsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mapper_requests_emitted_total",
			Help: "Domain requests emitted per tenant and target API.",
		}, []string{"tenant", "api"}),
		ProcessingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mapper_processing_errors_total",
			Help: "Processing failures per tenant and stage.",
		}, []string{"tenant", "stage"}),
		SnoopedTemplates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mapper_snooped_templates_total",
			Help: "Payload samples captured for snooping mappings per tenant.",
		}, []string{"tenant"}),
	}
}
