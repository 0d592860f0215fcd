package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WebhookEvents     *prometheus.CounterVec
	FunnelTransitions *prometheus.CounterVec
	Deliveries        *prometheus.CounterVec
	DeliveryLatency   *prometheus.HistogramVec
	SchedulerFires    *prometheus.CounterVec
	PendingEvents     *prometheus.GaugeVec
	DeadLetters       prometheus.Gauge
	ChannelMessages   *prometheus.CounterVec
	Errors            *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Total webhook events received by source and result.",
			}, []string{"source", "result"}),
			FunnelTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "funnel_transitions_total",
				Help:      "Total conversation status transitions.",
			}, []string{"status"}),
			Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_deliveries_total",
				Help:      "Total workflow engine deliveries by event type and outcome.",
			}, []string{"event_type", "status"}),
			DeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_delivery_duration_seconds",
				Help:      "Latency distribution for workflow engine deliveries.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			SchedulerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduler_fires_total",
				Help:      "Total scheduled event executions by kind and result.",
			}, []string{"kind", "result"}),
			PendingEvents: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduled_events_pending",
				Help:      "Unprocessed scheduled events with retry budget, by kind.",
			}, []string{"kind"}),
			DeadLetters: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduled_events_dead_letters",
				Help:      "Scheduled events that exhausted their retry budget.",
			}),
			ChannelMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_messages_total",
				Help:      "Total channel messages observed by channel and direction.",
			}, []string{"channel", "direction"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WebhookEvents,
			metricsInstance.FunnelTransitions,
			metricsInstance.Deliveries,
			metricsInstance.DeliveryLatency,
			metricsInstance.SchedulerFires,
			metricsInstance.PendingEvents,
			metricsInstance.DeadLetters,
			metricsInstance.ChannelMessages,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
