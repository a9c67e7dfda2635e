package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	messagesDispatched metric.Int64Counter
	messagesFailed     metric.Int64Counter
	messagesPoisoned   metric.Int64Counter
	dispatchLatency    metric.Float64Histogram
	queueDepth         metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("courier.outbox.dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.messagesDispatched, err = meter.Int64Counter(
		"outbox.messages.dispatched",
		metric.WithDescription("Number of outbox messages successfully published and marked dispatched"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.dispatched counter: %w", err)
	}

	metrics.messagesFailed, err = meter.Int64Counter(
		"outbox.messages.failed",
		metric.WithDescription("Number of outbox messages whose publish attempt failed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.failed counter: %w", err)
	}

	metrics.messagesPoisoned, err = meter.Int64Counter(
		"outbox.messages.poisoned",
		metric.WithDescription("Number of outbox messages flagged poisoned after exhausting dispatch attempts"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.poisoned counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	metrics.queueDepth, err = meter.Int64Gauge(
		"outbox.queue.depth",
		metric.WithDescription("Number of undispatched messages selected in a dispatch cycle"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.queue.depth gauge: %w", err)
	}

	return metrics, nil
}
