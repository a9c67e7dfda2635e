package pump

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type pumpMetrics struct {
	messagesAcked        metric.Int64Counter
	messagesRequeued     metric.Int64Counter
	messagesDeadLettered metric.Int64Counter
	handleLatency        metric.Float64Histogram
}

func newPumpMetrics(provider metric.MeterProvider) (pumpMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("courier.pump")

	var (
		metrics pumpMetrics
		err     error
	)

	metrics.messagesAcked, err = meter.Int64Counter(
		"pump.messages.acked",
		metric.WithDescription("Number of deliveries completed and removed from the channel"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return pumpMetrics{}, fmt.Errorf("create pump.messages.acked counter: %w", err)
	}

	metrics.messagesRequeued, err = meter.Int64Counter(
		"pump.messages.requeued",
		metric.WithDescription("Number of deliveries nacked back onto the channel"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return pumpMetrics{}, fmt.Errorf("create pump.messages.requeued counter: %w", err)
	}

	metrics.messagesDeadLettered, err = meter.Int64Counter(
		"pump.messages.dead_lettered",
		metric.WithDescription("Number of deliveries routed to the dead letter channel"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return pumpMetrics{}, fmt.Errorf("create pump.messages.dead_lettered counter: %w", err)
	}

	metrics.handleLatency, err = meter.Float64Histogram(
		"pump.handle.latency",
		metric.WithDescription("Time spent in the handler per delivery"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return pumpMetrics{}, fmt.Errorf("create pump.handle.latency histogram: %w", err)
	}

	return metrics, nil
}
