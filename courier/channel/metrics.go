package channel

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type resolverMetrics struct {
	enumerations metric.Int64Counter
}

func newResolverMetrics(provider metric.MeterProvider) (resolverMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("courier.channel")

	var (
		metrics resolverMetrics
		err     error
	)

	metrics.enumerations, err = meter.Int64Counter(
		"channel.enumerations",
		metric.WithDescription("Number of backend channel enumeration calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return resolverMetrics{}, fmt.Errorf("create channel.enumerations counter: %w", err)
	}

	return metrics, nil
}
