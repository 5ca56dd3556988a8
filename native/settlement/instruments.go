package settlement

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "prxswap/settlement"

// instruments records settlement outcomes through the OpenTelemetry meter.
type instruments struct {
	operations metric.Int64Counter
	duration   metric.Float64Histogram
}

func newInstruments(provider metric.MeterProvider) instruments {
	inst, err := buildInstruments(provider.Meter(meterName))
	if err != nil {
		inst, _ = buildInstruments(noop.NewMeterProvider().Meter(meterName))
	}
	return inst
}

func buildInstruments(meter metric.Meter) (instruments, error) {
	ops, err := meter.Int64Counter("prx.settlement.operations",
		metric.WithDescription("Settlement operations by outcome class."))
	if err != nil {
		return instruments{}, err
	}
	dur, err := meter.Float64Histogram("prx.settlement.duration",
		metric.WithDescription("Settlement operation latency."),
		metric.WithUnit("s"))
	if err != nil {
		return instruments{}, err
	}
	return instruments{operations: ops, duration: dur}, nil
}

func (i instruments) record(ctx context.Context, operation, outcome string, elapsed time.Duration) {
	if i.operations == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	)
	i.operations.Add(ctx, 1, attrs)
	i.duration.Record(ctx, elapsed.Seconds(), attrs)
}
