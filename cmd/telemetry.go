package cmd

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"

	"github.com/nimdanitro/sensor-relay-go/pkg/reading"
)

const instrumentationName = "github.com/nimdanitro/sensor-relay-go"

// readingGauges records the latest value of every measurement.
type readingGauges struct {
	temperature   metric.Float64Gauge
	dewPoint      metric.Float64Gauge
	humidity      metric.Float64Gauge
	co2           metric.Float64Gauge
	particleCount metric.Float64Gauge
	age           metric.Float64Histogram
	attrs         metric.MeasurementOption
}

func newReadingGauges(topic string) (*readingGauges, error) {
	meter := otel.Meter(
		instrumentationName,
		metric.WithInstrumentationAttributes(semconv.OTelScopeName(instrumentationName)),
	)

	g := &readingGauges{}
	var err error
	if g.temperature, err = meter.Float64Gauge("sensor.temperature",
		metric.WithUnit("°C"),
		metric.WithDescription("Indoor temperature in degrees Celsius"),
	); err != nil {
		return nil, err
	}
	if g.dewPoint, err = meter.Float64Gauge("sensor.dew_point",
		metric.WithUnit("°C"),
		metric.WithDescription("Dew point in degrees Celsius"),
	); err != nil {
		return nil, err
	}
	if g.humidity, err = meter.Float64Gauge("sensor.humidity",
		metric.WithUnit("%rH"),
		metric.WithDescription("Indoor relative humidity as a percentage"),
	); err != nil {
		return nil, err
	}
	if g.co2, err = meter.Float64Gauge("sensor.co2",
		metric.WithUnit("ppm"),
		metric.WithDescription("Carbon dioxide concentration"),
	); err != nil {
		return nil, err
	}
	if g.particleCount, err = meter.Float64Gauge("sensor.particle_count",
		metric.WithDescription("Particle count"),
	); err != nil {
		return nil, err
	}
	if g.age, err = meter.Float64Histogram("sensor.reading.age",
		metric.WithUnit("s"),
		metric.WithDescription("Delay between the reading timestamp and its arrival at the relay."),
	); err != nil {
		return nil, err
	}
	g.attrs = metric.WithAttributes(attribute.String("mqtt.topic", topic))

	return g, nil
}

func (g *readingGauges) record(r reading.Reading) {
	ctx := context.Background()
	g.temperature.Record(ctx, r.Temperature, g.attrs)
	g.dewPoint.Record(ctx, r.DewPoint, g.attrs)
	g.humidity.Record(ctx, r.Humidity, g.attrs)
	g.co2.Record(ctx, r.CO2, g.attrs)
	g.particleCount.Record(ctx, r.ParticleCount, g.attrs)
	g.age.Record(ctx, time.Since(r.Time).Seconds(), g.attrs)
}
