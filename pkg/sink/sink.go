package sink

import (
	"context"
	"errors"
	"net/http"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/nimdanitro/sensor-relay-go/pkg/metrics"
	"github.com/nimdanitro/sensor-relay-go/pkg/reading"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultMaxInflight = 16
)

// PointWriter is the part of the InfluxDB write API used by the
// dispatcher. api.WriteAPIBlocking satisfies it.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// NewInfluxClient returns an InfluxDB client with an instrumented
// transport. Every request is bounded by timeout.
func NewInfluxClient(url, token string, timeout time.Duration) influxdb2.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPClient(&http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		})
	return influxdb2.NewClientWithOptions(url, token, opts)
}

// Point converts r into a single measurement point.
func Point(measurement string, r reading.Reading) *write.Point {
	return write.NewPoint(measurement, nil, r.Fields(), r.Time)
}

// Dispatcher forwards readings to the store without blocking the
// caller. Every reading gets one write attempt; failures are logged and
// dropped.
type Dispatcher struct {
	writer      PointWriter
	measurement string
	timeout     time.Duration
	maxInflight int64
	sem         *semaphore.Weighted
	limit       *rate.Limiter
	log         *zap.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

type Option func(d *Dispatcher) error

func New(w PointWriter, measurement string, opts ...Option) (*Dispatcher, error) {
	if w == nil {
		return nil, errors.New("sink: nil point writer")
	}
	if measurement == "" {
		return nil, errors.New("sink: empty measurement name")
	}

	d := &Dispatcher{
		writer:      w,
		measurement: measurement,
		timeout:     DefaultTimeout,
		maxInflight: DefaultMaxInflight,
		limit:       rate.NewLimiter(rate.Inf, 0),
		log:         zap.L(),
		tracer:      otel.Tracer("github.com/nimdanitro/sensor-relay-go/pkg/sink"),
	}

	// apply the options
	for _, o := range opts {
		err := o(d)
		if err != nil {
			return nil, err
		}
	}
	if d.metrics == nil {
		d.metrics = metrics.New(nil)
	}
	d.sem = semaphore.NewWeighted(d.maxInflight)

	return d, nil
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) error {
		d.log = l
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) error {
		d.metrics = m
		return nil
	}
}

// WithTimeout bounds each write, including the wait for the rate limit.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) error {
		if t <= 0 {
			return errors.New("sink: timeout must be positive")
		}
		d.timeout = t
		return nil
	}
}

// WithMaxInflight caps the number of concurrent writes. Readings
// dispatched while the cap is reached are dropped.
func WithMaxInflight(n int) Option {
	return func(d *Dispatcher) error {
		if n < 1 {
			return errors.New("sink: max inflight must be at least 1")
		}
		d.maxInflight = int64(n)
		return nil
	}
}

// WithRateLimit limits writes to perSecond. Zero disables the limit.
func WithRateLimit(perSecond float64) Option {
	return func(d *Dispatcher) error {
		if perSecond < 0 {
			return errors.New("sink: rate limit must not be negative")
		}
		if perSecond > 0 {
			d.limit = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
		return nil
	}
}

// Dispatch starts a detached write of r and returns immediately. It
// reports false when r was dropped because too many writes are in flight.
func (d *Dispatcher) Dispatch(r reading.Reading) bool {
	if !d.sem.TryAcquire(1) {
		d.metrics.Writes.WithLabelValues(metrics.WriteDropped).Inc()
		d.log.Warn("dropping reading, too many store writes in flight",
			zap.Int64("maxInflight", d.maxInflight),
			zap.Time("timestamp", r.Time),
		)
		return false
	}

	d.metrics.InflightWrites.Inc()
	go func() {
		defer func() {
			d.metrics.InflightWrites.Dec()
			d.sem.Release(1)
		}()
		d.write(r)
	}()
	return true
}

func (d *Dispatcher) write(r reading.Reading) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "sink.write", trace.WithAttributes(
		attribute.String("db.measurement", d.measurement),
	))
	defer span.End()

	// apply the ratelimit
	err := d.limit.Wait(ctx)
	if err != nil {
		d.fail(span, "cannot await rate limit", err)
		return
	}

	start := time.Now()
	err = d.writer.WritePoint(ctx, Point(d.measurement, r))
	d.metrics.WriteLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		d.fail(span, "database write failed", err)
		return
	}

	d.metrics.Writes.WithLabelValues(metrics.WriteOK).Inc()
	d.log.Debug("database write ok", zap.Time("timestamp", r.Time))
}

func (d *Dispatcher) fail(span trace.Span, msg string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	d.metrics.Writes.WithLabelValues(metrics.WriteError).Inc()
	d.log.Error(msg, zap.String("measurement", d.measurement), zap.Error(err))
}

// Wait blocks until all in-flight writes have finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	if err := d.sem.Acquire(ctx, d.maxInflight); err != nil {
		return err
	}
	d.sem.Release(d.maxInflight)
	return nil
}
