// Package relay implements the ingestion path: every inbound message is
// decoded, buffered and, while the write gate is open, handed to the
// store dispatcher.
package relay

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nimdanitro/sensor-relay-go/pkg/gate"
	"github.com/nimdanitro/sensor-relay-go/pkg/metrics"
	"github.com/nimdanitro/sensor-relay-go/pkg/reading"
	"github.com/nimdanitro/sensor-relay-go/pkg/recency"
)

// Dispatcher forwards a reading to the store without blocking.
type Dispatcher interface {
	Dispatch(r reading.Reading) bool
}

type Relay struct {
	buffer    *recency.Buffer
	gate      *gate.Gate
	sink      Dispatcher
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	observers []func(reading.Reading)
}

type Option func(r *Relay) error

func New(buffer *recency.Buffer, g *gate.Gate, sink Dispatcher, opts ...Option) (*Relay, error) {
	if buffer == nil || g == nil || sink == nil {
		return nil, errors.New("relay: buffer, gate and dispatcher are required")
	}

	r := &Relay{
		buffer: buffer,
		gate:   g,
		sink:   sink,
		log:    zap.L(),
		now:    time.Now,
	}

	// apply the options
	for _, o := range opts {
		err := o(r)
		if err != nil {
			return nil, err
		}
	}
	if r.metrics == nil {
		r.metrics = metrics.New(nil)
	}

	return r, nil
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Relay) error {
		r.log = l
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) error {
		r.metrics = m
		return nil
	}
}

// WithClock sets the source of receipt times for readings without one.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) error {
		if now == nil {
			return errors.New("relay: nil clock")
		}
		r.now = now
		return nil
	}
}

// WithObserver registers fn to be called with every accepted reading.
func WithObserver(fn func(reading.Reading)) Option {
	return func(r *Relay) error {
		r.observers = append(r.observers, fn)
		return nil
	}
}

// Handle processes one inbound message. Malformed messages are logged
// and discarded.
func (r *Relay) Handle(payload []byte) {
	r.metrics.MessagesReceived.Inc()

	rd, err := reading.Decode(payload, r.now())
	if err != nil {
		r.metrics.DecodeErrors.Inc()
		r.log.Warn("payload not recognized", zap.Error(err), zap.Int("size", len(payload)))
		return
	}

	r.log.Info("received reading",
		zap.Float64("temperature", rd.Temperature),
		zap.Float64("dewPoint", rd.DewPoint),
		zap.Float64("humidity", rd.Humidity),
		zap.Float64("co2", rd.CO2),
		zap.Float64("particleCount", rd.ParticleCount),
		zap.Time("timestamp", rd.Time),
	)

	r.buffer.Append(rd)
	r.metrics.BufferedReadings.Set(float64(r.buffer.Len()))

	for _, fn := range r.observers {
		fn(rd)
	}

	if !r.gate.Enabled() {
		return
	}
	r.sink.Dispatch(rd)
}
