// Package metrics holds the prometheus collectors of the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Write results.
const (
	WriteOK      = "ok"
	WriteError   = "error"
	WriteDropped = "dropped"
)

type Metrics struct {
	MessagesReceived prometheus.Counter
	DecodeErrors     prometheus.Counter
	BufferedReadings prometheus.Gauge
	Writes           *prometheus.CounterVec
	InflightWrites   prometheus.Gauge
	WriteLatency     prometheus.Histogram
	MQTTState        prometheus.Gauge
	Reconnects       prometheus.Counter
	GateEnabled      prometheus.Gauge
	GateCommands     *prometheus.CounterVec
}

// New creates the relay collectors and registers them with reg. A nil
// registerer leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_messages_received_total",
			Help: "Messages received on the subscribed topic.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_decode_errors_total",
			Help: "Messages discarded because they did not decode into a reading.",
		}),
		BufferedReadings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_buffered_readings",
			Help: "Readings currently held in the recency buffer.",
		}),
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_store_writes_total",
			Help: "Store writes by result (ok, error, dropped).",
		}, []string{"result"}),
		InflightWrites: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_store_writes_inflight",
			Help: "Store writes currently in flight.",
		}),
		WriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_store_write_latency_seconds",
			Help:    "Latency of a single store write.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		MQTTState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_mqtt_state",
			Help: "Subscription state: 0 disconnected, 1 connected, 2 subscribed.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_mqtt_reconnects_total",
			Help: "Broker connection attempts after a failure.",
		}),
		GateEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_write_gate_enabled",
			Help: "1 when readings are forwarded to the store.",
		}),
		GateCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_gate_commands_total",
			Help: "Gate commands received on the control endpoint by result.",
		}, []string{"result"}),
	}
	m.GateEnabled.Set(1)

	if reg != nil {
		reg.MustRegister(
			m.MessagesReceived,
			m.DecodeErrors,
			m.BufferedReadings,
			m.Writes,
			m.InflightWrites,
			m.WriteLatency,
			m.MQTTState,
			m.Reconnects,
			m.GateEnabled,
			m.GateCommands,
		)
	}
	return m
}

// SetGate records the current gate value.
func (m *Metrics) SetGate(enabled bool) {
	if enabled {
		m.GateEnabled.Set(1)
		return
	}
	m.GateEnabled.Set(0)
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
