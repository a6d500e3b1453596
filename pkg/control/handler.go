// Package control serves the status page and the write gate command.
package control

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nimdanitro/sensor-relay-go/pkg/gate"
	"github.com/nimdanitro/sensor-relay-go/pkg/metrics"
	"github.com/nimdanitro/sensor-relay-go/pkg/reading"
)

// MaxCommandSize is the largest POST body accepted.
const MaxCommandSize = 2048

// Gate is the write gate as seen by the control endpoint.
type Gate interface {
	Enabled() bool
	Set(enabled bool, secret string) gate.Result
}

// Readings exposes the most recent buffered reading.
type Readings interface {
	Last() (reading.Reading, bool)
}

var statusPage = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<p>Database writes enabled: {{.WritesEnabled}}</p>
{{- if .GraphURL}}
<p><a href="{{.GraphURL}}">View graphs</a></p>
{{- end}}
{{- with .Last}}
<p>Last measurement: {{.}}</p>
{{- end}}
</html>
`))

type statusView struct {
	WritesEnabled bool
	GraphURL      string
	Last          *reading.Reading
}

type command struct {
	WritesEnabled *bool   `json:"writes_enabled"`
	Password      *string `json:"password"`
}

type Handler struct {
	gate     Gate
	readings Readings
	graphURL string
	log      *zap.Logger
	metrics  *metrics.Metrics
}

type Option func(h *Handler)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		h.log = l
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithGraphURL adds a link to an external dashboard on the status page.
func WithGraphURL(url string) Option {
	return func(h *Handler) {
		h.graphURL = url
	}
}

// NewRouter returns the control endpoint. Unknown paths and methods get 404.
func NewRouter(g Gate, readings Readings, opts ...Option) http.Handler {
	h := &Handler{
		gate:     g,
		readings: readings,
		log:      zap.L(),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = metrics.New(nil)
	}

	r := mux.NewRouter().SkipClean(true)
	r.Use(requestLogger(h.log))
	r.HandleFunc("/", h.status).Methods(http.MethodGet)
	r.HandleFunc("/", h.setGate).Methods(http.MethodPost)
	r.NotFoundHandler = http.HandlerFunc(http.NotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(http.NotFound)
	return r
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	view := statusView{
		WritesEnabled: h.gate.Enabled(),
		GraphURL:      h.graphURL,
	}
	if last, ok := h.readings.Last(); ok {
		view.Last = &last
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := statusPage.Execute(w, view); err != nil {
		h.log.Error("cannot render status page", zap.Error(err))
	}
}

func (h *Handler) setGate(w http.ResponseWriter, r *http.Request) {
	// unknown length is rejected as well
	if r.ContentLength < 0 || r.ContentLength > MaxCommandSize {
		h.metrics.GateCommands.WithLabelValues("too_large").Inc()
		http.Error(w, "Body too large", http.StatusRequestEntityTooLarge)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxCommandSize))
	if err != nil {
		h.metrics.GateCommands.WithLabelValues("invalid").Inc()
		h.log.Warn("cannot read gate command", zap.Error(err))
		reply(w, "Invalid POST data")
		return
	}

	var cmd command
	if err := json.Unmarshal(body, &cmd); err != nil || cmd.WritesEnabled == nil || cmd.Password == nil {
		h.metrics.GateCommands.WithLabelValues("invalid").Inc()
		reply(w, "Invalid POST data")
		return
	}

	res := h.gate.Set(*cmd.WritesEnabled, *cmd.Password)
	h.metrics.GateCommands.WithLabelValues(res.String()).Inc()
	if res != gate.Applied {
		h.log.Warn("gate command rejected", zap.String("remote", r.RemoteAddr))
		reply(w, "Wrong password")
		return
	}

	h.log.Info("database writes toggled", zap.Bool("enabled", *cmd.WritesEnabled), zap.String("remote", r.RemoteAddr))
	reply(w, fmt.Sprintf("Writes enabled: %v", *cmd.WritesEnabled))
}

// reply answers with 200 and a plain text message.
func reply(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, msg)
}
