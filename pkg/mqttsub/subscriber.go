// Package mqttsub owns the broker connection. It subscribes to a single
// topic and passes every message payload to a handler. Reconnection is
// driven by Run with a fixed backoff; the client's own reconnect logic is
// disabled.
package mqttsub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/nimdanitro/sensor-relay-go/pkg/metrics"
)

type State int32

const (
	Disconnected State = iota
	Connected
	Subscribed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Subscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

const (
	DefaultPort           = 1883
	DefaultClientID       = "sensor-relay"
	DefaultBackoff        = 3 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// subscribe QoS: at most once
const qos byte = 0

type Config struct {
	Broker         string
	Port           int
	Topic          string
	Username       string
	Password       string
	ClientID       string
	Backoff        time.Duration
	ConnectTimeout time.Duration
}

// BrokerURL returns the broker address in the form expected by the
// client. Bare hosts get the tcp scheme and the configured port.
func (c Config) BrokerURL() string {
	if strings.Contains(c.Broker, "://") {
		return c.Broker
	}
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return "tcp://" + net.JoinHostPort(c.Broker, strconv.Itoa(port))
}

type Subscriber struct {
	cfg       Config
	handler   func(payload []byte)
	newClient func(*mqtt.ClientOptions) mqtt.Client
	log       *zap.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	state   State
	session uint64
}

type Option func(s *Subscriber) error

func New(cfg Config, handler func(payload []byte), opts ...Option) (*Subscriber, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, errors.New("mqttsub: broker and topic are required")
	}
	if handler == nil {
		return nil, errors.New("mqttsub: nil handler")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	s := &Subscriber{
		cfg:       cfg,
		handler:   handler,
		newClient: mqtt.NewClient,
		log:       zap.L(),
	}

	// apply the options
	for _, o := range opts {
		err := o(s)
		if err != nil {
			return nil, err
		}
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}

	return s, nil
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Subscriber) error {
		s.log = l
		return nil
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Subscriber) error {
		s.metrics = m
		return nil
	}
}

// WithClientFactory replaces the function used to create broker clients.
func WithClientFactory(fn func(*mqtt.ClientOptions) mqtt.Client) Option {
	return func(s *Subscriber) error {
		if fn == nil {
			return errors.New("mqttsub: nil client factory")
		}
		s.newClient = fn
		return nil
	}
}

func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// begin starts a new session in the disconnected state and returns its id.
func (s *Subscriber) begin() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session++
	s.setLocked(Disconnected)
	return s.session
}

// transition moves to state unless session has already been superseded.
func (s *Subscriber) transition(session uint64, state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session != s.session {
		return false
	}
	s.setLocked(state)
	return true
}

func (s *Subscriber) setLocked(state State) {
	s.state = state
	s.metrics.MQTTState.Set(float64(state))
}

// Run keeps a subscription alive until ctx is cancelled. Transport
// failures are logged and followed by a fixed backoff before the next
// connection attempt.
func (s *Subscriber) Run(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			s.metrics.Reconnects.Inc()
		}

		session := s.begin()
		err := s.connect(ctx, session)
		s.transition(session, Disconnected)

		if ctx.Err() != nil {
			s.log.Info("mqtt subscriber stopped")
			return nil
		}
		s.log.Error("mqtt connection failed", zap.Error(err), zap.Duration("backoff", s.cfg.Backoff))

		select {
		case <-ctx.Done():
			s.log.Info("mqtt subscriber stopped")
			return nil
		case <-time.After(s.cfg.Backoff):
		}
	}
}

// connect runs one session and blocks until the connection is lost or
// ctx is done.
func (s *Subscriber) connect(ctx context.Context, session uint64) error {
	lost := make(chan error, 1)

	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.BrokerURL()).
		SetClientID(s.cfg.ClientID).
		SetUsername(s.cfg.Username).
		SetPassword(s.cfg.Password).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(s.cfg.ConnectTimeout)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.onConnect(session, c)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		select {
		case lost <- err:
		default:
		}
	})

	client := s.newClient(opts)
	s.log.Debug("connecting to broker", zap.String("broker", s.cfg.BrokerURL()))

	tok := client.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	case <-time.After(s.cfg.ConnectTimeout):
		client.Disconnect(0)
		return fmt.Errorf("connect to %s: timed out after %s", s.cfg.BrokerURL(), s.cfg.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", s.cfg.BrokerURL(), err)
	}

	select {
	case <-ctx.Done():
		client.Disconnect(250)
		return ctx.Err()
	case err := <-lost:
		return fmt.Errorf("connection lost: %w", err)
	}
}

// onConnect runs on every connection acknowledgment and (re-)issues the
// subscription. A failed subscribe is only logged.
func (s *Subscriber) onConnect(session uint64, c mqtt.Client) {
	if !s.transition(session, Connected) {
		return
	}
	s.log.Info("mqtt connected", zap.String("broker", s.cfg.BrokerURL()))

	tok := c.Subscribe(s.cfg.Topic, qos, s.onMessage)
	if !tok.WaitTimeout(s.cfg.ConnectTimeout) {
		s.log.Error("mqtt subscribe timed out", zap.String("topic", s.cfg.Topic))
		return
	}
	if err := subscribeError(tok); err != nil {
		s.log.Error("mqtt subscribe failed", zap.String("topic", s.cfg.Topic), zap.Error(err))
		return
	}

	if s.transition(session, Subscribed) {
		s.log.Info("mqtt subscribed", zap.String("topic", s.cfg.Topic))
	}
}

func subscribeError(tok mqtt.Token) error {
	if err := tok.Error(); err != nil {
		return err
	}
	st, ok := tok.(*mqtt.SubscribeToken)
	if !ok {
		return nil
	}
	for topic, code := range st.Result() {
		if code == 0x80 {
			return fmt.Errorf("broker rejected subscription to %s", topic)
		}
	}
	return nil
}

func (s *Subscriber) onMessage(_ mqtt.Client, m mqtt.Message) {
	s.log.Debug("mqtt publish", zap.String("topic", m.Topic()), zap.Int("size", len(m.Payload())))
	s.handler(m.Payload())
}
