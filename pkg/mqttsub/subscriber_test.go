package mqttsub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nimdanitro/sensor-relay-go/pkg/metrics"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	if t.done != nil {
		return t.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m *fakeMessage) Topic() string   { return m.topic }
func (m *fakeMessage) Payload() []byte { return m.payload }

// fakeClient implements the parts of mqtt.Client used by the subscriber.
type fakeClient struct {
	mqtt.Client
	opts       *mqtt.ClientOptions
	connectErr error
	subErr     error
	hang       bool

	mu           sync.Mutex
	topic        string
	handler      mqtt.MessageHandler
	disconnected bool
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.hang {
		return &fakeToken{done: make(chan struct{})}
	}
	if c.connectErr == nil {
		go c.opts.OnConnect(c)
	}
	return &fakeToken{err: c.connectErr}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topic = topic
	c.handler = cb
	return &fakeToken{err: c.subErr}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) deliver(payload string) {
	c.mu.Lock()
	h, topic := c.handler, c.topic
	c.mu.Unlock()
	h(c, &fakeMessage{topic: topic, payload: []byte(payload)})
}

func (c *fakeClient) subscribedTopic() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topic
}

func (c *fakeClient) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

type broker struct {
	clients    chan *fakeClient
	connectErr []error
	subErr     error
	hang       bool
	mu         sync.Mutex
}

func (b *broker) newClient(o *mqtt.ClientOptions) mqtt.Client {
	b.mu.Lock()
	var err error
	if len(b.connectErr) > 0 {
		err, b.connectErr = b.connectErr[0], b.connectErr[1:]
	}
	b.mu.Unlock()

	c := &fakeClient{opts: o, connectErr: err, subErr: b.subErr, hang: b.hang}
	b.clients <- c
	return c
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func nextClient(t *testing.T, b *broker) *fakeClient {
	t.Helper()
	select {
	case c := <-b.clients:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a connection attempt")
		return nil
	}
}

func testConfig() Config {
	return Config{
		Broker:         "broker.local",
		Topic:          "sensors/livingroom",
		Username:       "relay",
		Password:       "pw",
		Backoff:        10 * time.Millisecond,
		ConnectTimeout: time.Second,
	}
}

func TestBrokerURL(t *testing.T) {
	cases := map[string]Config{
		"tcp://broker.local:1883": {Broker: "broker.local"},
		"tcp://broker.local:8883": {Broker: "broker.local", Port: 8883},
		"ssl://broker.local:8883": {Broker: "ssl://broker.local:8883", Port: 1234},
		"tcp://[::1]:1883":        {Broker: "::1"},
	}
	for want, cfg := range cases {
		if got := cfg.BrokerURL(); got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestRunReconnectsAndDeliversMessages(t *testing.T) {
	b := &broker{clients: make(chan *fakeClient, 8), connectErr: []error{errors.New("connection refused")}}
	m := metrics.New(nil)

	var (
		mu       sync.Mutex
		payloads []string
	)
	s, err := New(testConfig(), func(p []byte) {
		mu.Lock()
		defer mu.Unlock()
		payloads = append(payloads, string(p))
	}, WithLogger(zap.NewNop()), WithMetrics(m), WithClientFactory(b.newClient))
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	first := nextClient(t, b)
	if got := first.opts.Servers[0].String(); got != "tcp://broker.local:1883" {
		t.Fatalf("unexpected broker url %s", got)
	}
	if first.opts.AutoReconnect {
		t.Fatalf("client auto reconnect must be disabled")
	}

	second := nextClient(t, b)
	eventually(t, func() bool { return s.State() == Subscribed }, "subscription")
	if topic := second.subscribedTopic(); topic != "sensors/livingroom" {
		t.Fatalf("subscribed to unexpected topic %s", topic)
	}

	second.deliver(`{"n":1}`)
	second.deliver(`{"n":2}`)

	second.opts.OnConnectionLost(second, errors.New("EOF"))
	third := nextClient(t, b)
	eventually(t, func() bool { return s.State() == Subscribed }, "resubscription")
	third.deliver(`{"n":3}`)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber did not stop")
	}

	if !third.isDisconnected() {
		t.Fatalf("expected the active client to be disconnected on stop")
	}
	if s.State() != Disconnected {
		t.Fatalf("expected disconnected state after stop, got %s", s.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	if len(payloads) != len(want) {
		t.Fatalf("expected %d payloads, got %v", len(want), payloads)
	}
	for i := range want {
		if payloads[i] != want[i] {
			t.Fatalf("payload %d: expected %s, got %s", i, want[i], payloads[i])
		}
	}
	if got := testutil.ToFloat64(m.Reconnects); got != 2 {
		t.Fatalf("expected 2 reconnects, got %f", got)
	}
}

func TestSubscribeFailureIsLoggedNotFatal(t *testing.T) {
	b := &broker{clients: make(chan *fakeClient, 8), subErr: errors.New("not authorized")}
	core, logs := observer.New(zap.DebugLevel)

	s, err := New(testConfig(), func([]byte) {}, WithLogger(zap.New(core)), WithClientFactory(b.newClient))
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	nextClient(t, b)
	eventually(t, func() bool { return logs.FilterMessage("mqtt subscribe failed").Len() == 1 }, "subscribe failure log")

	if s.State() != Connected {
		t.Fatalf("expected connected state, got %s", s.State())
	}
	select {
	case <-b.clients:
		t.Fatalf("subscribe failure must not trigger a reconnect")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{Topic: "t"}, func([]byte) {}); err == nil {
		t.Fatalf("expected error for missing broker")
	}
	if _, err := New(Config{Broker: "b"}, func([]byte) {}); err == nil {
		t.Fatalf("expected error for missing topic")
	}
	if _, err := New(testConfig(), nil); err == nil {
		t.Fatalf("expected error for nil handler")
	}

	s, err := New(Config{Broker: "b", Topic: "t"}, func([]byte) {})
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}
	if s.cfg.Backoff != DefaultBackoff || s.cfg.ClientID != DefaultClientID {
		t.Fatalf("defaults not applied: %+v", s.cfg)
	}
	if s.State() != Disconnected {
		t.Fatalf("expected initial state disconnected, got %s", s.State())
	}
}

func TestRunStopsDuringPendingConnect(t *testing.T) {
	b := &broker{clients: make(chan *fakeClient, 8), hang: true}
	cfg := testConfig()
	cfg.ConnectTimeout = time.Minute

	s, err := New(cfg, func([]byte) {}, WithLogger(zap.NewNop()), WithClientFactory(b.newClient))
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	c := nextClient(t, b)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscriber waited for the connect timeout instead of stopping")
	}
	if !c.isDisconnected() {
		t.Fatalf("expected the pending client to be disconnected")
	}
}
