// Package gate holds the switch that decides whether readings are
// persisted. The switch can only be flipped with the configured secret.
package gate

import (
	"crypto/subtle"
	"sync"
)

type Result int

const (
	Rejected Result = iota
	Applied
)

func (r Result) String() string {
	if r == Applied {
		return "applied"
	}
	return "rejected"
}

type Gate struct {
	mu       sync.Mutex
	enabled  bool
	secret   []byte
	onChange func(enabled bool)
}

type Option func(g *Gate)

// WithOnChange registers a callback run after every applied change. It is
// called with the gate locked, so it must not call back into the gate.
func WithOnChange(fn func(enabled bool)) Option {
	return func(g *Gate) {
		g.onChange = fn
	}
}

// New returns an enabled gate guarded by secret.
func New(secret string, opts ...Option) *Gate {
	g := &Gate{enabled: true, secret: []byte(secret)}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// Set changes the gate to enabled if secret matches the configured one.
// A mismatch leaves the gate untouched.
func (g *Gate) Set(enabled bool, secret string) Result {
	if subtle.ConstantTimeCompare([]byte(secret), g.secret) != 1 {
		return Rejected
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = enabled
	if g.onChange != nil {
		g.onChange(enabled)
	}
	return Applied
}
