package device

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeAdapter is a scriptable in-memory transport.
type fakeAdapter struct {
	types     []ConnectionType
	pipelined bool

	connectFn    func(ctx context.Context, deviceID string, cfg Config) error
	sendFn       func(ctx context.Context, deviceID string, cmd Command) (*Reply, error)
	readFn       func(ctx context.Context, deviceID string) (Payload, error)
	disconnectFn func(ctx context.Context, deviceID string) error

	mu          sync.Mutex
	env         Env
	initialized int

	connects    atomic.Int32
	sends       atomic.Int32
	reads       atomic.Int32
	disconnects atomic.Int32
}

func newFakeAdapter(types ...ConnectionType) *fakeAdapter {
	if len(types) == 0 {
		types = []ConnectionType{ConnectionHTTP}
	}
	return &fakeAdapter{types: types, pipelined: true}
}

func (f *fakeAdapter) Types() []ConnectionType { return f.types }

func (f *fakeAdapter) Initialize(env Env) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.env = env
	f.initialized++
	return nil
}

func (f *fakeAdapter) Env() Env {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.env
}

func (f *fakeAdapter) Connect(ctx context.Context, deviceID string, cfg Config) error {
	f.connects.Add(1)
	if f.connectFn != nil {
		return f.connectFn(ctx, deviceID, cfg)
	}
	return nil
}

func (f *fakeAdapter) SendCommand(ctx context.Context, deviceID string, cmd Command) (*Reply, error) {
	f.sends.Add(1)
	if f.sendFn != nil {
		return f.sendFn(ctx, deviceID, cmd)
	}
	return &Reply{Result: "ok"}, nil
}

func (f *fakeAdapter) ReadData(ctx context.Context, deviceID string) (Payload, error) {
	f.reads.Add(1)
	if f.readFn != nil {
		return f.readFn(ctx, deviceID)
	}
	return Payload{Raw: []byte(`{"value":1}`), ContentType: "application/json"}, nil
}

func (f *fakeAdapter) Disconnect(ctx context.Context, deviceID string) error {
	f.disconnects.Add(1)
	if f.disconnectFn != nil {
		return f.disconnectFn(ctx, deviceID)
	}
	return nil
}

func (f *fakeAdapter) Pipelined() bool { return f.pipelined }

// upperParser uppercases payloads of devices with a rule.
type upperParser struct {
	mu    sync.Mutex
	rules map[string]string
}

func (p *upperParser) SetRule(deviceID, rule string) error {
	if rule == "invalid(" {
		return errors.New("syntax error")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rules == nil {
		p.rules = make(map[string]string)
	}
	p.rules[deviceID] = rule
	return nil
}

func (p *upperParser) RemoveRule(deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rules, deviceID)
}

func (p *upperParser) Parse(deviceID, raw string) (interface{}, bool, error) {
	p.mu.Lock()
	_, ok := p.rules[deviceID]
	p.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	return strings.ToUpper(raw), true, nil
}

func newTestManager(t *testing.T, adapter Adapter, opts ...Option) *Manager {
	t.Helper()

	m, err := NewManager([]Adapter{adapter}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func httpConfig() Config {
	return Config{Type: ConnectionHTTP, Parameters: Parameters{"baseUrl": "http://device.local"}, TimeoutMs: 1000}
}

// nextEvent waits for the next event on sub.
func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()

	select {
	case ev, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// noEvent asserts that nothing arrives on sub within d.
func noEvent(t *testing.T, sub *Subscription, d time.Duration) {
	t.Helper()

	select {
	case ev, ok := <-sub.C():
		if ok {
			t.Fatalf("unexpected event %s for %s", ev.Type, ev.DeviceID)
		}
	case <-time.After(d):
	}
}
