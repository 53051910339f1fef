// Package mqtt implements the MQTT transport. Each device gets its own broker
// session subscribed to the device's data, status, responses and errors topics;
// commands are published as JSON and correlated by commandId.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eddielth/data-ingest/device"
	"github.com/eddielth/data-ingest/validator"
)

var connectRules = validator.Set{
	&validator.RequiredValidator{Field: "brokerUrl"},
	&validator.RangeValidator{Field: "qos", Min: 0, Max: 2},
}

// Adapter serves the mqtt connection type.
type Adapter struct {
	log  zerolog.Logger
	dial dialer

	mu    sync.Mutex
	env   device.Env
	conns map[string]*conn
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(log zerolog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// New creates an MQTT adapter using paho sessions.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		log:   zerolog.Nop(),
		dial:  newClient,
		conns: make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Types implements device.Adapter
func (a *Adapter) Types() []device.ConnectionType {
	return []device.ConnectionType{device.ConnectionMQTT}
}

// Pipelined implements device.Adapter
func (a *Adapter) Pipelined() bool { return false }

// Initialize implements device.Adapter
func (a *Adapter) Initialize(env device.Env) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.env == nil {
		a.env = env
	}
	return nil
}

func (a *Adapter) environment() device.Env {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.env
}

func (a *Adapter) lookup(deviceID string) *conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[deviceID]
}

type conn struct {
	deviceID string
	sess     session
	topics   Topics
	qos      byte

	mu     sync.Mutex
	last   *device.Payload
	fresh  chan struct{}
	status string
	closed bool
}

// Connect implements device.Adapter
func (a *Adapter) Connect(ctx context.Context, deviceID string, cfg device.Config) error {
	p := cfg.Parameters
	if err := connectRules.Validate(map[string]interface{}(p)); err != nil {
		return device.ValidationError("%v", err)
	}

	clientID := p.String("clientId", "")
	if clientID == "" {
		clientID = fmt.Sprintf("data-ingest-%s-%s", deviceID, uuid.NewString()[:8])
	}

	c := &conn{
		deviceID: deviceID,
		topics:   TopicsFor(deviceID, p),
		qos:      byte(p.Int("qos", 0)),
		fresh:    make(chan struct{}, 1),
	}

	sess, err := a.dial(sessionConfig{
		Broker:         p.String("brokerUrl", ""),
		ClientID:       clientID,
		Username:       p.String("username", ""),
		Password:       p.String("password", ""),
		KeepAlive:      p.Duration("keepAliveMs", 30*time.Second),
		ConnectTimeout: cfg.Timeout(),
	}, func(err error) { a.connectionLost(c, err) })
	if err != nil {
		return device.ValidationError("%v", err)
	}
	c.sess = sess

	if err := sess.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return device.TransportError(err, "broker rejected connection")
	}

	handlers := map[string]func(string, []byte){
		c.topics.Data:     func(_ string, b []byte) { a.onData(c, b) },
		c.topics.Status:   func(_ string, b []byte) { a.onStatus(c, b) },
		c.topics.Response: func(_ string, b []byte) { a.onResponse(c, b, false) },
		c.topics.Error:    func(_ string, b []byte) { a.onResponse(c, b, true) },
	}
	for _, topic := range c.topics.Subscriptions() {
		if err := sess.Subscribe(ctx, topic, c.qos, handlers[topic]); err != nil {
			sess.Disconnect()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return device.TransportError(err, "subscribe %s", topic)
		}
	}

	a.mu.Lock()
	prev := a.conns[deviceID]
	a.conns[deviceID] = c
	a.mu.Unlock()
	if prev != nil {
		a.teardown(ctx, prev)
	}

	a.publishStatus(ctx, c, "online")
	a.log.Info().Str("device", deviceID).Str("client_id", clientID).Strs("topics", c.topics.Subscriptions()).Msg("mqtt device subscribed")
	return nil
}

func (a *Adapter) publishStatus(ctx context.Context, c *conn, status string) {
	payload, _ := json.Marshal(map[string]interface{}{
		"status":    status,
		"deviceId":  c.deviceID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err := c.sess.Publish(ctx, c.topics.Status, c.qos, false, payload); err != nil {
		a.log.Warn().Str("device", c.deviceID).Err(err).Msg("failed to publish status")
	}
}

func (a *Adapter) connectionLost(c *conn, err error) {
	a.mu.Lock()
	current := a.conns[c.deviceID] == c
	if current {
		delete(a.conns, c.deviceID)
	}
	a.mu.Unlock()
	if !current {
		return
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	a.log.Error().Str("device", c.deviceID).Err(err).Msg("MQTT connection lost")
	if env := a.environment(); env != nil {
		env.ReportFailure(c.deviceID, device.TransportError(err, "mqtt connection lost"))
	}
}

func (a *Adapter) onData(c *conn, b []byte) {
	payload := device.Payload{
		Raw:         append([]byte(nil), b...),
		ContentType: contentType(b),
		Timestamp:   time.Now(),
	}

	c.mu.Lock()
	c.last = &payload
	c.mu.Unlock()

	if env := a.environment(); env != nil {
		env.EmitData(c.deviceID, payload)
	}
	select {
	case c.fresh <- struct{}{}:
	default:
	}
}

func (a *Adapter) onStatus(c *conn, b []byte) {
	var msg struct {
		Status string `json:"status"`
	}
	status := string(b)
	if json.Unmarshal(b, &msg) == nil && msg.Status != "" {
		status = msg.Status
	}

	c.mu.Lock()
	c.status = status
	c.mu.Unlock()
	a.log.Debug().Str("device", c.deviceID).Str("status", status).Msg("device status")
}

// response is a command reply. Devices use either commandId or id.
type response struct {
	CommandID interface{}     `json:"commandId"`
	ID        interface{}     `json:"id"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error"`
	Message   string          `json:"message"`
}

func (r response) commandID() string {
	switch {
	case r.CommandID != nil:
		return fmt.Sprint(r.CommandID)
	case r.ID != nil:
		return fmt.Sprint(r.ID)
	}
	return ""
}

func (a *Adapter) onResponse(c *conn, b []byte, isError bool) {
	var r response
	if err := json.Unmarshal(b, &r); err != nil || r.commandID() == "" {
		if isError {
			a.log.Warn().Str("device", c.deviceID).Str("payload", string(b)).Msg("device reported an error")
		} else {
			a.log.Debug().Str("device", c.deviceID).Msg("ignoring uncorrelated response")
		}
		return
	}

	var result interface{}
	var failure error
	if isError || r.Status == "failed" || r.Status == "error" {
		msg := r.Error
		if msg == "" {
			msg = r.Message
		}
		if msg == "" {
			msg = "device reported failure"
		}
		failure = errors.New(msg)
	} else {
		raw := r.Data
		if len(raw) == 0 {
			raw = r.Result
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &result)
		}
	}

	env := a.environment()
	if env == nil {
		return
	}
	if !env.ResolveCommand(c.deviceID, r.commandID(), result, failure) {
		a.log.Debug().Str("device", c.deviceID).Str("command_id", r.commandID()).Msg("late or unknown response discarded")
	}
}

func contentType(b []byte) string {
	if json.Valid(b) {
		return "application/json"
	}
	return "application/octet-stream"
}

// SendCommand implements device.Adapter. The reply arrives on the responses
// topic.
func (a *Adapter) SendCommand(ctx context.Context, deviceID string, cmd device.Command) (*device.Reply, error) {
	c := a.lookup(deviceID)
	if c == nil {
		return nil, device.NewError(device.KindNotConnected, "no broker session")
	}

	payload, err := json.Marshal(map[string]interface{}{
		"id":         cmd.ID,
		"command":    cmd.Command,
		"parameters": cmd.Parameters,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, device.ValidationError("command is not serializable: %v", err)
	}
	if err := c.sess.Publish(ctx, c.topics.Command, c.qos, false, payload); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, device.TransportError(err, "publish command")
	}
	return nil, nil
}

// ReadData implements device.Adapter. It returns the last data message; when
// nothing has arrived yet it publishes a data request and waits for one.
func (a *Adapter) ReadData(ctx context.Context, deviceID string) (device.Payload, error) {
	c := a.lookup(deviceID)
	if c == nil {
		return device.Payload{}, device.NewError(device.KindNotConnected, "no broker session")
	}

	c.mu.Lock()
	last := c.last
	c.mu.Unlock()
	if last != nil {
		return *last, nil
	}

	req, _ := json.Marshal(map[string]interface{}{
		"requestId": "req-" + uuid.NewString(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err := c.sess.Publish(ctx, c.topics.Request, c.qos, false, req); err != nil {
		if ctx.Err() != nil {
			return device.Payload{}, ctx.Err()
		}
		return device.Payload{}, device.TransportError(err, "publish data request")
	}

	select {
	case <-c.fresh:
	case <-ctx.Done():
		return device.Payload{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return device.Payload{}, device.TransportError(nil, "no data received")
	}
	return *c.last, nil
}

// Disconnect implements device.Adapter. Every topic is unsubscribed before the
// session closes.
func (a *Adapter) Disconnect(ctx context.Context, deviceID string) error {
	a.mu.Lock()
	c := a.conns[deviceID]
	delete(a.conns, deviceID)
	a.mu.Unlock()

	if c == nil {
		return nil
	}
	return a.teardown(ctx, c)
}

func (a *Adapter) teardown(ctx context.Context, c *conn) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.sess.Unsubscribe(ctx, c.topics.Subscriptions()...)
	a.publishStatus(ctx, c, "offline")
	c.sess.Disconnect()
	a.log.Info().Str("device", c.deviceID).Msg("mqtt device disconnected")
	if err != nil {
		return device.TransportError(err, "unsubscribe")
	}
	return nil
}

// Status returns the last status message of deviceID.
func (a *Adapter) Status(deviceID string) string {
	c := a.lookup(deviceID)
	if c == nil {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}
