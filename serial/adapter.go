// Package serial implements the USB/serial transport: a byte stream framed by
// a configurable delimiter, carrying JSON command lines and replies.
package serial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddielth/data-ingest/device"
)

// Adapter serves the usb connection type.
type Adapter struct {
	log     zerolog.Logger
	open    Opener
	resolve Resolver

	mu    sync.Mutex
	env   device.Env
	conns map[string]*conn
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithOpener replaces the port opener.
func WithOpener(open Opener) Option {
	return func(a *Adapter) { a.open = open }
}

// WithResolver replaces the USB id lookup.
func WithResolver(resolve Resolver) Option {
	return func(a *Adapter) { a.resolve = resolve }
}

// WithLogger sets the adapter logger.
func WithLogger(log zerolog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// New creates a serial adapter backed by real ports and /sys lookups.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		log:     zerolog.Nop(),
		open:    OpenPort,
		resolve: SysfsResolver("/sys"),
		conns:   make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Types implements device.Adapter
func (a *Adapter) Types() []device.ConnectionType {
	return []device.ConnectionType{device.ConnectionUSB}
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

type conn struct {
	deviceID string
	port     io.ReadWriteCloser
	set      settings

	writeMu sync.Mutex

	mu      sync.Mutex
	framer  *Framer
	queue   [][]byte
	last    []byte
	waiting string
	arrived chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.port.Close()
		c.mu.Lock()
		c.framer.Reset()
		c.mu.Unlock()
	})
	return err
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Connect implements device.Adapter
func (a *Adapter) Connect(ctx context.Context, deviceID string, cfg device.Config) error {
	set, err := parseSettings(cfg, a.resolve)
	if err != nil {
		return err
	}

	type opened struct {
		port io.ReadWriteCloser
		err  error
	}
	ch := make(chan opened, 1)
	go func() {
		port, err := a.open(set.port)
		ch <- opened{port, err}
	}()

	var port io.ReadWriteCloser
	select {
	case r := <-ch:
		if r.err != nil {
			return device.TransportError(r.err, "open %s", set.port.Address)
		}
		port = r.port
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.port.Close()
			}
		}()
		return ctx.Err()
	}

	c := &conn{
		deviceID: deviceID,
		port:     port,
		set:      set,
		framer:   NewFramer(set.delimiter, set.maxFrame),
		arrived:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	a.mu.Lock()
	prev := a.conns[deviceID]
	a.conns[deviceID] = c
	a.mu.Unlock()
	if prev != nil {
		_ = prev.close()
	}

	go a.readLoop(c)
	a.log.Info().Str("device", deviceID).Str("port", set.port.Address).Int("baud", set.port.BaudRate).Msg("serial port opened")
	return nil
}

func (a *Adapter) lookup(deviceID string) *conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[deviceID]
}

func (a *Adapter) environment() device.Env {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.env
}

func (a *Adapter) readLoop(c *conn) {
	buf := make([]byte, 1024)
	for {
		n, err := c.port.Read(buf)
		if n > 0 {
			c.mu.Lock()
			frames := c.framer.Push(buf[:n])
			c.mu.Unlock()
			for _, frame := range frames {
				a.handleFrame(c, frame)
			}
		}
		if c.closed() {
			return
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			// Read timeouts on a tty surface as EOF.
			select {
			case <-c.done:
				return
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}

		a.log.Warn().Str("device", c.deviceID).Err(err).Msg("serial read failed")
		if env := a.environment(); env != nil {
			env.ReportFailure(c.deviceID, device.TransportError(err, "serial read"))
		}
		return
	}
}

// reply is the frame shape a device uses to answer a command.
type reply struct {
	CommandID interface{}     `json:"commandId"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
}

func (a *Adapter) handleFrame(c *conn, frame []byte) {
	env := a.environment()
	if env == nil {
		return
	}

	c.mu.Lock()
	waiting := c.waiting
	if c.set.correlation == CorrelateNext && waiting != "" {
		c.waiting = ""
	}
	c.mu.Unlock()

	if c.set.correlation == CorrelateNext && waiting != "" {
		env.ResolveCommand(c.deviceID, waiting, decodeFrame(frame), nil)
		return
	}

	if c.set.correlation == CorrelateByID {
		var r reply
		if json.Unmarshal(frame, &r) == nil && r.CommandID != nil {
			id := fmt.Sprint(r.CommandID)
			result, err := r.outcome(frame)
			if !env.ResolveCommand(c.deviceID, id, result, err) {
				a.log.Debug().Str("device", c.deviceID).Str("command_id", id).Msg("reply without a pending command")
			}
			return
		}
	}

	c.mu.Lock()
	c.last = frame
	c.queue = append(c.queue, frame)
	if over := len(c.queue) - c.set.queueSize; over > 0 {
		c.queue = c.queue[over:]
	}
	c.mu.Unlock()
	select {
	case c.arrived <- struct{}{}:
	default:
	}

	env.EmitData(c.deviceID, device.Payload{Raw: frame, ContentType: contentType(frame), Timestamp: time.Now()})
}

func (r reply) outcome(frame []byte) (interface{}, error) {
	switch r.Status {
	case "failed", "error":
		msg := r.Error
		if msg == "" {
			msg = "device reported failure"
		}
		return nil, errors.New(msg)
	}
	if len(r.Data) > 0 {
		var v interface{}
		if err := json.Unmarshal(r.Data, &v); err == nil {
			return v, nil
		}
	}
	return decodeFrame(frame), nil
}

// decodeFrame returns JSON frames decoded and anything else as a string.
func decodeFrame(frame []byte) interface{} {
	var v interface{}
	if json.Unmarshal(frame, &v) == nil {
		return v
	}
	return string(frame)
}

func contentType(frame []byte) string {
	if json.Valid(frame) {
		return "application/json"
	}
	return "text/plain"
}

// SendCommand implements device.Adapter. Replies arrive asynchronously.
func (a *Adapter) SendCommand(ctx context.Context, deviceID string, cmd device.Command) (*device.Reply, error) {
	c := a.lookup(deviceID)
	if c == nil {
		return nil, device.NewError(device.KindNotConnected, "serial port is not open")
	}

	var line []byte
	switch c.set.format {
	case FormatRaw:
		line = []byte(cmd.Command)
	default:
		var err error
		line, err = json.Marshal(map[string]interface{}{
			"id":         cmd.ID,
			"command":    cmd.Command,
			"parameters": cmd.Parameters,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, device.ValidationError("command is not serializable: %v", err)
		}
	}
	line = append(line, c.set.delimiter...)

	if c.set.correlation == CorrelateNext {
		c.mu.Lock()
		c.waiting = cmd.ID
		c.mu.Unlock()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	_, err := c.port.Write(line)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		if c.waiting == cmd.ID {
			c.waiting = ""
		}
		c.mu.Unlock()
		return nil, device.TransportError(err, "serial write")
	}
	return nil, nil
}

// ReadData implements device.Adapter. It drains the oldest buffered frame,
// falls back to the most recent one, and otherwise waits for the next frame.
func (a *Adapter) ReadData(ctx context.Context, deviceID string) (device.Payload, error) {
	c := a.lookup(deviceID)
	if c == nil {
		return device.Payload{}, device.NewError(device.KindNotConnected, "serial port is not open")
	}

	for {
		c.mu.Lock()
		var frame []byte
		if len(c.queue) > 0 {
			frame = c.queue[0]
			c.queue = c.queue[1:]
		} else if c.last != nil {
			frame = c.last
		}
		c.mu.Unlock()

		if frame != nil {
			return device.Payload{Raw: frame, ContentType: contentType(frame), Timestamp: time.Now()}, nil
		}

		select {
		case <-c.arrived:
		case <-c.done:
			return device.Payload{}, device.NewError(device.KindDisconnected, "serial port closed")
		case <-ctx.Done():
			return device.Payload{}, ctx.Err()
		}
	}
}

// Disconnect implements device.Adapter
func (a *Adapter) Disconnect(_ context.Context, deviceID string) error {
	a.mu.Lock()
	c := a.conns[deviceID]
	delete(a.conns, deviceID)
	a.mu.Unlock()

	if c == nil {
		return nil
	}
	if err := c.close(); err != nil {
		return device.TransportError(err, "close %s", c.set.port.Address)
	}
	a.log.Info().Str("device", deviceID).Msg("serial port closed")
	return nil
}
