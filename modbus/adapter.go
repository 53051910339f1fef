// Package modbus implements the Modbus RTU and Modbus TCP transports. Both
// share one command set; they differ only in framing.
package modbus

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eddielth/data-ingest/device"
	"github.com/eddielth/data-ingest/serial"
	"github.com/eddielth/data-ingest/validator"
)

// DefaultPort is the Modbus TCP port.
const DefaultPort = 502

var tcpRules = validator.Set{
	&validator.RequiredValidator{Field: "host"},
	&validator.RangeValidator{Field: "port", Min: 1, Max: 65535},
	&validator.RangeValidator{Field: "unitId", Min: 0, Max: 255},
}

var rtuRules = validator.Set{
	&validator.RangeValidator{Field: "slaveId", Min: 1, Max: 247},
	&validator.RangeValidator{Field: "unitId", Min: 1, Max: 247},
}

// Dialer opens Modbus TCP connections.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// Adapter serves modbus-rtu and modbus-tcp.
type Adapter struct {
	log     zerolog.Logger
	dial    Dialer
	open    serial.Opener
	resolve serial.Resolver

	mu    sync.Mutex
	env   device.Env
	conns map[string]*conn
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithDialer replaces the TCP dialer.
func WithDialer(dial Dialer) Option {
	return func(a *Adapter) { a.dial = dial }
}

// WithOpener replaces the serial port opener used by RTU.
func WithOpener(open serial.Opener) Option {
	return func(a *Adapter) { a.open = open }
}

// WithResolver replaces the USB id lookup used by RTU.
func WithResolver(resolve serial.Resolver) Option {
	return func(a *Adapter) { a.resolve = resolve }
}

// WithLogger sets the adapter logger.
func WithLogger(log zerolog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// New creates a Modbus adapter.
func New(opts ...Option) *Adapter {
	var d net.Dialer
	a := &Adapter{
		log:     zerolog.Nop(),
		dial:    func(ctx context.Context, address string) (net.Conn, error) { return d.DialContext(ctx, "tcp", address) },
		open:    serial.OpenPort,
		resolve: serial.SysfsResolver("/sys"),
		conns:   make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Types implements device.Adapter
func (a *Adapter) Types() []device.ConnectionType {
	return []device.ConnectionType{device.ConnectionModbusRTU, device.ConnectionModbusTCP}
}

// Pipelined implements device.Adapter. RTU exchanges are still serialized by
// the transport since the bus carries one request at a time.
func (a *Adapter) Pipelined() bool { return true }

// Initialize implements device.Adapter
func (a *Adapter) Initialize(env device.Env) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.env == nil {
		a.env = env
	}
	return nil
}

// registerSettings are the per-device decoding and polling defaults.
type registerSettings struct {
	order    ByteOrder
	dataType DataType

	readType     string
	readAddress  int
	readQuantity int
}

type conn struct {
	deviceID string
	mode     device.ConnectionType
	t        transport
	set      registerSettings
}

func parseRegisterSettings(p device.Parameters) (registerSettings, error) {
	order, err := ParseByteOrder(p.String("byteOrder", ""))
	if err != nil {
		return registerSettings{}, device.ValidationError("%v", err)
	}
	dt, err := ParseDataType(p.String("dataType", ""))
	if err != nil {
		return registerSettings{}, device.ValidationError("%v", err)
	}
	readType := p.String("readRegisterType", "holding")
	if _, err := registerFunction(readType); err != nil {
		return registerSettings{}, err
	}
	return registerSettings{
		order:        order,
		dataType:     dt,
		readType:     readType,
		readAddress:  p.Int("readAddress", 0),
		readQuantity: p.Int("readQuantity", dt.Width()),
	}, nil
}

// Connect implements device.Adapter
func (a *Adapter) Connect(ctx context.Context, deviceID string, cfg device.Config) error {
	p := cfg.Parameters
	set, err := parseRegisterSettings(p)
	if err != nil {
		return err
	}

	c := &conn{deviceID: deviceID, mode: cfg.Type, set: set}
	onLost := func(err error) { a.connectionLost(c, err) }

	switch cfg.Type {
	case device.ConnectionModbusTCP:
		if err := tcpRules.Validate(map[string]interface{}(p)); err != nil {
			return device.ValidationError("%v", err)
		}
		address := net.JoinHostPort(p.String("host", ""), strconv.Itoa(p.Int("port", DefaultPort)))
		nc, err := a.dial(ctx, address)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return device.TransportError(err, "dial %s", address)
		}
		c.t = newTCPTransport(nc, byte(p.Int("unitId", 1)), onLost)
		a.log.Info().Str("device", deviceID).Str("address", address).Msg("modbus tcp connected")

	case device.ConnectionModbusRTU:
		if err := rtuRules.Validate(map[string]interface{}(p)); err != nil {
			return device.ValidationError("%v", err)
		}
		portCfg, err := serial.PortFromParameters(p, cfg.Timeout(), a.resolve)
		if err != nil {
			return err
		}
		port, err := a.openPort(ctx, portCfg)
		if err != nil {
			return err
		}
		slave := p.Int("slaveId", p.Int("unitId", 1))
		c.t = newRTUTransport(port, byte(slave), onLost)
		a.log.Info().Str("device", deviceID).Str("port", portCfg.Address).Int("slave", slave).Msg("modbus rtu port opened")

	default:
		return device.ValidationError("connection type %s is not served by the modbus adapter", cfg.Type)
	}

	a.mu.Lock()
	prev := a.conns[deviceID]
	a.conns[deviceID] = c
	a.mu.Unlock()
	if prev != nil {
		_ = prev.t.Close()
	}
	return nil
}

func (a *Adapter) openPort(ctx context.Context, cfg serial.PortConfig) (io.ReadWriteCloser, error) {
	type opened struct {
		port io.ReadWriteCloser
		err  error
	}
	ch := make(chan opened, 1)
	go func() {
		port, err := a.open(cfg)
		ch <- opened{port, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, device.TransportError(r.err, "open %s", cfg.Address)
		}
		return r.port, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.port.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (a *Adapter) connectionLost(c *conn, err error) {
	a.mu.Lock()
	current := a.conns[c.deviceID] == c
	if current {
		delete(a.conns, c.deviceID)
	}
	env := a.env
	a.mu.Unlock()
	if !current {
		return
	}

	a.log.Error().Str("device", c.deviceID).Err(err).Msg("modbus connection lost")
	_ = c.t.Close()
	if env != nil {
		env.ReportFailure(c.deviceID, device.TransportError(err, "modbus connection lost"))
	}
}

func (a *Adapter) lookup(deviceID string) *conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conns[deviceID]
}

// SendCommand implements device.Adapter. Replies are always inline.
func (a *Adapter) SendCommand(ctx context.Context, deviceID string, cmd device.Command) (*device.Reply, error) {
	c := a.lookup(deviceID)
	if c == nil {
		return nil, device.NewError(device.KindNotConnected, "no modbus connection")
	}
	result, err := c.execute(ctx, cmd.Command, cmd.Params())
	if err != nil {
		return nil, err
	}
	return &device.Reply{Result: result}, nil
}

// ReadData implements device.Adapter. It reads the configured register block.
func (a *Adapter) ReadData(ctx context.Context, deviceID string) (device.Payload, error) {
	c := a.lookup(deviceID)
	if c == nil {
		return device.Payload{}, device.NewError(device.KindNotConnected, "no modbus connection")
	}

	values, err := c.read(ctx, c.set.readType, c.set.readAddress, c.set.readQuantity, c.set.dataType, c.set.order)
	if err != nil {
		return device.Payload{}, err
	}
	raw, err := json.Marshal(map[string]interface{}{
		"registerType": c.set.readType,
		"address":      c.set.readAddress,
		"values":       values,
	})
	if err != nil {
		return device.Payload{}, device.TransportError(err, "encode registers")
	}
	return device.Payload{Raw: raw, ContentType: "application/json", Timestamp: time.Now()}, nil
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
	a.log.Info().Str("device", deviceID).Str("mode", string(c.mode)).Msg("modbus device disconnected")
	return c.t.Close()
}

// registerFunction maps a register type name to its read function code.
func registerFunction(registerType string) (byte, error) {
	switch strings.ToLower(registerType) {
	case "holding", "holdingregister", "holdingregisters":
		return FuncReadHoldingRegisters, nil
	case "input", "inputregister", "inputregisters":
		return FuncReadInputRegisters, nil
	case "coil", "coils":
		return FuncReadCoils, nil
	case "discrete", "discreteinput", "discreteinputs":
		return FuncReadDiscreteInputs, nil
	}
	return 0, device.ValidationError("unsupported register type %q", registerType)
}

// exchange sends pdu and surfaces protocol failures as transport errors.
func (c *conn) exchange(ctx context.Context, pdu []byte) ([]byte, error) {
	response, err := c.t.Exchange(ctx, pdu)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, device.TransportError(err, "function 0x%02X", pdu[0])
	}
	if err := checkResponse(pdu, response); err != nil {
		return nil, device.TransportError(err, "function 0x%02X", pdu[0])
	}
	return response, nil
}

// read reads quantity registers or bits. Register values are decoded with
// dataType, so quantity must be a multiple of its width.
func (c *conn) read(ctx context.Context, registerType string, address, quantity int, dt DataType, order ByteOrder) (interface{}, error) {
	function, err := registerFunction(registerType)
	if err != nil {
		return nil, err
	}
	request, err := readRequest(function, address, quantity)
	if err != nil {
		return nil, device.ValidationError("%v", err)
	}
	if (function == FuncReadHoldingRegisters || function == FuncReadInputRegisters) && quantity%dt.Width() != 0 {
		return nil, device.ValidationError("quantity %d is not a multiple of the %s width", quantity, dt)
	}

	response, err := c.exchange(ctx, request)
	if err != nil {
		return nil, err
	}

	switch function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		bits, err := parseBits(response, quantity)
		if err != nil {
			return nil, device.TransportError(err, "malformed response")
		}
		return bits, nil
	default:
		regs, err := parseRegisters(response, quantity)
		if err != nil {
			return nil, device.TransportError(err, "malformed response")
		}
		values, err := Decode(regs, dt, order)
		if err != nil {
			return nil, device.TransportError(err, "decode registers")
		}
		return values, nil
	}
}
