package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/data-ingest/device"
	"github.com/eddielth/data-ingest/serial"
)

// slave is an in-memory Modbus server. Addresses from 1000 up are illegal.
type slave struct {
	mu      sync.Mutex
	holding map[uint16]uint16
	coils   map[uint16]bool
	delays  map[uint16]time.Duration
	conns   []net.Conn
}

func newSlave() *slave {
	return &slave{
		holding: make(map[uint16]uint16),
		coils:   make(map[uint16]bool),
		delays:  make(map[uint16]time.Duration),
	}
}

func (s *slave) handle(pdu []byte) []byte {
	fc := pdu[0]
	addr := binary.BigEndian.Uint16(pdu[1:3])
	if addr >= 1000 {
		return []byte{fc | 0x80, 0x02}
	}

	s.mu.Lock()
	delay := s.delays[addr]
	s.mu.Unlock()
	time.Sleep(delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	qty := binary.BigEndian.Uint16(pdu[3:5])
	switch fc {
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		out := []byte{fc, byte(2 * qty)}
		for i := uint16(0); i < qty; i++ {
			v := s.holding[addr+i]
			if fc == FuncReadInputRegisters {
				v += 1000
			}
			out = binary.BigEndian.AppendUint16(out, v)
		}
		return out
	case FuncReadCoils, FuncReadDiscreteInputs:
		data := make([]byte, (qty+7)/8)
		for i := uint16(0); i < qty; i++ {
			if s.coils[addr+i] {
				data[i/8] |= 1 << (i % 8)
			}
		}
		return append([]byte{fc, byte(len(data))}, data...)
	case FuncWriteSingleCoil:
		s.coils[addr] = qty == 0xFF00
	case FuncWriteSingleRegister:
		s.holding[addr] = qty
	case FuncWriteMultipleCoils:
		for i := uint16(0); i < qty; i++ {
			s.coils[addr+i] = pdu[6+i/8]&(1<<(i%8)) != 0
		}
	case FuncWriteMultipleRegisters:
		for i := uint16(0); i < qty; i++ {
			s.holding[addr+i] = binary.BigEndian.Uint16(pdu[6+2*i:])
		}
	default:
		return []byte{fc | 0x80, 0x01}
	}
	return append([]byte(nil), pdu[:5]...)
}

// serveTCP answers every request concurrently, so replies may come back out
// of order.
func (s *slave) serveTCP(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, c)
			s.mu.Unlock()
			go s.serveConn(c)
		}
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	n, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, n
}

func (s *slave) serveConn(c net.Conn) {
	defer c.Close()
	var wmu sync.Mutex
	for {
		txID, unit, pdu, err := readTCP(c)
		if err != nil {
			return
		}
		go func() {
			frame, _ := packTCP(txID, unit, s.handle(pdu))
			wmu.Lock()
			defer wmu.Unlock()
			_, _ = c.Write(frame)
		}()
	}
}

func (s *slave) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func newTestManager(t *testing.T, opts ...Option) *device.Manager {
	t.Helper()
	m, err := device.NewManager([]device.Adapter{New(opts...)}, device.WithErrorReset(time.Hour))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func tcpConfig(host string, port int, extra device.Parameters) device.Config {
	p := device.Parameters{"host": host, "port": port, "unitId": 1}
	for k, v := range extra {
		p[k] = v
	}
	return device.Config{Type: device.ConnectionModbusTCP, Parameters: p, TimeoutMs: 2000}
}

func send(t *testing.T, m *device.Manager, id, command string, params map[string]interface{}) (device.Command, error) {
	t.Helper()
	return m.SendCommand(context.Background(), id, device.Command{ID: command + "-" + time.Now().Format("150405.000000000"), Command: command, Parameters: params}, time.Second)
}

func TestTCPCommands(t *testing.T) {
	s := newSlave()
	host, port := s.serveTCP(t)
	m := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), "plc", tcpConfig(host, port, nil)))

	_, err := send(t, m, "plc", CmdWriteRegister, map[string]interface{}{"address": 10, "value": 1234})
	require.NoError(t, err)
	cmd, err := send(t, m, "plc", CmdReadHoldingRegisters, map[string]interface{}{"address": 10, "quantity": 1})
	require.NoError(t, err)
	assert.Equal(t, device.CommandExecuted, cmd.Status)
	assert.Equal(t, []interface{}{uint16(1234)}, cmd.Result)

	cmd, err = send(t, m, "plc", CmdReadInputRegisters, map[string]interface{}{"address": 10})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{uint16(2234)}, cmd.Result)

	_, err = send(t, m, "plc", CmdWriteRegisters, map[string]interface{}{
		"address": 20, "values": []interface{}{21.5}, "dataType": "float32", "byteOrder": "CDAB",
	})
	require.NoError(t, err)
	s.mu.Lock()
	assert.Equal(t, uint16(0x0000), s.holding[20])
	assert.Equal(t, uint16(0x41AC), s.holding[21])
	s.mu.Unlock()
	cmd, err = send(t, m, "plc", CmdRead, map[string]interface{}{
		"registerType": "holding", "address": 20, "quantity": 2, "dataType": "float32", "byteOrder": "CDAB",
	})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{float32(21.5)}, cmd.Result)

	_, err = send(t, m, "plc", CmdWriteCoils, map[string]interface{}{"address": 0, "values": []interface{}{true, false, true}})
	require.NoError(t, err)
	_, err = send(t, m, "plc", CmdWrite, map[string]interface{}{"registerType": "coil", "address": 3, "value": true})
	require.NoError(t, err)
	cmd, err = send(t, m, "plc", CmdReadCoils, map[string]interface{}{"address": 0, "quantity": 4})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, true}, cmd.Result)

	cmd, err = send(t, m, "plc", CmdScan, map[string]interface{}{"registerType": "holding", "startAddress": 9, "endAddress": 11})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{uint16(0), uint16(1234), uint16(0)}, cmd.Result)
}

func TestTCPCommandErrors(t *testing.T) {
	s := newSlave()
	host, port := s.serveTCP(t)
	m := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), "plc", tcpConfig(host, port, nil)))

	tests := []struct {
		name    string
		command string
		params  map[string]interface{}
		want    error
	}{
		{"unknown opcode", "reboot", nil, device.ErrValidation},
		{"missing address", CmdReadCoils, map[string]interface{}{}, device.ErrValidation},
		{"read-only register", CmdWrite, map[string]interface{}{"registerType": "input", "address": 1, "value": 1}, device.ErrValidation},
		{"bad quantity", CmdReadHoldingRegisters, map[string]interface{}{"address": 1, "quantity": 500}, device.ErrValidation},
		{"odd float quantity", CmdReadHoldingRegisters, map[string]interface{}{"address": 1, "quantity": 3, "dataType": "float32"}, device.ErrValidation},
		{"not a number", CmdWriteRegister, map[string]interface{}{"address": 1, "value": "hot"}, device.ErrValidation},
		{"exception", CmdReadHoldingRegisters, map[string]interface{}{"address": 1000}, device.ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := send(t, m, "plc", tt.command, tt.params)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, device.CommandFailed, cmd.Status)
		})
	}

	_, err := send(t, m, "plc", CmdReadHoldingRegisters, map[string]interface{}{"address": 1000})
	assert.ErrorContains(t, err, "illegal data address")
	assert.Equal(t, device.StatusOnline, m.ConnectionState("plc").Status, "exceptions do not fail the connection")
}

func TestTCPPipelining(t *testing.T) {
	s := newSlave()
	s.delays[500] = 400 * time.Millisecond
	host, port := s.serveTCP(t)
	m := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), "plc", tcpConfig(host, port, nil)))

	slow := make(chan error, 1)
	go func() {
		_, err := m.SendCommand(context.Background(), "plc", device.Command{
			ID: "slow", Command: CmdReadHoldingRegisters, Parameters: map[string]interface{}{"address": 500},
		}, 2*time.Second)
		slow <- err
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	_, err := m.SendCommand(context.Background(), "plc", device.Command{
		ID: "fast", Command: CmdReadHoldingRegisters, Parameters: map[string]interface{}{"address": 1},
	}, 2*time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 300*time.Millisecond)

	require.NoError(t, <-slow)
}

func TestReadData(t *testing.T) {
	s := newSlave()
	s.holding[0] = 7
	s.holding[1] = 8
	host, port := s.serveTCP(t)
	m := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), "plc", tcpConfig(host, port, device.Parameters{
		"readRegisterType": "holding", "readAddress": 0, "readQuantity": 2,
	})))

	r, err := m.ReadData(context.Background(), "plc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"registerType":"holding","address":0,"values":[7,8]}`, r.Raw)
	assert.Equal(t, "application/json", r.ContentType)
}

func TestConnectFailures(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	err := m.Connect(ctx, "a", device.Config{Type: device.ConnectionModbusTCP, Parameters: device.Parameters{"port": 502}})
	assert.True(t, errors.Is(err, device.ErrValidation), "got %v", err)

	err = m.Connect(ctx, "b", tcpConfig("127.0.0.1", 502, device.Parameters{"byteOrder": "middle"}))
	assert.True(t, errors.Is(err, device.ErrValidation), "got %v", err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())
	err = m.Connect(ctx, "c", tcpConfig("127.0.0.1", addr.Port, nil))
	assert.True(t, errors.Is(err, device.ErrTransport), "got %v", err)
	assert.Equal(t, device.StatusError, m.ConnectionState("c").Status)
}

func TestTCPConnectionLost(t *testing.T) {
	s := newSlave()
	host, port := s.serveTCP(t)
	m := newTestManager(t)
	require.NoError(t, m.Connect(context.Background(), "plc", tcpConfig(host, port, nil)))

	s.dropConnections()
	require.Eventually(t, func() bool {
		return m.ConnectionState("plc").Status == device.StatusError
	}, 2*time.Second, 10*time.Millisecond)

	_, err := send(t, m, "plc", CmdReadCoils, map[string]interface{}{"address": 0})
	assert.True(t, errors.Is(err, device.ErrNotConnected), "got %v", err)
}

type pipePort struct {
	io.Reader
	io.Writer
	close func()
}

func (p *pipePort) Close() error {
	p.close()
	return nil
}

// rtuLine connects the adapter to s over in-memory pipes. Only fixed size
// requests (function codes 1 to 6) are understood.
func rtuLine(s *slave, slaveID byte, frames chan<- []byte) serial.Opener {
	return func(serial.PortConfig) (io.ReadWriteCloser, error) {
		hostR, devW := io.Pipe()
		devR, hostW := io.Pipe()
		go func() {
			for {
				req := make([]byte, 8)
				if _, err := io.ReadFull(devR, req); err != nil {
					return
				}
				frames <- req
				id, pdu, err := unpackRTU(req)
				if err != nil || id != slaveID {
					continue
				}
				frame, _ := packRTU(id, s.handle(pdu))
				if _, err := devW.Write(frame); err != nil {
					return
				}
			}
		}()
		return &pipePort{Reader: hostR, Writer: hostW, close: func() {
			_ = hostR.Close()
			_ = hostW.Close()
		}}, nil
	}
}

func TestRTUCommands(t *testing.T) {
	s := newSlave()
	frames := make(chan []byte, 16)
	m := newTestManager(t, WithOpener(rtuLine(s, 17, frames)))

	require.NoError(t, m.Connect(context.Background(), "meter", device.Config{
		Type:       device.ConnectionModbusRTU,
		Parameters: device.Parameters{"port": "/dev/ttyUSB0", "baudRate": 19200, "slaveId": 17},
		TimeoutMs:  2000,
	}))

	_, err := send(t, m, "meter", CmdWriteRegister, map[string]interface{}{"address": 4, "value": 600})
	require.NoError(t, err)
	cmd, err := send(t, m, "meter", CmdReadHoldingRegisters, map[string]interface{}{"address": 4})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{uint16(600)}, cmd.Result)

	_, err = send(t, m, "meter", CmdReadHoldingRegisters, map[string]interface{}{"address": 1000})
	assert.True(t, errors.Is(err, device.ErrTransport), "got %v", err)

	require.Len(t, frames, 3)
	first := <-frames
	assert.Equal(t, byte(17), first[0])
	assert.Equal(t, FuncWriteSingleRegister, first[1])
	_, _, err = unpackRTU(first)
	assert.NoError(t, err)

	require.NoError(t, m.Disconnect(context.Background(), "meter"))
}

func TestRTUValidation(t *testing.T) {
	m := newTestManager(t, WithOpener(rtuLine(newSlave(), 1, make(chan []byte, 1))))
	err := m.Connect(context.Background(), "meter", device.Config{
		Type:       device.ConnectionModbusRTU,
		Parameters: device.Parameters{"port": "/dev/ttyUSB0", "slaveId": 300},
	})
	assert.True(t, errors.Is(err, device.ErrValidation), "got %v", err)

	err = m.Connect(context.Background(), "meter", device.Config{
		Type:       device.ConnectionModbusRTU,
		Parameters: device.Parameters{"slaveId": 1},
	})
	assert.True(t, errors.Is(err, device.ErrValidation), "got %v", err)
}
