package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManagerRejectsDuplicateTypes(t *testing.T) {
	_, err := NewManager([]Adapter{newFakeAdapter(ConnectionHTTP), newFakeAdapter(ConnectionHTTP)})
	require.Error(t, err)
}

func TestNewManagerInitializesAdapters(t *testing.T) {
	a := newFakeAdapter(ConnectionModbusRTU, ConnectionModbusTCP)
	m := newTestManager(t, a)

	assert.Equal(t, 1, a.initialized)
	assert.NotNil(t, a.Env())
	assert.Len(t, m.adapters, 2)
}

func TestConnectAndDisconnect(t *testing.T) {
	a := newFakeAdapter()
	m := newTestManager(t, a)
	sub := m.Subscribe("sensor-1")
	defer sub.Close()

	require.NoError(t, m.Connect(context.Background(), "sensor-1", httpConfig()))
	st := m.ConnectionState("sensor-1")
	assert.Equal(t, StatusOnline, st.Status)
	assert.Equal(t, ConnectionHTTP, st.Type)
	assert.False(t, st.ConnectedAt.IsZero())

	ev := nextEvent(t, sub)
	assert.Equal(t, EventConnected, ev.Type)
	assert.Equal(t, uint64(1), ev.Sequence)

	require.NoError(t, m.Disconnect(context.Background(), "sensor-1"))
	assert.Equal(t, StatusOffline, m.ConnectionState("sensor-1").Status)

	ev = nextEvent(t, sub)
	assert.Equal(t, EventDisconnected, ev.Type)
	assert.Equal(t, uint64(2), ev.Sequence)
	assert.Equal(t, int32(1), a.disconnects.Load())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	a := newFakeAdapter()
	m := newTestManager(t, a)
	sub := m.Subscribe("sensor-1")
	defer sub.Close()

	require.NoError(t, m.Connect(context.Background(), "sensor-1", httpConfig()))
	assert.Equal(t, EventConnected, nextEvent(t, sub).Type)

	require.NoError(t, m.Disconnect(context.Background(), "sensor-1"))
	assert.Equal(t, EventDisconnected, nextEvent(t, sub).Type)

	require.NoError(t, m.Disconnect(context.Background(), "sensor-1"))
	assert.Equal(t, StatusOffline, m.ConnectionState("sensor-1").Status)
	assert.Equal(t, int32(1), a.disconnects.Load())
	noEvent(t, sub, 100*time.Millisecond)
}

func TestConnectionStateUnknownDevice(t *testing.T) {
	m := newTestManager(t, newFakeAdapter())

	st := m.ConnectionState("nobody")
	assert.Equal(t, "nobody", st.DeviceID)
	assert.Equal(t, StatusOffline, st.Status)
	require.NoError(t, m.Disconnect(context.Background(), "nobody"))
	assert.Empty(t, m.Devices())
}

func TestConnectWhenOnlineIsNoop(t *testing.T) {
	a := newFakeAdapter()
	m := newTestManager(t, a)

	require.NoError(t, m.Connect(context.Background(), "sensor-1", httpConfig()))
	require.NoError(t, m.Connect(context.Background(), "sensor-1", httpConfig()))
	assert.Equal(t, int32(1), a.connects.Load())
}

func TestConnectValidation(t *testing.T) {
	a := newFakeAdapter()
	m := newTestManager(t, a, WithParser(&upperParser{}))

	tests := []struct {
		name     string
		deviceID string
		cfg      Config
	}{
		{name: "empty id", deviceID: "", cfg: httpConfig()},
		{name: "unknown type", deviceID: "d", cfg: Config{Type: "carrier-pigeon"}},
		{name: "no adapter", deviceID: "d", cfg: Config{Type: ConnectionMQTT}},
		{name: "bad parse rule", deviceID: "d", cfg: Config{Type: ConnectionHTTP, ParseRule: "invalid("}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Connect(context.Background(), tt.deviceID, tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
		})
	}
	assert.Equal(t, int32(0), a.connects.Load())
}

func TestConnectAdapterValidationLeavesDeviceOffline(t *testing.T) {
	a := newFakeAdapter()
	a.connectFn = func(context.Context, string, Config) error {
		return ValidationError("baseUrl is required")
	}
	m := newTestManager(t, a)
	sub := m.Subscribe("d")
	defer sub.Close()

	err := m.Connect(context.Background(), "d", httpConfig())
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, StatusOffline, m.ConnectionState("d").Status)
	noEvent(t, sub, 50*time.Millisecond)
}

func TestConnectTimeoutMovesToError(t *testing.T) {
	release := make(chan struct{})
	a := newFakeAdapter()
	a.connectFn = func(ctx context.Context, _ string, _ Config) error {
		// Ignores ctx on purpose.
		<-release
		return nil
	}
	m := newTestManager(t, a, WithErrorReset(time.Hour))
	t.Cleanup(func() { close(release) })
	sub := m.Subscribe("stuck")
	defer sub.Close()

	cfg := httpConfig()
	cfg.TimeoutMs = 50
	start := time.Now()
	err := m.Connect(context.Background(), "stuck", cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectionTimeout), "got %v", err)
	assert.Less(t, time.Since(start), time.Second)

	st := m.ConnectionState("stuck")
	assert.Equal(t, StatusError, st.Status)
	assert.NotEmpty(t, st.LastError)

	ev := nextEvent(t, sub)
	assert.Equal(t, EventError, ev.Type)
	assert.NotEmpty(t, ev.Error)
	noEvent(t, sub, 100*time.Millisecond)
}

func TestErrorDecaysToOffline(t *testing.T) {
	a := newFakeAdapter()
	a.connectFn = func(context.Context, string, Config) error {
		return errors.New("connection refused")
	}
	m := newTestManager(t, a, WithErrorReset(30*time.Millisecond))
	sub := m.Subscribe("d")
	defer sub.Close()

	err := m.Connect(context.Background(), "d", httpConfig())
	assert.True(t, errors.Is(err, ErrTransport), "got %v", err)
	assert.Equal(t, EventError, nextEvent(t, sub).Type)

	require.Eventually(t, func() bool {
		return m.ConnectionState("d").Status == StatusOffline
	}, time.Second, 10*time.Millisecond)
	// No connected event was emitted, so no disconnected event either.
	noEvent(t, sub, 50*time.Millisecond)
}

func TestConnectWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	a := newFakeAdapter()
	a.connectFn = func(ctx context.Context, _ string, _ Config) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m := newTestManager(t, a)

	errc := make(chan error, 1)
	go func() { errc <- m.Connect(context.Background(), "d", httpConfig()) }()
	require.Eventually(t, func() bool {
		return m.ConnectionState("d").Status == StatusConnecting
	}, time.Second, 5*time.Millisecond)

	err := m.Connect(context.Background(), "d", httpConfig())
	assert.True(t, errors.Is(err, ErrAlreadyConnecting), "got %v", err)

	close(release)
	require.NoError(t, <-errc)
	assert.Equal(t, StatusOnline, m.ConnectionState("d").Status)
}

func TestDisconnectCancelsHandshake(t *testing.T) {
	a := newFakeAdapter()
	a.connectFn = func(ctx context.Context, _ string, _ Config) error {
		<-ctx.Done()
		return ctx.Err()
	}
	m := newTestManager(t, a)
	sub := m.Subscribe("d")
	defer sub.Close()

	errc := make(chan error, 1)
	go func() { errc <- m.Connect(context.Background(), "d", httpConfig()) }()
	require.Eventually(t, func() bool {
		return m.ConnectionState("d").Status == StatusConnecting
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Disconnect(context.Background(), "d"))
	err := <-errc
	assert.True(t, errors.Is(err, ErrDisconnected), "got %v", err)
	assert.Equal(t, StatusOffline, m.ConnectionState("d").Status)
	noEvent(t, sub, 50*time.Millisecond)
}

func TestSendCommandOnOfflineDevice(t *testing.T) {
	a := newFakeAdapter()
	m := newTestManager(t, a)

	cmd, err := m.SendCommand(context.Background(), "ghost", Command{ID: "c1", Command: "ping"}, 0)
	assert.True(t, errors.Is(err, ErrNotConnected), "got %v", err)
	assert.Equal(t, CommandFailed, cmd.Status)

	require.NoError(t, m.Connect(context.Background(), "d", httpConfig()))
	require.NoError(t, m.Disconnect(context.Background(), "d"))
	_, err = m.SendCommand(context.Background(), "d", Command{ID: "c2", Command: "ping"}, 0)
	assert.True(t, errors.Is(err, ErrNotConnected), "got %v", err)

	assert.Equal(t, int32(0), a.sends.Load())
}

func TestSendCommandValidation(t *testing.T) {
	a := newFakeAdapter()
	m := newTestManager(t, a)
	require.NoError(t, m.Connect(context.Background(), "d", httpConfig()))

	_, err := m.SendCommand(context.Background(), "d", Command{Command: "ping"}, 0)
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = m.SendCommand(context.Background(), "d", Command{ID: "c1"}, 0)
	assert.True(t, errors.Is(err, ErrValidation))
	assert.Equal(t, int32(0), a.sends.Load())
}

func TestSendCommandInlineReply(t *testing.T) {
	a := newFakeAdapter()
	a.sendFn = func(_ context.Context, _ string, cmd Command) (*Reply, error) {
		return &Reply{Result: map[string]interface{}{"echo": cmd.Command}}, nil
	}
	m := newTestManager(t, a)
	require.NoError(t, m.Connect(context.Background(), "d", httpConfig()))
	sub := m.Subscribe("d")
	defer sub.Close()

	cmd, err := m.SendCommand(context.Background(), "d", Command{ID: "c1", Command: "status"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, CommandExecuted, cmd.Status)
	assert.Equal(t, map[string]interface{}{"echo": "status"}, cmd.Result)

	ev := nextEvent(t, sub)
	require.Equal(t, EventCommandResult, ev.Type)
	outcome, ok := ev.Data.(CommandOutcome)
	require.True(t, ok)
	assert.Equal(t, "c1", outcome.CommandID)
	assert.Equal(t, CommandExecuted, outcome.Status)

	st := m.ConnectionState("d")
	assert.Equal(t, uint64(1), st.Stats.CommandsSent)
	assert.Equal(t, uint64(1), st.Stats.RepliesReceived)
}

func TestSendCommandAdapterError(t *testing.T) {
	a := newFakeAdapter()
	a.sendFn = func(context.Context, string, Command) (*Reply, error) {
		return nil, errors.New("HTTP 503")
	}
	m := newTestManager(t, a)
	require.NoError(t, m.Connect(context.Background(), "d", httpConfig()))

	cmd, err := m.SendCommand(context.Background(), "d", Command{ID: "c1", Command: "reboot"}, time.Second)
	assert.True(t, errors.Is(err, ErrTransport), "got %v", err)
	assert.Contains(t, err.Error(), "HTTP 503")
	assert.Equal(t, CommandFailed, cmd.Status)
	assert.Equal(t, StatusOnline, m.ConnectionState("d").Status)
}

func TestAsyncReplyResolvesExactlyOnce(t *testing.T) {
	a := newFakeAdapter()
	resolved := make(chan [2]bool, 1)
	a.sendFn = func(_ context.Context, deviceID string, cmd Command) (*Reply, error) {
		env := a.Env()
		go func() {
			first := env.ResolveCommand(deviceID, cmd.ID, "done", nil)
			second := env.ResolveCommand(deviceID, cmd.ID, "again", nil)
			resolved <- [2]bool{first, second}
		}()
		return nil, nil
	}
	m := newTestManager(t, a)
	require.NoError(t, m.Connect(context.Background(), "d", httpConfig()))
	sub := m.Subscribe("d")
	defer sub.Close()

	cmd, err := m.SendCommand(context.Background(), "d", Command{ID: "c1", Command: "measure"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, CommandExecuted, cmd.Status)
	assert.Equal(t, "done", cmd.Result)

	r := <-resolved
	assert.True(t, r[0])
	assert.False(t, r[1])

	assert.Equal(t, EventCommandResult, nextEvent(t, sub).Type)
	noEvent(t, sub, 50*time.Millisecond)
}

func TestCommandTimeoutDiscardsLateReply(t *testing.T) {
	a := newFakeAdapter()
	a.sendFn = func(context.Context, string, Command) (*Reply, error) {
		return nil, nil
	}
	m := newTestManager(t, a)
	require.NoError(t, m.Connect(context.Background(), "d", httpConfig()))

	cmd, err := m.SendCommand(context.Background(), "d", Command{ID: "c1", Command: "measure"}, 30*time.Millisecond)
	assert.True(t, errors.Is(err, ErrCommandTimeout), "got %v", err)
	assert.Equal(t, CommandFailed, cmd.Status)
	assert.Equal(t, 0, m.correlator.InFlight("d"))

	assert.False(t, a.Env().ResolveCommand("d", "c1", "late", nil))
}

func TestDuplicateInFlightCommandID(t *testing.T) {
	a := newFakeAdapter()
	a.sendFn = func(context.Context, string, Command) (*Reply, error) {
		return nil, nil
	}
	m := newTestManager(t, a)
	require.NoError(t, m.Connect(context.Background(), "d", httpConfig()))

	go func() {
		_, _ = m.SendCommand(context.Background(), "d", Command{ID: "c1", Command: "a"}, time.Second)
	}()
	require.Eventually(t, func() bool { return m.correlator.InFlight("d") == 1 }, time.Second, 5*time.Millisecond)

	_, err := m.SendCommand(context.Background(), "d", Command{ID: "c1", Command: "b"}, time.Second)
	assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
}

func TestDisconnectFailsPendingCommands(t *testing.T) {
	a := newFakeAdapter()
	a.sendFn = func(context.Context, string, Command) (*Reply, error) {
		return nil, nil
	}
	m := newTestManager(t, a)
	require.NoError(t, m.Connect(context.Background(), "d", httpConfig()))

	type result struct {
		cmd Command
		err error
	}
	done := make(chan result, 1)
	go func() {
		cmd, err := m.SendCommand(context.Background(), "d", Command{ID: "c1", Command: "a"}, 5*time.Second)
		done <- result{cmd, err}
	}()
	require.Eventually(t, func() bool { return m.correlator.InFlight("d") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Disconnect(context.Background(), "d"))
	select {
	case r := <-done:
		assert.True(t, errors.Is(r.err, ErrDisconnected), "got %v", r.err)
		assert.Equal(t, CommandFailed, r.cmd.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("pending command was not failed")
	}

	// A fresh session does not see the old id.
	require.NoError(t, m.Connect(context.Background(), "d", httpConfig()))
	assert.False(t, a.Env().ResolveCommand("d", "c1", "stale", nil))
}

func TestSlowDeviceDoesNotDelayAnother(t *testing.T) {
	a := newFakeAdapter()
	a.sendFn = func(ctx context.Context, deviceID string, _ Command) (*Reply, error) {
		if deviceID == "slow" {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &Reply{Result: deviceID}, nil
	}
	m := newTestManager(t, a)
	require.NoError(t, m.Connect(context.Background(), "slow", httpConfig()))
	require.NoError(t, m.Connect(context.Background(), "fast", httpConfig()))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = m.SendCommand(context.Background(), "slow", Command{ID: "s1", Command: "scan"}, 2*time.Second)
	}()
	require.Eventually(t, func() bool { return a.sends.Load() == 1 }, time.Second, 5*time.Millisecond)

	start := time.Now()
	cmd, err := m.SendCommand(context.Background(), "fast", Command{ID: "f1", Command: "ping"}, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fast", cmd.Result)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	wg.Wait()
}

func TestNonPipelinedDeviceRunsOneCommandAtATime(t *testing.T) {
	var inFlight, peak atomic.Int32
	a := newFakeAdapter(ConnectionUSB)
	a.pipelined = false
	a.sendFn = func(context.Context, string, Command) (*Reply, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return &Reply{Result: "ok"}, nil
	}
	m := newTestManager(t, a)
	require.NoError(t, m.Connect(context.Background(), "usb-1", Config{Type: ConnectionUSB, TimeoutMs: 2000}))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.SendCommand(context.Background(), "usb-1", Command{ID: fmt.Sprintf("c%d", i), Command: "read"}, 0)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
}

func TestReadDataAppliesParseRule(t *testing.T) {
	a := newFakeAdapter()
	m := newTestManager(t, a, WithParser(&upperParser{}))
	sub := m.Subscribe("d")
	defer sub.Close()

	cfg := httpConfig()
	cfg.ParseRule = "upper"
	require.NoError(t, m.Connect(context.Background(), "d", cfg))
	assert.Equal(t, EventConnected, nextEvent(t, sub).Type)

	reading, err := m.ReadData(context.Background(), "d")
	require.NoError(t, err)
	assert.Equal(t, `{"value":1}`, reading.Raw)
	assert.Equal(t, `{"VALUE":1}`, reading.Parsed)
	assert.Equal(t, "application/json", reading.ContentType)

	ev := nextEvent(t, sub)
	assert.Equal(t, EventDataReceived, ev.Type)
	assert.Equal(t, reading, ev.Data)
	assert.Equal(t, uint64(1), m.ConnectionState("d").Stats.DataReceived)
}

func TestReadDataErrors(t *testing.T) {
	a := newFakeAdapter()
	a.readFn = func(context.Context, string) (Payload, error) {
		return Payload{}, TransportError(nil, "query failed")
	}
	m := newTestManager(t, a)

	_, err := m.ReadData(context.Background(), "d")
	assert.True(t, errors.Is(err, ErrNotConnected))

	require.NoError(t, m.Connect(context.Background(), "d", httpConfig()))
	_, err = m.ReadData(context.Background(), "d")
	assert.True(t, errors.Is(err, ErrTransport))
	assert.Equal(t, uint64(1), m.ConnectionState("d").Stats.Errors)
}

func TestPushedDataIsPublished(t *testing.T) {
	a := newFakeAdapter(ConnectionMQTT)
	m := newTestManager(t, a)
	sub := m.SubscribeAll()
	defer sub.Close()

	// Dropped while the device is not online.
	a.Env().EmitData("m1", Payload{Raw: []byte("early")})

	require.NoError(t, m.Connect(context.Background(), "m1", Config{Type: ConnectionMQTT}))
	assert.Equal(t, EventConnected, nextEvent(t, sub).Type)

	a.Env().EmitData("m1", Payload{Raw: []byte("21.5")})
	ev := nextEvent(t, sub)
	require.Equal(t, EventDataReceived, ev.Type)
	reading := ev.Data.(Reading)
	assert.Equal(t, "21.5", reading.Raw)
	assert.Nil(t, reading.Parsed)
}

func TestReportFailure(t *testing.T) {
	a := newFakeAdapter(ConnectionUSB)
	a.sendFn = func(context.Context, string, Command) (*Reply, error) {
		return nil, nil
	}
	m := newTestManager(t, a, WithErrorReset(time.Hour))
	require.NoError(t, m.Connect(context.Background(), "usb-1", Config{Type: ConnectionUSB}))
	sub := m.Subscribe("usb-1")
	defer sub.Close()

	done := make(chan error, 1)
	go func() {
		_, err := m.SendCommand(context.Background(), "usb-1", Command{ID: "c1", Command: "a"}, 5*time.Second)
		done <- err
	}()
	require.Eventually(t, func() bool { return m.correlator.InFlight("usb-1") == 1 }, time.Second, 5*time.Millisecond)

	a.Env().ReportFailure("usb-1", errors.New("device unplugged"))

	ev := nextEvent(t, sub)
	assert.Equal(t, EventError, ev.Type)
	assert.Contains(t, ev.Error, "device unplugged")
	assert.Equal(t, StatusError, m.ConnectionState("usb-1").Status)
	assert.Error(t, <-done)

	// The earlier connected event is closed out on disconnect.
	assert.Equal(t, EventCommandResult, nextEvent(t, sub).Type)
	require.NoError(t, m.Disconnect(context.Background(), "usb-1"))
	assert.Equal(t, EventDisconnected, nextEvent(t, sub).Type)
}

func TestMaintenance(t *testing.T) {
	a := newFakeAdapter()
	m := newTestManager(t, a)
	sub := m.Subscribe("d")
	defer sub.Close()

	require.NoError(t, m.Connect(context.Background(), "d", httpConfig()))
	assert.Equal(t, EventConnected, nextEvent(t, sub).Type)

	require.NoError(t, m.SetMaintenance(context.Background(), "d"))
	assert.Equal(t, StatusMaintenance, m.ConnectionState("d").Status)
	assert.Equal(t, EventDisconnected, nextEvent(t, sub).Type)

	err := m.Connect(context.Background(), "d", httpConfig())
	assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
	_, err = m.SendCommand(context.Background(), "d", Command{ID: "c1", Command: "a"}, 0)
	assert.True(t, errors.Is(err, ErrNotConnected))

	// Disconnect does not leave maintenance.
	require.NoError(t, m.Disconnect(context.Background(), "d"))
	assert.Equal(t, StatusMaintenance, m.ConnectionState("d").Status)

	require.NoError(t, m.ExitMaintenance("d"))
	assert.Equal(t, StatusOffline, m.ConnectionState("d").Status)
	require.NoError(t, m.Connect(context.Background(), "d", httpConfig()))
	assert.Equal(t, StatusOnline, m.ConnectionState("d").Status)
}

func TestRemove(t *testing.T) {
	a := newFakeAdapter()
	p := &upperParser{}
	m := newTestManager(t, a, WithParser(p))

	cfg := httpConfig()
	cfg.ParseRule = "upper"
	require.NoError(t, m.Connect(context.Background(), "d", cfg))
	require.NoError(t, m.Connect(context.Background(), "e", httpConfig()))
	sub := m.Subscribe("d")

	require.Len(t, m.Devices(), 2)
	require.NoError(t, m.Remove(context.Background(), "d"))

	devices := m.Devices()
	require.Len(t, devices, 1)
	assert.Equal(t, "e", devices[0].DeviceID)
	assert.Equal(t, StatusOffline, m.ConnectionState("d").Status)
	assert.Empty(t, p.rules)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription was not closed")
		}
	}
}

func TestCloseDisconnectsEverything(t *testing.T) {
	a := newFakeAdapter()
	m, err := NewManager([]Adapter{a})
	require.NoError(t, err)

	require.NoError(t, m.Connect(context.Background(), "a", httpConfig()))
	require.NoError(t, m.Connect(context.Background(), "b", httpConfig()))
	require.NoError(t, m.Close(context.Background()))

	assert.Equal(t, int32(2), a.disconnects.Load())
	for _, st := range m.Devices() {
		assert.Equal(t, StatusOffline, st.Status)
	}
	assert.True(t, errors.Is(m.Connect(context.Background(), "a", httpConfig()), ErrDisconnected))
}

func TestSendCommandAdapterOutlivesBudget(t *testing.T) {
	a := newFakeAdapter()
	finished := make(chan string, 1)
	a.sendFn = func(_ context.Context, _ string, cmd Command) (*Reply, error) {
		// ignores its context
		time.Sleep(80 * time.Millisecond)
		finished <- cmd.Command + ":" + string(cmd.Status) + ":" + cmd.Error
		return &Reply{Result: "late"}, nil
	}
	m := newTestManager(t, a)
	require.NoError(t, m.Connect(context.Background(), "slow", httpConfig()))

	out, err := m.SendCommand(context.Background(), "slow", Command{ID: "c1", Command: "reboot"}, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCommandTimeout))
	assert.Equal(t, CommandFailed, out.Status)
	assert.NotEmpty(t, out.Error)

	select {
	case seen := <-finished:
		assert.Equal(t, "reboot:sent:", seen, "the adapter keeps the command as dispatched")
	case <-time.After(2 * time.Second):
		t.Fatal("adapter never returned")
	}
}

// gatedParser blocks Parse until release is closed.
type gatedParser struct {
	entered chan struct{}
	release chan struct{}
}

func (p *gatedParser) SetRule(string, string) error { return nil }
func (p *gatedParser) RemoveRule(string)            {}
func (p *gatedParser) Parse(_ string, raw string) (interface{}, bool, error) {
	p.entered <- struct{}{}
	<-p.release
	return raw, true, nil
}

func TestPushedDataDoesNotFollowDisconnect(t *testing.T) {
	a := newFakeAdapter(ConnectionMQTT)
	p := &gatedParser{entered: make(chan struct{}, 1), release: make(chan struct{})}
	m := newTestManager(t, a, WithParser(p))
	sub := m.Subscribe("m1")
	defer sub.Close()

	require.NoError(t, m.Connect(context.Background(), "m1", Config{Type: ConnectionMQTT, ParseRule: "x"}))
	assert.Equal(t, EventConnected, nextEvent(t, sub).Type)

	emitted := make(chan struct{})
	go func() {
		defer close(emitted)
		a.Env().EmitData("m1", Payload{Raw: []byte("21.5")})
	}()
	select {
	case <-p.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("payload was not parsed")
	}

	require.NoError(t, m.Disconnect(context.Background(), "m1"))
	close(p.release)
	<-emitted

	assert.Equal(t, EventDisconnected, nextEvent(t, sub).Type)
	noEvent(t, sub, 100*time.Millisecond)
}
