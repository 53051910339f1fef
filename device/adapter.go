package device

import (
	"context"
)

// Adapter is the capability contract every transport implements.
//
// The Manager serializes Connect/Disconnect per device id; adapters must still
// tolerate concurrent calls for different devices.
type Adapter interface {
	// Types lists the connection types this adapter instance serves.
	Types() []ConnectionType

	// Initialize performs one-time setup. Calling it again is a no-op.
	Initialize(env Env) error

	// Connect performs the transport handshake and must return once ctx
	// expires.
	Connect(ctx context.Context, deviceID string, cfg Config) error

	// SendCommand writes cmd to the transport. Transports that answer inline
	// return the reply. A nil reply with a nil error means the reply arrives
	// later through Env.ResolveCommand.
	SendCommand(ctx context.Context, deviceID string, cmd Command) (*Reply, error)

	// ReadData pulls a payload, or returns the most recently buffered one for
	// push transports.
	ReadData(ctx context.Context, deviceID string) (Payload, error)

	Disconnect(ctx context.Context, deviceID string) error

	// Pipelined reports whether several commands may be in flight to one
	// device at the same time.
	Pipelined() bool
}

// Env is how adapters report asynchronous activity back to the Manager.
type Env interface {
	// EmitData publishes a pushed payload as a data_received event.
	EmitData(deviceID string, payload Payload)

	// ResolveCommand completes an in-flight command. It returns false when no
	// such command is pending, e.g. a late reply after a timeout.
	ResolveCommand(deviceID, commandID string, result interface{}, err error) bool

	// ReportFailure marks an ONLINE device as failed after transport loss.
	ReportFailure(deviceID string, err error)
}
