// Package device holds the transport independent core of the ingestion
// framework: the connection registry, the command correlator, the event bus
// and the Manager facade that routes calls to transport adapters.
package device

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionType identifies the transport family of a device connection.
type ConnectionType string

const (
	ConnectionUSB       ConnectionType = "usb"
	ConnectionMQTT      ConnectionType = "mqtt"
	ConnectionModbusRTU ConnectionType = "modbus-rtu"
	ConnectionModbusTCP ConnectionType = "modbus-tcp"
	ConnectionHTTP      ConnectionType = "http"
	ConnectionDatabase  ConnectionType = "database"
)

// ParseConnectionType normalizes a configured connection type. "serial" is
// accepted as an alias of "usb".
func ParseConnectionType(s string) (ConnectionType, error) {
	switch ConnectionType(strings.ToLower(strings.TrimSpace(s))) {
	case ConnectionUSB, "serial":
		return ConnectionUSB, nil
	case ConnectionMQTT:
		return ConnectionMQTT, nil
	case ConnectionModbusRTU:
		return ConnectionModbusRTU, nil
	case ConnectionModbusTCP:
		return ConnectionModbusTCP, nil
	case ConnectionHTTP:
		return ConnectionHTTP, nil
	case ConnectionDatabase:
		return ConnectionDatabase, nil
	}
	return "", fmt.Errorf("unknown connection type %q", s)
}

// DefaultTimeout applies when a Config carries no TimeoutMs.
const DefaultTimeout = 5 * time.Second

// Config describes how to reach one device. It is supplied by configuration
// collaborators and never modified by adapters.
type Config struct {
	Type       ConnectionType `json:"connectionType" mapstructure:"type"`
	Parameters Parameters     `json:"parameters" mapstructure:"parameters"`
	TimeoutMs  int            `json:"timeoutMs" mapstructure:"timeout_ms"`
	// ParseRule, when set, is applied to every payload read from the device.
	ParseRule string `json:"parseRule,omitempty" mapstructure:"parse_rule"`
}

// Timeout returns the handshake/read budget of the connection.
func (c Config) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Status is a state of the connection state machine.
type Status string

const (
	StatusOffline     Status = "OFFLINE"
	StatusConnecting  Status = "CONNECTING"
	StatusOnline      Status = "ONLINE"
	StatusError       Status = "ERROR"
	StatusMaintenance Status = "MAINTENANCE"
)

// Stats are per-connection counters.
type Stats struct {
	CommandsSent    uint64 `json:"commandsSent"`
	RepliesReceived uint64 `json:"repliesReceived"`
	DataReceived    uint64 `json:"dataReceived"`
	Errors          uint64 `json:"errors"`
}

// State is the last known connection state of a device.
type State struct {
	DeviceID       string         `json:"deviceId"`
	Type           ConnectionType `json:"connectionType,omitempty"`
	Status         Status         `json:"status"`
	LastError      string         `json:"lastError,omitempty"`
	ConnectedAt    time.Time      `json:"connectedAt,omitempty"`
	LastActivityAt time.Time      `json:"lastActivityAt,omitempty"`
	Stats          Stats          `json:"stats"`
}

// CommandStatus tracks a command through correlation.
type CommandStatus string

const (
	CommandPending  CommandStatus = "pending"
	CommandSent     CommandStatus = "sent"
	CommandExecuted CommandStatus = "executed"
	CommandFailed   CommandStatus = "failed"
)

// Command is a request addressed to one device. ID is the caller supplied
// correlation key and must be unique among the device's in-flight commands.
type Command struct {
	ID         string                 `json:"id"`
	DeviceID   string                 `json:"deviceId"`
	Command    string                 `json:"command"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Status     CommandStatus          `json:"status"`
	Result     interface{}            `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Params wraps the command parameters with the typed accessors.
func (c Command) Params() Parameters {
	return Parameters(c.Parameters)
}

// EventType classifies an Event.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventDisconnected  EventType = "disconnected"
	EventDataReceived  EventType = "data_received"
	EventCommandResult EventType = "command_result"
	EventError         EventType = "error"
)

// Event is immutable once published. Sequence increases by one for every
// event of the same device.
type Event struct {
	ID        string      `json:"id"`
	DeviceID  string      `json:"deviceId"`
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Sequence  uint64      `json:"sequence"`
}

// CommandOutcome is the Data of a command_result event.
type CommandOutcome struct {
	CommandID string        `json:"commandId"`
	Command   string        `json:"command"`
	Status    CommandStatus `json:"status"`
	Result    interface{}   `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Payload is what an adapter hands back from a read.
type Payload struct {
	Raw         []byte
	ContentType string
	Timestamp   time.Time
}

// Reading is a payload after the device's parse rule has been applied. It is
// the Data of a data_received event.
type Reading struct {
	DeviceID    string      `json:"deviceId"`
	Raw         string      `json:"raw"`
	Parsed      interface{} `json:"parsed,omitempty"`
	ParseError  string      `json:"parseError,omitempty"`
	ContentType string      `json:"contentType,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Reply is an inline command reply from an adapter.
type Reply struct {
	Result interface{}
}
