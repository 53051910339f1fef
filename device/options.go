package device

import (
	"time"

	"github.com/rs/zerolog"
)

// DefaultErrorReset is how long a device stays in ERROR before it decays to
// OFFLINE.
const DefaultErrorReset = 30 * time.Second

// Recorder receives operational measurements. The metrics package provides
// the prometheus implementation.
type Recorder interface {
	ConnectionStatus(deviceID string, connType ConnectionType, status Status)
	CommandCompleted(deviceID, command string, status CommandStatus, elapsed time.Duration)
	DataReceived(deviceID string, bytes int)
	EventPublished(eventType EventType)
}

// Parser applies per-device parse rules to raw payloads.
type Parser interface {
	SetRule(deviceID, rule string) error
	RemoveRule(deviceID string)
	// Parse reports ok=false when deviceID has no rule.
	Parse(deviceID string, raw string) (parsed interface{}, ok bool, err error)
}

type nopRecorder struct{}

func (nopRecorder) ConnectionStatus(string, ConnectionType, Status) {}
func (nopRecorder) CommandCompleted(string, string, CommandStatus, time.Duration) {}
func (nopRecorder) DataReceived(string, int) {}
func (nopRecorder) EventPublished(EventType) {}

type options struct {
	log            zerolog.Logger
	recorder       Recorder
	parser         Parser
	errorReset     time.Duration
	defaultTimeout time.Duration
}

// Option configures a Manager.
type Option func(*options)

// WithLogger sets the manager logger.
func WithLogger(log zerolog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithParser sets the parse rule runtime used by ReadData and pushed data.
func WithParser(p Parser) Option {
	return func(o *options) { o.parser = p }
}

// WithErrorReset sets how long ERROR lasts before the device decays to
// OFFLINE. Zero or less keeps the default.
func WithErrorReset(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.errorReset = d
		}
	}
}

// WithDefaultTimeout is the budget used when neither the call nor the device
// config carries one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.defaultTimeout = d
		}
	}
}

func defaultOptions() options {
	return options{
		log:            zerolog.Nop(),
		recorder:       nopRecorder{},
		errorReset:     DefaultErrorReset,
		defaultTimeout: DefaultTimeout,
	}
}
