package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/eddielth/data-ingest/device"
	"github.com/eddielth/data-ingest/logger"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "devices"

// NATSConfig configures a NATSSink.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Username      string
	Password      string
	Token         string
	ClientName    string
}

// publisher is the part of *nats.Conn the sink uses.
type publisher interface {
	PublishMsg(m *nats.Msg) error
	Drain() error
}

// NATSSink publishes every event to <prefix>.<device>.<type>.
type NATSSink struct {
	conn   publisher
	prefix string
}

// NewNATSSink connects to the NATS server.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected to %s", c.ConnectedUrl())
		}),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.ClientName != "" {
		opts = append(opts, nats.Name(cfg.ClientName))
	}

	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect NATS %s failed: %v", url, err)
	}
	logger.Info("init NATS storage: %s", url)
	return newNATSSink(conn, cfg.SubjectPrefix), nil
}

func newNATSSink(conn publisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{conn: conn, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject events of deviceID and type t go to.
func (s *NATSSink) Subject(deviceID string, t device.EventType) string {
	return s.prefix + "." + subjectToken(deviceID) + "." + string(t)
}

// Store implements Sink. The event id is sent as Nats-Msg-Id so JetStream
// streams can deduplicate.
func (s *NATSSink) Store(_ context.Context, ev device.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("serialize event failed: %v", err)
	}
	msg := nats.NewMsg(s.Subject(ev.DeviceID, ev.Type))
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	if ev.ID != "" {
		msg.Header.Set(nats.MsgIdHdr, ev.ID)
	}
	if err := s.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish to %s failed: %v", msg.Subject, err)
	}
	return nil
}

// Close drains pending publishes.
func (s *NATSSink) Close() error {
	return s.conn.Drain()
}

// subjectToken makes id a single subject token.
func subjectToken(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
}
