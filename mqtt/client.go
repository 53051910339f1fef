package mqtt

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// sessionConfig holds the broker options of one device connection.
type sessionConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// session is the part of a broker client the adapter uses.
type session interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	Disconnect()
}

// dialer creates a session. onLost is called once if the broker connection
// drops unexpectedly.
type dialer func(cfg sessionConfig, onLost func(error)) (session, error)

// Client is a paho backed session.
type Client struct {
	client mqtt.Client
	config sessionConfig
}

// newClient creates a new MQTT client
func newClient(config sessionConfig, onLost func(error)) (session, error) {
	if config.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)

	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	if config.KeepAlive > 0 {
		opts.SetKeepAlive(config.KeepAlive)
	}
	if config.ConnectTimeout > 0 {
		opts.SetConnectTimeout(config.ConnectTimeout)
	}

	// Reconnect policy belongs to the caller of Connect.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if onLost != nil {
			onLost(err)
		}
	})

	return &Client{
		client: mqtt.NewClient(opts),
		config: config,
	}, nil
}

// wait blocks until the token completes or ctx ends.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect connects to the MQTT broker
func (c *Client) Connect(ctx context.Context) error {
	if err := wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("connection to MQTT broker %s failed: %w", c.config.Broker, err)
	}
	return nil
}

// Subscribe subscribes to the specified topic
func (c *Client) Subscribe(ctx context.Context, topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if err := wait(ctx, token); err != nil {
		return fmt.Errorf("subscription to topic %s failed: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes the subscriptions and their callbacks.
func (c *Client) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	return wait(ctx, c.client.Unsubscribe(topics...))
}

// Publish sends payload to topic.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if err := wait(ctx, c.client.Publish(topic, qos, retained, payload)); err != nil {
		return fmt.Errorf("publish to topic %s failed: %w", topic, err)
	}
	return nil
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}
