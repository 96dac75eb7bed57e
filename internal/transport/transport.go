// Package transport wraps the pub/sub broker connection. It knows nothing
// about payloads: bytes in, topic plus bytes out.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoClient is returned by subscription calls made before Connect or
// after Disconnect.
var ErrNoClient = errors.New("transport: no client")

// ConnectError reports a broker that could not be reached before the
// connect timeout.
type ConnectError struct {
	Broker   string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("transport: connect %s failed after %d attempt(s): %v", e.Broker, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// MessageFunc receives every inbound message in network order.
type MessageFunc func(topic string, payload []byte)

// ConnectionFunc is told about connected/disconnected transitions. err is
// the cause of an unexpected loss and nil otherwise.
type ConnectionFunc func(connected bool, err error)

// Client is one logical broker connection.
type Client interface {
	// Connect blocks until the broker acknowledges the connection or the
	// connect timeout passes. After a failure the client keeps retrying in
	// the background and reports success through the connection callback.
	Connect(ctx context.Context) error
	// Disconnect releases the connection and forgets all topics. Idempotent.
	Disconnect()
	Subscribe(topic string) error
	// Unsubscribe of a topic that is not subscribed is a no-op.
	Unsubscribe(topic string) error
	// OnMessage sets the sink for inbound messages.
	OnMessage(fn MessageFunc)
	// OnConnectionChange sets the sink for connection transitions.
	OnConnectionChange(fn ConnectionFunc)
	IsConnected() bool
}

// Config describes the broker endpoint and retry policy.
type Config struct {
	URL                string        `mapstructure:"url"`
	ClientID           string        `mapstructure:"client_id"`
	ClientIDPrefix     string        `mapstructure:"client_id_prefix"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	ReconnectPeriod    time.Duration `mapstructure:"reconnect_period"`
	ConnectTimeout     time.Duration `mapstructure:"connect_timeout"`
	KeepAlive          time.Duration `mapstructure:"keep_alive"`
	QoS                byte          `mapstructure:"qos"`
	InsecureSkipVerify bool          `mapstructure:"tls_insecure_skip_verify"`
}

const (
	DefaultReconnectPeriod = time.Second
	DefaultConnectTimeout  = 30 * time.Second
	DefaultKeepAlive       = 30 * time.Second
	DefaultClientIDPrefix  = "device-dashboard"
)

func (c Config) withDefaults() Config {
	if c.ReconnectPeriod <= 0 {
		c.ReconnectPeriod = DefaultReconnectPeriod
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = DefaultKeepAlive
	}
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = DefaultClientIDPrefix
	}
	return c
}
