package transport

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/stepherg/gatedash/internal/logging"
)

// PahoClient is the subset of mqtt.Client used here.
type PahoClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Factory builds the underlying paho client from prepared options.
type Factory func(opts *mqtt.ClientOptions) PahoClient

// DefaultFactory is mqtt.NewClient.
func DefaultFactory(opts *mqtt.ClientOptions) PahoClient { return mqtt.NewClient(opts) }

// MQTTClient implements Client over MQTT (tcp, ssl, ws or wss URLs).
// Sessions are clean, so active topics are re-subscribed after every
// reconnect.
type MQTTClient struct {
	cfg     Config
	factory Factory
	log     *zap.Logger

	mu        sync.Mutex
	client    PahoClient
	clientID  string
	stop      chan struct{}
	connected bool
	topics    map[string]struct{}
	onMessage MessageFunc
	onChange  ConnectionFunc
}

// NewMQTT returns an unconnected client. A nil factory means DefaultFactory.
func NewMQTT(cfg Config, factory Factory, log *zap.Logger) *MQTTClient {
	if factory == nil {
		factory = DefaultFactory
	}
	cfg = cfg.withDefaults()
	id := cfg.ClientID
	if id == "" {
		id = cfg.ClientIDPrefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	}
	return &MQTTClient{
		cfg:      cfg,
		factory:  factory,
		log:      logging.OrNop(log).With(zap.String("broker", cfg.URL), zap.String("client_id", id)),
		clientID: id,
		topics:   make(map[string]struct{}),
	}
}

// ClientID is the identifier presented to the broker.
func (c *MQTTClient) ClientID() string { return c.clientID }

func (c *MQTTClient) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.URL).
		SetClientID(c.clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetMaxReconnectInterval(c.cfg.ReconnectPeriod).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetKeepAlive(c.cfg.KeepAlive).
		SetOrderMatters(true).
		SetDefaultPublishHandler(c.route).
		SetOnConnectHandler(func(mqtt.Client) { c.connectedUp() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) { c.connectionLost(err) })
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	if c.cfg.InsecureSkipVerify {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // operator opt-in
	}
	return opts
}

func (c *MQTTClient) backoff() *backoff.Backoff {
	return &backoff.Backoff{Min: c.cfg.ReconnectPeriod, Max: c.cfg.ReconnectPeriod, Factor: 1}
}

// Connect implements Client.
func (c *MQTTClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.client == nil {
		c.client = c.factory(c.options())
		c.stop = make(chan struct{})
	}
	cl, stop := c.client, c.stop
	c.mu.Unlock()

	if cl.IsConnected() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	b := c.backoff()
	attempts := 0
	for {
		attempts++
		tok := cl.Connect()
		select {
		case <-tok.Done():
		case <-ctx.Done():
			return c.giveUp(cl, stop, attempts, ctx.Err())
		case <-stop:
			return &ConnectError{Broker: c.cfg.URL, Attempts: attempts, Err: ErrNoClient}
		}
		err := tok.Error()
		if err == nil {
			c.log.Info("connected", zap.Int("attempts", attempts))
			return nil
		}
		c.log.Warn("connect attempt failed", zap.Int("attempt", attempts), zap.Error(err))
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return c.giveUp(cl, stop, attempts, err)
		case <-stop:
			return &ConnectError{Broker: c.cfg.URL, Attempts: attempts, Err: err}
		}
	}
}

func (c *MQTTClient) giveUp(cl PahoClient, stop chan struct{}, attempts int, err error) error {
	c.log.Error("broker unreachable, retrying in background", zap.Int("attempts", attempts), zap.Error(err))
	go c.keepTrying(cl, stop)
	return &ConnectError{Broker: c.cfg.URL, Attempts: attempts, Err: err}
}

func (c *MQTTClient) keepTrying(cl PahoClient, stop <-chan struct{}) {
	b := c.backoff()
	for {
		select {
		case <-stop:
			return
		case <-time.After(b.Duration()):
		}
		if cl.IsConnected() {
			return
		}
		tok := cl.Connect()
		select {
		case <-tok.Done():
		case <-stop:
			return
		}
		err := tok.Error()
		if err == nil {
			return
		}
		c.log.Debug("background connect failed", zap.Error(err))
	}
}

func (c *MQTTClient) connectedUp() {
	c.mu.Lock()
	cl := c.client
	if cl == nil {
		c.mu.Unlock()
		return
	}
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	changed := !c.connected
	c.connected = true
	fn := c.onChange
	c.mu.Unlock()

	for _, t := range topics {
		go c.await("subscribe", t, cl.Subscribe(t, c.cfg.QoS, nil))
	}
	if changed && fn != nil {
		fn(true, nil)
	}
}

func (c *MQTTClient) connectionLost(err error) {
	c.mu.Lock()
	changed := c.connected
	c.connected = false
	fn := c.onChange
	c.mu.Unlock()
	c.log.Warn("connection lost", zap.Error(err))
	if changed && fn != nil {
		fn(false, err)
	}
}

func (c *MQTTClient) route(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(msg.Topic(), msg.Payload())
	}
}

func (c *MQTTClient) await(op, topic string, tok mqtt.Token) {
	if !tok.WaitTimeout(c.cfg.ConnectTimeout) {
		c.log.Warn(op+" timed out", zap.String("topic", topic))
		return
	}
	if err := tok.Error(); err != nil {
		c.log.Warn(op+" failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	c.log.Debug(op, zap.String("topic", topic))
}

// Subscribe implements Client. While disconnected the topic is recorded and
// subscribed on the next connect.
func (c *MQTTClient) Subscribe(topic string) error {
	c.mu.Lock()
	cl := c.client
	if cl == nil {
		c.mu.Unlock()
		return ErrNoClient
	}
	c.topics[topic] = struct{}{}
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		c.log.Debug("subscribe deferred until connected", zap.String("topic", topic))
		return nil
	}
	go c.await("subscribe", topic, cl.Subscribe(topic, c.cfg.QoS, nil))
	return nil
}

// Unsubscribe implements Client.
func (c *MQTTClient) Unsubscribe(topic string) error {
	c.mu.Lock()
	cl := c.client
	if cl == nil {
		c.mu.Unlock()
		return ErrNoClient
	}
	_, ok := c.topics[topic]
	delete(c.topics, topic)
	connected := c.connected
	c.mu.Unlock()
	if !ok || !connected {
		return nil
	}
	go c.await("unsubscribe", topic, cl.Unsubscribe(topic))
	return nil
}

// Topics lists the topics that will be restored after a reconnect.
func (c *MQTTClient) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

func (c *MQTTClient) OnMessage(fn MessageFunc) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *MQTTClient) OnConnectionChange(fn ConnectionFunc) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *MQTTClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect implements Client.
func (c *MQTTClient) Disconnect() {
	c.mu.Lock()
	cl := c.client
	if cl == nil {
		c.mu.Unlock()
		return
	}
	c.client = nil
	close(c.stop)
	c.stop = nil
	c.topics = make(map[string]struct{})
	was := c.connected
	c.connected = false
	fn := c.onChange
	c.mu.Unlock()

	cl.Disconnect(250)
	c.log.Info("disconnected")
	if was && fn != nil {
		fn(false, nil)
	}
}
