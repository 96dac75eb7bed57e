package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/stepherg/gatedash/internal/logging"
	"github.com/stepherg/gatedash/internal/models"
	"github.com/stepherg/gatedash/internal/transport"
	"github.com/stepherg/gatedash/internal/webhook"
)

// EnvPrefix namespaces environment overrides, e.g. GATEDASH_BROKER_URL.
const EnvPrefix = "GATEDASH"

// Config holds runtime configuration for the dashboard.
type Config struct {
	Listen        string        `mapstructure:"listen"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigin string        `mapstructure:"allowed_origin"`

	Broker   transport.Config `mapstructure:"broker"`
	Topics   TopicsConfig     `mapstructure:"topics"`
	Logs     LogsConfig       `mapstructure:"logs"`
	Dispatch DispatchConfig   `mapstructure:"dispatch"`

	Devices       []Device `mapstructure:"devices"`
	DevicesFile   string   `mapstructure:"devices_file"`
	DefaultDevice string   `mapstructure:"default_device"`

	Webhook    webhook.Config `mapstructure:"webhook"`
	GatewayAck bool           `mapstructure:"gateway_ack"`
	Log        logging.Config `mapstructure:"log"`
}

type TopicsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// LogsConfig sizes the two entry buffers.
type LogsConfig struct {
	EventCapacity  int     `mapstructure:"event_capacity"`
	StatusCapacity int     `mapstructure:"status_capacity"`
	HighCPUPercent float64 `mapstructure:"high_cpu_percent"` // status entries above this are errors
}

type DispatchConfig struct {
	LaneBuffer   int `mapstructure:"lane_buffer"`   // per-topic queue; messages beyond it are dropped
	FailureLimit int `mapstructure:"failure_limit"` // 0 keeps failing handlers
}

func Default() Config {
	return Config{
		Listen:        ":8920",
		ReadTimeout:   15 * time.Second,
		WriteTimeout:  15 * time.Second,
		IdleTimeout:   60 * time.Second,
		AllowedOrigin: "*",
		Broker: transport.Config{
			URL:             "wss://broker.emqx.io:8084/mqtt",
			ClientIDPrefix:  transport.DefaultClientIDPrefix,
			ReconnectPeriod: transport.DefaultReconnectPeriod,
			ConnectTimeout:  transport.DefaultConnectTimeout,
			KeepAlive:       transport.DefaultKeepAlive,
		},
		Topics:   TopicsConfig{Namespace: "uniongate"},
		Logs:     LogsConfig{EventCapacity: 200, StatusCapacity: 200, HighCPUPercent: 50},
		Dispatch: DispatchConfig{LaneBuffer: 256},
		Devices:  DefaultDevices(),
		Webhook: webhook.Config{
			Registrar:      webhook.RegistrarAncla,
			Bucket:         "hooks",
			Events:         []string{".*"},
			DeviceMatchers: []string{".*"},
			Retries:        3,
			RetryInterval:  5 * time.Second,
		},
		Log: logging.Config{Level: "info"},
	}
}

// Load reads an optional YAML file at path, then applies GATEDASH_*
// environment overrides on top of Default.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if cfg.DevicesFile != "" {
		devices, err := LoadCatalog(cfg.DevicesFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Devices = devices
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("listen", d.Listen)
	v.SetDefault("read_timeout", d.ReadTimeout)
	v.SetDefault("write_timeout", d.WriteTimeout)
	v.SetDefault("idle_timeout", d.IdleTimeout)
	v.SetDefault("allowed_origin", d.AllowedOrigin)

	v.SetDefault("broker.url", d.Broker.URL)
	v.SetDefault("broker.client_id", d.Broker.ClientID)
	v.SetDefault("broker.client_id_prefix", d.Broker.ClientIDPrefix)
	v.SetDefault("broker.username", d.Broker.Username)
	v.SetDefault("broker.password", d.Broker.Password)
	v.SetDefault("broker.reconnect_period", d.Broker.ReconnectPeriod)
	v.SetDefault("broker.connect_timeout", d.Broker.ConnectTimeout)
	v.SetDefault("broker.keep_alive", d.Broker.KeepAlive)
	v.SetDefault("broker.qos", d.Broker.QoS)
	v.SetDefault("broker.tls_insecure_skip_verify", d.Broker.InsecureSkipVerify)

	v.SetDefault("topics.namespace", d.Topics.Namespace)
	v.SetDefault("logs.event_capacity", d.Logs.EventCapacity)
	v.SetDefault("logs.status_capacity", d.Logs.StatusCapacity)
	v.SetDefault("logs.high_cpu_percent", d.Logs.HighCPUPercent)
	v.SetDefault("dispatch.lane_buffer", d.Dispatch.LaneBuffer)
	v.SetDefault("dispatch.failure_limit", d.Dispatch.FailureLimit)

	devices := make([]map[string]any, 0, len(d.Devices))
	for _, dev := range d.Devices {
		devices = append(devices, map[string]any{"label": dev.Label, "value": dev.Value})
	}
	v.SetDefault("devices", devices)
	v.SetDefault("devices_file", d.DevicesFile)
	v.SetDefault("default_device", d.DefaultDevice)

	v.SetDefault("webhook.enable", d.Webhook.Enable)
	v.SetDefault("webhook.registrar", d.Webhook.Registrar)
	v.SetDefault("webhook.argus_url", d.Webhook.ArgusURL)
	v.SetDefault("webhook.bucket", d.Webhook.Bucket)
	v.SetDefault("webhook.auth_basic", d.Webhook.AuthBasic)
	v.SetDefault("webhook.callback_url", d.Webhook.CallbackURL)
	v.SetDefault("webhook.events", d.Webhook.Events)
	v.SetDefault("webhook.device_matchers", d.Webhook.DeviceMatchers)
	v.SetDefault("webhook.duration", d.Webhook.Duration)
	v.SetDefault("webhook.ttl", d.Webhook.TTL)
	v.SetDefault("webhook.retries", d.Webhook.Retries)
	v.SetDefault("webhook.retry_interval", d.Webhook.RetryInterval)

	v.SetDefault("gateway_ack", d.GatewayAck)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Broker.URL) == "" {
		errs = append(errs, errors.New("config: broker.url is required"))
	}
	if strings.TrimSpace(c.Topics.Namespace) == "" {
		errs = append(errs, errors.New("config: topics.namespace is required"))
	}
	if len(c.Devices) == 0 {
		errs = append(errs, errors.New("config: at least one device is required"))
	}
	for i, d := range c.Devices {
		if strings.TrimSpace(d.Value) == "" {
			errs = append(errs, fmt.Errorf("config: devices[%d].value is empty", i))
		}
	}
	if c.Logs.EventCapacity <= 0 || c.Logs.StatusCapacity <= 0 {
		errs = append(errs, errors.New("config: log capacities must be positive"))
	}
	if c.Broker.ConnectTimeout < c.Broker.ReconnectPeriod {
		errs = append(errs, fmt.Errorf("config: broker.connect_timeout %s is shorter than reconnect_period %s",
			c.Broker.ConnectTimeout, c.Broker.ReconnectPeriod))
	}
	if c.Broker.QoS > 2 {
		errs = append(errs, fmt.Errorf("config: broker.qos %d out of range", c.Broker.QoS))
	}
	if c.Webhook.Enable && (c.Webhook.ArgusURL == "" || c.Webhook.CallbackURL == "") {
		errs = append(errs, errors.New("config: webhook.argus_url and webhook.callback_url are required when the webhook is enabled"))
	}
	return multierr.Combine(errs...)
}

// InitialDevice is the device selected at startup.
func (c Config) InitialDevice() string {
	if c.DefaultDevice != "" {
		return c.DefaultDevice
	}
	if len(c.Devices) > 0 {
		return c.Devices[0].Value
	}
	return ""
}

// Topics derives the status and events topics for device.
func Topics(namespace, device string) (status, events string) {
	return models.DeviceTopics(namespace, device)
}
