package webhook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/stepherg/gatedash/internal/logging"
)

// Registrar selects how the webhook is stored in Argus.
type Registrar string

const (
	// RegistrarAncla registers through the ancla webhook service.
	RegistrarAncla Registrar = "ancla"
	// RegistrarRaw PUTs the item straight into the Argus store.
	RegistrarRaw Registrar = "raw"
)

// ErrDisabled is returned by Register when the webhook is switched off.
var ErrDisabled = errors.New("webhook: disabled")

// Config holds configuration for Argus webhook registration.
type Config struct {
	Enable         bool          `mapstructure:"enable"`
	Registrar      Registrar     `mapstructure:"registrar"`
	ArgusURL       string        `mapstructure:"argus_url"`
	Bucket         string        `mapstructure:"bucket"`
	AuthBasic      string        `mapstructure:"auth_basic"`
	CallbackURL    string        `mapstructure:"callback_url"`
	Events         []string      `mapstructure:"events"`
	DeviceMatchers []string      `mapstructure:"device_matchers"`
	Duration       time.Duration `mapstructure:"duration"`
	TTL            int           `mapstructure:"ttl"` // seconds for the Argus item; 0 leaves the server default
	Retries        int           `mapstructure:"retries"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`

	HTTPClient *http.Client `mapstructure:"-"`
}

// Item is the payload sent to the Argus store bucket.
type Item struct {
	ID   string      `json:"id"`
	Data WebhookData `json:"data"`
	TTL  int         `json:"ttl,omitempty"`
}

// WebhookData is the opaque data stored for the event fanout service.
type WebhookData struct {
	Callback string   `json:"callback"`
	Events   []string `json:"events"`
	Devices  []string `json:"devices"`
}

func (c Config) bucket() string {
	if c.Bucket == "" {
		return "hooks"
	}
	return c.Bucket
}

func (c Config) events() []string {
	if len(c.Events) == 0 {
		return []string{".*"}
	}
	return c.Events
}

func (c Config) devices() []string {
	if len(c.DeviceMatchers) == 0 {
		return []string{".*"}
	}
	return c.DeviceMatchers
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// ItemID is derived from the callback so re-registration overwrites.
func (c Config) ItemID() string {
	h := sha256.Sum256([]byte(strings.ToLower(c.CallbackURL)))
	return hex.EncodeToString(h[:])
}

// Register stores the webhook using the configured registrar, retrying
// until it succeeds, retries run out or ctx ends.
func (c Config) Register(ctx context.Context, log *zap.Logger) error {
	log = logging.OrNop(log)
	if !c.Enable {
		log.Info("webhook registration disabled")
		return ErrDisabled
	}
	if c.ArgusURL == "" || c.CallbackURL == "" {
		return errors.New("webhook: missing argus url or callback url")
	}
	if c.Registrar == RegistrarRaw {
		return c.retry(ctx, log, "argus put", c.putItem)
	}
	return c.RegisterAncla(ctx, log)
}

func (c Config) putItem(ctx context.Context) error {
	item := Item{ID: c.ItemID(), Data: WebhookData{Callback: c.CallbackURL, Events: c.events(), Devices: c.devices()}}
	if c.TTL > 0 {
		item.TTL = c.TTL
	}
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/store/%s/%s", strings.TrimRight(c.ArgusURL, "/"), c.bucket(), item.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AuthBasic != "" {
		req.Header.Set("Authorization", c.AuthBasic)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// retry runs fn once plus Retries more times, a fixed interval apart.
func (c Config) retry(ctx context.Context, log *zap.Logger, op string, fn func(context.Context) error) error {
	retries := c.Retries
	if retries <= 0 {
		retries = 3
	}
	interval := c.RetryInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	b := &backoff.Backoff{Min: interval, Max: interval, Factor: 1}
	var err error
	for remaining := retries; ; remaining-- {
		log.Info("registering webhook", zap.String("op", op), zap.String("callback", c.CallbackURL), zap.Int("remaining", remaining))
		if err = fn(ctx); err == nil {
			log.Info("webhook registered", zap.String("op", op), zap.String("callback", c.CallbackURL))
			return nil
		}
		log.Warn("webhook registration failed", zap.String("op", op), zap.Error(err))
		if remaining <= 0 {
			return fmt.Errorf("webhook: %s: retries exhausted: %w", op, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}
