package webhook

import (
	"context"
	"time"

	"github.com/xmidt-org/ancla"
	"github.com/xmidt-org/argus/chrysom"
	"go.uber.org/zap"

	"github.com/stepherg/gatedash/internal/logging"
)

func (c Config) toAncla() (ancla.Config, time.Duration) {
	duration := c.Duration
	if duration <= 0 {
		duration = time.Duration(0xffff) * time.Hour
	}
	ac := ancla.Config{
		JWTParserType:     "simple",
		DisablePartnerIDs: true,
		BasicClientConfig: chrysom.BasicClientConfig{
			Address:    c.ArgusURL,
			Bucket:     c.bucket(),
			Auth:       chrysom.Auth{Basic: c.AuthBasic},
			HTTPClient: c.httpClient(),
		},
	}
	return ac, duration
}

// RegisterAncla registers the callback through ancla, retrying per Config.
func (c Config) RegisterAncla(ctx context.Context, log *zap.Logger) error {
	log = logging.OrNop(log)
	acfg, duration := c.toAncla()
	return c.retry(ctx, log, "ancla add", func(ctx context.Context) error {
		svc, err := ancla.NewService(acfg, nil)
		if err != nil {
			return err
		}
		until := time.Now().Add(duration)
		hook := ancla.InternalWebhook{Webhook: ancla.Webhook{
			Config:   ancla.DeliveryConfig{URL: c.CallbackURL, ContentType: "application/msgpack"},
			Events:   c.events(),
			Matcher:  ancla.MetadataMatcherConfig{DeviceID: c.devices()},
			Duration: duration,
			Until:    until,
		}}
		return svc.Add(ctx, "", hook)
	})
}
