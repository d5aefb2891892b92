package delivery

import (
	"context"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/example/safecircle/internal/domain"
)

// WebPushConfig holds VAPID credentials.
type WebPushConfig struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string
	TTL             int
}

// WebPush sends notifications through the Web Push protocol.
type WebPush struct {
	cfg WebPushConfig
}

// NewWebPush returns a sender, or Disabled when keys are missing.
func NewWebPush(cfg WebPushConfig) PushSender {
	if cfg.VAPIDPublicKey == "" || cfg.VAPIDPrivateKey == "" {
		return Disabled{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 300
	}
	return &WebPush{cfg: cfg}
}

// Push delivers payload to sub. Any 2xx response counts as delivered.
func (w *WebPush) Push(ctx context.Context, sub domain.PushSubscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		VAPIDPublicKey:  w.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: w.cfg.VAPIDPrivateKey,
		Subscriber:      w.cfg.Subject,
		TTL:             w.cfg.TTL,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("web push: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		return ErrSubscriptionGone
	case resp.StatusCode >= 300:
		return fmt.Errorf("web push: unexpected status %d", resp.StatusCode)
	}
	return nil
}
