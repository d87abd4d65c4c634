package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/orderalert/internal/db"
)

// WebPushConfig holds the VAPID identity of this server.
type WebPushConfig struct {
	PublicKey  string
	PrivateKey string
	// Subject is a contact URI, "mailto:ops@example.com" or an https URL.
	Subject string
	// TTL in seconds the push service keeps an undelivered message.
	TTL int
	// HTTPClient overrides the default client, mostly for tests.
	HTTPClient webpush.HTTPClient
}

// WebPushSender delivers payloads through the browser push services.
type WebPushSender struct {
	opts   webpush.Options
	logger *zap.Logger
}

// NewWebPushSender creates a VAPID-signed push sender
func NewWebPushSender(cfg WebPushConfig, logger *zap.Logger) *WebPushSender {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 3600
	}

	return &WebPushSender{
		opts: webpush.Options{
			HTTPClient: cfg.HTTPClient,
			// the library adds the mailto: scheme itself
			Subscriber:      strings.TrimPrefix(cfg.Subject, "mailto:"),
			VAPIDPublicKey:  cfg.PublicKey,
			VAPIDPrivateKey: cfg.PrivateKey,
			TTL:             ttl,
			Urgency:         webpush.UrgencyHigh,
		},
		logger: logger,
	}
}

// Push encrypts payload for sub and posts it to the subscription endpoint.
// A 404 or 410 from the push service is reported as ErrEndpointGone.
func (s *WebPushSender) Push(ctx context.Context, sub *db.PushSubscription, payload []byte) error {
	target := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}

	opts := s.opts
	// the library pads in place, and payload is shared by concurrent pushes
	resp, err := webpush.SendNotificationWithContext(ctx, bytes.Clone(payload), target, &opts)
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrEndpointGone, resp.StatusCode)

	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	s.logger.Debug("push delivered",
		zap.String("subscription_id", sub.ID.String()),
		zap.Int("status", resp.StatusCode),
	)

	return nil
}
