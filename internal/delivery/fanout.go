package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/orderalert/internal/db"
	"github.com/lalithlochan/orderalert/internal/metrics"
)

// ErrEndpointGone is returned by a PushSender when the push service reports
// the subscription no longer exists (404 or 410).
var ErrEndpointGone = errors.New("push endpoint gone")

// Registry is the part of the subscription store the fan-out needs.
type Registry interface {
	ListActive(ctx context.Context) ([]*db.PushSubscription, error)
	Deactivate(ctx context.Context, endpoint string) error
	MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error
}

// PushSender delivers one encrypted payload to one browser subscription.
type PushSender interface {
	Push(ctx context.Context, sub *db.PushSubscription, payload []byte) error
}

// SMSSender delivers one text message to one phone number.
type SMSSender interface {
	SendSMS(ctx context.Context, phone, body string) error
}

// EmailSender delivers one message to a list of recipients.
type EmailSender interface {
	SendEmail(ctx context.Context, to []string, subject, body string) error
}

// Config lists delivery destinations and limits.
type Config struct {
	AdminNumbers     []string
	EscalationEmails []string
	// Concurrency caps in-flight sends per channel. 0 means unbounded.
	Concurrency int
	// Timeout bounds each individual send.
	Timeout time.Duration
}

// Fanout sends a notification over every configured channel. A nil sender
// disables its channel. Every channel is best-effort: failures are logged
// and counted, never returned.
type Fanout struct {
	registry Registry
	push     PushSender
	sms      SMSSender
	email    EmailSender
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewFanout creates a fan-out over the given channels.
func NewFanout(registry Registry, push PushSender, sms SMSSender, email EmailSender, cfg Config, logger *zap.Logger) *Fanout {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Fanout{
		registry: registry,
		push:     push,
		sms:      sms,
		email:    email,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Result summarises one Deliver call.
type Result struct {
	PushSent        int
	PushFailed      int
	PushDeactivated int
	SMSSent         int
	SMSFailed       int
	EmailSent       bool
}

type counters struct {
	pushSent, pushFailed, pushGone atomic.Int64
	smsSent, smsFailed             atomic.Int64
	emailSent                      atomic.Bool
}

// Deliver runs every enabled channel concurrently and waits for them. level
// is the notification's escalation level; 0 means first-pass delivery.
func (f *Fanout) Deliver(ctx context.Context, n *db.Notification, level int) Result {
	var c counters
	var g errgroup.Group

	g.Go(func() error {
		f.deliverPush(ctx, n, level, &c)
		return nil
	})
	g.Go(func() error {
		f.deliverSMS(ctx, n, level, &c)
		return nil
	})
	if level > 0 {
		g.Go(func() error {
			f.deliverEmail(ctx, n, level, &c)
			return nil
		})
	}
	g.Wait()

	res := Result{
		PushSent:        int(c.pushSent.Load()),
		PushFailed:      int(c.pushFailed.Load()),
		PushDeactivated: int(c.pushGone.Load()),
		SMSSent:         int(c.smsSent.Load()),
		SMSFailed:       int(c.smsFailed.Load()),
		EmailSent:       c.emailSent.Load(),
	}

	f.logger.Info("delivery finished",
		zap.String("notification_id", n.ID.String()),
		zap.Int("level", level),
		zap.Int("push_sent", res.PushSent),
		zap.Int("push_failed", res.PushFailed),
		zap.Int("push_deactivated", res.PushDeactivated),
		zap.Int("sms_sent", res.SMSSent),
		zap.Int("sms_failed", res.SMSFailed),
		zap.Bool("email_sent", res.EmailSent),
	)

	return res
}

func (f *Fanout) group() *errgroup.Group {
	var g errgroup.Group
	if f.cfg.Concurrency > 0 {
		g.SetLimit(f.cfg.Concurrency)
	}
	return &g
}

func (f *Fanout) deliverPush(ctx context.Context, n *db.Notification, level int, c *counters) {
	if f.push == nil || f.registry == nil {
		return
	}

	subs, err := f.registry.ListActive(ctx)
	if err != nil {
		f.logger.Error("failed to list push subscriptions",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
		return
	}
	if len(subs) == 0 {
		return
	}

	payload, err := PushPayload(n, level)
	if err != nil {
		f.logger.Error("failed to build push payload", zap.Error(err))
		return
	}

	g := f.group()
	for _, sub := range subs {
		g.Go(func() error {
			f.pushOne(ctx, sub, payload, c)
			return nil
		})
	}
	g.Wait()
}

func (f *Fanout) pushOne(ctx context.Context, sub *db.PushSubscription, payload []byte, c *counters) {
	sendCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := f.push.Push(sendCtx, sub, payload)
	took := time.Since(start)

	switch {
	case err == nil:
		c.pushSent.Add(1)
		metrics.RecordDelivery("push", "sent", took)
		if err := f.registry.MarkNotified(ctx, sub.ID, f.now().UTC()); err != nil {
			f.logger.Warn("failed to record push delivery",
				zap.String("subscription_id", sub.ID.String()),
				zap.Error(err),
			)
		}

	case errors.Is(err, ErrEndpointGone):
		c.pushGone.Add(1)
		metrics.RecordDelivery("push", "gone", took)
		f.logger.Info("push endpoint gone, deactivating",
			zap.String("endpoint", sub.Endpoint),
			zap.Error(err),
		)
		if err := f.registry.Deactivate(ctx, sub.Endpoint); err != nil {
			f.logger.Error("failed to deactivate push subscription",
				zap.String("endpoint", sub.Endpoint),
				zap.Error(err),
			)
		}

	default:
		c.pushFailed.Add(1)
		metrics.RecordDelivery("push", "failed", took)
		f.logger.Warn("push delivery failed",
			zap.String("endpoint", sub.Endpoint),
			zap.Error(err),
		)
	}
}

func (f *Fanout) deliverSMS(ctx context.Context, n *db.Notification, level int, c *counters) {
	if f.sms == nil || len(f.cfg.AdminNumbers) == 0 {
		return
	}

	body := SMSBody(n, level)

	g := f.group()
	for _, phone := range f.cfg.AdminNumbers {
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
			defer cancel()

			start := time.Now()
			err := f.sms.SendSMS(sendCtx, phone, body)
			took := time.Since(start)

			if err != nil {
				c.smsFailed.Add(1)
				metrics.RecordDelivery("sms", "failed", took)
				f.logger.Warn("sms delivery failed",
					zap.String("phone_number", phone),
					zap.String("notification_id", n.ID.String()),
					zap.Error(err),
				)
				return nil
			}

			c.smsSent.Add(1)
			metrics.RecordDelivery("sms", "sent", took)
			return nil
		})
	}
	g.Wait()
}

func (f *Fanout) deliverEmail(ctx context.Context, n *db.Notification, level int, c *counters) {
	if f.email == nil || len(f.cfg.EscalationEmails) == 0 {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	subject, body := EscalationEmail(n, level)

	start := time.Now()
	err := f.email.SendEmail(sendCtx, f.cfg.EscalationEmails, subject, body)
	took := time.Since(start)

	if err != nil {
		metrics.RecordDelivery("email", "failed", took)
		f.logger.Warn("escalation email failed",
			zap.Strings("to", f.cfg.EscalationEmails),
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
		return
	}

	c.emailSent.Store(true)
	metrics.RecordDelivery("email", "sent", took)
}

type pushMessage struct {
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Tag   string          `json:"tag"`
	Data  pushMessageData `json:"data"`
}

type pushMessageData struct {
	NotificationID string `json:"notificationId"`
	OrderID        string `json:"orderId"`
	Level          int    `json:"level"`
	URL            string `json:"url"`
}

// PushPayload renders the JSON body shown by the service worker.
func PushPayload(n *db.Notification, level int) ([]byte, error) {
	title := "New order"
	if level > 0 {
		title = fmt.Sprintf("Escalation L%d: order waiting", level)
	}

	msg := pushMessage{
		Title: title,
		Body:  n.Message,
		Tag:   "order-" + n.OrderID,
		Data: pushMessageData{
			NotificationID: n.ID.String(),
			OrderID:        n.OrderID,
			Level:          level,
			URL:            "/admin/orders/" + n.OrderID,
		},
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal push payload: %w", err)
	}
	return b, nil
}

// SMSBody renders the text message, marking escalations with their level.
func SMSBody(n *db.Notification, level int) string {
	if level > 0 {
		return fmt.Sprintf("[ESCALATION L%d] %s", level, n.Message)
	}
	return n.Message
}

// EscalationEmail renders the subject and plain-text body of an escalation.
func EscalationEmail(n *db.Notification, level int) (string, string) {
	subject := fmt.Sprintf("[ESCALATION L%d] Order %s has not been acknowledged", level, n.OrderID)
	body := fmt.Sprintf("%s\n\nReceived at %s and still unacknowledged.\nOpen the admin dashboard to acknowledge it.\n",
		n.Message, n.CreatedAt.UTC().Format(time.RFC1123))
	return subject, body
}
