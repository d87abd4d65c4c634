// Package notify is the entry point for order notifications: it snapshots
// the order, persists the notification and kicks off the side channels.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/orderalert/internal/db"
	"github.com/lalithlochan/orderalert/internal/delivery"
	"github.com/lalithlochan/orderalert/internal/events"
	"github.com/lalithlochan/orderalert/internal/metrics"
	"github.com/lalithlochan/orderalert/internal/redis"
	"github.com/lalithlochan/orderalert/internal/worker"
)

// ErrOrderNotFound is returned when the order to notify about does not exist.
var ErrOrderNotFound = fmt.Errorf("order: %w", db.ErrNotFound)

type Store interface {
	Create(ctx context.Context, orderID, message string, metadata []byte) (*db.Notification, error)
	Get(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	GetByOrderID(ctx context.Context, orderID string) (*db.Notification, error)
	Acknowledge(ctx context.Context, id uuid.UUID, adminID string) (*db.Notification, error)
	Resolve(ctx context.Context, id uuid.UUID, adminID string) (*db.Notification, error)
	List(ctx context.Context, filter db.ListFilter, limit int) ([]*db.Notification, error)
}

type Orders interface {
	GetOrder(ctx context.Context, orderID string) (*db.Order, error)
}

type Subscriptions interface {
	Upsert(ctx context.Context, adminID, endpoint string, keys db.PushKeys) (*db.PushSubscription, error)
	Deactivate(ctx context.Context, endpoint string) error
}

// Claims deduplicates NotifyNewOrder across replicas. See redis.OrderClaims.
type Claims interface {
	Claim(ctx context.Context, orderID string) (string, error)
	Complete(ctx context.Context, orderID, notificationID string) error
	Release(ctx context.Context, orderID string) error
}

type Deliverer interface {
	Deliver(ctx context.Context, n *db.Notification, level int) delivery.Result
}

type Publisher interface {
	Publish(evt events.Event)
}

type Submitter interface {
	Submit(name string, fn worker.Task) error
}

// ClientConfig is what the dashboard needs to bootstrap push and its timers.
type ClientConfig struct {
	PublicKey               string `json:"publicKey"`
	EscalationWindowMinutes int    `json:"escalationWindowMinutes"`
	PushEnabled             bool   `json:"pushEnabled"`
	SMSEnabled              bool   `json:"smsEnabled"`
}

type Deps struct {
	Store         Store
	Orders        Orders
	Subscriptions Subscriptions
	Claims        Claims // optional
	Fanout        Deliverer
	Bus           Publisher
	Pool          Submitter
	Client        ClientConfig
}

type Service struct {
	store  Store
	orders Orders
	subs   Subscriptions
	claims Claims
	fanout Deliverer
	bus    Publisher
	pool   Submitter
	client ClientConfig
	logger *zap.Logger
}

func NewService(deps Deps, logger *zap.Logger) *Service {
	return &Service{
		store:  deps.Store,
		orders: deps.Orders,
		subs:   deps.Subscriptions,
		claims: deps.Claims,
		fanout: deps.Fanout,
		bus:    deps.Bus,
		pool:   deps.Pool,
		client: deps.Client,
		logger: logger,
	}
}

// NotifyNewOrder creates the notification for a placed order, publishes it
// and schedules delivery. Repeats for the same order return the existing
// notification. Only the order lookup and the store write can fail it.
func (s *Service) NotifyNewOrder(ctx context.Context, orderID string) (*db.Notification, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}

	if s.claims != nil {
		existing, err := s.claims.Claim(ctx, orderID)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			return s.existing(ctx, orderID)
		case err != nil:
			// redis is an optimisation here; the unique index still holds
			s.logger.Warn("order claim unavailable", zap.String("order_id", orderID), zap.Error(err))
		case existing != "":
			return s.existing(ctx, orderID)
		}
	}

	message, metadata, err := Snapshot(order)
	if err != nil {
		s.release(orderID)
		return nil, err
	}

	n, err := s.store.Create(ctx, orderID, message, metadata)
	if errors.Is(err, db.ErrOrderExists) {
		return s.existing(ctx, orderID)
	}
	if err != nil {
		s.release(orderID)
		return nil, fmt.Errorf("create notification: %w", err)
	}

	if s.claims != nil {
		if err := s.claims.Complete(ctx, orderID, n.ID.String()); err != nil {
			s.logger.Warn("failed to complete order claim", zap.String("order_id", orderID), zap.Error(err))
		}
	}

	metrics.RecordNotificationCreated()
	s.bus.Publish(events.NewOrder(n))
	s.deliverAsync(n, 0)

	return n, nil
}

func (s *Service) existing(ctx context.Context, orderID string) (*db.Notification, error) {
	n, err := s.store.GetByOrderID(ctx, orderID)
	if errors.Is(err, db.ErrNotFound) {
		// claimed by a caller that has not written yet
		return nil, fmt.Errorf("notify order %s: %w", orderID, redis.ErrDuplicateRequest)
	}
	if err != nil {
		return nil, fmt.Errorf("load existing notification: %w", err)
	}
	s.logger.Debug("order already notified",
		zap.String("order_id", orderID),
		zap.String("notification_id", n.ID.String()),
	)
	return n, nil
}

func (s *Service) release(orderID string) {
	if s.claims == nil {
		return
	}
	// the request ctx may be the reason we are releasing
	if err := s.claims.Release(context.Background(), orderID); err != nil {
		s.logger.Warn("failed to release order claim", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (s *Service) deliverAsync(n *db.Notification, level int) {
	err := s.pool.Submit("deliver:"+n.ID.String(), func(ctx context.Context) error {
		s.fanout.Deliver(ctx, n, level)
		return nil
	})
	if err != nil {
		s.logger.Error("failed to schedule delivery",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
	}
}

// Acknowledge marks the notification read by adminID.
func (s *Service) Acknowledge(ctx context.Context, id uuid.UUID, adminID string) (*db.Notification, error) {
	n, err := s.store.Acknowledge(ctx, id, adminID)
	if err != nil {
		return nil, err
	}
	metrics.RecordTransition(n.Status)
	s.bus.Publish(events.StatusChanged(n))
	return n, nil
}

// Resolve marks the notification handled by adminID.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, adminID string) (*db.Notification, error) {
	n, err := s.store.Resolve(ctx, id, adminID)
	if err != nil {
		return nil, err
	}
	metrics.RecordTransition(n.Status)
	s.bus.Publish(events.StatusChanged(n))
	return n, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter db.ListFilter, limit int) ([]*db.Notification, error) {
	return s.store.List(ctx, filter, db.ClampLimit(limit))
}

// Subscribe registers or refreshes a browser push endpoint for adminID.
func (s *Service) Subscribe(ctx context.Context, adminID, endpoint string, keys db.PushKeys) (*db.PushSubscription, error) {
	return s.subs.Upsert(ctx, adminID, endpoint, keys)
}

// Unsubscribe deactivates endpoint. Unknown endpoints are not an error.
func (s *Service) Unsubscribe(ctx context.Context, endpoint string) error {
	return s.subs.Deactivate(ctx, endpoint)
}

func (s *Service) ClientConfig() ClientConfig {
	return s.client
}

type snapshotItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    string `json:"price"`
}

type snapshot struct {
	OrderID      string         `json:"orderId"`
	CustomerName string         `json:"customerName"`
	Total        string         `json:"total"`
	ItemCount    int            `json:"itemCount"`
	Items        []snapshotItem `json:"items"`
	PlacedAt     string         `json:"placedAt"`
}

// Snapshot renders the immutable message and metadata of an order. Amounts
// are fixed to two decimals as strings so they survive JSON untouched.
func Snapshot(order *db.Order) (string, []byte, error) {
	snap := snapshot{
		OrderID:      order.ID,
		CustomerName: order.CustomerName,
		Total:        order.Total.StringFixed(2),
		Items:        make([]snapshotItem, 0, len(order.Items)),
	}
	if !order.CreatedAt.IsZero() {
		snap.PlacedAt = order.CreatedAt.UTC().Format(time.RFC3339)
	}

	total := decimal.Zero
	for _, item := range order.Items {
		snap.ItemCount += item.Quantity
		snap.Items = append(snap.Items, snapshotItem{
			Name:     item.Name,
			Quantity: item.Quantity,
			Price:    item.Price.StringFixed(2),
		})
		total = total.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	if order.Total.IsZero() && !total.IsZero() {
		snap.Total = total.StringFixed(2)
	}

	metadata, err := json.Marshal(snap)
	if err != nil {
		return "", nil, fmt.Errorf("marshal order snapshot: %w", err)
	}

	return Message(order.ID, snap.CustomerName, snap.Total, snap.ItemCount), metadata, nil
}

// Message is the one-line summary shown in every channel.
func Message(orderID, customer, total string, items int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New order #%s", orderID)
	if customer != "" {
		fmt.Fprintf(&b, " from %s", customer)
	}
	fmt.Fprintf(&b, ": $%s", total)
	if items == 1 {
		b.WriteString(" (1 item)")
	} else if items > 1 {
		fmt.Fprintf(&b, " (%d items)", items)
	}
	return b.String()
}
