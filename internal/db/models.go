package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a notification, subscription or order does not exist.
var ErrNotFound = errors.New("not found")

// Status constants
const (
	StatusNew          = "new"
	StatusAcknowledged = "acknowledged"
	StatusHandled      = "handled"
	StatusEscalated    = "escalated"
)

// MaxListLimit caps List regardless of the requested limit.
const MaxListLimit = 200

// ValidStatus reports whether s is one of the notification statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusNew, StatusAcknowledged, StatusHandled, StatusEscalated:
		return true
	}
	return false
}

// Notification is the durable record of one admin order notification.
type Notification struct {
	ID              uuid.UUID       `json:"id"`
	OrderID         string          `json:"orderId"`
	Status          string          `json:"status"`
	Unread          bool            `json:"unread"`
	Message         string          `json:"message"`
	Metadata        json.RawMessage `json:"metadata"`
	AcknowledgedBy  *string         `json:"acknowledgedBy,omitempty"`
	HandledBy       *string         `json:"handledBy,omitempty"`
	EscalationLevel int             `json:"escalationLevel"`
	ReadAt          *time.Time      `json:"readAt,omitempty"`
	HandledAt       *time.Time      `json:"handledAt,omitempty"`
	EscalatedAt     *time.Time      `json:"escalatedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// NewNotification builds an unsaved notification in its initial state.
func NewNotification(orderID, message string, metadata json.RawMessage) *Notification {
	return &Notification{
		ID:       uuid.New(),
		OrderID:  orderID,
		Status:   StatusNew,
		Unread:   true,
		Message:  message,
		Metadata: metadata,
	}
}

// Acknowledge records the read. Only a new notification changes status, so an
// escalated or handled one keeps its state.
func (n *Notification) Acknowledge(adminID string, now time.Time) {
	n.Unread = false
	n.ReadAt = &now
	n.AcknowledgedBy = &adminID
	if n.Status == StatusNew {
		n.Status = StatusAcknowledged
	}
}

// Resolve marks the notification handled regardless of prior status.
func (n *Notification) Resolve(adminID string, now time.Time) {
	n.Status = StatusHandled
	n.Unread = false
	n.HandledAt = &now
	n.HandledBy = &adminID
}

// Escalate bumps the escalation level.
func (n *Notification) Escalate(now time.Time) {
	n.Status = StatusEscalated
	n.EscalationLevel++
	n.EscalatedAt = &now
}

// IsStale reports whether the notification is still new after threshold.
func (n *Notification) IsStale(now time.Time, threshold time.Duration) bool {
	return n.Status == StatusNew && !n.CreatedAt.After(now.Add(-threshold))
}

// ListFilter narrows List. Empty Statuses means any status.
type ListFilter struct {
	Statuses   []string
	UnreadOnly bool
}

// Matches applies the filter to one notification.
func (f ListFilter) Matches(n *Notification) bool {
	if f.UnreadOnly && !n.Unread {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if n.Status == s {
			return true
		}
	}
	return false
}

// ClampLimit applies the default and the hard cap.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// PushSubscription is a browser push endpoint owned by an admin.
type PushSubscription struct {
	ID             uuid.UUID  `json:"id"`
	AdminID        string     `json:"adminId"`
	Endpoint       string     `json:"endpoint"`
	P256dhKey      string     `json:"p256dh"`
	AuthKey        string     `json:"auth"`
	Active         bool       `json:"active"`
	LastNotifiedAt *time.Time `json:"lastNotifiedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// PushKeys are the delivery credentials of a subscription.
type PushKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Order is the snapshot of an order as read from the storefront tables.
type Order struct {
	ID           string          `json:"id"`
	CustomerName string          `json:"customerName"`
	Total        decimal.Decimal `json:"total"`
	Items        []OrderItem     `json:"items"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// OrderItem is a single line of an order.
type OrderItem struct {
	Name     string          `json:"name"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}
