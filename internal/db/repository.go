package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var (
	// ErrOrderExists is returned by Create when the order already has a notification.
	ErrOrderExists = errors.New("notification already exists for order")
	// ErrStateChanged is returned by Escalate when the row left status new
	// between selection and the locked update.
	ErrStateChanged = errors.New("notification state changed")
)

const notificationColumns = `
	id, order_id, status, unread, message, metadata,
	acknowledged_by, handled_by, escalation_level,
	read_at, handled_at, escalated_at, created_at`

// NotificationRepository handles database operations for admin notifications
type NotificationRepository struct {
	db     *DB
	logger *zap.Logger
	now    func() time.Time
}

// NewNotificationRepository creates a new notification repository
func NewNotificationRepository(db *DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.OrderID,
		&n.Status,
		&n.Unread,
		&n.Message,
		&n.Metadata,
		&n.AcknowledgedBy,
		&n.HandledBy,
		&n.EscalationLevel,
		&n.ReadAt,
		&n.HandledAt,
		&n.EscalatedAt,
		&n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func collectNotifications(rows pgx.Rows) ([]*Notification, error) {
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// Create inserts a new notification in state new/unread.
func (r *NotificationRepository) Create(ctx context.Context, orderID, message string, metadata []byte) (*Notification, error) {
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	notif := NewNotification(orderID, message, metadata)

	query := `
		INSERT INTO notifications (
			id, order_id, status, unread, message, metadata, escalation_level
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		notif.ID,
		notif.OrderID,
		notif.Status,
		notif.Unread,
		notif.Message,
		notif.Metadata,
		notif.EscalationLevel,
	).Scan(&notif.CreatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil, fmt.Errorf("%w: %s", ErrOrderExists, orderID)
	}
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("order_id", orderID),
		)
		return nil, fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("order_id", orderID),
	)

	return notif, nil
}

// Get retrieves a notification by ID
func (r *NotificationRepository) Get(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// GetByOrderID retrieves the notification created for an order.
func (r *NotificationRepository) GetByOrderID(ctx context.Context, orderID string) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE order_id = $1`

	n, err := scanNotification(r.db.Pool().QueryRow(ctx, query, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification for order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification by order: %w", err)
	}
	return n, nil
}

// Acknowledge marks a notification read by adminID.
func (r *NotificationRepository) Acknowledge(ctx context.Context, id uuid.UUID, adminID string) (*Notification, error) {
	return r.transition(ctx, id, func(n *Notification, now time.Time) error {
		n.Acknowledge(adminID, now)
		return nil
	})
}

// Resolve marks a notification handled by adminID.
func (r *NotificationRepository) Resolve(ctx context.Context, id uuid.UUID, adminID string) (*Notification, error) {
	return r.transition(ctx, id, func(n *Notification, now time.Time) error {
		n.Resolve(adminID, now)
		return nil
	})
}

// Escalate moves a notification to escalated and bumps its level. A row that
// was acknowledged or resolved after ListStale selected it is left alone.
func (r *NotificationRepository) Escalate(ctx context.Context, id uuid.UUID) (*Notification, error) {
	return r.transition(ctx, id, func(n *Notification, now time.Time) error {
		if n.Status != StatusNew {
			return fmt.Errorf("escalate %s (%s): %w", id, n.Status, ErrStateChanged)
		}
		n.Escalate(now)
		return nil
	})
}

// transition locks the row, applies apply and writes back every mutable
// column. The row lock serialises concurrent transitions on one id.
func (r *NotificationRepository) transition(ctx context.Context, id uuid.UUID, apply func(*Notification, time.Time) error) (*Notification, error) {
	var out *Notification

	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1 FOR UPDATE`
		n, err := scanNotification(tx.QueryRow(ctx, query, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("notification %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock notification: %w", err)
		}

		if err := apply(n, r.now().UTC()); err != nil {
			return err
		}

		update := `
			UPDATE notifications
			SET status = $1, unread = $2, acknowledged_by = $3, handled_by = $4,
			    escalation_level = $5, read_at = $6, handled_at = $7, escalated_at = $8
			WHERE id = $9
		`
		_, err = tx.Exec(ctx, update,
			n.Status,
			n.Unread,
			n.AcknowledgedBy,
			n.HandledBy,
			n.EscalationLevel,
			n.ReadAt,
			n.HandledAt,
			n.EscalatedAt,
			n.ID,
		)
		if err != nil {
			return fmt.Errorf("update notification: %w", err)
		}

		out = n
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrStateChanged) {
			r.logger.Error("notification transition failed",
				zap.Error(err),
				zap.String("notification_id", id.String()),
			)
		}
		return nil, err
	}

	r.logger.Debug("notification transitioned",
		zap.String("notification_id", id.String()),
		zap.String("status", out.Status),
		zap.Int("escalation_level", out.EscalationLevel),
	)

	return out, nil
}

// ListStale returns new notifications created at least threshold ago, oldest first.
func (r *NotificationRepository) ListStale(ctx context.Context, threshold time.Duration) ([]*Notification, error) {
	cutoff := r.now().Add(-threshold)

	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status = $1 AND created_at <= $2
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, StatusNew, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale notifications: %w", err)
	}
	return collectNotifications(rows)
}

// List returns notifications newest first, filtered and capped at MaxListLimit.
func (r *NotificationRepository) List(ctx context.Context, filter ListFilter, limit int) ([]*Notification, error) {
	limit = ClampLimit(limit)

	var statuses []string
	if len(filter.Statuses) > 0 {
		statuses = filter.Statuses
	}

	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE ($1::text[] IS NULL OR status = ANY($1))
		  AND (NOT $2 OR unread)
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, statuses, filter.UnreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	return collectNotifications(rows)
}
