package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const subscriptionColumns = `
	id, admin_id, endpoint, p256dh_key, auth_key, active,
	last_notified_at, created_at, updated_at`

// SubscriptionRepository stores browser push endpoints. Rows are never
// deleted; a dead endpoint is flagged inactive so a later subscribe revives it.
type SubscriptionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSubscriptionRepository creates a new push subscription repository
func NewSubscriptionRepository(db *DB, logger *zap.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{db: db, logger: logger}
}

func scanSubscription(row pgx.Row) (*PushSubscription, error) {
	var s PushSubscription
	err := row.Scan(
		&s.ID,
		&s.AdminID,
		&s.Endpoint,
		&s.P256dhKey,
		&s.AuthKey,
		&s.Active,
		&s.LastNotifiedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Upsert inserts the endpoint or, when it already exists, replaces its keys
// and owner and reactivates it.
func (r *SubscriptionRepository) Upsert(ctx context.Context, adminID, endpoint string, keys PushKeys) (*PushSubscription, error) {
	query := `
		INSERT INTO push_subscriptions (id, admin_id, endpoint, p256dh_key, auth_key, active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (endpoint) DO UPDATE
		SET admin_id = EXCLUDED.admin_id,
		    p256dh_key = EXCLUDED.p256dh_key,
		    auth_key = EXCLUDED.auth_key,
		    active = TRUE,
		    updated_at = NOW()
		RETURNING ` + subscriptionColumns

	sub, err := scanSubscription(r.db.Pool().QueryRow(ctx, query,
		uuid.New(), adminID, endpoint, keys.P256dh, keys.Auth,
	))
	if err != nil {
		r.logger.Error("failed to upsert push subscription",
			zap.Error(err),
			zap.String("admin_id", adminID),
		)
		return nil, fmt.Errorf("upsert push subscription: %w", err)
	}

	r.logger.Info("push subscription saved",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("admin_id", adminID),
	)

	return sub, nil
}

// ListActive returns every subscription still eligible for delivery.
func (r *SubscriptionRepository) ListActive(ctx context.Context) ([]*PushSubscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM push_subscriptions WHERE active ORDER BY created_at ASC`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*PushSubscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return subs, nil
}

// Deactivate flags an endpoint inactive. Unknown or already inactive
// endpoints are not an error.
func (r *SubscriptionRepository) Deactivate(ctx context.Context, endpoint string) error {
	query := `UPDATE push_subscriptions SET active = FALSE, updated_at = NOW() WHERE endpoint = $1 AND active`

	result, err := r.db.Pool().Exec(ctx, query, endpoint)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}

	if result.RowsAffected() > 0 {
		r.logger.Info("push subscription deactivated", zap.String("endpoint", endpoint))
	}
	return nil
}

// MarkNotified records a successful delivery.
func (r *SubscriptionRepository) MarkNotified(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `UPDATE push_subscriptions SET last_notified_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("mark subscription notified: %w", err)
	}
	return nil
}
