package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// ClaimTTL is how long a completed claim remembers its notification.
	ClaimTTL = 24 * time.Hour

	// pendingTTL bounds a claim whose holder died before completing it.
	pendingTTL = time.Minute

	pendingMarker = "pending"
)

// ErrDuplicateRequest means another caller is notifying the same order right now.
var ErrDuplicateRequest = errors.New("duplicate request: order notification in progress")

// OrderClaims makes "notify order X" at-most-once across replicas and retries.
type OrderClaims struct {
	client *Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewOrderClaims(client *Client, logger *zap.Logger) *OrderClaims {
	return &OrderClaims{client: client, ttl: ClaimTTL, logger: logger}
}

func claimKey(orderID string) string {
	return "order:" + orderID
}

// Claim reserves orderID. It returns the notification id when the order was
// already notified, "" when the caller now holds the claim, and
// ErrDuplicateRequest when another caller holds it.
func (c *OrderClaims) Claim(ctx context.Context, orderID string) (string, error) {
	key := claimKey(orderID)

	set, err := c.client.rdb.SetNX(ctx, key, pendingMarker, pendingTTL).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx failed: %w", err)
	}
	if set {
		return "", nil
	}

	val, err := c.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls; let the caller retry through the db
		return "", ErrDuplicateRequest
	}
	if err != nil {
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	if val == pendingMarker {
		return "", ErrDuplicateRequest
	}

	c.logger.Debug("order claim hit",
		zap.String("order_id", orderID),
		zap.String("notification_id", val),
	)
	return val, nil
}

// Complete records the notification created under the claim.
func (c *OrderClaims) Complete(ctx context.Context, orderID, notificationID string) error {
	if err := c.client.rdb.Set(ctx, claimKey(orderID), notificationID, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Release drops a pending claim so a later attempt can retry.
func (c *OrderClaims) Release(ctx context.Context, orderID string) error {
	if err := c.client.rdb.Del(ctx, claimKey(orderID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}
