package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"go.uber.org/zap"
)

// Locker hands out short-lived exclusive locks shared by all replicas.
type Locker struct {
	locker *redislock.Client
	logger *zap.Logger
}

func NewLocker(client *Client, logger *zap.Logger) *Locker {
	return &Locker{locker: redislock.New(client.rdb), logger: logger}
}

// TryLock obtains key for ttl without retrying. ok is false when another
// holder has it.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lock, err := l.locker.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	unlock := func() {
		// the caller's ctx may already be cancelled at this point
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}
	return unlock, true, nil
}
