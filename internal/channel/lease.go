package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	apperrors "palantir/internal/errors"
)

// Locker is the subset of *redislock.Client the lease uses.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

// heldLock is the subset of *redislock.Lock the refresh loop uses.
type heldLock interface {
	Refresh(ctx context.Context, ttl time.Duration, opt *redislock.Options) error
	Release(ctx context.Context) error
}

// RedisLease keeps one process per tenant channel across a fleet. The lock is
// refreshed every ttl/2 until released; a failed refresh reports the lease lost.
type RedisLease struct {
	obtain func(ctx context.Context, key string, ttl time.Duration) (heldLock, error)
	ttl    time.Duration
	clock  clockwork.Clock
	logger *zap.Logger
}

func NewRedisLease(locker Locker, ttl time.Duration, clock clockwork.Clock, logger *zap.Logger) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{
		obtain: func(ctx context.Context, key string, ttl time.Duration) (heldLock, error) {
			lock, err := locker.Obtain(ctx, key, ttl, nil)
			if err != nil {
				return nil, err
			}
			return lock, nil
		},
		ttl:    ttl,
		clock:  clock,
		logger: logger,
	}
}

func LeaseKey(companyID int) string {
	return fmt.Sprintf("palantir:channel:%d", companyID)
}

// Acquire obtains the tenant lock. lost is called at most once, from the
// refresh goroutine, when the lock can no longer be kept.
func (l *RedisLease) Acquire(ctx context.Context, companyID int, lost func(error)) (func(), error) {
	lock, err := l.obtain(ctx, LeaseKey(companyID), l.ttl)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, apperrors.NewChannelError(companyID, "channel held by another instance", err)
	}
	if err != nil {
		return nil, apperrors.NewChannelError(companyID, "obtaining channel lease", err)
	}

	refreshCtx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := l.clock.NewTicker(l.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-refreshCtx.Done():
				return
			case <-ticker.Chan():
				if refreshCtx.Err() != nil {
					return
				}
				err := lock.Refresh(refreshCtx, l.ttl, nil)
				if err == nil {
					continue
				}
				if refreshCtx.Err() != nil {
					return
				}
				l.logger.Warn("channel lease refresh failed", zap.Int("companyId", companyID), zap.Error(err))
				if lost != nil {
					lost(apperrors.NewChannelError(companyID, "channel lease lost", err))
				}
				return
			}
		}
	}()

	return func() {
		cancel()
		releaseCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("channel lease release failed", zap.Int("companyId", companyID), zap.Error(err))
		}
	}, nil
}
