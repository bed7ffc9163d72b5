// Package redis provides the key/value-store primitives the engine locks
// and throttles with.
package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/proerr"
)

// LockConfig tunes the timeout lock.
type LockConfig struct {
	// Expires is how long a held lock stays valid before another worker may
	// reclaim it; self-healing if a process dies mid-operation.
	Expires time.Duration
	// Timeout is how long an acquirer waits. Zero means never wait: a held
	// lock fails immediately.
	Timeout time.Duration
	// PollInterval is the waiter's sleep between attempts.
	PollInterval time.Duration
}

// DefaultLockConfig mirrors the worker defaults.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		Expires:      5 * time.Minute,
		Timeout:      30 * time.Second,
		PollInterval: time.Second,
	}
}

// Lock is a compare-and-set timeout lock. Acquisition stores the expiry
// instant under the key with SETNX; a stored expiry in the past is reclaimed
// through a GETSET race so only one contender wins.
type Lock struct {
	client *redis.Client
	cfg    LockConfig
	logger *zap.Logger
	now    func() time.Time

	// onTimeout, when set, is called once per failed acquisition.
	onTimeout func(key string)
}

// NotifyTimeout registers a timeout observer. Call before traffic starts.
func (l *Lock) NotifyTimeout(fn func(key string)) *Lock {
	l.onTimeout = fn
	return l
}

// NewLock wires the lock over the shared client.
func NewLock(client *redis.Client, cfg LockConfig, logger *zap.Logger) *Lock {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Lock{client: client, cfg: cfg, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithLock runs fn while holding the key, releasing it afterward. Raises
// ErrLockTimeout when the key stays held past the configured timeout.
func (l *Lock) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if err := l.acquire(ctx, key); err != nil {
		return err
	}
	defer l.release(key)
	return fn(ctx)
}

func (l *Lock) acquire(ctx context.Context, key string) error {
	deadline := l.now().Add(l.cfg.Timeout)
	for {
		ok, err := l.tryAcquire(ctx, key)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if l.cfg.Timeout <= 0 || !l.now().Before(deadline) {
			if l.onTimeout != nil {
				l.onTimeout(key)
			}
			return proerr.Wrap(proerr.ErrLockTimeout, "lock %s held past %s", key, l.cfg.Timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.PollInterval):
		}
	}
}

// tryAcquire attempts one SETNX, falling back to the GETSET stale-expiry
// race.
func (l *Lock) tryAcquire(ctx context.Context, key string) (bool, error) {
	expiry := strconv.FormatInt(l.now().Add(l.cfg.Expires).Unix(), 10)

	set, err := l.client.SetNX(ctx, key, expiry, 0).Result()
	if err != nil {
		return false, err
	}
	if set {
		return true, nil
	}

	stored, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// Holder released between our SETNX and GET; retry next round.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	storedExpiry, err := strconv.ParseInt(stored, 10, 64)
	if err != nil || l.now().Unix() < storedExpiry {
		return false, nil
	}

	// Expiry has passed: whoever GETSETs first owns the reclaim.
	previous, err := l.client.GetSet(ctx, key, expiry).Result()
	if err != nil && err != redis.Nil {
		return false, err
	}
	if previous != stored {
		// Lost the race to another reclaimer.
		return false, nil
	}
	return true, nil
}

func (l *Lock) release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.client.Del(ctx, key).Err(); err != nil {
		l.logger.Warn("lock release failed; key expires on its own",
			zap.String("key", key), zap.Error(err))
	}
}
