package redis

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patientflow/go-pro/internal/proerr"
)

func newTestLock(t *testing.T, cfg LockConfig) (*Lock, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewLock(client, cfg, zap.NewNop()), client
}

func TestWithLockRunsAndReleases(t *testing.T) {
	lock, client := newTestLock(t, DefaultLockConfig())

	ran := false
	err := lock.WithLock(context.Background(), "timeline:user:1", func(ctx context.Context) error {
		ran = true
		held, err := client.Exists(ctx, "timeline:user:1").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), held)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	held, err := client.Exists(context.Background(), "timeline:user:1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), held)
}

func TestWithLockZeroTimeoutNeverWaits(t *testing.T) {
	cfg := DefaultLockConfig()
	cfg.Timeout = 0
	lock, client := newTestLock(t, cfg)

	// Another worker holds the key with a live expiry.
	future := strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
	require.NoError(t, client.Set(context.Background(), "trigger:fire", future, 0).Err())

	err := lock.WithLock(context.Background(), "trigger:fire", func(ctx context.Context) error {
		t.Fatal("must not run while held")
		return nil
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, proerr.ErrLockTimeout))
}

func TestWithLockReclaimsStaleExpiry(t *testing.T) {
	cfg := DefaultLockConfig()
	cfg.Timeout = 0
	lock, client := newTestLock(t, cfg)

	// A dead worker left an expiry in the past.
	stale := strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)
	require.NoError(t, client.Set(context.Background(), "timeline:user:2", stale, 0).Err())

	ran := false
	err := lock.WithLock(context.Background(), "timeline:user:2", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestWithLockWaiterAcquiresAfterRelease(t *testing.T) {
	cfg := DefaultLockConfig()
	cfg.Timeout = 3 * time.Second
	cfg.PollInterval = 10 * time.Millisecond
	lock, client := newTestLock(t, cfg)

	future := strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
	require.NoError(t, client.Set(context.Background(), "timeline:user:3", future, 0).Err())

	go func() {
		time.Sleep(50 * time.Millisecond)
		client.Del(context.Background(), "timeline:user:3")
	}()

	err := lock.WithLock(context.Background(), "timeline:user:3", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestWithLockPropagatesCallbackError(t *testing.T) {
	lock, client := newTestLock(t, DefaultLockConfig())

	wantErr := errors.New("boom")
	err := lock.WithLock(context.Background(), "k", func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// Released even on failure.
	held, _ := client.Exists(context.Background(), "k").Result()
	assert.Equal(t, int64(0), held)
}

func TestModeratorThrottles(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	m := NewModerator(client, time.Hour)

	ok, err := m.ShouldRun(context.Background(), "adherence", 7)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.ShouldRun(context.Background(), "adherence", 7)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different patient is unaffected.
	ok, err = m.ShouldRun(context.Background(), "adherence", 8)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.Clear(context.Background(), "adherence", 7))
	ok, err = m.ShouldRun(context.Background(), "adherence", 7)
	require.NoError(t, err)
	assert.True(t, ok)
}
