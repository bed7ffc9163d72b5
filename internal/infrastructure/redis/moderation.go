package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Moderator throttles per-patient rebuild jobs: a key marks that the job ran
// recently, and re-runs inside the window are skipped.
type Moderator struct {
	client *redis.Client
	window time.Duration
}

// NewModerator creates a moderator with the given throttle window.
func NewModerator(client *redis.Client, window time.Duration) *Moderator {
	return &Moderator{client: client, window: window}
}

func moderationKey(job string, patientID int64) string {
	return fmt.Sprintf("moderation:%s:%d", job, patientID)
}

// ShouldRun claims the moderation key. False means the job ran within the
// window and this invocation should return without work.
func (m *Moderator) ShouldRun(ctx context.Context, job string, patientID int64) (bool, error) {
	return m.client.SetNX(ctx, moderationKey(job, patientID), time.Now().UTC().Format(time.RFC3339), m.window).Result()
}

// Clear removes the moderation key so the next invocation runs regardless of
// the window; used when the underlying data changed.
func (m *Moderator) Clear(ctx context.Context, job string, patientID int64) error {
	return m.client.Del(ctx, moderationKey(job, patientID)).Err()
}
