package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrPassInProgress is returned when another replica holds the pass lock.
var ErrPassInProgress = errors.New("a due-order pass is already running")

// PassLock serializes processing passes across replicas.
type PassLock interface {
	// TryAcquire returns a token when the lock was taken, or ok=false when it is held elsewhere.
	TryAcquire(ctx context.Context) (token string, ok bool, err error)
	Release(ctx context.Context, token string) error
}

// PassMetrics records the outcome of a pass.
type PassMetrics interface {
	RecordPass(ctx context.Context, at time.Time, report PassReport, passErr error) error
}

// NoopPassLock is used for single-replica deployments without Redis.
type NoopPassLock struct{}

func (NoopPassLock) TryAcquire(context.Context) (string, bool, error) { return "local", true, nil }
func (NoopPassLock) Release(context.Context, string) error            { return nil }

var releasePassLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisPassLock implements PassLock with SET NX PX and an owner-checked release.
// The TTL bounds how long a crashed holder can block other replicas.
type RedisPassLock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedisPassLock(client redis.UniversalClient, key string, ttl time.Duration) *RedisPassLock {
	trimmedKey := strings.TrimSpace(key)
	if trimmedKey == "" {
		trimmedKey = "allowance:due_orders:lock"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisPassLock{client: client, key: trimmedKey, ttl: ttl}
}

func (l *RedisPassLock) TryAcquire(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire pass lock: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisPassLock) Release(ctx context.Context, token string) error {
	if err := releasePassLockScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
		return fmt.Errorf("release pass lock: %w", err)
	}
	return nil
}

// RedisPassMetrics keeps a pass counter and the last pass summary in Redis.
type RedisPassMetrics struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisPassMetrics(client redis.UniversalClient, prefix string) *RedisPassMetrics {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "metrics:allowance"
	}
	return &RedisPassMetrics{client: client, prefix: trimmedPrefix}
}

func (m *RedisPassMetrics) RecordPass(ctx context.Context, at time.Time, report PassReport, passErr error) error {
	status := "ok"
	errText := ""
	if passErr != nil {
		status = "failed"
		errText = passErr.Error()
	}

	pipe := m.client.TxPipeline()
	pipe.Incr(ctx, m.prefix+":passes")
	pipe.HSet(ctx, m.prefix+":last", map[string]any{
		"time":        at.UTC().Format(time.RFC3339),
		"status":      status,
		"error":       errText,
		"due_orders":  report.DueOrders,
		"applied":     report.Applied,
		"skipped":     report.Skipped,
		"failed":      report.Failed,
		"occurrences": report.Occurrences,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record pass metrics: %w", err)
	}
	return nil
}
