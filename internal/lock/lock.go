package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Mutter0815/InviteFlow/internal/kv"
	"github.com/Mutter0815/InviteFlow/pkg/logx"
	"github.com/Mutter0815/InviteFlow/pkg/metrics"
)

const (
	BatchTTL    = 5 * time.Minute
	PrefetchTTL = 60 * time.Second

	CooldownTTL    = 60 * time.Second
	CooldownWindow = 30 * time.Second
)

var (
	ErrNotAcquired = errors.New("lock not acquired")
	ErrNotHeld     = errors.New("lock not held")
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

type Manager struct {
	rdb redis.UniversalClient
	log *zap.SugaredLogger
}

func NewManager(rdb redis.UniversalClient, log *zap.SugaredLogger) *Manager {
	return &Manager{rdb: rdb, log: logx.Or(log)}
}

// Lock is a held token lock. Release is safe to call more than once.
type Lock struct {
	m     *Manager
	key   string
	token string
	name  string
}

// TryAcquire sets key to a fresh token if it is free. It never blocks;
// ErrNotAcquired means another holder has it.
func (m *Manager) TryAcquire(ctx context.Context, name, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		metrics.LockContended.WithLabelValues(name).Inc()
		return nil, ErrNotAcquired
	}
	return &Lock{m: m, key: key, token: token, name: name}, nil
}

// AcquireBatch takes the per-campaign batch-processing lock.
func (m *Manager) AcquireBatch(ctx context.Context, campaignID int64) (*Lock, error) {
	return m.TryAcquire(ctx, "batch", kv.BatchLock(campaignID), BatchTTL)
}

// AcquirePrefetch takes the per-operator prefetch lock.
func (m *Manager) AcquirePrefetch(ctx context.Context, operatorID int64) (*Lock, error) {
	return m.TryAcquire(ctx, "prefetch", kv.PrefetchLock(operatorID), PrefetchTTL)
}

// Release deletes the key only while it still carries this lock's token.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.m.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// ReleaseQuietly is Release for deferred cleanup; an already expired lock is not an error.
func (l *Lock) ReleaseQuietly(ctx context.Context) {
	if err := l.Release(ctx); err != nil && !errors.Is(err, ErrNotHeld) {
		l.m.log.Warnw("lock_release_failed", "key", l.key, "error", err)
	}
}

func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.m.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Stamp is an optimistic cooldown: it records now under key unless a stamp
// younger than window is present. Concurrent callers may both succeed.
func (m *Manager) Stamp(ctx context.Context, key string, now time.Time, window, ttl time.Duration) (bool, error) {
	raw, err := m.rdb.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return false, fmt.Errorf("read stamp %s: %w", key, err)
	default:
		if ms, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			if now.Sub(time.UnixMilli(ms)) < window {
				return false, nil
			}
		}
	}
	if err := m.rdb.Set(ctx, key, now.UnixMilli(), ttl).Err(); err != nil {
		return false, fmt.Errorf("write stamp %s: %w", key, err)
	}
	return true, nil
}

// StampAutoQueue applies the auto-queue cooldown for a campaign.
func (m *Manager) StampAutoQueue(ctx context.Context, campaignID int64, now time.Time) (bool, error) {
	return m.Stamp(ctx, kv.AutoQueueStamp(campaignID), now, CooldownWindow, CooldownTTL)
}

// Hold marks key as busy for ttl. Unlike a lock it has no owner and is
// never released; it simply expires.
func (m *Manager) Hold(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return m.rdb.Set(ctx, key, 1, ttl).Err()
}

func (m *Manager) Held(ctx context.Context, key string) (bool, error) {
	n, err := m.rdb.Exists(ctx, key).Result()
	return n > 0, err
}
