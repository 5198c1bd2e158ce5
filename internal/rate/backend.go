package rate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	xrate "golang.org/x/time/rate"
)

// Policy allows Max events per Window. A zero Max disables the policy.
type Policy struct {
	Max    int           `yaml:"max" json:"max"`
	Window time.Duration `yaml:"window" json:"window"`
}

func (p Policy) enabled() bool { return p.Max > 0 && p.Window > 0 }

// Backend counts events per key.
type Backend interface {
	// Exceeded reports whether key has used its budget without consuming any.
	Exceeded(ctx context.Context, key string, p Policy) (bool, error)
	// Hit consumes one event and reports whether the budget is now exceeded.
	Hit(ctx context.Context, key string, p Policy) (bool, error)
	Reset(ctx context.Context, keys ...string) error
}

// RedisBackend keeps fixed-window counters in Redis so every instance of
// the service shares one budget.
type RedisBackend struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "gateauth:rl:"
	}
	return &RedisBackend{redis: client, prefix: prefix}
}

func (b *RedisBackend) Exceeded(ctx context.Context, key string, p Policy) (bool, error) {
	count, err := b.redis.Get(ctx, b.prefix+key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count >= int64(p.Max), nil
}

func (b *RedisBackend) Hit(ctx context.Context, key string, p Policy) (bool, error) {
	count, err := b.incrementWithTTL(ctx, b.prefix+key, p.Window)
	if err != nil {
		return false, err
	}
	return count > int64(p.Max), nil
}

func (b *RedisBackend) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.prefix + k
	}
	if err := b.redis.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *RedisBackend) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := b.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := b.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	return count, nil
}

const maxLocalKeys = 10000

// LocalBackend is an in-process token bucket per key. Budgets are not shared
// between processes.
type LocalBackend struct {
	mu      sync.Mutex
	buckets map[string]*xrate.Limiter
	now     func() time.Time
}

// NewLocal returns an empty LocalBackend. now defaults to time.Now.
func NewLocal(now func() time.Time) *LocalBackend {
	if now == nil {
		now = time.Now
	}
	return &LocalBackend{buckets: make(map[string]*xrate.Limiter), now: now}
}

func (b *LocalBackend) Exceeded(_ context.Context, key string, p Policy) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.buckets[key]
	if !ok {
		return false, nil
	}
	return l.TokensAt(b.now()) < 1, nil
}

func (b *LocalBackend) Hit(_ context.Context, key string, p Policy) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	l, ok := b.buckets[key]
	if !ok {
		if len(b.buckets) >= maxLocalKeys {
			b.pruneLocked(now)
		}
		l = xrate.NewLimiter(xrate.Every(p.Window/time.Duration(p.Max)), p.Max)
		b.buckets[key] = l
	}
	return !l.AllowN(now, 1), nil
}

func (b *LocalBackend) Reset(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.buckets, k)
	}
	return nil
}

// pruneLocked drops buckets that have refilled completely; they carry no state.
func (b *LocalBackend) pruneLocked(now time.Time) {
	for k, l := range b.buckets {
		if l.TokensAt(now) >= float64(l.Burst()) {
			delete(b.buckets, k)
		}
	}
}
