package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arencloud/kbadmin/internal/logging"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// release and extend only touch the key while it still carries our token
var (
	release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	extend = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis is a Locker shared by every replica pointed at the same server.
// A held lock is extended every ttl/3, so the TTL only bounds how long a
// crashed holder blocks others.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger logging.Logger
}

func NewRedis(client *redis.Client, ttl time.Duration, logger logging.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Redis{client: client, prefix: "kbadmin:lock:", ttl: ttl, logger: logger.With("component", "lock")}
}

func (r *Redis) TryLock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	k := r.prefix + key
	ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(k, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// the request context may already be gone when the holder finishes
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := release.Run(ctx, r.client, []string{k}, token).Err(); err != nil {
				r.logger.Warn("lock release failed", "key", key, "error", err)
			}
		})
	}, nil
}

func (r *Redis) keepAlive(k, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n, err := extend.Run(ctx, r.client, []string{k}, token, r.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				r.logger.Warn("lock extend failed", "key", k, "error", err)
			case n == 0:
				r.logger.Warn("lock lost before release", "key", k)
				return
			}
		}
	}
}
