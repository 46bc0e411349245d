package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReleaseFunc gives up a held lock. Calling it more than once is harmless.
type ReleaseFunc func(ctx context.Context) error

// Guard hands out non-blocking, per-key exclusive locks.
type Guard interface {
	// TryAcquire returns ok=false without waiting when the key is held.
	TryAcquire(ctx context.Context, key string) (release ReleaseFunc, ok bool, err error)
}

const keyPrefix = "tracker-sync:lock:"

// releaseScript deletes the key only while it still carries our token, so an
// expired lock re-acquired by someone else is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the key only while it still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type redisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard creates a guard shared by every process using the same Redis.
// The ttl bounds how long a crashed holder can keep a key; a live holder
// keeps extending it until release, however long the push takes.
func NewRedisGuard(client *redis.Client, ttl time.Duration) (Guard, error) {
	if client == nil {
		return nil, errors.New("lock: redis client is required")
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &redisGuard{client: client, ttl: ttl}, nil
}

func (g *redisGuard) TryAcquire(ctx context.Context, key string) (ReleaseFunc, bool, error) {
	token := uuid.NewString()
	redisKey := keyPrefix + key

	ok, err := g.client.SetNX(ctx, redisKey, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go g.keepAlive(redisKey, token, stop, done)

	var once sync.Once
	release := func(ctx context.Context) error {
		var releaseErr error
		once.Do(func() {
			close(stop)
			<-done
			if err := releaseScript.Run(ctx, g.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				releaseErr = fmt.Errorf("release lock %s: %w", key, err)
			}
		})
		return releaseErr
	}
	return release, true, nil
}

// keepAlive re-arms the TTL every third of it until stop is closed or the
// key no longer carries token.
func (g *redisGuard) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), g.ttl/3)
			held, err := refreshScript.Run(ctx, g.client, []string{redisKey}, token, g.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && held == 0 {
				return
			}
		}
	}
}

type localGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalGuard creates an in-process guard for single-instance deployments
// and tests.
func NewLocalGuard() Guard {
	return &localGuard{held: make(map[string]struct{})}
}

func (g *localGuard) TryAcquire(_ context.Context, key string) (ReleaseFunc, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return nil, false, nil
	}
	g.held[key] = struct{}{}

	var once sync.Once
	release := func(context.Context) error {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, key)
			g.mu.Unlock()
		})
		return nil
	}
	return release, true, nil
}
