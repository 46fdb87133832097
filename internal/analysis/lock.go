package analysis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/heimdex/heimdex-ingest/internal/catalog"
)

var ErrRunInProgress = errors.New("analysis already running for this video")

// RunLock guards against two runs of the same video executing at once.
type RunLock interface {
	// Acquire returns a token when the lock was taken, or ErrRunInProgress.
	Acquire(ctx context.Context, videoID string, ttl time.Duration) (string, error)
	// Release frees the lock only if token still owns it.
	Release(ctx context.Context, videoID, token string) error
}

const lockKeyPrefix = "heimdex:analysis:lock:"

// releaseScript deletes the key only if it still holds our token, so a run
// whose lock expired cannot free a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLock struct {
	client *redis.Client
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func (l *RedisLock) Acquire(ctx context.Context, videoID string, ttl time.Duration) (string, error) {
	token := catalog.NewID()
	ok, err := l.client.SetNX(ctx, lockKeyPrefix+videoID, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrRunInProgress
	}
	return token, nil
}

func (l *RedisLock) Release(ctx context.Context, videoID, token string) error {
	return releaseScript.Run(ctx, l.client, []string{lockKeyPrefix + videoID}, token).Err()
}

// LocalLock is the in-process RunLock used when no redis is configured.
type LocalLock struct {
	mu   sync.Mutex
	held map[string]localLease
	now  func() time.Time
}

type localLease struct {
	token   string
	expires time.Time
}

func NewLocalLock() *LocalLock {
	return &LocalLock{held: make(map[string]localLease), now: time.Now}
}

func (l *LocalLock) Acquire(ctx context.Context, videoID string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, ok := l.held[videoID]; ok && l.now().Before(lease.expires) {
		return "", ErrRunInProgress
	}
	token := catalog.NewID()
	l.held[videoID] = localLease{token: token, expires: l.now().Add(ttl)}
	return token, nil
}

func (l *LocalLock) Release(ctx context.Context, videoID, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lease, ok := l.held[videoID]; ok && lease.token == token {
		delete(l.held, videoID)
	}
	return nil
}
