package slotlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLocked = errors.New("slot is locked by another request")

const (
	keyPrefix   = "tutorbook:lock:"
	retries     = 5
	retryDelay  = 50 * time.Millisecond
	releaseWait = 2 * time.Second
)

// unlock deletes the key only if it still holds our token.
var unlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis serialises work on a key across API instances. The lock expires
// after ttl so a crashed holder cannot wedge a tutor's calendar.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Acquire takes the lock or returns ErrLocked after a few short retries.
func (l *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	full := keyPrefix + key

	for attempt := 0; ; attempt++ {
		ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		if attempt == retries {
			return nil, ErrLocked
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelay):
		}
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), releaseWait)
		defer cancel()
		_ = unlock.Run(rctx, l.client, []string{full}, token).Err()
	}, nil
}

// Nop never blocks. Used when Redis is disabled; the store's own
// transaction and unique index still guard the slot.
type Nop struct{}

func (Nop) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}
