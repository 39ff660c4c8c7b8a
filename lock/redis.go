package lock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
)

var _ Locker = &Redis{}

const redisLockPrefix = "lock:"

// releaseScript deletes the key only while it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every process talking to the same Redis
type Redis struct {
	client redis.UniversalClient
}

// NewRedis returns a Locker backed by SET NX
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{
		client: client,
	}
}

// TryAcquire takes the lock with SET NX PX. ttl must be positive so a crashed holder cannot wedge the key.
func (l *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	redisKey := redisLockPrefix + key
	token := uuid.New().String()

	ok, err := l.client.SetNX(redisKey, token, ttl).Result()
	if err != nil {
		return nil, false, extErrors.Wrap(err, "Cannot acquire lock")
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// the request context may already be done
		releaseScript.Run(l.client, []string{redisKey}, token)
	}
	return release, true, nil
}
