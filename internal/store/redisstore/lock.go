package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

func lockKey(name string) string {
	return "consult:lock:" + name
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryLock takes the named lock for owner unless someone else holds it.
func (s *Store) TryLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, lockKey(name), owner, ttl).Result()
}

// Unlock releases the lock only if owner still holds it.
func (s *Store) Unlock(ctx context.Context, name, owner string) error {
	return unlockScript.Run(ctx, s.rdb, []string{lockKey(name)}, owner).Err()
}
