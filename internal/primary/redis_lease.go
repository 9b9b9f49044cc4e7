package primary

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLease elects a primary with a TTL lease in Redis. Each call either
// acquires the lease (key absent), renews it (we hold it), or observes
// another holder. Acquire/renew is a single Lua script so two instances
// racing a failover cannot both see themselves as primary.
//
// Redis errors fail closed: an instance that cannot reach Redis does not
// act. With a small fleet sharing one Redis this trades a skipped tick for
// never having two confident primaries.
type RedisLease struct {
	client     redis.Cmdable
	key        string
	instanceID string
	ttl        time.Duration
}

var leaseScript = redis.NewScript(`
	local key = KEYS[1]
	local id = ARGV[1]
	local ttlMs = tonumber(ARGV[2])

	local holder = redis.call('GET', key)
	if holder == false then
		redis.call('SET', key, id, 'PX', ttlMs)
		return 1
	end
	if holder == id then
		redis.call('PEXPIRE', key, ttlMs)
		return 1
	end
	return 0
`)

func NewRedisLease(client redis.Cmdable, key, instanceID string, ttl time.Duration) (*RedisLease, error) {
	if key == "" {
		return nil, fmt.Errorf("lease key is empty")
	}
	if instanceID == "" {
		return nil, fmt.Errorf("instance id is empty")
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisLease{
		client:     client,
		key:        key,
		instanceID: instanceID,
		ttl:        ttl,
	}, nil
}

func (l *RedisLease) IsPrimary(ctx context.Context) (bool, error) {
	res, err := leaseScript.Run(ctx, l.client, []string{l.key},
		l.instanceID,
		l.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("primary lease: %w", err)
	}
	return res == 1, nil
}

// Release drops the lease if we hold it, letting another instance take
// over immediately on clean shutdown instead of waiting out the TTL.
func (l *RedisLease) Release(ctx context.Context) error {
	script := redis.NewScript(`
		if redis.call('GET', KEYS[1]) == ARGV[1] then
			return redis.call('DEL', KEYS[1])
		end
		return 0
	`)
	if err := script.Run(ctx, l.client, []string{l.key}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
