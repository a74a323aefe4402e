package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const leasePrefix = "jobs:lease:"

var releaseLeaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LeaseRepo hands out best-effort exclusive leases so that two worker
// instances do not run the same batch at once. Correctness never depends on it.
type LeaseRepo struct {
	client *goredis.Client
	owner  string
}

func NewLeaseRepo(client *goredis.Client) *LeaseRepo {
	return &LeaseRepo{client: client, owner: uuid.NewString()}
}

// Acquire returns a release func when the lease was taken, or ok=false when
// another owner holds it.
func (r *LeaseRepo) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if r.client == nil {
		return nil, false, fmt.Errorf("redis client is nil")
	}
	if name == "" || ttl <= 0 {
		return nil, false, fmt.Errorf("invalid lease payload")
	}

	token := r.owner + ":" + uuid.NewString()
	ok, err := r.client.SetNX(ctx, leasePrefix+name, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseLeaseScript.Run(ctx, r.client, []string{leasePrefix + name}, token).Err(); err != nil && err != goredis.Nil {
			return fmt.Errorf("release lease %s: %w", name, err)
		}
		return nil
	}
	return release, true, nil
}
