package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned when another owner holds the lease.
var ErrLeaseHeld = errors.New("platform/cache: lease held")

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Locker hands out expiring single-owner leases.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocker constructs a Locker. A lease not released within ttl expires, so
// a crashed owner never blocks the key for longer than that.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Locker{client: client, ttl: ttl}
}

// Lease is a held key.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

// Acquire takes the lease for key or returns ErrLeaseHeld.
func (l *Locker) Acquire(ctx context.Context, key string) (*Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("platform/cache: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return &Lease{client: l.client, key: key, token: token}, nil
}

// Release deletes the key only if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("platform/cache: release %s: %w", l.key, err)
	}
	return nil
}
