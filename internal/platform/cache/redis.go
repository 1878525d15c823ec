package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dial opens a dedicated client for run leases and returns a Locker over it.
// Lease calls sit in front of every scheduled run, so the client is tuned to
// fail fast: a slow redis must not stall the job it guards.
func Dial(ctx context.Context, addr string, ttl time.Duration) (*Locker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		ClientName:   "tutorly-leases",
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		MaxRetries:   1,
		PoolSize:     4,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("platform/cache: dial %s: %w", addr, err)
	}
	return NewLocker(client, ttl), nil
}

// Close releases the underlying client.
func (l *Locker) Close() error {
	return l.client.Close()
}
