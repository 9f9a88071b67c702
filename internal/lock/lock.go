// Package lock coordinates indexing of the same snapshot across processes.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockPrefix = "repolens:lock:"

// Locker hands out named, expiring locks.
type Locker interface {
	// Acquire returns true if the lock was taken, false if another holder has it.
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	// Release drops the lock if this instance still holds it.
	Release(ctx context.Context, name string) error
}

// RedisLock implements Locker with SETNX and an owner-checked release.
type RedisLock struct {
	client  *redis.Client
	ownerID string
}

// NewRedisLock creates a new Redis-backed lock with a unique owner ID.
func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{
		client:  client,
		ownerID: generateOwnerID(),
	}
}

// Dial parses a redis:// URL and verifies the server answers.
func Dial(ctx context.Context, url string) (*RedisLock, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisLock(client), nil
}

// generateOwnerID creates a unique identifier for this lock holder.
// Format: hostname:pid:random
func generateOwnerID() string {
	hostname, _ := os.Hostname()
	randomBytes := make([]byte, 8)
	_, _ = rand.Read(randomBytes)
	return fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), hex.EncodeToString(randomBytes))
}

func (l *RedisLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockPrefix+name, l.ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

func (l *RedisLock) Release(ctx context.Context, name string) error {
	_, err := releaseScript.Run(ctx, l.client, []string{lockPrefix + name}, l.ownerID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// Ping checks if the Redis backend is healthy.
func (l *RedisLock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLock) Close() error {
	return l.client.Close()
}

// OwnerID returns the unique identifier for this lock instance.
func (l *RedisLock) OwnerID() string {
	return l.ownerID
}

// Nop always grants the lock. Used when no Redis is configured; the store
// still guarantees a single complete record set per fingerprint.
type Nop struct{}

func (Nop) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }

func (Nop) Release(context.Context, string) error { return nil }

// Wait polls Acquire until the lock is taken or ctx ends, doubling the
// interval up to 8x poll. check runs before every retry; when it reports
// done, Wait returns false without the lock.
func Wait(ctx context.Context, l Locker, name string, ttl, poll time.Duration, check func(context.Context) (bool, error)) (bool, error) {
	delay, maxDelay := poll, 8*poll
	for {
		ok, err := l.Acquire(ctx, name, ttl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxDelay)

		if check != nil {
			done, err := check(ctx)
			if err != nil {
				return false, err
			}
			if done {
				return false, nil
			}
		}
	}
}
