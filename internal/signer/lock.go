package signer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockHeld = errors.New("broadcast lock held")

// BroadcastLock guards the keeper's send counter across processes.
type BroadcastLock interface {
	Acquire(ctx context.Context, ttl time.Duration) (func(), error)
}

// unlockLua deletes the lock key only when the token matches, so one holder
// cannot release another holder's lock after its own TTL expired.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLock implements BroadcastLock with SETNX plus a Lua conditional
// unlock. One key per keeper account.
type RedisLock struct {
	rdb      *redis.Client
	key      string
	unlockSc *redis.Script
}

func NewRedisLock(rdb *redis.Client, keeperAccount string) *RedisLock {
	return &RedisLock{
		rdb:      rdb,
		key:      "broadcast:lock:" + keeperAccount,
		unlockSc: redis.NewScript(unlockLua),
	}
}

func (l *RedisLock) Acquire(ctx context.Context, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	released := false
	unlock := func() {
		if released {
			return
		}
		released = true
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{l.key}, token).Err()
	}
	return unlock, nil
}

// NoopLock is used when the deployment runs a single worker process and
// in-process serialization is sufficient.
type NoopLock struct{}

func (NoopLock) Acquire(ctx context.Context, ttl time.Duration) (func(), error) {
	return func() {}, nil
}
