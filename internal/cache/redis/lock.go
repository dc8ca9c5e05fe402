package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/flashbot/internal/domain"
)

// unlockLua deletes the lock only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// refreshLua extends the TTL only if the lock still holds the caller's token.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager using SET NX with a TTL. A held
// lock is kept alive in the background until it is released, so a lock can
// guard a run that lasts far longer than its TTL while still expiring
// quickly if the process dies.
type LockManager struct {
	c         *Client
	unlockSc  *redis.Script
	refreshSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		c:         c,
		unlockSc:  redis.NewScript(unlockLua),
		refreshSc: redis.NewScript(refreshLua),
	}
}

// Acquire obtains the lock for key. The returned unlock function stops the
// keep-alive and releases the lock; it is safe to call more than once.
//
// It returns domain.ErrLockHeld if another holder owns the lock.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lm.c.Key("lock", key)
	rdb := lm.c.Underlying()

	ok, err := rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				rctx, cancel := context.WithTimeout(context.Background(), ttl/3)
				_ = lm.refreshSc.Run(rctx, rdb, []string{lk}, token, ttl.Milliseconds()).Err()
				cancel()
			}
		}
	}()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			<-done

			// The caller's context may already be cancelled at shutdown.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
