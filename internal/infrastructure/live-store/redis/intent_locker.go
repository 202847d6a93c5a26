package redislivestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arkade-os/batch-settler/internal/core/ports"
	arkerrors "github.com/arkade-os/batch-settler/pkg/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const lockKeyPrefix = "lock:intent:"

// unlockScript deletes the lock only if it is still owned by the caller.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// intentLocker shares locks among all processes connected to the same redis
// instance. A lock expires after ttl if its owner never releases it.
type intentLocker struct {
	rdb        *redis.Client
	ttl        time.Duration
	timeout    time.Duration
	retryDelay time.Duration
}

func NewIntentLocker(rdb *redis.Client, ttl, timeout time.Duration) ports.IntentLocker {
	return &intentLocker{
		rdb:        rdb,
		ttl:        ttl,
		timeout:    timeout,
		retryDelay: 10 * time.Millisecond,
	}
}

func (l *intentLocker) Lock(ctx context.Context, key string) (func(), error) {
	if _, ok := ctx.Deadline(); !ok && l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	lockKey := lockKeyPrefix + key
	token := uuid.New().String()
	for {
		ok, err := l.rdb.SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) &&
			!errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("failed to lock %s: %w", key, err)
		}
		if ok {
			return func() { l.unlock(lockKey, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, arkerrors.INTENT_LOCKED.New(
				"failed to lock %s: %s", key, ctx.Err(),
			).WithMetadata(arkerrors.IntentMetadata{IntentTxid: key})
		case <-time.After(l.retryDelay):
		}
	}
}

func (l *intentLocker) Close() {
	if err := l.rdb.Close(); err != nil {
		log.WithError(err).Warn("failed to close redis client")
	}
}

func (l *intentLocker) unlock(lockKey, token string) {
	// The caller context may already be done when the lock is released.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := unlockScript.Run(ctx, l.rdb, []string{lockKey}, token).Err(); err != nil {
		log.WithError(err).Warnf("failed to release lock %s", lockKey)
	}
}
