package inmemorylivestore

import (
	"context"
	"sync"
	"time"

	"github.com/arkade-os/batch-settler/internal/core/ports"
	"github.com/arkade-os/batch-settler/pkg/errors"
)

type keyLock struct {
	sem     chan struct{}
	waiters int
}

// intentLocker is a keyed mutex for a single process.
type intentLocker struct {
	lock    *sync.Mutex
	locks   map[string]*keyLock
	timeout time.Duration
}

// NewIntentLocker returns a locker that gives up after timeout if the context
// passed to Lock has no deadline.
func NewIntentLocker(timeout time.Duration) ports.IntentLocker {
	return &intentLocker{
		lock:    &sync.Mutex{},
		locks:   make(map[string]*keyLock),
		timeout: timeout,
	}
}

func (l *intentLocker) Lock(ctx context.Context, key string) (func(), error) {
	if _, ok := ctx.Deadline(); !ok && l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	l.lock.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.waiters++
	l.lock.Unlock()

	select {
	case kl.sem <- struct{}{}:
		once := &sync.Once{}
		return func() {
			once.Do(func() {
				<-kl.sem
				l.release(key, kl)
			})
		}, nil
	case <-ctx.Done():
		l.release(key, kl)
		return nil, errors.INTENT_LOCKED.New("failed to lock %s: %s", key, ctx.Err()).
			WithMetadata(errors.IntentMetadata{IntentTxid: key})
	}
}

func (l *intentLocker) Close() {}

func (l *intentLocker) release(key string, kl *keyLock) {
	l.lock.Lock()
	defer l.lock.Unlock()

	kl.waiters--
	if kl.waiters <= 0 {
		delete(l.locks, key)
	}
}
