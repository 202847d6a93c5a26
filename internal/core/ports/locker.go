package ports

import "context"

// IntentLocker serializes read-modify-write flows on a single intent, possibly
// across processes.
type IntentLocker interface {
	// Lock blocks until the lock on key is acquired or the context is done.
	// It fails with INTENT_LOCKED if the lock cannot be acquired in time.
	Lock(ctx context.Context, key string) (unlock func(), err error)
	Close()
}
