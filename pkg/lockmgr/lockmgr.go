// Package lockmgr implements a locking mechanism over a pkg/kv.Store,
// adapted from lib/lockmgr/impl.go: lock acquisition is a conditional
// create carrying a randomly generated owner token, and release is an
// ownership-checked delete.
//
// A LockManager holds no state beyond the store itself, so it is safe to
// construct one per call, or share a single instance across goroutines, as
// long as the same store is used every time.
package lockmgr

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/birchdb/birch/pkg/codec"
	"github.com/birchdb/birch/pkg/kv"
)

// LockManager coordinates access to shared resources through a
// pkg/kv.Store.
type LockManager struct {
	store *kv.Store
}

// New constructs a LockManager backed by store.
func New(store *kv.Store) *LockManager {
	return &LockManager{store: store}
}

// AcquireLock attempts to create the lock named key, failing (ok=false,
// no error) if it is already held. timeout, if non-zero, automatically
// releases the lock after that duration, preventing deadlock if the
// holder crashes without calling ReleaseLock. On success it returns the
// owner token ReleaseLock must present to release it.
func (lm *LockManager) AcquireLock(ctx context.Context, key string, timeout time.Duration) (ok bool, ownerID string, err error) {
	ownerID = uuid.NewString()
	ok, err = lm.store.TrySetIfUnset(ctx, key, ownerID, timeout)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "", nil
	}
	return true, ownerID, nil
}

// ReleaseLock releases the lock named key if ownerID matches its current
// holder. A lock that does not exist is treated as already released
// (ok=true, err=nil); a lock held by a different owner is left alone
// (ok=false, err=nil).
func (lm *LockManager) ReleaseLock(ctx context.Context, key, ownerID string) (ok bool, err error) {
	cur, err := lm.store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if cur == codec.Undefined {
		return true, nil
	}

	held, isString := cur.(string)
	if !isString || held != ownerID {
		return false, nil
	}

	if err := lm.store.Delete(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}
