package channel

import (
	"context"
	"log/slog"

	"github.com/tabsync-dev/tabsync/internal/errs"
	"github.com/tabsync-dev/tabsync/pkg/store"
)

// ErrLockHeld is returned when another live instance holds the password lock.
var ErrLockHeld = errs.New("lock_held", errs.CategoryWallet, "password lock held by another instance")

// AcquireLock claims the password lock for origin.
//
// If the stored holder is this instance the call is a no-op. If another
// instance is recorded as holder, it is probed; a live holder means the
// claim fails with ErrLockHeld, while a dead one is evicted and the lock
// taken over.
func AcquireLock(ctx context.Context, st store.Store, origin string, prober *Prober, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	holder, ok := st.Get(KeyPasswordLock)
	if ok && holder != "" && holder != origin {
		alive, err := prober.Probe(ctx, holder)
		if err != nil {
			return errs.Wrap(err, "lock_probe_failed", errs.CategoryWallet, "could not verify lock holder")
		}
		if alive {
			return ErrLockHeld
		}
		log.Info("evicting dead lock holder", "holder", holder)
		if err := st.Delete(KeyPasswordLock, origin); err != nil {
			return errs.Wrap(err, "lock_evict_failed", errs.CategoryStorage, "could not evict stale lock")
		}
	}

	if holder == origin {
		return nil
	}
	if err := st.Set(KeyPasswordLock, origin, origin); err != nil {
		return errs.Wrap(err, "lock_write_failed", errs.CategoryStorage, "could not record lock holder")
	}
	return nil
}

// ReleaseLock gives up the password lock if origin holds it. Releasing a
// lock held by someone else is a no-op.
func ReleaseLock(st store.Store, origin string) error {
	holder, ok := st.Get(KeyPasswordLock)
	if !ok || holder != origin {
		return nil
	}
	if err := st.Delete(KeyPasswordLock, origin); err != nil {
		return errs.Wrap(err, "lock_release_failed", errs.CategoryStorage, "could not release lock")
	}
	return nil
}

// LockHolder reports the recorded holder, if any.
func LockHolder(st store.Store) (string, bool) {
	return st.Get(KeyPasswordLock)
}