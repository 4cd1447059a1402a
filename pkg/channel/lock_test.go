package channel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tabsync-dev/tabsync/pkg/store"
)

func TestAcquireLockUncontested(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	p := NewProber(st, "a")
	if err := AcquireLock(context.Background(), st, "a", p, nil); err != nil {
		t.Fatal(err)
	}

	holder, ok := LockHolder(st)
	if !ok || holder != "a" {
		t.Fatalf("holder = %q ok=%v", holder, ok)
	}

	// Re-acquiring one's own lock is a no-op.
	if err := AcquireLock(context.Background(), st, "a", p, nil); err != nil {
		t.Fatal(err)
	}
}

func TestAcquireLockHeldByLiveInstance(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	resp := StartResponder(st, "holder", nil)
	defer resp.Stop()
	if err := st.Set(KeyPasswordLock, "holder", "holder"); err != nil {
		t.Fatal(err)
	}

	p := NewProber(st, "challenger")
	err := AcquireLock(context.Background(), st, "challenger", p, nil)
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}

	holder, _ := LockHolder(st)
	if holder != "holder" {
		t.Fatalf("holder changed to %q", holder)
	}
}

func TestAcquireLockEvictsDeadHolder(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	if err := st.Set(KeyPasswordLock, "ghost", "ghost"); err != nil {
		t.Fatal(err)
	}

	p := NewProber(st, "challenger")
	p.floor = 30 * time.Millisecond

	if err := AcquireLock(context.Background(), st, "challenger", p, nil); err != nil {
		t.Fatal(err)
	}

	holder, _ := LockHolder(st)
	if holder != "challenger" {
		t.Fatalf("holder = %q after eviction", holder)
	}
}

func TestReleaseLock(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	if err := st.Set(KeyPasswordLock, "a", "a"); err != nil {
		t.Fatal(err)
	}

	// Someone else's lock is left alone.
	if err := ReleaseLock(st, "b"); err != nil {
		t.Fatal(err)
	}
	if holder, _ := LockHolder(st); holder != "a" {
		t.Fatalf("foreign release changed holder to %q", holder)
	}

	if err := ReleaseLock(st, "a"); err != nil {
		t.Fatal(err)
	}
	if _, ok := LockHolder(st); ok {
		t.Fatal("lock entry survived release")
	}
}