package tabsync

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/tabsync-dev/tabsync/pkg/channel"
	"github.com/tabsync-dev/tabsync/pkg/store"
	"github.com/tabsync-dev/tabsync/pkg/wallet"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestInstanceAnnouncesPresence(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	in, err := New(st, Config{InstanceID: "tab-1"})
	if err != nil {
		t.Fatal(err)
	}

	raw, ok := st.Get(channel.InstanceKey("tab-1"))
	if !ok {
		t.Fatal("presence entry missing")
	}
	var p Presence
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatal(err)
	}
	if !p.Open {
		t.Fatal("presence not marked open")
	}

	in.Close()
	if _, ok := st.Get(channel.InstanceKey("tab-1")); ok {
		t.Fatal("presence entry survived close")
	}
	in.Close() // idempotent
}

func TestSharedStateConvergesAcrossInstances(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	a, err := New(st, Config{InstanceID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := New(st, Config{InstanceID: "b"})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	type sharedState struct {
		WalletID string `json:"walletId"`
	}

	def, _ := json.Marshal(sharedState{})
	chA := a.Acquire("shared:main", def, true)
	defer a.Release("shared:main")
	chB := b.Acquire("shared:main", def, true)
	defer b.Release("shared:main")

	// The default landed in the store.
	if raw, ok := st.Get("shared:main"); !ok || raw != `{"walletId":""}` {
		t.Fatalf("stored default = %q ok=%v", raw, ok)
	}

	next, _ := json.Marshal(sharedState{WalletID: "w1"})
	chA.Set(next)

	waitFor(t, func() bool {
		var s sharedState
		return json.Unmarshal(chB.Get(), &s) == nil && s.WalletID == "w1"
	}, "peer instance never observed the update")
}

func TestPeersDirectoryConverges(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	a, err := New(st, Config{InstanceID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := New(st, Config{InstanceID: "b"})
	if err != nil {
		t.Fatal(err)
	}

	peers := a.Peers()
	defer peers.Close()
	peers.Flush()

	waitFor(t, func() bool {
		_, ok := peers.Snapshot()["b"]
		return ok
	}, "peer b never appeared")
	if _, ok := peers.Snapshot()["a"]; ok {
		t.Fatal("directory mirrored its own instance")
	}

	b.Close()
	waitFor(t, func() bool {
		_, ok := peers.Snapshot()["b"]
		return !ok
	}, "closed peer never disappeared")
}

func TestPasswordLockAcrossInstances(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	a, err := New(st, Config{InstanceID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := New(st, Config{InstanceID: "b"})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := a.AcquirePasswordLock(context.Background()); err != nil {
		t.Fatal(err)
	}

	// b probes a, a's responder answers, so the claim is rejected.
	err = b.AcquirePasswordLock(context.Background())
	if !errors.Is(err, channel.ErrLockHeld) {
		t.Fatalf("err = %v, want ErrLockHeld", err)
	}

	if err := a.ReleasePasswordLock(); err != nil {
		t.Fatal(err)
	}
	if err := b.AcquirePasswordLock(context.Background()); err != nil {
		t.Fatalf("lock not claimable after release: %v", err)
	}
}

func TestLockReleasedOnClose(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	a, err := New(st, Config{InstanceID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.AcquirePasswordLock(context.Background()); err != nil {
		t.Fatal(err)
	}
	a.Close()

	if holder, ok := channel.LockHolder(st); ok {
		t.Fatalf("lock still held by %q after close", holder)
	}
}

func TestSharedSettingsDefaults(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	a, err := New(st, Config{InstanceID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if got := a.Settings().Currency.Get(); got.Code != "USD" {
		t.Fatalf("currency default = %+v", got)
	}
	if !a.Settings().Global.Get() {
		t.Fatal("global flag not set")
	}

	// A second instance adopts what the first persisted.
	a.Settings().Currency.Set(Currency{Code: "EUR", Rate: 0.9})

	b, err := New(st, Config{InstanceID: "b"})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if got := b.Settings().Currency.Get(); got.Code != "EUR" {
		t.Fatalf("second instance adopted %+v", got)
	}
}

func TestConfigValidation(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	if _, err := New(st, Config{HeartbeatTimeout: -time.Second}); err == nil {
		t.Fatal("negative timeout accepted")
	}
	if _, err := New(st, Config{InstanceID: wallet.NoWallet}); err == nil {
		t.Fatal("sentinel instance ID accepted")
	}
}

func TestSweepOnStartup(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	// Garbage from a session that died mid-probe.
	if err := st.Set(channel.HeartbeatKey("gone", "also-gone"), "", "x"); err != nil {
		t.Fatal(err)
	}

	in, err := New(st, Config{InstanceID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()

	if _, ok := st.Get(channel.HeartbeatKey("gone", "also-gone")); ok {
		t.Fatal("orphaned marker survived startup")
	}
}