package channel

import (
	"encoding/json"
	"testing"

	"github.com/tabsync-dev/tabsync/pkg/store"
)

func TestRegistrySharesOneChannelPerKey(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	r := NewRegistry(st, "a")
	defer r.Close()

	first := r.Acquire("shared:a", json.RawMessage("{}"), true)
	second := r.Acquire("shared:a", json.RawMessage("{}"), true)

	if first != second {
		t.Fatal("same key produced two channels")
	}
	if got := r.Refs("shared:a"); got != 2 {
		t.Fatalf("refs = %d, want 2", got)
	}
}

func TestRegistryReleaseTearsDownAtZero(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	r := NewRegistry(st, "a")
	defer r.Close()

	const k = 5
	for i := 0; i < k; i++ {
		r.Acquire("settings:a", json.RawMessage(`{"n":1}`), true)
	}
	for i := 0; i < k; i++ {
		r.Release("settings:a")
	}

	if got := r.Refs("settings:a"); got != 0 {
		t.Fatalf("residual refs = %d after balanced release", got)
	}

	// The stored entry survives teardown; only the subscription is gone.
	if _, ok := st.Get("settings:a"); !ok {
		t.Fatal("release must not delete stored data")
	}
}

func TestRegistryReacquireReflectsStore(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	r := NewRegistry(st, "a")
	defer r.Close()

	ch := r.Acquire("settings:a", json.RawMessage(`{"v":1}`), true)
	ch.Set(json.RawMessage(`{"v":2}`))
	r.Release("settings:a")

	fresh := r.Acquire("settings:a", json.RawMessage(`{"v":1}`), true)
	defer r.Release("settings:a")

	if string(fresh.Get()) != `{"v":2}` {
		t.Fatalf("fresh handle sees %s, want stored value", fresh.Get())
	}
}

func TestRegistryGenerationBumps(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	r := NewRegistry(st, "a")
	defer r.Close()

	g0 := r.Generation().Get()
	r.Acquire("shared:a", nil, false)
	g1 := r.Generation().Get()
	if g1 != g0+1 {
		t.Fatalf("generation %d after create, want %d", g1, g0+1)
	}

	r.Acquire("shared:a", nil, false)
	if got := r.Generation().Get(); got != g1 {
		t.Fatalf("generation moved on re-acquire: %d", got)
	}

	r.Release("shared:a")
	r.Release("shared:a")
	if got := r.Generation().Get(); got != g1+1 {
		t.Fatalf("generation %d after teardown, want %d", got, g1+1)
	}
}

func TestRegistryReleaseUnacquiredIsNoop(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	r := NewRegistry(st, "a")
	defer r.Close()

	r.Release("never-acquired")
	if got := r.Refs("never-acquired"); got != 0 {
		t.Fatalf("refs = %d", got)
	}
}