package channel

import (
	"context"
	"testing"
	"time"

	"github.com/tabsync-dev/tabsync/pkg/store"
)

func TestProbeConfirmedByResponder(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	resp := StartResponder(st, "target", nil)
	defer resp.Stop()

	p := NewProber(st, "prober")
	alive, err := p.Probe(context.Background(), "target")
	if err != nil {
		t.Fatal(err)
	}
	if !alive {
		t.Fatal("responder answered but probe reported dead")
	}

	waitFor(t, func() bool {
		_, ok := st.Get(HeartbeatKey("target", "prober"))
		return !ok
	}, "confirmed marker was not cleaned up")
}

func TestProbeTimeoutReclaimsState(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	if err := st.Set(InstanceKey("ghost"), `{"open":true}`, "ghost"); err != nil {
		t.Fatal(err)
	}

	p := NewProber(st, "prober")
	p.floor = 30 * time.Millisecond

	alive, err := p.Probe(context.Background(), "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if alive {
		t.Fatal("silent target reported alive")
	}

	if _, ok := st.Get(InstanceKey("ghost")); ok {
		t.Fatal("dead target's state entry was not reclaimed")
	}
	if _, ok := st.Get(HeartbeatKey("ghost", "prober")); ok {
		t.Fatal("marker left behind after timeout")
	}
}

func TestProbeTimeoutFloor(t *testing.T) {
	p := NewProber(store.NewMemoryStore(), "a", WithProbeTimeout(time.Millisecond))

	timeout := p.timeout
	if timeout < p.floor {
		timeout = p.floor
	}
	if timeout != minProbeTimeout {
		t.Fatalf("effective timeout %v, want floor %v", timeout, minProbeTimeout)
	}
}

func TestProbeOverwritesLeftoverMarker(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	// A marker abandoned by an earlier probe. If the fresh empty write were
	// skipped as a no-op the responder would never see it.
	marker := HeartbeatKey("target", "prober")
	if err := st.Set(marker, "", "stale"); err != nil {
		t.Fatal(err)
	}

	resp := StartResponder(st, "target", nil)
	defer resp.Stop()

	p := NewProber(st, "prober")
	alive, err := p.Probe(context.Background(), "target")
	if err != nil {
		t.Fatal(err)
	}
	if !alive {
		t.Fatal("leftover marker suppressed the probe")
	}
}

func TestProbeContextCancellation(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	if err := st.Set(InstanceKey("ghost"), "{}", "ghost"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	p := NewProber(st, "prober")
	alive, err := p.Probe(ctx, "ghost")
	if err == nil || alive {
		t.Fatalf("alive=%v err=%v, want cancellation", alive, err)
	}

	// Cancellation aborts without presuming death.
	if _, ok := st.Get(InstanceKey("ghost")); !ok {
		t.Fatal("cancelled probe must not reclaim state")
	}
	if _, ok := st.Get(HeartbeatKey("ghost", "prober")); ok {
		t.Fatal("cancelled probe left its marker")
	}
}

func TestResponderIgnoresForeignMarkers(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	resp := StartResponder(st, "me", nil)
	defer resp.Stop()

	if err := st.Set(HeartbeatKey("someone-else", "prober"), "", "prober"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	raw, _ := st.Get(HeartbeatKey("someone-else", "prober"))
	if raw != "" {
		t.Fatalf("responder answered a marker addressed to another instance: %q", raw)
	}
}

func TestSweepMarkers(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	if err := st.Set(InstanceKey("live"), "{}", "live"); err != nil {
		t.Fatal(err)
	}
	if err := st.Set(HeartbeatKey("live", "x"), "", "x"); err != nil {
		t.Fatal(err)
	}
	if err := st.Set(HeartbeatKey("gone", "x"), "", "x"); err != nil {
		t.Fatal(err)
	}

	SweepMarkers(st, "sweeper", nil)

	if _, ok := st.Get(HeartbeatKey("live", "x")); !ok {
		t.Fatal("marker for a live instance was swept")
	}
	if _, ok := st.Get(HeartbeatKey("gone", "x")); ok {
		t.Fatal("orphaned marker survived the sweep")
	}
}