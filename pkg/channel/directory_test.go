package channel

import (
	"testing"
	"time"

	"github.com/tabsync-dev/tabsync/pkg/store"
)

func TestDirectoryMirrorsStoredInstances(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	for _, id := range []string{"a", "b", "c"} {
		if err := st.Set(SettingsKey(id), `{"owner":"`+id+`"}`, id); err != nil {
			t.Fatal(err)
		}
	}

	reg := NewRegistry(st, "self")
	defer reg.Close()

	d := OpenDirectory(st, reg, "self", PrefixSettings)
	defer d.Close()
	d.Flush()

	waitFor(t, func() bool { return len(d.Snapshot()) == 3 },
		"directory did not converge on stored instances")

	snap := d.Snapshot()
	for _, id := range []string{"a", "b", "c"} {
		if string(snap[id]) != `{"owner":"`+id+`"}` {
			t.Fatalf("entry for %s = %s", id, snap[id])
		}
	}
}

func TestDirectoryExcludesSelf(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	if err := st.Set(SettingsKey("self"), "{}", "self"); err != nil {
		t.Fatal(err)
	}
	if err := st.Set(SettingsKey("other"), "{}", "other"); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry(st, "self")
	defer reg.Close()

	d := OpenDirectory(st, reg, "self", PrefixSettings)
	defer d.Close()
	d.Flush()

	snap := d.Snapshot()
	if _, ok := snap["self"]; ok {
		t.Fatal("directory mirrored its own instance")
	}
	if _, ok := snap["other"]; !ok {
		t.Fatal("directory missed the other instance")
	}
}

func TestDirectoryTracksArrivalsAndDepartures(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	reg := NewRegistry(st, "self")
	defer reg.Close()

	d := OpenDirectory(st, reg, "self", PrefixSettings)
	defer d.Close()
	d.Flush()

	if err := st.Set(SettingsKey("new"), `{"n":1}`, "new"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, ok := d.Snapshot()["new"]
		return ok
	}, "arrival never mirrored")

	if err := st.Delete(SettingsKey("new"), "new"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, ok := d.Snapshot()["new"]
		return !ok
	}, "departure never dropped")

	if got := reg.Refs(SettingsKey("new")); got != 0 {
		t.Fatalf("departed instance still holds %d refs", got)
	}
}

func TestDirectoryPropagatesValueChanges(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	if err := st.Set(SettingsKey("peer"), `{"v":1}`, "peer"); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry(st, "self")
	defer reg.Close()

	d := OpenDirectory(st, reg, "self", PrefixSettings)
	defer d.Close()
	d.Flush()

	waitFor(t, func() bool { return len(d.Snapshot()) == 1 }, "peer never mirrored")

	if err := st.Set(SettingsKey("peer"), `{"v":2}`, "peer"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		return string(d.Snapshot()["peer"]) == `{"v":2}`
	}, "value change never propagated")
}

func TestDirectoryExcludeFilter(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	if err := st.Set(SettingsKey("keep"), "{}", "keep"); err != nil {
		t.Fatal(err)
	}
	if err := st.Set(SettingsKey("skip"), "{}", "skip"); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry(st, "self")
	defer reg.Close()

	d := OpenDirectory(st, reg, "self", PrefixSettings,
		WithExclude(func(id string) bool { return id == "skip" }))
	defer d.Close()
	d.Flush()

	snap := d.Snapshot()
	if _, ok := snap["skip"]; ok {
		t.Fatal("excluded instance was mirrored")
	}
	if _, ok := snap["keep"]; !ok {
		t.Fatal("non-excluded instance missing")
	}
}

func TestDirectoryLivenessGateReclaimsDead(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	// "live" answers probes; "dead" is a leftover from a vanished session.
	resp := StartResponder(st, "live", nil)
	defer resp.Stop()

	if err := st.Set(InstanceKey("live"), `{"open":true}`, "live"); err != nil {
		t.Fatal(err)
	}
	if err := st.Set(InstanceKey("dead"), `{"open":true}`, "dead"); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry(st, "self")
	defer reg.Close()

	p := NewProber(st, "self")
	p.floor = 30 * time.Millisecond

	d := OpenDirectory(st, reg, "self", PrefixInstance, WithLivenessProbe(p))
	defer d.Close()
	d.Flush()

	waitFor(t, func() bool {
		snap := d.Snapshot()
		_, live := snap["live"]
		_, dead := snap["dead"]
		return live && !dead
	}, "liveness gate did not separate live from dead")

	if _, ok := st.Get(InstanceKey("dead")); ok {
		t.Fatal("dead instance's entry was not reclaimed")
	}
}

func TestDirectoryCloseReleasesEverything(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()

	if err := st.Set(SettingsKey("peer"), "{}", "peer"); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry(st, "self")
	defer reg.Close()

	d := OpenDirectory(st, reg, "self", PrefixSettings)
	d.Flush()
	waitFor(t, func() bool { return len(d.Running()) == 1 }, "peer never opened")

	d.Close()

	if got := reg.Refs(SettingsKey("peer")); got != 0 {
		t.Fatalf("close left %d refs", got)
	}
	if len(d.Snapshot()) != 0 {
		t.Fatal("close left entries in the mapping")
	}
}