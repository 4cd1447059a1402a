package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabsync-dev/tabsync/pkg/store"
)

func dial(t *testing.T, ts *httptest.Server, origin string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?origin=" + origin
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatal(err)
	}
	return f
}

func TestHealthz(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	srv := NewServer(st)
	defer srv.Close()

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestSnapshotOnConnect(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	if err := st.Set("shared:a", `{"v":1}`, "seed"); err != nil {
		t.Fatal(err)
	}

	srv := NewServer(st)
	defer srv.Close()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dial(t, ts, "remote-1")
	defer conn.Close()

	f := readFrame(t, conn)
	if f.Type != FrameSnapshot {
		t.Fatalf("first frame type = %q", f.Type)
	}
	if f.Entries["shared:a"] != `{"v":1}` {
		t.Fatalf("snapshot entries = %v", f.Entries)
	}
}

func TestRelayedWriteFansOut(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	srv := NewServer(st)
	defer srv.Close()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	writer := dial(t, ts, "writer")
	defer writer.Close()
	reader := dial(t, ts, "reader")
	defer reader.Close()

	readFrame(t, writer) // snapshots
	readFrame(t, reader)

	if err := writer.WriteJSON(Frame{Type: FrameSet, Key: "shared:x", Value: `{"n":1}`}); err != nil {
		t.Fatal(err)
	}

	f := readFrame(t, reader)
	if f.Type != FrameEvent || f.Key != "shared:x" || f.Value != `{"n":1}` {
		t.Fatalf("reader got %+v", f)
	}
	if f.Origin != "writer" {
		t.Fatalf("event origin = %q", f.Origin)
	}

	// The store itself converged.
	deadline := time.Now().Add(time.Second)
	for {
		if v, ok := st.Get("shared:x"); ok && v == `{"n":1}` {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("store never converged")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWriterNotEchoed(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	srv := NewServer(st)
	defer srv.Close()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	writer := dial(t, ts, "writer")
	defer writer.Close()

	readFrame(t, writer) // snapshot

	if err := writer.WriteJSON(Frame{Type: FrameSet, Key: "k", Value: "v"}); err != nil {
		t.Fatal(err)
	}

	writer.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var f Frame
	if err := writer.ReadJSON(&f); err == nil {
		t.Fatalf("writer received its own event: %+v", f)
	}
}

func TestRelayedDelete(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	if err := st.Set("doomed", "x", "seed"); err != nil {
		t.Fatal(err)
	}

	srv := NewServer(st)
	defer srv.Close()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	writer := dial(t, ts, "writer")
	defer writer.Close()
	reader := dial(t, ts, "reader")
	defer reader.Close()

	readFrame(t, writer)
	readFrame(t, reader)

	if err := writer.WriteJSON(Frame{Type: FrameDelete, Key: "doomed"}); err != nil {
		t.Fatal(err)
	}

	f := readFrame(t, reader)
	if f.Type != FrameEvent || !f.Deleted || f.Key != "doomed" {
		t.Fatalf("reader got %+v", f)
	}
}