package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/avmitin/nsproxy/internal/domain"
	ilog "github.com/avmitin/nsproxy/internal/log"
	"github.com/avmitin/nsproxy/internal/state"
	"github.com/avmitin/nsproxy/internal/store/sqlite"
)

func newTestServer(t *testing.T, opts Options) (*Server, *state.Store, *sqlite.Store) {
	t.Helper()
	dir := t.TempDir()
	stateStore := state.New(dir)
	sessions, err := sqlite.Open(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sessions.Close() })

	opts.State = stateStore
	opts.Sessions = sessions
	opts.Log = ilog.New("test", "error")
	return New(opts), stateStore, sessions
}

func TestStatusReportsNamespacesAndTotals(t *testing.T) {
	t.Parallel()

	srv, stateStore, sessions := newTestServer(t, Options{})

	if _, err := stateStore.Update(func(st *domain.ProxyState) error {
		st.Namespaces["nl-ams-1"] = domain.NamespaceContext{
			Name: "vpnns0", Slug: "nl-ams-1", Status: domain.StatusConnected,
		}
		st.Random = &domain.RandomRotation{Slug: "nl-ams-1", ExpiresAt: time.Now().Add(time.Hour)}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := sessions.InsertSession(context.Background(), domain.Session{
		ID: "s-1", Slug: "nl-ams-1", Namespace: "vpnns0", Target: "example.com:443",
		StartedAt: time.Now(), EndedAt: time.Now(),
		BytesUp: 10, BytesDown: 20, Outcome: domain.OutcomeOK,
	}); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}

	var payload StatusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if _, ok := payload.Namespaces["nl-ams-1"]; !ok {
		t.Fatalf("namespace missing from payload: %+v", payload)
	}
	if payload.Random == nil || payload.Random.Slug != "nl-ams-1" {
		t.Fatalf("rotation missing from payload: %+v", payload.Random)
	}
	if len(payload.Totals) != 1 || payload.Totals[0].Sessions != 1 {
		t.Fatalf("totals wrong: %+v", payload.Totals)
	}
	if len(payload.Recent) != 1 || payload.Recent[0].ID != "s-1" {
		t.Fatalf("recent sessions wrong: %+v", payload.Recent)
	}
}

func TestBasicAuthGuardsEveryRoute(t *testing.T) {
	t.Parallel()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	srv, _, _ := newTestServer(t, Options{User: "admin", PasswordHash: string(hash)})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	req.SetBasicAuth("admin", "hunter2")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated request got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password got %d", resp.StatusCode)
	}
}

func TestEventStreamDeliversNewEvents(t *testing.T) {
	t.Parallel()

	srv, _, sessions := newTestServer(t, Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	// Pre-existing events are the watermark, not part of the stream.
	if err := sessions.InsertEvent(context.Background(), "namespace_created", "old", ""); err != nil {
		t.Fatal(err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	// Let the handler establish its watermark before the new event lands.
	time.Sleep(100 * time.Millisecond)
	if err := sessions.InsertEvent(context.Background(), "namespace_destroyed", "nl-ams-1", "idle"); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev sqlite.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != "namespace_destroyed" || ev.Slug != "nl-ams-1" {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestEventStreamEndsWhenClientDisconnects(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, Options{})
	ts := httptest.NewServer(srv.Handler())

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.Close()

	// Close waits for in-flight handlers; a handler that only notices the
	// disconnect on the next ping would hang here for 30s.
	closed := make(chan struct{})
	go func() {
		ts.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("event handler did not exit after client disconnect")
	}
}

func TestPprofIndexServed(t *testing.T) {
	t.Parallel()

	srv, _, _ := newTestServer(t, Options{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/debug/pprof/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof index got %d", resp.StatusCode)
	}
}
