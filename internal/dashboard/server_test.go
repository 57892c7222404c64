package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tetherlabs/tether/internal/monitor"
	"github.com/tetherlabs/tether/internal/pool"
	"github.com/tetherlabs/tether/internal/sessions"
)

// mockSource serves fixed snapshots.
type mockSource struct {
	status   Status
	pairing  PairingInfo
	sessions []*sessions.Terminal
	stats    pool.Stats
	mode     monitor.Mode
}

func (m *mockSource) Status() Status                { return m.status }
func (m *mockSource) Pairing() PairingInfo          { return m.pairing }
func (m *mockSource) Sessions() []*sessions.Terminal { return m.sessions }
func (m *mockSource) PoolStats() pool.Stats         { return m.stats }
func (m *mockSource) SyncMode() monitor.Mode        { return m.mode }

func newTestServer(src Source) *httptest.Server {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	registerRoutes(router, src)
	return httptest.NewServer(router)
}

func getJSON(t *testing.T, url string, v interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	src := &mockSource{
		status: Status{
			Connected: true,
			RelayURL:  "wss://relay.test/ws",
			SyncMode:  "chat",
			Paired:    true,
			Uptime:    "1m30s",
		},
	}
	srv := newTestServer(src)
	defer srv.Close()

	var got Status
	getJSON(t, srv.URL+"/api/status", &got)
	if !got.Connected || got.RelayURL != "wss://relay.test/ws" {
		t.Errorf("status = %+v", got)
	}
	if got.SyncMode != "chat" {
		t.Errorf("SyncMode = %q, want %q", got.SyncMode, "chat")
	}
}

func TestPairingEndpoint(t *testing.T) {
	src := &mockSource{
		pairing: PairingInfo{Paired: false, PairingCode: "ABC234"},
	}
	srv := newTestServer(src)
	defer srv.Close()

	var got PairingInfo
	getJSON(t, srv.URL+"/api/pairing", &got)
	if got.Paired {
		t.Error("Paired = true, want false")
	}
	if got.PairingCode != "ABC234" {
		t.Errorf("PairingCode = %q, want %q", got.PairingCode, "ABC234")
	}
}

func TestSessionsEndpoint(t *testing.T) {
	src := &mockSource{
		sessions: []*sessions.Terminal{
			{ID: "t1", Name: "work", IsActive: true},
		},
		mode: monitor.ModeTerminal,
	}
	srv := newTestServer(src)
	defer srv.Close()

	var got struct {
		Count    int                  `json:"count"`
		Sessions []*sessions.Terminal `json:"sessions"`
		SyncMode string               `json:"syncMode"`
	}
	getJSON(t, srv.URL+"/api/sessions", &got)
	if got.Count != 1 || len(got.Sessions) != 1 {
		t.Fatalf("sessions payload = %+v", got)
	}
	if got.Sessions[0].ID != "t1" {
		t.Errorf("session id = %q, want %q", got.Sessions[0].ID, "t1")
	}
	if got.SyncMode != string(monitor.ModeTerminal) {
		t.Errorf("syncMode = %q, want %q", got.SyncMode, monitor.ModeTerminal)
	}
}

func TestSessionsEndpoint_EmptyIsArray(t *testing.T) {
	srv := newTestServer(&mockSource{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(raw["sessions"]) != "[]" {
		t.Errorf("sessions = %s, want [] not null", raw["sessions"])
	}
}

func TestPoolEndpoint(t *testing.T) {
	src := &mockSource{
		stats: pool.Stats{SessionID: "s1", Entries: 3, SeenHashes: 7, NextSequence: 4},
	}
	srv := newTestServer(src)
	defer srv.Close()

	var got pool.Stats
	getJSON(t, srv.URL+"/api/pool", &got)
	if got.Entries != 3 || got.SeenHashes != 7 || got.NextSequence != 4 {
		t.Errorf("pool stats = %+v", got)
	}
}

func TestStart_RequiresSource(t *testing.T) {
	if err := Start(context.Background(), StartOpts{}); err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestStart_ShutsDownOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Start(ctx, StartOpts{Source: &mockSource{}, Port: 18970})
	}()

	// Give the listener a moment, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v after graceful shutdown, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancel")
	}
}
