package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"puppetmaster/internal/persistence/indexdb"
	"puppetmaster/internal/protocol"
	"puppetmaster/internal/sim/catalogs"
	"puppetmaster/internal/sim/tuning"
	"puppetmaster/internal/sim/world"
	"puppetmaster/internal/transport/ws"
)

func findRepoRootForServerTests(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatalf("could not locate go.mod from %s", dir)
		}
		dir = parent
	}
}

type testServer struct {
	w   *world.World
	idx *indexdb.SQLiteIndex
	url string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	root := findRepoRootForServerTests(t)
	store, err := catalogs.Load(filepath.Join(root, "configs"))
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	tune, err := tuning.Load(filepath.Join(root, "configs", "tuning.yaml"))
	if err != nil {
		t.Fatalf("load tuning: %v", err)
	}
	cfg := world.ConfigFromTuning("server_test", tune)
	cfg.TickRateHz = 50
	w, err := world.New(cfg, store)
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	idx, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "world.sqlite"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	w.SetTickLogger(multiTickLogger{b: idx})
	w.SetAuditLogger(multiAuditLogger{b: idx})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	app := &server{world: w, idx: idx, agents: ws.NewServer(w, nil)}
	srv := httptest.NewServer(app.routes(true, false))
	t.Cleanup(srv.Close)
	return &testServer{w: w, idx: idx, url: srv.URL}
}

func (ts *testServer) join(t *testing.T, name string) string {
	t.Helper()
	resp := make(chan world.JoinResponse, 1)
	ts.w.Join() <- world.JoinRequest{Name: name, Resp: resp}
	select {
	case r := <-resp:
		return r.Welcome.AgentID
	case <-time.After(5 * time.Second):
		t.Fatalf("join timed out")
	}
	return ""
}

func getBody(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func postJSON(t *testing.T, url string, v any) (int, map[string]any) {
	t.Helper()
	var body io.Reader = http.NoBody
	if v != nil {
		b, _ := json.Marshal(v)
		body = bytes.NewReader(b)
	}
	resp, err := http.Post(url, "application/json", body)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	code, body := getBody(t, ts.url+"/healthz")
	if code != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz: %d %q", code, body)
	}

	code, body = getBody(t, ts.url+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics status: %d", code)
	}
	for _, want := range []string{
		`puppetmaster_world_tick{world="server_test"}`,
		`puppetmaster_ws_sessions{world="server_test"} 0`,
		`puppetmaster_world_queue_depth{world="server_test",queue="activate"}`,
		`puppetmaster_index_queue_depth{world="server_test",backend="sqlite"}`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestAdminActivateAndAudits(t *testing.T) {
	ts := newTestServer(t)
	id := ts.join(t, "admin")

	code, out := postJSON(t, ts.url+"/admin/v1/activate", activateBody{AgentID: id, AbilityID: "Guard"})
	if code != http.StatusOK || out["ok"] != true {
		t.Fatalf("activate Guard: %d %v", code, out)
	}
	code, out = postJSON(t, ts.url+"/admin/v1/activate", activateBody{AgentID: id, AbilityID: "Strike"})
	if code != http.StatusConflict || out["code"] != protocol.ErrBlocked {
		t.Fatalf("activate Strike while guarding: %d %v", code, out)
	}
	code, out = postJSON(t, ts.url+"/admin/v1/activate", activateBody{AgentID: "A404", AbilityID: "Guard"})
	if code != http.StatusConflict || out["code"] != protocol.ErrAgentNotFound {
		t.Fatalf("activate unknown agent: %d %v", code, out)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ts.idx.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	code, body := getBody(t, ts.url+"/admin/v1/audits?actor="+id+"&ability=Guard")
	if code != http.StatusOK {
		t.Fatalf("audits: %d %s", code, body)
	}
	var got struct {
		Audits []world.AuditEntry `json:"audits"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode audits: %v", err)
	}
	if len(got.Audits) == 0 {
		t.Fatalf("expected Guard audit rows")
	}
	for _, a := range got.Audits {
		if a.Actor != id || a.AbilityID != "Guard" {
			t.Fatalf("audit filter leaked: %+v", a)
		}
	}

	if code, _ := getBody(t, ts.url+"/admin/v1/audits?limit=-1"); code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", code)
	}
}

func TestAdminStateAndSnapshot(t *testing.T) {
	ts := newTestServer(t)
	id := ts.join(t, "viewer")
	ts.join(t, "other")

	code, body := getBody(t, ts.url+"/admin/v1/state?agent="+id)
	if code != http.StatusOK {
		t.Fatalf("state: %d %s", code, body)
	}
	var st world.StateView
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.WorldID != "server_test" || len(st.Agents) != 1 || st.Agents[0].ID != id {
		t.Fatalf("state view: %+v", st)
	}

	// No snapshot sink is wired in tests.
	code, out := postJSON(t, ts.url+"/admin/v1/snapshot", nil)
	if code != http.StatusServiceUnavailable || out["ok"] != false {
		t.Fatalf("snapshot without sink: %d %v", code, out)
	}
	if code, _ := getBody(t, ts.url+"/admin/v1/snapshot"); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET snapshot: %d", code)
	}
}

func TestAdminRejectsRemoteCallers(t *testing.T) {
	app := &server{}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/v1/state", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	loopbackOnly(app.handleState)(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestLatestSnapshot(t *testing.T) {
	dir := t.TempDir()
	if got := latestSnapshot(dir); got != "" {
		t.Fatalf("empty dir: %q", got)
	}
	snaps := filepath.Join(dir, "snapshots")
	if err := os.MkdirAll(snaps, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	for _, name := range []string{"99.snap.zst", "1200.snap.zst", "notes.txt", "x.snap.zst"} {
		if err := os.WriteFile(filepath.Join(snaps, name), nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if got := latestSnapshot(dir); filepath.Base(got) != "1200.snap.zst" {
		t.Fatalf("latest: %q", got)
	}
}
