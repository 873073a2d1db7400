package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"strconv"
	"strings"
	"time"

	"puppetmaster/internal/persistence/indexdb"
	"puppetmaster/internal/persistence/objstore"
	"puppetmaster/internal/sim/world"
	"puppetmaster/internal/transport/observer"
	"puppetmaster/internal/transport/ws"
)

type server struct {
	world  *world.World
	idx    runtimeIndex
	mirror *objstore.Mirror
	agents *ws.Server
	log    *log.Logger
}

type auditQuerier interface {
	Audits(ctx context.Context, q indexdb.AuditQuery) ([]world.AuditEntry, error)
}

func (s *server) routes(enableAdmin, enablePprof bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", s.handleMetrics)

	if enableAdmin {
		// Local-only admin endpoints. None of them change simulation state
		// except activate, which goes through the same tick queue as ACT.
		mux.HandleFunc("/admin/v1/state", loopbackOnly(s.handleState))
		mux.HandleFunc("/admin/v1/snapshot", loopbackOnly(s.handleSnapshot))
		mux.HandleFunc("/admin/v1/activate", loopbackOnly(s.handleActivate))
		mux.HandleFunc("/admin/v1/audits", loopbackOnly(s.handleAudits))

		obsSrv := observer.NewServer(s.world, s.log)
		mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
		mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	}
	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", s.agents.Handler())
	return mux
}

func (s *server) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	id := s.world.ID()
	m := s.world.Metrics()
	tick := s.world.CurrentTick()
	if m.Tick != 0 {
		tick = m.Tick
	}

	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP puppetmaster_world_tick Current world tick.\n")
	fmt.Fprintf(rw, "# TYPE puppetmaster_world_tick gauge\n")
	fmt.Fprintf(rw, "puppetmaster_world_tick{world=%q} %d\n", id, tick)

	fmt.Fprintf(rw, "# HELP puppetmaster_world_agents Current number of pawns in the world.\n")
	fmt.Fprintf(rw, "# TYPE puppetmaster_world_agents gauge\n")
	fmt.Fprintf(rw, "puppetmaster_world_agents{world=%q} %d\n", id, m.Agents)

	fmt.Fprintf(rw, "# HELP puppetmaster_world_clients Current number of attached clients.\n")
	fmt.Fprintf(rw, "# TYPE puppetmaster_world_clients gauge\n")
	fmt.Fprintf(rw, "puppetmaster_world_clients{world=%q} %d\n", id, m.Clients)

	fmt.Fprintf(rw, "# HELP puppetmaster_ws_sessions Connected agent websocket sessions.\n")
	fmt.Fprintf(rw, "# TYPE puppetmaster_ws_sessions gauge\n")
	fmt.Fprintf(rw, "puppetmaster_ws_sessions{world=%q} %d\n", id, s.agents.Sessions())

	fmt.Fprintf(rw, "# HELP puppetmaster_active_abilities Live ability instances.\n")
	fmt.Fprintf(rw, "# TYPE puppetmaster_active_abilities gauge\n")
	fmt.Fprintf(rw, "puppetmaster_active_abilities{world=%q} %d\n", id, m.ActiveAbilities)

	fmt.Fprintf(rw, "# HELP puppetmaster_running_tasks Tasks owned by live ability instances.\n")
	fmt.Fprintf(rw, "# TYPE puppetmaster_running_tasks gauge\n")
	fmt.Fprintf(rw, "puppetmaster_running_tasks{world=%q} %d\n", id, m.RunningTasks)

	fmt.Fprintf(rw, "# HELP puppetmaster_moving_agents Pawns with an active move.\n")
	fmt.Fprintf(rw, "# TYPE puppetmaster_moving_agents gauge\n")
	fmt.Fprintf(rw, "puppetmaster_moving_agents{world=%q} %d\n", id, m.Moving)

	fmt.Fprintf(rw, "# HELP puppetmaster_activations_total Successful ability activations.\n")
	fmt.Fprintf(rw, "# TYPE puppetmaster_activations_total counter\n")
	fmt.Fprintf(rw, "puppetmaster_activations_total{world=%q} %d\n", id, m.Activations)

	fmt.Fprintf(rw, "# HELP puppetmaster_rejections_total Rejected activations and actions by code.\n")
	fmt.Fprintf(rw, "# TYPE puppetmaster_rejections_total counter\n")
	codes := make([]string, 0, len(m.Rejections))
	for code := range m.Rejections {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		fmt.Fprintf(rw, "puppetmaster_rejections_total{world=%q,code=%q} %d\n", id, code, m.Rejections[code])
	}

	fmt.Fprintf(rw, "# HELP puppetmaster_world_queue_depth Channel backlog depth.\n")
	fmt.Fprintf(rw, "# TYPE puppetmaster_world_queue_depth gauge\n")
	fmt.Fprintf(rw, "puppetmaster_world_queue_depth{world=%q,queue=%q} %d\n", id, "inbox", m.QueueDepths.Inbox)
	fmt.Fprintf(rw, "puppetmaster_world_queue_depth{world=%q,queue=%q} %d\n", id, "join", m.QueueDepths.Join)
	fmt.Fprintf(rw, "puppetmaster_world_queue_depth{world=%q,queue=%q} %d\n", id, "leave", m.QueueDepths.Leave)
	fmt.Fprintf(rw, "puppetmaster_world_queue_depth{world=%q,queue=%q} %d\n", id, "attach", m.QueueDepths.Attach)
	fmt.Fprintf(rw, "puppetmaster_world_queue_depth{world=%q,queue=%q} %d\n", id, "activate", m.QueueDepths.Activate)

	fmt.Fprintf(rw, "# HELP puppetmaster_world_step_ms Last tick step duration in milliseconds.\n")
	fmt.Fprintf(rw, "# TYPE puppetmaster_world_step_ms gauge\n")
	fmt.Fprintf(rw, "puppetmaster_world_step_ms{world=%q} %.3f\n", id, m.StepMS)

	writeIndexMetrics(rw, id, s.idx)
	if s.mirror != nil {
		writeMirrorMetrics(rw, id, s.mirror.Stats())
	}
}

func writeIndexMetrics(rw io.Writer, id string, idx runtimeIndex) {
	switch x := idx.(type) {
	case *indexdb.SQLiteIndex:
		st := x.Stats()
		fmt.Fprintf(rw, "# HELP puppetmaster_index_queue_depth Index writer queue depth.\n")
		fmt.Fprintf(rw, "# TYPE puppetmaster_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "puppetmaster_index_queue_depth{world=%q,backend=\"sqlite\"} %d\n", id, st.QueueDepth)
		fmt.Fprintf(rw, "# HELP puppetmaster_index_dropped_total Index records dropped under backpressure.\n")
		fmt.Fprintf(rw, "# TYPE puppetmaster_index_dropped_total counter\n")
		fmt.Fprintf(rw, "puppetmaster_index_dropped_total{world=%q,kind=%q} %d\n", id, "tick", st.DropTickTotal)
		fmt.Fprintf(rw, "puppetmaster_index_dropped_total{world=%q,kind=%q} %d\n", id, "audit", st.DropAuditTotal)
		fmt.Fprintf(rw, "puppetmaster_index_dropped_total{world=%q,kind=%q} %d\n", id, "snapshot", st.DropSnapshotTotal)
		fmt.Fprintf(rw, "puppetmaster_index_dropped_total{world=%q,kind=%q} %d\n", id, "snapshot_state", st.DropSnapshotStateTotal)
	case *indexdb.HTTPIngest:
		st := x.Stats()
		fmt.Fprintf(rw, "# HELP puppetmaster_index_queue_depth Index writer queue depth.\n")
		fmt.Fprintf(rw, "# TYPE puppetmaster_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "puppetmaster_index_queue_depth{world=%q,backend=\"ingest\"} %d\n", id, st.QueueDepth)
		fmt.Fprintf(rw, "# HELP puppetmaster_index_dropped_total Index records dropped under backpressure.\n")
		fmt.Fprintf(rw, "# TYPE puppetmaster_index_dropped_total counter\n")
		fmt.Fprintf(rw, "puppetmaster_index_dropped_total{world=%q,kind=%q} %d\n", id, "queue", st.QueueDroppedTotal)
		fmt.Fprintf(rw, "puppetmaster_index_dropped_total{world=%q,kind=%q} %d\n", id, "retain", st.RetainDroppedTotal)
		fmt.Fprintf(rw, "# HELP puppetmaster_index_ingest_flush_fail_total Failed ingest batch posts.\n")
		fmt.Fprintf(rw, "# TYPE puppetmaster_index_ingest_flush_fail_total counter\n")
		fmt.Fprintf(rw, "puppetmaster_index_ingest_flush_fail_total{world=%q} %d\n", id, st.FlushFailTotal)
		fmt.Fprintf(rw, "# HELP puppetmaster_index_ingest_sent_total Events delivered to the ingest endpoint.\n")
		fmt.Fprintf(rw, "# TYPE puppetmaster_index_ingest_sent_total counter\n")
		fmt.Fprintf(rw, "puppetmaster_index_ingest_sent_total{world=%q} %d\n", id, st.SentTotal)
	}
}

func writeMirrorMetrics(rw io.Writer, id string, st objstore.Stats) {
	fmt.Fprintf(rw, "# HELP puppetmaster_mirror_queue_depth Object store upload queue depth.\n")
	fmt.Fprintf(rw, "# TYPE puppetmaster_mirror_queue_depth gauge\n")
	fmt.Fprintf(rw, "puppetmaster_mirror_queue_depth{world=%q} %d\n", id, st.QueueDepth)
	fmt.Fprintf(rw, "# HELP puppetmaster_mirror_uploads_total Object store uploads by result.\n")
	fmt.Fprintf(rw, "# TYPE puppetmaster_mirror_uploads_total counter\n")
	fmt.Fprintf(rw, "puppetmaster_mirror_uploads_total{world=%q,result=\"ok\"} %d\n", id, st.UploadSuccessTotal)
	fmt.Fprintf(rw, "puppetmaster_mirror_uploads_total{world=%q,result=\"fail\"} %d\n", id, st.UploadFailTotal)
	fmt.Fprintf(rw, "puppetmaster_mirror_uploads_total{world=%q,result=\"dropped\"} %d\n", id, st.DroppedTotal)
}

func (s *server) handleState(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	state, err := s.world.RequestState(ctx, strings.TrimSpace(r.URL.Query().Get("agent")))
	if err != nil {
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(rw, http.StatusOK, struct {
		world.StateView
		Metrics world.WorldMetrics `json:"metrics"`
	}{state, s.world.Metrics()})
}

func (s *server) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	tick, live, err := s.world.RequestSnapshot(ctx)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "tick": tick, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tick": tick, "live_instances": live})
}

type activateBody struct {
	AgentID   string `json:"agent_id"`
	AbilityID string `json:"ability_id"`
}

func (s *server) handleActivate(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body activateBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	if body.AgentID == "" || body.AbilityID == "" {
		http.Error(rw, "agent_id and ability_id required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	h, err := s.world.TryActivate(ctx, body.AgentID, body.AbilityID)
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(rw, status, map[string]any{"ok": false, "code": world.Code(err), "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "handle": uint64(h)})
}

func (s *server) handleAudits(rw http.ResponseWriter, r *http.Request) {
	q, ok := s.idx.(auditQuerier)
	if !ok {
		http.Error(rw, "audit queries need the sqlite index backend", http.StatusNotImplemented)
		return
	}
	vals := r.URL.Query()
	aq := indexdb.AuditQuery{
		Actor:     strings.TrimSpace(vals.Get("actor")),
		AbilityID: strings.TrimSpace(vals.Get("ability")),
	}
	if v := vals.Get("since_tick"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(rw, "bad since_tick", http.StatusBadRequest)
			return
		}
		aq.SinceTick = n
	}
	if v := vals.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(rw, "bad limit", http.StatusBadRequest)
			return
		}
		aq.Limit = n
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	entries, err := q.Audits(ctx, aq)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"audits": entries})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
