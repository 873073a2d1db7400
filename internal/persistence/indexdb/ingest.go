package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"puppetmaster/internal/persistence/snapshot"
	"puppetmaster/internal/sim/catalogs"
	"puppetmaster/internal/sim/tuning"
	"puppetmaster/internal/sim/world"
)

// IngestConfig configures an HTTPIngest. Events are POSTed as
// {"events":[...]} batches to Endpoint.
type IngestConfig struct {
	Endpoint      string
	Token         string
	WorldID       string
	BatchSize     int
	MaxRetained   int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	Logger        *log.Logger
}

// HTTPIngest forwards index rows to a remote ingest endpoint. A batch that
// fails to send is kept and retried on the next flush, up to MaxRetained events.
type HTTPIngest struct {
	cfg        IngestConfig
	httpClient *http.Client

	ch   chan ingestEvent
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	auditMu       sync.Mutex
	lastAuditTick uint64
	auditSeq      int

	queueDropped  atomic.Uint64
	retainDropped atomic.Uint64
	flushFail     atomic.Uint64
	sent          atomic.Uint64
}

type ingestEvent struct {
	Kind    string `json:"kind"`
	WorldID string `json:"world_id"`
	Payload any    `json:"payload"`
}

type ingestAudit struct {
	Seq int `json:"seq"`
	world.AuditEntry
}

type ingestSnapshot struct {
	Tick          uint64 `json:"tick"`
	Path          string `json:"path"`
	Agents        int    `json:"agents"`
	LiveInstances int    `json:"live_instances"`
	AbilityStore  string `json:"ability_store"`
}

type ingestAgentState struct {
	Tick uint64 `json:"tick"`
	snapshot.AgentV1
}

type ingestCatalog struct {
	Name      string `json:"name"`
	Digest    string `json:"digest"`
	JSON      string `json:"json"`
	UpdatedAt string `json:"updated_at"`
}

// IngestStats reports delivery counters.
type IngestStats struct {
	QueueDepth         int    `json:"queue_depth"`
	QueueDroppedTotal  uint64 `json:"queue_dropped_total"`
	RetainDroppedTotal uint64 `json:"retain_dropped_total"`
	FlushFailTotal     uint64 `json:"flush_fail_total"`
	SentTotal          uint64 `json:"sent_total"`
}

func OpenIngest(cfg IngestConfig) (*HTTPIngest, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.WorldID = strings.TrimSpace(cfg.WorldID)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty ingest endpoint")
	}
	if cfg.WorldID == "" {
		return nil, fmt.Errorf("empty world id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 16 * cfg.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}

	d := &HTTPIngest{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan ingestEvent, 32768),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func (d *HTTPIngest) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *HTTPIngest) WriteTick(entry world.TickLogEntry) error {
	d.enqueue("tick", entry)
	return nil
}

func (d *HTTPIngest) WriteAudit(entry world.AuditEntry) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	d.enqueue("audit", ingestAudit{Seq: d.nextAuditSeq(entry.Tick), AuditEntry: entry})
	return nil
}

func (d *HTTPIngest) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	r := newSnapshotRow(path, snap)
	d.enqueue("snapshot", ingestSnapshot{
		Tick:          r.Tick,
		Path:          r.Path,
		Agents:        r.Agents,
		LiveInstances: r.LiveInstances,
		AbilityStore:  r.AbilityStore,
	})
}

func (d *HTTPIngest) RecordSnapshotState(snap snapshot.SnapshotV1) {
	for _, a := range snap.Agents {
		d.enqueue("agent_state", ingestAgentState{Tick: snap.Header.Tick, AgentV1: a})
	}
}

func (d *HTTPIngest) UpsertCatalogs(store *catalogs.AbilityStore, tune tuning.Tuning) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, r := range catalogRows(store, tune) {
		if r.Name == "" || r.Digest == "" || len(r.JSON) == 0 {
			continue
		}
		d.enqueue("catalog", ingestCatalog{Name: r.Name, Digest: r.Digest, JSON: string(r.JSON), UpdatedAt: now})
	}
	return nil
}

func (d *HTTPIngest) Stats() IngestStats {
	return IngestStats{
		QueueDepth:         len(d.ch),
		QueueDroppedTotal:  d.queueDropped.Load(),
		RetainDroppedTotal: d.retainDropped.Load(),
		FlushFailTotal:     d.flushFail.Load(),
		SentTotal:          d.sent.Load(),
	}
}

func (d *HTTPIngest) nextAuditSeq(tick uint64) int {
	d.auditMu.Lock()
	defer d.auditMu.Unlock()
	if tick != d.lastAuditTick {
		d.lastAuditTick = tick
		d.auditSeq = 0
	}
	d.auditSeq++
	return d.auditSeq
}

func (d *HTTPIngest) enqueue(kind string, payload any) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.ch <- ingestEvent{Kind: kind, WorldID: d.cfg.WorldID, Payload: payload}:
	default:
		d.queueDropped.Add(1)
		d.printf("index ingest queue full; drop kind=%s world=%s", kind, d.cfg.WorldID)
	}
}

func (d *HTTPIngest) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]ingestEvent, 0, d.cfg.BatchSize)
	// After a failure, retry only on the ticker.
	failing := false
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.sendBatch(batch); err != nil {
			failing = true
			d.flushFail.Add(1)
			d.printf("index ingest flush failed batch=%d err=%v", len(batch), err)
			if over := len(batch) - d.cfg.MaxRetained; over > 0 {
				d.retainDropped.Add(uint64(over))
				batch = append(batch[:0], batch[over:]...)
			}
			return
		}
		failing = false
		d.sent.Add(uint64(len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize && !failing {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *HTTPIngest) sendBatch(events []ingestEvent) error {
	body := struct {
		Events []ingestEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	if d.cfg.Token != "" {
		req.Header.Set("authorization", "Bearer "+d.cfg.Token)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

func (d *HTTPIngest) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
