package bridge

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"puppetmaster/internal/protocol"
)

func newIdleSession(t *testing.T) *Session {
	t.Helper()
	s := NewSession(SessionConfig{Key: "t", WorldWSURL: "ws://example.invalid"}, nil)
	t.Cleanup(s.Close)
	return s
}

func TestDisconnectAndPauseSetsPaused(t *testing.T) {
	s := newIdleSession(t)

	s.DisconnectAndPause()

	st := s.Status()
	if !st.Paused {
		t.Fatalf("expected paused after DisconnectAndPause")
	}
	if st.Connected {
		t.Fatalf("expected disconnected after DisconnectAndPause")
	}
}

func TestResumeReconnectClearsPausedAndSignals(t *testing.T) {
	s := newIdleSession(t)
	s.DisconnectAndPause()

	s.ResumeReconnect()

	if s.Status().Paused {
		t.Fatalf("expected paused=false after ResumeReconnect")
	}
	select {
	case <-s.resumeNotify:
	default:
		t.Fatalf("expected resumeNotify on paused->running")
	}

	// A second resume while running must not signal again.
	s.ResumeReconnect()
	select {
	case <-s.resumeNotify:
		t.Fatalf("unexpected resumeNotify while running")
	default:
	}
}

func TestDisconnectDoesNotPause(t *testing.T) {
	s := newIdleSession(t)
	s.Disconnect()
	if s.Status().Paused {
		t.Fatalf("expected paused=false after Disconnect")
	}
}

func obsFrame(t *testing.T, tick uint64, events ...protocol.Event) ([]byte, obsWire) {
	t.Helper()
	msg := protocol.ObsMsg{
		Type:            protocol.TypeObs,
		ProtocolVersion: protocol.Version,
		Tick:            tick,
		AgentID:         "A1",
		Events:          events,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b, obsWire{Tick: tick, AgentID: "A1", Events: events}
}

func TestGetEventsCursor(t *testing.T) {
	s := newIdleSession(t)
	ctx := context.Background()

	s.recordObs(obsFrame(t, 1, protocol.Event{"type": protocol.EventActionResult, "ref": "a"}))
	s.recordObs(obsFrame(t, 2))
	s.recordObs(obsFrame(t, 3,
		protocol.Event{"type": protocol.EventAbilityActivated},
		protocol.Event{"type": protocol.EventAbilityEnded},
	))

	res, err := s.GetEvents(ctx, 0, 2)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(res.Events) != 2 || res.NextCursor != 2 || res.Dropped {
		t.Fatalf("first page: %+v", res)
	}
	if res.Events[0].Tick != 1 || res.Events[1].Tick != 3 {
		t.Fatalf("ticks: %+v", res.Events)
	}

	res, _ = s.GetEvents(ctx, res.NextCursor, 0)
	if len(res.Events) != 1 || res.NextCursor != 3 || res.Events[0].Event["type"] != protocol.EventAbilityEnded {
		t.Fatalf("second page: %+v", res)
	}

	res, _ = s.GetEvents(ctx, 3, 0)
	if len(res.Events) != 0 || res.NextCursor != 3 {
		t.Fatalf("drained page: %+v", res)
	}
	if got := s.Status().EventCursor; got != 3 {
		t.Fatalf("status cursor: %d", got)
	}
}

func TestGetEventsReportsEviction(t *testing.T) {
	s := newIdleSession(t)
	for i := 0; i < maxEvents+10; i++ {
		s.recordObs(obsFrame(t, uint64(i+1), protocol.Event{"type": protocol.EventEffect}))
	}
	res, err := s.GetEvents(context.Background(), 0, 1)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if !res.Dropped || len(res.Events) != 1 || res.Events[0].Cursor != 11 {
		t.Fatalf("eviction: %+v", res)
	}
}

func TestGetObsSummaryTrimsTasks(t *testing.T) {
	s := newIdleSession(t)
	msg := protocol.ObsMsg{
		Type:            protocol.TypeObs,
		ProtocolVersion: protocol.Version,
		Tick:            7,
		AgentID:         "A1",
		Abilities: []protocol.AbilityObs{{
			Handle:    3,
			AbilityID: "Dash",
			ElapsedMS: 40,
			Tasks:     []protocol.TaskObs{{Kind: "MoveTo", State: "RUNNING", Progress: 0.5}},
		}},
	}
	b, _ := json.Marshal(msg)
	s.recordObs(b, obsWire{Tick: 7, AgentID: "A1"})

	res, err := s.GetObs(context.Background(), GetObsOpts{})
	if err != nil {
		t.Fatalf("GetObs: %v", err)
	}
	if res.Tick != 7 || res.AgentID != "A1" {
		t.Fatalf("result: %+v", res)
	}
	var sum obsSummary
	if err := json.Unmarshal(res.Obs, &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if len(sum.Abilities) != 1 || sum.Abilities[0].AbilityID != "Dash" {
		t.Fatalf("summary abilities: %+v", sum.Abilities)
	}

	full, _ := s.GetObs(context.Background(), GetObsOpts{Mode: ObsModeFull})
	var o protocol.ObsMsg
	_ = json.Unmarshal(full.Obs, &o)
	if len(o.Abilities) != 1 || len(o.Abilities[0].Tasks) != 1 {
		t.Fatalf("full obs lost tasks: %s", full.Obs)
	}

	if _, err := s.GetObs(context.Background(), GetObsOpts{Mode: "raw"}); err == nil {
		t.Fatalf("expected unknown mode error")
	}
}

func TestGetObsWaitTimesOut(t *testing.T) {
	s := newIdleSession(t)
	start := time.Now()
	if _, err := s.GetObs(context.Background(), GetObsOpts{WaitNewTick: true, TimeoutMS: 50}); err == nil {
		t.Fatalf("expected timeout")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("wait ignored timeout_ms")
	}
}

func TestActRejectsEmptyAndBlankAbility(t *testing.T) {
	s := newIdleSession(t)
	if _, err := s.Act(context.Background(), ActArgs{}); err == nil {
		t.Fatalf("expected empty act error")
	}
	if _, err := s.Act(context.Background(), ActArgs{Activate: []protocol.ActivateReq{{ID: "x"}}}); err == nil {
		t.Fatalf("expected missing ability error")
	}
}

func welcomeFor(agentID, token, digest string) *protocol.WelcomeMsg {
	w := protocol.WelcomeMsg{Type: protocol.TypeWelcome, AgentID: agentID, ResumeToken: token}
	w.Catalogs.Abilities.Digest = digest
	return &w
}

func activated(ref string, h uint64) protocol.Event {
	// Handles arrive as JSON numbers.
	return protocol.Event{"type": protocol.EventActionResult, "ref": ref, "ability": "Guard", "handle": float64(h), "ok": true}
}

func TestManagerLedgerSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "bridge.json")
	m, err := NewManager(Config{WorldWSURL: "ws://example.invalid", StateFile: path})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.onSessionUpdate("bot", sessionUpdate{Welcome: welcomeFor("A4", "tok", "d1"), At: time.Unix(1700000000, 0)})
	m.onSessionUpdate("bot", sessionUpdate{Events: []protocol.Event{activated("g1", 3), activated("d1", 4)}})
	_ = m.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("ledger not written: %v", err)
	}
	m2, err := NewManager(Config{WorldWSURL: "ws://example.invalid", StateFile: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()
	rec := m2.ledger.get("bot")
	if rec.ResumeToken != "tok" || rec.AgentID != "A4" || rec.LastConnected.IsZero() {
		t.Fatalf("reopened record: %+v", rec)
	}
	hs, err := m2.ledger.resolve("bot", []string{"d1", "g1"})
	if err != nil || len(hs) != 2 || hs[0] != 4 || hs[1] != 3 {
		t.Fatalf("resolve = %v, %v", hs, err)
	}
}

func TestLedgerTracksInstanceLifetime(t *testing.T) {
	l, err := openLedger("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l.welcome("k", *welcomeFor("A1", "t1", "d"), time.Now())
	changed := l.observe("k", []protocol.Event{
		activated("g1", 1),
		{"type": protocol.EventActionResult, "ref": "cancel", "handle": float64(9), "ok": true},
		{"type": protocol.EventActionResult, "ref": "bad", "ability": "Dash", "ok": false, "code": "E_COOLDOWN"},
	})
	if !changed {
		t.Fatalf("activation not recorded")
	}
	if h := l.get("k").Handles; len(h) != 1 || h["g1"] != 1 {
		t.Fatalf("handles = %v", h)
	}
	if _, err := l.resolve("k", []string{"bad"}); err == nil {
		t.Fatalf("rejected activation resolved")
	}

	for _, typ := range []string{protocol.EventAbilityEnded, protocol.EventAbilityCancelled, protocol.EventAbilityFailed} {
		l.observe("k", []protocol.Event{activated("x", 2)})
		if !l.observe("k", []protocol.Event{{"type": typ, "handle": float64(2)}}) {
			t.Fatalf("%s did not release the ref", typ)
		}
		if _, err := l.resolve("k", []string{"x"}); err == nil {
			t.Fatalf("ref still live after %s", typ)
		}
	}
	if l.observe("k", []protocol.Event{{"type": protocol.EventEffect, "handle": float64(1)}}) {
		t.Fatalf("effect changed the ledger")
	}

	// Same pawn, same catalog: refs stay. New pawn: refs go.
	l.welcome("k", *welcomeFor("A1", "t2", "d"), time.Now())
	if _, err := l.resolve("k", []string{"g1"}); err != nil {
		t.Fatalf("reattach dropped refs: %v", err)
	}
	l.welcome("k", *welcomeFor("A7", "t3", "d"), time.Now())
	if _, err := l.resolve("k", []string{"g1"}); err == nil {
		t.Fatalf("refs carried over to a new pawn")
	}
	l.observe("k", []protocol.Event{activated("g1", 5)})
	l.welcome("k", *welcomeFor("A7", "t4", "d2"), time.Now())
	if _, err := l.resolve("k", []string{"g1"}); err == nil {
		t.Fatalf("refs survived a catalog change")
	}
}

func TestOpenLedgerRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.json")
	if err := os.WriteFile(path, []byte(`{"version": 9, "pawns": {}}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewManager(Config{WorldWSURL: "ws://example.invalid", StateFile: path}); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestManagerActRejectsUnknownCancelRef(t *testing.T) {
	m, err := NewManager(Config{WorldWSURL: "ws://example.invalid"})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()
	if _, err := m.Act(context.Background(), "bot", ActArgs{CancelRefs: []string{"nope"}}); err == nil {
		t.Fatalf("expected unknown ref error")
	}
}

func TestManagerEvictsLeastRecentlyUsed(t *testing.T) {
	m, err := NewManager(Config{WorldWSURL: "ws://example.invalid", MaxSessions: 2})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()
	ctx := context.Background()
	for _, k := range []string{"a", "b", "a", "c"} {
		if _, err := m.GetStatus(ctx, k); err != nil {
			t.Fatalf("status %s: %v", k, err)
		}
	}
	got := m.Sessions()
	if len(got) != 2 || got[0] != "c" || got[1] != "a" {
		t.Fatalf("sessions = %v, want [c a]", got)
	}
}

func TestNewManagerRequiresURL(t *testing.T) {
	if _, err := NewManager(Config{}); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
