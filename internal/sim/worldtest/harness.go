package worldtest

import (
	"encoding/json"
	"testing"

	"puppetmaster/internal/persistence/snapshot"
	"puppetmaster/internal/protocol"
	"puppetmaster/internal/sim/catalogs"
	"puppetmaster/internal/sim/navgrid"
	world "puppetmaster/internal/sim/world"
)

// Harness is a small black-box test helper for driving a world via exported APIs:
// - Join() issues JoinRequest via StepOnce()
// - Activate()/Input()/Cancel() issue ACT via StepOnce()
// - Per-agent Out channels carry OBS JSON; events from every OBS are kept
// - ExportSnapshot/Debug* helpers provide deterministic preconditions
//
// It intentionally avoids touching world internals so tests can live outside the world package.
type Harness struct {
	T     *testing.T
	Store *catalogs.AbilityStore
	W     *world.World

	DefaultAgentID string

	sessions map[string]*session
}

func NewHarness(t *testing.T, cfg world.WorldConfig, store *catalogs.AbilityStore, agentName string) *Harness {
	t.Helper()

	w, err := world.New(cfg, store)
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	return NewHarnessWithWorld(t, w, store, agentName)
}

// NewHarnessWithWorld is like NewHarness, but uses an already-constructed world instance.
// This is useful for snapshot round-trip tests where the snapshot is imported before join.
func NewHarnessWithWorld(t *testing.T, w *world.World, store *catalogs.AbilityStore, agentName string) *Harness {
	t.Helper()
	if w == nil {
		t.Fatalf("NewHarnessWithWorld: nil world")
	}

	h := &Harness{
		T:        t,
		Store:    store,
		W:        w,
		sessions: map[string]*session{},
	}
	h.DefaultAgentID = h.Join(agentName)
	return h
}

type session struct {
	AgentID string
	Out     chan []byte
	lastObs protocol.ObsMsg
	events  []protocol.Event
}

func (h *Harness) Join(agentName string) string {
	h.T.Helper()

	out := make(chan []byte, 16)
	resp := make(chan world.JoinResponse, 1)
	_, _ = h.W.StepOnce([]world.JoinRequest{{
		Name: agentName,
		Out:  out,
		Resp: resp,
	}}, nil, nil)
	jr := <-resp
	if jr.Welcome.AgentID == "" {
		h.T.Fatalf("join returned empty agent id")
	}
	s := &session{AgentID: jr.Welcome.AgentID, Out: out}
	h.sessions[s.AgentID] = s
	h.drainAllObs()
	return s.AgentID
}

func (h *Harness) LastObs() protocol.ObsMsg {
	return h.LastObsFor(h.DefaultAgentID)
}

func (h *Harness) LastObsFor(agentID string) protocol.ObsMsg {
	h.T.Helper()
	return h.sessionFor(agentID).lastObs
}

// Events returns every event seen by agentID since the last ClearEvents.
func (h *Harness) Events(agentID string) []protocol.Event {
	h.T.Helper()
	return h.sessionFor(agentID).events
}

func (h *Harness) ClearEvents(agentID string) {
	h.T.Helper()
	h.sessionFor(agentID).events = nil
}

func (h *Harness) sessionFor(agentID string) *session {
	h.T.Helper()
	s := h.sessions[agentID]
	if s == nil {
		h.T.Fatalf("unknown agent id: %q", agentID)
	}
	return s
}

func (h *Harness) act(agentID string) protocol.ActMsg {
	return protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            h.W.CurrentTick(),
		AgentID:         agentID,
	}
}

// Activate requests abilityID under ref and steps one tick.
func (h *Harness) Activate(agentID, ref, abilityID string) protocol.ObsMsg {
	h.T.Helper()
	act := h.act(agentID)
	act.Activate = []protocol.ActivateReq{{ID: ref, Ability: abilityID}}
	return h.StepAct(agentID, act)
}

func (h *Harness) Input(agentID string, bindings ...string) protocol.ObsMsg {
	h.T.Helper()
	act := h.act(agentID)
	act.Input = bindings
	return h.StepAct(agentID, act)
}

// InputAt sends bindings with a pointer target and steps one tick.
func (h *Harness) InputAt(agentID string, target [2]float64, bindings ...string) protocol.ObsMsg {
	h.T.Helper()
	act := h.act(agentID)
	act.Input = bindings
	act.Target = &target
	return h.StepAct(agentID, act)
}

// ActivateAt requests abilityID at target under ref and steps one tick.
func (h *Harness) ActivateAt(agentID, ref, abilityID string, target [2]float64) protocol.ObsMsg {
	h.T.Helper()
	act := h.act(agentID)
	act.Activate = []protocol.ActivateReq{{ID: ref, Ability: abilityID, Target: &target}}
	return h.StepAct(agentID, act)
}

func (h *Harness) Cancel(agentID string, handles ...uint64) protocol.ObsMsg {
	h.T.Helper()
	act := h.act(agentID)
	act.Cancel = handles
	return h.StepAct(agentID, act)
}

func (h *Harness) StepAct(agentID string, act protocol.ActMsg) protocol.ObsMsg {
	h.T.Helper()
	_, _ = h.W.StepOnce(nil, nil, []world.ActionEnvelope{{
		AgentID: agentID,
		Act:     act,
	}})
	h.drainAllObs()
	return h.LastObsFor(agentID)
}

func (h *Harness) StepMulti(actions []world.ActionEnvelope) {
	h.T.Helper()
	_, _ = h.W.StepOnce(nil, nil, actions)
	h.drainAllObs()
}

func (h *Harness) StepNoop() protocol.ObsMsg {
	h.T.Helper()
	_, _ = h.W.StepOnce(nil, nil, nil)
	h.drainAllObs()
	return h.LastObs()
}

// StepN runs n empty ticks.
func (h *Harness) StepN(n int) protocol.ObsMsg {
	h.T.Helper()
	var obs protocol.ObsMsg
	for i := 0; i < n; i++ {
		obs = h.StepNoop()
	}
	return obs
}

func (h *Harness) Snapshot() (tick uint64, snap snapshot.SnapshotV1) {
	h.T.Helper()
	// Keep tick stable: export at currentTick-1 then import would restore to currentTick.
	cur := h.W.CurrentTick()
	if cur > 0 {
		tick = cur - 1
	}
	snap, err := h.W.ExportSnapshot(tick)
	if err != nil {
		h.T.Fatalf("ExportSnapshot: %v", err)
	}
	return tick, snap
}

func (h *Harness) SetAgentPosFor(agentID string, pos navgrid.Vec2) {
	h.T.Helper()
	if ok := h.W.DebugSetAgentPos(agentID, pos); !ok {
		h.T.Fatalf("DebugSetAgentPos returned false")
	}
}

func (h *Harness) SetAttributeFor(agentID, name string, v float64) {
	h.T.Helper()
	if ok := h.W.DebugSetAttribute(agentID, name, v); !ok {
		h.T.Fatalf("DebugSetAttribute(%s) returned false", name)
	}
}

func (h *Harness) AddTagFor(agentID, tag string) {
	h.T.Helper()
	if ok := h.W.DebugAddTag(agentID, tag); !ok {
		h.T.Fatalf("DebugAddTag(%s) returned false", tag)
	}
}

func (h *Harness) Agent(agentID string) world.AgentView {
	h.T.Helper()
	v, ok := h.W.DebugAgent(agentID)
	if !ok {
		h.T.Fatalf("DebugAgent(%s): not found", agentID)
	}
	return v
}

func (h *Harness) drainAllObs() {
	h.T.Helper()
	for _, s := range h.sessions {
		h.drainOneObs(s)
	}
}

func (h *Harness) drainOneObs(s *session) {
	h.T.Helper()
	for {
		select {
		case b := <-s.Out:
			var obs protocol.ObsMsg
			if err := json.Unmarshal(b, &obs); err != nil {
				h.T.Fatalf("unmarshal OBS: %v", err)
			}
			s.lastObs = obs
			s.events = append(s.events, obs.Events...)
			continue
		default:
		}
		return
	}
}
