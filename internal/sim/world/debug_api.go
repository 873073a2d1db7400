package world

import (
	"puppetmaster/internal/protocol"
	"puppetmaster/internal/sim/navgrid"
	"puppetmaster/internal/sim/tags"
)

// ---- Debug/Test Helpers ----
//
// These helpers let black-box tests in sibling packages (e.g. internal/sim/worldtest)
// set up deterministic preconditions without reaching into world internals.
//
// They are NOT safe to call concurrently with Run(). Prefer using them only in tests that drive
// the world via StepOnce(), from a single goroutine.

func (w *World) DebugSetAgentPos(agentID string, pos navgrid.Vec2) bool {
	p := w.agents[agentID]
	if p == nil {
		return false
	}
	p.Pos = pos
	return true
}

func (w *World) DebugSetAttribute(agentID, name string, v float64) bool {
	p := w.agents[agentID]
	if p == nil {
		return false
	}
	_, err := p.attrs.Set(name, v)
	return err == nil
}

func (w *World) DebugAddTag(agentID, tag string) bool {
	p := w.agents[agentID]
	if p == nil {
		return false
	}
	t := tags.Normalize(tag)
	if t == "" {
		return false
	}
	p.ctl.AddTag(t)
	return true
}

func (w *World) DebugRemoveTag(agentID, tag string) bool {
	p := w.agents[agentID]
	if p == nil {
		return false
	}
	p.ctl.RemoveTag(tags.Normalize(tag))
	return true
}

func (w *World) DebugClearAgentEvents(agentID string) bool {
	p := w.agents[agentID]
	if p == nil {
		return false
	}
	p.events = nil
	return true
}

// AgentView is a read-only copy of a pawn's state.
type AgentView struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Pos        navgrid.Vec2           `json:"pos"`
	Attributes map[string]float64     `json:"attributes"`
	Tags       []tags.Count           `json:"tags"`
	Moving     bool                   `json:"moving"`
	Abilities  []protocol.AbilityObs  `json:"abilities"`
	Cooldowns  []protocol.CooldownObs `json:"cooldowns"`
}

func (w *World) viewOf(p *Pawn) AgentView {
	return AgentView{
		ID:         p.ID,
		Name:       p.Name,
		Pos:        p.Pos,
		Attributes: p.attrs.Snapshot(),
		Tags:       p.ctl.Tags().Explicit(),
		Moving:     p.Moving(),
		Abilities:  abilityObs(p),
		Cooldowns:  cooldownObs(p),
	}
}

// DebugAgent returns a view of one pawn.
func (w *World) DebugAgent(agentID string) (AgentView, bool) {
	p := w.agents[agentID]
	if p == nil {
		return AgentView{}, false
	}
	return w.viewOf(p), true
}

func (w *World) DebugStateDigest(nowTick uint64) string {
	return w.stateDigest(nowTick)
}
