package world

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"puppetmaster/internal/protocol"
	"puppetmaster/internal/sim/navgrid"
	"puppetmaster/internal/sim/tags"
)

const maxNameLen = 40

func normalizeAgentName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "agent"
	}
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	return name
}

func newAgentID(idNum uint64) string { return fmt.Sprintf("A%d", idNum) }

func newResumeToken() string { return "resume_" + uuid.NewString() }

func (w *World) buildWelcome(agentID, resumeToken string) protocol.WelcomeMsg {
	return protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		AgentID:         agentID,
		ResumeToken:     resumeToken,
		WorldParams: protocol.WorldParams{
			TickRateHz: w.cfg.TickRateHz,
			GridCols:   w.cfg.GridCols,
			GridRows:   w.cfg.GridRows,
			CellSize:   w.cfg.CellSize,
		},
		Catalogs: protocol.CatalogDigests{
			Abilities: protocol.DigestRef{Digest: w.store.Digest(), Count: w.store.Len()},
		},
	}
}

// spawnPos picks the configured spawn point, or the first walkable cell
// center in row-major order when it is blocked.
func (w *World) spawnPos() navgrid.Vec2 {
	pos := navgrid.Vec2{X: w.cfg.Spawn[0], Y: w.cfg.Spawn[1]}
	if w.grid.WalkablePos(pos) {
		return pos
	}
	for row := 0; row < w.grid.Rows(); row++ {
		for col := 0; col < w.grid.Cols(); col++ {
			if w.grid.Walkable(col, row) {
				return w.grid.Center(navgrid.Cell{Col: col, Row: row})
			}
		}
	}
	return pos
}

func (w *World) joinAgent(name string, out chan []byte) JoinResponse {
	name = normalizeAgentName(name)
	idNum := w.nextAgentNum.Add(1)
	agentID := newAgentID(idNum)

	p := w.newPawn(agentID, name, w.spawnPos())
	for _, t := range tags.Parse(w.cfg.StartTags) {
		p.ctl.AddTag(t)
	}
	w.agents[agentID] = p
	if out != nil {
		w.clients[agentID] = &clientState{Out: out}
	}

	// Abilities flagged auto_activate start as soon as the pawn exists.
	nowTick := w.tick.Load()
	for _, id := range w.store.AutoActivated() {
		h, err := p.ctl.TryActivate(id)
		w.recordActivation(p, nowTick, "", id, uint64(h), err)
	}

	p.ResumeToken = newResumeToken()
	return JoinResponse{Welcome: w.buildWelcome(agentID, p.ResumeToken)}
}

func (w *World) handleAttach(req AttachRequest) {
	token := strings.TrimSpace(req.ResumeToken)
	var found *Pawn
	if token != "" && req.Out != nil {
		for _, id := range w.sortedAgentIDs() {
			if w.agents[id].ResumeToken == token {
				found = w.agents[id]
				break
			}
		}
	}
	if found == nil {
		if req.Resp != nil {
			req.Resp <- JoinResponse{}
		}
		return
	}
	// The replaced connection's writer sees its channel close and hangs up.
	if old := w.clients[found.ID]; old != nil && old.Out != req.Out {
		close(old.Out)
	}
	w.clients[found.ID] = &clientState{Out: req.Out}
	found.detached = false
	found.detachedAt = 0
	found.ResumeToken = newResumeToken()
	if req.Resp != nil {
		req.Resp <- JoinResponse{Welcome: w.buildWelcome(found.ID, found.ResumeToken)}
	}
}

// handleDetach unbinds a closed connection. The pawn stays for
// DetachGraceTicks so the agent can attach again with its resume token.
func (w *World) handleDetach(req DetachRequest) {
	cl := w.clients[req.AgentID]
	if cl == nil || cl.Out != req.Out {
		return
	}
	delete(w.clients, req.AgentID)
	if p := w.agents[req.AgentID]; p != nil {
		p.detached = true
		p.detachedAt = w.tick.Load()
	}
}

// expiredDetached lists detached pawns whose grace ran out, in id order.
func (w *World) expiredDetached(nowTick uint64) []string {
	var out []string
	for _, id := range w.sortedAgentIDs() {
		p := w.agents[id]
		if p.detached && nowTick >= p.detachedAt+uint64(w.cfg.DetachGraceTicks) {
			out = append(out, id)
		}
	}
	return out
}

// DetachUnattached starts the grace window for every pawn without a
// connection, such as pawns restored from a snapshot. Call before Run.
func (w *World) DetachUnattached() {
	nowTick := w.tick.Load()
	for id, p := range w.agents {
		if w.clients[id] == nil && !p.detached {
			p.detached = true
			p.detachedAt = nowTick
		}
	}
}

// handleLeave removes the pawn. Its controller is destroyed so granted tags
// and running tasks are released. Pawns restored from a snapshot have no
// client until someone attaches with their resume token or
// DetachUnattached starts their grace window.
func (w *World) handleLeave(agentID string) {
	if p := w.agents[agentID]; p != nil {
		p.ctl.Destroy()
	}
	delete(w.agents, agentID)
	delete(w.clients, agentID)
}

