package world

import (
	"context"
	"errors"
)

// StateView is a point-in-time copy of the world for admin endpoints.
type StateView struct {
	WorldID string      `json:"world_id"`
	Tick    uint64      `json:"tick"`
	Agents  []AgentView `json:"agents"`
}

type stateReq struct {
	AgentID string
	Resp    chan StateView
}

// RequestState asks the world loop for a copy of its pawns. An empty agentID
// returns every pawn. It is safe to call from other goroutines.
func (w *World) RequestState(ctx context.Context, agentID string) (StateView, error) {
	if w == nil || w.stateReq == nil {
		return StateView{}, errors.New("world not available")
	}
	resp := make(chan StateView, 1)
	select {
	case w.stateReq <- stateReq{AgentID: agentID, Resp: resp}:
	case <-ctx.Done():
		return StateView{}, ctx.Err()
	}
	select {
	case v := <-resp:
		return v, nil
	case <-ctx.Done():
		return StateView{}, ctx.Err()
	}
}

func (w *World) handleStateReq(req stateReq) {
	v := StateView{WorldID: w.cfg.ID, Tick: w.tick.Load(), Agents: []AgentView{}}
	for _, id := range w.sortedAgentIDs() {
		if req.AgentID != "" && id != req.AgentID {
			continue
		}
		v.Agents = append(v.Agents, w.viewOf(w.agents[id]))
	}
	select {
	case req.Resp <- v:
	default:
	}
}
