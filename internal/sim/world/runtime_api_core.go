package world

import (
	"context"
	"errors"
	"fmt"

	"puppetmaster/internal/persistence/snapshot"
	"puppetmaster/internal/protocol"
	"puppetmaster/internal/sim/ability"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrRateLimited   = errors.New("too many actions this tick")
)

// Code maps world and ability errors to protocol codes.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAgentNotFound):
		return protocol.ErrAgentNotFound
	case errors.Is(err, ErrRateLimited):
		return protocol.ErrRateLimit
	default:
		return ability.Code(err)
	}
}

func (w *World) SetTickLogger(l TickLogger)                    { w.tickLogger = l }
func (w *World) SetAuditLogger(l AuditLogger)                  { w.auditLogger = l }
func (w *World) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { w.snapshotSink = ch }

// ExportSnapshot captures the world as of nowTick. Like ImportSnapshot it
// must run on the world loop goroutine or while the world is stopped.
func (w *World) ExportSnapshot(nowTick uint64) (snapshot.SnapshotV1, error) {
	return w.exportSnapshot(nowTick)
}

// ImportSnapshot replaces the current in-memory world state with the snapshot.
// It sets the world's tick to snapshotTick+1 (the next tick to simulate).
//
// This must be called only when the world is stopped or from the world loop goroutine.
func (w *World) ImportSnapshot(s snapshot.SnapshotV1) error {
	return w.importSnapshotV1(s)
}

func (w *World) Inbox() chan<- ActionEnvelope { return w.inbox }
func (w *World) Join() chan<- JoinRequest     { return w.join }
func (w *World) Attach() chan<- AttachRequest { return w.attach }
func (w *World) Leave() chan<- string         { return w.leave }
func (w *World) Detach() chan<- DetachRequest { return w.detach }

func (w *World) CurrentTick() uint64 { return w.tick.Load() }

type activateReq struct {
	AgentID   string
	AbilityID string
	Resp      chan activateResp
}

type activateResp struct {
	Handle ability.Handle
	Err    error
}

// TryActivate asks the world loop to activate abilityID for agentID at the
// next tick boundary and waits for the gating result.
// It is safe to call from other goroutines.
func (w *World) TryActivate(ctx context.Context, agentID, abilityID string) (ability.Handle, error) {
	if w == nil || w.activate == nil {
		return 0, errors.New("world not available")
	}
	resp := make(chan activateResp, 1)
	req := activateReq{AgentID: agentID, AbilityID: abilityID, Resp: resp}

	select {
	case w.activate <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case r := <-resp:
		return r.Handle, r.Err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (w *World) handleActivateReq(req activateReq, nowTick uint64, perAgent map[string]int, recorded []RecordedAction) []RecordedAction {
	reply := func(h ability.Handle, err error) {
		if req.Resp == nil {
			return
		}
		select {
		case req.Resp <- activateResp{Handle: h, Err: err}:
		default:
		}
	}
	p := w.agents[req.AgentID]
	if p == nil {
		reply(0, fmt.Errorf("%w: %s", ErrAgentNotFound, req.AgentID))
		return recorded
	}
	if perAgent[req.AgentID] >= w.cfg.MaxActionsPerTick {
		w.rejections[protocol.ErrRateLimit]++
		reply(0, ErrRateLimited)
		return recorded
	}
	perAgent[req.AgentID]++

	act := protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            nowTick,
		AgentID:         req.AgentID,
		Activate:        []protocol.ActivateReq{{ID: "api", Ability: req.AbilityID}},
	}
	h, err := p.ctl.TryActivate(req.AbilityID)
	w.recordActivation(p, nowTick, "api", req.AbilityID, uint64(h), err)
	reply(h, err)
	return append(recorded, RecordedAction{AgentID: req.AgentID, Act: act})
}
